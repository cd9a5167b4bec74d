package stage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/signal"
)

// Result is how a pipeline run ended.
type Result int

const (
	// Failed means Visit returned an error.
	Failed Result = iota
	// Completed means the pipeline ran to the end.
	Completed
	// Stopped means a stop signal ended the pipeline early.
	Stopped
	// Interrupted means the context was canceled.
	Interrupted
)

func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case Stopped:
		return "stopped"
	case Interrupted:
		return "interrupted"
	default:
		return "failed"
	}
}

// Visit runs the pipeline rooted at the stage type entry. rawURL overrides
// the definition default. Stop signals and cancellation end the run without
// an error.
func Visit(ctx context.Context, rt *Runtime, entry, rawURL string) (Result, error) {
	def, err := rt.Registry.Stage(entry)
	if err != nil {
		return Failed, err
	}
	root := New(rt, def, rawURL, nil)
	if root.RawURL() == "" {
		return Failed, signal.State("Trying to download content for %s but it has no URL", def.Name)
	}
	if _, err := root.URL(); err != nil {
		return Failed, err
	}

	logger := root.Logger()
	err = runRoot(ctx, root)
	switch {
	case err == nil:
		return Completed, nil
	case errors.Is(err, context.Canceled), ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Warn("User pressed CONTROL-C", zap.Error(err))
		return Interrupted, nil
	}
	switch signal.Classify(err) {
	case signal.Stop:
		logger.Info("pipeline stopped", zap.Error(err))
		return Stopped, nil
	case signal.Skip:
		logger.Warn("entry stage skipped", zap.Error(err))
		return Completed, nil
	default:
		return Failed, err
	}
}

func runRoot(ctx context.Context, root *Stage) error {
	if err := root.Fetch(ctx); err != nil {
		return err
	}
	if err := root.Play(ctx); err != nil {
		return err
	}
	rec, err := root.Tune(ctx)
	if err != nil {
		return err
	}
	if err := ValidateTune(root, rec); err != nil {
		return err
	}
	return root.Persist(ctx, rec)
}
