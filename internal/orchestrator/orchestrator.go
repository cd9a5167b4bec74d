// Package orchestrator runs stage pipelines concurrently: one goroutine per
// scraped link, admitted through a bounded worker queue, with results and
// signals relayed back to the scraping stage as JSON envelopes.
package orchestrator

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/signal"
	"github.com/JakeFAU/stagecrawler/internal/stage"
	"github.com/JakeFAU/stagecrawler/internal/workqueue"
)

// Config controls the worker pool.
type Config struct {
	// MaxWorkers is the worker queue capacity. Zero means runtime.NumCPU().
	MaxWorkers int
	// ReserveEntrySlots pre-acquires MaxWorkers-1 permits for the duration of
	// the root pipeline.
	ReserveEntrySlots bool
}

// Orchestrator visits pipelines with a fresh worker queue per visit.
type Orchestrator struct {
	cfg     Config
	signals *signal.Registry
	logger  *zap.Logger
}

// New builds an Orchestrator.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, signals: signal.DefaultRegistry(), logger: logger}
}

// MaxWorkers returns the effective pool size.
func (o *Orchestrator) MaxWorkers() int {
	return o.cfg.MaxWorkers
}

// Visit runs the pipeline rooted at entry with concurrent scraping. Reserved
// permits are returned when the root pipeline finishes, and the worker queue
// is closed unless the run completed normally.
func (o *Orchestrator) Visit(ctx context.Context, rt *stage.Runtime, entry, rawURL string) (stage.Result, error) {
	wq := workqueue.New(o.cfg.MaxWorkers, o.logger)
	p := NewPipeline(wq, o.signals, o.logger)

	reserved := 0
	if o.cfg.ReserveEntrySlots {
		for i := 1; i < wq.Capacity(); i++ {
			label := fmt.Sprintf("preparing worker %d for %s", i, entry)
			if err := wq.WaitForSlot(ctx, label, entry); err != nil {
				o.release(ctx, wq, reserved)
				wq.Close()
				return stage.Interrupted, nil
			}
			reserved++
		}
	}

	res, err := stage.Visit(ctx, rt.WithScraper(p), entry, rawURL)
	o.release(ctx, wq, reserved)
	if res != stage.Completed {
		wq.Close()
	}
	return res, err
}

func (o *Orchestrator) release(ctx context.Context, wq *workqueue.Queue, n int) {
	for ; n > 0; n-- {
		if err := wq.WorkDone(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("release reserved permit", zap.Error(err))
			return
		}
	}
}
