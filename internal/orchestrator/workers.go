package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/metrics"
	"github.com/JakeFAU/stagecrawler/internal/signal"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// fetchAsync fetches the child, gives its permit back, then plays and tunes
// it. The permit covers only the fetch.
func (p *Pipeline) fetchAsync(ctx context.Context, w Work, results chan<- message) {
	label := fmt.Sprintf("%s(%q)", workerFetch, w.Link)
	logger := p.logger.With(zap.String("worker", label), zap.String("stage", w.Child.Name()))

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := p.wq.WorkDone(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release permit", zap.Error(err))
		}
	}

	var msg message
	defer func() {
		if r := recover(); r != nil {
			msg = message{crash: fmt.Errorf("%s panicked: %v", label, r)}
		}
		release()
		if msg.crash != nil {
			metrics.ObserveWorkerCrash(workerFetch)
			logger.Error("worker crashed", zap.Error(msg.crash))
		}
		results <- msg
	}()

	payload, err := p.runFetch(ctx, w.Child, release)
	msg = p.settle(logger, label, payload, err)
}

func (p *Pipeline) runFetch(ctx context.Context, child *stage.Stage, release func()) ([]byte, error) {
	if err := child.Fetch(ctx); err != nil {
		return nil, err
	}
	release()

	if err := child.Play(ctx); err != nil {
		return nil, err
	}
	rec, err := child.Tune(ctx)
	if err != nil {
		return nil, err
	}
	if err := stage.ValidateTune(child, rec); err != nil {
		return nil, err
	}
	caseName := child.Definition().Case
	if caseName == "" {
		return nil, nil
	}
	u, err := child.URL()
	if err != nil {
		return nil, err
	}
	tagged := rec.Clone()
	tagged[TagStage] = child.Name()
	tagged[TagCase] = caseName
	tagged[TagURL] = u

	data, err := encodeRecord(tagged)
	if err != nil {
		child.Logger().Debug("dropping record that cannot be serialized", zap.Error(err))
		return nil, nil
	}
	return data, nil
}

// settle turns a worker outcome into the message it reports. Recognized
// signals are encoded and close the worker queue; jumps are a local skip;
// anything else is a crash.
func (p *Pipeline) settle(logger *zap.Logger, label string, payload []byte, err error) message {
	if err == nil {
		return message{payload: payload}
	}
	if signal.Classify(err) == signal.Skip {
		logger.Warn("skipping link", zap.Error(err))
		return message{}
	}
	pair, encErr := p.signals.Encode(err)
	if encErr != nil {
		return message{crash: fmt.Errorf("%s: %w", label, encErr)}
	}
	p.wq.Close()
	data, mErr := encodePair(pair)
	if mErr != nil {
		logger.Debug("dropping signal that cannot be serialized", zap.Error(mErr))
		return message{}
	}
	return message{payload: data}
}

// persistAsync rebuilds the tagged stage under parent and hands the record to
// its case. The permit is released whatever happens.
func (p *Pipeline) persistAsync(ctx context.Context, parent *stage.Stage, rec stage.Record, results chan<- message) {
	logger := p.logger.With(zap.String("worker", workerPersist))

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := p.wq.WorkDone(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release permit", zap.Error(err))
		}
	}

	var msg message
	defer func() {
		if r := recover(); r != nil {
			msg = message{crash: fmt.Errorf("%s panicked: %v", workerPersist, r)}
		}
		release()
		if msg.crash != nil {
			metrics.ObserveWorkerCrash(workerPersist)
			logger.Error("worker crashed", zap.Error(msg.crash))
		}
		results <- msg
	}()

	stageName, caseName, stageURL, ok := untag(rec)
	if !ok {
		release()
		msg = message{crash: fmt.Errorf("%s: record is missing %s or %s", workerPersist, TagStage, TagCase)}
		return
	}
	err := persist(ctx, parent, stageName, caseName, stageURL, rec)
	release()
	if err == nil {
		metrics.ObservePersist(stageName, caseName, "ok")
		return
	}
	metrics.ObservePersist(stageName, caseName, "error")

	if signal.Classify(err) == signal.Skip {
		logger.Warn("case skipped record", zap.String("stage", stageName), zap.Error(err))
		return
	}
	pair, encErr := p.signals.Encode(err)
	if encErr != nil {
		msg = message{crash: fmt.Errorf("%s(%s): %w", workerPersist, caseName, encErr)}
		return
	}
	p.wq.Close()
	data, mErr := encodePair(pair)
	if mErr != nil {
		logger.Debug("dropping signal that cannot be serialized", zap.Error(mErr))
		return
	}
	msg = message{payload: data}
}

func persist(ctx context.Context, parent *stage.Stage, stageName, caseName, stageURL string, rec stage.Record) error {
	child, err := parent.Runtime().NewStage(stageName, stageURL, parent)
	if err != nil {
		return err
	}
	return child.PersistTo(ctx, caseName, rec)
}
