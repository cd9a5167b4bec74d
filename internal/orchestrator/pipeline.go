package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/metrics"
	"github.com/JakeFAU/stagecrawler/internal/signal"
	"github.com/JakeFAU/stagecrawler/internal/stage"
	"github.com/JakeFAU/stagecrawler/internal/workqueue"
)

const (
	workerFetch   = "fetch_async"
	workerPersist = "persist_async"
)

// message is what every worker sends exactly once on its batch's results
// channel. A nil payload with no crash means the worker had nothing to report.
type message struct {
	payload []byte
	crash   error
}

// Work is a unit of work built by ProceedToNext and not yet started.
type Work struct {
	Link  string
	Child *stage.Stage
}

// Pipeline runs scrapes concurrently, one goroutine per link, gated by a
// worker queue. It implements stage.Scraper.
type Pipeline struct {
	wq      *workqueue.Queue
	signals *signal.Registry
	logger  *zap.Logger
}

// NewPipeline builds a Pipeline admitting workers through wq.
func NewPipeline(wq *workqueue.Queue, signals *signal.Registry, logger *zap.Logger) *Pipeline {
	if signals == nil {
		signals = signal.DefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{wq: wq, signals: signals, logger: logger.Named("orchestrator")}
}

// ProceedToNext builds the unit of work for link without starting it.
func (p *Pipeline) ProceedToNext(parent *stage.Stage, link string) (Work, error) {
	child, err := parent.Descendant(link)
	if err != nil {
		return Work{}, err
	}
	return Work{Link: link, Child: child}, nil
}

// Scrape starts one fetch worker per link as soon as a permit is granted,
// then drains the batch. Signals relayed by workers are returned; crashed
// workers are joined into the returned error once the batch has drained.
func (p *Pipeline) Scrape(ctx context.Context, parent *stage.Stage, links []string) error {
	works := make([]Work, 0, len(links))
	for _, link := range links {
		w, err := p.ProceedToNext(parent, link)
		if err != nil {
			return err
		}
		works = append(works, w)
	}

	// fetch workers plus at most one persist worker per record
	results := make(chan message, 2*len(works))
	pending := 0
	closed := false
	for _, w := range works {
		label := fmt.Sprintf("%s(%q)", workerFetch, w.Link)
		if err := p.wq.WaitForSlot(ctx, label, parent.Name()); err != nil {
			if errors.Is(err, workqueue.ErrClosed) {
				p.logger.Warn("worker queue closed, not starting remaining links",
					zap.String("stage", parent.Name()), zap.Int("skipped", len(works)-pending))
				closed = true
				break
			}
			return err
		}
		pending++
		go p.fetchAsync(ctx, w, results)
	}

	err := p.consumeQueue(ctx, parent, results, pending)
	if err == nil && closed {
		return signal.Halt("worker queue closed")
	}
	return err
}

// consumeQueue drains exactly pending worker reports, spawning persistence
// workers for tagged records.
func (p *Pipeline) consumeQueue(ctx context.Context, parent *stage.Stage, results chan message, pending int) error {
	var (
		crashes []error
		closed  bool
	)
	for pending > 0 {
		var msg message
		select {
		case msg = <-results:
		case <-ctx.Done():
			return fmt.Errorf("drain results: %w", ctx.Err())
		}
		pending--

		if msg.crash != nil {
			crashes = append(crashes, msg.crash)
			continue
		}
		if msg.payload == nil {
			metrics.ObserveEnvelope("empty")
			continue
		}
		env, err := decodeEnvelope(msg.payload)
		if err != nil {
			crashes = append(crashes, fmt.Errorf("decode envelope: %w", err))
			continue
		}
		if env.pair != nil {
			metrics.ObserveEnvelope("signal")
			sigErr := p.signals.Decode(*env.pair)
			p.logger.Debug("signal relayed by worker",
				zap.String("stage", parent.Name()), zap.String("signal", string(env.pair.Name)))
			if len(crashes) > 0 {
				return errors.Join(append(crashes, sigErr)...)
			}
			return sigErr
		}

		metrics.ObserveEnvelope("record")
		if _, hasCase := env.record[TagCase]; !hasCase {
			continue
		}
		if err := p.wq.WaitForSlot(ctx, workerPersist, parent.Name()); err != nil {
			if errors.Is(err, workqueue.ErrClosed) {
				p.logger.Warn("worker queue closed, dropping record",
					zap.String("stage", parent.Name()), zap.Any("stage_url", env.record[TagURL]))
				closed = true
				continue
			}
			return err
		}
		pending++
		go p.persistAsync(ctx, parent, env.record, results)
	}

	if len(crashes) > 0 {
		return errors.Join(crashes...)
	}
	if closed {
		return signal.Halt("worker queue closed")
	}
	return nil
}
