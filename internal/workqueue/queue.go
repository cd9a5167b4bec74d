// Package workqueue implements the admission controller that bounds how many
// workers may be admitted at once.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/metrics"
)

// ErrClosed is returned by WaitForSlot once the queue has been closed.
var ErrClosed = errors.New("worker queue closed")

// Slot describes the worker occupying a permit. It is informational only.
type Slot struct {
	Function string `json:"function"`
	Module   string `json:"module_name"`
	PID      int    `json:"pid"`
}

// Queue is a bounded channel of slots used as a counting semaphore.
type Queue struct {
	slots   chan Slot
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	pid     int
	logger  *zap.Logger
}

// New builds a queue admitting at most maxWorkers concurrent permits.
func New(maxWorkers int, logger *zap.Logger) *Queue {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		slots:  make(chan Slot, maxWorkers),
		done:   make(chan struct{}),
		pid:    os.Getpid(),
		logger: logger.Named("workqueue"),
	}
}

// Capacity returns the number of permits.
func (q *Queue) Capacity() int {
	return cap(q.slots)
}

// Outstanding returns the number of permits currently held.
func (q *Queue) Outstanding() int {
	return len(q.slots)
}

// WaitForSlot blocks until a permit is available, the queue is closed or ctx
// ends.
func (q *Queue) WaitForSlot(ctx context.Context, function, module string) error {
	if q.Closed() {
		return ErrClosed
	}
	slot := Slot{Function: function, Module: module, PID: q.pid}
	fields := slotFields(slot)
	q.logger.Info("worker waiting for slot", fields...)

	select {
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("wait for slot canceled: %w", ctx.Err())
	case q.slots <- slot:
	}
	metrics.ObservePermitGranted()
	q.logger.Info("worker granted slot", fields...)
	return nil
}

// WorkDone releases the oldest held permit. After Close it returns
// immediately when nothing is held.
func (q *Queue) WorkDone(ctx context.Context) error {
	select {
	case slot := <-q.slots:
		q.release(slot)
		return nil
	default:
	}
	select {
	case slot := <-q.slots:
		q.release(slot)
		return nil
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("work done canceled: %w", ctx.Err())
	}
}

func (q *Queue) release(slot Slot) {
	metrics.ObservePermitReleased()
	q.logger.Info("worker done", slotFields(slot)...)
}

// Close stops granting permits. Blocked and later WaitForSlot calls return
// ErrClosed.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
	q.logger.Info("worker queue closed", zap.Int("outstanding", q.Outstanding()))
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return q.closed
}

func slotFields(slot Slot) []zap.Field {
	return []zap.Field{
		zap.String("function", slot.Function),
		zap.String("module", slot.Module),
		zap.Int("pid", slot.PID),
	}
}
