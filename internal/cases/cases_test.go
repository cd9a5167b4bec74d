package cases

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/stagecrawler/internal/signal"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

func TestNewDocument(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := NewDocument("id-1", newStage("product", now), stage.Record{"url": "https://shop.test/p/1", "n": 1})
	require.Equal(t, "id-1", doc.ID)
	require.Equal(t, "product", doc.Stage)
	require.Equal(t, "https://shop.test/p/1", doc.URL)
	require.Equal(t, now, doc.SavedAt)

	data, err := doc.Marshal()
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"id-1","stage":"product","url":"https://shop.test/p/1","saved_at":"2024-01-02T03:04:05Z","record":{"n":1,"url":"https://shop.test/p/1"}}`, string(data))
}

func TestDocumentMarshalRejectsUnencodable(t *testing.T) {
	t.Parallel()

	doc := NewDocument("", newStage("product", time.Now()), stage.Record{"ch": make(chan int)})
	_, err := doc.Marshal()
	require.ErrorContains(t, err, "marshal record from product")
}

func TestLogWritesRecord(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLog(zap.New(core))
	require.NoError(t, sink.Store(context.Background(), newStage("product", time.Now()), stage.Record{"title": "x"}))
	require.Equal(t, 1, logs.FilterMessage("record").Len())
}

func TestTeeSavesToEveryTarget(t *testing.T) {
	t.Parallel()

	a, b := &recorder{}, &recorder{}
	tee := NewTee(a, b)
	require.NoError(t, tee.Store(context.Background(), newStage("product", time.Now()), stage.Record{"n": 1}))
	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
}

func TestTeeReturnsTargetError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ok := &recorder{}
	tee := NewTee(ok, &recorder{err: boom})
	err := tee.Store(context.Background(), newStage("product", time.Now()), stage.Record{})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, ok.count())
}

func TestLimitStopsAfterMax(t *testing.T) {
	t.Parallel()

	target := &recorder{}
	limit := NewLimit(target, 2)
	s := newStage("product", time.Now())

	require.NoError(t, limit.Store(context.Background(), s, stage.Record{}))
	require.NoError(t, limit.Store(context.Background(), s, stage.Record{}))
	err := limit.Store(context.Background(), s, stage.Record{})
	require.ErrorIs(t, err, signal.ErrStopScraping)
	require.Equal(t, 2, target.count())
	require.Equal(t, 2, limit.Saved())
}

// --- fakes ---

type recorder struct {
	mu  sync.Mutex
	n   int
	err error
}

func (r *recorder) Store(context.Context, *stage.Stage, stage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.n++
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func newStage(name string, now time.Time) *stage.Stage {
	return stage.New(&stage.Runtime{Clock: fixedClock(now)}, &stage.Definition{Name: name}, "https://shop.test", nil)
}
