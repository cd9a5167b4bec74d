package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("headless fetcher not configured")

// Noop implements stage.Fetcher but always fails. It stands in when a stage
// asks for a browser and none was configured.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Get returns ErrNotConfigured.
func (Noop) Get(context.Context, string, stage.FetchOptions) (*stage.Response, error) {
	return nil, ErrNotConfigured
}
