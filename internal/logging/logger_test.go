package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Development: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected development logger to enable debug")
	}
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected production logger to start at info")
	}
}

func TestNewLevelOverride(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Development: true, Level: "warn"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be disabled at warn level")
	}
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
