// Package file writes each record to its own JSON file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/cases"
	"github.com/JakeFAU/stagecrawler/internal/hash/sha256"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// FilenameField names the record field that chooses the output file.
const FilenameField = "filename"

// Config captures the parameters for the file case.
type Config struct {
	// Dir is the directory records are written under.
	Dir string
}

// Store writes records below a base directory. A file that already exists is
// left untouched, so rerunning a pipeline only adds new records.
type Store struct {
	dir    string
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New creates the directory if needed and checks that it is writable.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{dir: cfg.Dir, hasher: sha256.New(), logger: logger}, nil
}

// Store implements stage.Sink.
func (f *Store) Store(_ context.Context, s *stage.Stage, rec stage.Record) error {
	path, err := f.path(s, rec)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		f.logger.Debug("record file exists, skipping", zap.String("path", path))
		return nil
	}
	data, err := cases.NewDocument("", s, rec).Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	// O_EXCL keeps concurrent writers of the same name from clobbering.
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	f.logger.Info("saved", zap.String("path", path))
	return nil
}

// path returns dir/<stage>/<name>, where name comes from the filename field
// or the hash of the record URL.
func (f *Store) path(s *stage.Stage, rec stage.Record) (string, error) {
	name, _ := rec[FilenameField].(string)
	if strings.TrimSpace(name) == "" {
		u, _ := rec["url"].(string)
		if u == "" {
			return "", fmt.Errorf("record from %s has neither %s nor url", s.Name(), FilenameField)
		}
		name = f.hasher.HashString(u) + ".json"
	}
	full := filepath.Join(f.dir, s.Name(), name)

	cleanBase := filepath.Clean(f.dir)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}
