// Package gcs saves each record as a JSON object in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"path"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/stagecrawler/internal/cases"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

const contentType = "application/json"

// Config captures the bucket records are written to.
type Config struct {
	Bucket string
	Prefix string
}

// IDGenerator hands out object names.
type IDGenerator interface {
	NewID() (string, error)
}

// Store writes one object per record to a configured bucket, named
// <prefix>/<stage>/<id>.json.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	ids    IDGenerator
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config, ids IDGenerator) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, ids: ids}, nil
}

// Store implements stage.Sink.
func (s *Store) Store(ctx context.Context, st *stage.Stage, rec stage.Record) error {
	id, err := s.ids.NewID()
	if err != nil {
		return err
	}
	data, err := cases.NewDocument(id, st, rec).Marshal()
	if err != nil {
		return err
	}
	_, err = s.putObject(ctx, path.Join(s.prefix, st.Name(), id+".json"), data)
	return err
}

// putObject uploads data and returns a gs:// URI.
func (s *Store) putObject(ctx context.Context, name string, data []byte) (string, error) {
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("write object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}
