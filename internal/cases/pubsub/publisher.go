// Package pubsub publishes each record as a Google Cloud Pub/Sub message.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/stagecrawler/internal/cases"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// IDGenerator hands out message ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
	ids   IDGenerator
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic, ids IDGenerator) *Publisher {
	return &Publisher{topic: topic, ids: ids}
}

// Store implements stage.Sink. It blocks until the server acknowledges the
// message.
func (p *Publisher) Store(ctx context.Context, st *stage.Stage, rec stage.Record) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	id, err := p.ids.NewID()
	if err != nil {
		return err
	}
	doc := cases.NewDocument(id, st, rec)
	data, err := doc.Marshal()
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"record_id": doc.ID,
			"stage":     doc.Stage,
			"url":       doc.URL,
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
