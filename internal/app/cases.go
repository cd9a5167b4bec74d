package app

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/cases"
	filecase "github.com/JakeFAU/stagecrawler/internal/cases/file"
	gcscase "github.com/JakeFAU/stagecrawler/internal/cases/gcs"
	"github.com/JakeFAU/stagecrawler/internal/cases/memory"
	pgcase "github.com/JakeFAU/stagecrawler/internal/cases/postgres"
	pubsubcase "github.com/JakeFAU/stagecrawler/internal/cases/pubsub"
	"github.com/JakeFAU/stagecrawler/internal/config"
	"github.com/JakeFAU/stagecrawler/internal/id/uuid"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// setupCases builds every configured case once and registers it. Tee and
// limit cases share the instances of the cases they wrap.
func setupCases(ctx context.Context, app *App) error {
	b := &caseBuilder{
		app:      app,
		ids:      uuid.New(),
		built:    make(map[string]stage.Sink),
		building: make(map[string]bool),
	}
	names := make([]string, 0, len(app.cfg.Cases))
	for name := range app.cfg.Cases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sink, err := b.sink(ctx, name)
		if err != nil {
			return err
		}
		if err := app.registry.RegisterCase(name, stage.SinkCase(sink)); err != nil {
			return err
		}
	}
	return nil
}

type caseBuilder struct {
	app      *App
	ids      *uuid.Generator
	built    map[string]stage.Sink
	building map[string]bool
}

func (b *caseBuilder) sink(ctx context.Context, name string) (stage.Sink, error) {
	if s, ok := b.built[name]; ok {
		return s, nil
	}
	if b.building[name] {
		return nil, fmt.Errorf("case %q wraps itself through another case", name)
	}
	cc, ok := b.app.cfg.Cases[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stage.ErrUnknownCase, name)
	}
	b.building[name] = true
	defer delete(b.building, name)

	s, err := b.newSink(ctx, name, cc)
	if err != nil {
		return nil, fmt.Errorf("case %s (%s) init failed: %w", name, cc.Kind, err)
	}
	b.built[name] = s
	b.app.logger.Info("case initialized", zap.String("case", name), zap.String("kind", cc.Kind))
	return s, nil
}

func (b *caseBuilder) newSink(ctx context.Context, name string, cc config.CaseConfig) (stage.Sink, error) {
	app := b.app
	logger := app.logger.Named("case." + name)
	switch cc.Kind {
	case config.CaseMemory:
		m := memory.New()
		app.memory[name] = m
		return m, nil
	case config.CaseLog:
		return cases.NewLog(logger), nil
	case config.CaseFile:
		return filecase.New(filecase.Config{Dir: cc.Dir}, logger)
	case config.CasePostgres:
		s, err := pgcase.New(ctx, pgcase.Config{
			DSN:         cc.DSN,
			Table:       cc.Table,
			MaxConns:    cc.MaxConns,
			CreateTable: cc.CreateTable,
		}, b.ids)
		if err != nil {
			return nil, err
		}
		app.pgStores = append(app.pgStores, s)
		return s, nil
	case config.CaseGCS:
		client, err := b.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		return gcscase.New(client, gcscase.Config{Bucket: cc.Bucket, Prefix: cc.Prefix}, b.ids)
	case config.CasePubSub:
		client, err := b.pubsubClient(ctx, cc.ProjectID)
		if err != nil {
			return nil, err
		}
		p := pubsubcase.New(client.Topic(cc.Topic), b.ids)
		app.publishers = append(app.publishers, p)
		return p, nil
	case config.CaseTee:
		targets := make([]stage.Sink, 0, len(cc.Targets))
		for _, target := range cc.Targets {
			s, err := b.sink(ctx, target)
			if err != nil {
				return nil, err
			}
			targets = append(targets, s)
		}
		return cases.NewTee(targets...), nil
	case config.CaseLimit:
		target, err := b.sink(ctx, cc.Target)
		if err != nil {
			return nil, err
		}
		return cases.NewLimit(target, cc.Max), nil
	default:
		return nil, fmt.Errorf("unknown case kind %q", cc.Kind)
	}
}

func (b *caseBuilder) storageClient(ctx context.Context) (*storage.Client, error) {
	if b.app.storage != nil {
		return b.app.storage, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	b.app.storage = client
	return client, nil
}

func (b *caseBuilder) pubsubClient(ctx context.Context, project string) (*pubsub.Client, error) {
	if client, ok := b.app.pubsubClients[project]; ok {
		return client, nil
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	b.app.pubsubClients[project] = client
	b.app.logger.Info("Pub/Sub client initialized", zap.String("project", project))
	return client, nil
}
