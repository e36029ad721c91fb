package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/config"
	"github.com/deepnoodle-ai/hitlflow/metrics"
	"github.com/deepnoodle-ai/hitlflow/queue/redisqueue"
	"github.com/deepnoodle-ai/hitlflow/stages"
	"github.com/deepnoodle-ai/hitlflow/store/postgres"
	"github.com/deepnoodle-ai/hitlflow/store/sqlite"
	"github.com/deepnoodle-ai/hitlflow/tools"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     hitlflow.Store
	queue     hitlflow.ReviewQueue
	collector *metrics.Collector
	engine    *hitlflow.Engine
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, collector: metrics.NewCollector()}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.queue = queue
	if closer, ok := queue.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	graph, err := loadGraph(cfg.Workflow)
	if err != nil {
		a.Close()
		return nil, err
	}

	var journal hitlflow.StageJournal = hitlflow.NewNullStageJournal()
	if cfg.Store.CheckpointDir != "" {
		journal = hitlflow.NewFileStageJournal(filepath.Join(cfg.Store.CheckpointDir, "journal"))
	}

	executors := stages.Executors(stages.Options{
		Settings: stages.Settings{
			MatchThreshold: cfg.Workflow.MatchThreshold,
			TolerancePct:   cfg.Workflow.TolerancePct,
		},
		Selector: tools.NewSelector(tools.DefaultPools(), logger),
		Tools:    tools.NewMockRegistry(logger),
	})
	engine, err := hitlflow.NewEngine(hitlflow.EngineOptions{
		Graph:           graph,
		Stages:          executors,
		Store:           store,
		Queue:           queue,
		Journal:         journal,
		Callbacks:       a.collector,
		Logger:          logger,
		ValidateInput:   stages.ValidateInput,
		MaxReviewCycles: cfg.Workflow.MaxReviewCycles,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

// Close releases the store and queue.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// openStore picks the backend from the DSN scheme.
func openStore(ctx context.Context, cfg config.StoreConfig) (hitlflow.Store, error) {
	scheme, rest, ok := strings.Cut(cfg.DSN, "://")
	if !ok {
		return nil, fmt.Errorf("store dsn %q has no scheme", cfg.DSN)
	}
	switch scheme {
	case "sqlite":
		if rest == "" {
			return nil, fmt.Errorf("store dsn %q has no database path", cfg.DSN)
		}
		return sqlite.Open(ctx, &sqlite.Config{Path: rest})
	case "postgres", "postgresql":
		return postgres.Open(ctx, &postgres.Config{DSN: cfg.DSN})
	case "file":
		dir := rest
		if dir == "" {
			dir = filepath.Join(cfg.CheckpointDir, "runs")
		}
		return hitlflow.NewFileStore(dir)
	case "memory":
		return hitlflow.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unsupported store scheme %q", scheme)
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (hitlflow.ReviewQueue, error) {
	switch cfg.Driver {
	case "", "memory":
		return hitlflow.NewMemoryReviewQueue(), nil
	case "redis":
		return redisqueue.New(ctx, redisqueue.Options{Addr: cfg.RedisAddr, Key: cfg.RedisKey})
	}
	return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
}

func loadGraph(cfg config.WorkflowConfig) (*hitlflow.Graph, error) {
	if cfg.GraphFile == "" {
		return hitlflow.InvoiceGraph(cfg.Name), nil
	}
	graph, err := hitlflow.LoadGraphFile(cfg.GraphFile, hitlflow.DefaultRouters())
	if hitlflow.IsInvalidGraph(err) {
		return nil, fmt.Errorf("workflow.graph_file %s: %w", cfg.GraphFile, err)
	}
	return graph, err
}

