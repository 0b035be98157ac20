package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/decompose"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/worktree"
)

// generatorBreaker is the circuit breaker key used for subtask generation.
const generatorBreaker = "generator"

// services is the object graph every command works against.
type services struct {
	store      *persistence.SQLiteStore
	bus        *events.EventBus
	sched      *scheduler.Scheduler
	aggregator *progress.Aggregator
	engine     *decompose.Engine
	procs      *backend.ProcessManager
	breakers   *backend.CircuitBreakerRegistry
	generator  backend.Backend // nil unless decompose.generator is "backend"
}

func (c *cli) open(ctx context.Context) (*services, error) {
	path, err := config.ExpandHome(c.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store %s: %w", path, err)
	}
	c.logger.Debug().Str("path", path).Msg("task store opened")

	s := &services{
		store:    store,
		bus:      events.NewEventBus(),
		procs:    backend.NewProcessManager(),
		breakers: backend.NewCircuitBreakerRegistry(c.cfg.Breaker.Settings(), c.logger),
	}
	s.sched = scheduler.New(store,
		scheduler.WithRecorder(store),
		scheduler.WithSink(s.bus),
		scheduler.WithLogger(c.logger),
	)
	s.aggregator = progress.NewAggregator(store,
		progress.WithSink(s.bus),
		progress.WithLogger(c.logger),
	)

	opts := []decompose.Option{
		decompose.WithThreshold(c.cfg.Decompose.ComplexityThreshold),
		decompose.WithLogger(c.logger),
	}
	if c.cfg.Decompose.Generator == config.GeneratorBackend {
		b, err := backend.New(c.cfg.Backend.Adapter(), s.procs)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create subtask generator backend: %w", err)
		}
		s.generator = b
		opts = append(opts, decompose.WithGenerator(
			decompose.NewBackendGenerator(b, s.breakers.Get(generatorBreaker), c.cfg.Retry.Policy()),
		))
	}
	s.engine = decompose.NewEngine(s.sched, opts...)

	return s, nil
}

// newExecutor creates a fresh backend session per task, rooted in the task's
// workspace when one was acquired.
func (s *services) newExecutor(cfg backend.Config) orchestrator.BackendFactory {
	return func(_ *scheduler.Task, workDir string) (backend.Backend, error) {
		taskCfg := cfg
		if workDir != "" {
			taskCfg.WorkDir = workDir
		}
		return backend.New(taskCfg, s.procs)
	}
}

// newWorkspaces opens the git worktree manager for isolated runs.
func (c *cli) newWorkspaces(ctx context.Context) (*worktree.Manager, error) {
	strategy, err := worktree.ParseStrategy(c.cfg.Workspace.Strategy)
	if err != nil {
		return nil, err
	}
	m, err := worktree.NewManager(ctx, worktree.Config{
		RepoPath:   c.cfg.Backend.WorkDir,
		BaseBranch: c.cfg.Workspace.BaseBranch,
		Dir:        c.cfg.Workspace.Dir,
		Strategy:   strategy,
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("workspace isolation: %w", err)
	}
	if err := m.Prune(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to prune stale worktrees")
	}
	return m, nil
}

// Close kills leftover subprocesses and releases the store.
func (s *services) Close() error {
	var errs []error
	if err := s.procs.KillAll(); err != nil {
		errs = append(errs, err)
	}
	if s.generator != nil {
		errs = append(errs, s.generator.Close())
	}
	s.bus.Close()
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}
