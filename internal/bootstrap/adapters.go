package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keepsake-labs/keepsake/config"
	"github.com/keepsake-labs/keepsake/internal/adapters/genrunner"
	"github.com/keepsake-labs/keepsake/internal/adapters/sweeper"
)

// WorkerRunConfig contains configuration for the generation worker.
type WorkerRunConfig struct {
	Services    ServiceContainer
	Lease       time.Duration
	Concurrency int
	Logger      *slog.Logger
}

// RunWorker starts the generation worker pool and blocks until ctx ends.
func RunWorker(ctx context.Context, cfg WorkerRunConfig) error {
	if cfg.Services.Jobs == nil || cfg.Services.Orchestrator == nil {
		return errors.New("worker requires job service and orchestrator")
	}

	runner, err := genrunner.NewRunner(genrunner.RunnerOptions{
		Jobs:        cfg.Services.Jobs,
		Processor:   cfg.Services.Orchestrator,
		Lease:       cfg.Lease,
		Concurrency: cfg.Concurrency,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create generation runner: %w", err)
	}

	return runner.Run(ctx)
}

// SweeperRunConfig contains configuration for the sweeper.
type SweeperRunConfig struct {
	DB          *sql.DB
	Services    ServiceContainer
	Config      config.SweepConfig
	MaxRequeues int
	Logger      *slog.Logger
}

// RunSweeper starts the maintenance sweep loop and blocks until ctx ends.
func RunSweeper(ctx context.Context, cfg SweeperRunConfig) error {
	runner, err := sweeper.NewRunner(sweeper.RunnerOptions{
		DB:          cfg.DB,
		Store:       cfg.Services.Store,
		Config:      cfg.Config,
		MaxRequeues: cfg.MaxRequeues,
		Feed:        cfg.Services.Feed,
		Hooks:       cfg.Services.Dispatcher,
		Ops:         cfg.Services.Ops,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create sweep runner: %w", err)
	}

	return runner.Run(ctx)
}
