// Package sweeper provides the adapter for running the maintenance sweep.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/keepsake-labs/keepsake/config"
	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/data"
	"github.com/keepsake-labs/keepsake/internal/service"
)

// Runner provides a simple adapter to run the sweep loop.
// It constructs the sweep service and runs the maintenance loop.
type Runner struct {
	sweep  *service.SweepService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB          *sql.DB
	Store       core.ObjectStore
	Config      config.SweepConfig
	MaxRequeues int
	Logger      *slog.Logger

	// Optional dependency injection for testing/decoupling
	Artifacts   core.ArtifactRepository
	Maintenance core.JobMaintenanceRepository
	Feed        core.EventFeed
	Hooks       service.TerminalHook
	Ops         service.OpsNotifier
}

// NewRunner creates a new sweep runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	sweep, err := wireSweepService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire sweep service: %w", err)
	}

	return &Runner{
		sweep:  sweep,
		logger: opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Artifacts == nil || opts.Maintenance == nil) {
		return errors.New("either DB or both Artifacts and Maintenance repositories are required")
	}
	if opts.Store == nil {
		return errors.New("object store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireSweepService wires up all dependencies for the sweep service.
func wireSweepService(opts RunnerOptions) (*service.SweepService, error) {
	artifacts := opts.Artifacts
	if artifacts == nil {
		artifacts = data.NewArtifactRepo(opts.DB)
	}

	maintenance := opts.Maintenance
	if maintenance == nil {
		maintenance = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}

	return service.NewSweepService(service.SweepServiceOptions{
		Artifacts:   artifacts,
		Maintenance: maintenance,
		Store:       opts.Store,
		Config:      opts.Config,
		MaxRequeues: opts.MaxRequeues,
		Feed:        opts.Feed,
		Hooks:       opts.Hooks,
		Ops:         opts.Ops,
		Logger:      opts.Logger,
	})
}

// Run starts the sweep loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting sweep runner")
	return r.sweep.Run(ctx)
}

// SweepOnce performs a single sweep pass, for the admin CLI.
func (r *Runner) SweepOnce(ctx context.Context) (*service.SweepOutcome, error) {
	return r.sweep.Sweep(ctx)
}
