package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/keepsake-labs/keepsake/internal/adapters/sweeper"
	"github.com/keepsake-labs/keepsake/internal/bootstrap"
	"github.com/keepsake-labs/keepsake/internal/data"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

func connectDB(cmdCtx *commandContext) (*sql.DB, error) {
	return bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig:    cmdCtx.Config.Postgres,
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	})
}

func closeDB(cmdCtx *commandContext, db *sql.DB) {
	if err := db.Close(); err != nil {
		cmdCtx.Logger.Warn("db close failed", "error", err)
	}
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	kindFlag := fs.String("kind", string(model.JobKindGeneration), "job kind")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var kind model.JobKind
	if err := kind.UnmarshalText([]byte(*kindFlag)); err != nil {
		return fmt.Errorf("parse kind: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	stats, err := repo.Stats(ctx, kind)
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"pending", fmt.Sprintf("%d", stats.Pending)},
		{"processing", fmt.Sprintf("%d", stats.Processing)},
		{"completed", fmt.Sprintf("%d", stats.Completed)},
		{"partial", fmt.Sprintf("%d", stats.Partial)},
		{"failed", fmt.Sprintf("%d", stats.Failed)},
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runShowJob(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("show-job", flag.ContinueOnError)
	id := fs.String("id", "", "job id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, time.Minute)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	jobs := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})
	job, err := jobs.GetByID(ctx, *id)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	artifacts, err := data.NewArtifactRepo(db).ListByJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"job":       job,
		"artifacts": artifacts,
	})
}

func runSweep(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 2*time.Minute, "sweep timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()

	db, err := connectDB(cmdCtx)
	if err != nil {
		return err
	}
	defer closeDB(cmdCtx, db)

	store, err := bootstrap.NewObjectStore(ctx, cmdCtx.Config.Storage, cmdCtx.Logger)
	if err != nil {
		return err
	}

	runner, err := sweeper.NewRunner(sweeper.RunnerOptions{
		DB:          db,
		Store:       store,
		Config:      cmdCtx.Config.Sweep,
		MaxRequeues: cmdCtx.Config.Worker.MaxRequeues,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("create sweep runner: %w", err)
	}

	outcome, err := runner.SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	return writef(os.Stdout, "artifacts swept: %d\njobs requeued: %d\njobs force-failed: %d\n",
		outcome.ArtifactsSwept, outcome.JobsRequeued, outcome.JobsFailed)
}
