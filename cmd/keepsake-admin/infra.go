package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/keepsake-labs/keepsake/internal/bootstrap"
)

// runInfra checks connectivity to every configured backing service and prints
// one line per component. A failing component makes the command exit non-zero.
func runInfra(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("infra", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "per-component timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()

	var failures []string

	check := func(component string, err error) {
		if err != nil {
			failures = append(failures, component)
			if werr := writef(os.Stdout, "%-10s error: %v\n", component, err); werr != nil {
				cmdCtx.Logger.Warn("print check result failed", "error", werr)
			}
			return
		}
		if werr := writef(os.Stdout, "%-10s ok\n", component); werr != nil {
			cmdCtx.Logger.Warn("print check result failed", "error", werr)
		}
	}

	db, err := connectDB(cmdCtx)
	check("postgres", err)
	if err == nil {
		defer closeDB(cmdCtx, db)
	}

	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		DBConfig:    cmdCtx.Config.Postgres,
		RedisConfig: cmdCtx.Config.Redis,
		Logger:      cmdCtx.Logger,
	})
	check("redis", err)
	if err == nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				cmdCtx.Logger.Warn("redis close failed", "error", cerr)
			}
		}()
	}

	store, err := bootstrap.NewObjectStore(ctx, cmdCtx.Config.Storage, cmdCtx.Logger)
	if err == nil {
		err = store.Health(ctx)
	}
	check("store", err)

	if len(failures) > 0 {
		return fmt.Errorf("unreachable components: %s", strings.Join(failures, ", "))
	}
	return nil
}
