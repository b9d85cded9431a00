package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"tokenmeter/internal/config"
	"tokenmeter/internal/repository"
)

const usage = `Usage: migrate [-dsn DSN] [-timeout 10m] <command> [args]

Commands: up, up-to VERSION, down, down-to VERSION, status, redo, reset, version

Without -dsn the connection is built from TOKENMETER_POSTGRES_* variables.
`

func main() {
	dsn := flag.String("dsn", "", "Postgres connection string")
	timeout := flag.Duration("timeout", 10*time.Minute, "abort the migration after this long")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if *dsn == "" {
		cfg, err := config.NewDatabase()
		if err != nil {
			logger.Error("config error", "error", err)
			os.Exit(1)
		}
		*dsn = cfg.DSN()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command := args[0]
	logger.Info("running migration", "command", command, "args", args[1:])

	if err := repository.RunMigrations(ctx, *dsn, command, args[1:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}
