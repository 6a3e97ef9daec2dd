// Command sqlworker runs a native worker that opens a SQLite database on its
// first init message.
//
// Messages arrive as newline-delimited frames on stdin, or over WebSocket
// when -listen is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomyedwab/sqlworker/bridge"
	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/engine/sqlite"
	"github.com/tomyedwab/sqlworker/internal/cli"
	"github.com/tomyedwab/sqlworker/worker"
)

func main() {
	driver := flag.String("driver", sqlite.DriverModernc, "SQLite driver: sqlite (pure Go) or sqlite3 (cgo)")
	dsn := flag.String("dsn", engine.MemoryDSN, "Data source name of the database opened on init")
	var opts cli.Options
	opts.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger, err := cli.NewLogger(opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *driver, *dsn, opts, logger); err != nil {
		logger.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, driver, dsn string, opts cli.Options, logger *slog.Logger) error {
	module, err := sqlite.New(sqlite.Config{Driver: driver, DSN: dsn})
	if err != nil {
		return err
	}

	b, err := bridge.New(bridge.Config{Module: module, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	defer b.Close()

	w, err := worker.New(worker.Config{Handler: b, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	defer w.Stop()

	logger.Info("Worker ready", "driver", driver, "dsn", dsn)
	return cli.Serve(ctx, w, opts, logger)
}
