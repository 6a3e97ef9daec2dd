// Command wasmhost runs a WebAssembly worker built from cmd/guest. The host
// owns the SQLite database and answers the guest's proxied SQL requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/engine/sqlite"
	"github.com/tomyedwab/sqlworker/internal/cli"
	sqlhost "github.com/tomyedwab/sqlworker/sqlproxy/host"
	wasihost "github.com/tomyedwab/sqlworker/wasi/host"
)

func main() {
	wasmPath := flag.String("wasm", "", "Path to the compiled guest worker (required)")
	driver := flag.String("driver", sqlite.DriverModernc, "SQLite driver: sqlite (pure Go) or sqlite3 (cgo)")
	dsn := flag.String("dsn", engine.MemoryDSN, "Data source name of the host database")
	var opts cli.Options
	opts.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger, err := cli.NewLogger(opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if *wasmPath == "" {
		logger.Error("-wasm is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *wasmPath, *driver, *dsn, opts, logger); err != nil {
		logger.Error("WASM host exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, wasmPath, driver, dsn string, opts cli.Options, logger *slog.Logger) error {
	wasm, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("failed to read guest: %w", err)
	}

	module, err := sqlite.New(sqlite.Config{Driver: driver, DSN: dsn})
	if err != nil {
		return err
	}
	factory, err := module.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("failed to load engine: %w", err)
	}
	handle, err := factory.NewDatabase(ctx)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer handle.Close()

	proxy := sqlhost.NewSQLHost(handle.DB().DB, logger)
	defer proxy.Close()

	h, err := wasihost.New(ctx, wasihost.Config{
		WASM:   wasm,
		SQL:    proxy,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer h.Close(context.Background())

	logger.Info("WASM host ready", "wasm", wasmPath, "driver", driver, "dsn", dsn)
	return cli.Serve(ctx, h, opts, logger)
}
