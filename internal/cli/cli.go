// Package cli holds the flags and serving loop shared by the worker commands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tomyedwab/sqlworker/transport/stream"
	"github.com/tomyedwab/sqlworker/transport/ws"
	"github.com/tomyedwab/sqlworker/worker"
)

const shutdownTimeout = 5 * time.Second

// Options are the transport and logging flags every worker command accepts.
type Options struct {
	Listen      string // WebSocket address; stdin/stdout when empty
	TokenSecret string // HS256 secret for WebSocket clients; none when empty
	LogLevel    string
}

// RegisterFlags binds the options to fs.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Listen, "listen", "", "Address to serve WebSocket connections on (stdin/stdout when empty)")
	fs.StringVar(&o.TokenSecret, "token-secret", "", "Secret that WebSocket bearer tokens must be signed with (no auth when empty)")
	fs.StringVar(&o.LogLevel, "log-level", "info", "Log level: debug, info, warn or error")
}

// NewLogger returns a JSON logger on stderr. Stdout is left to the protocol.
func NewLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// Serve answers messages for port until ctx is done or, on stdio, until
// stdin is closed.
func Serve(ctx context.Context, port worker.Port, opts Options, logger *slog.Logger) error {
	if opts.Listen == "" {
		return serveStdio(ctx, port, logger)
	}

	handler, err := ws.NewHandler(ws.Config{
		Port:        port,
		TokenSecret: []byte(opts.TokenSecret),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Serving worker over WebSocket", "address", opts.Listen, "auth", opts.TokenSecret != "")
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("websocket server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down websocket server: %w", err)
	}
	if err := <-errChan; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveStdio returns when stdin is closed. A blocked read on stdin cannot be
// interrupted, so ctx ending abandons it.
func serveStdio(ctx context.Context, port worker.Port, logger *slog.Logger) error {
	logger.Info("Serving worker on stdin/stdout")
	errChan := make(chan error, 1)
	go func() {
		errChan <- stream.Serve(ctx, os.Stdin, os.Stdout, port, logger)
	}()
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}
