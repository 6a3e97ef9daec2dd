// Package bridge implements the worker side of the SQL worker protocol.
//
// A Bridge owns the worker's single database handle. The handle is created
// lazily by the first init request and then reused for the lifetime of the
// worker. Concurrent init requests share one in-flight construction, so the
// engine is constructed at most once per successful initialization.
//
// Every request gets exactly one protocol.Response. Failures of any sort,
// including panics in the engine, are converted to error responses at this
// boundary and never escape to the caller.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/sqlworker/engine"
	"github.com/tomyedwab/sqlworker/protocol"
)

// ErrClosed is the cause reported for init requests after Close.
var ErrClosed = errors.New("bridge closed")

// Config holds configuration options for a Bridge.
type Config struct {
	Module engine.Module // Required
	Logger *slog.Logger  // Optional, defaults to slog.Default()
}

// Bridge dispatches protocol requests to the engine.
type Bridge struct {
	module engine.Module
	logger *slog.Logger

	mu      sync.Mutex
	handle  *engine.Handle
	pending *pendingInit // Non-nil while an initialization is in flight
	closed  bool
}

// pendingInit is shared by every init request that arrives while the engine
// is being constructed. Its fields are written once, before done is closed.
type pendingInit struct {
	done   chan struct{}
	handle *engine.Handle
	err    error
}

// New creates a Bridge. No engine work happens until the first init.
func New(cfg Config) (*Bridge, error) {
	if cfg.Module == nil {
		return nil, errors.New("engine module is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		module: cfg.Module,
		logger: logger,
	}, nil
}

// HandleMessage decodes a raw request payload, handles it and returns the
// encoded response. This is the entry point used by transports.
func (b *Bridge) HandleMessage(ctx context.Context, payload []byte) []byte {
	req, err := protocol.DecodeRequest(payload)
	if err != nil && !errors.Is(err, protocol.ErrMissingMethod) {
		opErr := NewOperationFailure("invalid request", err)
		b.logger.Warn("Rejected malformed request", "error", err)
		return protocol.EncodeResponse(protocol.Failure(opErr.Error()))
	}
	return protocol.EncodeResponse(b.HandleRequest(ctx, req))
}

// HandleRequest carries out a single request.
func (b *Bridge) HandleRequest(ctx context.Context, req protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic while handling request", "method", req.Method, "panic", r)
			opErr := NewOperationFailure(fmt.Sprintf("%s failed", req.Method), fmt.Errorf("panic: %v", r))
			resp = protocol.Failure(opErr.Error())
		}
	}()

	result, err := b.dispatch(ctx, req)
	if err != nil {
		kind := KindOperationFailure
		var bErr *Error
		if errors.As(err, &bErr) {
			kind = bErr.Kind
		}
		b.logger.Warn("Request failed", "method", req.Method, "kind", kind.String(), "error", err)
		return protocol.Failure(err.Error())
	}
	b.logger.Debug("Request handled", "method", req.Method)
	return protocol.Success(result)
}

func (b *Bridge) dispatch(ctx context.Context, req protocol.Request) (any, error) {
	switch req.Method {
	case protocol.MethodInit:
		return b.handleInit(ctx, req)
	default:
		return nil, NewUnsupportedOperation(req.Method)
	}
}

// handleInit opens the engine if needed. Args are accepted but not used.
func (b *Bridge) handleInit(ctx context.Context, _ protocol.Request) (any, error) {
	if _, err := b.ensureHandle(ctx); err != nil {
		return nil, err
	}
	return protocol.ResultInitialized, nil
}

// ensureHandle returns the existing handle or constructs it. The first caller
// to find neither a handle nor a pending initialization becomes the one that
// constructs it; everyone else waits for that outcome.
func (b *Bridge) ensureHandle(ctx context.Context) (*engine.Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, NewOperationFailure("engine initialization failed", ErrClosed)
	}
	if b.handle != nil {
		handle := b.handle
		b.mu.Unlock()
		return handle, nil
	}
	p := b.pending
	leader := p == nil
	if leader {
		p = &pendingInit{done: make(chan struct{})}
		b.pending = p
	}
	b.mu.Unlock()

	if leader {
		// The construction outlives this request's cancellation since
		// other requests may be waiting on it.
		b.construct(context.WithoutCancel(ctx), p)
	} else {
		select {
		case <-p.done:
		case <-ctx.Done():
			return nil, NewOperationFailure("engine initialization failed", ctx.Err())
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.handle, nil
}

func (b *Bridge) construct(ctx context.Context, p *pendingInit) {
	handle, err := b.openEngine(ctx)

	b.mu.Lock()
	if err == nil && b.closed {
		handle.Close()
		handle, err = nil, NewOperationFailure("engine initialization failed", ErrClosed)
	}
	if err == nil {
		b.handle = handle
	}
	b.pending = nil
	p.handle, p.err = handle, err
	close(p.done)
	b.mu.Unlock()
}

func (b *Bridge) openEngine(ctx context.Context) (handle *engine.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic during engine initialization", "panic", r)
			handle, err = nil, NewOperationFailure("engine initialization failed", fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()
	factory, err := b.module.Initialize(ctx)
	if err != nil {
		return nil, NewOperationFailure("failed to load engine module", err)
	}
	handle, err = factory.NewDatabase(ctx)
	if err != nil {
		return nil, NewOperationFailure("failed to create database", err)
	}
	if handle == nil {
		return nil, NewOperationFailure("failed to create database", errors.New("engine returned no handle"))
	}

	b.logger.Info("Engine initialized",
		"handle", handle.ID(),
		"driver", handle.Driver(),
		"duration", time.Since(start))
	return handle, nil
}

// Close releases the engine handle at process shutdown. Subsequent init
// requests fail with an OperationFailure.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	handle := b.handle
	b.handle = nil
	b.mu.Unlock()

	if handle == nil {
		return nil
	}
	b.logger.Info("Closing engine", "handle", handle.ID())
	return handle.Close()
}
