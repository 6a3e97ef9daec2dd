// Package host runs a WebAssembly worker built with wasi/guest.
//
// The guest is single-threaded, so Host serializes messages: each Call
// writes the payload into guest memory, enters on_message and returns the
// bytes the guest passed to post_message. While a message is being handled
// the guest may call sql_host_call to reach the database owned by the host.
package host

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	sqlhost "github.com/tomyedwab/sqlworker/sqlproxy/host"
)

// ErrClosed is returned for calls on a closed host.
var ErrClosed = errors.New("wasm host closed")

// ErrNoReply is returned when the guest finished a message without posting
// a reply.
var ErrNoReply = errors.New("guest did not post a reply")

// Exports every guest must provide.
var requiredExports = []string{"alloc_bytes", "on_message"}

// Config holds configuration options for a Host.
type Config struct {
	WASM   []byte           // Required, the compiled guest
	SQL    *sqlhost.SQLHost // Optional, guests that query without it get an error
	Stdout io.Writer        // Optional, guest stdout, defaults to os.Stderr
	Stderr io.Writer        // Optional, guest stderr, defaults to os.Stderr
	Logger *slog.Logger     // Optional, defaults to slog.Default()
}

type callKey struct{}

// callState collects what the guest produces while handling one message.
type callState struct {
	reply []byte
}

// Host is a running guest. It implements worker.Port.
type Host struct {
	runtime wazero.Runtime
	module  api.Module
	sql     *sqlhost.SQLHost
	logger  *slog.Logger

	mu     sync.Mutex // The guest handles one message at a time
	closed bool
}

// New compiles and instantiates the guest, running its _initialize export
// when present.
func New(ctx context.Context, cfg Config) (*Host, error) {
	if len(cfg.WASM) == 0 {
		return nil, errors.New("wasm module is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stderr
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	h := &Host{
		runtime: wazero.NewRuntime(ctx),
		sql:     cfg.SQL,
		logger:  logger,
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasi: %w", err)
	}

	_, err := h.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(h.postMessage).Export("post_message").
		NewFunctionBuilder().WithFunc(h.sqlHostCall).Export("sql_host_call").
		Instantiate(ctx)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := h.runtime.InstantiateWithConfig(ctx, cfg.WASM,
		wazero.NewModuleConfig().
			WithStartFunctions("_initialize").
			WithStdout(stdout).
			WithStderr(stderr).
			WithSysWalltime().
			WithSysNanotime().
			WithRandSource(rand.Reader))
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate guest: %w", err)
	}
	for _, name := range requiredExports {
		if module.ExportedFunction(name) == nil {
			h.runtime.Close(ctx)
			return nil, fmt.Errorf("guest does not export %s", name)
		}
	}
	h.module = module

	logger.Info("WASM worker started")
	return h, nil
}

// Call posts one message to the guest and returns its reply.
func (h *Host) Call(ctx context.Context, payload []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	// on_message takes ownership of the buffer and frees it
	handle, err := writeBytes(ctx, h.module, payload)
	if err != nil {
		return nil, err
	}

	call := &callState{}
	results, err := h.module.ExportedFunction("on_message").Call(context.WithValue(ctx, callKey{}, call), uint64(handle))
	if err != nil {
		return nil, fmt.Errorf("guest failed to handle message: %w", err)
	}
	if status := int32(results[0]); status != 0 {
		return nil, fmt.Errorf("guest rejected message with status %d", status)
	}
	if call.reply == nil {
		return nil, ErrNoReply
	}
	return call.reply, nil
}

// Close stops the guest and releases the runtime. The SQLHost is left to
// its owner.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.logger.Info("WASM worker stopped")
	return h.runtime.Close(ctx)
}

func readBytes(m api.Module, offset, byteCount uint32) ([]byte, error) {
	buf, ok := m.Memory().Read(offset, byteCount)
	if !ok {
		return nil, fmt.Errorf("memory read (%d, %d) out of range", offset, byteCount)
	}
	// The view is invalidated if the guest grows its memory
	return bytes.Clone(buf), nil
}

// writeBytes copies data into a buffer allocated by the guest and returns
// the buffer's handle.
func writeBytes(ctx context.Context, m api.Module, data []byte) (uint32, error) {
	results, err := m.ExportedFunction("alloc_bytes").Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc_bytes failed: %w", err)
	}
	handle := uint32(results[0] >> 32)
	ptr := uint32(results[0])
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("memory write (%d, %d) out of range", ptr, len(data))
	}
	return handle, nil
}

func (h *Host) postMessage(ctx context.Context, m api.Module, ptr, size uint32) {
	call, ok := ctx.Value(callKey{}).(*callState)
	if !ok {
		h.logger.Warn("Guest posted a message outside of a call")
		return
	}
	reply, err := readBytes(m, ptr, size)
	if err != nil {
		panic(fmt.Errorf("post_message: %w", err))
	}
	if call.reply != nil {
		h.logger.Warn("Guest posted more than one reply, keeping the first")
		return
	}
	call.reply = reply
}

func (h *Host) sqlHostCall(ctx context.Context, m api.Module, reqPtr, reqLen, destPtr uint32) int32 {
	request, err := readBytes(m, reqPtr, reqLen)
	if err != nil {
		panic(fmt.Errorf("sql_host_call: %w", err))
	}

	var answer []byte
	failed := false
	if h.sql == nil {
		answer, failed = []byte("no database is attached to this worker"), true
	} else if answer, err = h.sql.HandleRequest(ctx, request); err != nil {
		h.logger.Error("Error handling SQL proxy request", "error", err)
		answer, failed = []byte(err.Error()), true
	}

	handle, err := writeBytes(ctx, m, answer)
	if err != nil {
		panic(fmt.Errorf("sql_host_call: %w", err))
	}
	if !m.Memory().WriteUint32Le(destPtr, handle) {
		panic(fmt.Errorf("sql_host_call: destination %d out of range", destPtr))
	}
	if failed {
		return -int32(len(answer))
	}
	return int32(len(answer))
}
