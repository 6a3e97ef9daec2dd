// Package worker runs a message handler as an isolated worker that is only
// reachable through posted messages.
//
// A Worker owns an inbox and an event loop. Each posted message is handed to
// the handler on its own goroutine and the reply is delivered on the port the
// message was posted with, so overlapping messages are handled independently.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tomyedwab/sqlworker/protocol"
)

const defaultInboxSize = 64

// ErrStopped is returned for messages posted to a worker that is not running.
var ErrStopped = errors.New("worker stopped")

// Handler processes one message payload and returns the reply payload.
type Handler interface {
	HandleMessage(ctx context.Context, payload []byte) []byte
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte) []byte

func (f HandlerFunc) HandleMessage(ctx context.Context, payload []byte) []byte {
	return f(ctx, payload)
}

// Port is anything a host can post a message to and get the reply from.
// Transports serve a Port.
type Port interface {
	Call(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerPort calls a Handler directly on the caller's goroutine, without an
// event loop in between.
type HandlerPort struct {
	Handler Handler
}

func (p HandlerPort) Call(ctx context.Context, payload []byte) ([]byte, error) {
	return p.Handler.HandleMessage(ctx, payload), nil
}

// Init posts an init request to port and decodes the reply.
func Init(ctx context.Context, port Port) (protocol.Response, error) {
	payload, err := protocol.EncodeRequest(protocol.Request{Method: protocol.MethodInit, Args: json.RawMessage(`{}`)})
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := port.Call(ctx, payload)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.DecodeResponse(resp)
}

// Config holds configuration options for a Worker.
type Config struct {
	Handler   Handler      // Required
	Logger    *slog.Logger // Optional, defaults to slog.Default()
	InboxSize int          // Optional, defaults to 64
}

type message struct {
	ctx     context.Context
	payload []byte
	reply   chan []byte // Buffered, receives exactly one payload
}

// Worker is an in-process worker with its own event loop.
type Worker struct {
	handler Handler
	logger  *slog.Logger

	inbox    chan message
	stopChan chan struct{} // Closed by Stop
	done     chan struct{} // Closed when the event loop exits
	wg       sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates a Worker. Call Start before posting messages.
func New(cfg Config) (*Worker, error) {
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	return &Worker{
		handler:  cfg.Handler,
		logger:   logger,
		inbox:    make(chan message, inboxSize),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the event loop. The loop ends when ctx is done or Stop is
// called; a worker cannot be restarted.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker already started")
	}
	w.started = true

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("Worker started")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	defer w.drain()
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case msg := <-w.inbox:
			w.wg.Add(1)
			go w.dispatch(msg)
		}
	}
}

// drain answers messages that were queued but never dispatched.
func (w *Worker) drain() {
	for {
		select {
		case msg := <-w.inbox:
			msg.reply <- protocol.EncodeResponse(protocol.Failure(ErrStopped.Error()))
		default:
			return
		}
	}
}

func (w *Worker) dispatch(msg message) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered from panic in message handler", "panic", r)
			msg.reply <- protocol.EncodeResponse(protocol.Failure(fmt.Sprintf("worker panic: %v", r)))
		}
	}()
	msg.reply <- w.handler.HandleMessage(msg.ctx, msg.payload)
}

func (w *Worker) post(ctx context.Context, payload []byte) (chan []byte, error) {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil, ErrStopped
	}

	msg := message{ctx: ctx, payload: payload, reply: make(chan []byte, 1)}
	select {
	case <-w.done:
		return nil, ErrStopped
	default:
	}
	select {
	case w.inbox <- msg:
		return msg.reply, nil
	case <-w.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call posts a message to the worker and waits for its reply.
func (w *Worker) Call(ctx context.Context, payload []byte) ([]byte, error) {
	reply, err := w.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		// The loop may have exited after accepting the message
		select {
		case resp := <-reply:
			return resp, nil
		default:
		}
		w.wg.Wait()
		select {
		case resp := <-reply:
			return resp, nil
		default:
			return nil, ErrStopped
		}
	}
}

// Stop ends the event loop and waits for in-flight messages to be answered.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}
	<-w.done
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Done is closed once the event loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
