package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tomyedwab/sqlworker/internal/pending"
	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/worker"
)

// ErrClosed is returned for calls on a client whose stream has ended.
var ErrClosed = errors.New("stream closed")

// Client is the host side of a stream. It implements worker.Port.
type Client struct {
	out     *frameWriter
	logger  *slog.Logger
	pending *pending.Table
}

// NewClient starts reading reply frames from r; requests are written to w.
func NewClient(r io.Reader, w io.Writer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		out:     &frameWriter{w: w},
		logger:  logger,
		pending: pending.New(),
	}
	go c.readLoop(r)
	return c
}

func (c *Client) readLoop(r io.Reader) {
	scanner := newScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := protocol.DecodeEnvelope(bytes.Clone(line))
		if err != nil {
			c.logger.Warn("Discarding malformed reply frame", "error", err)
			continue
		}
		if !c.pending.Deliver(env.ID, env.Data) {
			c.logger.Warn("Discarding reply for unknown request", "id", env.ID)
		}
	}

	if err := scanner.Err(); err != nil {
		c.pending.Fail(fmt.Errorf("%w: %v", ErrClosed, err))
		return
	}
	c.pending.Fail(ErrClosed)
}

// Call sends one message and waits for its reply.
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	id, reply, err := c.pending.Register()
	if err != nil {
		return nil, err
	}
	frame, err := protocol.EncodeEnvelope(id, payload)
	if err != nil {
		c.pending.Forget(id)
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if err := c.out.writeFrame(frame); err != nil {
		c.pending.Forget(id)
		return nil, err
	}
	return c.pending.Wait(ctx, id, reply)
}

// Init posts an init request and returns the decoded response.
func (c *Client) Init(ctx context.Context) (protocol.Response, error) {
	return worker.Init(ctx, c)
}

// Done is closed when the read side of the stream has ended.
func (c *Client) Done() <-chan struct{} {
	return c.pending.Done()
}
