package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tomyedwab/sqlworker/internal/pending"
	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/worker"
)

// ErrClosed is returned for calls on a client whose connection has ended.
var ErrClosed = errors.New("connection closed")

// DialConfig describes the worker to connect to.
type DialConfig struct {
	URL    string       // Required, ws://, wss://, http:// or https://
	Token  string       // Optional, sent as a bearer token
	Logger *slog.Logger // Optional, defaults to slog.Default()
}

// Client is the host side of a WebSocket connection. It implements
// worker.Port.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	pending *pending.Table
}

// Dial connects to a worker served by Handler.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("worker url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := &websocket.DialOptions{}
	if cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
	}
	conn, resp, err := websocket.Dial(ctx, cfg.URL, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to worker (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to worker: %w", err)
	}
	conn.SetReadLimit(MaxMessageSize)

	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: pending.New(),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(context.Background(), c.conn, &env); err != nil {
			c.pending.Fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if !c.pending.Deliver(env.ID, env.Data) {
			c.logger.Warn("Discarding reply for unknown request", "id", env.ID)
		}
	}
}

// Call sends one message and waits for its reply.
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	id, reply, err := c.pending.Register()
	if err != nil {
		return nil, err
	}
	env := protocol.Envelope{ID: id, Data: json.RawMessage(payload)}
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		c.pending.Forget(id)
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return c.pending.Wait(ctx, id, reply)
}

// Init posts an init request and returns the decoded response.
func (c *Client) Init(ctx context.Context) (protocol.Response, error) {
	return worker.Init(ctx, c)
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.pending.Done()
}

// Close performs the closing handshake.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
