// Package ws serves a worker to host pages over WebSocket.
//
// Every WebSocket text message is one protocol.Envelope, framed the same way
// as on the stream transport. Replies carry the id of their request and may
// arrive in any order.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/worker"
)

// MaxMessageSize bounds a single WebSocket message.
const MaxMessageSize = 4 * 1024 * 1024

// Config holds configuration options for a Handler.
type Config struct {
	Port           worker.Port  // Required
	TokenSecret    []byte       // Optional, when set every connection needs an HS256 bearer token
	OriginPatterns []string     // Optional, extra origins allowed to connect
	Logger         *slog.Logger // Optional, defaults to slog.Default()
}

// Handler is an http.Handler that upgrades requests to WebSocket connections
// and forwards their messages to a worker.
type Handler struct {
	port    worker.Port
	secret  []byte
	origins []string
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Port == nil {
		return nil, errors.New("port is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		port:    cfg.Port,
		secret:  cfg.TokenSecret,
		origins: cfg.OriginPatterns,
		logger:  logger,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("remote", r.RemoteAddr)
	if len(h.secret) > 0 {
		claims, err := verifyToken(h.secret, requestToken(r))
		if err != nil {
			logger.Warn("Rejected connection", "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		logger = logger.With("subject", claims.Subject)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		logger.Warn("WebSocket handshake failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxMessageSize)

	logger.Info("Host connected")
	h.serveConn(r.Context(), conn, logger)
	logger.Info("Host disconnected")
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					logger.Warn("Connection read failed", "error", err)
				}
			}
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "text messages only")
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			logger.Warn("Rejected malformed message", "id", env.ID, "error", err)
			failure := protocol.EncodeResponse(protocol.Failure(fmt.Sprintf("invalid frame: %v", err)))
			if err := wsjson.Write(ctx, conn, protocol.Reply(env.ID, failure)); err != nil {
				logger.Warn("Failed to write reply", "id", env.ID, "error", err)
				return
			}
			continue
		}

		wg.Add(1)
		go func(env protocol.Envelope) {
			defer wg.Done()
			resp, err := h.port.Call(ctx, env.Data)
			if err != nil {
				resp = protocol.EncodeResponse(protocol.Failure(err.Error()))
			}
			if err := wsjson.Write(ctx, conn, protocol.Reply(env.ID, resp)); err != nil {
				logger.Warn("Failed to write reply", "id", env.ID, "error", err)
			}
		}(env)
	}
}
