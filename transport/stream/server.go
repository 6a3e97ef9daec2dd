// Package stream carries worker messages over a byte stream such as a
// subprocess's stdin and stdout.
//
// Each frame is one line holding a JSON protocol.Envelope. The worker answers
// every request frame with a reply frame carrying the same id. Replies may
// arrive in any order since requests are handled concurrently.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tomyedwab/sqlworker/protocol"
	"github.com/tomyedwab/sqlworker/worker"
)

// MaxFrameSize bounds the length of a single frame.
const MaxFrameSize = 4 * 1024 * 1024

// frameWriter serializes whole frames onto w.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) writeFrame(frame []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return scanner
}

// replyFrame builds the reply frame for id.
func replyFrame(id string, payload []byte) []byte {
	frame, _ := json.Marshal(protocol.Reply(id, payload))
	return frame
}

// Serve reads request frames from r, passes each message to port and writes
// the reply frames to w. It returns when r is exhausted, after every accepted
// request has been answered.
func Serve(ctx context.Context, r io.Reader, w io.Writer, port worker.Port, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	out := &frameWriter{w: w}
	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := newScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := protocol.DecodeEnvelope(bytes.Clone(line))
		if err != nil {
			logger.Warn("Rejected malformed frame", "id", env.ID, "error", err)
			failure := protocol.EncodeResponse(protocol.Failure(fmt.Sprintf("invalid frame: %v", err)))
			if werr := out.writeFrame(replyFrame(env.ID, failure)); werr != nil {
				return werr
			}
			continue
		}

		wg.Add(1)
		go func(env protocol.Envelope) {
			defer wg.Done()
			resp, err := port.Call(ctx, env.Data)
			if err != nil {
				resp = protocol.EncodeResponse(protocol.Failure(err.Error()))
			}
			if err := out.writeFrame(replyFrame(env.ID, resp)); err != nil {
				logger.Error("Failed to write reply", "id", env.ID, "error", err)
			}
		}(env)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}
	return nil
}
