package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope frames a message on transports that carry many messages over one
// connection (stdio, WebSocket). The worker echoes the ID of a request
// envelope on its reply so that the host can pair them up. Data holds the
// message exactly as it would be posted to an in-process worker.
type Envelope struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

// DecodeEnvelope parses one frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return env, fmt.Errorf("envelope %q has no data", env.ID)
	}
	return env, nil
}

// EncodeEnvelope serializes one frame.
func EncodeEnvelope(id string, data []byte) ([]byte, error) {
	return json.Marshal(Envelope{ID: id, Data: json.RawMessage(data)})
}

// Reply builds the reply envelope for id. A payload that is not valid JSON is
// replaced by an error response.
func Reply(id string, payload []byte) Envelope {
	if !json.Valid(payload) {
		payload = EncodeResponse(Failure("worker produced an invalid reply"))
	}
	return Envelope{ID: id, Data: json.RawMessage(payload)}
}
