// Package protocol defines the messages exchanged between a host and a SQL
// worker.
//
// A host posts a Request of the form {"method": ..., "args": {...}} and the
// worker answers every request with exactly one Response, which is either
// {"result": ...} or {"error": "..."}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MethodInit asks the worker to open its database engine.
	MethodInit = "init"

	// ResultInitialized is the result of a successful init.
	ResultInitialized = "initialized"
)

// ErrMissingMethod is returned by DecodeRequest for a well-formed message
// that does not name a method.
var ErrMissingMethod = errors.New("request is missing a method")

// Request is a message posted to the worker.
// Args is kept raw; whatever JSON value it holds is accepted.
type Request struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response is the worker's reply to a single Request. Exactly one of Result
// or Error is carried on the wire; a non-empty Error wins.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Success builds a result response.
func Success(result any) Response {
	return Response{Result: result}
}

// Failure builds an error response. An empty message is replaced so that the
// response still encodes as an error.
func Failure(message string) Response {
	if message == "" {
		message = "unknown error"
	}
	return Response{Error: message}
}

// IsError reports whether the response carries an error.
func (r Response) IsError() bool {
	return r.Error != ""
}

// Err returns the response error as a Go error, or nil for a success.
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	return json.Marshal(struct {
		Result any `json:"result"`
	}{r.Result})
}

// DecodeRequest parses a JSON request payload. Only the method is required;
// a payload without one decodes but is reported with ErrMissingMethod.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if req.Method == "" {
		return req, ErrMissingMethod
	}
	return req, nil
}

// EncodeRequest serializes a request.
func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeResponse parses a JSON response payload.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return resp, nil
}

// EncodeResponse serializes a response. If the response cannot be encoded
// (for example a result holding a channel), an error response describing the
// failure is returned instead so the caller always has something to send.
func EncodeResponse(resp Response) []byte {
	payload, err := json.Marshal(resp)
	if err != nil {
		payload, _ = json.Marshal(Failure(fmt.Sprintf("failed to marshal response: %v", err)))
	}
	return payload
}
