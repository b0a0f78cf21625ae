// Package protocol defines the frames exchanged between the relay and its
// WebSocket clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Event names carried in Envelope.Event.
const (
	EventAuthenticate = "authenticate"
	EventAckNots      = "ack_nots"
	EventMessage      = "message"
)

// Status is the value of the "status" field in a reply.
type Status string

const (
	StatusOK             Status = "OK"
	StatusAuthFailed     Status = "ERR_AUTH_FAILED"
	StatusInvalidMessage Status = "ERR_INVALID_MESSAGE"
	StatusUnauthorized   Status = "ERR_UNAUTHORIZED"
)

// ErrMalformed is returned when a frame or payload cannot be interpreted.
var ErrMalformed = errors.New("malformed frame")

// Envelope is a single WebSocket text frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Reply is the data of a server response to a client request.
type Reply struct {
	Status Status `json:"status"`
}

// AuthenticateRequest is the data of an authenticate event.
type AuthenticateRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, errors.Join(ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMalformed
	}
	return env, nil
}

// Unwrap returns the event data, decoding it once more when the client sent
// it as a JSON-encoded string (the browser client stringifies its payloads).
func (e Envelope) Unwrap() json.RawMessage {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || data[0] != '"' {
		return data
	}
	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return data
	}
	return json.RawMessage(inner)
}

// EncodeReply builds the frame answering a request of the given event.
func EncodeReply(event string, status Status) []byte {
	return encode(event, Reply{Status: status})
}

// EncodeMessage builds a message delivery frame around a broker payload.
func EncodeMessage(payload json.RawMessage) []byte {
	return encode(EventMessage, payload)
}

func encode(event string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		// Only reachable with a payload that is not valid JSON.
		raw = []byte("null")
	}
	frame, _ := json.Marshal(Envelope{Event: event, Data: raw})
	return frame
}

// NormalizeID turns a JSON message id into its string key. Strings are
// unquoted, numbers keep their literal text. Anything else is rejected.
func NormalizeID(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return strings.TrimSpace(n.String()), true
	}
	return "", false
}

// MessageID extracts the id of a broker payload, which must be a JSON object.
func MessageID(payload []byte) (string, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", errors.Join(ErrMalformed, err)
	}
	raw, ok := probe["id"]
	if !ok {
		return "", ErrMalformed
	}
	id, ok := NormalizeID(raw)
	if !ok {
		return "", ErrMalformed
	}
	return id, nil
}

// DecodeAckIDs parses the data of an ack_nots event.
func DecodeAckIDs(data json.RawMessage) ([]string, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	ids := make([]string, 0, len(raws))
	for _, raw := range raws {
		id, ok := NormalizeID(raw)
		if !ok {
			return nil, ErrMalformed
		}
		ids = append(ids, id)
	}
	return ids, nil
}
