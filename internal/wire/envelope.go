package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Envelope is one decoded frame. An empty Action marks a response, in which
// case Payload holds the whole response object.
type Envelope struct {
	Action  string
	Payload json.RawMessage
}

// IsResponse reports whether the envelope answers an earlier request.
func (e Envelope) IsResponse() bool { return e.Action == "" }

// NewEnvelope marshals payload into an envelope for action. A nil payload
// produces an envelope without data.
func NewEnvelope(action string, payload any) (Envelope, error) {
	env := Envelope{Action: action}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	env.Payload = raw
	return env, nil
}

// EncodeBody renders env as a JSON body: {"action":..,"data":..} for requests
// and the bare payload object for responses.
func EncodeBody(env Envelope) ([]byte, error) {
	if env.Action == "" {
		if len(env.Payload) == 0 {
			return []byte("{}"), nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, env.Payload); err != nil {
			return nil, fmt.Errorf("compact response: %w", err)
		}
		if buf.Len() == 0 || buf.Bytes()[0] != '{' {
			return nil, fmt.Errorf("response payload must be a JSON object")
		}
		return buf.Bytes(), nil
	}

	body := struct {
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data,omitempty"`
	}{Action: env.Action}
	if len(env.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, env.Payload); err != nil {
			return nil, fmt.Errorf("compact %s payload: %w", env.Action, err)
		}
		body.Data = buf.Bytes()
	}
	return json.Marshal(body)
}

// DecodeBody parses one frame body. Bodies that are not UTF-8 JSON objects
// yield a non-fatal FramingError.
func DecodeBody(body []byte) (Envelope, error) {
	if !utf8.Valid(body) {
		return Envelope{}, &FramingError{Reason: "body is not valid UTF-8"}
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(body, &members); err != nil {
		return Envelope{}, &FramingError{Reason: "body is not a JSON object", Err: err}
	}
	if members == nil {
		return Envelope{}, &FramingError{Reason: "body is not a JSON object"}
	}

	rawAction, ok := members["action"]
	if !ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err != nil {
			return Envelope{}, &FramingError{Reason: "body is not a JSON object", Err: err}
		}
		return Envelope{Payload: buf.Bytes()}, nil
	}

	var env Envelope
	if err := json.Unmarshal(rawAction, &env.Action); err != nil {
		return Envelope{}, &FramingError{Reason: "action is not a string", Err: err}
	}
	if env.Action == "" {
		return Envelope{}, &FramingError{Reason: "action is empty"}
	}

	if data, ok := members["data"]; ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return Envelope{}, &FramingError{Reason: "data is not valid JSON", Err: err}
		}
		if !bytes.Equal(buf.Bytes(), []byte("null")) {
			env.Payload = buf.Bytes()
		}
		return env, nil
	}

	// Producers that inline their fields next to the action.
	delete(members, "action")
	if len(members) > 0 {
		raw, err := json.Marshal(members)
		if err != nil {
			return Envelope{}, &FramingError{Reason: "re-encode inline payload", Err: err}
		}
		env.Payload = raw
	}
	return env, nil
}

// Response is the reply object every action is answered with.
type Response struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// OK builds a success response carrying a message.
func OK(message string) Response {
	return Response{Success: true, Message: message, Timestamp: time.Now().UnixMilli()}
}

// Fail builds an error response.
func Fail(format string, args ...any) Response {
	return Response{Success: false, Error: fmt.Sprintf(format, args...), Timestamp: time.Now().UnixMilli()}
}

// Result builds a success response carrying data.
func Result(data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("marshal response data: %w", err)
	}
	return Response{Success: true, Data: raw, Timestamp: time.Now().UnixMilli()}, nil
}

// Envelope wraps the response for writing.
func (r Response) Envelope() (Envelope, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal response: %w", err)
	}
	return Envelope{Payload: raw}, nil
}
