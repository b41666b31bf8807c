package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Lifecycle and routing-relevant event kinds. Everything else is an opaque
// pass-through kind relayed to the backend (or to the client) unmodified.
const (
	KindSessionStart = "sessionStart"
	KindSessionEnd   = "sessionEnd"
	KindPromptStart  = "promptStart"
	KindContentStart = "contentStart"
	KindAudioInput   = "audioInput"
	KindAudioOutput  = "audioOutput"
	KindTextOutput   = "textOutput"
)

// ErrNoEvent reports a well-formed JSON message that carries no event object
// (missing "event" key, or an empty one). Callers treat this as ignorable
// rather than answering the client with an error frame.
var ErrNoEvent = errors.New("message has no event object")

// DecodeError reports a message that could not be parsed as an envelope.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badMessage(format string, args ...any) *DecodeError {
	return &DecodeError{Code: "bad_message", Message: fmt.Sprintf(format, args...)}
}

// Envelope is a decoded event message: {"event":{<kind>:<payload>}}.
// Kind is the single key of the event object; Payload is its value.
type Envelope struct {
	Kind    string
	Payload map[string]any
}

// Decode parses a client or backend frame into an Envelope. A one-level
// {"body":"<json>"} wrapper (the upstream proxy re-serializes messages that
// way) is unwrapped before routing; the body value may be either a JSON
// string or an inline object.
func Decode(data []byte) (Envelope, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return Envelope{}, badMessage("invalid json")
	}

	if body, ok := outer["body"]; ok {
		var inner string
		if err := json.Unmarshal(body, &inner); err == nil {
			if err := json.Unmarshal([]byte(inner), &outer); err != nil {
				return Envelope{}, badMessage("invalid body wrapper")
			}
		} else if err := json.Unmarshal(body, &outer); err != nil {
			return Envelope{}, badMessage("invalid body wrapper")
		}
	}

	eventRaw, ok := outer["event"]
	if !ok {
		return Envelope{}, ErrNoEvent
	}

	var event map[string]map[string]any
	if err := json.Unmarshal(eventRaw, &event); err != nil {
		return Envelope{}, badMessage("event is not an object of objects")
	}
	if len(event) == 0 {
		return Envelope{}, ErrNoEvent
	}
	if len(event) > 1 {
		return Envelope{}, badMessage("event object has %d kind keys, want 1", len(event))
	}

	var env Envelope
	for kind, payload := range event {
		env.Kind = kind
		env.Payload = payload
	}
	if strings.TrimSpace(env.Kind) == "" {
		return Envelope{}, badMessage("empty event kind")
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return env, nil
}

// Marshal serializes the envelope back to its wire shape.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": map[string]any{e.Kind: e.Payload},
	})
}

// Content returns the payload's content field, when it is a string.
func (e Envelope) Content() (string, bool) {
	v, ok := e.Payload["content"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// WithContent returns a shallow copy of the envelope whose content field is
// replaced. All other payload fields are shared with the receiver.
func (e Envelope) WithContent(content string) Envelope {
	payload := make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload["content"] = content
	return Envelope{Kind: e.Kind, Payload: payload}
}

// StringField returns a string-typed payload field.
func (e Envelope) StringField(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IsAudioContentStart reports whether a contentStart envelope announces an
// audio content block.
func (e Envelope) IsAudioContentStart() bool {
	if e.Kind != KindContentStart {
		return false
	}
	typ, _ := e.StringField("type")
	return strings.EqualFold(typ, "AUDIO")
}

// ErrorFrame is the structured error message sent to the client on malformed
// input: {"type":"error","message":"..."}.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeError builds an error frame payload.
func EncodeError(message string) []byte {
	data, err := json.Marshal(ErrorFrame{Type: "error", Message: message})
	if err != nil {
		return []byte(`{"type":"error","message":"internal error"}`)
	}
	return data
}
