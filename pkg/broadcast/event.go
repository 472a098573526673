// Package broadcast fans out per-issue events to live observers.
//
// A Hub maps an issue key to its subscriptions. Publishing never blocks on a
// slow observer: each subscription has a bounded buffer and events that do
// not fit are dropped and counted. Transports (SSE, WebSocket) plug in as a
// Sink and are driven by Stream.
package broadcast

import (
	"encoding/json"
	"time"
)

// EventType discriminates activity events.
type EventType string

// Event types.
const (
	EventAction         EventType = "action"
	EventTerminalOutput EventType = "terminal_output"
	EventHeartbeat      EventType = "heartbeat"
	EventConnected      EventType = "connected"
)

// Event is one message delivered to subscribers of an issue key.
type Event struct {
	Type      EventType       `json:"type"`
	IssueKey  string          `json:"issue_key"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event for key, encoding payload as JSON. A payload that
// cannot be encoded is replaced by an {"error": ...} object.
func NewEvent(t EventType, key string, payload any) Event {
	ev := Event{Type: t, IssueKey: key, Timestamp: time.Now().UTC()}
	if payload == nil {
		return ev
	}
	if raw, ok := payload.(json.RawMessage); ok {
		ev.Payload = raw
		return ev
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	ev.Payload = data
	return ev
}

// Action builds an action event describing a lifecycle transition.
func Action(key string, payload any) Event {
	return NewEvent(EventAction, key, payload)
}

// TerminalChunk is the payload of a terminal_output event. Data is the raw
// bytes as read from the terminal; a chunk may end inside a multi-byte
// character, so it is never treated as text. JSON carries it as base64.
type TerminalChunk struct {
	Data []byte `json:"data"`
}

// TerminalOutput builds a terminal_output event carrying a raw chunk.
func TerminalOutput(key string, chunk []byte) Event {
	return NewEvent(EventTerminalOutput, key, TerminalChunk{Data: chunk})
}
