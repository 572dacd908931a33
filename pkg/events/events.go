// Package events provides the in-process stream bus that fans worker output
// out to SSE and WebSocket clients, plus the WebSocket connection manager.
package events

import "time"

// EventType identifies a stream event.
type EventType string

const (
	// TypeThinkingStart marks the beginning of a worker turn. It resets the
	// replay buffer for the run.
	TypeThinkingStart EventType = "thinking_start"
	// TypeToken carries a chunk of worker output text.
	TypeToken EventType = "token"
	// TypeThinkingEnd marks the end of a worker turn.
	TypeThinkingEnd EventType = "thinking_end"
	// TypeStreamError reports a stream-level failure to clients.
	TypeStreamError EventType = "stream_error"
)

// Event is one entry in a run's live output stream.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Text      string    `json:"text,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ThinkingStart builds a thinking_start event for the run.
func ThinkingStart(runID string) Event {
	return Event{Type: TypeThinkingStart, RunID: runID, Timestamp: time.Now()}
}

// Token builds a token event carrying output text.
func Token(runID, text string) Event {
	return Event{Type: TypeToken, RunID: runID, Text: text, Timestamp: time.Now()}
}

// ThinkingEnd builds a thinking_end event for the run.
func ThinkingEnd(runID string) Event {
	return Event{Type: TypeThinkingEnd, RunID: runID, Timestamp: time.Now()}
}

// StreamError builds a stream_error event with a client-facing message.
func StreamError(runID, message string) Event {
	return Event{Type: TypeStreamError, RunID: runID, Message: message, Timestamp: time.Now()}
}
