// Stream lifecycle, as seen by SSE and WebSocket clients:
//
//	thinking_start            worker began a turn (resets replay buffer)
//	token                     output text chunk (repeated)
//	thinking_end              worker finished the turn
//	stream_error              stream-level failure (timeout, crash)
//
// A late subscriber receives a replay of everything since the most recent
// thinking_start, then live events. Replay buffers for idle runs expire
// after five minutes.
package events

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action string `json:"action"`           // "subscribe", "unsubscribe", "ping"
	RunID  string `json:"run_id,omitempty"` // Run to (un)subscribe
}
