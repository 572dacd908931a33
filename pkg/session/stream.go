package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/forgeline/forgeline/pkg/events"
)

// maxStreamLine is the longest NDJSON line the parser accepts. Worker tool
// results can be very large.
const maxStreamLine = 1 << 20

// streamEvent is one NDJSON line of worker output. Type decides which other
// fields carry data.
type streamEvent struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Delta   *streamDelta   `json:"delta,omitempty"`
	Message *streamMessage `json:"message,omitempty"`
	Result  string         `json:"result,omitempty"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

// parseStream translates the worker's NDJSON stdout into bus events until
// the stream closes. Lines that are not stream JSON are skipped: workers
// print plain text too.
func (m *Manager) parseStream(runID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		m.publishStreamEvent(runID, ev)
	}
	if err := scanner.Err(); err != nil {
		m.logger.Warn("Reading session stream", "run_id", runID, "error", err)
	}
}

// publishStreamEvent maps one worker stream event onto the bus.
func (m *Manager) publishStreamEvent(runID string, ev streamEvent) {
	switch ev.Type {
	case "assistant":
		switch ev.Subtype {
		case "message_start":
			m.bus.Publish(events.ThinkingStart(runID))
		case "message_stop":
			m.bus.Publish(events.ThinkingEnd(runID))
		}
		if ev.Message != nil {
			for _, block := range ev.Message.Content {
				if block.Type == "tool_use" && block.Name != "" {
					m.bus.Publish(events.Token(runID, fmt.Sprintf("[tool: %s]\n", block.Name)))
				}
			}
		}

	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			m.bus.Publish(events.Token(runID, ev.Delta.Text))
		}

	case "result":
		if ev.Result != "" {
			m.bus.Publish(events.Token(runID, ev.Result))
		}
		m.bus.Publish(events.ThinkingEnd(runID))
	}
}
