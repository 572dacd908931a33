package models

import "time"

// MessageSender identifies who produced an agent message.
type MessageSender string

const (
	SenderUser   MessageSender = "user"
	SenderAgent  MessageSender = "agent"
	SenderSystem MessageSender = "system"
)

// MessageType classifies an agent message for rendering and routing.
type MessageType string

const (
	MessageTypeMessage   MessageType = "message"
	MessageTypeStatus    MessageType = "status"
	MessageTypeError     MessageType = "error"
	MessageTypeQuiz      MessageType = "quiz"
	MessageTypePRReady   MessageType = "pr_ready"
	MessageTypePRCreated MessageType = "pr_created"
)

// AgentMessage is one entry in a run's conversation log.
type AgentMessage struct {
	ID       string        `json:"id"`
	RunID    string        `json:"run_id"`
	ThreadID string        `json:"thread_id,omitempty"`
	Sender   MessageSender `json:"sender"`
	Type     MessageType   `json:"type"`
	Content  string        `json:"content"`
	// Consumed marks user messages already collected as context for a
	// later pipeline stage.
	Consumed  bool      `json:"consumed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateMessageRequest contains fields for creating a message.
type CreateMessageRequest struct {
	RunID    string        `json:"run_id"`
	ThreadID string        `json:"thread_id,omitempty"`
	Sender   MessageSender `json:"sender"`
	Type     MessageType   `json:"type"`
	Content  string        `json:"content"`
}
