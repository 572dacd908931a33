package models

import "time"

// ThreadMode distinguishes conversational threads from interactive work
// sessions that drive a worker process.
type ThreadMode string

const (
	ThreadModeChat ThreadMode = "chat"
	ThreadModeWork ThreadMode = "work"
)

// ThreadStatus is the archival state of a thread.
type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusArchived ThreadStatus = "archived"
)

// AgentThread groups the messages an agent exchanges within one conversation.
type AgentThread struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	AgentID   string       `json:"agent_id"`
	Title     string       `json:"title"`
	Mode      ThreadMode   `json:"mode"`
	Status    ThreadStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// CreateThreadRequest contains fields for creating a thread.
type CreateThreadRequest struct {
	ProjectID string     `json:"project_id"`
	AgentID   string     `json:"agent_id"`
	Title     string     `json:"title"`
	Mode      ThreadMode `json:"mode"`
}
