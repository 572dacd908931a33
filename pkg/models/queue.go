package models

import "time"

// QueueEntryStatus is the lifecycle state of a queued prompt.
type QueueEntryStatus string

const (
	QueueStatusQueued     QueueEntryStatus = "queued"
	QueueStatusProcessing QueueEntryStatus = "processing"
	QueueStatusCompleted  QueueEntryStatus = "completed"
	QueueStatusFailed     QueueEntryStatus = "failed"
)

// QueuePositionSpacing is the gap between consecutive queue positions.
// Sparse positions let an entry be reordered between two neighbors without
// renumbering the whole queue.
const QueuePositionSpacing = 1024

// QueueEntry is one prompt waiting to be fed to an agent's work session.
type QueueEntry struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agent_id"`
	ThreadID  string           `json:"thread_id,omitempty"`
	ProjectID string           `json:"project_id"`
	Prompt    string           `json:"prompt"`
	Status    QueueEntryStatus `json:"status"`
	Position  int              `json:"position"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// EnqueueRequest contains fields for adding a prompt to an agent's queue.
type EnqueueRequest struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
}
