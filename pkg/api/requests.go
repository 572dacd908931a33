package api

// SetDependenciesRequest is the body for PUT /api/v1/features/:id/dependencies.
// It replaces the feature's dependency list wholesale.
type SetDependenciesRequest struct {
	DependsOn []string `json:"depends_on"`
}

// PostMessageRequest is the body for POST /api/v1/agent-runs/:id/messages.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// StartWorkSessionRequest is the body for POST /api/v1/work-sessions.
// ThreadID is optional: when empty the agent's active work thread is
// reused, or a fresh one is created.
type StartWorkSessionRequest struct {
	AgentID   string `json:"agent_id"`
	ProjectID string `json:"project_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// EnqueuePromptRequest is the body for POST /api/v1/agents/:agentId/queue.
type EnqueuePromptRequest struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
}

// ReorderQueueRequest is the body for PATCH /api/v1/queue/:id/position.
// Index is the target slot among the agent's queued entries, zero-based;
// values past the end move the entry to the back.
type ReorderQueueRequest struct {
	Index int `json:"index"`
}
