package models

import "time"

// AgentRunStatus is the lifecycle state of a single worker run.
type AgentRunStatus string

const (
	RunStatusStarted   AgentRunStatus = "started"
	RunStatusThinking  AgentRunStatus = "thinking"
	RunStatusCoding    AgentRunStatus = "coding"
	RunStatusTesting   AgentRunStatus = "testing"
	RunStatusReviewing AgentRunStatus = "reviewing"
	RunStatusCompleted AgentRunStatus = "completed"
	RunStatusFailed    AgentRunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s AgentRunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// AgentRole identifies which worker variant a run executes.
type AgentRole string

const (
	RoleArchitect AgentRole = "architect"
	RoleCoder     AgentRole = "coder"
	RoleReviewer  AgentRole = "reviewer"
	RoleTester    AgentRole = "tester"
	// RoleWork marks an interactive work session rather than a pipeline stage.
	RoleWork AgentRole = "work"
)

// PipelineRoles is the fixed stage order of a feature pipeline.
var PipelineRoles = []AgentRole{RoleArchitect, RoleCoder, RoleReviewer, RoleTester}

// AgentRun records one worker execution, either a pipeline stage or an
// interactive work session.
type AgentRun struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	FeatureID    string         `json:"feature_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	Role         AgentRole      `json:"role"`
	Status       AgentRunStatus `json:"status"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// CreateAgentRunRequest contains fields for creating an agent run.
type CreateAgentRunRequest struct {
	ProjectID string    `json:"project_id"`
	FeatureID string    `json:"feature_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Role      AgentRole `json:"role"`
}
