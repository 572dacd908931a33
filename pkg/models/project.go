// Package models defines the domain types shared between the store gateway,
// the pipeline engine, and the HTTP API.
package models

import "time"

// Project is a tracked repository that features are delivered against.
type Project struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	RepoURL           string `json:"repo_url"`
	DefaultBranch     string `json:"default_branch"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs"`
	Active            bool   `json:"active"`
	// TrackerTeamID scopes issue-tracker sync, when enabled.
	TrackerTeamID string    `json:"tracker_team_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateProjectRequest contains fields for creating a project.
type CreateProjectRequest struct {
	Name              string `json:"name"`
	RepoURL           string `json:"repo_url"`
	DefaultBranch     string `json:"default_branch,omitempty"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs,omitempty"`
	Active            *bool  `json:"active,omitempty"`
	TrackerTeamID     string `json:"tracker_team_id,omitempty"`
}

// UpdateProjectRequest contains the mutable project fields. Nil means
// "leave unchanged".
type UpdateProjectRequest struct {
	Name              *string `json:"name,omitempty"`
	RepoURL           *string `json:"repo_url,omitempty"`
	DefaultBranch     *string `json:"default_branch,omitempty"`
	MaxConcurrentRuns *int    `json:"max_concurrent_runs,omitempty"`
	Active            *bool   `json:"active,omitempty"`
	TrackerTeamID     *string `json:"tracker_team_id,omitempty"`
}

// DefaultMaxConcurrentRuns is the per-project pipeline cap applied when a
// project is created without one.
const DefaultMaxConcurrentRuns = 2

// DefaultBranchName is used when a project is created without a default branch.
const DefaultBranchName = "main"
