package models

import "time"

// FeatureStatus is the lifecycle state of a feature.
type FeatureStatus string

const (
	FeatureStatusPending     FeatureStatus = "pending"
	FeatureStatusInProgress  FeatureStatus = "in_progress"
	FeatureStatusReviewReady FeatureStatus = "review_ready"
	FeatureStatusPassing     FeatureStatus = "passing"
	FeatureStatusFailing     FeatureStatus = "failing"
)

// DefaultFeaturePriority is assigned when a feature is created without an
// explicit priority. Smaller values are dispatched first.
const DefaultFeaturePriority = 100

// Feature is a unit of work delivered by one pipeline execution.
type Feature struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Status       FeatureStatus `json:"status"`
	Priority     int           `json:"priority"`
	DependsOn    []string      `json:"depends_on,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	// TrackerIssueID links the feature to an external issue for status sync.
	TrackerIssueID string    `json:"tracker_issue_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BranchName returns the working branch a pipeline uses for this feature.
func (f *Feature) BranchName() string {
	return "agent/" + f.ID
}

// CreateFeatureRequest contains fields for creating a feature.
type CreateFeatureRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Priority       *int     `json:"priority,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	TrackerIssueID string   `json:"tracker_issue_id,omitempty"`
}

// UpdateFeatureRequest contains the mutable feature fields. Nil means
// "leave unchanged". Status only accepts a reset to pending, the operator
// escape hatch for features stuck in in_progress or failing; the error
// message is kept until the next claim so the last failure stays visible.
type UpdateFeatureRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	Status      *FeatureStatus `json:"status,omitempty"`
}
