// Package store defines the persistence gateway the control plane runs
// against. Two implementations exist: entstore (PostgreSQL via Ent) for
// production and memstore (in-memory) for local mode and tests.
//
// Error contract: implementations return the package sentinels
// (ErrNotFound, ErrAlreadyClaimed, ...) for domain conditions and wrap
// infrastructure failures in TransientError so poll loops can retry them.
package store

import (
	"context"

	"github.com/forgeline/forgeline/pkg/models"
)

// ProjectStore manages projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, req models.CreateProjectRequest) (*models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, id string, req models.UpdateProjectRequest) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]*models.Project, error)
	// ListActiveProjects returns projects with the activity flag set,
	// candidates for autonomous dispatch.
	ListActiveProjects(ctx context.Context) ([]*models.Project, error)
}

// FeatureStore manages features and their status transitions.
type FeatureStore interface {
	CreateFeature(ctx context.Context, projectID string, req models.CreateFeatureRequest) (*models.Feature, error)
	CreateFeaturesBulk(ctx context.Context, projectID string, reqs []models.CreateFeatureRequest) ([]*models.Feature, error)
	GetFeature(ctx context.Context, id string) (*models.Feature, error)
	UpdateFeature(ctx context.Context, id string, req models.UpdateFeatureRequest) (*models.Feature, error)
	DeleteFeature(ctx context.Context, id string) error
	ListFeaturesByProject(ctx context.Context, projectID string) ([]*models.Feature, error)

	// ListReadyFeatures returns pending features whose dependencies are all
	// passing. Features without dependencies are always ready.
	ListReadyFeatures(ctx context.Context, projectID string) ([]*models.Feature, error)

	// ClaimFeature transitions pending → in_progress with compare-and-set
	// semantics. A feature that is no longer pending returns
	// ErrAlreadyClaimed.
	ClaimFeature(ctx context.Context, featureID string) error

	// ReleaseFeature returns an in_progress feature to pending. Used by
	// startup orphan recovery.
	ReleaseFeature(ctx context.Context, featureID string) error

	MarkFeatureReviewReady(ctx context.Context, featureID string) error
	MarkFeatureFailing(ctx context.Context, featureID string, errorMessage string) error

	// TransitionReviewReadyToPassing moves review_ready → passing with
	// compare-and-set semantics; any other source state returns
	// ErrInvalidTransition.
	TransitionReviewReadyToPassing(ctx context.Context, featureID string) error

	// SetFeatureDependencies replaces the dependency list. Dependency cycles
	// (including self-dependencies) are rejected with ErrInvalidInput.
	SetFeatureDependencies(ctx context.Context, featureID string, dependsOn []string) error
}

// RunStore manages agent runs.
type RunStore interface {
	CreateAgentRun(ctx context.Context, req models.CreateAgentRunRequest) (*models.AgentRun, error)
	GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error)
	ListRunsByFeature(ctx context.Context, featureID string) ([]*models.AgentRun, error)
	// ListUnfinishedRuns returns runs not yet in a terminal status, used by
	// startup orphan recovery.
	ListUnfinishedRuns(ctx context.Context) ([]*models.AgentRun, error)

	// UpdateAgentRunStatus records a non-terminal progress update.
	UpdateAgentRunStatus(ctx context.Context, runID string, status models.AgentRunStatus) error

	// CompleteAgentRun records a terminal status with exit code and error
	// message, setting the finish time exactly once.
	CompleteAgentRun(ctx context.Context, runID string, status models.AgentRunStatus, exitCode *int, errorMessage string) error

	// PurgeTerminalRunsBefore deletes terminal runs (and their messages)
	// finished before the cutoff. Returns the number of runs removed.
	PurgeTerminalRunsBefore(ctx context.Context, cutoff int64) (int, error)
}

// MessageStore manages agent messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.AgentMessage, error)
	// ListMessagesByRun returns a run's messages ordered by creation,
	// starting after afterID when non-empty (SSE reconnect support).
	ListMessagesByRun(ctx context.Context, runID string, afterID string) ([]*models.AgentMessage, error)
	ListMessagesByThread(ctx context.Context, threadID string) ([]*models.AgentMessage, error)

	// ListNewUserMessages returns unconsumed user messages across a
	// feature's runs, oldest first.
	ListNewUserMessages(ctx context.Context, featureID string) ([]*models.AgentMessage, error)
	// MarkMessagesConsumed flags the given messages as collected.
	MarkMessagesConsumed(ctx context.Context, messageIDs []string) error
}

// ThreadStore manages agent threads.
type ThreadStore interface {
	CreateThread(ctx context.Context, req models.CreateThreadRequest) (*models.AgentThread, error)
	GetThread(ctx context.Context, id string) (*models.AgentThread, error)
	// FindThread returns the active thread for (agentID, mode), or
	// ErrNotFound.
	FindThread(ctx context.Context, agentID string, mode models.ThreadMode) (*models.AgentThread, error)
	UpdateThreadTitle(ctx context.Context, id string, title string) error
	ArchiveThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context, projectID string) ([]*models.AgentThread, error)
}

// QueueStore manages the per-agent prompt queue.
type QueueStore interface {
	// EnqueuePrompt inserts a queued entry with a sparse position: highest
	// position + spacing, or the spacing value for an empty queue.
	EnqueuePrompt(ctx context.Context, req models.EnqueueRequest) (*models.QueueEntry, error)

	GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error)

	// DequeueNext claims the lowest-position queued entry for the agent,
	// transitioning it to processing. Returns ErrNotFound when the queue
	// has no queued entries.
	DequeueNext(ctx context.Context, agentID string) (*models.QueueEntry, error)

	// PeekQueue returns the lowest-position queued entry without claiming it.
	PeekQueue(ctx context.Context, agentID string) (*models.QueueEntry, error)

	// RemoveQueueEntry deletes an entry; only queued entries may be removed.
	RemoveQueueEntry(ctx context.Context, id string) error

	// ReorderQueueEntry moves an entry to the given position.
	ReorderQueueEntry(ctx context.Context, id string, position int) error

	// AttachQueueEntryThread records which thread a processing entry is
	// being executed under.
	AttachQueueEntryThread(ctx context.Context, id string, threadID string) error

	ListQueue(ctx context.Context, agentID string) ([]*models.QueueEntry, error)
	// HasProcessingEntry reports whether the agent has an entry currently
	// being processed.
	HasProcessingEntry(ctx context.Context, agentID string) (bool, error)

	MarkJobCompleted(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id string, errorMessage string) error
}

// Store is the full persistence gateway.
type Store interface {
	ProjectStore
	FeatureStore
	RunStore
	MessageStore
	ThreadStore
	QueueStore
}
