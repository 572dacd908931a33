// Package tracker syncs pipeline progress to an external issue tracker.
// Hooks are best-effort: they log failures and never return them, so a
// tracker outage cannot fail a pipeline.
package tracker

import (
	"context"

	"github.com/forgeline/forgeline/pkg/models"
)

// Hook receives pipeline lifecycle notifications for a feature. Features
// without a tracker issue id are ignored by all implementations.
type Hook interface {
	// OnPipelineStart fires before the architect stage launches.
	OnPipelineStart(ctx context.Context, feature *models.Feature)
	// OnPipelineSuccess fires after the tester stage succeeds and the
	// feature is marked review-ready.
	OnPipelineSuccess(ctx context.Context, feature *models.Feature)
	// OnPipelineFailure fires when a stage fails permanently.
	OnPipelineFailure(ctx context.Context, feature *models.Feature, reason string)
}

// Nop is the hook used when no tracker credentials are configured.
type Nop struct{}

// NewNop returns a hook that does nothing.
func NewNop() Nop { return Nop{} }

func (Nop) OnPipelineStart(context.Context, *models.Feature)           {}
func (Nop) OnPipelineSuccess(context.Context, *models.Feature)         {}
func (Nop) OnPipelineFailure(context.Context, *models.Feature, string) {}
