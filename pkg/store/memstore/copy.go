package memstore

import (
	"slices"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
)

// The store hands out copies so callers can never mutate shared state
// behind the mutex. Pointer and slice fields are re-boxed.

func cloneProject(p *models.Project) *models.Project {
	out := *p
	return &out
}

func cloneFeature(f *models.Feature) *models.Feature {
	out := *f
	out.DependsOn = slices.Clone(f.DependsOn)
	return &out
}

func cloneRun(r *models.AgentRun) *models.AgentRun {
	out := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	if r.FinishedAt != nil {
		at := *r.FinishedAt
		out.FinishedAt = &at
	}
	return &out
}

func cloneMessage(m *models.AgentMessage) *models.AgentMessage {
	out := *m
	return &out
}

func cloneThread(t *models.AgentThread) *models.AgentThread {
	out := *t
	return &out
}

func cloneQueueEntry(e *models.QueueEntry) *models.QueueEntry {
	out := *e
	return &out
}

func intPtr(v int) *int {
	return &v
}

func timePtr(v time.Time) *time.Time {
	return &v
}
