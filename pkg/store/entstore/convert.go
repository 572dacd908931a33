package entstore

import (
	"github.com/forgeline/forgeline/ent"
	"github.com/forgeline/forgeline/pkg/models"
)

// Converters from generated ent entities to the domain models every other
// package consumes. Nillable columns collapse to zero values.

func toProject(p *ent.Project) *models.Project {
	m := &models.Project{
		ID:                p.ID,
		Name:              p.Name,
		RepoURL:           p.RepoURL,
		DefaultBranch:     p.DefaultBranch,
		MaxConcurrentRuns: p.MaxConcurrentRuns,
		Active:            p.Active,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.TrackerTeamID != nil {
		m.TrackerTeamID = *p.TrackerTeamID
	}
	return m
}

func toProjects(ps []*ent.Project) []*models.Project {
	out := make([]*models.Project, len(ps))
	for i, p := range ps {
		out[i] = toProject(p)
	}
	return out
}

func toFeature(f *ent.Feature) *models.Feature {
	m := &models.Feature{
		ID:          f.ID,
		ProjectID:   f.ProjectID,
		Name:        f.Name,
		Description: f.Description,
		Status:      models.FeatureStatus(f.Status),
		Priority:    f.Priority,
		DependsOn:   f.DependsOn,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
	if f.ErrorMessage != nil {
		m.ErrorMessage = *f.ErrorMessage
	}
	if f.TrackerIssueID != nil {
		m.TrackerIssueID = *f.TrackerIssueID
	}
	return m
}

func toFeatures(fs []*ent.Feature) []*models.Feature {
	out := make([]*models.Feature, len(fs))
	for i, f := range fs {
		out[i] = toFeature(f)
	}
	return out
}

func toRun(r *ent.AgentRun) *models.AgentRun {
	m := &models.AgentRun{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		AgentID:    r.AgentID,
		Role:       models.AgentRole(r.Role),
		Status:     models.AgentRunStatus(r.Status),
		ExitCode:   r.ExitCode,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.FeatureID != nil {
		m.FeatureID = *r.FeatureID
	}
	if r.ErrorMessage != nil {
		m.ErrorMessage = *r.ErrorMessage
	}
	return m
}

func toRuns(rs []*ent.AgentRun) []*models.AgentRun {
	out := make([]*models.AgentRun, len(rs))
	for i, r := range rs {
		out[i] = toRun(r)
	}
	return out
}

func toMessage(m *ent.AgentMessage) *models.AgentMessage {
	out := &models.AgentMessage{
		ID:        m.ID,
		RunID:     m.RunID,
		Sender:    models.MessageSender(m.Sender),
		Type:      models.MessageType(m.Type),
		Content:   m.Content,
		Consumed:  m.Consumed,
		CreatedAt: m.CreatedAt,
	}
	if m.ThreadID != nil {
		out.ThreadID = *m.ThreadID
	}
	return out
}

func toMessages(ms []*ent.AgentMessage) []*models.AgentMessage {
	out := make([]*models.AgentMessage, len(ms))
	for i, m := range ms {
		out[i] = toMessage(m)
	}
	return out
}

func toThread(t *ent.AgentThread) *models.AgentThread {
	return &models.AgentThread{
		ID:        t.ID,
		ProjectID: t.ProjectID,
		AgentID:   t.AgentID,
		Title:     t.Title,
		Mode:      models.ThreadMode(t.Mode),
		Status:    models.ThreadStatus(t.Status),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func toThreads(ts []*ent.AgentThread) []*models.AgentThread {
	out := make([]*models.AgentThread, len(ts))
	for i, t := range ts {
		out[i] = toThread(t)
	}
	return out
}

func toQueueEntry(q *ent.QueueEntry) *models.QueueEntry {
	m := &models.QueueEntry{
		ID:        q.ID,
		AgentID:   q.AgentID,
		ProjectID: q.ProjectID,
		Prompt:    q.Prompt,
		Status:    models.QueueEntryStatus(q.Status),
		Position:  q.Position,
		CreatedAt: q.CreatedAt,
		UpdatedAt: q.UpdatedAt,
	}
	if q.ThreadID != nil {
		m.ThreadID = *q.ThreadID
	}
	if q.Error != nil {
		m.Error = *q.Error
	}
	return m
}

func toQueueEntries(qs []*ent.QueueEntry) []*models.QueueEntry {
	out := make([]*models.QueueEntry, len(qs))
	for i, q := range qs {
		out[i] = toQueueEntry(q)
	}
	return out
}
