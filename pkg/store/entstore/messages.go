package entstore

import (
	"context"

	"github.com/forgeline/forgeline/ent"
	"github.com/forgeline/forgeline/ent/agentmessage"
	"github.com/forgeline/forgeline/ent/agentrun"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/google/uuid"
)

// CreateMessage appends a message to a run's conversation log.
func (s *EntStore) CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.AgentMessage, error) {
	if req.RunID == "" {
		return nil, store.NewValidationError("run_id", "required")
	}
	if req.Sender == "" {
		return nil, store.NewValidationError("sender", "required")
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageTypeMessage
	}

	create := s.client.AgentMessage.Create().
		SetID(uuid.New().String()).
		SetRunID(req.RunID).
		SetSender(agentmessage.Sender(req.Sender)).
		SetType(agentmessage.Type(msgType)).
		SetContent(req.Content)
	if req.ThreadID != "" {
		create = create.SetThreadID(req.ThreadID)
	}

	m, err := create.Save(ctx)
	if err != nil {
		return nil, wrapErr("failed to create message", err)
	}
	return toMessage(m), nil
}

// ListMessagesByRun returns a run's messages in creation order. A non-empty
// afterID anchors the listing strictly after that message, for stream
// reconnects; an unknown anchor returns the full list.
func (s *EntStore) ListMessagesByRun(ctx context.Context, runID string, afterID string) ([]*models.AgentMessage, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	ms, err := s.client.AgentMessage.Query().
		Where(agentmessage.RunIDEQ(runID)).
		Order(ent.Asc(agentmessage.FieldCreatedAt), ent.Asc(agentmessage.FieldID)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list run messages", err)
	}

	msgs := toMessages(ms)
	if afterID == "" {
		return msgs, nil
	}
	for i, m := range msgs {
		if m.ID == afterID {
			return msgs[i+1:], nil
		}
	}
	return msgs, nil
}

// ListMessagesByThread returns a thread's messages in creation order.
func (s *EntStore) ListMessagesByThread(ctx context.Context, threadID string) ([]*models.AgentMessage, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	ms, err := s.client.AgentMessage.Query().
		Where(agentmessage.ThreadIDEQ(threadID)).
		Order(ent.Asc(agentmessage.FieldCreatedAt), ent.Asc(agentmessage.FieldID)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list thread messages", err)
	}
	return toMessages(ms), nil
}

// ListNewUserMessages returns unconsumed user messages across all of a
// feature's runs, oldest first. The pipeline collects these between stages.
func (s *EntStore) ListNewUserMessages(ctx context.Context, featureID string) ([]*models.AgentMessage, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	ms, err := s.client.AgentMessage.Query().
		Where(
			agentmessage.SenderEQ(agentmessage.SenderUser),
			agentmessage.ConsumedEQ(false),
			agentmessage.HasRunWith(agentrun.FeatureIDEQ(featureID)),
		).
		Order(ent.Asc(agentmessage.FieldCreatedAt), ent.Asc(agentmessage.FieldID)).
		All(ctx)
	if err != nil {
		return nil, wrapErr("failed to list new user messages", err)
	}
	return toMessages(ms), nil
}

// MarkMessagesConsumed flags the given messages as collected.
func (s *EntStore) MarkMessagesConsumed(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	ctx, cancel := opCtx(ctx)
	defer cancel()

	if _, err := s.client.AgentMessage.Update().
		Where(agentmessage.IDIn(messageIDs...)).
		SetConsumed(true).
		Save(ctx); err != nil {
		return wrapErr("failed to mark messages consumed", err)
	}
	return nil
}
