package slack

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pipeline notification statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// PipelineCompletedInput contains data for a terminal pipeline notification.
type PipelineCompletedInput struct {
	FeatureID    string
	FeatureName  string
	Status       string // succeeded, failed
	Branch       string
	ErrorMessage string
}

// Service handles Slack notification delivery for feature pipelines. The
// start notification posts a channel message; terminal notifications thread
// under it, located by an in-memory thread map or, after a restart, by the
// feature fingerprint in the start message.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger

	mu      sync.Mutex
	threads map[string]string // feature id → start message ts
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newService(NewClient(cfg.Token, cfg.Channel), cfg.DashboardURL)
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return newService(client, dashboardURL)
}

func newService(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
		threads:      make(map[string]string),
	}
}

// NotifyPipelineStarted announces a feature pipeline launch and remembers
// the message timestamp so terminal notifications can thread under it.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyPipelineStarted(ctx context.Context, featureID, featureName string) {
	if s == nil {
		return
	}

	blocks := BuildPipelineStartedMessage(featureID, featureName, s.dashboardURL)
	ts, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second)
	if err != nil {
		s.logger.Error("Failed to send Slack start notification",
			"feature_id", featureID,
			"error", err)
		return
	}

	s.mu.Lock()
	s.threads[featureID] = ts
	s.mu.Unlock()
}

// NotifyPipelineCompleted sends a terminal pipeline notification, threaded
// under the start message when it can be found.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyPipelineCompleted(ctx context.Context, input PipelineCompletedInput) {
	if s == nil {
		return
	}

	s.mu.Lock()
	threadTS := s.threads[input.FeatureID]
	delete(s.threads, input.FeatureID)
	s.mu.Unlock()

	if threadTS == "" {
		var err error
		threadTS, err = s.client.FindMessageByFingerprint(ctx, featureFingerprint(input.FeatureID))
		if err != nil {
			s.logger.Warn("Failed to find Slack thread for feature",
				"feature_id", input.FeatureID,
				"error", err)
		}
	}

	blocks := BuildPipelineCompletedMessage(input, s.dashboardURL)
	if _, err := s.client.PostMessage(ctx, blocks, threadTS, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"feature_id", input.FeatureID,
			"status", input.Status,
			"error", err)
	}
}
