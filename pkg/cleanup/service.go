// Package cleanup provides startup orphan recovery and data retention.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeline/forgeline/pkg/config"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/store"
)

// Store is the persistence surface orphan recovery needs.
type Store interface {
	store.RunStore
	store.FeatureStore
}

// RecoverOrphans finalizes runs left non-terminal by a previous process.
// Called once during startup, before the watcher begins dispatching: the
// worker processes behind those runs died with the orchestrator, so the
// runs fail and their features return to pending for a fresh claim.
func RecoverOrphans(ctx context.Context, st Store) (int, error) {
	runs, err := st.ListUnfinishedRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished runs: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}

	slog.Warn("Found orphaned runs from previous process", "count", len(runs))

	recovered := 0
	for _, run := range runs {
		err := st.CompleteAgentRun(ctx, run.ID, models.RunStatusFailed, nil, "orphaned by restart")
		if err != nil {
			slog.Error("Failed to finalize orphaned run", "run_id", run.ID, "error", err)
			continue
		}
		if run.FeatureID != "" {
			if err := st.ReleaseFeature(ctx, run.FeatureID); err != nil {
				slog.Error("Failed to release orphaned feature",
					"feature_id", run.FeatureID, "error", err)
			}
		}
		recovered++
		slog.Info("Orphaned run recovered", "run_id", run.ID, "role", run.Role)
	}
	return recovered, nil
}

// Service periodically enforces retention: terminal agent runs and their
// messages are purged once they age past the retention window. All
// operations are idempotent and safe to rerun.
type Service struct {
	config *config.RetentionConfig
	store  store.RunStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service.
func NewService(cfg *config.RetentionConfig, st store.RunStore) *Service {
	return &Service{
		config: cfg,
		store:  st,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"run_retention_days", s.config.RunRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.purgeOldRuns(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeOldRuns(ctx)
		}
	}
}

// purgeOldRuns runs on context.Background so a shutdown mid-purge does not
// abort the store call.
func (s *Service) purgeOldRuns(_ context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.RunRetentionDays)
	count, err := s.store.PurgeTerminalRunsBefore(context.Background(), cutoff.Unix())
	if err != nil {
		slog.Error("Retention: purging runs failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged old runs", "count", count)
	}
}
