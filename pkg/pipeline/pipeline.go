// Package pipeline executes the fixed agent pipeline for one feature:
// architect → coder → reviewer (with bounded rework cycles) → tester.
// Stages run sequentially and fail fast; a stage failure marks the feature
// failing and later stages are never launched.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgeline/forgeline/pkg/driver"
	"github.com/forgeline/forgeline/pkg/github"
	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/monitor"
	"github.com/forgeline/forgeline/pkg/slack"
	"github.com/forgeline/forgeline/pkg/store"
	"github.com/forgeline/forgeline/pkg/tracker"
)

// Workers signal a review verdict through the exit code: zero approves,
// reviewRequestChangesExit requests another coder pass, anything else is a
// stage failure.
const reviewRequestChangesExit = 2

// Config groups the engine's collaborators and tuning knobs. Retry and
// cycle counts come from the dispatch configuration; zero disables them.
type Config struct {
	Store   store.Store
	Driver  driver.Driver
	Monitor *monitor.Monitor
	// Tokens resolves the git credential delivered to workers. Nil means
	// workers run without one (public repos, pre-baked credentials).
	Tokens github.TokenSource
	// Hook syncs the external tracker; nil falls back to the no-op hook.
	Hook tracker.Hook
	// Notifier posts Slack updates; nil disables (nil-safe service).
	Notifier *slack.Service

	// MaxStepRetries is the number of extra attempts after a stage fails.
	MaxStepRetries int
	// MaxReviewCycles bounds reviewer→coder rework rounds.
	MaxReviewCycles int
	// Watch tunes the run monitor.
	Watch monitor.Options
}

// Engine drives feature pipelines.
type Engine struct {
	store    store.Store
	driver   driver.Driver
	monitor  *monitor.Monitor
	tokens   github.TokenSource
	hook     tracker.Hook
	notifier *slack.Service

	maxStepRetries  int
	maxReviewCycles int
	watchOpts       monitor.Options
	logger          *slog.Logger
}

// New creates a pipeline engine.
func New(cfg Config) *Engine {
	hook := cfg.Hook
	if hook == nil {
		hook = tracker.NewNop()
	}
	return &Engine{
		store:           cfg.Store,
		driver:          cfg.Driver,
		monitor:         cfg.Monitor,
		tokens:          cfg.Tokens,
		hook:            hook,
		notifier:        cfg.Notifier,
		maxStepRetries:  max(cfg.MaxStepRetries, 0),
		maxReviewCycles: max(cfg.MaxReviewCycles, 0),
		watchOpts:       cfg.Watch,
		logger:          slog.Default().With("component", "pipeline"),
	}
}

// Run executes the full pipeline for a claimed feature. The caller owns the
// feature claim and its concurrency slot; Run only moves the feature to
// review_ready or failing.
func (e *Engine) Run(ctx context.Context, project *models.Project, feature *models.Feature) error {
	logger := e.logger.With(
		"project_id", project.ID,
		"feature_id", feature.ID,
		"feature", feature.Name,
	)
	logger.Info("Pipeline starting")

	e.hook.OnPipelineStart(ctx, feature)
	e.notifier.NotifyPipelineStarted(ctx, feature.ID, feature.Name)

	testerRunID, err := e.runStages(ctx, logger, project, feature)
	if err != nil {
		e.finalizeFailure(logger, feature, err)
		return err
	}
	return e.finalizeSuccess(ctx, logger, feature, testerRunID)
}

// runStages walks the fixed stage order and returns the tester's run id.
func (e *Engine) runStages(ctx context.Context, logger *slog.Logger, project *models.Project, feature *models.Feature) (string, error) {
	if res := e.runStageWithRetry(ctx, logger, project, feature, models.RoleArchitect); !res.completed() {
		return "", stageError(models.RoleArchitect, res)
	}
	if res := e.runStageWithRetry(ctx, logger, project, feature, models.RoleCoder); !res.completed() {
		return "", stageError(models.RoleCoder, res)
	}
	if err := e.runReviewLoop(ctx, logger, project, feature); err != nil {
		return "", err
	}
	res := e.runStageWithRetry(ctx, logger, project, feature, models.RoleTester)
	if !res.completed() {
		return "", stageError(models.RoleTester, res)
	}
	return res.runID, nil
}

// runReviewLoop runs the reviewer and, on a request-changes verdict, a coder
// rework pass, up to maxReviewCycles times. Exhausted cycles proceed to the
// tester with a warning rather than failing the feature.
func (e *Engine) runReviewLoop(ctx context.Context, logger *slog.Logger, project *models.Project, feature *models.Feature) error {
	for cycle := 0; ; cycle++ {
		res := e.runStageWithRetry(ctx, logger, project, feature, models.RoleReviewer)
		switch {
		case res.completed():
			logger.Info("Reviewer approved the change")
			return nil
		case res.err == nil && res.exitCode() == reviewRequestChangesExit:
			// request-changes verdict, handled below
		default:
			return stageError(models.RoleReviewer, res)
		}

		if cycle >= e.maxReviewCycles {
			logger.Warn("Review cycles exhausted with changes still requested, proceeding to tester",
				"review_runs", cycle+1)
			return nil
		}

		logger.Info("Reviewer requested changes, re-running coder", "cycle", cycle+1)
		if res := e.runStageWithRetry(ctx, logger, project, feature, models.RoleCoder); !res.completed() {
			return stageError(models.RoleCoder, res)
		}
	}
}

// stageResult captures the outcome of a single stage attempt.
type stageResult struct {
	runID  string
	status driver.Status
	err    error
}

func (r stageResult) completed() bool {
	return r.err == nil && r.status.State == driver.StateCompleted
}

// accepted reports whether the attempt needs no retry. The reviewer's
// request-changes exit is a verdict, not a failure.
func (r stageResult) accepted(role models.AgentRole) bool {
	if r.completed() {
		return true
	}
	return r.err == nil && role == models.RoleReviewer && r.exitCode() == reviewRequestChangesExit
}

func (r stageResult) exitCode() int {
	if r.status.ExitCode == nil {
		return -1
	}
	return *r.status.ExitCode
}

// runStageWithRetry attempts one stage up to 1+maxStepRetries times. Launch
// errors and non-zero exits both count as failed attempts.
func (e *Engine) runStageWithRetry(ctx context.Context, logger *slog.Logger, project *models.Project, feature *models.Feature, role models.AgentRole) stageResult {
	if err := ctx.Err(); err != nil {
		return stageResult{err: fmt.Errorf("pipeline cancelled: %w", err)}
	}

	attempts := e.maxStepRetries + 1
	var res stageResult
	for attempt := 1; attempt <= attempts; attempt++ {
		res = e.runStage(ctx, logger, project, feature, role)
		if res.accepted(role) {
			return res
		}
		if ctx.Err() != nil {
			// Cancelled attempts must not burn retries.
			break
		}
		if attempt < attempts {
			logger.Warn("Stage failed, retrying",
				"role", role,
				"attempt", attempt,
				"error", stageFailureReason(res))
		}
	}
	return res
}

// runStage performs one launch→watch round for a stage.
func (e *Engine) runStage(ctx context.Context, logger *slog.Logger, project *models.Project, feature *models.Feature, role models.AgentRole) stageResult {
	log := logger.With("role", role)

	// Fresh guidance and a fresh token at every stage start: users comment
	// mid-pipeline, and tokens expire across long stages.
	extraContext := e.collectUserContext(ctx, log, feature.ID)

	token := ""
	if e.tokens != nil {
		t, err := e.tokens.Token(ctx)
		if err != nil {
			return stageResult{err: fmt.Errorf("resolving worker token: %w", err)}
		}
		token = t
	}

	run, err := e.store.CreateAgentRun(ctx, models.CreateAgentRunRequest{
		ProjectID: project.ID,
		FeatureID: feature.ID,
		Role:      role,
	})
	if err != nil {
		return stageResult{err: fmt.Errorf("creating agent run: %w", err)}
	}
	log = log.With("run_id", run.ID)

	spec := driver.WorkSpec{
		Role:               role,
		RepoURL:            project.RepoURL,
		FeatureID:          feature.ID,
		ProjectID:          project.ID,
		FeatureName:        feature.Name,
		FeatureDescription: feature.Description,
		BaseBranch:         project.DefaultBranch,
		Token:              token,
		ExtraContext:       extraContext,
	}

	handle, err := e.driver.Start(ctx, spec)
	if err != nil {
		startErr := fmt.Errorf("starting worker: %w", err)
		// The run row exists; record the launch failure on it. Background
		// context: the launch may have failed because ctx died.
		if cerr := e.store.CompleteAgentRun(context.Background(), run.ID, models.RunStatusFailed, nil, startErr.Error()); cerr != nil {
			log.Error("Failed to record worker launch failure", "error", cerr)
		}
		return stageResult{runID: run.ID, err: startErr}
	}

	log.Info("Stage worker launched", "worker_id", handle.ID())
	st, err := e.monitor.Watch(ctx, run.ID, handle, e.watchOpts)
	if err != nil {
		return stageResult{runID: run.ID, status: st, err: err}
	}
	return stageResult{runID: run.ID, status: st}
}

// collectUserContext gathers unconsumed user guidance for the feature and
// marks it consumed. Collection failures degrade to an empty context; the
// stage still runs.
func (e *Engine) collectUserContext(ctx context.Context, log *slog.Logger, featureID string) string {
	msgs, err := e.store.ListNewUserMessages(ctx, featureID)
	if err != nil {
		log.Warn("Failed to collect user guidance", "error", err)
		return ""
	}
	if len(msgs) == 0 {
		return ""
	}

	ids := make([]string, len(msgs))
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		lines[i] = m.Content
	}
	if err := e.store.MarkMessagesConsumed(ctx, ids); err != nil {
		log.Warn("Failed to mark guidance consumed", "error", err)
	}
	log.Info("Collected user guidance for stage", "messages", len(msgs))
	return strings.Join(lines, "\n")
}

// finalizeSuccess records the review-ready state and fires notifications.
func (e *Engine) finalizeSuccess(ctx context.Context, logger *slog.Logger, feature *models.Feature, testerRunID string) error {
	if err := e.store.MarkFeatureReviewReady(ctx, feature.ID); err != nil {
		logger.Error("Failed to mark feature review-ready", "error", err)
		return fmt.Errorf("marking feature review-ready: %w", err)
	}

	content := fmt.Sprintf("Branch %s is ready for review.", feature.BranchName())
	_, err := e.store.CreateMessage(ctx, models.CreateMessageRequest{
		RunID:   testerRunID,
		Sender:  models.SenderSystem,
		Type:    models.MessageTypePRReady,
		Content: content,
	})
	if err != nil {
		logger.Warn("Failed to create pr_ready message", "error", err)
	}

	e.hook.OnPipelineSuccess(ctx, feature)
	e.notifier.NotifyPipelineCompleted(ctx, slack.PipelineCompletedInput{
		FeatureID:   feature.ID,
		FeatureName: feature.Name,
		Status:      slack.StatusSucceeded,
		Branch:      feature.BranchName(),
	})
	logger.Info("Pipeline completed, feature is review-ready")
	return nil
}

// finalizeFailure records the failure on the feature and fires
// notifications. Background context throughout: the pipeline context is
// often already cancelled when a stage fails.
func (e *Engine) finalizeFailure(logger *slog.Logger, feature *models.Feature, cause error) {
	reason := cause.Error()
	if err := e.store.MarkFeatureFailing(context.Background(), feature.ID, reason); err != nil {
		logger.Error("Failed to mark feature failing", "error", err)
	}

	e.hook.OnPipelineFailure(context.Background(), feature, reason)
	e.notifier.NotifyPipelineCompleted(context.Background(), slack.PipelineCompletedInput{
		FeatureID:    feature.ID,
		FeatureName:  feature.Name,
		Status:       slack.StatusFailed,
		ErrorMessage: reason,
	})
	logger.Warn("Pipeline failed", "error", cause)
}

// stageError summarizes a failed stage for the feature's error message.
func stageError(role models.AgentRole, res stageResult) error {
	if res.err != nil {
		return fmt.Errorf("%s stage failed: %w", role, res.err)
	}
	return fmt.Errorf("%s stage failed: %s", role, stageFailureReason(res))
}

func stageFailureReason(res stageResult) string {
	if res.err != nil {
		return res.err.Error()
	}
	st := res.status
	switch {
	case st.ExitCode != nil && st.Detail != "":
		return fmt.Sprintf("Exit code: %d: %s", *st.ExitCode, st.Detail)
	case st.ExitCode != nil:
		return fmt.Sprintf("Exit code: %d", *st.ExitCode)
	case st.Detail != "":
		return st.Detail
	default:
		return "worker failed"
	}
}
