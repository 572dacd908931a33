// Package watcher scans for ready features and dispatches pipelines,
// honoring per-project concurrency caps.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgeline/forgeline/pkg/models"
	"github.com/forgeline/forgeline/pkg/slots"
	"github.com/forgeline/forgeline/pkg/store"
)

// DefaultScanInterval is the base delay between scans when Options does
// not set one. Jitter has no fallback: zero jitter is a valid setting.
const DefaultScanInterval = 30 * time.Second

// Store is the subset of the data layer the watcher scans and claims from.
type Store interface {
	store.ProjectStore
	store.FeatureStore
}

// Runner executes one pipeline for a claimed feature. Implemented by
// pipeline.Engine.
type Runner interface {
	Run(ctx context.Context, project *models.Project, feature *models.Feature) error
}

// Options tune the watcher scan loop.
type Options struct {
	// ScanInterval is the base delay between scans.
	ScanInterval time.Duration

	// ScanJitter randomizes each delay: actual = interval ± jitter.
	ScanJitter time.Duration

	// AutoDispatch gates pipeline launches. When false the watcher keeps
	// scanning and logs what it would start. The config default is on.
	AutoDispatch bool
}

func (o Options) withDefaults() Options {
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.ScanJitter < 0 {
		o.ScanJitter = 0
	}
	return o
}

// Watcher polls for ready features and launches one pipeline per claim.
type Watcher struct {
	store  Store
	slots  *slots.Manager
	runner Runner
	opts   Options
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool

	pipelines sync.WaitGroup
}

// New creates a watcher. It does not start scanning until Start.
func New(st Store, slotMgr *slots.Manager, runner Runner, opts Options) *Watcher {
	return &Watcher{
		store:  st,
		slots:  slotMgr,
		runner: runner,
		opts:   opts.withDefaults(),
		logger: slog.Default().With("component", "watcher"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the scan loop in a goroutine. Calling Start again is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.running.Store(true)
		w.wg.Add(1)
		go w.run(ctx)
	})
}

// Running reports whether the scan loop is active. Used by the health check.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Stop halts scanning and waits for the loop to exit. In-flight pipelines
// are not interrupted. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Assign claims a pending feature and starts its pipeline immediately,
// bypassing the scan loop. It returns false with a nil error when the
// project is at its concurrency cap; the feature stays pending and a later
// scan dispatches it once a slot frees. Assign ignores AutoDispatch: an
// explicit assignment is an operator decision, not an autonomous one.
func (w *Watcher) Assign(ctx context.Context, project *models.Project, feature *models.Feature) (bool, error) {
	if !w.slots.CanStart(project.ID, project.MaxConcurrentRuns) {
		return false, nil
	}
	if err := w.store.ClaimFeature(ctx, feature.ID); err != nil {
		return false, fmt.Errorf("claiming feature: %w", err)
	}
	if err := w.slots.Acquire(project.ID, feature.ID); err != nil {
		return false, fmt.Errorf("acquiring slot: %w", err)
	}

	w.logger.Info("Feature assigned",
		"project_id", project.ID,
		"feature_id", feature.ID,
		"feature", feature.Name)

	w.pipelines.Add(1)
	go w.runPipeline(project, feature)
	return true, nil
}

// Drain blocks until all in-flight pipelines finish or ctx expires. It
// never cancels them: runs still going when the process exits are
// orphan-recovered on the next boot.
func (w *Watcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.pipelines.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	defer w.running.Store(false)

	w.logger.Info("Feature watcher started",
		"scan_interval", w.opts.ScanInterval,
		"auto_dispatch", w.opts.AutoDispatch)

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Feature watcher shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, feature watcher shutting down")
			return
		default:
			w.scan(ctx)
			w.sleep(w.scanInterval())
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Watcher) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// scanInterval returns the scan delay with jitter.
func (w *Watcher) scanInterval() time.Duration {
	base := w.opts.ScanInterval
	jitter := w.opts.ScanJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// scan runs one pass over every active project.
func (w *Watcher) scan(ctx context.Context) {
	projects, err := w.store.ListActiveProjects(ctx)
	if err != nil {
		w.logger.Error("Listing active projects", "error", err)
		return
	}

	for _, project := range projects {
		if project.RepoURL == "" {
			continue
		}
		w.scanProject(ctx, project)
	}
}

// scanProject claims and dispatches ready features until the project's
// concurrency cap is reached.
func (w *Watcher) scanProject(ctx context.Context, project *models.Project) {
	features, err := w.store.ListReadyFeatures(ctx, project.ID)
	if err != nil {
		w.logger.Error("Listing ready features", "project_id", project.ID, "error", err)
		return
	}

	for _, feature := range features {
		if !w.slots.CanStart(project.ID, project.MaxConcurrentRuns) {
			w.logger.Debug("Project at concurrency cap",
				"project_id", project.ID,
				"cap", project.MaxConcurrentRuns)
			return
		}

		if !w.opts.AutoDispatch {
			w.logger.Info("Auto-dispatch disabled, would start pipeline",
				"project_id", project.ID,
				"feature_id", feature.ID,
				"feature", feature.Name)
			continue
		}

		if err := w.dispatch(ctx, project, feature); err != nil {
			w.logger.Error("Dispatching feature",
				"project_id", project.ID,
				"feature_id", feature.ID,
				"error", err)
		}
	}
}

// dispatch claims the feature and spawns its pipeline goroutine. Losing the
// claim race is not an error. A claimed feature that cannot start stays
// claimed: the claim is this orchestrator's ownership mark.
func (w *Watcher) dispatch(ctx context.Context, project *models.Project, feature *models.Feature) error {
	if err := w.store.ClaimFeature(ctx, feature.ID); err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			w.logger.Debug("Feature claimed elsewhere", "feature_id", feature.ID)
			return nil
		}
		return fmt.Errorf("claiming feature: %w", err)
	}

	if err := w.slots.Acquire(project.ID, feature.ID); err != nil {
		return fmt.Errorf("acquiring slot: %w", err)
	}

	w.logger.Info("Feature claimed",
		"project_id", project.ID,
		"feature_id", feature.ID,
		"feature", feature.Name)

	w.pipelines.Add(1)
	go w.runPipeline(project, feature)
	return nil
}

// runPipeline executes one pipeline and releases the slot when it ends,
// including on panic. The run gets a fresh context so stopping the watcher
// never interrupts it.
func (w *Watcher) runPipeline(project *models.Project, feature *models.Feature) {
	defer w.pipelines.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Pipeline panicked",
				"project_id", project.ID,
				"feature_id", feature.ID,
				"panic", r)
		}
		w.slots.Release(project.ID, feature.ID)
	}()

	log := w.logger.With("project_id", project.ID, "feature_id", feature.ID)
	log.Info("Pipeline starting", "feature", feature.Name)

	if err := w.runner.Run(context.Background(), project, feature); err != nil {
		log.Error("Pipeline finished with error", "error", err)
		return
	}
	log.Info("Pipeline finished")
}
