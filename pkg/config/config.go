// Package config loads the control-plane configuration: defaults, an
// optional forgeline.yaml overlay, and environment overrides, in that
// order.
package config

import (
	"fmt"
	"time"
)

// WorkerMode selects how pipeline workers execute.
type WorkerMode string

const (
	// WorkerModeLocal runs workers as child processes of the control plane.
	WorkerModeLocal WorkerMode = "local"
	// WorkerModeRemote launches workers as container tasks on a runner host.
	WorkerModeRemote WorkerMode = "remote"
)

// Config is the complete control-plane configuration.
type Config struct {
	Server    *ServerConfig    `yaml:"server"`
	Dispatch  *DispatchConfig  `yaml:"dispatch"`
	Worker    *WorkerConfig    `yaml:"worker"`
	Session   *SessionConfig   `yaml:"session"`
	GitHub    *GitHubConfig    `yaml:"github"`
	Tracker   *TrackerConfig   `yaml:"tracker"`
	Slack     *SlackConfig     `yaml:"slack"`
	Retention *RetentionConfig `yaml:"retention"`
}

// ServerConfig groups HTTP surface settings.
type ServerConfig struct {
	// HTTPAddr is the listen address of the API server.
	HTTPAddr string `yaml:"http_addr"`

	// DashboardURL is the base URL of the web UI, used in notification links.
	DashboardURL string `yaml:"dashboard_url"`

	// AllowedWSOrigins lists extra origin patterns accepted for WebSocket
	// upgrades, on top of the dashboard origin.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DispatchConfig controls the feature watcher and pipeline engine.
type DispatchConfig struct {
	// AutoDispatch enables autonomous pipeline launches. When off, the
	// watcher keeps scanning and logging but never starts a pipeline.
	AutoDispatch bool `yaml:"auto_dispatch"`

	// WatchInterval is the base delay between watcher scans.
	WatchInterval time.Duration `yaml:"watch_interval"`

	// WatchIntervalJitter is the random jitter added to WatchInterval.
	// Actual interval: WatchInterval ± WatchIntervalJitter.
	WatchIntervalJitter time.Duration `yaml:"watch_interval_jitter"`

	// MaxStepRetries is how many extra attempts a failed pipeline stage
	// gets before the pipeline fails.
	MaxStepRetries int `yaml:"max_step_retries"`

	// MaxReviewCycles bounds the reviewer/coder revision loop. When the
	// reviewer still requests changes after this many cycles, the pipeline
	// proceeds to the tester anyway.
	MaxReviewCycles int `yaml:"max_review_cycles"`
}

// WorkerConfig controls how pipeline workers are launched and monitored.
type WorkerConfig struct {
	// Mode selects the execution variant: local process or remote container.
	Mode WorkerMode `yaml:"mode"`

	// Entrypoint is the worker entrypoint script path (local mode).
	Entrypoint string `yaml:"entrypoint"`

	// WorkRoot is where local workers get their workspace directories.
	WorkRoot string `yaml:"work_root"`

	// RunnerAddr is the gRPC address of the runner host (remote mode).
	RunnerAddr string `yaml:"runner_addr"`

	// Image is the default container image for remote workers.
	Image string `yaml:"image"`

	// PollInterval is how often the monitor polls a worker's status.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StatusUpdateInterval is the minimum delay between unchanged-status
	// writes to the store.
	StatusUpdateInterval time.Duration `yaml:"status_update_interval"`

	// RunTimeout is the maximum wall-clock time for one worker run.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// SessionConfig controls interactive work sessions.
type SessionConfig struct {
	// CLI is the code-generation CLI binary work sessions launch, resolved
	// via PATH when not absolute.
	CLI string `yaml:"cli"`

	// WorkspaceRoot is where per-project session workspaces live.
	WorkspaceRoot string `yaml:"workspace_root"`

	// InactivityTimeout ends a session that received no user input.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// GitHubConfig holds git credential settings for workers.
type GitHubConfig struct {
	// TokenEnv names the environment variable holding a personal access
	// token. Used when App credentials are not configured.
	TokenEnv string `yaml:"token_env"`

	// AppID, InstallationID and PrivateKeyPath configure GitHub App
	// installation-token minting. All three must be set together.
	AppID          string `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// AppConfigured reports whether GitHub App credentials are fully set.
func (c *GitHubConfig) AppConfigured() bool {
	return c.AppID != "" && c.InstallationID > 0 && c.PrivateKeyPath != ""
}

// TrackerConfig holds issue-tracker sync settings.
type TrackerConfig struct {
	// APIKeyEnv names the environment variable holding the tracker API key.
	// Sync is disabled when the variable is empty.
	APIKeyEnv string `yaml:"api_key_env"`

	// Endpoint overrides the tracker GraphQL endpoint, for tests.
	Endpoint string `yaml:"endpoint"`
}

// SlackConfig holds pipeline notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// RunRetentionDays is how many days terminal agent runs are kept
	// before being purged along with their messages.
	RunRetentionDays int `yaml:"run_retention_days"`

	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns the built-in configuration. Every field carries a usable
// value so a missing forgeline.yaml still yields a runnable local setup.
func Default() *Config {
	return &Config{
		Server: &ServerConfig{
			HTTPAddr:     ":8080",
			DashboardURL: "http://localhost:5173",
		},
		Dispatch: &DispatchConfig{
			AutoDispatch:        true,
			WatchInterval:       30 * time.Second,
			WatchIntervalJitter: 5 * time.Second,
			MaxStepRetries:      1,
			MaxReviewCycles:     1,
		},
		Worker: &WorkerConfig{
			Mode:                 WorkerModeLocal,
			Entrypoint:           "./build/worker/entrypoint.sh",
			WorkRoot:             "/tmp/forgeline/pipelines",
			RunnerAddr:           "localhost:50061",
			Image:                "ghcr.io/forgeline/worker:latest",
			PollInterval:         10 * time.Second,
			StatusUpdateInterval: 5 * time.Second,
			RunTimeout:           30 * time.Minute,
		},
		Session: &SessionConfig{
			CLI:               "claude",
			WorkspaceRoot:     "/tmp/forgeline/sessions",
			InactivityTimeout: 30 * time.Minute,
		},
		GitHub: &GitHubConfig{
			TokenEnv: "GITHUB_TOKEN",
		},
		Tracker: &TrackerConfig{
			APIKeyEnv: "LINEAR_API_KEY",
		},
		Slack: &SlackConfig{
			TokenEnv: "SLACK_BOT_TOKEN",
		},
		Retention: &RetentionConfig{
			RunRetentionDays: 30,
			CleanupInterval:  6 * time.Hour,
		},
	}
}

// validate rejects configurations that cannot run.
func validate(cfg *Config) error {
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch cfg.Worker.Mode {
	case WorkerModeLocal:
		if cfg.Worker.Entrypoint == "" {
			return fmt.Errorf("worker.entrypoint is required in local mode")
		}
	case WorkerModeRemote:
		if cfg.Worker.RunnerAddr == "" {
			return fmt.Errorf("worker.runner_addr is required in remote mode")
		}
	default:
		return fmt.Errorf("worker.mode must be %q or %q, got %q",
			WorkerModeLocal, WorkerModeRemote, cfg.Worker.Mode)
	}

	if cfg.Dispatch.WatchInterval <= 0 {
		return fmt.Errorf("dispatch.watch_interval must be positive")
	}
	if cfg.Dispatch.MaxStepRetries < 0 {
		return fmt.Errorf("dispatch.max_step_retries cannot be negative")
	}
	if cfg.Dispatch.MaxReviewCycles < 0 {
		return fmt.Errorf("dispatch.max_review_cycles cannot be negative")
	}
	if cfg.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if cfg.Worker.RunTimeout <= 0 {
		return fmt.Errorf("worker.run_timeout must be positive")
	}
	if cfg.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("session.inactivity_timeout must be positive")
	}
	if cfg.Slack.Enabled && cfg.Slack.Channel == "" {
		return fmt.Errorf("slack.channel is required when slack is enabled")
	}
	return nil
}
