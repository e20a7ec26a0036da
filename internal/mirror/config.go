package mirror

import (
	"errors"
	"strings"
	"time"

	"github.com/icetrack-labs/icetrack-go/internal/platform/env"
)

type Config struct {
	APIBase string
	Token   string
	Owner   string
	Repo    string

	// CollectionPath is the mirror file holding the full run collection.
	CollectionPath string
	// RunPathPrefix is the directory for per-run entries.
	RunPathPrefix string

	PushTimeout       time.Duration
	ConflictRetries   int
	QueueDepth        int
	ReconcileInterval time.Duration
}

// ConfigFromEnv reads the mirror settings. The env names for token,
// owner and repo are the ones the legacy dashboard used. An empty token
// disables synchronization.
func ConfigFromEnv() (Config, error) {
	pushTimeout, err := env.Duration("MIRROR_PUSH_TIMEOUT", 8*time.Second)
	if err != nil {
		return Config{}, err
	}
	conflictRetries, err := env.Int("MIRROR_CONFLICT_RETRIES", 2)
	if err != nil {
		return Config{}, err
	}
	queueDepth, err := env.Int("MIRROR_QUEUE_DEPTH", 64)
	if err != nil {
		return Config{}, err
	}
	reconcileInterval, err := env.Duration("MIRROR_RECONCILE_INTERVAL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIBase:           env.String("MIRROR_API_BASE", "https://api.github.com"),
		Token:             env.String("GITHUB_TOKEN", ""),
		Owner:             env.String("REPO_OWNER", ""),
		Repo:              env.String("REPO_NAME", ""),
		CollectionPath:    env.String("MIRROR_FILE_PATH", "events.json"),
		RunPathPrefix:     env.String("MIRROR_RUN_PATH_PREFIX", "runs"),
		PushTimeout:       pushTimeout,
		ConflictRetries:   conflictRetries,
		QueueDepth:        queueDepth,
		ReconcileInterval: reconcileInterval,
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Token) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIBase) == "" {
		return errors.New("MIRROR_API_BASE is required")
	}
	if strings.TrimSpace(c.Owner) == "" {
		return errors.New("REPO_OWNER is required")
	}
	if strings.TrimSpace(c.Repo) == "" {
		return errors.New("REPO_NAME is required")
	}
	if strings.TrimSpace(c.CollectionPath) == "" {
		return errors.New("MIRROR_FILE_PATH is required")
	}
	if c.PushTimeout <= 0 {
		return errors.New("MIRROR_PUSH_TIMEOUT must be positive")
	}
	if c.ConflictRetries < 0 {
		return errors.New("MIRROR_CONFLICT_RETRIES must be >= 0")
	}
	if c.QueueDepth < 1 {
		return errors.New("MIRROR_QUEUE_DEPTH must be >= 1")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("MIRROR_RECONCILE_INTERVAL must be positive")
	}
	return nil
}
