// Package config loads the controller configuration from a mounted file and
// keeps it fresh across ConfigMap rollouts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"
)

const (
	// DefaultPath is where the operator ConfigMap is mounted.
	DefaultPath = "/config/config.yaml"

	// PathEnvVar overrides the mount path, mainly for local runs.
	PathEnvVar = "CONTROLLER_CONFIG_PATH"
)

// ControllerConfig is the operator-wide configuration surface.
type ControllerConfig struct {
	// Job holds batch job settings.
	Job JobConfig `json:"job"`

	// Agent holds agent image settings.
	Agent AgentConfig `json:"agent"`

	// Secrets points at the model API key.
	Secrets SecretsConfig `json:"secrets"`

	// Storage holds workspace PVC settings.
	Storage StorageConfig `json:"storage"`

	// Cleanup controls garbage collection of finished runs.
	Cleanup CleanupConfig `json:"cleanup"`
}

// JobConfig holds batch job settings.
type JobConfig struct {
	// ActiveDeadlineSeconds bounds agent job runtime.
	ActiveDeadlineSeconds int64 `json:"activeDeadlineSeconds"`
}

// ImageConfig identifies a container image.
type ImageConfig struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// Ref renders the image reference, or empty when unset.
func (c ImageConfig) Ref() string {
	if c.Repository == "" {
		return ""
	}
	tag := c.Tag
	if tag == "" {
		tag = "latest"
	}
	return c.Repository + ":" + tag
}

// AgentConfig holds agent image settings.
type AgentConfig struct {
	// Image is the default agent image.
	Image ImageConfig `json:"image"`

	// CLIImages overrides the image per CLI kind.
	CLIImages map[string]ImageConfig `json:"cliImages,omitempty"`
}

// ImageFor resolves the image for a CLI kind, falling back to the default.
func (c AgentConfig) ImageFor(cliKind string) string {
	if img, ok := c.CLIImages[cliKind]; ok && img.Repository != "" {
		return img.Ref()
	}
	return c.Image.Ref()
}

// SecretsConfig points at the model API key.
type SecretsConfig struct {
	APIKeySecretName string `json:"apiKeySecretName"`
	APIKeySecretKey  string `json:"apiKeySecretKey"`
}

// StorageConfig holds workspace PVC settings.
type StorageConfig struct {
	// StorageClassName for workspace PVCs; empty uses the cluster default.
	StorageClassName string `json:"storageClassName,omitempty"`

	// WorkspaceSize is the requested PVC size.
	WorkspaceSize string `json:"workspaceSize,omitempty"`
}

// CleanupConfig controls garbage collection of finished runs.
type CleanupConfig struct {
	Enabled bool `json:"enabled"`

	// CompletedJobDelayMinutes is the grace period before collecting a
	// succeeded run's job.
	CompletedJobDelayMinutes int64 `json:"completedJobDelayMinutes"`

	// FailedJobDelayMinutes is the grace period before collecting a failed
	// run's job.
	FailedJobDelayMinutes int64 `json:"failedJobDelayMinutes"`

	// DeleteConfigMap also removes the owned context ConfigMap on cleanup.
	DeleteConfigMap bool `json:"deleteConfigMap"`
}

// Default returns the configuration used when no file is mounted.
func Default() *ControllerConfig {
	return &ControllerConfig{
		Job: JobConfig{ActiveDeadlineSeconds: 14400},
		Agent: AgentConfig{
			Image: ImageConfig{Repository: "ghcr.io/okonek/taskfleet-agent", Tag: "latest"},
		},
		Secrets: SecretsConfig{
			APIKeySecretName: "model-api-key",
			APIKeySecretKey:  "api-key",
		},
		Storage: StorageConfig{WorkspaceSize: "10Gi"},
		Cleanup: CleanupConfig{
			Enabled:                  true,
			CompletedJobDelayMinutes: 5,
			FailedJobDelayMinutes:    60,
			DeleteConfigMap:          true,
		},
	}
}

// ResolvePath returns the config file path, honoring the env override.
func ResolvePath() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and parses the configuration file at path.
func Load(path string) (*ControllerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the file at path, falling back to defaults when it does
// not exist or fails to parse.
func LoadOrDefault(path string, logger *zap.SugaredLogger) *ControllerConfig {
	cfg, err := Load(path)
	if err != nil {
		logger.Warnw("using default configuration", "path", path, "error", err)
		return Default()
	}
	logger.Infow("loaded configuration", "path", path)
	return cfg
}

func (c *ControllerConfig) validate() error {
	if c.Job.ActiveDeadlineSeconds <= 0 {
		return fmt.Errorf("job.activeDeadlineSeconds must be positive, got %d", c.Job.ActiveDeadlineSeconds)
	}
	if c.Agent.Image.Repository == "" && len(c.Agent.CLIImages) == 0 {
		return fmt.Errorf("agent.image.repository or agent.cliImages must be set")
	}
	return nil
}

// Store holds the live configuration and swaps it on file changes.
type Store struct {
	mu     sync.RWMutex
	cfg    *ControllerConfig
	path   string
	logger *zap.SugaredLogger
}

// NewStore creates a Store seeded from path.
func NewStore(path string, logger *zap.SugaredLogger) *Store {
	return &Store{
		cfg:    LoadOrDefault(path, logger),
		path:   path,
		logger: logger,
	}
}

// NewStaticStore wraps a fixed configuration, for tests and tooling that do
// not watch a file.
func NewStaticStore(cfg *ControllerConfig) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *ControllerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Watch reloads the configuration when the mounted file changes. It blocks
// until stop is closed. Kubelet updates mounted ConfigMaps via symlink swaps,
// which surface as Create/Write events on the directory.
func (s *Store) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(s.path)
			if err != nil {
				s.logger.Warnw("config reload failed, keeping previous", "error", err)
				continue
			}
			s.mu.Lock()
			s.cfg = cfg
			s.mu.Unlock()
			s.logger.Infow("configuration reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnw("config watcher error", "error", err)
		}
	}
}
