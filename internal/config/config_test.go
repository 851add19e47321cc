package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
job:
  activeDeadlineSeconds: 7200
agent:
  image:
    repository: ghcr.io/okonek/taskfleet-agent
    tag: v1.2.3
  cliImages:
    claude:
      repository: ghcr.io/okonek/claude-agent
      tag: v2
secrets:
  apiKeySecretName: model-key
  apiKeySecretKey: key
storage:
  storageClassName: fast-ssd
  workspaceSize: 20Gi
cleanup:
  enabled: true
  completedJobDelayMinutes: 10
  failedJobDelayMinutes: 120
  deleteConfigMap: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Job.ActiveDeadlineSeconds != 7200 {
		t.Errorf("activeDeadlineSeconds = %d", cfg.Job.ActiveDeadlineSeconds)
	}
	if got := cfg.Agent.ImageFor("claude"); got != "ghcr.io/okonek/claude-agent:v2" {
		t.Errorf("claude image = %q", got)
	}
	if got := cfg.Agent.ImageFor("unknown"); got != "ghcr.io/okonek/taskfleet-agent:v1.2.3" {
		t.Errorf("default image = %q", got)
	}
	if cfg.Storage.StorageClassName != "fast-ssd" || cfg.Storage.WorkspaceSize != "20Gi" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Cleanup.FailedJobDelayMinutes != 120 || cfg.Cleanup.DeleteConfigMap {
		t.Errorf("cleanup = %+v", cfg.Cleanup)
	}
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  image:
    repository: ghcr.io/okonek/custom
    tag: dev
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Job.ActiveDeadlineSeconds != Default().Job.ActiveDeadlineSeconds {
		t.Errorf("job deadline should fall back to default, got %d", cfg.Job.ActiveDeadlineSeconds)
	}
	if got := cfg.Agent.ImageFor("anything"); got != "ghcr.io/okonek/custom:dev" {
		t.Errorf("image = %q", got)
	}
}

func TestLoad_InvalidDeadlineRejected(t *testing.T) {
	path := writeConfig(t, `
job:
  activeDeadlineSeconds: -5
`)
	if _, err := Load(path); err == nil {
		t.Error("negative deadline should fail validation")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file should error")
	}
}

func TestLoadOrDefault_FallsBack(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"), zap.NewNop().Sugar())
	if cfg.Job.ActiveDeadlineSeconds != Default().Job.ActiveDeadlineSeconds {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestResolvePath_EnvOverride(t *testing.T) {
	t.Setenv(PathEnvVar, "/tmp/other.yaml")
	if got := ResolvePath(); got != "/tmp/other.yaml" {
		t.Errorf("ResolvePath() = %q", got)
	}
	t.Setenv(PathEnvVar, "")
	if got := ResolvePath(); got != DefaultPath {
		t.Errorf("ResolvePath() = %q, want default", got)
	}
}

func TestImageConfig_Ref(t *testing.T) {
	if got := (ImageConfig{}).Ref(); got != "" {
		t.Errorf("empty image ref = %q", got)
	}
	if got := (ImageConfig{Repository: "r"}).Ref(); got != "r:latest" {
		t.Errorf("untagged ref = %q", got)
	}
}

func TestStore_GetReturnsSeededConfig(t *testing.T) {
	path := writeConfig(t, `
agent:
  image:
    repository: ghcr.io/okonek/seeded
    tag: v9
`)
	store := NewStore(path, zap.NewNop().Sugar())
	if got := store.Get().Agent.ImageFor("x"); got != "ghcr.io/okonek/seeded:v9" {
		t.Errorf("seeded image = %q", got)
	}
}
