package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amonks/workcell/internal/config"
	"github.com/amonks/workcell/internal/testsupport"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func writeGlobal(t *testing.T, home, content string) {
	t.Helper()
	writeFile(t, filepath.Join(home, ".config", "workcell", "config.toml"), content)
}

func TestLoad_NotFound(t *testing.T) {
	testsupport.SetupTestHome(t)
	tmpDir := t.TempDir()

	cfg, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Driver != config.DriverFile {
		t.Errorf("expected file driver, got %q", cfg.Store.Driver)
	}
	if cfg.Container.ImagePrefix != "workcell-dev" || cfg.Container.Network != "workcell-network" {
		t.Errorf("unexpected container defaults: %+v", cfg.Container)
	}
	if cfg.Container.MaxLifetime.Duration != 2*time.Hour {
		t.Errorf("expected 2h max lifetime, got %s", cfg.Container.MaxLifetime)
	}
	if cfg.Agent.APIKeyEnv != "ANTHROPIC_API_KEY" || cfg.Agent.Command != "claude" {
		t.Errorf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Billing.RatePerMinute != 0.01 || cfg.Git.CommitPrefix != "[workcell]" {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Billing, cfg.Git)
	}
	if cfg.Session.MaxDuration.Duration != 0 || cfg.Session.DefaultMode != "quick" {
		t.Errorf("unexpected session defaults: %+v", cfg.Session)
	}
}

func TestLoad_Full(t *testing.T) {
	testsupport.SetupTestHome(t)
	tmpDir := t.TempDir()

	writeFile(t, filepath.Join(tmpDir, "workcell.toml"), `
[server]
addr = ":9000"
shutdown-timeout = "5s"

[store]
driver = "sqlite"
path = "/var/lib/workcell/workcell.db"

[container]
memory = "4g"
cpus = "4"
max-lifetime = "90m"
sweep-interval = "1m"

[agent]
model = "sonnet"
max-turns = 25

[billing]
rate-per-minute = 0.02

[git]
user-name = "robot"

[session]
max-duration = "45m"
default-mode = "extended"
user = "alice"

[[repositories]]
id = "widgets"
owner = "alice"
clone-url = "https://github.com/alice/widgets.git"
default-branch = "trunk"
language = "go"

[[users]]
id = "alice"
github-token-env = "ALICE_GITHUB_TOKEN"
`)

	cfg, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Addr != ":9000" || cfg.Server.ShutdownTimeout.Duration != 5*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/var/lib/workcell/workcell.db" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Container.Memory != "4g" || cfg.Container.MaxLifetime.Duration != 90*time.Minute || cfg.Container.SweepInterval.Duration != time.Minute {
		t.Errorf("unexpected container config: %+v", cfg.Container)
	}
	if cfg.Container.Network != "workcell-network" {
		t.Errorf("expected default network kept, got %q", cfg.Container.Network)
	}
	if cfg.Agent.Model != "sonnet" || cfg.Agent.MaxTurns != 25 {
		t.Errorf("unexpected agent config: %+v", cfg.Agent)
	}
	if cfg.Session.MaxDuration.Duration != 45*time.Minute || cfg.Session.DefaultMode != "extended" || cfg.Session.User != "alice" {
		t.Errorf("unexpected session config: %+v", cfg.Session)
	}
	if len(cfg.Repositories) != 1 || cfg.Repositories[0].DefaultBranch != "trunk" {
		t.Errorf("unexpected repositories: %+v", cfg.Repositories)
	}

	containerCfg := cfg.ContainerConfig()
	if containerCfg.GitUserName != "robot" || containerCfg.GitUserEmail != "agent@workcell.dev" || containerCfg.CPUs != "4" {
		t.Errorf("unexpected container manager config: %+v", containerCfg)
	}
	if agentCfg := cfg.AgentConfig(); agentCfg.Model != "sonnet" || agentCfg.Command != "claude" {
		t.Errorf("unexpected agent runner config: %+v", agentCfg)
	}
	opts := cfg.CatalogOptions()
	if len(opts.Repositories) != 1 || opts.Repositories[0].Owner != "alice" || opts.Users[0].GitHubTokenEnv != "ALICE_GITHUB_TOKEN" {
		t.Errorf("unexpected catalog options: %+v", opts)
	}
	if opts.AgentKeyEnv != "ANTHROPIC_API_KEY" {
		t.Errorf("expected default agent key env, got %q", opts.AgentKeyEnv)
	}
}

func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	home := testsupport.SetupTestHome(t)
	tmpDir := t.TempDir()

	writeGlobal(t, home, `
[container]
memory = "8g"
network = "global-net"

[session]
user = "bob"

[[repositories]]
id = "global-repo"
clone-url = "https://example.com/global.git"
`)
	writeFile(t, filepath.Join(tmpDir, "workcell.toml"), `
[container]
memory = "1g"

[[repositories]]
id = "project-repo"
clone-url = "https://example.com/project.git"
`)

	cfg, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Container.Memory != "1g" {
		t.Errorf("expected project memory, got %q", cfg.Container.Memory)
	}
	if cfg.Container.Network != "global-net" {
		t.Errorf("expected global network, got %q", cfg.Container.Network)
	}
	if cfg.Session.User != "bob" {
		t.Errorf("expected global user, got %q", cfg.Session.User)
	}
	if len(cfg.Repositories) != 1 || cfg.Repositories[0].ID != "project-repo" {
		t.Errorf("expected project repositories to replace global, got %+v", cfg.Repositories)
	}
}

func TestLoad_ProjectEmptyValueOverridesGlobal(t *testing.T) {
	home := testsupport.SetupTestHome(t)
	tmpDir := t.TempDir()

	writeGlobal(t, home, `
[agent]
model = "opus"
`)
	writeFile(t, filepath.Join(tmpDir, "workcell.toml"), `
[agent]
model = ""
`)

	cfg, err := config.Load(tmpDir)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Agent.Model != "" {
		t.Errorf("expected project to clear model, got %q", cfg.Agent.Model)
	}
}

func TestLoad_GlobalOnly(t *testing.T) {
	home := testsupport.SetupTestHome(t)

	writeGlobal(t, home, `
[billing]
rate-per-minute = 0.05
`)

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Billing.RatePerMinute != 0.05 {
		t.Errorf("expected global rate, got %v", cfg.Billing.RatePerMinute)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	testsupport.SetupTestHome(t)
	tmpDir := t.TempDir()

	writeFile(t, filepath.Join(tmpDir, "workcell.toml"), `
[store
driver = "file"
`)

	if _, err := config.Load(tmpDir); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	testsupport.SetupTestHome(t)
	tmpDir := t.TempDir()

	writeFile(t, filepath.Join(tmpDir, "workcell.toml"), `
[session]
max-duration = "forever"
`)

	_, err := config.Load(tmpDir)
	if err == nil || !strings.Contains(err.Error(), "forever") {
		t.Fatalf("expected duration parse error, got %v", err)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	testsupport.SetupTestHome(t)
	tmpDir := t.TempDir()

	writeFile(t, filepath.Join(tmpDir, "workcell.toml"), `
[container]
gpu = true
`)

	_, err := config.Load(tmpDir)
	if err == nil || !strings.Contains(err.Error(), "container.gpu") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	testsupport.SetupTestHome(t)
	tmpDir := t.TempDir()

	writeFile(t, filepath.Join(tmpDir, "workcell.toml"), `
[store]
driver = "postgres"

[session]
default-mode = "turbo"

[[repositories]]
id = "widgets"

[[repositories]]
id = "gadgets"
clone-url = "https://example.com/gadgets.git"

[[repositories]]
id = "gadgets"
clone-url = "https://example.com/gadgets.git"

[[users]]
github-token-env = "TOKEN"
`)

	_, err := config.Load(tmpDir)
	for _, want := range []error{config.ErrInvalidDriver, config.ErrInvalidMode, config.ErrInvalidRepository, config.ErrDuplicateRepository, config.ErrInvalidUser} {
		if !errors.Is(err, want) {
			t.Errorf("expected %v in %v", want, err)
		}
	}
	if err != nil && !strings.Contains(err.Error(), `"postgres" (valid: file, sqlite)`) {
		t.Errorf("expected valid drivers listed, got %q", err)
	}
}

func TestDurationMarshalText(t *testing.T) {
	text, err := config.Duration{Duration: 90 * time.Second}.MarshalText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(text) != "1m30s" {
		t.Fatalf("expected 1m30s, got %s", text)
	}

	var d config.Duration
	if err := d.UnmarshalText([]byte("-1s")); err == nil {
		t.Fatalf("expected negative duration to be rejected")
	}
}
