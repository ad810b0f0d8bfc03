// Package config handles loading workcell.toml configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/amonks/workcell/agent"
	"github.com/amonks/workcell/container"
	"github.com/amonks/workcell/internal/catalog"
	"github.com/amonks/workcell/internal/paths"
	"github.com/amonks/workcell/internal/state"
	"github.com/amonks/workcell/internal/validation"
)

// ProjectFile is the per-directory config file name.
const ProjectFile = "workcell.toml"

// Store drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

var (
	// ErrInvalidDriver indicates an unknown store driver.
	ErrInvalidDriver = errors.New("invalid store driver")
	// ErrInvalidMode indicates an unknown default session mode.
	ErrInvalidMode = errors.New("invalid default mode")
	// ErrInvalidRepository indicates a repository entry missing its id or clone url.
	ErrInvalidRepository = errors.New("invalid repository")
	// ErrDuplicateRepository indicates two repository entries share an id.
	ErrDuplicateRepository = errors.New("duplicate repository")
	// ErrInvalidUser indicates a user entry missing its id.
	ErrInvalidUser = errors.New("invalid user")
)

// Config represents the workcell.toml configuration file.
type Config struct {
	Server       Server       `toml:"server"`
	Store        Store        `toml:"store"`
	Container    Container    `toml:"container"`
	Agent        Agent        `toml:"agent"`
	Billing      Billing      `toml:"billing"`
	Git          Git          `toml:"git"`
	Session      Session      `toml:"session"`
	Repositories []Repository `toml:"repositories"`
	Users        []User       `toml:"users"`
}

// Server configures the HTTP server.
type Server struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown-timeout"`
}

// Store selects and locates the persistence backend.
type Store struct {
	// Driver is "file" or "sqlite".
	Driver string `toml:"driver"`
	// Dir holds the file backend's state file. Defaults to the state dir.
	Dir string `toml:"dir"`
	// Path is the SQLite database. Defaults to workcell.db in the state dir.
	Path string `toml:"path"`
}

// Container configures session containers.
type Container struct {
	Binary        string   `toml:"binary"`
	ImagePrefix   string   `toml:"image-prefix"`
	Network       string   `toml:"network"`
	Memory        string   `toml:"memory"`
	CPUs          string   `toml:"cpus"`
	Workdir       string   `toml:"workdir"`
	StopTimeout   Duration `toml:"stop-timeout"`
	MaxLifetime   Duration `toml:"max-lifetime"`
	SweepInterval Duration `toml:"sweep-interval"`
}

// Agent configures the coding agent.
type Agent struct {
	Command         string `toml:"command"`
	Model           string `toml:"model"`
	MaxTurns        int    `toml:"max-turns"`
	SystemPrompt    string `toml:"system-prompt"`
	Pipeline        string `toml:"pipeline"`
	PipelineInstall string `toml:"pipeline-install"`
	// APIKeyEnv names the environment variable holding the agent API key.
	APIKeyEnv string `toml:"api-key-env"`
}

// Billing configures session charges.
type Billing struct {
	RatePerMinute float64 `toml:"rate-per-minute"`
}

// Git configures the commits sessions push.
type Git struct {
	UserName     string `toml:"user-name"`
	UserEmail    string `toml:"user-email"`
	CommitPrefix string `toml:"commit-prefix"`
}

// Session configures session defaults.
type Session struct {
	// MaxDuration bounds a session; zero disables the limit.
	MaxDuration Duration `toml:"max-duration"`
	DefaultMode string   `toml:"default-mode"`
	// User is the CLI's default user.
	User string `toml:"user"`
}

// Repository is a repository sessions may run against.
type Repository struct {
	ID            string `toml:"id"`
	Owner         string `toml:"owner"`
	CloneURL      string `toml:"clone-url"`
	DefaultBranch string `toml:"default-branch"`
	Language      string `toml:"language"`
}

// User names the environment variables holding a user's tokens.
type User struct {
	ID             string `toml:"id"`
	GitHubTokenEnv string `toml:"github-token-env"`
	AgentKeyEnv    string `toml:"agent-key-env"`
}

// Duration is a time.Duration written as a string such as "90s" or "2h".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("parse duration %q: must not be negative", text)
	}
	d.Duration = parsed
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	containerCfg := container.DefaultConfig()
	agentCfg := agent.DefaultConfig()
	return &Config{
		Server: Server{
			Addr:            "127.0.0.1:7420",
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Store: Store{Driver: DriverFile},
		Container: Container{
			Binary:        "docker",
			ImagePrefix:   containerCfg.ImagePrefix,
			Network:       containerCfg.Network,
			Memory:        containerCfg.Memory,
			CPUs:          containerCfg.CPUs,
			Workdir:       containerCfg.Workdir,
			StopTimeout:   Duration{containerCfg.StopTimeout},
			MaxLifetime:   Duration{2 * time.Hour},
			SweepInterval: Duration{10 * time.Minute},
		},
		Agent: Agent{
			Command:         agentCfg.Command,
			SystemPrompt:    agentCfg.SystemPrompt,
			Pipeline:        agentCfg.Pipeline,
			PipelineInstall: agentCfg.PipelineInstall,
			APIKeyEnv:       catalog.DefaultAgentKeyEnv,
		},
		Billing: Billing{RatePerMinute: 0.01},
		Git: Git{
			UserName:     containerCfg.GitUserName,
			UserEmail:    containerCfg.GitUserEmail,
			CommitPrefix: "[workcell]",
		},
		Session: Session{DefaultMode: string(state.SessionModeQuick)},
	}
}

// Load reads the global config file and the project file in dir, layered
// over Default. Values the project file defines win over the global file.
func Load(dir string) (*Config, error) {
	configDir, err := paths.DefaultConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFiles(filepath.Join(configDir, "config.toml"), filepath.Join(dir, ProjectFile))
}

// LoadFiles layers the given files over Default. Missing files are skipped.
func LoadFiles(files ...string) (*Config, error) {
	cfg := Default()
	for _, path := range files {
		layer, meta, err := loadConfigFile(path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		merge(cfg, layer, meta)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(path string) (*Config, toml.MetaData, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, toml.MetaData{}, nil
	}
	if err != nil {
		return nil, toml.MetaData{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, toml.MetaData{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, toml.MetaData{}, fmt.Errorf("parse config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	return &cfg, meta, nil
}

func set[T any](meta toml.MetaData, dst *T, src T, keys ...string) {
	if meta.IsDefined(keys...) {
		*dst = src
	}
}

func setString(meta toml.MetaData, dst *string, src string, keys ...string) {
	if meta.IsDefined(keys...) {
		*dst = strings.TrimSpace(src)
	}
}

func merge(dst, src *Config, meta toml.MetaData) {
	setString(meta, &dst.Server.Addr, src.Server.Addr, "server", "addr")
	set(meta, &dst.Server.ShutdownTimeout, src.Server.ShutdownTimeout, "server", "shutdown-timeout")

	setString(meta, &dst.Store.Driver, src.Store.Driver, "store", "driver")
	setString(meta, &dst.Store.Dir, src.Store.Dir, "store", "dir")
	setString(meta, &dst.Store.Path, src.Store.Path, "store", "path")

	setString(meta, &dst.Container.Binary, src.Container.Binary, "container", "binary")
	setString(meta, &dst.Container.ImagePrefix, src.Container.ImagePrefix, "container", "image-prefix")
	setString(meta, &dst.Container.Network, src.Container.Network, "container", "network")
	setString(meta, &dst.Container.Memory, src.Container.Memory, "container", "memory")
	setString(meta, &dst.Container.CPUs, src.Container.CPUs, "container", "cpus")
	setString(meta, &dst.Container.Workdir, src.Container.Workdir, "container", "workdir")
	set(meta, &dst.Container.StopTimeout, src.Container.StopTimeout, "container", "stop-timeout")
	set(meta, &dst.Container.MaxLifetime, src.Container.MaxLifetime, "container", "max-lifetime")
	set(meta, &dst.Container.SweepInterval, src.Container.SweepInterval, "container", "sweep-interval")

	setString(meta, &dst.Agent.Command, src.Agent.Command, "agent", "command")
	setString(meta, &dst.Agent.Model, src.Agent.Model, "agent", "model")
	set(meta, &dst.Agent.MaxTurns, src.Agent.MaxTurns, "agent", "max-turns")
	setString(meta, &dst.Agent.SystemPrompt, src.Agent.SystemPrompt, "agent", "system-prompt")
	setString(meta, &dst.Agent.Pipeline, src.Agent.Pipeline, "agent", "pipeline")
	setString(meta, &dst.Agent.PipelineInstall, src.Agent.PipelineInstall, "agent", "pipeline-install")
	setString(meta, &dst.Agent.APIKeyEnv, src.Agent.APIKeyEnv, "agent", "api-key-env")

	set(meta, &dst.Billing.RatePerMinute, src.Billing.RatePerMinute, "billing", "rate-per-minute")

	setString(meta, &dst.Git.UserName, src.Git.UserName, "git", "user-name")
	setString(meta, &dst.Git.UserEmail, src.Git.UserEmail, "git", "user-email")
	setString(meta, &dst.Git.CommitPrefix, src.Git.CommitPrefix, "git", "commit-prefix")

	set(meta, &dst.Session.MaxDuration, src.Session.MaxDuration, "session", "max-duration")
	setString(meta, &dst.Session.DefaultMode, src.Session.DefaultMode, "session", "default-mode")
	setString(meta, &dst.Session.User, src.Session.User, "session", "user")

	if meta.IsDefined("repositories") {
		dst.Repositories = append([]Repository(nil), src.Repositories...)
	}
	if meta.IsDefined("users") {
		dst.Users = append([]User(nil), src.Users...)
	}
}

// Validate reports every invalid value in cfg.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Driver != DriverFile && c.Store.Driver != DriverSQLite {
		errs = append(errs, validation.FormatInvalidValueError(ErrInvalidDriver, c.Store.Driver, []string{DriverFile, DriverSQLite}))
	}
	if mode := state.SessionMode(c.Session.DefaultMode); !mode.IsValid() {
		errs = append(errs, validation.FormatInvalidValueError(ErrInvalidMode, mode, state.ValidSessionModes()))
	}
	seen := make(map[string]bool, len(c.Repositories))
	for i, repo := range c.Repositories {
		switch {
		case repo.ID == "":
			errs = append(errs, fmt.Errorf("%w: repositories[%d] has no id", ErrInvalidRepository, i))
		case repo.CloneURL == "":
			errs = append(errs, fmt.Errorf("%w: %s has no clone-url", ErrInvalidRepository, repo.ID))
		case seen[repo.ID]:
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateRepository, repo.ID))
		}
		seen[repo.ID] = true
	}
	for i, user := range c.Users {
		if user.ID == "" {
			errs = append(errs, fmt.Errorf("%w: users[%d] has no id", ErrInvalidUser, i))
		}
	}
	return errors.Join(errs...)
}

// ContainerConfig returns the container manager settings.
func (c *Config) ContainerConfig() container.Config {
	return container.Config{
		ImagePrefix:  c.Container.ImagePrefix,
		Network:      c.Container.Network,
		Memory:       c.Container.Memory,
		CPUs:         c.Container.CPUs,
		Workdir:      c.Container.Workdir,
		StopTimeout:  c.Container.StopTimeout.Duration,
		GitUserName:  c.Git.UserName,
		GitUserEmail: c.Git.UserEmail,
	}
}

// AgentConfig returns the agent runner settings.
func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		Command:         c.Agent.Command,
		Model:           c.Agent.Model,
		MaxTurns:        c.Agent.MaxTurns,
		SystemPrompt:    c.Agent.SystemPrompt,
		Pipeline:        c.Agent.Pipeline,
		PipelineInstall: c.Agent.PipelineInstall,
	}
}

// CatalogOptions returns the repositories and users as catalog options.
func (c *Config) CatalogOptions() catalog.Options {
	opts := catalog.Options{AgentKeyEnv: c.Agent.APIKeyEnv}
	for _, repo := range c.Repositories {
		opts.Repositories = append(opts.Repositories, catalog.Repository{
			ID:            repo.ID,
			Owner:         repo.Owner,
			CloneURL:      repo.CloneURL,
			DefaultBranch: repo.DefaultBranch,
			Language:      repo.Language,
		})
	}
	for _, user := range c.Users {
		opts.Users = append(opts.Users, catalog.User{
			ID:             user.ID,
			GitHubTokenEnv: user.GitHubTokenEnv,
			AgentKeyEnv:    user.AgentKeyEnv,
		})
	}
	return opts
}
