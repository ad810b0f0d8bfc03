// Package container manages the lifecycle of session dev containers.
package container

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	internalstrings "github.com/amonks/workcell/internal/strings"
)

const (
	maxLineSize    = 4 * 1024 * 1024
	cleanupTimeout = 30 * time.Second
)

// Config holds container settings.
type Config struct {
	ImagePrefix  string
	Network      string
	Memory       string
	CPUs         string
	Workdir      string
	StopTimeout  time.Duration
	GitUserName  string
	GitUserEmail string
}

// DefaultConfig returns the stock container settings.
func DefaultConfig() Config {
	return Config{
		ImagePrefix:  "workcell-dev",
		Network:      "workcell-network",
		Memory:       "2g",
		CPUs:         "2",
		Workdir:      "/workspace",
		StopTimeout:  10 * time.Second,
		GitUserName:  "workcell",
		GitUserEmail: "agent@workcell.dev",
	}
}

// Options configures a Manager.
type Options struct {
	Runner Runner
	Config Config
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager provisions, drives, and tears down session containers.
type Manager struct {
	runner Runner
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Manager.
func New(opts Options) *Manager {
	if opts.Runner == nil {
		opts.Runner = &DockerRunner{}
	}
	defaults := DefaultConfig()
	if opts.Config.ImagePrefix == "" {
		opts.Config.ImagePrefix = defaults.ImagePrefix
	}
	if opts.Config.Workdir == "" {
		opts.Config.Workdir = defaults.Workdir
	}
	if opts.Config.StopTimeout <= 0 {
		opts.Config.StopTimeout = defaults.StopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		runner: opts.Runner,
		cfg:    opts.Config,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// Preflight checks that docker is reachable.
func (m *Manager) Preflight(ctx context.Context) error {
	return m.runner.Preflight(ctx)
}

// Workdir returns the in-container repository directory.
func (m *Manager) Workdir() string {
	return m.cfg.Workdir
}

// ProvisionRequest describes the container a session needs.
type ProvisionRequest struct {
	SessionID  string
	CloneURL   string
	Branch     string
	CloneToken string
	AgentToken string
	Language   string
}

// Handle identifies a provisioned container.
type Handle struct {
	ContainerID string
	Name        string
	Image       string
	SessionID   string
}

// ExecResult is the outcome of a blocking exec.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Provision starts a container for the session and clones the repository
// into it. On any failure from docker run onward, the container is
// destroyed and no handle is returned.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (Handle, error) {
	if req.SessionID == "" {
		return Handle{}, fmt.Errorf("%w: session id is required", ErrProvisionFailed)
	}
	if req.CloneURL == "" {
		return Handle{}, fmt.Errorf("%w: clone url is required", ErrProvisionFailed)
	}

	if m.cfg.Network != "" {
		if err := m.runner.EnsureNetwork(ctx, m.cfg.Network); err != nil {
			return Handle{}, fmt.Errorf("ensure network %s: %w", m.cfg.Network, err)
		}
	}

	cloneURL, err := AuthenticatedURL(req.CloneURL, req.CloneToken)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}

	image := ImageFor(m.cfg.ImagePrefix, req.Language)
	name := ContainerName(req.SessionID)
	id, err := m.runner.Run(ctx, RunOptions{
		Image: image,
		Name:  name,
		Cmd:   []string{"sleep", "infinity"},
		Env:   m.environment(req, cloneURL),
		Labels: map[string]string{
			LabelSessionID: req.SessionID,
			LabelCreatedAt: m.now().UTC().Format(time.RFC3339),
		},
		Workdir: m.cfg.Workdir,
		Network: m.cfg.Network,
		Memory:  m.cfg.Memory,
		CPUs:    m.cfg.CPUs,
	})
	if err != nil {
		// docker run -d can create the container and then fail to start it.
		return Handle{}, m.discard(ctx, name, err)
	}

	handle := Handle{ContainerID: id, Name: name, Image: image, SessionID: req.SessionID}
	m.logger.Info("container started", "session", req.SessionID, "container", name, "image", image)

	if err := m.prepare(ctx, handle, req, cloneURL); err != nil {
		return Handle{}, m.discard(ctx, handle.ContainerID, err)
	}
	return handle, nil
}

// discard destroys a partially provisioned container and returns cause,
// joined with any teardown failure.
func (m *Manager) discard(ctx context.Context, container string, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if result := m.Destroy(cleanupCtx, container); result.Err != nil {
		return errors.Join(cause, result.Err)
	}
	return cause
}

func (m *Manager) environment(req ProvisionRequest, cloneURL string) map[string]string {
	env := map[string]string{
		"SESSION_ID":    req.SessionID,
		"REPO_URL":      cloneURL,
		"WORKSPACE_DIR": m.cfg.Workdir,
		"CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC": "1",
	}
	if req.Branch != "" {
		env["BRANCH"] = req.Branch
	}
	if req.CloneToken != "" {
		env["GITHUB_TOKEN"] = req.CloneToken
	}
	if req.AgentToken != "" {
		env["ANTHROPIC_API_KEY"] = req.AgentToken
	}
	return env
}

func (m *Manager) prepare(ctx context.Context, handle Handle, req ProvisionRequest, cloneURL string) error {
	clone := []string{"git", "clone"}
	if req.Branch != "" {
		clone = append(clone, "--branch", req.Branch, "--single-branch")
	}
	clone = append(clone, "--depth", "1", cloneURL, m.cfg.Workdir)

	res, err := m.Exec(ctx, handle, clone, "/")
	if err != nil {
		return fmt.Errorf("clone repository: %w", err)
	}
	if res.ExitCode != 0 {
		return &CommandError{Err: ErrCloneFailed, ExitCode: res.ExitCode, Output: redact(res.Output, req.CloneToken)}
	}

	identity := [][]string{
		{"git", "config", "user.email", m.cfg.GitUserEmail},
		{"git", "config", "user.name", m.cfg.GitUserName},
	}
	for _, cmd := range identity {
		if cmd[3] == "" {
			continue
		}
		res, err := m.Exec(ctx, handle, cmd, m.cfg.Workdir)
		if err != nil {
			return fmt.Errorf("configure git identity: %w", err)
		}
		if res.ExitCode != 0 {
			return &CommandError{Err: ErrGitConfigFailed, ExitCode: res.ExitCode, Output: res.Output}
		}
	}
	return nil
}

// ExecStream runs cmd in the container and streams its combined output line
// by line. The returned channel carries LineOutput items followed by exactly
// one LineExit or LineExecError, then closes. Consumers must read until the
// channel closes; Drain discards the remainder.
func (m *Manager) ExecStream(ctx context.Context, handle Handle, cmd []string, workdir string) (<-chan Line, error) {
	if handle.ContainerID == "" {
		return nil, fmt.Errorf("exec: %w", ErrContainerNotFound)
	}
	if len(cmd) == 0 {
		return nil, errors.New("exec: command is required")
	}

	queue := newLineQueue()
	out := make(chan Line)
	pr, pw := io.Pipe()

	var (
		exitCode int
		execErr  error
	)
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		exitCode, execErr = m.runner.Exec(ctx, handle.ContainerID, cmd, workdir, pw)
		_ = pw.Close()
	}()

	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			queue.push(Line{Kind: LineOutput, Text: internalstrings.TrimTrailingCarriageReturn(scanner.Text())})
		}
		scanErr := scanner.Err()
		if scanErr != nil {
			_, _ = io.Copy(io.Discard, pr)
		}
		_ = pr.Close()
		<-produced

		switch {
		case execErr != nil:
			queue.push(Line{Kind: LineExecError, Err: execErr})
		case scanErr != nil:
			queue.push(Line{Kind: LineExecError, Err: fmt.Errorf("read exec output: %w", scanErr)})
		default:
			queue.push(Line{Kind: LineExit, ExitCode: exitCode})
		}
		queue.close()
	}()

	go queue.forward(out)
	return out, nil
}

// Exec runs cmd in the container and waits for it. The error is non-nil only
// when the exec itself failed; a non-zero exit is reported in the result.
func (m *Manager) Exec(ctx context.Context, handle Handle, cmd []string, workdir string) (ExecResult, error) {
	if handle.ContainerID == "" {
		return ExecResult{ExitCode: -1}, fmt.Errorf("exec: %w", ErrContainerNotFound)
	}
	var output bytes.Buffer
	code, err := m.runner.Exec(ctx, handle.ContainerID, cmd, workdir, &output)
	if err != nil {
		return ExecResult{ExitCode: -1, Output: output.String()}, err
	}
	return ExecResult{ExitCode: code, Output: output.String()}, nil
}

// PushResult is the outcome of CommitAndPush.
type PushResult struct {
	SHA             string
	FilesChanged    int
	NothingToCommit bool
}

// CommitAndPush stages everything in the workspace, commits it with message,
// and pushes it to branch. A clean tree yields NothingToCommit without error.
func (m *Manager) CommitAndPush(ctx context.Context, handle Handle, message, branch string) (PushResult, error) {
	workdir := m.cfg.Workdir

	if err := m.mustRun(ctx, handle, ErrStageFailed, []string{"git", "add", "-A"}); err != nil {
		return PushResult{}, err
	}

	stat, err := m.Exec(ctx, handle, []string{"git", "diff", "--cached", "--stat"}, workdir)
	if err != nil {
		return PushResult{}, fmt.Errorf("git diff: %w", err)
	}
	filesChanged := countChangedFiles(stat.Output)

	commit, err := m.Exec(ctx, handle, []string{"git", "commit", "-m", message}, workdir)
	if err != nil {
		return PushResult{}, fmt.Errorf("git commit: %w", err)
	}
	if commit.ExitCode != 0 {
		if strings.Contains(commit.Output, "nothing to commit") {
			m.logger.Info("nothing to commit", "session", handle.SessionID, "container", handle.Name)
			return PushResult{NothingToCommit: true}, nil
		}
		return PushResult{}, &CommandError{Err: ErrCommitFailed, ExitCode: commit.ExitCode, Output: commit.Output}
	}

	push := []string{"git", "push", "origin"}
	if branch != "" {
		push = append(push, branch)
	}
	if err := m.mustRun(ctx, handle, ErrPushFailed, push); err != nil {
		return PushResult{}, err
	}

	head, err := m.Exec(ctx, handle, []string{"git", "rev-parse", "HEAD"}, workdir)
	if err != nil {
		return PushResult{}, fmt.Errorf("git rev-parse: %w", err)
	}
	if head.ExitCode != 0 {
		return PushResult{}, &CommandError{Err: ErrRevParseFailed, ExitCode: head.ExitCode, Output: head.Output}
	}

	result := PushResult{SHA: strings.TrimSpace(head.Output), FilesChanged: filesChanged}
	m.logger.Info("pushed changes", "session", handle.SessionID, "container", handle.Name, "sha", result.SHA, "files", filesChanged)
	return result, nil
}

func (m *Manager) mustRun(ctx context.Context, handle Handle, base error, cmd []string) error {
	res, err := m.Exec(ctx, handle, cmd, m.cfg.Workdir)
	if err != nil {
		return fmt.Errorf("%w: %w", base, err)
	}
	if res.ExitCode != 0 {
		return &CommandError{Err: base, ExitCode: res.ExitCode, Output: res.Output}
	}
	return nil
}

func countChangedFiles(stat string) int {
	count := 0
	for _, line := range strings.Split(stat, "\n") {
		if strings.Contains(line, "|") {
			count++
		}
	}
	return count
}

// TeardownOutcome classifies a Destroy call.
type TeardownOutcome string

const (
	TeardownDestroyed TeardownOutcome = "destroyed"
	TeardownAbsent    TeardownOutcome = "absent"
	TeardownFailed    TeardownOutcome = "failed"
)

// TeardownResult reports what Destroy did. Err is set only for TeardownFailed.
type TeardownResult struct {
	ContainerID string
	Outcome     TeardownOutcome
	Err         error
}

// Destroy stops and force-removes a container. Destroying a container that
// does not exist reports TeardownAbsent.
func (m *Manager) Destroy(ctx context.Context, containerID string) TeardownResult {
	result := TeardownResult{ContainerID: containerID}
	if containerID == "" {
		result.Outcome = TeardownAbsent
		return result
	}

	stopErr := m.runner.Stop(ctx, containerID, m.cfg.StopTimeout)
	if errors.Is(stopErr, ErrContainerNotFound) {
		m.logger.Warn("container already gone", "container", containerID)
		result.Outcome = TeardownAbsent
		return result
	}
	if stopErr != nil {
		m.logger.Warn("container stop failed, forcing removal", "container", containerID, "error", stopErr)
	}

	removeErr := m.runner.Remove(ctx, containerID)
	switch {
	case removeErr == nil, errors.Is(removeErr, ErrContainerNotFound):
		result.Outcome = TeardownDestroyed
		m.logger.Info("container destroyed", "container", containerID)
	default:
		result.Outcome = TeardownFailed
		result.Err = errors.Join(stopErr, removeErr)
		m.logger.Error("container teardown failed", "container", containerID, "error", result.Err)
	}
	return result
}

// SweepFailure records a container that could not be torn down.
type SweepFailure struct {
	ContainerID string
	Err         error
}

// SweepResult summarizes a SweepExpired pass.
type SweepResult struct {
	Scanned   int
	Destroyed int
	Failures  []SweepFailure
}

// SweepExpired destroys session containers older than maxLifetime. Teardown
// failures are collected in the result; the error is non-nil only when the
// containers cannot be listed.
func (m *Manager) SweepExpired(ctx context.Context, maxLifetime time.Duration) (SweepResult, error) {
	infos, err := m.runner.List(ctx, LabelSessionID)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list session containers: %w", err)
	}

	var result SweepResult
	now := m.now()
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		raw, ok := info.Labels[LabelCreatedAt]
		if !ok {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			m.logger.Warn("unparseable container timestamp", "container", info.ID, "value", raw)
			continue
		}
		if now.Sub(createdAt) <= maxLifetime {
			continue
		}

		m.logger.Info("destroying expired container", "container", info.ID, "session", info.Labels[LabelSessionID], "age", now.Sub(createdAt).Round(time.Second))
		teardown := m.Destroy(ctx, info.ID)
		switch teardown.Outcome {
		case TeardownDestroyed:
			result.Destroyed++
		case TeardownFailed:
			result.Failures = append(result.Failures, SweepFailure{ContainerID: info.ID, Err: teardown.Err})
		}
	}
	return result, nil
}
