// Package agent runs a coding agent inside a session container and
// translates its structured output into session events.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/amonks/workcell/container"
	"github.com/amonks/workcell/internal/state"
	internalstrings "github.com/amonks/workcell/internal/strings"
	"github.com/amonks/workcell/internal/validation"
	"github.com/amonks/workcell/stream"
)

// Mode aliases the session mode type.
type Mode = state.SessionMode

const (
	ModeQuick    = state.SessionModeQuick
	ModeExtended = state.SessionModeExtended
)

const (
	nameLimit         = 80
	outputLimit       = 800
	unknownLimit      = 500
	summaryLimit      = 500
	installErrorLimit = 300
)

// DefaultSystemPrompt is passed to the agent in quick mode.
const DefaultSystemPrompt = "You are working inside a workcell dev container. " +
	"The repository is cloned at /workspace. " +
	"Complete the task thoroughly: read the codebase, make changes, " +
	"install dependencies if needed, run tests if they exist, " +
	"and make sure everything works."

// DefaultPipelineInstall installs the extended pipeline tool when it is missing.
const DefaultPipelineInstall = "cd /opt/cdm 2>/dev/null && npm link 2>/dev/null || " +
	"(git clone --depth 1 https://github.com/MoAdelArar/claude-dev-manager.git /opt/cdm && " +
	"cd /opt/cdm && npm install && npm run build && npm link)"

// Executor runs commands inside a provisioned container.
type Executor interface {
	ExecStream(ctx context.Context, handle container.Handle, cmd []string, workdir string) (<-chan container.Line, error)
	Exec(ctx context.Context, handle container.Handle, cmd []string, workdir string) (container.ExecResult, error)
	Workdir() string
}

// Config holds agent settings.
type Config struct {
	Command         string
	Model           string
	MaxTurns        int
	SystemPrompt    string
	Pipeline        string
	PipelineInstall string
}

// DefaultConfig returns the stock agent settings.
func DefaultConfig() Config {
	return Config{
		Command:         "claude",
		SystemPrompt:    DefaultSystemPrompt,
		Pipeline:        "cdm",
		PipelineInstall: DefaultPipelineInstall,
	}
}

// Event is a session event produced while the agent runs.
type Event struct {
	Kind     state.EventKind
	Content  string
	Metadata map[string]any
}

// Result summarizes an agent run.
type Result struct {
	Success      bool
	Summary      string
	TokensUsed   int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	ExitCode     int
	ToolUses     int
	Mode         Mode
}

// Runner runs agents through an Executor.
type Runner struct {
	exec   Executor
	cfg    Config
	logger *slog.Logger
}

// NewRunner returns a Runner. Empty config fields take their defaults.
func NewRunner(exec Executor, cfg Config, logger *slog.Logger) *Runner {
	defaults := DefaultConfig()
	if cfg.Command == "" {
		cfg.Command = defaults.Command
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaults.SystemPrompt
	}
	if cfg.Pipeline == "" {
		cfg.Pipeline = defaults.Pipeline
	}
	if cfg.PipelineInstall == "" {
		cfg.PipelineInstall = defaults.PipelineInstall
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{exec: exec, cfg: cfg, logger: logger}
}

// Run executes task in the container in the given mode, sending events in
// order on events. Run never closes events. A cancelled ctx stops the run
// and returns ErrInterrupted.
func (r *Runner) Run(ctx context.Context, handle container.Handle, task, sessionID string, mode Mode, events chan<- Event) (Result, error) {
	if mode == "" {
		mode = ModeQuick
	}
	logger := r.logger.With("session", sessionID, "container", handle.Name, "mode", string(mode))
	switch mode {
	case ModeQuick:
		return r.runQuick(ctx, logger, handle, task, events)
	case ModeExtended:
		return r.runExtended(ctx, logger, handle, task, events)
	default:
		return Result{}, validation.FormatInvalidValueError(ErrInvalidMode, mode, state.ValidSessionModes())
	}
}

// QuickCommand returns the quick-mode agent invocation for task.
func (r *Runner) QuickCommand(task string) []string {
	cmd := []string{
		r.cfg.Command, "-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if r.cfg.MaxTurns > 0 {
		cmd = append(cmd, "--max-turns", strconv.Itoa(r.cfg.MaxTurns))
	}
	if r.cfg.Model != "" {
		cmd = append(cmd, "--model", r.cfg.Model)
	}
	cmd = append(cmd, "--system-prompt", r.cfg.SystemPrompt)
	return append(cmd, task)
}

// PipelineCommand returns the extended-mode pipeline invocation for task.
func (r *Runner) PipelineCommand(task string) []string {
	return []string{
		r.cfg.Pipeline, "start",
		"--name", internalstrings.Truncate(task, nameLimit),
		"--description", task,
		"--priority", "high",
		"--mode", "claude-cli",
		"--non-interactive",
	}
}

func (r *Runner) runQuick(ctx context.Context, logger *slog.Logger, handle container.Handle, task string, events chan<- Event) (Result, error) {
	if err := emit(ctx, events, Event{Kind: state.EventKindAgentMessage, Content: "Launching agent (quick mode)..."}); err != nil {
		return Result{Mode: ModeQuick}, interrupted(err)
	}
	return r.streamCommand(ctx, logger, handle, r.QuickCommand(task), ModeQuick, events)
}

func (r *Runner) runExtended(ctx context.Context, logger *slog.Logger, handle container.Handle, task string, events chan<- Event) (Result, error) {
	if err := emit(ctx, events, Event{Kind: state.EventKindAgentMessage, Content: "Launching extended pipeline..."}); err != nil {
		return Result{Mode: ModeExtended}, interrupted(err)
	}

	available, err := r.exec.Exec(ctx, handle, []string{"which", r.cfg.Pipeline}, r.exec.Workdir())
	if err != nil && ctx.Err() != nil {
		return Result{Mode: ModeExtended}, interrupted(ctx.Err())
	}
	if err != nil || available.ExitCode != 0 {
		if err := emit(ctx, events, Event{Kind: state.EventKindAgentMessage, Content: r.cfg.Pipeline + " not found, installing..."}); err != nil {
			return Result{Mode: ModeExtended}, interrupted(err)
		}
		install, err := r.exec.Exec(ctx, handle, []string{"sh", "-c", r.cfg.PipelineInstall}, r.exec.Workdir())
		if err != nil && ctx.Err() != nil {
			return Result{Mode: ModeExtended}, interrupted(ctx.Err())
		}
		if err != nil || install.ExitCode != 0 {
			detail := install.Output
			if err != nil {
				detail = err.Error()
			}
			logger.Warn("pipeline install failed, falling back to quick mode", "exit_code", install.ExitCode)
			fallback := []Event{
				{Kind: state.EventKindError, Content: fmt.Sprintf("%s install failed: %s", r.cfg.Pipeline, internalstrings.Truncate(detail, installErrorLimit))},
				{Kind: state.EventKindAgentMessage, Content: "Falling back to quick mode..."},
			}
			for _, event := range fallback {
				if err := emit(ctx, events, event); err != nil {
					return Result{Mode: ModeQuick}, interrupted(err)
				}
			}
			return r.runQuick(ctx, logger, handle, task, events)
		}
	}

	initResult, err := r.exec.Exec(ctx, handle, []string{r.cfg.Pipeline, "init", "--non-interactive"}, r.exec.Workdir())
	if err != nil && ctx.Err() != nil {
		return Result{Mode: ModeExtended}, interrupted(ctx.Err())
	}
	if err == nil && initResult.ExitCode == 0 {
		if err := emit(ctx, events, Event{Kind: state.EventKindAgentAction, Content: "[" + r.cfg.Pipeline + "] Project initialized"}); err != nil {
			return Result{Mode: ModeExtended}, interrupted(err)
		}
	}

	return r.streamCommand(ctx, logger, handle, r.PipelineCommand(task), ModeExtended, events)
}

func (r *Runner) streamCommand(ctx context.Context, logger *slog.Logger, handle container.Handle, cmd []string, mode Mode, events chan<- Event) (Result, error) {
	agg := aggregator{mode: mode}
	if err := emit(ctx, events, Event{Kind: state.EventKindCommandExec, Content: "$ " + strings.Join(cmd, " ")}); err != nil {
		return agg.stopped(), interrupted(err)
	}

	lines, err := r.exec.ExecStream(ctx, handle, cmd, r.exec.Workdir())
	if err != nil {
		return r.execFailed(ctx, logger, &agg, err, events)
	}

	for {
		if err := ctx.Err(); err != nil {
			go container.Drain(lines)
			return agg.stopped(), interrupted(err)
		}

		var (
			line container.Line
			ok   bool
		)
		select {
		case <-ctx.Done():
			go container.Drain(lines)
			return agg.stopped(), interrupted(ctx.Err())
		case line, ok = <-lines:
		}
		if !ok {
			break
		}

		switch line.Kind {
		case container.LineExit:
			agg.exitCode = line.ExitCode
			return r.finish(ctx, logger, &agg, lines, events)
		case container.LineExecError:
			if ctx.Err() != nil {
				return agg.stopped(), interrupted(ctx.Err())
			}
			return r.execFailed(ctx, logger, &agg, line.Err, events)
		case container.LineOutput:
			msg, ok := stream.Decode(line.Text)
			if !ok {
				continue
			}
			event, ok := agg.observe(msg)
			if !ok {
				continue
			}
			if err := emit(ctx, events, event); err != nil {
				go container.Drain(lines)
				return agg.stopped(), interrupted(err)
			}
		}
	}

	return r.execFailed(ctx, logger, &agg, fmt.Errorf("exec stream closed without exit status"), events)
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, agg *aggregator, lines <-chan container.Line, events chan<- Event) (Result, error) {
	container.Drain(lines)
	result := agg.result()
	status := "completed successfully"
	if !result.Success {
		status = fmt.Sprintf("exited with code %d", result.ExitCode)
	}
	logger.Info("agent finished", "exit_code", result.ExitCode, "tool_uses", result.ToolUses, "tokens", result.TokensUsed)
	if err := emit(ctx, events, Event{Kind: state.EventKindAgentMessage, Content: fmt.Sprintf("Agent %s. Tool calls: %d", status, result.ToolUses)}); err != nil {
		return result, interrupted(err)
	}
	return result, nil
}

func (r *Runner) execFailed(ctx context.Context, logger *slog.Logger, agg *aggregator, execErr error, events chan<- Event) (Result, error) {
	result := agg.result()
	result.Success = false
	result.ExitCode = -1
	result.Summary = "Execution error: " + execErr.Error()
	logger.Error("agent exec failed", "error", execErr)
	if err := emit(ctx, events, Event{Kind: state.EventKindError, Content: result.Summary}); err != nil {
		return result, interrupted(err)
	}
	return result, nil
}

func emit(ctx context.Context, events chan<- Event, event Event) error {
	if events == nil {
		return ctx.Err()
	}
	select {
	case events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}
