package container

import (
	"context"
	"io"
	"slices"
	"sync"
	"testing"
	"time"
)

// mockRunner is a test double for Runner.
type mockRunner struct {
	mu sync.Mutex

	preflightFn     func(ctx context.Context) error
	runFn           func(ctx context.Context, opts RunOptions) (string, error)
	execFn          func(ctx context.Context, container string, cmd []string, workdir string, output io.Writer) (int, error)
	stopFn          func(ctx context.Context, container string, timeout time.Duration) error
	removeFn        func(ctx context.Context, container string) error
	listFn          func(ctx context.Context, label string) ([]Info, error)
	ensureNetworkFn func(ctx context.Context, name string) error

	runs    []RunOptions
	execs   [][]string
	stops   []string
	removes []string
}

func (m *mockRunner) Preflight(ctx context.Context) error {
	if m.preflightFn != nil {
		return m.preflightFn(ctx)
	}
	return nil
}

func (m *mockRunner) Run(ctx context.Context, opts RunOptions) (string, error) {
	m.mu.Lock()
	m.runs = append(m.runs, opts)
	m.mu.Unlock()
	if m.runFn != nil {
		return m.runFn(ctx, opts)
	}
	return "c0ffee", nil
}

func (m *mockRunner) Exec(ctx context.Context, container string, cmd []string, workdir string, output io.Writer) (int, error) {
	m.mu.Lock()
	m.execs = append(m.execs, slices.Clone(cmd))
	m.mu.Unlock()
	if m.execFn != nil {
		return m.execFn(ctx, container, cmd, workdir, output)
	}
	return 0, nil
}

func (m *mockRunner) Stop(ctx context.Context, container string, timeout time.Duration) error {
	m.mu.Lock()
	m.stops = append(m.stops, container)
	m.mu.Unlock()
	if m.stopFn != nil {
		return m.stopFn(ctx, container, timeout)
	}
	return nil
}

func (m *mockRunner) Remove(ctx context.Context, container string) error {
	m.mu.Lock()
	m.removes = append(m.removes, container)
	m.mu.Unlock()
	if m.removeFn != nil {
		return m.removeFn(ctx, container)
	}
	return nil
}

func (m *mockRunner) List(ctx context.Context, label string) ([]Info, error) {
	if m.listFn != nil {
		return m.listFn(ctx, label)
	}
	return nil, nil
}

func (m *mockRunner) EnsureNetwork(ctx context.Context, name string) error {
	if m.ensureNetworkFn != nil {
		return m.ensureNetworkFn(ctx, name)
	}
	return nil
}

func (m *mockRunner) execCommands() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.execs)
}

// Compile-time interface assertions.
var _ Runner = (*DockerRunner)(nil)
var _ Runner = (*mockRunner)(nil)

func TestRunCmdArgs(t *testing.T) {
	args := runCmdArgs(RunOptions{
		Image:   "workcell-dev-go:latest",
		Name:    "workcell-abc",
		Cmd:     []string{"sleep", "infinity"},
		Env:     map[string]string{"B": "2", "A": "1"},
		Labels:  map[string]string{LabelSessionID: "abc"},
		Workdir: "/workspace",
		Network: "workcell-network",
		Memory:  "2g",
		CPUs:    "2",
	})
	want := []string{
		"run", "-d",
		"--name", "workcell-abc",
		"--label", "workcell.session_id=abc",
		"--network", "workcell-network",
		"--memory", "2g",
		"--cpus", "2",
		"-e", "A=1",
		"-e", "B=2",
		"-w", "/workspace",
		"workcell-dev-go:latest",
		"sleep", "infinity",
	}
	if !slices.Equal(args, want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
}

func TestRunCmdArgs_Minimal(t *testing.T) {
	args := runCmdArgs(RunOptions{Image: "img"})
	want := []string{"run", "-d", "img"}
	if !slices.Equal(args, want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
}

func TestExecCmdArgs(t *testing.T) {
	args := execCmdArgs("c1", []string{"git", "status"}, "/workspace")
	want := []string{"exec", "-w", "/workspace", "c1", "git", "status"}
	if !slices.Equal(args, want) {
		t.Fatalf("expected %v, got %v", want, args)
	}

	args = execCmdArgs("c1", []string{"true"}, "")
	want = []string{"exec", "c1", "true"}
	if !slices.Equal(args, want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
}

func TestListCmdArgs(t *testing.T) {
	args := listCmdArgs(LabelSessionID)
	if !slices.Contains(args, "label="+LabelSessionID) {
		t.Fatalf("expected label filter in %v", args)
	}
	if args[0] != "ps" || args[1] != "-a" {
		t.Fatalf("expected docker ps -a, got %v", args)
	}
}

func TestParseList(t *testing.T) {
	output := "abc123\tworkcell-one\tworkcell.session_id=one,workcell.created_at=2026-03-14T09:00:00Z\n" +
		"\n" +
		"def456\tworkcell-two\t\n"

	infos := parseList(output)
	if len(infos) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(infos))
	}
	if infos[0].ID != "abc123" || infos[0].Name != "workcell-one" {
		t.Fatalf("unexpected first container: %+v", infos[0])
	}
	if got := infos[0].Labels[LabelCreatedAt]; got != "2026-03-14T09:00:00Z" {
		t.Fatalf("expected created_at label, got %q", got)
	}
	if got := infos[0].Labels[LabelSessionID]; got != "one" {
		t.Fatalf("expected session label, got %q", got)
	}
	if len(infos[1].Labels) != 0 {
		t.Fatalf("expected no labels, got %v", infos[1].Labels)
	}
}
