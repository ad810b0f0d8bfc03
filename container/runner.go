package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Runner is the interface over Docker CLI operations.
type Runner interface {
	// Preflight checks that the Docker daemon is reachable.
	Preflight(ctx context.Context) error

	// Run starts a detached container and returns its ID.
	Run(ctx context.Context, opts RunOptions) (string, error)

	// Exec runs cmd inside a running container, writing combined output to
	// output, and returns the exit code. A non-zero exit is not an error.
	// Returns ErrContainerNotFound if the container is not running.
	Exec(ctx context.Context, container string, cmd []string, workdir string, output io.Writer) (int, error)

	// Stop stops a container, waiting up to timeout before killing it.
	Stop(ctx context.Context, container string, timeout time.Duration) error

	// Remove force-removes a container.
	Remove(ctx context.Context, container string) error

	// List returns containers carrying the label key.
	List(ctx context.Context, label string) ([]Info, error)

	// EnsureNetwork creates the named bridge network if it does not exist.
	EnsureNetwork(ctx context.Context, name string) error
}

// RunOptions configures a detached docker run invocation.
type RunOptions struct {
	Image   string
	Name    string
	Cmd     []string
	Env     map[string]string
	Labels  map[string]string
	Workdir string
	Network string
	Memory  string
	CPUs    string
}

// Info describes a listed container.
type Info struct {
	ID     string
	Name   string
	Labels map[string]string
}

// DockerRunner implements Runner using the Docker CLI via os/exec.
type DockerRunner struct {
	// Binary is the docker executable. Defaults to "docker".
	Binary string
}

func (d *DockerRunner) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// Preflight runs docker info.
func (d *DockerRunner) Preflight(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, d.binary(), "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
	}
	return nil
}

func runCmdArgs(opts RunOptions) []string {
	args := []string{"run", "-d"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, key := range sortedKeys(opts.Labels) {
		args = append(args, "--label", key+"="+opts.Labels[key])
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.Memory != "" {
		args = append(args, "--memory", opts.Memory)
	}
	if opts.CPUs != "" {
		args = append(args, "--cpus", opts.CPUs)
	}
	for _, key := range sortedKeys(opts.Env) {
		args = append(args, "-e", key+"="+opts.Env[key])
	}
	if opts.Workdir != "" {
		args = append(args, "-w", opts.Workdir)
	}
	args = append(args, opts.Image)
	args = append(args, opts.Cmd...)
	return args
}

func execCmdArgs(container string, cmd []string, workdir string) []string {
	args := []string{"exec"}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	args = append(args, container)
	return append(args, cmd...)
}

func listCmdArgs(label string) []string {
	return []string{"ps", "-a", "--filter", "label=" + label, "--format", "{{.ID}}\t{{.Names}}\t{{.Labels}}"}
}

// Run starts a detached container and returns the ID docker prints.
func (d *DockerRunner) Run(ctx context.Context, opts RunOptions) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary(), runCmdArgs(opts)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", d.wrapErr(err, ErrProvisionFailed, stderr.String())
	}
	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return "", fmt.Errorf("%w: docker run printed no container id", ErrProvisionFailed)
	}
	return id, nil
}

// Exec verifies the container is running, then runs cmd with stdout and
// stderr both written to output.
func (d *DockerRunner) Exec(ctx context.Context, container string, cmd []string, workdir string, output io.Writer) (int, error) {
	inspect := exec.CommandContext(ctx, d.binary(), "inspect", "--format", "{{.State.Running}}", container)
	out, err := inspect.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return -1, fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, ctxErr
		}
		return -1, fmt.Errorf("%s: %w", container, ErrContainerNotFound)
	}
	if strings.TrimSpace(string(out)) != "true" {
		return -1, fmt.Errorf("%s: %w", container, ErrContainerNotFound)
	}

	c := exec.CommandContext(ctx, d.binary(), execCmdArgs(container, cmd, workdir)...)
	c.Stdout = output
	c.Stderr = output

	err = c.Run()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("docker exec: %w", err)
}

// Stop runs docker stop with the given timeout.
func (d *DockerRunner) Stop(ctx context.Context, container string, timeout time.Duration) error {
	seconds := strconv.Itoa(int(timeout.Seconds()))
	return d.simple(ctx, "docker stop", "stop", "-t", seconds, container)
}

// Remove runs docker rm -f.
func (d *DockerRunner) Remove(ctx context.Context, container string) error {
	return d.simple(ctx, "docker rm", "rm", "-f", container)
}

// List runs docker ps filtered by label.
func (d *DockerRunner) List(ctx context.Context, label string) ([]Info, error) {
	cmd := exec.CommandContext(ctx, d.binary(), listCmdArgs(label)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, d.wrapErr(err, errors.New("docker ps"), stderr.String())
	}
	return parseList(stdout.String()), nil
}

// EnsureNetwork inspects the network and creates a bridge network when missing.
func (d *DockerRunner) EnsureNetwork(ctx context.Context, name string) error {
	inspect := exec.CommandContext(ctx, d.binary(), "network", "inspect", name)
	inspect.Stdout = io.Discard
	inspect.Stderr = io.Discard
	err := inspect.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
	}
	return d.simple(ctx, "docker network create", "network", "create", "--driver", "bridge", name)
}

func (d *DockerRunner) simple(ctx context.Context, op string, args ...string) error {
	cmd := exec.CommandContext(ctx, d.binary(), args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return d.wrapErr(err, errors.New(op), stderr.String())
	}
	return nil
}

func (d *DockerRunner) wrapErr(err error, base error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
	}
	stderr = strings.TrimSpace(stderr)
	if strings.Contains(stderr, "No such container") {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, stderr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: exit code %d: %s", base, exitErr.ExitCode(), stderr)
	}
	return fmt.Errorf("%w: %w", base, err)
}

func parseList(output string) []Info {
	var infos []Info
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		info := Info{ID: fields[0], Labels: map[string]string{}}
		if len(fields) > 1 {
			info.Name = fields[1]
		}
		if len(fields) > 2 {
			info.Labels = parseLabels(fields[2])
		}
		infos = append(infos, info)
	}
	return infos
}

func parseLabels(raw string) map[string]string {
	labels := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		labels[key] = value
	}
	return labels
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
