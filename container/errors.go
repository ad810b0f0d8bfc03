package container

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDockerUnavailable is returned when the docker CLI or daemon cannot be reached.
	ErrDockerUnavailable = errors.New("docker is not available")

	// ErrContainerNotFound is returned when the target container does not exist or is not running.
	ErrContainerNotFound = errors.New("container not found")

	// ErrProvisionFailed is returned when a container cannot be started.
	ErrProvisionFailed = errors.New("container provisioning failed")

	// ErrCloneFailed is returned when the repository clone exits non-zero.
	ErrCloneFailed = errors.New("repository clone failed")

	// ErrGitConfigFailed is returned when the commit identity cannot be set.
	ErrGitConfigFailed = errors.New("git config failed")

	// ErrStageFailed is returned when git add exits non-zero.
	ErrStageFailed = errors.New("git add failed")

	// ErrCommitFailed is returned when git commit fails for a reason other than a clean tree.
	ErrCommitFailed = errors.New("git commit failed")

	// ErrPushFailed is returned when git push exits non-zero.
	ErrPushFailed = errors.New("git push failed")

	// ErrRevParseFailed is returned when the pushed commit cannot be resolved.
	ErrRevParseFailed = errors.New("git rev-parse failed")
)

// CommandError reports a command that ran inside a container and exited non-zero.
type CommandError struct {
	Err      error
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	output := strings.TrimSpace(e.Output)
	if output == "" {
		return fmt.Sprintf("%v: exit code %d", e.Err, e.ExitCode)
	}
	return fmt.Sprintf("%v: exit code %d: %s", e.Err, e.ExitCode, output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
