package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amonks/workcell/agent"
	"github.com/amonks/workcell/container"
	"github.com/amonks/workcell/internal/state"
	internalstrings "github.com/amonks/workcell/internal/strings"
)

const (
	commitTaskLimit = 80
	shortSHALength  = 8
)

// Drive runs a pending session to a terminal status and finalizes it.
// Stage failures are recorded on the session rather than returned; the
// error reports store failures and panics.
func (s *Service) Drive(ctx context.Context, id string) (result Session, err error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status.IsTerminal() {
		return s.Finalize(ctx, id, container.Handle{})
	}
	if sess.Status != StatusPending {
		return sess, fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, sess.Status)
	}

	if s.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.maxDuration)
		defer cancel()
	}

	var handle container.Handle
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if r := recover(); r != nil {
			s.logger.Error("session driver panicked", "session", id, "panic", r)
			err = fmt.Errorf("%w: %v", ErrDriverPanic, r)
			s.fail(cleanup, id, fmt.Sprintf("internal error: %v", r))
		} else {
			s.settle(ctx, id)
		}

		final, finalizeErr := s.Finalize(cleanup, id, handle)
		if finalizeErr != nil {
			err = errors.Join(err, finalizeErr)
			return
		}
		result = final
	}()

	return Session{}, s.drive(ctx, sess, &handle)
}

func (s *Service) drive(ctx context.Context, sess Session, handle *container.Handle) error {
	id := sess.ID
	logger := s.logger.With("session", id)

	if ok, err := s.advance(ctx, id, StatusProvisioning, "Provisioning container...", func(sess *Session, now time.Time) {
		sess.StartedAt = now
	}); !ok {
		return err
	}

	creds, err := s.creds.Credentials(ctx, sess.UserID)
	if err != nil {
		return s.stageFailed(ctx, id, fmt.Errorf("%w: %w", ErrAgentCredentialMissing, err))
	}
	provisioned, err := s.containers.Provision(ctx, container.ProvisionRequest{
		SessionID:  id,
		CloneURL:   sess.CloneURL,
		Branch:     sess.Branch,
		CloneToken: creds.CloneToken,
		AgentToken: creds.AgentToken,
		Language:   sess.Language,
	})
	if err != nil {
		return s.stageFailed(ctx, id, err)
	}
	*handle = provisioned
	logger.Info("container provisioned", "container", provisioned.ContainerID, "image", provisioned.Image)

	if ok, err := s.advance(ctx, id, StatusRunning, fmt.Sprintf("Container %s started (mode: %s)", provisioned.Name, sess.Mode), func(sess *Session, _ time.Time) {
		sess.ContainerID = provisioned.ContainerID
		sess.ContainerImage = provisioned.Image
	}); !ok {
		return err
	}

	if ok, err := s.advance(ctx, id, StatusAgentWorking, "Agent started", nil); !ok {
		return err
	}

	outcome, err := s.runAgent(ctx, provisioned, sess)
	if err != nil {
		return s.stageFailed(ctx, id, err)
	}
	logger.Info("agent finished", "success", outcome.Success, "exit_code", outcome.ExitCode, "tokens", outcome.TokensUsed)

	usage := func(sess *Session, _ time.Time) {
		sess.TokensUsed = outcome.TokensUsed
		sess.CostUSD = outcome.CostUSD
	}
	if !outcome.Success {
		_, err := s.transition(ctx, id, StatusFailed, "Agent failed: "+outcome.Summary, func(sess *Session, now time.Time) {
			usage(sess, now)
			sess.ErrorMessage = outcome.Summary
		})
		return s.stopped(ctx, err)
	}

	if ok, err := s.advance(ctx, id, StatusPushing, "Pushing changes...", usage); !ok {
		return err
	}

	message := fmt.Sprintf("%s %s", s.commitPrefix, internalstrings.Truncate(sess.Task, commitTaskLimit))
	pushed, err := s.containers.CommitAndPush(ctx, provisioned, message, sess.Branch)
	if err != nil {
		return s.stageFailed(ctx, id, err)
	}

	if pushed.NothingToCommit {
		s.record(ctx, id, state.EventKindGitOperation, "Nothing to commit", nil)
		_, err := s.advance(ctx, id, StatusCompleted, "Session completed", nil)
		return err
	}

	s.record(ctx, id, state.EventKindGitOperation,
		fmt.Sprintf("Pushed %s to %s (%d files changed)", internalstrings.Truncate(pushed.SHA, shortSHALength), sess.Branch, pushed.FilesChanged),
		map[string]any{
			"sha":           pushed.SHA,
			"branch":        sess.Branch,
			"files_changed": pushed.FilesChanged,
		})
	_, err = s.advance(ctx, id, StatusCompleted, "Session completed", func(sess *Session, _ time.Time) {
		files := pushed.FilesChanged
		sess.CommitSHA = pushed.SHA
		sess.CommitMessage = message
		sess.FilesChanged = &files
	})
	return err
}

// runAgent runs the agent while a recorder persists and publishes its
// events. It returns once every emitted event is recorded.
func (s *Service) runAgent(ctx context.Context, handle container.Handle, sess Session) (agent.Result, error) {
	events := make(chan agent.Event)
	recorded := make(chan struct{})
	go s.recordAgent(ctx, sess.ID, events, recorded)
	defer func() {
		close(events)
		<-recorded
	}()
	return s.agent.Run(ctx, handle, sess.Task, sess.ID, sess.Mode, events)
}

// transition moves id to status, applying mutate in the same store update,
// and records a status_change event.
func (s *Service) transition(ctx context.Context, id string, to Status, content string, mutate func(*Session, time.Time)) (Session, error) {
	now := s.now().UTC()
	var from Status
	sess, err := s.store.UpdateSession(ctx, id, func(sess *Session) error {
		if sess.Status.IsTerminal() {
			return terminalError(id, sess.Status)
		}
		if !CanTransition(sess.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, to)
		}
		from = sess.Status
		if mutate != nil {
			mutate(sess, now)
		}
		enter(sess, to, now)
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.recordStatus(ctx, id, from, to, content)
	s.logger.Info("session status changed", "session", id, "from", from, "status", to)
	return sess, nil
}

// advance is transition for the driver. It reports false when the pipeline
// must stop, returning an error only if the stop was not caused by a
// terminal session or a done context.
func (s *Service) advance(ctx context.Context, id string, to Status, content string, mutate func(*Session, time.Time)) (bool, error) {
	_, err := s.transition(ctx, id, to, content, mutate)
	if err != nil {
		return false, s.stopped(ctx, err)
	}
	return true, nil
}

func (s *Service) stopped(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrSessionTerminal) || ctx.Err() != nil {
		return nil
	}
	return err
}

// stageFailed records a stage error and fails the session. Errors caused by
// a done context are left to settle.
func (s *Service) stageFailed(ctx context.Context, id string, stageErr error) error {
	if ctx.Err() != nil {
		return nil
	}
	s.logger.Warn("session stage failed", "session", id, "error", stageErr)
	s.record(ctx, id, state.EventKindError, stageErr.Error(), nil)
	return s.stopped(ctx, s.fail(ctx, id, stageErr.Error()))
}

func (s *Service) fail(ctx context.Context, id, message string) error {
	_, err := s.transition(ctx, id, StatusFailed, "Session failed: "+message, func(sess *Session, _ time.Time) {
		sess.ErrorMessage = message
	})
	return err
}

// settle resolves a session whose driver context ended before the session
// did: a deadline is a timeout, anything else an interruption.
func (s *Service) settle(ctx context.Context, id string) {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		return
	}
	cleanup := context.WithoutCancel(ctx)

	var err error
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		message := "Session exceeded maximum duration"
		if s.maxDuration > 0 {
			message = fmt.Sprintf("%s of %s", message, s.maxDuration)
		}
		_, err = s.transition(cleanup, id, StatusTimedOut, message, func(sess *Session, _ time.Time) {
			sess.ErrorMessage = message
		})
	} else {
		err = s.fail(cleanup, id, "Session interrupted")
	}
	if err != nil && !errors.Is(err, ErrSessionTerminal) {
		s.logger.Error("settle interrupted session", "session", id, "error", err)
	}
}
