// Package session drives dev-container sessions through their lifecycle.
//
// A session is created pending, then driven through provisioning, agent
// execution, and pushing until it reaches a terminal status. Every session
// is finalized exactly once: its container is destroyed, its duration is
// billed, and its live event feed is closed.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amonks/workcell/admission"
	"github.com/amonks/workcell/agent"
	"github.com/amonks/workcell/billing"
	"github.com/amonks/workcell/broadcast"
	"github.com/amonks/workcell/container"
	"github.com/amonks/workcell/internal/catalog"
	"github.com/amonks/workcell/internal/state"
	"github.com/amonks/workcell/internal/validation"
)

// DefaultCommitPrefix starts every commit message a session pushes.
const DefaultCommitPrefix = "[workcell]"

// Store persists sessions, events, and billing state.
type Store interface {
	CreateSession(ctx context.Context, sess Session, first state.EventInput, admit state.Admit) (Session, Event, error)
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	ListSessions(ctx context.Context, filter ListFilter) ([]Session, error)
	AppendEvent(ctx context.Context, in state.EventInput) (Event, error)
	EventsAfter(ctx context.Context, sessionID string, after int64) ([]Event, error)
	FinalizeSession(ctx context.Context, id string, fn state.Finalizer) (Session, bool, error)
	Subscription(ctx context.Context, userID string, now time.Time) (state.Subscription, error)
	SetTier(ctx context.Context, userID string, tier state.Tier, now time.Time) error
	Charges(ctx context.Context, userID string) ([]state.BillingRecord, error)
	Close() error
}

// Containers provisions and tears down session containers.
type Containers interface {
	Provision(ctx context.Context, req container.ProvisionRequest) (container.Handle, error)
	CommitAndPush(ctx context.Context, handle container.Handle, message, branch string) (container.PushResult, error)
	Destroy(ctx context.Context, containerID string) container.TeardownResult
	SweepExpired(ctx context.Context, maxLifetime time.Duration) (container.SweepResult, error)
}

// AgentRunner runs the coding agent inside a provisioned container.
type AgentRunner interface {
	Run(ctx context.Context, handle container.Handle, task, sessionID string, mode Mode, events chan<- agent.Event) (agent.Result, error)
}

// RepositoryProvider resolves repositories a user owns.
type RepositoryProvider interface {
	Repository(ctx context.Context, userID, repoID string) (catalog.Repository, error)
}

// CredentialProvider resolves a user's tokens.
type CredentialProvider interface {
	Credentials(ctx context.Context, userID string) (catalog.Credentials, error)
}

// Options configures a Service.
type Options struct {
	Store        Store
	Containers   Containers
	Agent        AgentRunner
	Repositories RepositoryProvider
	Credentials  CredentialProvider
	// Broadcaster defaults to one replaying from Store.
	Broadcaster *broadcast.Broadcaster
	Logger      *slog.Logger
	Now         func() time.Time
	// NewID defaults to random UUIDs.
	NewID func() string
	// RatePerMinute defaults to billing.DefaultRatePerMinute.
	RatePerMinute float64
	// MaxDuration bounds a single Drive. Zero disables the watchdog.
	MaxDuration time.Duration
	// MaxLifetime is the container age Sweep destroys.
	MaxLifetime  time.Duration
	CommitPrefix string
}

// CreateRequest describes a new session.
type CreateRequest struct {
	UserID       string
	RepositoryID string
	Task         string
	// Branch defaults to the repository's default branch.
	Branch string
	// Mode defaults to ModeQuick.
	Mode Mode
}

// Usage reports a user's plan, period usage, and charges.
type Usage struct {
	Subscription state.Subscription
	Limits       admission.Limits
	Active       int
	Charges      []state.BillingRecord
}

// Service coordinates the store, containers, and agent for sessions.
type Service struct {
	store        Store
	containers   Containers
	agent        AgentRunner
	repos        RepositoryProvider
	creds        CredentialProvider
	broadcaster  *broadcast.Broadcaster
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	rate         float64
	maxDuration  time.Duration
	maxLifetime  time.Duration
	commitPrefix string

	eventLocks    keyedMutex
	finalizeLocks keyedMutex

	mu      sync.Mutex
	running map[string]*driver
	closing bool
	drivers sync.WaitGroup
}

type driver struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Service.
func New(opts Options) *Service {
	s := &Service{
		store:        opts.Store,
		containers:   opts.Containers,
		agent:        opts.Agent,
		repos:        opts.Repositories,
		creds:        opts.Credentials,
		broadcaster:  opts.Broadcaster,
		logger:       opts.Logger,
		now:          opts.Now,
		newID:        opts.NewID,
		rate:         opts.RatePerMinute,
		maxDuration:  opts.MaxDuration,
		maxLifetime:  opts.MaxLifetime,
		commitPrefix: opts.CommitPrefix,
		running:      make(map[string]*driver),
	}
	if s.broadcaster == nil {
		s.broadcaster = broadcast.New(opts.Store, 0)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.rate <= 0 {
		s.rate = billing.DefaultRatePerMinute
	}
	if s.commitPrefix == "" {
		s.commitPrefix = DefaultCommitPrefix
	}
	return s
}

// Broadcaster returns the service's event broadcaster.
func (s *Service) Broadcaster() *broadcast.Broadcaster {
	return s.broadcaster
}

// Create validates req, runs admission, and stores a pending session. It
// does not provision anything.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Session, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModeQuick
	}
	if !mode.IsValid() {
		return Session{}, formatInvalidModeError(mode)
	}
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return Session{}, ErrTaskRequired
	}
	if req.UserID == "" {
		return Session{}, ErrUserRequired
	}

	repo, err := s.repos.Repository(ctx, req.UserID, req.RepositoryID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s: %w", ErrRepositoryNotFound, req.RepositoryID, err)
	}
	creds, err := s.creds.Credentials(ctx, req.UserID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrAgentCredentialMissing, err)
	}
	if creds.AgentToken == "" {
		return Session{}, ErrAgentCredentialMissing
	}

	branch := req.Branch
	if branch == "" {
		branch = repo.DefaultBranch
	}
	if branch == "" {
		branch = "main"
	}

	now := s.now().UTC()
	sess := Session{
		ID:           s.newID(),
		UserID:       req.UserID,
		RepositoryID: repo.ID,
		CloneURL:     repo.CloneURL,
		Language:     repo.Language,
		Task:         task,
		Branch:       branch,
		Mode:         mode,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	first := state.EventInput{
		Kind:      state.EventKindStatusChange,
		Content:   "Session created",
		Metadata:  map[string]any{"status": string(StatusPending)},
		CreatedAt: now,
	}

	created, event, err := s.store.CreateSession(ctx, sess, first, admission.Admit)
	if err != nil {
		return Session{}, err
	}
	s.broadcaster.Publish(event)
	s.record(ctx, created.ID, state.EventKindUserMessage, task, nil)

	s.logger.Info("session created", "session", created.ID, "user", created.UserID, "repository", created.RepositoryID, "mode", created.Mode)
	return created, nil
}

// Start creates a session and drives it in the background. The driver
// outlives ctx; use Cancel or Shutdown to stop it.
func (s *Service) Start(ctx context.Context, req CreateRequest) (Session, error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return Session{}, ErrShuttingDown
	}

	sess, err := s.Create(ctx, req)
	if err != nil {
		return Session{}, err
	}

	driveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := &driver{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[sess.ID] = d
	s.drivers.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.drivers.Done()
		defer close(d.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.running, sess.ID)
			s.mu.Unlock()
		}()
		if _, err := s.Drive(driveCtx, sess.ID); err != nil {
			s.logger.Error("session driver failed", "session", sess.ID, "error", err)
		}
	}()
	return sess, nil
}

// Wait blocks until the background driver for id finishes or ctx is done.
// It returns immediately when no driver is running.
func (s *Service) Wait(ctx context.Context, id string) error {
	d := s.driverFor(id)
	if d == nil {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of in-process drivers.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown stops accepting new sessions, cancels every running driver, and
// waits for them to finalize or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, d := range s.running {
		d.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.drivers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) driverFor(id string) *driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// Cancel moves a live session to cancelled, stops its driver, and
// finalizes it.
func (s *Service) Cancel(ctx context.Context, id string) (Session, error) {
	now := s.now().UTC()
	var (
		from        Status
		containerID string
	)
	_, err := s.store.UpdateSession(ctx, id, func(sess *Session) error {
		if sess.Status.IsTerminal() {
			return terminalError(id, sess.Status)
		}
		from = sess.Status
		containerID = sess.ContainerID
		enter(sess, StatusCancelled, now)
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.recordStatus(ctx, id, from, StatusCancelled, "Session cancelled")
	s.logger.Info("session cancelled", "session", id, "status", from)

	if d := s.driverFor(id); d != nil {
		d.cancel()
		select {
		case <-d.done:
		case <-ctx.Done():
		}
	}
	return s.Finalize(context.WithoutCancel(ctx), id, container.Handle{ContainerID: containerID, SessionID: id})
}

// Get returns a session.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	return s.store.GetSession(ctx, id)
}

// List returns sessions matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Session, error) {
	return s.store.ListSessions(ctx, filter)
}

// Events returns the persisted events of id with a sequence above after.
func (s *Service) Events(ctx context.Context, id string, after int64) ([]Event, error) {
	return s.store.EventsAfter(ctx, id, after)
}

// Subscribe attaches a live feed for id that first replays the events after
// the cursor. The feed of a finalized session ends after the replay.
func (s *Service) Subscribe(ctx context.Context, id string, after int64) (*broadcast.Observer, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	observer, err := s.broadcaster.Attach(ctx, id, after)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		s.broadcaster.Detach(observer)
		return nil, err
	}
	if !sess.FinalizedAt.IsZero() {
		s.broadcaster.Complete(id)
	}
	return observer, nil
}

// Sweep destroys containers older than the configured maximum lifetime.
func (s *Service) Sweep(ctx context.Context) (container.SweepResult, error) {
	result, err := s.containers.SweepExpired(ctx, s.maxLifetime)
	if err != nil {
		return result, err
	}
	s.logger.Info("container sweep finished", "scanned", result.Scanned, "destroyed", result.Destroyed, "failures", len(result.Failures))
	return result, nil
}

// Usage reports userID's subscription, limits, live sessions, and charges.
func (s *Service) Usage(ctx context.Context, userID string) (Usage, error) {
	sub, err := s.store.Subscription(ctx, userID, s.now().UTC())
	if err != nil {
		return Usage{}, err
	}
	live, err := s.store.ListSessions(ctx, ListFilter{UserID: userID})
	if err != nil {
		return Usage{}, err
	}
	active := 0
	for _, sess := range live {
		if sess.Status.IsActive() {
			active++
		}
	}
	charges, err := s.store.Charges(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Subscription: sub,
		Limits:       admission.LimitsFor(sub.Tier),
		Active:       active,
		Charges:      charges,
	}, nil
}

// SetTier changes userID's plan.
func (s *Service) SetTier(ctx context.Context, userID string, tier state.Tier) error {
	if !tier.IsValid() {
		return validation.FormatInvalidValueError(admission.ErrUnknownTier, tier, state.ValidTiers())
	}
	return s.store.SetTier(ctx, userID, tier, s.now().UTC())
}
