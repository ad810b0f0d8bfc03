package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

var (
	// ErrSessionNotFound indicates the requested session is missing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a session with the same id is already stored.
	ErrSessionExists = errors.New("session already exists")
)

// Store manages the state file with locking.
type Store struct {
	dir string
}

// NewStore creates a new state store using the given directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// statePath returns the path to the state file.
func (s *Store) statePath() string {
	return filepath.Join(s.dir, "state.json")
}

// lockPath returns the path to the lock file.
func (s *Store) lockPath() string {
	return filepath.Join(s.dir, "state.lock")
}

// Load reads the state from disk. Returns an empty state if the file doesn't exist.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.statePath())
	if os.IsNotExist(err) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	st := newState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	// Initialize maps if nil
	if st.Sessions == nil {
		st.Sessions = make(map[string]Session)
	}
	if st.Events == nil {
		st.Events = make(map[string][]Event)
	}
	if st.Subscriptions == nil {
		st.Subscriptions = make(map[string]Subscription)
	}

	return st, nil
}

func newState() *State {
	return &State{
		Sessions:      make(map[string]Session),
		Events:        make(map[string][]Event),
		Subscriptions: make(map[string]Subscription),
	}
}

// Save writes the state to disk.
func (s *Store) Save(st *State) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if existing, err := os.ReadFile(s.statePath()); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read state file: %w", err)
	}

	// Write atomically via temp file
	tmpFile, err := os.CreateTemp(s.dir, filepath.Base(s.statePath())+".tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	name := tmpFile.Name()
	_, err = tmpFile.Write(data)
	if err1 := tmpFile.Close(); err1 != nil && err == nil {
		err = err1
	}
	if err != nil {
		os.Remove(name)
		return fmt.Errorf("write temp state file: %w", err)
	}

	if err := os.Rename(name, s.statePath()); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Update atomically reads, modifies, and writes the state with file locking.
func (s *Store) Update(fn func(st *State) error) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	lockFile, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	st, err := s.Load()
	if err != nil {
		return err
	}

	if err := fn(st); err != nil {
		return err
	}

	return s.Save(st)
}

// Close releases store resources. The file store holds none between calls.
func (s *Store) Close() error {
	return nil
}

// CreateSession stores a new session and its first event. admit runs under
// the state lock with the user's current usage, so admission and insertion
// are atomic with respect to other writers.
func (s *Store) CreateSession(ctx context.Context, sess Session, first EventInput, admit Admit) (Session, Event, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, Event{}, err
	}
	var created Event
	err := s.Update(func(st *State) error {
		if _, exists := st.Sessions[sess.ID]; exists {
			return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
		}
		if admit != nil {
			usage := Usage{
				Subscription: st.subscription(sess.UserID, sess.CreatedAt),
				Active:       st.activeCount(sess.UserID),
			}
			if err := admit(usage); err != nil {
				return err
			}
		}
		st.Sessions[sess.ID] = sess
		first.SessionID = sess.ID
		created = st.appendEvent(first)
		return nil
	})
	if err != nil {
		return Session{}, Event{}, err
	}
	return sess, created, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	st, err := s.Load()
	if err != nil {
		return Session{}, err
	}
	sess, ok := st.Sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// UpdateSession applies fn to a stored session under the state lock.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	var updated Session
	err := s.Update(func(st *State) error {
		sess, ok := st.Sessions[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err := fn(&sess); err != nil {
			return err
		}
		st.Sessions[id] = sess
		updated = sess
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return updated, nil
}

// ListSessions returns sessions matching the filter, oldest first.
func (s *Store) ListSessions(ctx context.Context, filter ListFilter) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	items := make([]Session, 0, len(st.Sessions))
	for _, sess := range st.Sessions {
		if filter.Matches(sess) {
			items = append(items, sess)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// AppendEvent appends an event, assigning the next sequence number.
func (s *Store) AppendEvent(ctx context.Context, in EventInput) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	var appended Event
	err := s.Update(func(st *State) error {
		if _, ok := st.Sessions[in.SessionID]; !ok {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, in.SessionID)
		}
		appended = st.appendEvent(in)
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return appended, nil
}

// EventsAfter returns the events with a sequence greater than after, in order.
func (s *Store) EventsAfter(ctx context.Context, sessionID string, after int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	if _, ok := st.Sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	var events []Event
	for _, event := range st.Events[sessionID] {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	return events, nil
}

// FinalizeSession runs fn once per session. It reports false without calling
// fn when the session was already finalized.
func (s *Store) FinalizeSession(ctx context.Context, id string, fn Finalizer) (Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, false, err
	}
	var (
		result  Session
		applied bool
	)
	err := s.Update(func(st *State) error {
		sess, ok := st.Sessions[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if !sess.FinalizedAt.IsZero() {
			result = sess
			return nil
		}
		charge, err := fn(&sess)
		if err != nil {
			return err
		}
		if charge != nil {
			st.Charges = append(st.Charges, *charge)
			sub := st.subscription(charge.UserID, charge.CreatedAt)
			sub.MinutesUsed += charge.Minutes
			sub.UpdatedAt = charge.CreatedAt
			st.Subscriptions[charge.UserID] = sub
		}
		st.Sessions[id] = sess
		result = sess
		applied = true
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	return result, applied, nil
}

// Subscription returns the user's subscription for the period containing now.
func (s *Store) Subscription(ctx context.Context, userID string, now time.Time) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}
	st, err := s.Load()
	if err != nil {
		return Subscription{}, err
	}
	return st.subscription(userID, now), nil
}

// SetTier records the user's plan, keeping current usage.
func (s *Store) SetTier(ctx context.Context, userID string, tier Tier, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Update(func(st *State) error {
		sub := st.subscription(userID, now)
		sub.Tier = tier
		sub.UpdatedAt = now
		st.Subscriptions[userID] = sub
		return nil
	})
}

// Charges returns the user's billing records, oldest first.
func (s *Store) Charges(ctx context.Context, userID string) ([]BillingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	var charges []BillingRecord
	for _, charge := range st.Charges {
		if charge.UserID == userID {
			charges = append(charges, charge)
		}
	}
	return charges, nil
}

func (st *State) appendEvent(in EventInput) Event {
	event := Event{
		SessionID: in.SessionID,
		Seq:       int64(len(st.Events[in.SessionID])),
		Kind:      in.Kind,
		Content:   in.Content,
		Metadata:  in.Metadata,
		CreatedAt: in.CreatedAt,
	}
	st.Events[in.SessionID] = append(st.Events[in.SessionID], event)
	return event
}

func (st *State) activeCount(userID string) int {
	count := 0
	for _, sess := range st.Sessions {
		if sess.UserID == userID && sess.Status.IsActive() {
			count++
		}
	}
	return count
}

func (st *State) subscription(userID string, now time.Time) Subscription {
	sub, ok := st.Subscriptions[userID]
	if !ok {
		sub = Subscription{UserID: userID, Tier: TierFree}
	}
	return sub.ForPeriod(now)
}
