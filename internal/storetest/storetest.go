// Package storetest holds behavior checks shared by every session store
// backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amonks/workcell/internal/state"
)

// Store is the persistence surface exercised by the suite.
type Store interface {
	CreateSession(ctx context.Context, sess state.Session, first state.EventInput, admit state.Admit) (state.Session, state.Event, error)
	GetSession(ctx context.Context, id string) (state.Session, error)
	UpdateSession(ctx context.Context, id string, fn func(*state.Session) error) (state.Session, error)
	ListSessions(ctx context.Context, filter state.ListFilter) ([]state.Session, error)
	AppendEvent(ctx context.Context, in state.EventInput) (state.Event, error)
	EventsAfter(ctx context.Context, sessionID string, after int64) ([]state.Event, error)
	FinalizeSession(ctx context.Context, id string, fn state.Finalizer) (state.Session, bool, error)
	Subscription(ctx context.Context, userID string, now time.Time) (state.Subscription, error)
	SetTier(ctx context.Context, userID string, tier state.Tier, now time.Time) error
	Charges(ctx context.Context, userID string) ([]state.BillingRecord, error)
	Close() error
}

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

var errDenied = errors.New("denied")

// Run exercises open-returned stores against the shared contract.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, open(t)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, open(t)) })
	t.Run("MissingSession", func(t *testing.T) { testMissingSession(t, open(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, open(t)) })
	t.Run("UpdateSession", func(t *testing.T) { testUpdateSession(t, open(t)) })
	t.Run("ListSessions", func(t *testing.T) { testListSessions(t, open(t)) })
	t.Run("ListSubsecondOrder", func(t *testing.T) { testListSubsecondOrder(t, open(t)) })
	t.Run("AdmissionIsAtomic", func(t *testing.T) { testAdmissionIsAtomic(t, open(t)) })
	t.Run("FinalizeOnce", func(t *testing.T) { testFinalizeOnce(t, open(t)) })
	t.Run("SubscriptionPeriod", func(t *testing.T) { testSubscriptionPeriod(t, open(t)) })
}

// NewSession returns a pending session fixture.
func NewSession(id, userID string, createdAt time.Time) state.Session {
	return state.Session{
		ID:           id,
		UserID:       userID,
		RepositoryID: "repo-1",
		CloneURL:     "https://github.com/example/repo.git",
		Task:         "add a README",
		Branch:       "main",
		Mode:         state.SessionModeQuick,
		Status:       state.SessionStatusPending,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func created(at time.Time) state.EventInput {
	return state.EventInput{Kind: state.EventKindStatusChange, Content: "Session created", CreatedAt: at}
}

func mustCreate(t *testing.T, store Store, sess state.Session) {
	t.Helper()
	if _, _, err := store.CreateSession(context.Background(), sess, created(sess.CreatedAt), nil); err != nil {
		t.Fatalf("create session %s: %v", sess.ID, err)
	}
}

func testCreateAndGet(t *testing.T, store Store) {
	ctx := context.Background()
	sess := NewSession("s-1", "u-1", baseTime)
	sess.Language = "go"

	_, first, err := store.CreateSession(ctx, sess, created(baseTime), nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if first.Seq != 0 {
		t.Fatalf("expected first event seq 0, got %d", first.Seq)
	}
	if first.SessionID != "s-1" {
		t.Fatalf("expected event session s-1, got %q", first.SessionID)
	}

	got, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Task != sess.Task || got.Branch != "main" || got.Language != "go" {
		t.Fatalf("expected stored session to match, got %+v", got)
	}
	if got.Status != state.SessionStatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Fatalf("expected created_at %v, got %v", baseTime, got.CreatedAt)
	}
	if !got.EndedAt.IsZero() {
		t.Fatalf("expected no ended_at, got %v", got.EndedAt)
	}
	if got.FilesChanged != nil {
		t.Fatalf("expected files changed to be absent, got %d", *got.FilesChanged)
	}
}

func testDuplicateID(t *testing.T, store Store) {
	sess := NewSession("s-1", "u-1", baseTime)
	mustCreate(t, store, sess)
	_, _, err := store.CreateSession(context.Background(), sess, created(baseTime), nil)
	if !errors.Is(err, state.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func testMissingSession(t *testing.T, store Store) {
	ctx := context.Background()
	if _, err := store.GetSession(ctx, "nope"); !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from get, got %v", err)
	}
	if _, err := store.AppendEvent(ctx, state.EventInput{SessionID: "nope", Kind: state.EventKindError}); !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from append, got %v", err)
	}
	_, err := store.UpdateSession(ctx, "nope", func(*state.Session) error { return nil })
	if !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from update, got %v", err)
	}
}

func testEventSequence(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, NewSession("s-1", "u-1", baseTime))
	mustCreate(t, store, NewSession("s-2", "u-1", baseTime))

	for i := 0; i < 5; i++ {
		event, err := store.AppendEvent(ctx, state.EventInput{
			SessionID: "s-1",
			Kind:      state.EventKindAgentMessage,
			Content:   "line",
			Metadata:  map[string]any{"index": i},
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append event: %v", err)
		}
		if event.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, event.Seq)
		}
	}
	other, err := store.AppendEvent(ctx, state.EventInput{SessionID: "s-2", Kind: state.EventKindAgentMessage, CreatedAt: baseTime})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if other.Seq != 1 {
		t.Fatalf("expected independent sequence for s-2, got %d", other.Seq)
	}

	all, err := store.EventsAfter(ctx, "s-1", -1)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 events, got %d", len(all))
	}
	for i, event := range all {
		if event.Seq != int64(i) {
			t.Fatalf("expected seq %d at index %d, got %d", i, i, event.Seq)
		}
	}

	tail, err := store.EventsAfter(ctx, "s-1", 3)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("expected seqs 4 and 5, got %+v", tail)
	}
	if tail[0].Metadata["index"] == nil {
		t.Fatalf("expected metadata to round trip, got %+v", tail[0].Metadata)
	}
}

func testUpdateSession(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, NewSession("s-1", "u-1", baseTime))

	files := 3
	updated, err := store.UpdateSession(ctx, "s-1", func(sess *state.Session) error {
		sess.Status = state.SessionStatusCompleted
		sess.CommitSHA = "abc123"
		sess.FilesChanged = &files
		sess.EndedAt = baseTime.Add(time.Minute)
		sess.DurationSeconds = 60
		return nil
	})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	if updated.Status != state.SessionStatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}

	got, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.CommitSHA != "abc123" || got.FilesChanged == nil || *got.FilesChanged != 3 {
		t.Fatalf("expected commit fields to persist, got %+v", got)
	}
	if got.DurationSeconds != 60 {
		t.Fatalf("expected duration 60, got %v", got.DurationSeconds)
	}

	failErr := errors.New("boom")
	_, err = store.UpdateSession(ctx, "s-1", func(sess *state.Session) error {
		sess.Status = state.SessionStatusFailed
		return failErr
	})
	if !errors.Is(err, failErr) {
		t.Fatalf("expected callback error, got %v", err)
	}
	got, err = store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != state.SessionStatusCompleted {
		t.Fatalf("expected aborted update to leave status, got %s", got.Status)
	}
}

func testListSessions(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, NewSession("s-1", "u-1", baseTime))
	mustCreate(t, store, NewSession("s-2", "u-1", baseTime.Add(time.Minute)))
	mustCreate(t, store, NewSession("s-3", "u-2", baseTime.Add(2*time.Minute)))
	if _, err := store.UpdateSession(ctx, "s-1", func(sess *state.Session) error {
		sess.Status = state.SessionStatusFailed
		return nil
	}); err != nil {
		t.Fatalf("update session: %v", err)
	}

	active, err := store.ListSessions(ctx, state.ListFilter{UserID: "u-1"})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != "s-2" {
		t.Fatalf("expected only s-2, got %+v", active)
	}

	all, err := store.ListSessions(ctx, state.ListFilter{IncludeAll: true})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 3 || all[0].ID != "s-1" || all[2].ID != "s-3" {
		t.Fatalf("expected all sessions oldest first, got %+v", all)
	}

	failed := state.SessionStatusFailed
	onlyFailed, err := store.ListSessions(ctx, state.ListFilter{Status: &failed})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(onlyFailed) != 1 || onlyFailed[0].ID != "s-1" {
		t.Fatalf("expected only s-1, got %+v", onlyFailed)
	}
}

func testListSubsecondOrder(t *testing.T, store Store) {
	mustCreate(t, store, NewSession("late", "u-1", baseTime.Add(time.Second+500*time.Millisecond)))
	mustCreate(t, store, NewSession("early", "u-1", baseTime.Add(time.Second)))

	all, err := store.ListSessions(context.Background(), state.ListFilter{IncludeAll: true})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 2 || all[0].ID != "early" || all[1].ID != "late" {
		t.Fatalf("expected early before late, got %+v", all)
	}
}

func testAdmissionIsAtomic(t *testing.T, store Store) {
	ctx := context.Background()
	admit := func(usage state.Usage) error {
		if usage.Active >= 1 {
			return errDenied
		}
		return nil
	}

	const attempts = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		denied   int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := NewSession(string(rune('a'+i)), "u-1", baseTime)
			_, _, err := store.CreateSession(ctx, sess, created(baseTime), admit)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, errDenied):
				denied++
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("expected exactly one admitted session, got %d", admitted)
	}
	if denied != attempts-1 {
		t.Fatalf("expected %d denied sessions, got %d", attempts-1, denied)
	}
}

func testFinalizeOnce(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, NewSession("s-1", "u-1", baseTime))

	endedAt := baseTime.Add(30 * time.Minute)
	calls := 0
	finalize := func(sess *state.Session) (*state.BillingRecord, error) {
		calls++
		sess.FinalizedAt = endedAt
		sess.CostCents = 30
		return &state.BillingRecord{
			ID:            "charge-s-1",
			UserID:        sess.UserID,
			SessionID:     sess.ID,
			Minutes:       30,
			RatePerMinute: 0.01,
			CostCents:     30,
			Description:   "Dev container session",
			CreatedAt:     endedAt,
		}, nil
	}

	first, applied, err := store.FinalizeSession(ctx, "s-1", finalize)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !applied {
		t.Fatal("expected first finalize to apply")
	}
	if first.CostCents != 30 {
		t.Fatalf("expected cost 30, got %d", first.CostCents)
	}

	_, applied, err = store.FinalizeSession(ctx, "s-1", finalize)
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if applied {
		t.Fatal("expected second finalize to be a no-op")
	}
	if calls != 1 {
		t.Fatalf("expected finalizer to run once, got %d", calls)
	}

	charges, err := store.Charges(ctx, "u-1")
	if err != nil {
		t.Fatalf("charges: %v", err)
	}
	if len(charges) != 1 || charges[0].CostCents != 30 || charges[0].SessionID != "s-1" {
		t.Fatalf("expected one charge of 30 cents, got %+v", charges)
	}

	sub, err := store.Subscription(ctx, "u-1", endedAt)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if sub.MinutesUsed != 30 {
		t.Fatalf("expected 30 minutes used, got %v", sub.MinutesUsed)
	}
	if sub.Tier != state.TierFree {
		t.Fatalf("expected default free tier, got %s", sub.Tier)
	}
}

func testSubscriptionPeriod(t *testing.T, store Store) {
	ctx := context.Background()
	if err := store.SetTier(ctx, "u-1", state.TierPro, baseTime); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	mustCreate(t, store, NewSession("s-1", "u-1", baseTime))
	_, _, err := store.FinalizeSession(ctx, "s-1", func(sess *state.Session) (*state.BillingRecord, error) {
		sess.FinalizedAt = baseTime
		return &state.BillingRecord{ID: "c-1", UserID: "u-1", SessionID: "s-1", Minutes: 12.5, CreatedAt: baseTime}, nil
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	sub, err := store.Subscription(ctx, "u-1", baseTime)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if sub.Tier != state.TierPro || sub.MinutesUsed != 12.5 {
		t.Fatalf("expected pro tier with 12.5 minutes, got %+v", sub)
	}

	nextMonth := baseTime.AddDate(0, 1, 0)
	sub, err = store.Subscription(ctx, "u-1", nextMonth)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if sub.MinutesUsed != 0 {
		t.Fatalf("expected usage to reset in a new period, got %v", sub.MinutesUsed)
	}
	if !sub.PeriodStart.Equal(state.PeriodStart(nextMonth)) {
		t.Fatalf("expected period start %v, got %v", state.PeriodStart(nextMonth), sub.PeriodStart)
	}
}
