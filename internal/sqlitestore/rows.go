package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amonks/workcell/internal/state"
)

const selectSession = `SELECT id, user_id, repository_id, clone_url, language, task, branch, mode, status,
	container_id, container_image, created_at, updated_at, started_at, ended_at, finalized_at,
	duration_seconds, tokens_used, cost_usd, cost_cents, commit_sha, commit_message, files_changed, error_message
	FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner, id string) (state.Session, error) {
	var (
		sess                                     state.Session
		mode, status                             string
		language, containerID, containerImage    sql.NullString
		commitSHA, commitMessage, errorMessage   sql.NullString
		createdAtRaw, updatedAtRaw               string
		startedAtRaw, endedAtRaw, finalizedAtRaw sql.NullString
		filesChanged                             sql.NullInt64
	)
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.RepositoryID,
		&sess.CloneURL,
		&language,
		&sess.Task,
		&sess.Branch,
		&mode,
		&status,
		&containerID,
		&containerImage,
		&createdAtRaw,
		&updatedAtRaw,
		&startedAtRaw,
		&endedAtRaw,
		&finalizedAtRaw,
		&sess.DurationSeconds,
		&sess.TokensUsed,
		&sess.CostUSD,
		&sess.CostCents,
		&commitSHA,
		&commitMessage,
		&filesChanged,
		&errorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Session{}, fmt.Errorf("%w: %s", state.ErrSessionNotFound, id)
	}
	if err != nil {
		return state.Session{}, fmt.Errorf("scan session: %w", err)
	}

	sess.Mode = state.SessionMode(mode)
	sess.Status = state.SessionStatus(status)
	sess.Language = language.String
	sess.ContainerID = containerID.String
	sess.ContainerImage = containerImage.String
	sess.CommitSHA = commitSHA.String
	sess.CommitMessage = commitMessage.String
	sess.ErrorMessage = errorMessage.String
	if filesChanged.Valid {
		files := int(filesChanged.Int64)
		sess.FilesChanged = &files
	}

	if sess.CreatedAt, err = parseTime(createdAtRaw); err != nil {
		return state.Session{}, fmt.Errorf("parse session created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAtRaw); err != nil {
		return state.Session{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	if sess.StartedAt, err = parseNullTime(startedAtRaw); err != nil {
		return state.Session{}, fmt.Errorf("parse session started_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAtRaw); err != nil {
		return state.Session{}, fmt.Errorf("parse session ended_at: %w", err)
	}
	if sess.FinalizedAt, err = parseNullTime(finalizedAtRaw); err != nil {
		return state.Session{}, fmt.Errorf("parse session finalized_at: %w", err)
	}
	return sess, nil
}

func insertSession(ctx context.Context, tx *sql.Tx, sess state.Session) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO sessions(id, user_id, repository_id, clone_url, language, task, branch, mode, status,
			container_id, container_image, created_at, updated_at, started_at, ended_at, finalized_at,
			duration_seconds, tokens_used, cost_usd, cost_cents, commit_sha, commit_message, files_changed, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.UserID,
		sess.RepositoryID,
		sess.CloneURL,
		nullIfEmpty(sess.Language),
		sess.Task,
		sess.Branch,
		string(sess.Mode),
		string(sess.Status),
		nullIfEmpty(sess.ContainerID),
		nullIfEmpty(sess.ContainerImage),
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
		nullTime(sess.StartedAt),
		nullTime(sess.EndedAt),
		nullTime(sess.FinalizedAt),
		sess.DurationSeconds,
		sess.TokensUsed,
		sess.CostUSD,
		sess.CostCents,
		nullIfEmpty(sess.CommitSHA),
		nullIfEmpty(sess.CommitMessage),
		nullIfNil(sess.FilesChanged),
		nullIfEmpty(sess.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func writeSession(ctx context.Context, tx *sql.Tx, sess state.Session) error {
	_, err := tx.ExecContext(
		ctx,
		`UPDATE sessions SET
			status = ?, container_id = ?, container_image = ?, updated_at = ?, started_at = ?, ended_at = ?,
			finalized_at = ?, duration_seconds = ?, tokens_used = ?, cost_usd = ?, cost_cents = ?,
			commit_sha = ?, commit_message = ?, files_changed = ?, error_message = ?
		 WHERE id = ?`,
		string(sess.Status),
		nullIfEmpty(sess.ContainerID),
		nullIfEmpty(sess.ContainerImage),
		formatTime(sess.UpdatedAt),
		nullTime(sess.StartedAt),
		nullTime(sess.EndedAt),
		nullTime(sess.FinalizedAt),
		sess.DurationSeconds,
		sess.TokensUsed,
		sess.CostUSD,
		sess.CostCents,
		nullIfEmpty(sess.CommitSHA),
		nullIfEmpty(sess.CommitMessage),
		nullIfNil(sess.FilesChanged),
		nullIfEmpty(sess.ErrorMessage),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, in state.EventInput) (state.Event, error) {
	var next int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM session_events WHERE session_id = ?`, in.SessionID)
	if err := row.Scan(&next); err != nil {
		return state.Event{}, fmt.Errorf("next event seq: %w", err)
	}

	var metadata any
	if len(in.Metadata) > 0 {
		encoded, err := json.Marshal(in.Metadata)
		if err != nil {
			return state.Event{}, fmt.Errorf("encode event metadata: %w", err)
		}
		metadata = string(encoded)
	}

	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO session_events(session_id, seq, kind, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		in.SessionID,
		next,
		string(in.Kind),
		in.Content,
		metadata,
		formatTime(in.CreatedAt),
	)
	if err != nil {
		return state.Event{}, fmt.Errorf("insert event: %w", err)
	}

	return state.Event{
		SessionID: in.SessionID,
		Seq:       next,
		Kind:      in.Kind,
		Content:   in.Content,
		Metadata:  in.Metadata,
		CreatedAt: in.CreatedAt,
	}, nil
}

func readUsage(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (state.Usage, error) {
	sub, err := readSubscription(ctx, tx, userID, now)
	if err != nil {
		return state.Usage{}, err
	}

	statuses := state.ActiveSessionStatuses()
	query := `SELECT COUNT(1) FROM sessions WHERE user_id = ? AND status IN (?` + repeatPlaceholders(len(statuses)-1) + `)`
	args := []any{userID}
	for _, status := range statuses {
		args = append(args, string(status))
	}
	var active int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&active); err != nil {
		return state.Usage{}, fmt.Errorf("count active sessions: %w", err)
	}
	return state.Usage{Subscription: sub, Active: active}, nil
}

func readSubscription(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (state.Subscription, error) {
	var (
		sub            state.Subscription
		tier           string
		periodStartRaw sql.NullString
		updatedAtRaw   sql.NullString
	)
	row := tx.QueryRowContext(ctx, `SELECT user_id, tier, minutes_used, period_start, updated_at FROM subscriptions WHERE user_id = ?`, userID)
	err := row.Scan(&sub.UserID, &tier, &sub.MinutesUsed, &periodStartRaw, &updatedAtRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Subscription{UserID: userID, Tier: state.TierFree}.ForPeriod(now), nil
	}
	if err != nil {
		return state.Subscription{}, fmt.Errorf("query subscription: %w", err)
	}
	sub.Tier = state.Tier(tier)
	if sub.PeriodStart, err = parseNullTime(periodStartRaw); err != nil {
		return state.Subscription{}, fmt.Errorf("parse subscription period_start: %w", err)
	}
	if sub.UpdatedAt, err = parseNullTime(updatedAtRaw); err != nil {
		return state.Subscription{}, fmt.Errorf("parse subscription updated_at: %w", err)
	}
	return sub.ForPeriod(now), nil
}

func upsertSubscription(ctx context.Context, tx *sql.Tx, sub state.Subscription) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO subscriptions(user_id, tier, minutes_used, period_start, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			minutes_used = excluded.minutes_used,
			period_start = excluded.period_start,
			updated_at = excluded.updated_at`,
		sub.UserID,
		string(sub.Tier),
		sub.MinutesUsed,
		nullTime(sub.PeriodStart),
		nullTime(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func insertCharge(ctx context.Context, tx *sql.Tx, charge state.BillingRecord) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO billing_records(id, user_id, session_id, minutes, rate_per_minute, cost_cents, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		charge.ID,
		charge.UserID,
		nullIfEmpty(charge.SessionID),
		charge.Minutes,
		charge.RatePerMinute,
		charge.CostCents,
		charge.Description,
		formatTime(charge.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert charge: %w", err)
	}
	return nil
}

func repeatPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseNullTime(raw sql.NullString) (time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return time.Time{}, nil
	}
	return parseTime(raw.String)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullIfNil(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}
