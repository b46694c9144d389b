package session

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jholhewres/crux/pkg/crux/database"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements Store on top of the crux database.
type SQLStore struct {
	db     *database.DB
	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLStore creates a store over an already-migrated database.
func NewSQLStore(db *database.DB, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:     db,
		locks:  newKeyedMutex(),
		logger: logger.With("component", "session_store"),
		now:    time.Now,
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// load reads one session row. found is false when the row is absent.
func (s *SQLStore) load(ctx context.Context, q querier, userID string, lock bool) (*Session, bool, error) {
	query := `SELECT state, image_day, image_count, last_checkin_date, usage_count, created_at, updated_at
		FROM sessions WHERE user_id = ?`
	if lock {
		query += s.db.ForUpdate()
	}

	var (
		state              string
		createdAt, updated string
		sess               Session
	)
	err := q.QueryRowContext(ctx, s.db.Rebind(query), userID).Scan(
		&state, &sess.ImageDay, &sess.DailyImageCount, &sess.LastCheckinDate,
		&sess.UsageCount, &createdAt, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(state), &sess); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", userID, err)
	}
	sess.UserID = userID
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updated)
	return &sess, true, nil
}

// Get returns a snapshot of the session.
func (s *SQLStore) Get(ctx context.Context, userID string) (*Session, error) {
	sess, found, err := s.load(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Mutate runs fn inside a per-user lock and a database transaction.
func (s *SQLStore) Mutate(ctx context.Context, userID string, fn func(*Session) error) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("mutate session: empty user id")
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	now := s.now()
	sess, found, err := s.load(ctx, tx, userID, true)
	if err != nil {
		return nil, err
	}
	var blank []byte
	if !found {
		sess = &Session{UserID: userID, CreatedAt: now}
		if blank, err = json.Marshal(sess); err != nil {
			return nil, fmt.Errorf("encode session %s: %w", userID, err)
		}
	}
	counters := *sess

	if err := fn(sess); err != nil {
		return nil, err
	}

	sess.UserID = userID
	sess.ImageDay = counters.ImageDay
	sess.DailyImageCount = counters.DailyImageCount
	sess.LastCheckinDate = counters.LastCheckinDate
	sess.UsageCount = counters.UsageCount
	sess.CreatedAt = counters.CreatedAt
	sess.UpdatedAt = now

	state, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", userID, err)
	}
	// A callback that changed nothing on an absent user must not create it.
	if !found && bytes.Equal(state, blank) {
		return sess, nil
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (user_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`),
		userID, string(state), formatTime(sess.CreatedAt), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("save session %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session %s: %w", userID, err)
	}
	committed = true
	return sess, nil
}

// ListUsers returns every user with a session.
func (s *SQLStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM sessions ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// DeleteAll removes the session row and call history in one transaction.
func (s *SQLStore) DeleteAll(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	for _, q := range []string{
		"DELETE FROM sessions WHERE user_id = ?",
		"DELETE FROM call_reviews WHERE user_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(q), userID); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete user %s: %w", userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete %s: %w", userID, err)
	}
	s.logger.Info("user data deleted", "user", userID)
	return nil
}

// ensureRow creates an empty session row so counter updates have a target.
func (s *SQLStore) ensureRow(ctx context.Context, q querier, userID string) error {
	now := formatTime(s.now())
	_, err := q.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (user_id, state, created_at, updated_at)
		VALUES (?, '{}', ?, ?)
		ON CONFLICT (user_id) DO NOTHING`), userID, now, now)
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", userID, err)
	}
	return nil
}

// IncrementImageCount consumes one image with a single conditional UPDATE.
// A new day resets the count to one.
func (s *SQLStore) IncrementImageCount(ctx context.Context, userID, day string, cap int) (int, error) {
	if cap <= 0 {
		cap = math.MaxInt32
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.ensureRow(ctx, s.db, userID); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		UPDATE sessions
		SET image_count = CASE WHEN image_day = ? THEN image_count + 1 ELSE 1 END,
		    image_day = ?
		WHERE user_id = ? AND (image_day <> ? OR image_count < ?)
		RETURNING image_count`),
		day, day, userID, day, cap,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return cap, ErrImageCapReached
	}
	if err != nil {
		return 0, fmt.Errorf("increment image count %s: %w", userID, err)
	}
	return count, nil
}

// RefundImage gives back one image for day, never going below zero.
func (s *SQLStore) RefundImage(ctx context.Context, userID, day string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET image_count = image_count - 1
		WHERE user_id = ? AND image_day = ? AND image_count > 0`), userID, day)
	if err != nil {
		return fmt.Errorf("refund image %s: %w", userID, err)
	}
	return nil
}

// MarkCheckin is a compare-and-set: the marker only moves forward.
func (s *SQLStore) MarkCheckin(ctx context.Context, userID, day string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET last_checkin_date = ?
		WHERE user_id = ? AND last_checkin_date < ?`), day, userID, day)
	if err != nil {
		return false, fmt.Errorf("mark checkin %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark checkin %s: %w", userID, err)
	}
	return n == 1, nil
}

// IncrementUsage bumps the usage counter. Unknown users are ignored.
func (s *SQLStore) IncrementUsage(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE sessions SET usage_count = usage_count + 1 WHERE user_id = ?"), userID)
	if err != nil {
		return fmt.Errorf("increment usage %s: %w", userID, err)
	}
	return nil
}

// AddCallReview stores a review and trims the user's history to
// MaxCallReviews.
func (s *SQLStore) AddCallReview(ctx context.Context, review CallReview) error {
	if review.CreatedAt.IsZero() {
		review.CreatedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review tx: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO call_reviews (id, user_id, label, snippet, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		review.ID, review.UserID, review.Label, review.Snippet, review.Feedback, formatTime(review.CreatedAt),
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert call review: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM call_reviews
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM call_reviews WHERE user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`), review.UserID, review.UserID, MaxCallReviews)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("trim call reviews: %w", err)
	}
	return tx.Commit()
}

// ListCallReviews returns the newest reviews first.
func (s *SQLStore) ListCallReviews(ctx context.Context, userID string, limit int) ([]CallReview, error) {
	if limit <= 0 || limit > MaxCallReviews {
		limit = MaxCallReviews
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, user_id, label, snippet, feedback, created_at
		FROM call_reviews WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list call reviews: %w", err)
	}
	defer rows.Close()

	var out []CallReview
	for rows.Next() {
		var (
			r         CallReview
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Label, &r.Snippet, &r.Feedback, &createdAt); err != nil {
			return nil, fmt.Errorf("scan call review: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAdminLog records an administrative action.
func (s *SQLStore) AppendAdminLog(ctx context.Context, rec AdminLogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO admin_log (id, actor_id, target_user_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ActorID, rec.TargetUserID, rec.Action, rec.Details, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append admin log: %w", err)
	}
	return nil
}

// ListAdminLog returns the newest admin actions first.
func (s *SQLStore) ListAdminLog(ctx context.Context, limit int) ([]AdminLogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, actor_id, target_user_id, action, details, created_at
		FROM admin_log ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list admin log: %w", err)
	}
	defer rows.Close()

	var out []AdminLogRecord
	for rows.Next() {
		var (
			r         AdminLogRecord
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.ActorID, &r.TargetUserID, &r.Action, &r.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan admin log: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
