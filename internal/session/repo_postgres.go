package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"geoattend/internal/geo"
	"geoattend/internal/store"
)

// PostgresStore persists sessions in Postgres. Attendees live in their own table keyed
// by (session_id, user_id) so the uniqueness invariant is enforced by the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a repo.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, code, latitude, longitude, radius_meters, created_by, organization_id,
	status, previous_status, start_time, expires_at, ended_at, deleted_at, attendees_count, created_at`

func (r *PostgresStore) Create(ctx context.Context, s *Session) error {
	err := store.RunInTx(ctx, r.db, nil, func(ctx context.Context, tx store.DBTX) error {
		// Lazily expired sessions still hold their code in the partial unique index.
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = 'expired'
			WHERE code = $1 AND status = 'active' AND expires_at <= $2
		`, s.Code, s.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, code, latitude, longitude, radius_meters, created_by, organization_id,
				status, start_time, expires_at, attendees_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11)
		`, s.ID, s.Code, s.Location.Latitude, s.Location.Longitude, s.Location.RadiusMeters,
			s.CreatedBy, s.OrganizationID, string(s.Status), s.StartTime, s.ExpiresAt, s.CreatedAt)
		return err
	})
	return classify(err)
}

func (r *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return r.get(ctx, r.db, id)
}

func (r *PostgresStore) get(ctx context.Context, q store.DBTX, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, classify(err)
	}
	if s.Attendees, err = r.attendees(ctx, q, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresStore) GetByCode(ctx context.Context, code string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE code = $1 AND status <> 'deleted'
		ORDER BY created_at DESC
		LIMIT 1
	`, code)
	s, err := scanSession(row)
	if err != nil {
		return nil, classify(err)
	}
	if s.Attendees, err = r.attendees(ctx, r.db, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresStore) ListActive(ctx context.Context, now time.Time) ([]Session, error) {
	return r.list(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND expires_at > $1
		ORDER BY created_at DESC
	`, now)
}

func (r *PostgresStore) ListByCreator(ctx context.Context, creatorID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE created_by = $1 AND status <> 'deleted'
		ORDER BY created_at DESC
		LIMIT $2
	`, creatorID, limit)
}

func (r *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *s)
	}
	return out, classify(rows.Err())
}

// AppendAttendee locks the session row, then inserts the attendee and bumps the counter
// in the same transaction.
func (r *PostgresStore) AppendAttendee(ctx context.Context, sessionID string, a Attendee) (AppendResult, error) {
	var added bool
	err := store.RunInTx(ctx, r.db, nil, func(ctx context.Context, tx store.DBTX) error {
		var status string
		var expiresAt time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT status, expires_at FROM sessions WHERE id = $1 FOR UPDATE
		`, sessionID).Scan(&status, &expiresAt)
		if err != nil {
			return err
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM session_attendees WHERE session_id = $1 AND user_id = $2)
		`, sessionID, a.UserID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}
		if Status(status) != StatusActive || !a.Timestamp.Before(expiresAt) {
			return ErrConflict
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO session_attendees (session_id, user_id, name, email, student_id, attended_at, latitude, longitude)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (session_id, user_id) DO NOTHING
		`, sessionID, a.UserID, a.Name, a.Email, a.StudentID, a.Timestamp, a.Location.Latitude, a.Location.Longitude)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET attendees_count = attendees_count + 1 WHERE id = $1
		`, sessionID); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return AppendResult{}, classify(err)
	}
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Added: added, Session: s}, nil
}

func (r *PostgresStore) Transition(ctx context.Context, id string, from []Status, next Status, at time.Time) error {
	if len(from) == 0 {
		return ErrConflict
	}
	placeholders := make([]string, len(from))
	args := []any{id, string(next), at}
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(st))
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2,
			ended_at = CASE WHEN $2 = 'ended' THEN $3::timestamptz ELSE ended_at END
		WHERE id = $1 AND status IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	return r.affected(ctx, id, res, err)
}

func (r *PostgresStore) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET previous_status = status, status = 'deleted', deleted_at = $2
		WHERE id = $1 AND status <> 'deleted'
	`, id, at)
	return r.affected(ctx, id, res, err)
}

func (r *PostgresStore) Restore(ctx context.Context, id string, notBefore time.Time) (*Session, error) {
	// A session whose code was handed to a newer active session comes back ended.
	res, err := r.db.ExecContext(ctx, `
		WITH target AS (
			SELECT s.id,
				CASE
					WHEN s.previous_status = 'active' AND EXISTS (
						SELECT 1 FROM sessions o WHERE o.code = s.code AND o.status = 'active' AND o.id <> s.id
					) THEN 'ended'
					WHEN s.previous_status IN ('active', 'ended', 'expired') THEN s.previous_status
					ELSE 'ended'
				END AS next_status
			FROM sessions s
			WHERE s.id = $1 AND s.status = 'deleted' AND s.deleted_at >= $2
		)
		UPDATE sessions s
		SET status = t.next_status,
			ended_at = CASE WHEN t.next_status = 'ended' THEN COALESCE(s.ended_at, s.deleted_at) ELSE s.ended_at END,
			previous_status = '',
			deleted_at = NULL
		FROM target t
		WHERE s.id = t.id
	`, id, notBefore)
	if err := r.affected(ctx, id, res, err); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *PostgresStore) Purge(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1 AND status = 'deleted'`, id)
	return r.affected(ctx, id, res, err)
}

func (r *PostgresStore) PurgeDeleted(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE status = 'deleted' AND deleted_at < $1`, before)
	return rowsAffected(res, err)
}

func (r *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'expired' WHERE status = 'active' AND expires_at <= $1
	`, now)
	return rowsAffected(res, err)
}

func (r *PostgresStore) History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.code, s.organization_id, s.status, a.attended_at, s.expires_at
		FROM session_attendees a
		JOIN sessions s ON s.id = a.session_id
		WHERE a.user_id = $1 AND s.status <> 'deleted'
		ORDER BY a.attended_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var status string
		if err := rows.Scan(&h.SessionID, &h.Code, &h.OrganizationID, &status, &h.AttendedAt, &h.ExpiresAt); err != nil {
			return nil, classify(err)
		}
		h.Status = Status(status)
		out = append(out, h)
	}
	return out, classify(rows.Err())
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx))
}

func (r *PostgresStore) attendees(ctx context.Context, q store.DBTX, sessionID string) ([]Attendee, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, name, email, student_id, attended_at, latitude, longitude
		FROM session_attendees
		WHERE session_id = $1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Attendee
	for rows.Next() {
		var a Attendee
		if err := rows.Scan(&a.UserID, &a.Name, &a.Email, &a.StudentID, &a.Timestamp,
			&a.Location.Latitude, &a.Location.Longitude); err != nil {
			return nil, classify(err)
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

// affected turns a zero-row conditional update into ErrNotFound or ErrConflict.
func (r *PostgresStore) affected(ctx context.Context, id string, res sql.Result, err error) error {
	n, err := rowsAffected(res, err)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func rowsAffected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                      Session
		status, previousStatus string
		endedAt, deletedAt     sql.NullTime
	)
	err := row.Scan(&s.ID, &s.Code, &s.Location.Latitude, &s.Location.Longitude, &s.Location.RadiusMeters,
		&s.CreatedBy, &s.OrganizationID, &status, &previousStatus, &s.StartTime, &s.ExpiresAt,
		&endedAt, &deletedAt, &s.AttendeesCount, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	if !s.Status.Valid() {
		return nil, fmt.Errorf("%w: session %s has status %q", ErrMalformed, s.ID, status)
	}
	s.PreviousStatus = Status(previousStatus)
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		s.DeletedAt = &t
	}
	if !(geo.Point{Latitude: s.Location.Latitude, Longitude: s.Location.Longitude}).Valid() || s.Location.RadiusMeters <= 0 {
		return nil, fmt.Errorf("%w: session %s has no usable location", ErrMalformed, s.ID)
	}
	return &s, nil
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCodeTaken), errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrMalformed), errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", ErrCodeTaken, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			pgErr.Code == "57P01", pgErr.Code == "57P03":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		case pgErr.Code == "22P02":
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
