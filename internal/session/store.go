package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no session matches the lookup.
	ErrNotFound = errors.New("session not found")
	// ErrCodeTaken is returned by Create when another active session holds the code.
	ErrCodeTaken = errors.New("session code already in use")
	// ErrUnavailable marks store errors where the backend could not be reached.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrMalformed marks documents that could not be decoded into a Session.
	ErrMalformed = errors.New("malformed session record")
	// ErrConflict is returned when a conditional update found the session in another state.
	ErrConflict = errors.New("session state changed concurrently")
)

// AppendResult describes the outcome of an attendee append.
type AppendResult struct {
	Added   bool
	Session *Session
}

// Store is the document-store contract the pipeline relies on. Implementations must make
// AppendAttendee a single atomic compare-and-append that also bumps AttendeesCount.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// GetByCode returns the most recently created non-deleted session with code.
	GetByCode(ctx context.Context, code string) (*Session, error)
	ListActive(ctx context.Context, now time.Time) ([]Session, error)
	ListByCreator(ctx context.Context, creatorID string, limit int) ([]Session, error)

	// AppendAttendee adds a unless its user is already present. Added is false for the
	// duplicate no-op. It fails with ErrConflict if the session is not active or has expired at a.Timestamp.
	AppendAttendee(ctx context.Context, sessionID string, a Attendee) (AppendResult, error)

	// Transition moves a session from one of the given statuses to next.
	Transition(ctx context.Context, id string, from []Status, next Status, at time.Time) error
	MarkDeleted(ctx context.Context, id string, at time.Time) error
	// Restore undoes MarkDeleted if the session was deleted at or after notBefore. A session
	// whose code another active session now holds comes back ended.
	Restore(ctx context.Context, id string, notBefore time.Time) (*Session, error)
	// Purge hard-deletes a session that is still marked deleted.
	Purge(ctx context.Context, id string) error
	PurgeDeleted(ctx context.Context, before time.Time) (int, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)

	History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)
	Ping(ctx context.Context) error
}
