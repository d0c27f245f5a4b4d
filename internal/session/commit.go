package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"geoattend/internal/apperr"
	"geoattend/internal/geo"
	"geoattend/internal/metrics"
)

// CommitResult reports what the commit engine stored.
type CommitResult struct {
	Added    bool
	Attendee Attendee
	Session  *Session
}

// Committer appends verified attendees to sessions. Retrying a commit for the same
// user is a no-op success.
type Committer struct {
	store Store
	now   func() time.Time
}

// NewCommitter builds a commit engine over store.
func NewCommitter(store Store) *Committer {
	return &Committer{store: store, now: time.Now}
}

// SetClock replaces the wall clock, for tests.
func (c *Committer) SetClock(now func() time.Time) { c.now = now }

// Commit records who as present in sessionID at position at. The timestamp is the server
// clock read immediately before the write.
func (c *Committer) Commit(ctx context.Context, sessionID string, who Identity, at geo.Point) (CommitResult, error) {
	who.UserID = strings.TrimSpace(who.UserID)
	who.Email = strings.TrimSpace(who.Email)
	if who.UserID == "" || who.Email == "" {
		return CommitResult{}, apperr.New(apperr.InvalidArgument, "attendee identity requires user id and email")
	}
	if strings.TrimSpace(who.Name) == "" {
		who.Name = who.Email
	}

	entry := Attendee{
		UserID:    who.UserID,
		Name:      who.Name,
		Email:     who.Email,
		StudentID: who.StudentID,
		Timestamp: c.now().UTC(),
		Location:  at,
	}
	res, err := c.store.AppendAttendee(ctx, sessionID, entry)
	if err != nil {
		metrics.Commit("error")
		return CommitResult{}, c.commitError(ctx, sessionID, entry.Timestamp, err)
	}
	if !res.Added {
		metrics.Commit("duplicate")
		for _, a := range res.Session.Attendees {
			if a.UserID == who.UserID {
				entry = a
				break
			}
		}
		return CommitResult{Added: false, Attendee: entry, Session: res.Session}, nil
	}
	metrics.Commit("added")
	return CommitResult{Added: true, Attendee: entry, Session: res.Session}, nil
}

func (c *Committer) commitError(ctx context.Context, sessionID string, at time.Time, err error) error {
	switch {
	case errors.Is(err, ErrUnavailable):
		return apperr.Wrap(apperr.StorageUnavailable, "attendance could not be saved, please retry", err)
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.SessionInactive, "this session is no longer active", err)
	case errors.Is(err, ErrConflict):
		sess, getErr := c.store.Get(ctx, sessionID)
		if getErr == nil && sess.EffectiveStatus(at) == StatusExpired {
			return apperr.Wrap(apperr.SessionExpired, "this session has expired", err)
		}
		return apperr.Wrap(apperr.SessionInactive, "this session is no longer active", err)
	}
	return apperr.Wrap(apperr.CommitFailed, "attendance could not be recorded", err)
}
