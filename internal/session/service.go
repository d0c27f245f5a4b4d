package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"geoattend/internal/apperr"
	"geoattend/internal/metrics"
	"geoattend/internal/queue"
)

// maxCodeAttempts bounds code regeneration when a code collides with an active session.
const maxCodeAttempts = 5

// Actor is the authenticated caller of a lifecycle operation.
type Actor struct {
	UserID     string
	Supervisor bool
}

// CreateInput is the request to open a session.
type CreateInput struct {
	DurationSeconds int       `json:"duration_seconds" validate:"required,gt=0"`
	Location        *Location `json:"location" validate:"omitempty"`
	OrganizationID  string    `json:"organization_id" validate:"omitempty,max=64"`
}

// Options configures a Service.
type Options struct {
	DefaultLocation Location
	MinDuration     time.Duration
	MaxDuration     time.Duration
	DeleteGrace     time.Duration
	CodeAlphabet    string
}

// DeleteResult tells the caller how long the delete can be undone.
type DeleteResult struct {
	Session   *Session  `json:"session"`
	UndoUntil time.Time `json:"undo_until"`
}

// Service owns the session lifecycle.
type Service struct {
	store    Store
	events   queue.Publisher
	codes    *CodeGenerator
	validate *validator.Validate
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires a lifecycle service over store. events may be nil.
func NewService(store Store, events queue.Publisher, opts Options, log zerolog.Logger) *Service {
	if opts.MinDuration <= 0 {
		opts.MinDuration = 30 * time.Second
	}
	if opts.MaxDuration < opts.MinDuration {
		opts.MaxDuration = 8 * time.Hour
	}
	return &Service{
		store:    store,
		events:   events,
		codes:    NewCodeGenerator(opts.CodeAlphabet),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		log:      log.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Store exposes the underlying store to the attendance pipeline.
func (s *Service) Store() Store { return s.store }

// Create opens a new active session owned by actor.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*Session, error) {
	if !actor.Supervisor {
		return nil, apperr.New(apperr.NotASupervisor, "only supervisors can create sessions")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "invalid session request", err)
	}
	duration := time.Duration(in.DurationSeconds) * time.Second
	if duration < s.opts.MinDuration || duration > s.opts.MaxDuration {
		return nil, apperr.New(apperr.InvalidArgument,
			fmt.Sprintf("duration must be between %s and %s", s.opts.MinDuration, s.opts.MaxDuration))
	}
	loc := s.opts.DefaultLocation
	if in.Location != nil {
		loc = *in.Location
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "could not generate session code", err)
		}
		now := s.now().UTC()
		sess := &Session{
			ID:             uuid.NewString(),
			Code:           code,
			Location:       loc,
			CreatedBy:      actor.UserID,
			OrganizationID: in.OrganizationID,
			Status:         StatusActive,
			StartTime:      now,
			ExpiresAt:      now.Add(duration),
			Attendees:      []Attendee{},
			CreatedAt:      now,
		}
		err = s.store.Create(ctx, sess)
		if errors.Is(err, ErrCodeTaken) {
			s.log.Debug().Int("attempt", attempt).Msg("session code collision, regenerating")
			continue
		}
		if err != nil {
			return nil, storeError(err, "could not create session")
		}
		metrics.Session("created", 1)
		s.log.Info().Str("session_id", sess.ID).Str("created_by", actor.UserID).
			Dur("duration", duration).Msg("session created")
		return sess, nil
	}
	return nil, apperr.New(apperr.Internal, "could not allocate a unique session code")
}

// Get returns a session with lazy expiry applied to its status. Deleted sessions are hidden.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "session not found")
	}
	if sess.Status == StatusDeleted {
		return nil, apperr.New(apperr.NotFound, "session not found")
	}
	sess.Status = sess.EffectiveStatus(s.now())
	return sess, nil
}

// ListActive returns sessions currently admitting attendees.
func (s *Service) ListActive(ctx context.Context) ([]Session, error) {
	out, err := s.store.ListActive(ctx, s.now())
	if err != nil {
		return nil, storeError(err, "could not list sessions")
	}
	return out, nil
}

// ListByCreator returns the actor's own sessions, newest first.
func (s *Service) ListByCreator(ctx context.Context, actor Actor, limit int) ([]Session, error) {
	out, err := s.store.ListByCreator(ctx, actor.UserID, limit)
	if err != nil {
		return nil, storeError(err, "could not list sessions")
	}
	now := s.now()
	for i := range out {
		out[i].Status = out[i].EffectiveStatus(now)
	}
	return out, nil
}

// End closes an active session early. Only its creator may end it.
func (s *Service) End(ctx context.Context, actor Actor, id string) (*Session, error) {
	if !actor.Supervisor {
		return nil, apperr.New(apperr.NotASupervisor, "only supervisors can end sessions")
	}
	sess, err := s.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	switch sess.EffectiveStatus(now) {
	case StatusActive:
	case StatusExpired:
		return nil, apperr.New(apperr.SessionExpired, "session has already expired")
	default:
		return nil, apperr.New(apperr.SessionInactive, "session is not active")
	}
	if err := s.store.Transition(ctx, id, []Status{StatusActive}, StatusEnded, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, apperr.New(apperr.SessionInactive, "session is not active")
		}
		return nil, storeError(err, "could not end session")
	}
	metrics.Session("ended", 1)
	s.log.Info().Str("session_id", id).Msg("session ended")
	sess.Status = StatusEnded
	sess.EndedAt = &now
	return sess, nil
}

// Delete soft-deletes a session and schedules its purge after the grace window.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) (DeleteResult, error) {
	if !actor.Supervisor {
		return DeleteResult{}, apperr.New(apperr.NotASupervisor, "only supervisors can delete sessions")
	}
	sess, err := s.owned(ctx, actor, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if sess.Status == StatusDeleted {
		return DeleteResult{}, apperr.New(apperr.NotFound, "session not found")
	}
	now := s.now().UTC()
	if err := s.store.MarkDeleted(ctx, id, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return DeleteResult{}, apperr.New(apperr.NotFound, "session not found")
		}
		return DeleteResult{}, storeError(err, "could not delete session")
	}
	purgeAt := now.Add(s.opts.DeleteGrace)
	s.publish(ctx, queue.TypeSessionDeleted, queue.SessionDeleted{SessionID: id, DeletedAt: now, PurgeAt: purgeAt})
	metrics.Session("deleted", 1)
	s.log.Info().Str("session_id", id).Time("purge_at", purgeAt).Msg("session soft-deleted")

	sess.PreviousStatus = sess.Status
	sess.Status = StatusDeleted
	sess.DeletedAt = &now
	return DeleteResult{Session: sess, UndoUntil: purgeAt}, nil
}

// Restore undoes a delete within the grace window.
func (s *Service) Restore(ctx context.Context, actor Actor, id string) (*Session, error) {
	if !actor.Supervisor {
		return nil, apperr.New(apperr.NotASupervisor, "only supervisors can restore sessions")
	}
	if _, err := s.owned(ctx, actor, id); err != nil {
		return nil, err
	}
	notBefore := s.now().Add(-s.opts.DeleteGrace)
	restored, err := s.store.Restore(ctx, id, notBefore)
	if errors.Is(err, ErrCodeTaken) {
		// lost a race with a create reusing the code; the retry restores it ended
		restored, err = s.store.Restore(ctx, id, notBefore)
	}
	if err != nil {
		if errors.Is(err, ErrCodeTaken) {
			return nil, apperr.Wrap(apperr.SessionInactive, "session code is held by another active session", err)
		}
		if errors.Is(err, ErrConflict) {
			return nil, apperr.New(apperr.InvalidArgument, "session is not deleted or the undo window has passed")
		}
		return nil, storeError(err, "could not restore session")
	}
	s.publish(ctx, queue.TypeSessionRestored, queue.SessionRestored{SessionID: id})
	metrics.Session("restored", 1)
	s.log.Info().Str("session_id", id).Msg("session restored")
	return restored, nil
}

// ExpireOverdue persists lazy expiry for every active session past its end.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	n, err := s.store.ExpireOverdue(ctx, s.now())
	if err != nil {
		return 0, storeError(err, "could not expire sessions")
	}
	metrics.Session("expired", n)
	return n, nil
}

func (s *Service) owned(ctx context.Context, actor Actor, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "session not found")
	}
	if sess.CreatedBy != actor.UserID {
		return nil, apperr.New(apperr.NotSessionOwner, "only the session creator can change it")
	}
	return sess, nil
}

func (s *Service) publish(ctx context.Context, typ string, payload any) {
	if s.events == nil {
		return
	}
	msg, err := queue.Encode(typ, payload)
	if err == nil {
		err = s.events.Publish(ctx, msg)
	}
	if err != nil {
		// The worker's backstop scan still purges without the message.
		s.log.Warn().Err(err).Str("type", typ).Msg("queue publish failed")
	}
}

// storeError maps store sentinels onto error kinds.
func storeError(err error, msg string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.NotFound, msg, err)
	case errors.Is(err, ErrUnavailable):
		return apperr.Wrap(apperr.StorageUnavailable, "session store unavailable", err)
	case errors.Is(err, ErrMalformed):
		return apperr.Wrap(apperr.MalformedRecord, "stored session could not be read", err)
	}
	return apperr.Wrap(apperr.Internal, msg, err)
}
