// Package reaper runs the background upkeep for sessions: hard-deleting soft-deleted
// sessions once their undo window has passed and persisting lazy expiry.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"geoattend/internal/metrics"
	"geoattend/internal/queue"
	"geoattend/internal/session"
)

// Config configures a Reaper.
type Config struct {
	// Grace is the undo window after a delete.
	Grace time.Duration
	// Interval is how often due purges and the backstop scan run.
	Interval time.Duration
	// Batch bounds the purges claimed per tick.
	Batch int
}

// Stats summarises one tick.
type Stats struct {
	Purged  int
	Expired int
}

// Reaper consumes session events and purges sessions whose undo window has passed.
type Reaper struct {
	events   queue.Queue
	sched    queue.Scheduler
	store    session.Store
	sessions *session.Service
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// New wires a reaper. events may be nil, in which case only the periodic scan runs.
func New(events queue.Queue, sched queue.Scheduler, sessions *session.Service, cfg Config, log zerolog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Reaper{
		events:   events,
		sched:    sched,
		store:    sessions.Store(),
		sessions: sessions,
		cfg:      cfg,
		log:      log.With().Str("component", "reaper").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (r *Reaper) SetClock(now func() time.Time) { r.now = now }

// Run processes events and ticks until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	var messages <-chan queue.Message
	if r.events != nil {
		ch, err := r.events.Consume(ctx)
		if err != nil {
			return err
		}
		messages = ch
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.cfg.Interval).Dur("grace", r.cfg.Grace).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopped")
			return nil
		case msg, ok := <-messages:
			if !ok {
				// Consumer closed; keep ticking on the scan alone.
				messages = nil
				continue
			}
			if err := r.Handle(ctx, msg); err != nil {
				r.log.Warn().Err(err).Str("type", msg.Type).Msg("event handling failed")
			}
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.log.Warn().Err(err).Msg("reaper tick failed")
			}
		}
	}
}

// Handle applies one queue message.
func (r *Reaper) Handle(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case queue.TypeSessionDeleted:
		var body queue.SessionDeleted
		if err := msg.Decode(&body); err != nil {
			return err
		}
		r.log.Debug().Str("session_id", body.SessionID).Time("purge_at", body.PurgeAt).Msg("purge scheduled")
		return r.sched.Schedule(ctx, body.SessionID, body.PurgeAt)
	case queue.TypeSessionRestored:
		var body queue.SessionRestored
		if err := msg.Decode(&body); err != nil {
			return err
		}
		r.log.Debug().Str("session_id", body.SessionID).Msg("purge cancelled")
		return r.sched.Cancel(ctx, body.SessionID)
	case queue.TypeAttendanceCommitted:
		var body queue.AttendanceCommitted
		if err := msg.Decode(&body); err != nil {
			return err
		}
		r.log.Info().Str("session_id", body.SessionID).Str("user_id", body.UserID).
			Int("count", body.Count).Time("at", body.At).Msg("attendance committed")
		return nil
	}
	r.log.Debug().Str("type", msg.Type).Msg("ignoring unknown message")
	return nil
}

// Tick purges due sessions, persists lazy expiry and runs the backstop scan for deletes
// whose message was lost.
func (r *Reaper) Tick(ctx context.Context) (Stats, error) {
	var stats Stats
	now := r.now()

	ids, err := r.sched.Due(ctx, now, r.cfg.Batch)
	if err != nil {
		return stats, err
	}
	var errs []error
	for _, id := range ids {
		purged, err := r.purge(ctx, id, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if purged {
			stats.Purged++
		}
	}

	expired, err := r.sessions.ExpireOverdue(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	stats.Expired = expired

	n, err := r.store.PurgeDeleted(ctx, now.Add(-r.cfg.Grace))
	if err != nil {
		errs = append(errs, err)
	}
	stats.Purged += n

	metrics.Purged(stats.Purged)
	if stats.Purged > 0 || stats.Expired > 0 {
		r.log.Info().Int("purged", stats.Purged).Int("expired", stats.Expired).Msg("reaper tick")
	}
	return stats, errors.Join(errs...)
}

// purge hard-deletes id if it is still deleted and its own undo window has passed. A
// session re-deleted after a restore is rescheduled for its newer deadline.
func (r *Reaper) purge(ctx context.Context, id string, now time.Time) (bool, error) {
	sess, err := r.store.Get(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return false, nil
	case err != nil:
		r.reschedule(ctx, id, now.Add(r.cfg.Interval))
		return false, err
	}
	if sess.Status != session.StatusDeleted || sess.DeletedAt == nil {
		return false, nil
	}
	if due := sess.DeletedAt.Add(r.cfg.Grace); due.After(now) {
		r.reschedule(ctx, id, due)
		return false, nil
	}

	err = r.store.Purge(ctx, id)
	switch {
	case err == nil:
		r.log.Info().Str("session_id", id).Msg("session purged")
		return true, nil
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrConflict):
		return false, nil
	}
	r.reschedule(ctx, id, now.Add(r.cfg.Interval))
	return false, err
}

func (r *Reaper) reschedule(ctx context.Context, id string, at time.Time) {
	if err := r.sched.Schedule(ctx, id, at); err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("could not reschedule purge")
	}
}
