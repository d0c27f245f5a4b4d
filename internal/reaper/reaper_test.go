package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/apperr"
	"geoattend/internal/queue"
	"geoattend/internal/session"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const grace = 10 * time.Second

type fixture struct {
	svc    *session.Service
	store  *session.MemoryStore
	events *queue.InMemory
	sched  *queue.MemoryScheduler
	reaper *Reaper
	now    time.Time
	sup    session.Actor
}

func newFixture(t *testing.T, withEvents bool) *fixture {
	t.Helper()
	f := &fixture{
		store:  session.NewMemoryStore(),
		events: queue.NewInMemory(16),
		sched:  queue.NewMemoryScheduler(),
		now:    t0,
		sup:    session.Actor{UserID: "sup-1", Supervisor: true},
	}
	var pub queue.Publisher
	if withEvents {
		pub = f.events
	}
	f.svc = session.NewService(f.store, pub, session.Options{
		DefaultLocation: session.Location{Latitude: 18.4574, Longitude: 73.8506, RadiusMeters: 50},
		DeleteGrace:     grace,
	}, zerolog.Nop())
	f.svc.SetClock(func() time.Time { return f.now })
	f.reaper = New(f.events, f.sched, f.svc, Config{Grace: grace, Interval: time.Second}, zerolog.Nop())
	f.reaper.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) create(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.svc.Create(context.Background(), f.sup, session.CreateInput{DurationSeconds: 60})
	require.NoError(t, err)
	return sess
}

// drain hands every queued message to the reaper.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.events.Consume(ctx)
	require.NoError(t, err)
	for {
		select {
		case msg := <-ch:
			require.NoError(t, f.reaper.Handle(context.Background(), msg))
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func (f *fixture) tick(t *testing.T) Stats {
	t.Helper()
	stats, err := f.reaper.Tick(context.Background())
	require.NoError(t, err)
	return stats
}

func TestPurgeAfterGrace(t *testing.T) {
	f := newFixture(t, true)
	sess := f.create(t)

	_, err := f.svc.Delete(context.Background(), f.sup, sess.ID)
	require.NoError(t, err)
	f.drain(t)

	f.now = t0.Add(5 * time.Second)
	assert.Zero(t, f.tick(t).Purged)
	_, err = f.store.Get(context.Background(), sess.ID)
	require.NoError(t, err, "still restorable inside the undo window")

	f.now = t0.Add(grace)
	assert.Equal(t, 1, f.tick(t).Purged)
	_, err = f.store.Get(context.Background(), sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRestoreCancelsPurge(t *testing.T) {
	f := newFixture(t, true)
	sess := f.create(t)

	_, err := f.svc.Delete(context.Background(), f.sup, sess.ID)
	require.NoError(t, err)
	f.now = t0.Add(3 * time.Second)
	_, err = f.svc.Restore(context.Background(), f.sup, sess.ID)
	require.NoError(t, err)
	f.drain(t)

	f.now = t0.Add(30 * time.Second)
	stats := f.tick(t)
	assert.Zero(t, stats.Purged)

	got, err := f.svc.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)
}

func TestRedeleteUsesNewestDeadline(t *testing.T) {
	f := newFixture(t, true)
	sess := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Delete(ctx, f.sup, sess.ID)
	require.NoError(t, err)
	f.now = t0.Add(2 * time.Second)
	_, err = f.svc.Restore(ctx, f.sup, sess.ID)
	require.NoError(t, err)
	f.now = t0.Add(4 * time.Second)
	_, err = f.svc.Delete(ctx, f.sup, sess.ID)
	require.NoError(t, err)

	// Only the first delete reaches the reaper; the restore and second delete are lost.
	ch, err := f.events.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, f.reaper.Handle(ctx, <-ch))

	f.now = t0.Add(grace)
	assert.Zero(t, f.tick(t).Purged)
	_, err = f.store.Get(ctx, sess.ID)
	require.NoError(t, err)

	f.now = t0.Add(4*time.Second + grace)
	assert.Equal(t, 1, f.tick(t).Purged)
	_, err = f.store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestBackstopPurgesWithoutMessages(t *testing.T) {
	f := newFixture(t, false)
	sess := f.create(t)

	_, err := f.svc.Delete(context.Background(), f.sup, sess.ID)
	require.NoError(t, err)

	f.now = t0.Add(grace + time.Second)
	assert.Equal(t, 1, f.tick(t).Purged)
	_, err = f.svc.Get(context.Background(), sess.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestTickPersistsExpiry(t *testing.T) {
	f := newFixture(t, true)
	sess := f.create(t)

	f.now = t0.Add(61 * time.Second)
	stats := f.tick(t)
	assert.Equal(t, 1, stats.Expired)

	raw, err := f.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, raw.Status)
}

func TestHandleIgnoresUnknownAndRejectsBadBodies(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assert.NoError(t, f.reaper.Handle(ctx, queue.Message{Type: "something.else"}))
	assert.Error(t, f.reaper.Handle(ctx, queue.Message{Type: queue.TypeSessionDeleted, Body: []byte(`"nope"`)}))

	msg, err := queue.Encode(queue.TypeAttendanceCommitted, queue.AttendanceCommitted{SessionID: "s", UserID: "u", At: t0, Count: 1})
	require.NoError(t, err)
	assert.NoError(t, f.reaper.Handle(ctx, msg))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.reaper.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
