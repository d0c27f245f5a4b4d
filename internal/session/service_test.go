package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/apperr"
	"geoattend/internal/queue"
)

var supervisor = Actor{UserID: "sup-1", Supervisor: true}

func newService(t *testing.T) (*Service, *MemoryStore, *queue.InMemory, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	events := queue.NewInMemory(16)
	clock := &fakeClock{t: t0}
	svc := NewService(store, events, Options{
		DefaultLocation: testLocation,
		MinDuration:     30 * time.Second,
		MaxDuration:     8 * time.Hour,
		DeleteGrace:     10 * time.Second,
		CodeAlphabet:    "alnum",
	}, zerolog.Nop())
	svc.SetClock(clock.Now)
	return svc, store, events, clock
}

func nextMessage(t *testing.T, ch <-chan queue.Message) queue.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
	return queue.Message{}
}

func TestCreate(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	s, err := svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 60})
	require.NoError(t, err)
	assert.True(t, WellFormedCode(s.Code))
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, testLocation, s.Location)
	assert.Equal(t, t0.Add(time.Minute), s.ExpiresAt)

	custom := &Location{Latitude: 40.7, Longitude: -74, RadiusMeters: 120}
	s, err = svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 600, Location: custom, OrganizationID: "org-9"})
	require.NoError(t, err)
	assert.Equal(t, *custom, s.Location)
	assert.Equal(t, "org-9", s.OrganizationID)
}

func TestCreateRejects(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, Actor{UserID: "student"}, CreateInput{DurationSeconds: 60})
	assert.Equal(t, apperr.NotASupervisor, apperr.KindOf(err))

	_, err = svc.Create(ctx, supervisor, CreateInput{})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	_, err = svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 5})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	_, err = svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 60, Location: &Location{Latitude: 95, Longitude: 0, RadiusMeters: 10}})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	_, err = svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 60, Location: &Location{Latitude: 10, Longitude: 0}})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

type collidingStore struct {
	*MemoryStore
	collisions int
}

func (c *collidingStore) Create(ctx context.Context, s *Session) error {
	if c.collisions > 0 {
		c.collisions--
		return ErrCodeTaken
	}
	return c.MemoryStore.Create(ctx, s)
}

func TestCreateRetriesCodeCollisions(t *testing.T) {
	store := &collidingStore{MemoryStore: NewMemoryStore(), collisions: maxCodeAttempts - 1}
	svc := NewService(store, nil, Options{DefaultLocation: testLocation}, zerolog.Nop())
	_, err := svc.Create(context.Background(), supervisor, CreateInput{DurationSeconds: 60})
	require.NoError(t, err)

	store.collisions = maxCodeAttempts
	_, err = svc.Create(context.Background(), supervisor, CreateInput{DurationSeconds: 60})
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}

func TestEnd(t *testing.T) {
	svc, _, _, clock := newService(t)
	ctx := context.Background()
	s, err := svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 120})
	require.NoError(t, err)

	_, err = svc.End(ctx, Actor{UserID: "sup-2", Supervisor: true}, s.ID)
	assert.Equal(t, apperr.NotSessionOwner, apperr.KindOf(err))

	clock.Advance(30 * time.Second)
	ended, err := svc.End(ctx, supervisor, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, clock.Now(), *ended.EndedAt)

	_, err = svc.End(ctx, supervisor, s.ID)
	assert.Equal(t, apperr.SessionInactive, apperr.KindOf(err))

	late, err := svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 30})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = svc.End(ctx, supervisor, late.ID)
	assert.Equal(t, apperr.SessionExpired, apperr.KindOf(err))
}

func TestGetAppliesLazyExpiry(t *testing.T) {
	svc, _, _, clock := newService(t)
	ctx := context.Background()
	s, err := svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 60})
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	got, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	active, err := svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	n, err := svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Get(ctx, "nope")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDeleteAndRestore(t *testing.T) {
	svc, _, events, clock := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	published, err := events.Consume(ctx)
	require.NoError(t, err)
	s, err := svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 600})
	require.NoError(t, err)

	res, err := svc.Delete(ctx, supervisor, s.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), res.UndoUntil)
	assert.Equal(t, StatusDeleted, res.Session.Status)

	msg := nextMessage(t, published)
	assert.Equal(t, queue.TypeSessionDeleted, msg.Type)
	var deleted queue.SessionDeleted
	require.NoError(t, msg.Decode(&deleted))
	assert.Equal(t, s.ID, deleted.SessionID)
	assert.Equal(t, res.UndoUntil, deleted.PurgeAt)

	_, err = svc.Get(ctx, s.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	mine, err := svc.ListByCreator(ctx, supervisor, 10)
	require.NoError(t, err)
	assert.Empty(t, mine)

	clock.Advance(5 * time.Second)
	restored, err := svc.Restore(ctx, supervisor, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, restored.Status)
	assert.Nil(t, restored.DeletedAt)
	assert.Equal(t, queue.TypeSessionRestored, nextMessage(t, published).Type)

	_, err = svc.Delete(ctx, supervisor, s.ID)
	require.NoError(t, err)
	clock.Advance(11 * time.Second)
	_, err = svc.Restore(ctx, supervisor, s.ID)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

// racingStore reports the code as taken on every restore.
type racingStore struct {
	*MemoryStore
	calls int
}

func (r *racingStore) Restore(context.Context, string, time.Time) (*Session, error) {
	r.calls++
	return nil, ErrCodeTaken
}

func TestRestoreAfterCodeReused(t *testing.T) {
	svc, store, _, clock := newService(t)
	ctx := context.Background()
	first := seedSession(store, "ABC123", t0, time.Hour)
	_, err := svc.Delete(ctx, supervisor, first.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	second := &Session{ID: "sess-second", Code: "ABC123", Location: testLocation, CreatedBy: "sup-1",
		Status: StatusActive, StartTime: clock.Now(), CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Hour)}
	require.NoError(t, store.Create(ctx, second))

	restored, err := svc.Restore(ctx, supervisor, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, restored.Status)

	byCode, err := store.GetByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "sess-second", byCode.ID)

	racing := &racingStore{MemoryStore: store}
	svc.store = racing
	_, err = svc.Restore(ctx, supervisor, first.ID)
	assert.Equal(t, apperr.SessionInactive, apperr.KindOf(err))
	assert.Equal(t, 2, racing.calls)
}

func TestListByCreator(t *testing.T) {
	svc, _, _, clock := newService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, supervisor, CreateInput{DurationSeconds: 60})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err := svc.Create(ctx, Actor{UserID: "sup-2", Supervisor: true}, CreateInput{DurationSeconds: 60})
	require.NoError(t, err)

	mine, err := svc.ListByCreator(ctx, supervisor, 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.True(t, mine[0].CreatedAt.After(mine[1].CreatedAt))
}
