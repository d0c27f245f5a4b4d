package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/apperr"
	"geoattend/internal/cloudinary"
	"geoattend/internal/face"
	"geoattend/internal/faceclient"
	"geoattend/internal/geo"
	"geoattend/internal/queue"
	"geoattend/internal/session"
	"geoattend/internal/verify"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var campus = session.Location{Latitude: 18.4574, Longitude: 73.8506, RadiusMeters: 50}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type stubComparer struct{ similarity float64 }

func (s stubComparer) Compare(context.Context, faceclient.Image, faceclient.Image) (*faceclient.CompareResult, error) {
	return &faceclient.CompareResult{Similarity: s.similarity, FacesDetected: 1}, nil
}

type stubUploader struct{ err error }

func (s stubUploader) UploadBytes(_ context.Context, _ []byte, _, publicID string) (*cloudinary.UploadResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &cloudinary.UploadResult{PublicID: publicID, SecureURL: "https://cdn.example/" + publicID + ".jpg"}, nil
}

type fixture struct {
	pipeline *Pipeline
	sessions *session.MemoryStore
	profiles *MemoryProfiles
	events   *queue.InMemory
	clock    *fakeClock
	sess     *session.Session
}

func newFixture(t *testing.T, similarity float64) *fixture {
	t.Helper()
	clock := &fakeClock{t: t0}
	store := session.NewMemoryStore()
	events := queue.NewInMemory(16)

	svc := session.NewService(store, events, session.Options{DefaultLocation: campus}, zerolog.Nop())
	svc.SetClock(clock.Now)
	sess, err := svc.Create(context.Background(), session.Actor{UserID: "sup-1", Supervisor: true}, session.CreateInput{DurationSeconds: 60})
	require.NoError(t, err)

	machine := verify.NewMachine(verify.NewMemoryStore(verify.DefaultTTL), verify.DefaultTTL, zerolog.Nop())
	machine.SetClock(clock.Now)
	validator := session.NewValidator(store, geo.Checker{})
	validator.SetClock(clock.Now)
	committer := session.NewCommitter(store)
	committer.SetClock(clock.Now)

	profiles := NewMemoryProfiles()
	p := NewPipeline(Deps{
		Machine:      machine,
		Validator:    validator,
		Committer:    committer,
		Sessions:     store,
		Gate:         face.NewGate(stubComparer{similarity: similarity}, 0.90),
		Profiles:     profiles,
		Uploader:     stubUploader{},
		Events:       events,
		DefaultFence: campus.Fence(),
		Logger:       zerolog.Nop(),
	})
	p.SetClock(clock.Now)
	return &fixture{pipeline: p, sessions: store, profiles: profiles, events: events, clock: clock, sess: sess}
}

func (f *fixture) withReference(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.profiles.Upsert(context.Background(), Profile{UserID: userID, ReferenceImageURL: "https://cdn.example/ref.jpg"}))
}

func north(meters, accuracy float64) geo.Source {
	dLat := meters / geo.EarthRadiusMeters * 180 / math.Pi
	return geo.Static(geo.Position{
		Point:          geo.Point{Latitude: campus.Latitude + dLat, Longitude: campus.Longitude},
		AccuracyMeters: accuracy,
	})
}

var student = session.Identity{UserID: "u-1", Name: "Priya", Email: "priya@example.edu", StudentID: "S42"}

var selfie = faceclient.Image{Data: []byte{0xff, 0xd8, 0xff}}

func (f *fixture) runFlow(t *testing.T, who session.Identity) FaceResult {
	t.Helper()
	ctx := context.Background()
	_, err := f.pipeline.VerifyLocation(ctx, who, f.sess.Code, north(30, 20))
	require.NoError(t, err)
	_, err = f.pipeline.VerifyCode(ctx, who, f.sess.Code, north(30, 20))
	require.NoError(t, err)
	res, err := f.pipeline.VerifyFace(ctx, who, selfie)
	require.NoError(t, err)
	return res
}

func TestAttendanceCommitted(t *testing.T) {
	f := newFixture(t, 0.96)
	f.withReference(t, student.UserID)
	f.clock.Advance(10 * time.Second)

	res := f.runFlow(t, student)
	assert.True(t, res.Added)
	assert.Equal(t, 1, res.AttendeesCount)
	assert.Equal(t, verify.Committed, res.State.Phase)
	assert.Equal(t, "S42", res.Attendee.StudentID)
	assert.Equal(t, t0.Add(10*time.Second), res.Attendee.Timestamp)

	s, err := f.sessions.Get(context.Background(), f.sess.ID)
	require.NoError(t, err)
	require.Len(t, s.Attendees, 1)
	assert.Equal(t, student.UserID, s.Attendees[0].UserID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, err := f.events.Consume(ctx)
	require.NoError(t, err)
	msg := <-ch
	assert.Equal(t, queue.TypeAttendanceCommitted, msg.Type)
}

func TestSecondSubmissionIsNoOp(t *testing.T) {
	f := newFixture(t, 0.96)
	f.withReference(t, student.UserID)
	f.runFlow(t, student)

	f.clock.Advance(5 * time.Second)
	ctx := context.Background()
	_, err := f.pipeline.VerifyLocation(ctx, student, f.sess.Code, north(30, 20))
	require.NoError(t, err)
	res, err := f.pipeline.VerifyCode(ctx, student, f.sess.Code, north(30, 20))
	require.NoError(t, err)
	assert.True(t, res.AlreadyAttended)
	assert.Equal(t, verify.Committed, res.State.Phase)

	s, err := f.sessions.Get(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.AttendeesCount)
}

func TestCodeRejectedOutsideFence(t *testing.T) {
	f := newFixture(t, 0.96)
	ctx := context.Background()

	_, err := f.pipeline.VerifyLocation(ctx, student, "", north(20, 10))
	require.NoError(t, err)
	_, err = f.pipeline.VerifyCode(ctx, student, f.sess.Code, north(200, 10))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.LocationMismatch, ae.Kind)
	assert.InDelta(t, 200, ae.Geofence.Distance, 1)
	assert.Equal(t, 50.0, ae.Geofence.Radius)

	st, err := f.pipeline.State(ctx, student.UserID)
	require.NoError(t, err)
	assert.Equal(t, verify.LocationVerified, st.Phase, "location stays verified for a retry")
}

func TestLocationStepOutcomes(t *testing.T) {
	f := newFixture(t, 0.96)
	ctx := context.Background()

	res, err := f.pipeline.VerifyLocation(ctx, student, "", north(40, 120))
	require.NoError(t, err)
	assert.Equal(t, geo.ProceedLowAccuracy, res.Outcome)

	res, err = f.pipeline.VerifyLocation(ctx, student, "", north(80, 120))
	assert.Equal(t, apperr.LocationMismatch, apperr.KindOf(err))
	assert.Equal(t, geo.SoftBlock, res.Outcome)
	assert.Equal(t, verify.Idle, res.State.Phase)

	_, err = f.pipeline.VerifyLocation(ctx, student, "NOPE00", north(0, 5))
	assert.Equal(t, apperr.InvalidCode, apperr.KindOf(err))

	denied := geo.SourceFunc(func(context.Context) (geo.Position, error) { return geo.Position{}, geo.ErrPermissionDenied })
	_, err = f.pipeline.VerifyLocation(ctx, student, "", denied)
	assert.Equal(t, apperr.LocationUnavailable, apperr.KindOf(err))
}

func TestCodeAfterTTLRequiresRestart(t *testing.T) {
	f := newFixture(t, 0.96)
	ctx := context.Background()

	_, err := f.pipeline.VerifyLocation(ctx, student, "", north(10, 5))
	require.NoError(t, err)
	f.clock.Advance(verify.DefaultTTL + time.Second)

	_, err = f.pipeline.VerifyCode(ctx, student, f.sess.Code, north(10, 5))
	assert.Equal(t, apperr.VerificationExpired, apperr.KindOf(err))

	_, err = f.pipeline.VerifyCode(ctx, student, f.sess.Code, north(10, 5))
	assert.Equal(t, apperr.StepOutOfOrder, apperr.KindOf(err))
}

func TestFaceStep(t *testing.T) {
	ctx := context.Background()

	t.Run("no reference image", func(t *testing.T) {
		f := newFixture(t, 0.99)
		_, _ = f.pipeline.VerifyLocation(ctx, student, "", north(10, 5))
		_, err := f.pipeline.VerifyCode(ctx, student, f.sess.Code, north(10, 5))
		require.NoError(t, err)

		_, err = f.pipeline.VerifyFace(ctx, student, selfie)
		assert.Equal(t, apperr.NoReferenceImage, apperr.KindOf(err))
	})

	t.Run("mismatch keeps verified steps", func(t *testing.T) {
		f := newFixture(t, 0.42)
		f.withReference(t, student.UserID)
		_, _ = f.pipeline.VerifyLocation(ctx, student, "", north(10, 5))
		_, err := f.pipeline.VerifyCode(ctx, student, f.sess.Code, north(10, 5))
		require.NoError(t, err)

		res, err := f.pipeline.VerifyFace(ctx, student, selfie)
		assert.Equal(t, apperr.FaceMismatch, apperr.KindOf(err))
		assert.InDelta(t, 0.42, res.Face.Similarity, 1e-9)

		st, err := f.pipeline.State(ctx, student.UserID)
		require.NoError(t, err)
		assert.Equal(t, verify.CodeVerified, st.Phase)

		s, err := f.sessions.Get(ctx, f.sess.ID)
		require.NoError(t, err)
		assert.Zero(t, s.AttendeesCount)
	})

	t.Run("before code step", func(t *testing.T) {
		f := newFixture(t, 0.99)
		_, err := f.pipeline.VerifyFace(ctx, student, selfie)
		assert.Equal(t, apperr.StepOutOfOrder, apperr.KindOf(err))
	})
}

func TestReferenceImageUpload(t *testing.T) {
	f := newFixture(t, 0.99)
	ctx := context.Background()

	status, err := f.pipeline.CheckFaceUpload(ctx, student.UserID)
	require.NoError(t, err)
	assert.False(t, status.HasReference)

	status, err = f.pipeline.UploadReferenceImage(ctx, student, []byte{1, 2, 3}, "me.jpg")
	require.NoError(t, err)
	assert.True(t, status.HasReference)
	stored, err := f.profiles.Get(ctx, student.UserID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/faces/u-1.jpg", stored.ReferenceImageURL)
	body, err := json.Marshal(status)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "cdn.example")

	status, err = f.pipeline.CheckFaceUpload(ctx, student.UserID)
	require.NoError(t, err)
	assert.True(t, status.HasReference)

	f.pipeline.Uploader = stubUploader{err: errors.New("cloudinary down")}
	_, err = f.pipeline.UploadReferenceImage(ctx, student, []byte{1}, "me.jpg")
	assert.Equal(t, apperr.StorageUnavailable, apperr.KindOf(err))

	_, err = f.pipeline.UploadReferenceImage(ctx, student, nil, "me.jpg")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestCommitUsesCodeStepPosition(t *testing.T) {
	f := newFixture(t, 0.96)
	f.withReference(t, student.UserID)
	ctx := context.Background()

	_, err := f.pipeline.VerifyLocation(ctx, student, f.sess.Code, north(40, 20))
	require.NoError(t, err)
	_, err = f.pipeline.VerifyCode(ctx, student, f.sess.Code, north(5, 5))
	require.NoError(t, err)
	res, err := f.pipeline.VerifyFace(ctx, student, selfie)
	require.NoError(t, err)

	codePos, err := north(5, 5).Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, codePos.Point, res.Attendee.Location)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, 0.96)
	f.withReference(t, student.UserID)
	f.runFlow(t, student)

	h, err := f.pipeline.History(context.Background(), student.UserID, 10)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, f.sess.ID, h[0].SessionID)
	assert.Equal(t, session.StatusActive, h[0].Status)

	// the stored row still says active once the session has run out
	f.clock.Advance(time.Minute)
	h, err = f.pipeline.History(context.Background(), student.UserID, 10)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, session.StatusExpired, h[0].Status)
	stored, err := f.sessions.Get(context.Background(), f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, stored.Status)
}

func TestMemoryProfilesMerge(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProfiles()
	require.NoError(t, p.Upsert(ctx, Profile{UserID: "u", Name: "A", ReferenceImageURL: "ref"}))
	require.NoError(t, p.Upsert(ctx, Profile{UserID: "u", Email: "a@x"}))
	got, err := p.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Name)
	assert.Equal(t, "a@x", got.Email)
	assert.Equal(t, "ref", got.ReferenceImageURL)

	_, err = p.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}
