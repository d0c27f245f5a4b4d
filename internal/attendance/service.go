package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"geoattend/internal/apperr"
	"geoattend/internal/cloudinary"
	"geoattend/internal/face"
	"geoattend/internal/faceclient"
	"geoattend/internal/geo"
	"geoattend/internal/metrics"
	"geoattend/internal/queue"
	"geoattend/internal/session"
	"geoattend/internal/verify"
)

// Uploader stores reference photos and returns their public URL.
type Uploader interface {
	UploadBytes(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// Deps are the collaborators of a Pipeline. Uploader and Events may be nil.
type Deps struct {
	Machine   *verify.Machine
	Validator *session.Validator
	Committer *session.Committer
	Sessions  session.Store
	Gate      *face.Gate
	Profiles  Profiles
	Uploader  Uploader
	Events    queue.Publisher
	Checker   geo.Checker
	// DefaultFence is used by the location step when no session code is supplied.
	DefaultFence    geo.Fence
	LocationTimeout time.Duration
	Logger          zerolog.Logger
}

// Pipeline runs the attendance flow: location, code, then face and commit.
type Pipeline struct {
	Deps
	log zerolog.Logger
	now func() time.Time
}

// NewPipeline wires a pipeline.
func NewPipeline(d Deps) *Pipeline {
	if d.LocationTimeout <= 0 {
		d.LocationTimeout = geo.DefaultAcquireTimeout
	}
	return &Pipeline{Deps: d, log: d.Logger.With().Str("component", "attendance").Logger(), now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// LocationResult is the outcome of the location step.
type LocationResult struct {
	Admission geo.Admission `json:"admission"`
	Outcome   geo.Outcome   `json:"outcome"`
	Message   string        `json:"message"`
	State     verify.State  `json:"state"`
}

// CodeResult is the outcome of the code step.
type CodeResult struct {
	SessionID       string       `json:"session_id"`
	Code            string       `json:"code"`
	ExpiresAt       time.Time    `json:"expires_at"`
	AlreadyAttended bool         `json:"already_attended"`
	State           verify.State `json:"state"`
}

// FaceResult is the outcome of the face step and commit.
type FaceResult struct {
	Face           face.Result      `json:"face"`
	Added          bool             `json:"added"`
	SessionID      string           `json:"session_id"`
	Attendee       session.Attendee `json:"attendee"`
	AttendeesCount int              `json:"attendees_count"`
	State          verify.State     `json:"state"`
}

// FaceUploadStatus reports whether a reference photo is on file.
type FaceUploadStatus struct {
	HasReference bool       `json:"has_reference"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// VerifyLocation checks the attendee's position against the session named by code, or
// against the default fence when code is empty.
func (p *Pipeline) VerifyLocation(ctx context.Context, who session.Identity, code string, src geo.Source) (LocationResult, error) {
	res, err := p.verifyLocation(ctx, who, code, src)
	metrics.VerifyStep("location", resultLabel(err))
	return res, err
}

func (p *Pipeline) verifyLocation(ctx context.Context, who session.Identity, code string, src geo.Source) (LocationResult, error) {
	if _, err := p.Machine.BeginLocation(ctx, who.UserID); err != nil {
		return LocationResult{}, err
	}

	fence := p.DefaultFence
	if code != "" {
		sess, err := p.Sessions.GetByCode(ctx, session.NormalizeCode(code))
		switch {
		case errors.Is(err, session.ErrNotFound):
			p.fail(ctx, who.UserID)
			return LocationResult{}, apperr.New(apperr.InvalidCode, "invalid session code")
		case err != nil:
			p.fail(ctx, who.UserID)
			return LocationResult{}, apperr.Wrap(apperr.StorageUnavailable, "could not look up session", err)
		}
		fence = sess.Location.Fence()
	}

	pos, err := geo.Acquire(ctx, src, p.LocationTimeout)
	if err != nil {
		p.fail(ctx, who.UserID)
		return LocationResult{}, err
	}

	adm := p.Checker.Admit(pos, fence)
	metrics.Geofence(string(adm.Outcome()))
	res := LocationResult{Admission: adm, Outcome: adm.Outcome(), Message: adm.Message()}
	if !adm.Admitted() {
		res.State = p.fail(ctx, who.UserID)
		return res, apperr.Mismatch(adm.Message(), apperr.GeofenceDetail{
			Distance:      adm.Distance,
			Radius:        adm.Radius,
			AccuracyLevel: string(adm.AccuracyLevel),
			Certain:       adm.AccuracyLevel == geo.AccuracyHigh,
		})
	}

	st, err := p.Machine.CompleteLocation(ctx, who.UserID, pos)
	if err != nil {
		return res, err
	}
	res.State = st
	p.log.Debug().Str("user_id", who.UserID).Str("outcome", string(res.Outcome)).
		Float64("distance", adm.Distance).Msg("location verified")
	return res, nil
}

// VerifyCode validates the session code. The location step must have passed within the TTL.
func (p *Pipeline) VerifyCode(ctx context.Context, who session.Identity, code string, src geo.Source) (CodeResult, error) {
	res, err := p.verifyCode(ctx, who, code, src)
	metrics.VerifyStep("code", resultLabel(err))
	return res, err
}

func (p *Pipeline) verifyCode(ctx context.Context, who session.Identity, code string, src geo.Source) (CodeResult, error) {
	if _, err := p.Machine.BeginCode(ctx, who.UserID); err != nil {
		return CodeResult{}, err
	}

	pos, err := geo.Acquire(ctx, src, p.LocationTimeout)
	if err != nil {
		p.fail(ctx, who.UserID)
		return CodeResult{}, err
	}

	check, err := p.Validator.Validate(ctx, code, who.UserID, pos)
	if err != nil {
		p.fail(ctx, who.UserID)
		return CodeResult{}, err
	}
	res := CodeResult{SessionID: check.Session.ID, Code: check.Session.Code, ExpiresAt: check.Session.ExpiresAt}

	if check.AlreadyAttended {
		st, err := p.Machine.MarkCommitted(ctx, who.UserID, check.Session.ID)
		if err != nil {
			return res, err
		}
		res.AlreadyAttended = true
		res.State = st
		return res, nil
	}

	st, err := p.Machine.CompleteCode(ctx, who.UserID, check.Session.ID, check.Session.Code, pos)
	if err != nil {
		return res, err
	}
	res.State = st
	return res, nil
}

// VerifyFace matches the live photo against the reference and commits attendance.
// Failures leave the verified steps in place so only the photo needs retaking.
func (p *Pipeline) VerifyFace(ctx context.Context, who session.Identity, candidate faceclient.Image) (FaceResult, error) {
	res, err := p.verifyFace(ctx, who, candidate)
	metrics.VerifyStep("face", resultLabel(err))
	return res, err
}

func (p *Pipeline) verifyFace(ctx context.Context, who session.Identity, candidate faceclient.Image) (FaceResult, error) {
	if len(candidate.Data) == 0 {
		return FaceResult{}, apperr.New(apperr.InvalidArgument, "live image bytes are required")
	}
	st, err := p.Machine.RequireCommitReady(ctx, who.UserID)
	if err != nil {
		return FaceResult{}, err
	}

	profile, err := p.Profiles.Get(ctx, who.UserID)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		profile = &Profile{UserID: who.UserID}
	case err != nil:
		return FaceResult{}, apperr.Wrap(apperr.StorageUnavailable, "profile store unavailable", err)
	}

	match, err := p.Gate.Match(ctx, profile.ReferenceImageURL, candidate)
	if err != nil {
		return FaceResult{Face: match}, err
	}

	if who.StudentID == "" {
		who.StudentID = profile.StudentID
	}
	if who.Name == "" {
		who.Name = profile.Name
	}
	var where geo.Point
	if st.Position != nil {
		where = st.Position.Point
	}
	commit, err := p.Committer.Commit(ctx, st.SessionID, who, where)
	if err != nil {
		return FaceResult{Face: match, SessionID: st.SessionID}, err
	}

	done, err := p.Machine.MarkCommitted(ctx, who.UserID, st.SessionID)
	if err != nil {
		// Attendance is stored; a stale state only forces a restart.
		p.log.Warn().Err(err).Str("user_id", who.UserID).Msg("could not mark verification committed")
	}

	if commit.Added {
		p.publishCommitted(ctx, commit)
	}
	p.log.Info().Str("user_id", who.UserID).Str("session_id", st.SessionID).
		Bool("added", commit.Added).Float64("similarity", match.Similarity).Msg("attendance committed")

	return FaceResult{
		Face:           match,
		Added:          commit.Added,
		SessionID:      st.SessionID,
		Attendee:       commit.Attendee,
		AttendeesCount: commit.Session.AttendeesCount,
		State:          done,
	}, nil
}

// CheckFaceUpload reports whether userID has a reference photo.
func (p *Pipeline) CheckFaceUpload(ctx context.Context, userID string) (FaceUploadStatus, error) {
	profile, err := p.Profiles.Get(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return FaceUploadStatus{}, nil
	}
	if err != nil {
		return FaceUploadStatus{}, apperr.Wrap(apperr.StorageUnavailable, "profile store unavailable", err)
	}
	if profile.ReferenceImageURL == "" {
		return FaceUploadStatus{}, nil
	}
	updated := profile.UpdatedAt
	return FaceUploadStatus{HasReference: true, UpdatedAt: &updated}, nil
}

// UploadReferenceImage stores a new reference photo for who.
func (p *Pipeline) UploadReferenceImage(ctx context.Context, who session.Identity, data []byte, filename string) (FaceUploadStatus, error) {
	if p.Uploader == nil {
		return FaceUploadStatus{}, apperr.New(apperr.StorageUnavailable, "image storage not configured")
	}
	if len(data) == 0 {
		return FaceUploadStatus{}, apperr.New(apperr.InvalidArgument, "image is empty")
	}
	uploaded, err := p.Uploader.UploadBytes(ctx, data, filename, "faces/"+who.UserID)
	if err != nil {
		return FaceUploadStatus{}, apperr.Wrap(apperr.StorageUnavailable, "image upload failed", err)
	}
	now := p.now().UTC()
	if err := p.Profiles.Upsert(ctx, Profile{
		UserID:            who.UserID,
		Name:              who.Name,
		Email:             who.Email,
		StudentID:         who.StudentID,
		ReferenceImageURL: uploaded.SecureURL,
		UpdatedAt:         now,
	}); err != nil {
		return FaceUploadStatus{}, apperr.Wrap(apperr.StorageUnavailable, "profile store unavailable", err)
	}
	return FaceUploadStatus{HasReference: true, UpdatedAt: &now}, nil
}

// History lists sessions userID attended, newest first.
func (p *Pipeline) History(ctx context.Context, userID string, limit int) ([]session.HistoryEntry, error) {
	out, err := p.Sessions.History(ctx, userID, limit)
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			return nil, apperr.Wrap(apperr.StorageUnavailable, "session store unavailable", err)
		}
		return nil, apperr.Wrap(apperr.Internal, "could not load attendance history", err)
	}
	now := p.now()
	for i := range out {
		if out[i].Status == session.StatusActive && !now.Before(out[i].ExpiresAt) {
			out[i].Status = session.StatusExpired
		}
	}
	return out, nil
}

// State returns the caller's verification state.
func (p *Pipeline) State(ctx context.Context, userID string) (verify.State, error) {
	return p.Machine.Current(ctx, userID)
}

// Reset cancels the caller's verification flow.
func (p *Pipeline) Reset(ctx context.Context, userID string) (verify.State, error) {
	return p.Machine.Reset(ctx, userID)
}

// Watch streams the caller's verification state changes.
func (p *Pipeline) Watch(ctx context.Context, userID string) (<-chan verify.State, error) {
	return p.Machine.Watch(ctx, userID)
}

func (p *Pipeline) fail(ctx context.Context, userID string) verify.State {
	st, err := p.Machine.Fail(ctx, userID)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("could not step verification back")
	}
	return st
}

func (p *Pipeline) publishCommitted(ctx context.Context, c session.CommitResult) {
	if p.Events == nil {
		return
	}
	msg, err := queue.Encode(queue.TypeAttendanceCommitted, queue.AttendanceCommitted{
		SessionID: c.Session.ID,
		UserID:    c.Attendee.UserID,
		At:        c.Attendee.Timestamp,
		Count:     c.Session.AttendeesCount,
	})
	if err == nil {
		err = p.Events.Publish(ctx, msg)
	}
	if err != nil {
		p.log.Warn().Err(err).Msg("queue publish failed")
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}
