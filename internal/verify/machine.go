package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"geoattend/internal/apperr"
	"geoattend/internal/geo"
)

const restartMessage = "verification expired, please restart from the location step"

// Machine enforces the verification flow for each user over a shared Store.
// Writers for one user are that user's own views acting in sequence, so saves are
// last-writer-wins without locking.
type Machine struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

// NewMachine builds a machine with the given step TTL.
func NewMachine(store Store, ttl time.Duration, log zerolog.Logger) *Machine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Machine{store: store, ttl: ttl, now: time.Now, log: log.With().Str("component", "verify").Logger()}
}

// SetClock replaces the wall clock, for tests.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// TTL returns the configured step lifetime.
func (m *Machine) TTL() time.Duration { return m.ttl }

// Current returns the user's state with the TTL applied. An aged-out flow is persisted as Idle.
func (m *Machine) Current(ctx context.Context, userID string) (State, error) {
	s, _, err := m.load(ctx, userID)
	return s, err
}

// BeginLocation starts (or restarts) the flow at the location step.
func (m *Machine) BeginLocation(ctx context.Context, userID string) (State, error) {
	s, _, err := m.load(ctx, userID)
	if err != nil {
		return State{}, err
	}
	return m.save(ctx, userID, State{Phase: LocationPending, Version: s.Version})
}

// CompleteLocation records a passed geofence check.
func (m *Machine) CompleteLocation(ctx context.Context, userID string, pos geo.Position) (State, error) {
	s, _, err := m.load(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if s.Phase != LocationPending {
		return s, outOfOrder(s.Phase, "location check was not started")
	}
	now := m.now().UTC()
	return m.save(ctx, userID, State{Phase: LocationVerified, LocationAt: &now, Position: &pos, Version: s.Version})
}

// BeginCode moves to code entry. The location step must exist and be fresh; a stale one
// resets the flow and fails with VerificationExpired.
func (m *Machine) BeginCode(ctx context.Context, userID string) (State, error) {
	s, expired, err := m.load(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if expired {
		return s, apperr.New(apperr.VerificationExpired, restartMessage)
	}
	if s.LocationAt == nil || (s.Phase != LocationVerified && s.Phase != CodePending) {
		return s, outOfOrder(s.Phase, "verify your location first")
	}
	s.Phase = CodePending
	return m.save(ctx, userID, s)
}

// CompleteCode records a passed code check for sessionID. pos is the fix taken during the
// code step and replaces the one from the location step.
func (m *Machine) CompleteCode(ctx context.Context, userID, sessionID, code string, pos geo.Position) (State, error) {
	s, expired, err := m.load(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if expired {
		return s, apperr.New(apperr.VerificationExpired, restartMessage)
	}
	if s.Phase != CodePending {
		return s, outOfOrder(s.Phase, "code entry was not started")
	}
	now := m.now().UTC()
	s.Phase = CodeVerified
	s.CodeAt = &now
	s.SessionID = sessionID
	s.SessionCode = code
	s.Position = &pos
	return m.save(ctx, userID, s)
}

// Fail steps back after a rejected check: a failed location check returns to Idle and a
// failed code check keeps the verified location so only the code must be re-entered.
func (m *Machine) Fail(ctx context.Context, userID string) (State, error) {
	s, _, err := m.load(ctx, userID)
	if err != nil {
		return State{}, err
	}
	switch s.Phase {
	case LocationPending:
		return m.save(ctx, userID, State{Phase: Idle, Version: s.Version})
	case CodePending:
		s.Phase = LocationVerified
		return m.save(ctx, userID, s)
	}
	return s, nil
}

// RequireCommitReady checks that both steps are done and fresh before the face step commits.
func (m *Machine) RequireCommitReady(ctx context.Context, userID string) (State, error) {
	s, expired, err := m.load(ctx, userID)
	if err != nil {
		return State{}, err
	}
	if expired {
		return s, apperr.New(apperr.VerificationExpired, restartMessage)
	}
	if s.Phase != CodeVerified || !Fresh(s.LocationAt, m.now(), m.ttl) || !Fresh(s.CodeAt, m.now(), m.ttl) {
		return s, outOfOrder(s.Phase, "verify your location and session code first")
	}
	return s, nil
}

// MarkCommitted records a successful commit. Timestamps are cleared so the next attempt
// starts from the location step.
func (m *Machine) MarkCommitted(ctx context.Context, userID, sessionID string) (State, error) {
	s, _, err := m.load(ctx, userID)
	if err != nil {
		return State{}, err
	}
	return m.save(ctx, userID, State{Phase: Committed, SessionID: sessionID, Version: s.Version})
}

// Reset returns the user to Idle.
func (m *Machine) Reset(ctx context.Context, userID string) (State, error) {
	s, err := m.store.Load(ctx, userID)
	if err != nil {
		return State{}, apperr.Wrap(apperr.StorageUnavailable, "verification state unavailable", err)
	}
	return m.save(ctx, userID, State{Phase: Idle, Version: s.Version})
}

// Watch streams every state change for userID until ctx is done.
func (m *Machine) Watch(ctx context.Context, userID string) (<-chan State, error) {
	ch, err := m.store.Subscribe(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "verification state unavailable", err)
	}
	return ch, nil
}

func (m *Machine) load(ctx context.Context, userID string) (State, bool, error) {
	raw, err := m.store.Load(ctx, userID)
	if err != nil {
		return State{}, false, apperr.Wrap(apperr.StorageUnavailable, "verification state unavailable", err)
	}
	s, expired := Check(raw, m.now(), m.ttl)
	if !expired {
		return s, false, nil
	}
	m.log.Debug().Str("user_id", userID).Str("phase", string(raw.Phase)).Msg("verification state expired, resetting")
	s, err = m.save(ctx, userID, s)
	return s, true, err
}

func (m *Machine) save(ctx context.Context, userID string, s State) (State, error) {
	s.Version++
	s.UpdatedAt = m.now().UTC()
	if err := m.store.Save(ctx, userID, s); err != nil {
		return State{}, apperr.Wrap(apperr.StorageUnavailable, "verification state unavailable", err)
	}
	return s, nil
}

func outOfOrder(phase Phase, msg string) error {
	return apperr.New(apperr.StepOutOfOrder, msg+" (current step: "+string(phase)+")")
}
