package session

import (
	"context"
	"errors"
	"time"

	"geoattend/internal/apperr"
	"geoattend/internal/geo"
	"geoattend/internal/metrics"
)

// CodeCheck is the result of a successful code validation.
type CodeCheck struct {
	Session *Session
	// AlreadyAttended is set when the submitter is already recorded; the caller must not commit again.
	AlreadyAttended bool
	Admission       geo.Admission
}

// Validator checks a submitted code against the authoritative session record.
type Validator struct {
	store   Store
	checker geo.Checker
	now     func() time.Time
}

// NewValidator builds a validator using checker for the geofence re-check.
func NewValidator(store Store, checker geo.Checker) *Validator {
	return &Validator{store: store, checker: checker, now: time.Now}
}

// SetClock replaces the wall clock, for tests.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// Validate runs the code checks in order: lookup, status, expiry, already attended,
// then the geofence against the session's stored location.
func (v *Validator) Validate(ctx context.Context, code, userID string, pos geo.Position) (*CodeCheck, error) {
	code = NormalizeCode(code)
	if !WellFormedCode(code) {
		return nil, apperr.New(apperr.InvalidCode, "invalid session code")
	}
	sess, err := v.store.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.New(apperr.InvalidCode, "invalid session code")
		}
		return nil, storeError(err, "could not look up session")
	}

	now := v.now()
	switch sess.Status {
	case StatusActive:
	case StatusExpired:
		return nil, apperr.New(apperr.SessionExpired, "this session has expired")
	default:
		return nil, apperr.New(apperr.SessionInactive, "this session is no longer active")
	}
	if !now.Before(sess.ExpiresAt) {
		return nil, apperr.New(apperr.SessionExpired, "this session has expired")
	}

	if userID != "" && sess.HasAttendee(userID) {
		return &CodeCheck{Session: sess, AlreadyAttended: true}, nil
	}

	if !pos.Valid() {
		return nil, apperr.New(apperr.LocationUnavailable, "current location is missing or invalid")
	}
	adm := v.checker.Admit(pos, sess.Location.Fence())
	metrics.Geofence(string(adm.Outcome()))
	if !adm.Admitted() {
		return nil, apperr.Mismatch(adm.Message(), apperr.GeofenceDetail{
			Distance:      adm.Distance,
			Radius:        adm.Radius,
			AccuracyLevel: string(adm.AccuracyLevel),
			Certain:       adm.AccuracyLevel == geo.AccuracyHigh,
		})
	}
	return &CodeCheck{Session: sess, Admission: adm}, nil
}
