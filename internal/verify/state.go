package verify

import (
	"time"

	"geoattend/internal/geo"
)

// DefaultTTL is how long a completed step stays valid.
const DefaultTTL = 10 * time.Minute

// Phase is the current step of an attendee's verification flow.
type Phase string

const (
	Idle             Phase = "idle"
	LocationPending  Phase = "location_pending"
	LocationVerified Phase = "location_verified"
	CodePending      Phase = "code_pending"
	CodeVerified     Phase = "code_verified"
	Committed        Phase = "committed"
)

// State is the verification progress of one attendee. It is shared by every open view of
// the same user, so it carries a version that increases on every write.
type State struct {
	Phase       Phase         `json:"phase"`
	LocationAt  *time.Time    `json:"location_verified_at,omitempty"`
	CodeAt      *time.Time    `json:"code_verified_at,omitempty"`
	Position    *geo.Position `json:"position,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	SessionCode string        `json:"session_code,omitempty"`
	Version     int64         `json:"version"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Normalized returns s with an empty phase read as Idle.
func (s State) Normalized() State {
	if s.Phase == "" {
		s.Phase = Idle
	}
	return s
}

// Fresh reports whether a step completed at t is still within ttl of now.
func Fresh(t *time.Time, now time.Time, ttl time.Duration) bool {
	return t != nil && now.Sub(*t) <= ttl
}

// Check applies the TTL to s. If any recorded step has aged out the whole flow resets:
// the returned state is Idle with all timestamps cleared and expired is true.
func Check(s State, now time.Time, ttl time.Duration) (next State, expired bool) {
	s = s.Normalized()
	stale := (s.LocationAt != nil && !Fresh(s.LocationAt, now, ttl)) ||
		(s.CodeAt != nil && !Fresh(s.CodeAt, now, ttl))
	if !stale {
		return s, false
	}
	return State{Phase: Idle, Version: s.Version, UpdatedAt: s.UpdatedAt}, true
}
