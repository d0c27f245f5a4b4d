package session

import (
	"time"

	"geoattend/internal/geo"
)

// Status is the stored lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusEnded, StatusExpired, StatusDeleted:
		return true
	}
	return false
}

// Location is the geofence a session admits attendees from.
type Location struct {
	Latitude     float64 `json:"latitude" bson:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64 `json:"longitude" bson:"longitude" validate:"gte=-180,lte=180"`
	RadiusMeters float64 `json:"radius_meters" bson:"radius_meters" validate:"gt=0,lte=5000"`
}

// Fence converts the location into an admission fence.
func (l Location) Fence() geo.Fence {
	return geo.Fence{
		Center:       geo.Point{Latitude: l.Latitude, Longitude: l.Longitude},
		RadiusMeters: l.RadiusMeters,
	}
}

// Attendee is one recorded attendance entry. Entries are never mutated after commit.
type Attendee struct {
	UserID    string    `json:"user_id" bson:"user_id"`
	Name      string    `json:"name" bson:"name"`
	Email     string    `json:"email" bson:"email"`
	StudentID string    `json:"student_id,omitempty" bson:"student_id,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Location  geo.Point `json:"location" bson:"location"`
}

// Identity is the verified attendee presented to the commit engine.
type Identity struct {
	UserID    string
	Name      string
	Email     string
	StudentID string
}

// Session is a time-boxed, location-bound admission window identified by a short code.
type Session struct {
	ID             string     `json:"id" bson:"_id"`
	Code           string     `json:"code" bson:"code"`
	Location       Location   `json:"location" bson:"location"`
	CreatedBy      string     `json:"created_by" bson:"created_by"`
	OrganizationID string     `json:"organization_id,omitempty" bson:"organization_id,omitempty"`
	Status         Status     `json:"status" bson:"status"`
	PreviousStatus Status     `json:"previous_status,omitempty" bson:"previous_status,omitempty"`
	StartTime      time.Time  `json:"start_time" bson:"start_time"`
	ExpiresAt      time.Time  `json:"expires_at" bson:"expires_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" bson:"deleted_at,omitempty"`
	Attendees      []Attendee `json:"attendees" bson:"attendees"`
	AttendeesCount int        `json:"attendees_count" bson:"attendees_count"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
}

// EffectiveStatus applies lazy expiry: an active session past ExpiresAt reads as expired
// regardless of the stored field.
func (s *Session) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

// HasAttendee reports whether userID is already recorded.
func (s *Session) HasAttendee(userID string) bool {
	for i := range s.Attendees {
		if s.Attendees[i].UserID == userID {
			return true
		}
	}
	return false
}

// HistoryEntry is one attended session as seen by the attendee.
type HistoryEntry struct {
	SessionID      string    `json:"session_id"`
	Code           string    `json:"code"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Status         Status    `json:"status"`
	AttendedAt     time.Time `json:"attended_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}
