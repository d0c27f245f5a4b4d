package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried between the API and the worker.
const (
	TypeSessionDeleted      = "session.deleted"
	TypeSessionRestored     = "session.restored"
	TypeAttendanceCommitted = "attendance.committed"
)

// SessionDeleted asks the worker to purge a session once PurgeAt passes.
type SessionDeleted struct {
	SessionID string    `json:"session_id"`
	DeletedAt time.Time `json:"deleted_at"`
	PurgeAt   time.Time `json:"purge_at"`
}

// SessionRestored cancels a pending purge.
type SessionRestored struct {
	SessionID string `json:"session_id"`
}

// AttendanceCommitted is emitted after the commit engine records a new attendee.
type AttendanceCommitted struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	At        time.Time `json:"at"`
	Count     int       `json:"attendees_count"`
}

// Encode builds a message of the given type with a JSON body.
func Encode(typ string, payload any) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{Type: typ, Body: body}, nil
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}
