package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process. Used by tests and STORE_BACKEND=memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func clone(s *Session) *Session {
	out := *s
	out.Attendees = append([]Attendee(nil), s.Attendees...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.DeletedAt != nil {
		t := *s.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.Code == s.Code && existing.Status == StatusActive && existing.ExpiresAt.After(s.CreatedAt) {
			return ErrCodeTaken
		}
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) GetByCode(_ context.Context, code string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Session
	for _, s := range m.sessions {
		if s.Code != code || s.Status == StatusDeleted {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return clone(best), nil
}

func (m *MemoryStore) ListActive(_ context.Context, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == StatusActive && s.ExpiresAt.After(now) {
			out = append(out, *clone(s))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListByCreator(_ context.Context, creatorID string, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.CreatedBy == creatorID && s.Status != StatusDeleted {
			out = append(out, *clone(s))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendAttendee(_ context.Context, sessionID string, a Attendee) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return AppendResult{}, ErrNotFound
	}
	if s.HasAttendee(a.UserID) {
		return AppendResult{Added: false, Session: clone(s)}, nil
	}
	if s.EffectiveStatus(a.Timestamp) != StatusActive {
		return AppendResult{}, ErrConflict
	}
	s.Attendees = append(s.Attendees, a)
	s.AttendeesCount++
	return AppendResult{Added: true, Session: clone(s)}, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from []Status, next Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !containsStatus(from, s.Status) {
		return ErrConflict
	}
	s.Status = next
	if next == StatusEnded {
		t := at
		s.EndedAt = &t
	}
	return nil
}

func (m *MemoryStore) MarkDeleted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status == StatusDeleted {
		return ErrConflict
	}
	s.PreviousStatus = s.Status
	s.Status = StatusDeleted
	t := at
	s.DeletedAt = &t
	return nil
}

func (m *MemoryStore) Restore(_ context.Context, id string, notBefore time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusDeleted || s.DeletedAt == nil || s.DeletedAt.Before(notBefore) {
		return nil, ErrConflict
	}
	s.Status = s.PreviousStatus
	if !s.Status.Valid() || s.Status == StatusDeleted {
		s.Status = StatusEnded
	}
	if s.Status == StatusActive && m.codeHeld(s) {
		s.Status = StatusEnded
	}
	if s.Status == StatusEnded && s.EndedAt == nil {
		t := *s.DeletedAt
		s.EndedAt = &t
	}
	s.PreviousStatus = ""
	s.DeletedAt = nil
	return clone(s), nil
}

// codeHeld reports whether another active session already uses s.Code.
func (m *MemoryStore) codeHeld(s *Session) bool {
	for _, other := range m.sessions {
		if other.ID != s.ID && other.Code == s.Code && other.Status == StatusActive {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Purge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusDeleted {
		return ErrConflict
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) PurgeDeleted(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Status == StatusDeleted && s.DeletedAt != nil && s.DeletedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ExpireOverdue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive && !now.Before(s.ExpiresAt) {
			s.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, s := range m.sessions {
		if s.Status == StatusDeleted {
			continue
		}
		for _, a := range s.Attendees {
			if a.UserID == userID {
				out = append(out, HistoryEntry{
					SessionID:      s.ID,
					Code:           s.Code,
					OrganizationID: s.OrganizationID,
					Status:         s.Status,
					AttendedAt:     a.Timestamp,
					ExpiresAt:      s.ExpiresAt,
				})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttendedAt.After(out[j].AttendedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func sortNewestFirst(s []Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].CreatedAt.After(s[j].CreatedAt) })
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
