package attendance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrProfileNotFound is returned when a user has no profile row yet.
var ErrProfileNotFound = errors.New("profile not found")

// Profile holds the reference photo the face gate compares against.
type Profile struct {
	UserID            string    `json:"user_id" bson:"_id"`
	Name              string    `json:"name" bson:"name"`
	Email             string    `json:"email" bson:"email"`
	StudentID         string    `json:"student_id,omitempty" bson:"student_id,omitempty"`
	ReferenceImageURL string    `json:"reference_image_url,omitempty" bson:"reference_image_url,omitempty"`
	UpdatedAt         time.Time `json:"updated_at" bson:"updated_at"`
}

// Profiles stores per-user reference photos.
type Profiles interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	// Upsert creates or replaces the profile, keeping stored fields p leaves empty.
	Upsert(ctx context.Context, p Profile) error
}

// MemoryProfiles is the in-process Profiles.
type MemoryProfiles struct {
	mu   sync.RWMutex
	byID map[string]Profile
}

// NewMemoryProfiles creates an empty store.
func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{byID: make(map[string]Profile)}
}

func (m *MemoryProfiles) Get(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

func (m *MemoryProfiles) Upsert(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.UserID] = merge(m.byID[p.UserID], p)
	return nil
}

func merge(old, p Profile) Profile {
	if p.Name == "" {
		p.Name = old.Name
	}
	if p.Email == "" {
		p.Email = old.Email
	}
	if p.StudentID == "" {
		p.StudentID = old.StudentID
	}
	if p.ReferenceImageURL == "" {
		p.ReferenceImageURL = old.ReferenceImageURL
	}
	return p
}
