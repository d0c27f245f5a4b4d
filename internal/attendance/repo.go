package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists profiles in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the profile for userID.
func (r *Repository) Get(ctx context.Context, userID string) (*Profile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, name, email, student_id, reference_image_url, updated_at
		FROM profiles WHERE user_id = $1
	`, userID)
	var p Profile
	if err := row.Scan(&p.UserID, &p.Name, &p.Email, &p.StudentID, &p.ReferenceImageURL, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Upsert creates or updates a profile. Empty fields keep their stored value.
func (r *Repository) Upsert(ctx context.Context, p Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, name, email, student_id, reference_image_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), profiles.name),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), profiles.email),
			student_id = COALESCE(NULLIF(EXCLUDED.student_id, ''), profiles.student_id),
			reference_image_url = COALESCE(NULLIF(EXCLUDED.reference_image_url, ''), profiles.reference_image_url),
			updated_at = EXCLUDED.updated_at
	`, p.UserID, p.Name, p.Email, p.StudentID, p.ReferenceImageURL, p.UpdatedAt)
	return err
}
