package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/aura-webinar/conference/internal/models"
)

// CreateUser implements Store.
func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	const q = `INSERT INTO users (id, email, password, name)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id, created_at, updated_at`
	return mapErr(p.db.QueryRow(ctx, q, u.Email, u.Password, u.Name).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt))
}

// GetUserByEmail implements Store.
func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `SELECT id, email, password, name, created_at, updated_at FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUser(p.db.QueryRow(ctx, q, email))
}

// GetUserByID implements Store.
func (p *Postgres) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const q = `SELECT id, email, password, name, created_at, updated_at FROM users WHERE id = $1`
	return scanUser(p.db.QueryRow(ctx, q, id))
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Password, &u.Name, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}
