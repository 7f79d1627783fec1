package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Mutter0815/CampaignMailer/internal/auth"
)

func (s *Store) GetUserByLogin(ctx context.Context, login string) (auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, role, active
		FROM users
		WHERE username = $1 OR email = $1`, login).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrUserNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	return u, nil
}

// UpsertUser creates the user or resets role, password and active flag of an existing one.
func (s *Store) UpsertUser(ctx context.Context, u auth.User) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, role, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE
		   SET email = EXCLUDED.email, password_hash = EXCLUDED.password_hash,
		       role = EXCLUDED.role, active = EXCLUDED.active
		RETURNING id`, u.Username, u.Email, u.PasswordHash, string(u.Role), u.Active).Scan(&id)
	return id, err
}
