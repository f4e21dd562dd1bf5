package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bryanwahyu/diagnovision/internal/domain/session"
	"github.com/bryanwahyu/diagnovision/internal/infra/identity"
)

type UserRepository struct{ db *DB }

func NewUserRepository(db *DB) *UserRepository { return &UserRepository{db: db} }

// CreateUser inserts credentials; a taken email maps to session.ErrEmailInUse.
func (r *UserRepository) CreateUser(ctx context.Context, u identity.User) error {
	const q = `
INSERT INTO users (id, email, display_name, password_hash, created_at)
VALUES (?,?,?,?,?)`
	_, err := r.db.exec(ctx, q, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return session.ErrEmailInUse
	}
	return err
}

func (r *UserRepository) UserByEmail(ctx context.Context, email string) (identity.User, error) {
	const q = `
SELECT id, email, display_name, password_hash, created_at
FROM users WHERE email=? LIMIT 1`
	var u identity.User
	err := r.db.queryRow(ctx, q, email).Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, identity.ErrUserNotFound
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}
