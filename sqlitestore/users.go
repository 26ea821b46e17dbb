package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quickcover/auth"
)

var _ auth.Repository = (*Store)(nil)

const userColumns = `id, email, display_name, password_hash, created_at, updated_at`

// CreateUser inserts a new user with hashed password.
func (s *Store) CreateUser(ctx context.Context, params auth.CreateUserParams) (auth.User, error) {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, email, display_name, password_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		params.ID, params.Email, params.DisplayName, params.PasswordHash, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.User{}, auth.ErrDuplicateEmail
		}
		return auth.User{}, fmt.Errorf("sqlitestore: create user: %w", err)
	}
	return s.GetUserByID(ctx, params.ID)
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

// GetUserByID fetches a user by id.
func (s *Store) GetUserByID(ctx context.Context, userID string) (auth.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
}

func (s *Store) getUser(ctx context.Context, query string, arg string) (auth.User, error) {
	var (
		user             auth.User
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.User{}, auth.ErrUserNotFound
		}
		return auth.User{}, fmt.Errorf("sqlitestore: get user: %w", err)
	}
	if user.CreatedAt, err = parseTime(created); err != nil {
		return auth.User{}, err
	}
	if user.UpdatedAt, err = parseTime(updated); err != nil {
		return auth.User{}, err
	}
	return user, nil
}

// RevokeToken records a signed-out token until it would have expired.
func (s *Store) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO revoked_tokens (token_id, expires_at) VALUES (?, ?)`, tokenID, formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether tokenID was signed out.
func (s *Store) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = ?)`, tokenID).Scan(&revoked); err != nil {
		return false, fmt.Errorf("sqlitestore: check revoked token: %w", err)
	}
	return revoked, nil
}

// PurgeRevokedTokens drops revocations whose tokens have expired anyway.
func (s *Store) PurgeRevokedTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < ?`, s.stamp())
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: purge revoked tokens: %w", err)
	}
	return res.RowsAffected()
}
