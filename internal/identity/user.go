package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

// User is the account record. PasswordHash and TOTPSecret never serialize.
type User struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	Email        *string `json:"email,omitempty"`
	PasswordHash string  `json:"-"`
	TOTPSecret   *string `json:"-"`
	Is2FAEnabled bool    `json:"is2faEnabled"`
	IsAdmin      bool    `json:"isAdmin"`
	IsLocked     bool    `json:"isLocked"`
	CreatedAt    string  `json:"createdAt"`

	createdAtMs int64
}

const userColumns = `id, username, email, password_hash, totp_secret, is_2fa_enabled, is_admin, is_locked, created_at_ms`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.TOTPSecret,
		&u.Is2FAEnabled, &u.IsAdmin, &u.IsLocked, &u.createdAtMs)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = cursor.RFC3339(u.createdAtMs)
	return &u, nil
}

// GetUser loads a user by id. Returns NOT_FOUND when absent.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.store.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return u, nil
}

// getUserByLogin matches username case-insensitively, falling back to email.
func (s *Service) getUserByLogin(ctx context.Context, usernameOrEmail string) (*User, error) {
	u, err := scanUser(s.store.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1) OR email = $1`,
		usernameOrEmail))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeUnauthorized, "invalid credentials")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return u, nil
}

func (s *Service) usernameTaken(ctx context.Context, q store.Querier, username string) (bool, error) {
	var n int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE LOWER(username) = LOWER($1)`, username).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListUsers returns all users ordered by creation. Admin surface only.
func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.store.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at_ms, id`)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return users, nil
}

// SearchUsers finds users whose username contains q (case-insensitive),
// excluding the caller. Queries shorter than 2 characters return nothing.
func (s *Service) SearchUsers(ctx context.Context, callerID, q string) ([]*User, error) {
	if len(q) < 2 {
		return []*User{}, nil
	}
	rows, err := s.store.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE LOWER(username) LIKE '%' || LOWER($1) || '%' AND id != $2 AND is_locked = FALSE
		ORDER BY username LIMIT 20
	`, q, callerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return users, nil
}
