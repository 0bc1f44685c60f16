// Package identity owns user accounts: registration, password and TOTP
// authentication, OAuth linkage, and the administrative lifecycle (lock,
// admin grants, deletion). The bootstrap admin is protected from lock,
// demotion, and deletion.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

const bcryptCost = 12

// Service implements account operations over the store.
type Service struct {
	store *store.Store

	// bootstrapUsername names the protected seeded admin.
	bootstrapUsername string

	// OnUserCreated runs after any successful user creation (registration or
	// OAuth provisioning). Failures are logged, never surfaced: default
	// folder seeding must not fail registration.
	OnUserCreated func(ctx context.Context, userID string)

	totpAttempts *attemptLimiter
}

// New creates an identity service. bootstrapUsername defaults to "admin".
func New(st *store.Store, bootstrapUsername string) *Service {
	if bootstrapUsername == "" {
		bootstrapUsername = "admin"
	}
	return &Service{
		store:             st,
		bootstrapUsername: bootstrapUsername,
		totpAttempts:      newAttemptLimiter(5),
	}
}

func (s *Service) isBootstrapAdmin(u *User) bool {
	return strings.EqualFold(u.Username, s.bootstrapUsername)
}

// ValidatePassword enforces the password policy: at least 12 characters with
// lowercase, uppercase, digit, and special, and no whitespace.
func ValidatePassword(pw string) map[string]string {
	problems := []string{}
	if len(pw) < 12 {
		problems = append(problems, "must be at least 12 characters")
	}
	var lower, upper, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsSpace(r):
			problems = append(problems, "must not contain whitespace")
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if !lower {
		problems = append(problems, "must contain a lowercase letter")
	}
	if !upper {
		problems = append(problems, "must contain an uppercase letter")
	}
	if !digit {
		problems = append(problems, "must contain a digit")
	}
	if !special {
		problems = append(problems, "must contain a special character")
	}
	if len(problems) == 0 {
		return nil
	}
	return map[string]string{"password": strings.Join(problems, "; ")}
}

func validateUsername(username string) map[string]string {
	if n := len(username); n < 3 || n > 50 {
		return map[string]string{"username": "must be between 3 and 50 characters"}
	}
	return nil
}

// Register creates a new account. Seeding of default folders happens through
// the OnUserCreated hook and cannot fail registration.
func (s *Service) Register(ctx context.Context, username, password string, email *string) (*User, error) {
	fields := map[string]string{}
	for k, v := range validateUsername(username) {
		fields[k] = v
	}
	for k, v := range ValidatePassword(password) {
		fields[k] = v
	}
	if email != nil && !strings.Contains(*email, "@") {
		fields["email"] = "must be a valid email address"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation(fields)
	}

	taken, err := s.usernameTaken(ctx, s.store, username)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if taken {
		return nil, apperr.New(apperr.CodeConflict, "username already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	u := &User{
		ID:          uuid.NewString(),
		Username:    username,
		Email:       email,
		createdAtMs: cursor.NowMs(),
	}
	u.CreatedAt = cursor.RFC3339(u.createdAtMs)

	_, err = s.store.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, is_2fa_enabled, is_admin, is_locked, created_at_ms)
		VALUES ($1, $2, $3, $4, FALSE, FALSE, FALSE, $5)
	`, u.ID, u.Username, u.Email, string(hash), u.createdAtMs)
	if err != nil {
		return nil, store.AsConflict(err, "username or email already taken")
	}

	s.notifyCreated(ctx, u.ID)
	return u, nil
}

func (s *Service) notifyCreated(ctx context.Context, userID string) {
	if s.OnUserCreated == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("user_id", userID).Msg("user-created hook panicked")
			}
		}()
		s.OnUserCreated(ctx, userID)
	}()
}

// Authenticate checks credentials. When the account has 2FA enabled it
// returns (user, true, nil) and the caller must not mint tokens until
// Verify2FA succeeds.
func (s *Service) Authenticate(ctx context.Context, usernameOrEmail, password string) (*User, bool, error) {
	u, err := s.getUserByLogin(ctx, usernameOrEmail)
	if err != nil {
		// Burn a bcrypt comparison so missing users cost the same as wrong
		// passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$12$XXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX"), []byte(password))
		return nil, false, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, false, apperr.New(apperr.CodeUnauthorized, "invalid credentials")
	}
	if u.IsLocked {
		return nil, false, apperr.New(apperr.CodeForbidden, "account is locked")
	}
	if u.Is2FAEnabled {
		return u, true, nil
	}
	return u, false, nil
}

// ChangePassword verifies the current password and stores a new hash.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return apperr.New(apperr.CodeUnauthorized, "current password is incorrect")
	}
	if fields := ValidatePassword(next); fields != nil {
		return apperr.Validation(fields)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcryptCost)
	if err != nil {
		return apperr.Internal(err)
	}
	if _, err := s.store.Exec(ctx,
		`UPDATE users SET password_hash = $1 WHERE id = $2`, string(hash), userID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// CreatePasswordReset issues a single-use reset token valid for one hour.
// The plain token is returned for out-of-band delivery; only its hash is
// stored. Unknown accounts return a token-shaped error-free response upstream
// to avoid enumeration, so NOT_FOUND here is for the caller to swallow.
func (s *Service) CreatePasswordReset(ctx context.Context, usernameOrEmail string) (string, error) {
	u, err := s.getUserByLogin(ctx, usernameOrEmail)
	if err != nil {
		return "", apperr.New(apperr.CodeNotFound, "user not found")
	}

	tok := randomToken()
	if _, err := s.store.Exec(ctx, `
		INSERT INTO password_resets (id, user_id, token_hash, expires_at_ms, used)
		VALUES ($1, $2, $3, $4, FALSE)
	`, uuid.NewString(), u.ID, hashReset(tok), cursor.NowMs()+3600_000); err != nil {
		return "", apperr.Internal(err)
	}
	return tok, nil
}

// ResetPassword consumes a reset token and sets the new password.
func (s *Service) ResetPassword(ctx context.Context, token, next string) error {
	if fields := ValidatePassword(next); fields != nil {
		return apperr.Validation(fields)
	}

	var id, userID string
	var expiresAtMs int64
	var used bool
	err := s.store.QueryRow(ctx, `
		SELECT id, user_id, expires_at_ms, used FROM password_resets WHERE token_hash = $1
	`, hashReset(token)).Scan(&id, &userID, &expiresAtMs, &used)
	if err != nil {
		return apperr.New(apperr.CodeUnauthorized, "invalid reset token")
	}
	if used || expiresAtMs < cursor.NowMs() {
		return apperr.New(apperr.CodeUnauthorized, "reset token expired")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcryptCost)
	if err != nil {
		return apperr.Internal(err)
	}
	return s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE password_resets SET used = TRUE WHERE id = $1`, id); err != nil {
			return apperr.Internal(err)
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, string(hash), userID); err != nil {
			return apperr.Internal(err)
		}
		return nil
	})
}

// --- administrative operations ---

// SetLocked locks or unlocks an account. The bootstrap admin cannot be locked.
func (s *Service) SetLocked(ctx context.Context, targetID string, locked bool) error {
	u, err := s.GetUser(ctx, targetID)
	if err != nil {
		return err
	}
	if locked && s.isBootstrapAdmin(u) {
		return apperr.New(apperr.CodeForbiddenProtected, "the bootstrap admin cannot be locked")
	}
	if _, err := s.store.Exec(ctx,
		`UPDATE users SET is_locked = $1 WHERE id = $2`, locked, targetID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// SetAdmin grants or revokes the admin role. The bootstrap admin cannot be
// demoted, and callers cannot demote themselves.
func (s *Service) SetAdmin(ctx context.Context, callerID, targetID string, admin bool) error {
	u, err := s.GetUser(ctx, targetID)
	if err != nil {
		return err
	}
	if !admin {
		if s.isBootstrapAdmin(u) {
			return apperr.New(apperr.CodeForbiddenProtected, "the bootstrap admin cannot be demoted")
		}
		if callerID == targetID {
			return apperr.New(apperr.CodeForbidden, "cannot revoke your own admin role")
		}
	}
	if _, err := s.store.Exec(ctx,
		`UPDATE users SET is_admin = $1 WHERE id = $2`, admin, targetID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// DeleteUser removes an account and everything it owns. The bootstrap admin
// cannot be deleted, and callers cannot delete themselves.
func (s *Service) DeleteUser(ctx context.Context, callerID, targetID string) error {
	u, err := s.GetUser(ctx, targetID)
	if err != nil {
		return err
	}
	if s.isBootstrapAdmin(u) {
		return apperr.New(apperr.CodeForbiddenProtected, "the bootstrap admin cannot be deleted")
	}
	if callerID == targetID {
		return apperr.New(apperr.CodeForbidden, "cannot delete your own account")
	}
	if _, err := s.store.Exec(ctx, `DELETE FROM users WHERE id = $1`, targetID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// EnsureBootstrapAdmin inserts the seeded admin on first startup if no admin
// exists. password comes from the environment and must satisfy the policy.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, username, password string) error {
	var n int
	if err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE is_admin = TRUE`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if password == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required on first start")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if _, err := s.store.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, is_2fa_enabled, is_admin, is_locked, created_at_ms)
		VALUES ($1, $2, $3, FALSE, TRUE, FALSE, $4)
	`, id, username, string(hash), cursor.NowMs()); err != nil {
		return err
	}
	log.Info().Str("username", username).Msg("bootstrap admin created")
	s.notifyCreated(ctx, id)
	return nil
}

func hashPassword(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcryptCost)
	return string(h), err
}

func newUserID() string { return uuid.NewString() }

func randomToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func hashReset(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// randomPassword generates a policy-satisfying password for auto-provisioned
// OAuth accounts.
func randomPassword() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"
	var sb strings.Builder
	sb.WriteString("Aa1!")
	for i := 0; i < 24; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String()
}
