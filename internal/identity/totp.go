package identity

import (
	"context"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
)

// totpIssuer is the label shown in authenticator apps.
const totpIssuer = "Glasskeep"

// totpOpts fixes the verification parameters: 30-second step with one step
// of drift tolerance in either direction.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enable2FA generates and stores a TOTP secret and returns the provisioning
// URI. 2FA is not active until Confirm2FA validates a code against it.
func (s *Service) Enable2FA(ctx context.Context, userID string) (string, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.Is2FAEnabled {
		return "", apperr.New(apperr.CodeConflict, "2FA is already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: u.Username,
	})
	if err != nil {
		return "", apperr.Internal(err)
	}

	if _, err := s.store.Exec(ctx,
		`UPDATE users SET totp_secret = $1 WHERE id = $2`, key.Secret(), userID); err != nil {
		return "", apperr.Internal(err)
	}
	return key.URL(), nil
}

// Confirm2FA validates a code against the pending secret and activates 2FA.
func (s *Service) Confirm2FA(ctx context.Context, userID, code string) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.TOTPSecret == nil {
		return apperr.New(apperr.CodeValidation, "2FA setup has not been started")
	}
	if err := s.checkTOTP(u, code); err != nil {
		return err
	}
	if _, err := s.store.Exec(ctx,
		`UPDATE users SET is_2fa_enabled = TRUE WHERE id = $1`, userID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Verify2FA checks a login-time TOTP code for a user in the 2FA-pending state.
func (s *Service) Verify2FA(ctx context.Context, userID, code string) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !u.Is2FAEnabled || u.TOTPSecret == nil {
		return apperr.New(apperr.CodeValidation, "2FA is not enabled")
	}
	return s.checkTOTP(u, code)
}

// Disable2FA clears the secret and flag. Admins may target other users.
func (s *Service) Disable2FA(ctx context.Context, userID string) error {
	if _, err := s.store.Exec(ctx,
		`UPDATE users SET is_2fa_enabled = FALSE, totp_secret = NULL WHERE id = $1`, userID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (s *Service) checkTOTP(u *User, code string) error {
	if !s.totpAttempts.allow(u.ID) {
		return apperr.New(apperr.CodeRateLimited, "too many 2FA attempts, try again shortly")
	}
	ok, err := totp.ValidateCustom(code, *u.TOTPSecret, time.Now().UTC(), totpOpts)
	if err != nil || !ok {
		return apperr.New(apperr.CodeUnauthorized, "invalid 2FA code")
	}
	s.totpAttempts.reset(u.ID)
	return nil
}

// attemptLimiter bounds TOTP attempts per user to max within a one-minute
// sliding window.
type attemptLimiter struct {
	mu       sync.Mutex
	max      int
	attempts map[string][]time.Time
}

func newAttemptLimiter(max int) *attemptLimiter {
	return &attemptLimiter{max: max, attempts: make(map[string][]time.Time)}
}

func (l *attemptLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	kept := l.attempts[key][:0]
	for _, t := range l.attempts[key] {
		if now.Sub(t) < time.Minute {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.attempts[key] = kept
		return false
	}
	l.attempts[key] = append(kept, now)
	return true
}

func (l *attemptLimiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}
