// Package token mints and verifies the signed access and refresh tokens that
// gate every authenticated surface.
//
// Tokens are HS256 JWTs carrying {sub, typ, iat, exp}. Refresh tokens are
// additionally persisted as sha256 hashes so they can be revoked; a refresh
// rotates: the presented token is revoked and a fresh pair is issued.
package token

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

// Kind discriminates the two token types.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// clockSkew is the verification leeway for iat/exp.
const clockSkew = 60 * time.Second

// Pair is an access/refresh token pair as returned to clients.
type Pair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	AccessExpiresIn  int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// Claims is the signed token envelope.
type Claims struct {
	Type Kind `json:"typ"`
	jwt.RegisteredClaims
}

// Service mints and verifies tokens.
type Service struct {
	store      *store.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// New creates a token service. store may be nil only in tests that never
// touch refresh persistence.
func New(st *store.Store, secret []byte, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{store: st, secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func (s *Service) mint(userID string, kind Kind, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Type: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// MintAccess issues an access token for userID.
func (s *Service) MintAccess(userID string) (string, error) {
	return s.mint(userID, KindAccess, s.accessTTL)
}

// MintPair issues an access/refresh pair and persists the refresh hash.
func (s *Service) MintPair(ctx context.Context, userID string) (Pair, error) {
	access, err := s.mint(userID, KindAccess, s.accessTTL)
	if err != nil {
		return Pair{}, apperr.Internal(err)
	}
	refresh, err := s.mint(userID, KindRefresh, s.refreshTTL)
	if err != nil {
		return Pair{}, apperr.Internal(err)
	}

	expiresAt := cursor.NowMs() + s.refreshTTL.Milliseconds()
	if _, err := s.store.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at_ms, revoked)
		VALUES ($1, $2, $3, $4, FALSE)
	`, uuid.NewString(), userID, hashToken(refresh), expiresAt); err != nil {
		return Pair{}, apperr.Internal(err)
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresIn:  int64(s.accessTTL.Seconds()),
		RefreshExpiresIn: int64(s.refreshTTL.Seconds()),
	}, nil
}

// Verify checks signature, expiry, and token type, returning the user id.
func (s *Service) Verify(tokenString string, kind Kind) (string, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithLeeway(clockSkew), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		return "", apperr.New(apperr.CodeUnauthorized, "invalid or expired token")
	}
	if claims.Type != kind {
		return "", apperr.New(apperr.CodeUnauthorized, "wrong token type")
	}
	if claims.Subject == "" {
		return "", apperr.New(apperr.CodeUnauthorized, "token missing subject")
	}
	return claims.Subject, nil
}

// VerifyAccess verifies an access token and returns the user id.
func (s *Service) VerifyAccess(tokenString string) (string, error) {
	return s.Verify(tokenString, KindAccess)
}

// Refresh exchanges a valid, unrevoked refresh token for a new pair,
// revoking the presented token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	userID, err := s.Verify(refreshToken, KindRefresh)
	if err != nil {
		return Pair{}, err
	}

	hash := hashToken(refreshToken)
	var id string
	var revoked bool
	var expiresAtMs int64
	err = s.store.QueryRow(ctx, `
		SELECT id, revoked, expires_at_ms FROM refresh_tokens
		WHERE token_hash = $1 AND user_id = $2
	`, hash, userID).Scan(&id, &revoked, &expiresAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, apperr.New(apperr.CodeUnauthorized, "refresh token not recognized")
	}
	if err != nil {
		return Pair{}, apperr.Internal(err)
	}
	if revoked || expiresAtMs < cursor.NowMs() {
		return Pair{}, apperr.New(apperr.CodeUnauthorized, "refresh token revoked or expired")
	}

	if _, err := s.store.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`, id); err != nil {
		return Pair{}, apperr.Internal(err)
	}
	return s.MintPair(ctx, userID)
}

// RevokeAll revokes every refresh token belonging to userID. Used by logout.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if _, err := s.store.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1`, userID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
