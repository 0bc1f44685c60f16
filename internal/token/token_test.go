package token

import (
	"context"
	"testing"
	"time"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testService(t *testing.T) (*Service, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Token rows reference users.
	if _, err := st.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, is_2fa_enabled, is_admin, is_locked, created_at_ms)
		VALUES ('u1', 'alice', 'x', FALSE, FALSE, FALSE, 0)
	`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return New(st, testSecret, time.Hour, 30*24*time.Hour), ctx
}

func TestAccessRoundTrip(t *testing.T) {
	svc, _ := testService(t)

	tok, err := svc.MintAccess("u1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	userID, err := svc.Verify(tok, KindAccess)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("got %q, want u1", userID)
	}
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	svc, ctx := testService(t)

	pair, err := svc.MintPair(ctx, "u1")
	if err != nil {
		t.Fatalf("mint pair: %v", err)
	}
	if _, err := svc.Verify(pair.RefreshToken, KindAccess); !apperr.IsCode(err, apperr.CodeUnauthorized) {
		t.Fatalf("refresh token must not pass as access, got %v", err)
	}
	if _, err := svc.Verify(pair.AccessToken, KindRefresh); !apperr.IsCode(err, apperr.CodeUnauthorized) {
		t.Fatalf("access token must not pass as refresh, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc, _ := testService(t)
	for _, tok := range []string{"", "abc", "aaa.bbb.ccc"} {
		if _, err := svc.Verify(tok, KindAccess); err == nil {
			t.Errorf("Verify(%q) should fail", tok)
		}
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	svc, _ := testService(t)
	other := New(nil, []byte("another-secret-another-secret-xx"), time.Hour, time.Hour)

	tok, err := other.MintAccess("u1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := svc.Verify(tok, KindAccess); !apperr.IsCode(err, apperr.CodeUnauthorized) {
		t.Fatalf("foreign signature must be rejected, got %v", err)
	}
}

func TestRefreshRotates(t *testing.T) {
	svc, ctx := testService(t)

	first, err := svc.MintPair(ctx, "u1")
	if err != nil {
		t.Fatalf("mint pair: %v", err)
	}

	second, err := svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.AccessToken == "" || second.RefreshToken == "" {
		t.Fatal("refresh should mint a full pair")
	}

	// The presented refresh token is revoked by rotation.
	if _, err := svc.Refresh(ctx, first.RefreshToken); !apperr.IsCode(err, apperr.CodeUnauthorized) {
		t.Fatalf("reusing a rotated refresh token must fail, got %v", err)
	}

	// The new one still works.
	if _, err := svc.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("fresh refresh token should work: %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	svc, ctx := testService(t)

	pair, err := svc.MintPair(ctx, "u1")
	if err != nil {
		t.Fatalf("mint pair: %v", err)
	}
	if err := svc.RevokeAll(ctx, "u1"); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !apperr.IsCode(err, apperr.CodeUnauthorized) {
		t.Fatalf("revoked refresh token must fail, got %v", err)
	}
}
