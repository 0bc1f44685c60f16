package store

import (
	"context"
	"errors"
	"testing"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
)

func testStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st, ctx
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "mysql://nope"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	st, ctx := testStore(t)
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}
}

func TestDialectInference(t *testing.T) {
	cases := []struct {
		url  string
		want Dialect
	}{
		{"postgres://u:p@h/db", DialectPostgres},
		{"postgresql://u:p@h/db", DialectPostgres},
		{"sqlite:///tmp/app.db", DialectSQLite},
		{":memory:", DialectSQLite},
		{"data/app.db", DialectSQLite},
		{"state.sqlite", DialectSQLite},
	}
	for _, tc := range cases {
		dialect, _, _, err := parseURL(tc.url)
		if err != nil {
			t.Errorf("parseURL(%q): %v", tc.url, err)
			continue
		}
		if dialect != tc.want {
			t.Errorf("parseURL(%q) = %v, want %v", tc.url, dialect, tc.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	st, ctx := testStore(t)

	insert := `INSERT INTO users (id, username, password_hash, created_at_ms) VALUES ($1, $2, 'x', 0)`
	if _, err := st.Exec(ctx, insert, "u1", "alice"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := st.Exec(ctx, insert, "u1", "bob")
	if err == nil {
		t.Fatal("duplicate primary key should fail")
	}
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if !apperr.IsCode(AsConflict(err, "dup"), apperr.CodeConflict) {
		t.Fatal("AsConflict should produce CONFLICT")
	}
	if apperr.IsCode(AsConflict(errors.New("other"), "dup"), apperr.CodeConflict) {
		t.Fatal("AsConflict on a non-unique error should be INTERNAL_ERROR")
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	st, ctx := testStore(t)

	sentinel := errors.New("abort")
	err := st.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, username, password_hash, created_at_ms) VALUES ('u1', 'alice', 'x', 0)`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	var n int
	if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rollback left %d rows", n)
	}
}

func TestInTxCommits(t *testing.T) {
	st, ctx := testStore(t)

	err := st.InTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO users (id, username, password_hash, created_at_ms) VALUES ('u1', 'alice', 'x', 0)`)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	var n int
	if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestRootFolderNameUnique(t *testing.T) {
	st, ctx := testStore(t)

	if _, err := st.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, created_at_ms) VALUES ('u1', 'u1', 'x', 0)`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	insert := `INSERT INTO folders (id, user_id, parent_id, name, description, icon, color, position, is_expanded, created_at_ms)
		VALUES ($1, 'u1', NULL, $2, '', '', '', 0, TRUE, 0)`
	if _, err := st.Exec(ctx, insert, "f1", "Inbox"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// The partial index covers NULL parents; check-then-insert alone would
	// let two concurrent writers both create the root name.
	if _, err := st.Exec(ctx, insert, "f2", "Inbox"); !IsUniqueViolation(err) {
		t.Fatalf("duplicate root folder name should violate, got %v", err)
	}
}

func TestDirectRoomKeyUnique(t *testing.T) {
	st, ctx := testStore(t)

	if _, err := st.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, created_at_ms) VALUES ('u1', 'u1', 'x', 0)`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	insert := `INSERT INTO chat_rooms (id, name, is_group, created_by_id, theme, direct_key, created_at_ms)
		VALUES ($1, NULL, $2, 'u1', 'default', $3, 0)`
	if _, err := st.Exec(ctx, insert, "r1", false, "a:b"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.Exec(ctx, insert, "r2", false, "a:b"); !IsUniqueViolation(err) {
		t.Fatalf("duplicate direct_key should violate, got %v", err)
	}
	// Group rooms sit outside the partial index.
	if _, err := st.Exec(ctx, insert, "r3", true, "a:b"); err != nil {
		t.Fatalf("group room with same key should insert, got %v", err)
	}
}

func TestUniqueUsernameCaseInsensitive(t *testing.T) {
	st, ctx := testStore(t)

	insert := `INSERT INTO users (id, username, password_hash, created_at_ms) VALUES ($1, $2, 'x', 0)`
	if _, err := st.Exec(ctx, insert, "u1", "Alice"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.Exec(ctx, insert, "u2", "alice"); !IsUniqueViolation(err) {
		t.Fatalf("case-insensitive username collision should violate, got %v", err)
	}
}
