package authz

import (
	"context"
	"testing"

	"github.com/glasskeep/glasskeep-api/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store, context.Context) {
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
	return New(st), st, ctx
}

func seedUser(t *testing.T, st *store.Store, ctx context.Context, id string, admin bool) {
	t.Helper()
	if _, err := st.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, is_admin, created_at_ms)
		VALUES ($1, $1, 'x', $2, 0)
	`, id, admin); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func seedNote(t *testing.T, st *store.Store, ctx context.Context, id, ownerID string) {
	t.Helper()
	if _, err := st.Exec(ctx, `
		INSERT INTO notes (id, owner_id, title, created_at_ms, updated_at_ms)
		VALUES ($1, $2, 'n', 0, 0)
	`, id, ownerID); err != nil {
		t.Fatalf("seed note: %v", err)
	}
}

func shareNote(t *testing.T, st *store.Store, ctx context.Context, noteID, ownerID, withID string, canEdit bool) {
	t.Helper()
	if _, err := st.Exec(ctx, `
		INSERT INTO note_shares (id, note_id, shared_by_id, shared_with_id, can_edit, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, 0)
	`, noteID+"-"+withID, noteID, ownerID, withID, canEdit); err != nil {
		t.Fatalf("seed share: %v", err)
	}
}

func TestNotePermissionLevels(t *testing.T) {
	e, st, ctx := testEngine(t)
	seedUser(t, st, ctx, "owner", false)
	seedUser(t, st, ctx, "viewer", false)
	seedUser(t, st, ctx, "editor", false)
	seedUser(t, st, ctx, "stranger", false)
	seedUser(t, st, ctx, "root", true)
	seedNote(t, st, ctx, "n1", "owner")
	shareNote(t, st, ctx, "n1", "owner", "viewer", false)
	shareNote(t, st, ctx, "n1", "owner", "editor", true)

	cases := []struct {
		caller string
		want   Perm
	}{
		{"owner", PermOwner},
		{"root", PermOwner},
		{"editor", PermEdit},
		{"viewer", PermView},
		{"stranger", PermNone},
	}
	for _, tc := range cases {
		got, err := e.NotePermission(ctx, tc.caller, "n1")
		if err != nil {
			t.Fatalf("%s: %v", tc.caller, err)
		}
		if got != tc.want {
			t.Errorf("NotePermission(%s) = %v, want %v", tc.caller, got, tc.want)
		}
	}
}

func TestPermissionOnMissingEntity(t *testing.T) {
	e, st, ctx := testEngine(t)
	seedUser(t, st, ctx, "u", false)

	if p, err := e.NotePermission(ctx, "u", "ghost"); err != nil || p != PermNone {
		t.Fatalf("missing note: perm=%v err=%v", p, err)
	}
	if p, err := e.TaskPermission(ctx, "u", "ghost"); err != nil || p != PermNone {
		t.Fatalf("missing task: perm=%v err=%v", p, err)
	}
}

func TestFolderOwner(t *testing.T) {
	e, st, ctx := testEngine(t)
	seedUser(t, st, ctx, "owner", false)
	seedUser(t, st, ctx, "other", false)
	if _, err := st.Exec(ctx, `
		INSERT INTO folders (id, user_id, name, created_at_ms) VALUES ('f1', 'owner', 'Work', 0)
	`); err != nil {
		t.Fatalf("seed folder: %v", err)
	}

	if ok, _ := e.FolderOwner(ctx, "owner", "f1"); !ok {
		t.Fatal("owner should own f1")
	}
	// Folders never follow shares, and admins get no special access either.
	if ok, _ := e.FolderOwner(ctx, "other", "f1"); ok {
		t.Fatal("non-owner must not own f1")
	}
	if ok, _ := e.FolderOwner(ctx, "owner", "ghost"); ok {
		t.Fatal("missing folder is not owned")
	}
}

func TestCanViewRoom(t *testing.T) {
	e, st, ctx := testEngine(t)
	seedUser(t, st, ctx, "owner", false)
	seedUser(t, st, ctx, "member", false)
	seedUser(t, st, ctx, "stranger", false)
	seedNote(t, st, ctx, "n1", "owner")
	if _, err := st.Exec(ctx, `
		INSERT INTO chat_rooms (id, is_group, created_by_id, created_at_ms) VALUES ('r1', FALSE, 'owner', 0)
	`); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	for _, uid := range []string{"owner", "member"} {
		if _, err := st.Exec(ctx,
			`INSERT INTO chat_participants (room_id, user_id) VALUES ('r1', $1)`, uid); err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}

	cases := []struct {
		caller, room string
		want         bool
	}{
		{"owner", "note:n1", true},
		{"stranger", "note:n1", false},
		{"member", "chat:r1", true},
		{"stranger", "chat:r1", false},
		{"owner", "bogus:n1", false},
		{"owner", "note:", false},
		{"owner", "malformed", false},
	}
	for _, tc := range cases {
		got, err := e.CanViewRoom(ctx, tc.caller, tc.room)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.caller, tc.room, err)
		}
		if got != tc.want {
			t.Errorf("CanViewRoom(%s, %s) = %v, want %v", tc.caller, tc.room, got, tc.want)
		}
	}
}

func TestIsRoomCreator(t *testing.T) {
	e, st, ctx := testEngine(t)
	seedUser(t, st, ctx, "creator", false)
	seedUser(t, st, ctx, "member", false)
	if _, err := st.Exec(ctx, `
		INSERT INTO chat_rooms (id, is_group, created_by_id, created_at_ms) VALUES ('r1', TRUE, 'creator', 0)
	`); err != nil {
		t.Fatalf("seed room: %v", err)
	}

	if ok, _ := e.IsRoomCreator(ctx, "creator", "r1"); !ok {
		t.Fatal("creator should match")
	}
	if ok, _ := e.IsRoomCreator(ctx, "member", "r1"); ok {
		t.Fatal("member is not the creator")
	}
}
