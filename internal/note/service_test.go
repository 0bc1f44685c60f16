package note

import (
	"context"
	"sync"
	"testing"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/authz"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

type capturedEvent struct {
	Room, Event string
	Payload     any
}

// fakePublisher records events in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (f *fakePublisher) Publish(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{room, event, payload})
}

func (f *fakePublisher) all() []capturedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedEvent(nil), f.events...)
}

func testService(t *testing.T) (*Service, *fakePublisher, *store.Store, context.Context) {
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
	if _, err := st.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, created_at_ms)
		VALUES ('owner', 'owner', 'x', 0), ('viewer', 'viewer', 'x', 0), ('editor', 'editor', 'x', 0)
	`); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	events := &fakePublisher{}
	return New(st, authz.New(st), events), events, st, ctx
}

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func mustCreate(t *testing.T, svc *Service, ctx context.Context, owner string, in Input) *Note {
	t.Helper()
	n, err := svc.Create(ctx, owner, in)
	if err != nil {
		t.Fatalf("create note: %v", err)
	}
	return n
}

func TestCreateAndGet(t *testing.T) {
	svc, _, _, ctx := testService(t)

	n := mustCreate(t, svc, ctx, "owner", Input{
		Title: "groceries",
		Body:  "milk",
		Tags:  []string{"home", "Home", " errands ", ""},
	})
	if len(n.Tags) != 2 {
		t.Fatalf("tags should dedupe case-insensitively and trim, got %v", n.Tags)
	}

	got, err := svc.Get(ctx, "owner", n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "groceries" || got.Body != "milk" {
		t.Fatalf("unexpected note: %+v", got)
	}
	if _, err := svc.Get(ctx, "viewer", n.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("invisible note should be NOT_FOUND, got %v", err)
	}
}

func TestCreateValidatesTitle(t *testing.T) {
	svc, _, _, ctx := testService(t)
	if _, err := svc.Create(ctx, "owner", Input{Title: ""}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("empty title: %v", err)
	}
}

func TestViewShareCannotEdit(t *testing.T) {
	svc, _, _, ctx := testService(t)
	n := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	if _, err := svc.CreateShare(ctx, "owner", n.ID, "viewer", false); err != nil {
		t.Fatalf("share: %v", err)
	}

	if _, err := svc.Get(ctx, "viewer", n.ID); err != nil {
		t.Fatalf("viewer should read the note: %v", err)
	}
	_, err := svc.Update(ctx, "viewer", n.ID, Patch{Title: strp("nope")})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("view share editing should be FORBIDDEN, got %v", err)
	}
}

func TestEditShareCannotDeleteOrShare(t *testing.T) {
	svc, _, _, ctx := testService(t)
	n := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	if _, err := svc.CreateShare(ctx, "owner", n.ID, "editor", true); err != nil {
		t.Fatalf("share: %v", err)
	}

	if _, err := svc.Update(ctx, "editor", n.ID, Patch{Body: strp("edited")}); err != nil {
		t.Fatalf("edit share should allow updates: %v", err)
	}
	if err := svc.Delete(ctx, "editor", n.ID); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("edit share deleting should be FORBIDDEN, got %v", err)
	}
	if _, err := svc.CreateShare(ctx, "editor", n.ID, "viewer", false); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("edit share re-sharing should be FORBIDDEN, got %v", err)
	}
}

func TestShareEdgeCases(t *testing.T) {
	svc, _, _, ctx := testService(t)
	n := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	if _, err := svc.CreateShare(ctx, "owner", n.ID, "owner", false); !apperr.IsCode(err, apperr.CodeSelfShare) {
		t.Fatalf("self-share should be SELF_SHARE, got %v", err)
	}
	if _, err := svc.CreateShare(ctx, "owner", n.ID, "nobody", false); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("share with missing user should be NOT_FOUND, got %v", err)
	}

	if _, err := svc.CreateShare(ctx, "owner", n.ID, "viewer", false); err != nil {
		t.Fatalf("share: %v", err)
	}
	if _, err := svc.CreateShare(ctx, "owner", n.ID, "viewer", true); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("duplicate share should be CONFLICT, got %v", err)
	}
}

func TestDeleteShareRevokesAccess(t *testing.T) {
	svc, _, _, ctx := testService(t)
	n := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	if _, err := svc.CreateShare(ctx, "owner", n.ID, "viewer", false); err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := svc.DeleteShare(ctx, "owner", n.ID, "viewer"); err != nil {
		t.Fatalf("delete share: %v", err)
	}
	if _, err := svc.Get(ctx, "viewer", n.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("revoked viewer should see NOT_FOUND, got %v", err)
	}
	if err := svc.DeleteShare(ctx, "owner", n.ID, "viewer"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("deleting a missing share should be NOT_FOUND, got %v", err)
	}
}

func TestUpdateFolderSemantics(t *testing.T) {
	svc, _, st, ctx := testService(t)
	if _, err := st.Exec(ctx, `
		INSERT INTO folders (id, user_id, name, created_at_ms) VALUES ('f1', 'owner', 'Work', 0), ('f2', 'viewer', 'Theirs', 0)
	`); err != nil {
		t.Fatalf("seed folders: %v", err)
	}
	n := mustCreate(t, svc, ctx, "owner", Input{Title: "t", FolderID: strp("f1")})

	// A patch without SetFolder leaves the folder alone.
	got, err := svc.Update(ctx, "owner", n.ID, Patch{Body: strp("b")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.FolderID == nil || *got.FolderID != "f1" {
		t.Fatal("folder should be untouched without SetFolder")
	}

	// SetFolder with nil clears it.
	got, err = svc.Update(ctx, "owner", n.ID, Patch{SetFolder: true})
	if err != nil {
		t.Fatalf("clear folder: %v", err)
	}
	if got.FolderID != nil {
		t.Fatal("folder should be cleared")
	}

	// A foreign folder rejects.
	if _, err := svc.SetFolder(ctx, "owner", n.ID, strp("f2")); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("foreign folder should be FORBIDDEN, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	svc, _, _, ctx := testService(t)

	mustCreate(t, svc, ctx, "owner", Input{Title: "plain note"})
	fav := mustCreate(t, svc, ctx, "owner", Input{Title: "starred", Tags: []string{"work"}})
	if _, err := svc.Update(ctx, "owner", fav.ID, Patch{Favorite: boolp(true)}); err != nil {
		t.Fatalf("favorite: %v", err)
	}
	shared := mustCreate(t, svc, ctx, "viewer", Input{Title: "from viewer"})
	if _, err := svc.CreateShare(ctx, "viewer", shared.ID, "owner", false); err != nil {
		t.Fatalf("share: %v", err)
	}

	all, err := svc.List(ctx, "owner", Filters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("owner should see own plus shared, got %d", len(all))
	}

	favs, err := svc.List(ctx, "owner", Filters{Favorite: boolp(true)})
	if err != nil || len(favs) != 1 || favs[0].ID != fav.ID {
		t.Fatalf("favorite filter: %d results, err=%v", len(favs), err)
	}

	tagged, err := svc.List(ctx, "owner", Filters{Tag: "WORK"})
	if err != nil || len(tagged) != 1 {
		t.Fatalf("tag filter is case-insensitive: %d results, err=%v", len(tagged), err)
	}

	search, err := svc.List(ctx, "owner", Filters{Query: "STARred"})
	if err != nil || len(search) != 1 {
		t.Fatalf("query filter: %d results, err=%v", len(search), err)
	}
}

func TestUpdateAndDeleteEmitEvents(t *testing.T) {
	svc, events, _, ctx := testService(t)
	n := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	if _, err := svc.Update(ctx, "owner", n.ID, Patch{Body: strp("b")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := svc.Delete(ctx, "owner", n.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got := events.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Room != "note:"+n.ID || got[0].Event != "updated" {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].Event != "deleted" {
		t.Fatalf("second event = %+v", got[1])
	}
}

func TestListShares(t *testing.T) {
	svc, _, _, ctx := testService(t)
	n := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	if _, err := svc.CreateShare(ctx, "owner", n.ID, "viewer", false); err != nil {
		t.Fatalf("share: %v", err)
	}
	shares, err := svc.ListShares(ctx, "owner", n.ID)
	if err != nil || len(shares) != 1 {
		t.Fatalf("list shares: %d, err=%v", len(shares), err)
	}
	// Grantees cannot enumerate the grants.
	if _, err := svc.ListShares(ctx, "viewer", n.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("non-owner listing shares should be NOT_FOUND, got %v", err)
	}
}
