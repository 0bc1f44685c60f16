package task

import (
	"context"
	"testing"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/authz"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

func testService(t *testing.T) (*Service, *store.Store, context.Context) {
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
	return New(st, authz.New(st), nil), st, ctx
}

func strp(s string) *string { return &s }
func i64p(v int64) *int64   { return &v }
func boolp(b bool) *bool    { return &b }

func mustCreate(t *testing.T, svc *Service, ctx context.Context, owner string, in Input) *Task {
	t.Helper()
	task, err := svc.Create(ctx, owner, in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	svc, _, ctx := testService(t)

	task := mustCreate(t, svc, ctx, "owner", Input{Title: "ship it"})
	if task.Priority != PriorityMedium {
		t.Fatalf("priority defaults to medium, got %s", task.Priority)
	}
	if task.Completed || task.DueAt != nil {
		t.Fatal("fresh task should be open with no due date")
	}

	if _, err := svc.Create(ctx, "owner", Input{Title: ""}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("empty title: %v", err)
	}
	if _, err := svc.Create(ctx, "owner", Input{Title: "t", Priority: "urgent"}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("bad priority: %v", err)
	}
}

func TestSetCompletedToggle(t *testing.T) {
	svc, _, ctx := testService(t)
	task := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	done, err := svc.SetCompleted(ctx, "owner", task.ID, true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.Completed {
		t.Fatal("task should be completed")
	}

	open, err := svc.SetCompleted(ctx, "owner", task.ID, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if open.Completed {
		t.Fatal("task should be open again")
	}
}

func TestDueDateSemantics(t *testing.T) {
	svc, _, ctx := testService(t)
	task := mustCreate(t, svc, ctx, "owner", Input{Title: "t", DueAtMs: i64p(1700000000000)})
	if task.DueAt == nil {
		t.Fatal("due date should be set")
	}

	// A patch without SetDue keeps the existing due date.
	got, err := svc.Update(ctx, "owner", task.ID, Patch{Description: strp("d")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.DueAt == nil {
		t.Fatal("due date should be untouched without SetDue")
	}

	// SetDue with nil clears it.
	got, err = svc.Update(ctx, "owner", task.ID, Patch{SetDue: true})
	if err != nil {
		t.Fatalf("clear due: %v", err)
	}
	if got.DueAt != nil {
		t.Fatal("due date should be cleared")
	}
}

func TestSharePermissions(t *testing.T) {
	svc, _, ctx := testService(t)
	task := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	if _, err := svc.CreateShare(ctx, "owner", task.ID, "viewer", false); err != nil {
		t.Fatalf("view share: %v", err)
	}
	if _, err := svc.CreateShare(ctx, "owner", task.ID, "editor", true); err != nil {
		t.Fatalf("edit share: %v", err)
	}

	if _, err := svc.Get(ctx, "viewer", task.ID); err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	if _, err := svc.SetCompleted(ctx, "viewer", task.ID, true); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("view share toggling should be FORBIDDEN, got %v", err)
	}
	if _, err := svc.SetCompleted(ctx, "editor", task.ID, true); err != nil {
		t.Fatalf("edit share toggle: %v", err)
	}
	if err := svc.Delete(ctx, "editor", task.ID); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("edit share deleting should be FORBIDDEN, got %v", err)
	}

	if _, err := svc.CreateShare(ctx, "owner", task.ID, "owner", false); !apperr.IsCode(err, apperr.CodeSelfShare) {
		t.Fatalf("self-share should be SELF_SHARE, got %v", err)
	}
	if _, err := svc.CreateShare(ctx, "owner", task.ID, "viewer", true); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("duplicate share should be CONFLICT, got %v", err)
	}
}

func TestDeleteShare(t *testing.T) {
	svc, _, ctx := testService(t)
	task := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	if _, err := svc.CreateShare(ctx, "owner", task.ID, "viewer", false); err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := svc.DeleteShare(ctx, "owner", task.ID, "viewer"); err != nil {
		t.Fatalf("delete share: %v", err)
	}
	if _, err := svc.Get(ctx, "viewer", task.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("revoked viewer should see NOT_FOUND, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	svc, st, ctx := testService(t)
	if _, err := st.Exec(ctx, `
		INSERT INTO folders (id, user_id, name, created_at_ms) VALUES ('f1', 'owner', 'Work', 0)
	`); err != nil {
		t.Fatalf("seed folder: %v", err)
	}

	open := mustCreate(t, svc, ctx, "owner", Input{Title: "write report", FolderID: strp("f1")})
	done := mustCreate(t, svc, ctx, "owner", Input{Title: "send invoice"})
	if _, err := svc.SetCompleted(ctx, "owner", done.ID, true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	shared := mustCreate(t, svc, ctx, "viewer", Input{Title: "their task"})
	if _, err := svc.CreateShare(ctx, "viewer", shared.ID, "owner", false); err != nil {
		t.Fatalf("share: %v", err)
	}

	all, err := svc.List(ctx, "owner", Filters{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d, err=%v", len(all), err)
	}
	// Open tasks sort before completed ones.
	if all[len(all)-1].ID != done.ID {
		t.Fatal("completed task should sort last")
	}

	openOnly, err := svc.List(ctx, "owner", Filters{Completed: boolp(false)})
	if err != nil || len(openOnly) != 2 {
		t.Fatalf("open filter: %d, err=%v", len(openOnly), err)
	}

	inFolder, err := svc.List(ctx, "owner", Filters{FolderID: strp("f1")})
	if err != nil || len(inFolder) != 1 || inFolder[0].ID != open.ID {
		t.Fatalf("folder filter: %d, err=%v", len(inFolder), err)
	}

	search, err := svc.List(ctx, "owner", Filters{Query: "INVOICE"})
	if err != nil || len(search) != 1 || search[0].ID != done.ID {
		t.Fatalf("query filter: %d, err=%v", len(search), err)
	}
}

func TestFolderAssignment(t *testing.T) {
	svc, st, ctx := testService(t)
	if _, err := st.Exec(ctx, `
		INSERT INTO folders (id, user_id, name, created_at_ms) VALUES ('mine', 'owner', 'Work', 0), ('theirs', 'viewer', 'Other', 0)
	`); err != nil {
		t.Fatalf("seed folders: %v", err)
	}
	task := mustCreate(t, svc, ctx, "owner", Input{Title: "t"})

	got, err := svc.SetFolder(ctx, "owner", task.ID, strp("mine"))
	if err != nil || got.FolderID == nil || *got.FolderID != "mine" {
		t.Fatalf("set folder: %+v, err=%v", got, err)
	}
	if _, err := svc.SetFolder(ctx, "owner", task.ID, strp("theirs")); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("foreign folder should be FORBIDDEN, got %v", err)
	}
	got, err = svc.SetFolder(ctx, "owner", task.ID, nil)
	if err != nil || got.FolderID != nil {
		t.Fatalf("clear folder: %+v, err=%v", got, err)
	}
}
