package syncreplay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/authz"
	"github.com/glasskeep/glasskeep-api/internal/folder"
	"github.com/glasskeep/glasskeep-api/internal/note"
	"github.com/glasskeep/glasskeep-api/internal/store"
	"github.com/glasskeep/glasskeep-api/internal/task"
)

func testService(t *testing.T) (*Service, *note.Service, *store.Store, context.Context) {
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
		INSERT INTO users (id, username, password_hash, created_at_ms) VALUES ('u1', 'alice', 'x', 0)
	`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	az := authz.New(st)
	notes := note.New(st, az, nil)
	tasks := task.New(st, az, nil)
	folders := folder.New(st)
	return New(st, notes, tasks, folders), notes, st, ctx
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestReplayResolvesTempIDs(t *testing.T) {
	svc, notes, _, ctx := testService(t)

	ops := []Op{
		{ID: "tmp-folder", Entity: "folder", Action: "create", Timestamp: 1,
			Payload: raw(t, map[string]any{"name": "Inbox"})},
		{ID: "tmp-note", Entity: "note", Action: "create", Timestamp: 2,
			Payload: raw(t, map[string]any{"title": "offline note", "folderId": "tmp-folder"})},
		{ID: "op-3", Entity: "note", Action: "update", EntityID: "tmp-note", Timestamp: 3,
			Payload: raw(t, map[string]any{"body": "written on the plane"})},
	}

	results, err := svc.Replay(ctx, "u1", ops)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Status != StatusOK {
			t.Fatalf("op %d status = %s (%s)", i, r.Status, r.Code)
		}
	}
	if results[0].ServerID == "" || results[1].ServerID == "" {
		t.Fatal("creates should report server ids")
	}

	n, err := notes.Get(ctx, "u1", results[1].ServerID)
	if err != nil {
		t.Fatalf("load note: %v", err)
	}
	if n.Body != "written on the plane" {
		t.Fatalf("update did not land, body = %q", n.Body)
	}
	if n.FolderID == nil || *n.FolderID != results[0].ServerID {
		t.Fatal("temp folder reference should resolve to the server id")
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	svc, _, st, ctx := testService(t)

	ops := []Op{
		{ID: "tmp-note", Entity: "note", Action: "create", Timestamp: 1,
			Payload: raw(t, map[string]any{"title": "once"})},
	}
	first, err := svc.Replay(ctx, "u1", ops)
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}

	// A resent batch returns the stored outcome without a second insert.
	second, err := svc.Replay(ctx, "u1", ops)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if second[0].ServerID != first[0].ServerID || second[0].Status != StatusOK {
		t.Fatalf("resent outcome differs: %+v vs %+v", second[0], first[0])
	}

	var n int
	if err := st.QueryRow(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("resend created %d notes", n)
	}
}

func TestReplayResentBatchResolvesReferences(t *testing.T) {
	svc, notes, _, ctx := testService(t)

	create := Op{ID: "tmp-note", Entity: "note", Action: "create", Timestamp: 1,
		Payload: raw(t, map[string]any{"title": "draft"})}
	if _, err := svc.Replay(ctx, "u1", []Op{create}); err != nil {
		t.Fatalf("first replay: %v", err)
	}

	// A later batch repeats the create and references the temp id; the stored
	// mapping must still resolve it.
	update := Op{ID: "op-2", Entity: "note", Action: "update", EntityID: "tmp-note", Timestamp: 2,
		Payload: raw(t, map[string]any{"title": "final"})}
	results, err := svc.Replay(ctx, "u1", []Op{create, update})
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if results[1].Status != StatusOK {
		t.Fatalf("update status = %s (%s)", results[1].Status, results[1].Code)
	}

	n, err := notes.Get(ctx, "u1", results[0].ServerID)
	if err != nil || n.Title != "final" {
		t.Fatalf("note title = %q, err=%v", n.Title, err)
	}
}

func TestReplayConflictContinuesBatch(t *testing.T) {
	svc, _, _, ctx := testService(t)

	ops := []Op{
		{ID: "op-1", Entity: "folder", Action: "create", Timestamp: 1,
			Payload: raw(t, map[string]any{"name": "Inbox"})},
		{ID: "op-2", Entity: "folder", Action: "create", Timestamp: 2,
			Payload: raw(t, map[string]any{"name": "Inbox"})},
		{ID: "op-3", Entity: "note", Action: "create", Timestamp: 3,
			Payload: raw(t, map[string]any{"title": "still lands"})},
	}
	results, err := svc.Replay(ctx, "u1", ops)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if results[0].Status != StatusOK {
		t.Fatalf("op-1: %+v", results[0])
	}
	if results[1].Status != StatusConflict || results[1].Code != string(apperr.CodeDuplicate) {
		t.Fatalf("op-2 should be a DUPLICATE conflict, got %+v", results[1])
	}
	if results[2].Status != StatusOK {
		t.Fatalf("op-3 should apply after a conflict, got %+v", results[2])
	}
}

func TestReplayOrdersByTimestamp(t *testing.T) {
	svc, notes, _, ctx := testService(t)

	// Arrives out of order; the update is stamped after the create.
	ops := []Op{
		{ID: "op-2", Entity: "note", Action: "update", EntityID: "tmp-note", Timestamp: 20,
			Payload: raw(t, map[string]any{"title": "second"})},
		{ID: "tmp-note", Entity: "note", Action: "create", Timestamp: 10,
			Payload: raw(t, map[string]any{"title": "first"})},
	}
	results, err := svc.Replay(ctx, "u1", ops)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if results[0].OpID != "tmp-note" || results[1].OpID != "op-2" {
		t.Fatalf("results should follow timestamp order, got %s then %s", results[0].OpID, results[1].OpID)
	}
	n, err := notes.Get(ctx, "u1", results[0].ServerID)
	if err != nil || n.Title != "second" {
		t.Fatalf("title = %q, err=%v", n.Title, err)
	}
}

func TestReplayValidation(t *testing.T) {
	svc, _, _, ctx := testService(t)

	if results, err := svc.Replay(ctx, "u1", nil); err != nil || len(results) != 0 {
		t.Fatalf("empty batch: %d results, err=%v", len(results), err)
	}

	if _, err := svc.Replay(ctx, "u1", []Op{{Entity: "note", Action: "create"}}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("missing op id should be VALIDATION_ERROR, got %v", err)
	}

	big := make([]Op, maxBatchSize+1)
	for i := range big {
		big[i] = Op{ID: "op", Entity: "note", Action: "create"}
	}
	if _, err := svc.Replay(ctx, "u1", big); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("oversized batch should be VALIDATION_ERROR, got %v", err)
	}

	results, err := svc.Replay(ctx, "u1", []Op{
		{ID: "op-x", Entity: "widget", Action: "create", Timestamp: 1},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if results[0].Status != StatusError || results[0].Code != string(apperr.CodeValidation) {
		t.Fatalf("unknown entity should be a recorded error, got %+v", results[0])
	}
}

func TestReplayDueDateClear(t *testing.T) {
	svc, _, st, ctx := testService(t)

	ops := []Op{
		{ID: "tmp-task", Entity: "task", Action: "create", Timestamp: 1,
			Payload: raw(t, map[string]any{"title": "t", "dueAt": 1700000000000})},
		{ID: "op-2", Entity: "task", Action: "update", EntityID: "tmp-task", Timestamp: 2,
			Payload: raw(t, map[string]any{"dueAt": nil})},
	}
	results, err := svc.Replay(ctx, "u1", ops)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for i, r := range results {
		if r.Status != StatusOK {
			t.Fatalf("op %d: %+v", i, r)
		}
	}

	var due *int64
	if err := st.QueryRow(ctx,
		`SELECT due_at_ms FROM tasks WHERE id = $1`, results[0].ServerID).Scan(&due); err != nil {
		t.Fatalf("load task: %v", err)
	}
	if due != nil {
		t.Fatal("an explicit null dueAt should clear the due date")
	}
}
