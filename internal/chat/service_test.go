package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/authz"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

type capturedEvent struct {
	Room, Event string
	Except      string
}

// fakePublisher records events and reports a configurable delivery count.
type fakePublisher struct {
	mu        sync.Mutex
	events    []capturedEvent
	delivered int
}

func (f *fakePublisher) Publish(room, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{room, event, ""})
}

func (f *fakePublisher) PublishExcept(room, event string, payload any, exceptUserID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{room, event, exceptUserID})
	return f.delivered
}

func (f *fakePublisher) named(event string) []capturedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
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
		VALUES ('a', 'a', 'x', 0), ('b', 'b', 'x', 0), ('c', 'c', 'x', 0), ('d', 'd', 'x', 0)
	`); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	events := &fakePublisher{}
	return New(st, authz.New(st), events), events, st, ctx
}

func TestDirectRoomIsUnique(t *testing.T) {
	svc, _, _, ctx := testService(t)

	r1, err := svc.DirectRoom(ctx, "a", "b")
	if err != nil {
		t.Fatalf("first direct room: %v", err)
	}
	if r1.IsGroup || len(r1.Participants) != 2 {
		t.Fatalf("unexpected room: %+v", r1)
	}

	// The same call, and the call from the other side, return the same room.
	r2, err := svc.DirectRoom(ctx, "a", "b")
	if err != nil || r2.ID != r1.ID {
		t.Fatalf("repeat call: id=%s, err=%v, want %s", r2.ID, err, r1.ID)
	}
	r3, err := svc.DirectRoom(ctx, "b", "a")
	if err != nil || r3.ID != r1.ID {
		t.Fatalf("reverse call: id=%s, err=%v, want %s", r3.ID, err, r1.ID)
	}

	if _, err := svc.DirectRoom(ctx, "a", "a"); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("self direct room should be VALIDATION_ERROR, got %v", err)
	}
	if _, err := svc.DirectRoom(ctx, "a", "nobody"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("unknown user should be NOT_FOUND, got %v", err)
	}
}

func TestDirectRoomFoundByPairKey(t *testing.T) {
	svc, _, st, ctx := testService(t)

	// A room created by another writer is keyed by the sorted user pair;
	// DirectRoom must adopt it instead of inserting a second one.
	if _, err := st.Exec(ctx, `
		INSERT INTO chat_rooms (id, name, is_group, created_by_id, theme, direct_key, created_at_ms)
		VALUES ('r-pre', NULL, FALSE, 'a', 'default', 'a:b', 0)
	`); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	for _, uid := range []string{"a", "b"} {
		if _, err := st.Exec(ctx,
			`INSERT INTO chat_participants (room_id, user_id) VALUES ('r-pre', $1)`, uid); err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}

	r, err := svc.DirectRoom(ctx, "b", "a")
	if err != nil {
		t.Fatalf("direct room: %v", err)
	}
	if r.ID != "r-pre" {
		t.Fatalf("got room %s, want the pre-existing r-pre", r.ID)
	}

	var n int
	if err := st.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_rooms WHERE is_group = FALSE AND direct_key = 'a:b'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("%d direct rooms for the pair, want 1", n)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	svc, _, _, ctx := testService(t)

	if _, err := svc.CreateGroup(ctx, "a", "crew", []string{"b"}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("two members should be VALIDATION_ERROR, got %v", err)
	}
	if _, err := svc.CreateGroup(ctx, "a", "  ", []string{"b", "c"}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("blank name should be VALIDATION_ERROR, got %v", err)
	}
	if _, err := svc.CreateGroup(ctx, "a", "crew", []string{"b", "ghost"}); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("unknown member should be NOT_FOUND, got %v", err)
	}

	r, err := svc.CreateGroup(ctx, "a", "crew", []string{"b", "c"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if !r.IsGroup || len(r.Participants) != 3 || r.CreatedByID != "a" {
		t.Fatalf("unexpected group: %+v", r)
	}
}

func TestNonParticipantSeesNotFound(t *testing.T) {
	svc, _, _, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")

	if _, err := svc.GetRoom(ctx, "c", r.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("outsider get: %v", err)
	}
	if _, err := svc.SendMessage(ctx, "c", r.ID, "hi"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("outsider send: %v", err)
	}
}

func TestSendMessageDeliveryStatus(t *testing.T) {
	svc, events, _, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")

	if _, err := svc.SendMessage(ctx, "a", r.ID, "   "); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("blank body should be VALIDATION_ERROR, got %v", err)
	}

	// Nobody connected: the message stays sent.
	m, err := svc.SendMessage(ctx, "a", r.ID, "  hello  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Body != "hello" {
		t.Fatalf("body should be trimmed, got %q", m.Body)
	}
	if m.Status != StatusSent || m.DeliveredAt != nil {
		t.Fatalf("undelivered message should be sent, got %s", m.Status)
	}

	// A recipient socket accepts the broadcast: delivered.
	events.delivered = 1
	m2, err := svc.SendMessage(ctx, "a", r.ID, "there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m2.Status != StatusDelivered || m2.DeliveredAt == nil {
		t.Fatalf("message should be delivered, got %s", m2.Status)
	}
	if got := events.named("message:status"); len(got) != 1 {
		t.Fatalf("expected one status event, got %d", len(got))
	}
}

func seedMessage(t *testing.T, st *store.Store, ctx context.Context, id, roomID, senderID string, ms int64) {
	t.Helper()
	if _, err := st.Exec(ctx, `
		INSERT INTO chat_messages (id, room_id, sender_id, body, is_pinned, sent_at_ms, created_at_ms)
		VALUES ($1, $2, $3, 'm', FALSE, $4, $4)
	`, id, roomID, senderID, ms); err != nil {
		t.Fatalf("seed message %s: %v", id, err)
	}
}

func TestMessagesPagination(t *testing.T) {
	svc, _, st, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")

	ids := []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
		"44444444-4444-4444-4444-444444444444",
		"55555555-5555-5555-5555-555555555555",
	}
	for i, id := range ids {
		seedMessage(t, st, ctx, id, r.ID, "a", int64(1000+i))
	}

	first, err := svc.Messages(ctx, "a", r.ID, cursor.Cursor{}, 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Messages) != 2 || first.Messages[0].ID != ids[4] || first.Messages[1].ID != ids[3] {
		t.Fatalf("first page should be newest first, got %v", first.Messages)
	}
	if first.NextCursor == nil {
		t.Fatal("expected a cursor")
	}

	cur, ok := cursor.Decode(*first.NextCursor)
	if !ok {
		t.Fatal("cursor should decode")
	}
	second, err := svc.Messages(ctx, "a", r.ID, cur, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Messages) != 2 || second.Messages[0].ID != ids[2] || second.Messages[1].ID != ids[1] {
		t.Fatalf("second page out of order: %v", second.Messages)
	}

	cur, _ = cursor.Decode(*second.NextCursor)
	third, err := svc.Messages(ctx, "a", r.ID, cur, 2)
	if err != nil || len(third.Messages) != 1 || third.Messages[0].ID != ids[0] {
		t.Fatalf("third page: %d messages, err=%v", len(third.Messages), err)
	}
}

func TestSameMillisecondMessagesKeepSendOrder(t *testing.T) {
	svc, _, _, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")

	// A tight loop lands many messages on the same millisecond; the page
	// must still come back in send order, so ids have to break the tie.
	var sent []string
	for i := 0; i < 200; i++ {
		m, err := svc.SendMessage(ctx, "a", r.ID, "m")
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		sent = append(sent, m.ID)
	}

	page, err := svc.Messages(ctx, "a", r.ID, cursor.Cursor{}, maxPageSize)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(page.Messages) != len(sent) {
		t.Fatalf("page has %d messages, want %d", len(page.Messages), len(sent))
	}
	for i, m := range page.Messages {
		want := sent[len(sent)-1-i]
		if m.ID != want {
			t.Fatalf("order diverges at index %d: sent %s, page has %s", i, want, m.ID)
		}
	}
}

func TestMarkReadIdempotentAndMonotonic(t *testing.T) {
	svc, _, st, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")
	seedMessage(t, st, ctx, "m1", r.ID, "b", 1000)
	seedMessage(t, st, ctx, "m2", r.ID, "b", 2000)

	got, _ := svc.GetRoom(ctx, "a", r.ID)
	if got.UnreadCount != 2 {
		t.Fatalf("unread = %d, want 2", got.UnreadCount)
	}

	if err := svc.MarkMessageRead(ctx, "a", r.ID, "m2"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	got, _ = svc.GetRoom(ctx, "a", r.ID)
	if got.UnreadCount != 0 {
		t.Fatalf("reading the newest message advances the watermark, unread = %d", got.UnreadCount)
	}

	// Re-reading, or reading an older message, never moves the watermark back.
	if err := svc.MarkMessageRead(ctx, "a", r.ID, "m2"); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if err := svc.MarkMessageRead(ctx, "a", r.ID, "m1"); err != nil {
		t.Fatalf("older mark read: %v", err)
	}
	var watermark int64
	if err := st.QueryRow(ctx, `
		SELECT last_read_at_ms FROM chat_participants WHERE room_id = $1 AND user_id = 'a'
	`, r.ID).Scan(&watermark); err != nil {
		t.Fatalf("load watermark: %v", err)
	}
	if watermark != 2000 {
		t.Fatalf("watermark = %d, want 2000", watermark)
	}

	if err := svc.MarkMessageRead(ctx, "a", r.ID, "ghost"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("missing message should be NOT_FOUND, got %v", err)
	}
}

func TestMarkRoomReadAndReadStatus(t *testing.T) {
	svc, events, st, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")
	seedMessage(t, st, ctx, "m1", r.ID, "b", 1000)
	seedMessage(t, st, ctx, "m2", r.ID, "b", 2000)

	if err := svc.MarkRoomRead(ctx, "a", r.ID); err != nil {
		t.Fatalf("mark room read: %v", err)
	}
	got, _ := svc.GetRoom(ctx, "a", r.ID)
	if got.UnreadCount != 0 {
		t.Fatalf("unread = %d after room read", got.UnreadCount)
	}

	// In a two-person room the single receipt completes the read set.
	page, err := svc.Messages(ctx, "b", r.ID, cursor.Cursor{}, 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	for _, m := range page.Messages {
		if m.Status != StatusRead {
			t.Fatalf("message %s status = %s, want read", m.ID, m.Status)
		}
	}
	if got := events.named("message:status"); len(got) != 2 {
		t.Fatalf("expected a read transition per message, got %d", len(got))
	}

	// A second room read finds nothing to do.
	if err := svc.MarkRoomRead(ctx, "a", r.ID); err != nil {
		t.Fatalf("repeat room read: %v", err)
	}
	if got := events.named("message:status"); len(got) != 2 {
		t.Fatalf("repeat read should not re-emit, got %d events", len(got))
	}
}

func TestToggleReactionParity(t *testing.T) {
	svc, events, st, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")
	seedMessage(t, st, ctx, "m1", r.ID, "a", 1000)

	added, err := svc.ToggleReaction(ctx, "b", r.ID, "m1", "👍")
	if err != nil || !added {
		t.Fatalf("first toggle: added=%v, err=%v", added, err)
	}
	added, err = svc.ToggleReaction(ctx, "b", r.ID, "m1", "👍")
	if err != nil || added {
		t.Fatalf("second toggle should remove: added=%v, err=%v", added, err)
	}
	if len(events.named("reaction:added")) != 1 || len(events.named("reaction:removed")) != 1 {
		t.Fatal("expected one added and one removed event")
	}

	// Distinct emojis coexist.
	if _, err := svc.ToggleReaction(ctx, "b", r.ID, "m1", "👍"); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if _, err := svc.ToggleReaction(ctx, "b", r.ID, "m1", "🎉"); err != nil {
		t.Fatalf("second emoji: %v", err)
	}
	page, _ := svc.Messages(ctx, "a", r.ID, cursor.Cursor{}, 10)
	if len(page.Messages[0].Reactions) != 2 {
		t.Fatalf("expected 2 reactions, got %d", len(page.Messages[0].Reactions))
	}

	if _, err := svc.ToggleReaction(ctx, "b", r.ID, "m1", ""); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("empty emoji: %v", err)
	}
	if err := svc.RemoveReaction(ctx, "b", r.ID, "m1", "❌"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("removing an absent reaction should be NOT_FOUND, got %v", err)
	}
}

func TestPinLifecycle(t *testing.T) {
	svc, _, st, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")
	seedMessage(t, st, ctx, "m1", r.ID, "a", 1000)
	seedMessage(t, st, ctx, "m2", r.ID, "a", 2000)

	if err := svc.SetPinned(ctx, "b", r.ID, "m1", true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	pinned, err := svc.PinnedMessages(ctx, "a", r.ID)
	if err != nil || len(pinned) != 1 || pinned[0].ID != "m1" {
		t.Fatalf("pinned list: %d, err=%v", len(pinned), err)
	}
	if !pinned[0].IsPinned || pinned[0].PinnedByID == nil || *pinned[0].PinnedByID != "b" {
		t.Fatalf("pin metadata: %+v", pinned[0])
	}

	if err := svc.SetPinned(ctx, "a", r.ID, "m1", false); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	pinned, _ = svc.PinnedMessages(ctx, "a", r.ID)
	if len(pinned) != 0 {
		t.Fatalf("expected empty pinned list, got %d", len(pinned))
	}

	if err := svc.SetPinned(ctx, "a", r.ID, "ghost", true); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("pinning a missing message: %v", err)
	}
}

func TestSetTheme(t *testing.T) {
	svc, _, _, ctx := testService(t)
	r, _ := svc.DirectRoom(ctx, "a", "b")

	if err := svc.SetTheme(ctx, "b", r.ID, "ocean"); err != nil {
		t.Fatalf("set theme: %v", err)
	}
	got, _ := svc.GetRoom(ctx, "a", r.ID)
	if got.Theme != "ocean" {
		t.Fatalf("theme = %s, want ocean", got.Theme)
	}

	if err := svc.SetTheme(ctx, "a", r.ID, "neon"); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("unknown theme should be VALIDATION_ERROR, got %v", err)
	}
}

func TestDeleteRoomCreatorOnly(t *testing.T) {
	svc, _, _, ctx := testService(t)
	r, err := svc.CreateGroup(ctx, "a", "crew", []string{"b", "c"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if err := svc.DeleteRoom(ctx, "b", r.ID); !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("member delete should be FORBIDDEN, got %v", err)
	}
	if err := svc.DeleteRoom(ctx, "d", r.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("outsider delete should be NOT_FOUND, got %v", err)
	}
	if err := svc.DeleteRoom(ctx, "a", r.ID); err != nil {
		t.Fatalf("creator delete: %v", err)
	}
	if _, err := svc.GetRoom(ctx, "a", r.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("deleted room should be NOT_FOUND, got %v", err)
	}
}

func TestListRooms(t *testing.T) {
	svc, _, st, ctx := testService(t)
	r1, _ := svc.DirectRoom(ctx, "a", "b")
	if _, err := svc.CreateGroup(ctx, "a", "crew", []string{"b", "c"}); err != nil {
		t.Fatalf("group: %v", err)
	}
	seedMessage(t, st, ctx, "m1", r1.ID, "b", 1000)

	rooms, err := svc.ListRooms(ctx, "a")
	if err != nil || len(rooms) != 2 {
		t.Fatalf("list: %d, err=%v", len(rooms), err)
	}
	for _, r := range rooms {
		if r.ID == r1.ID && r.UnreadCount != 1 {
			t.Fatalf("direct room unread = %d, want 1", r.UnreadCount)
		}
	}

	none, err := svc.ListRooms(ctx, "d")
	if err != nil || len(none) != 0 {
		t.Fatalf("outsider list: %d, err=%v", len(none), err)
	}
}
