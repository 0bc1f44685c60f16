// Package chat owns rooms, participants, messages, reactions, pins, read
// receipts, and themes. Real-time delivery goes through the presence broker;
// persistence is the source of truth and clients reconcile over REST after
// reconnects.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/authz"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

// Themes available to a room.
var validThemes = map[string]bool{
	"default": true, "ocean": true, "sunset": true, "forest": true, "midnight": true,
}

// Message status values derived for the client.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Publisher fans events to a presence room. PublishExcept skips every socket
// belonging to exceptUserID and reports how many sockets received the event;
// a message counts as delivered once that count is positive.
type Publisher interface {
	Publish(room, event string, payload any)
	PublishExcept(room, event string, payload any, exceptUserID string) int
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}
func (nopPublisher) PublishExcept(string, string, any, string) int {
	return 0
}

// Room is a chat room with caller-relative metadata.
type Room struct {
	ID           string   `json:"id"`
	Name         *string  `json:"name"`
	IsGroup      bool     `json:"isGroup"`
	CreatedByID  string   `json:"createdById"`
	Theme        string   `json:"theme"`
	CreatedAt    string   `json:"createdAt"`
	Participants []string `json:"participants"`
	UnreadCount  int      `json:"unreadCount"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// Message is a chat message with derived status.
type Message struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"roomId"`
	SenderID    string     `json:"senderId"`
	Body        string     `json:"body"`
	IsPinned    bool       `json:"isPinned"`
	PinnedAt    *string    `json:"pinnedAt"`
	PinnedByID  *string    `json:"pinnedById"`
	SentAt      string     `json:"sentAt"`
	DeliveredAt *string    `json:"deliveredAt"`
	CreatedAt   string     `json:"createdAt"`
	Status      string     `json:"status"`
	Reactions   []Reaction `json:"reactions"`

	createdAtMs int64
}

// MessagePage is one page of history plus the cursor of the oldest row.
type MessagePage struct {
	Messages   []*Message `json:"messages"`
	NextCursor *string    `json:"nextCursor,omitempty"`
}

// Service implements chat operations.
type Service struct {
	store  *store.Store
	authz  *authz.Engine
	events Publisher
}

// New creates a chat service. events may be nil.
func New(st *store.Store, az *authz.Engine, events Publisher) *Service {
	if events == nil {
		events = nopPublisher{}
	}
	return &Service{store: st, authz: az, events: events}
}

func room(roomID string) string { return "chat:" + roomID }

// requireParticipant gates every room operation. Non-members see NOT_FOUND.
func (s *Service) requireParticipant(ctx context.Context, callerID, roomID string) error {
	ok, err := s.authz.IsParticipant(ctx, callerID, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.CodeNotFound, "room not found")
	}
	return nil
}

// DirectRoom returns the unique direct room between the caller and other,
// creating it atomically with both participants when absent.
func (s *Service) DirectRoom(ctx context.Context, callerID, otherUserID string) (*Room, error) {
	if otherUserID == callerID {
		return nil, apperr.New(apperr.CodeValidation, "cannot open a direct room with yourself")
	}
	var exists int
	if err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE id = $1`, otherUserID).Scan(&exists); err != nil {
		return nil, apperr.Internal(err)
	}
	if exists == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}

	// Sorted pair key; the partial unique index on chat_rooms(direct_key)
	// makes the room unique even under concurrent creation.
	lo, hi := callerID, otherUserID
	if hi < lo {
		lo, hi = hi, lo
	}
	directKey := lo + ":" + hi

	roomID, err := s.directRoomID(ctx, directKey)
	if err == nil {
		return s.GetRoom(ctx, callerID, roomID)
	}
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, err
	}

	roomID = uuid.NewString()
	now := cursor.NowMs()
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_rooms (id, name, is_group, created_by_id, theme, direct_key, created_at_ms)
			VALUES ($1, NULL, FALSE, $2, 'default', $3, $4)
		`, roomID, callerID, directKey, now); err != nil {
			return store.AsConflict(err, "direct room already exists")
		}
		for _, uid := range []string{callerID, otherUserID} {
			if _, err := tx.Exec(ctx, `
				INSERT INTO chat_participants (room_id, user_id) VALUES ($1, $2)
			`, roomID, uid); err != nil {
				return store.AsConflict(err, "participant already present")
			}
		}
		return nil
	})
	if apperr.IsCode(err, apperr.CodeConflict) {
		// Lost the race; the winner's room is the one the index kept.
		roomID, err = s.directRoomID(ctx, directKey)
	}
	if err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, callerID, roomID)
}

func (s *Service) directRoomID(ctx context.Context, directKey string) (string, error) {
	var roomID string
	err := s.store.QueryRow(ctx, `
		SELECT id FROM chat_rooms WHERE is_group = FALSE AND direct_key = $1
	`, directKey).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.New(apperr.CodeNotFound, "direct room not found")
	}
	if err != nil {
		return "", apperr.Internal(err)
	}
	return roomID, nil
}

// CreateGroup creates a group room with at least three participants
// including the creator.
func (s *Service) CreateGroup(ctx context.Context, callerID, name string, participantIDs []string) (*Room, error) {
	members := map[string]bool{callerID: true}
	for _, id := range participantIDs {
		members[id] = true
	}
	if len(members) < 3 {
		return nil, apperr.Validation(map[string]string{"participants": "a group room needs at least 3 participants"})
	}
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Validation(map[string]string{"name": "group rooms require a name"})
	}

	roomID := uuid.NewString()
	now := cursor.NowMs()
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_rooms (id, name, is_group, created_by_id, theme, created_at_ms)
			VALUES ($1, $2, TRUE, $3, 'default', $4)
		`, roomID, name, callerID, now); err != nil {
			return store.AsConflict(err, "room already exists")
		}
		for uid := range members {
			var exists int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE id = $1`, uid).Scan(&exists); err != nil {
				return apperr.Internal(err)
			}
			if exists == 0 {
				return apperr.Newf(apperr.CodeNotFound, "user %s not found", uid)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO chat_participants (room_id, user_id) VALUES ($1, $2)
			`, roomID, uid); err != nil {
				return store.AsConflict(err, "participant already present")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRoom(ctx, callerID, roomID)
}

// GetRoom loads one room the caller participates in.
func (s *Service) GetRoom(ctx context.Context, callerID, roomID string) (*Room, error) {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return nil, err
	}
	r := &Room{ID: roomID}
	var createdMs int64
	err := s.store.QueryRow(ctx, `
		SELECT name, is_group, created_by_id, theme, created_at_ms FROM chat_rooms WHERE id = $1
	`, roomID).Scan(&r.Name, &r.IsGroup, &r.CreatedByID, &r.Theme, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "room not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	r.CreatedAt = cursor.RFC3339(createdMs)

	if r.Participants, err = s.participantIDs(ctx, roomID); err != nil {
		return nil, err
	}
	if r.UnreadCount, err = s.unreadCount(ctx, callerID, roomID); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRooms returns every room the caller participates in, newest first,
// with unread counts.
func (s *Service) ListRooms(ctx context.Context, callerID string) ([]*Room, error) {
	rows, err := s.store.Query(ctx, `
		SELECT r.id, r.name, r.is_group, r.created_by_id, r.theme, r.created_at_ms
		FROM chat_rooms r
		JOIN chat_participants p ON p.room_id = r.id AND p.user_id = $1
		ORDER BY r.created_at_ms DESC, r.id
	`, callerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	rooms := []*Room{}
	for rows.Next() {
		r := &Room{}
		var createdMs int64
		if err := rows.Scan(&r.ID, &r.Name, &r.IsGroup, &r.CreatedByID, &r.Theme, &createdMs); err != nil {
			return nil, apperr.Internal(err)
		}
		r.CreatedAt = cursor.RFC3339(createdMs)
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}

	for _, r := range rooms {
		if r.Participants, err = s.participantIDs(ctx, r.ID); err != nil {
			return nil, err
		}
		if r.UnreadCount, err = s.unreadCount(ctx, callerID, r.ID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

// DeleteRoom removes a room and its messages. Creator only.
func (s *Service) DeleteRoom(ctx context.Context, callerID, roomID string) error {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return err
	}
	creator, err := s.authz.IsRoomCreator(ctx, callerID, roomID)
	if err != nil {
		return err
	}
	if !creator {
		return apperr.New(apperr.CodeForbidden, "only the room creator can delete the room")
	}
	if _, err := s.store.Exec(ctx, `DELETE FROM chat_rooms WHERE id = $1`, roomID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// SetTheme updates the room theme. Any participant may change it.
func (s *Service) SetTheme(ctx context.Context, callerID, roomID, theme string) error {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return err
	}
	if !validThemes[theme] {
		return apperr.Validation(map[string]string{"theme": "must be one of default, ocean, sunset, forest, midnight"})
	}
	if _, err := s.store.Exec(ctx,
		`UPDATE chat_rooms SET theme = $1 WHERE id = $2`, theme, roomID); err != nil {
		return apperr.Internal(err)
	}
	s.events.PublishExcept(room(roomID), "theme:updated", map[string]string{"roomId": roomID, "theme": theme}, callerID)
	return nil
}

// SendMessage persists a message and fans it out. The message becomes
// `delivered` when at least one recipient socket receives the broadcast.
func (s *Service) SendMessage(ctx context.Context, callerID, roomID, body string) (*Message, error) {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validation(map[string]string{"body": "message body must not be empty"})
	}

	// v7 ids are time-ordered, so the (created_at_ms, id) sort used by
	// Messages keeps send order even for same-millisecond messages.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	m := &Message{
		ID:          id.String(),
		RoomID:      roomID,
		SenderID:    callerID,
		Body:        body,
		Status:      StatusSent,
		Reactions:   []Reaction{},
		createdAtMs: cursor.NowMs(),
	}
	m.SentAt = cursor.RFC3339(m.createdAtMs)
	m.CreatedAt = m.SentAt

	if _, err := s.store.Exec(ctx, `
		INSERT INTO chat_messages (id, room_id, sender_id, body, is_pinned, sent_at_ms, created_at_ms)
		VALUES ($1, $2, $3, $4, FALSE, $5, $5)
	`, m.ID, m.RoomID, m.SenderID, m.Body, m.createdAtMs); err != nil {
		return nil, store.AsConflict(err, "message already exists")
	}

	if n := s.events.PublishExcept(room(roomID), "message", m, callerID); n > 0 {
		deliveredMs := cursor.NowMs()
		if _, err := s.store.Exec(ctx,
			`UPDATE chat_messages SET delivered_at_ms = $1 WHERE id = $2`, deliveredMs, m.ID); err == nil {
			delivered := cursor.RFC3339(deliveredMs)
			m.DeliveredAt = &delivered
			m.Status = StatusDelivered
			s.events.Publish(room(roomID), "message:status",
				map[string]string{"messageId": m.ID, "status": StatusDelivered})
		}
	}
	return m, nil
}

// Messages pages room history by descending (created_at, id). The cursor is
// the position of the oldest returned row.
func (s *Service) Messages(ctx context.Context, callerID, roomID string, cur cursor.Cursor, limit int) (*MessagePage, error) {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	query := `
		SELECT id, room_id, sender_id, body, is_pinned, pinned_at_ms, pinned_by_id, sent_at_ms, delivered_at_ms, created_at_ms
		FROM chat_messages WHERE room_id = $1
	`
	args := []any{roomID}
	if cur.Ms != 0 || cur.ID != uuid.Nil {
		args = append(args, cur.Ms, cur.ID.String())
		query += fmt.Sprintf(` AND (created_at_ms < $%d OR (created_at_ms = $%d AND id < $%d))`,
			len(args)-1, len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at_ms DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}

	if err := s.decorate(ctx, roomID, msgs); err != nil {
		return nil, err
	}

	page := &MessagePage{Messages: msgs}
	if len(msgs) > 0 {
		oldest := msgs[len(msgs)-1]
		id, _ := uuid.Parse(oldest.ID)
		enc := cursor.Encode(cursor.Cursor{Ms: oldest.createdAtMs, ID: id})
		page.NextCursor = &enc
	}
	return page, nil
}

// MarkMessageRead upserts the caller's read receipt for one message and
// advances last_read_at monotonically. Idempotent.
func (s *Service) MarkMessageRead(ctx context.Context, callerID, roomID, messageID string) error {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return err
	}

	var msgCreatedMs int64
	var senderID string
	err := s.store.QueryRow(ctx,
		`SELECT created_at_ms, sender_id FROM chat_messages WHERE id = $1 AND room_id = $2`,
		messageID, roomID).Scan(&msgCreatedMs, &senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, "message not found")
	}
	if err != nil {
		return apperr.Internal(err)
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_reads (message_id, user_id, read_at_ms) VALUES ($1, $2, $3)
			ON CONFLICT (message_id, user_id) DO NOTHING
		`, messageID, callerID, cursor.NowMs()); err != nil {
			return apperr.Internal(err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE chat_participants SET last_read_at_ms = $1
			WHERE room_id = $2 AND user_id = $3
			  AND (last_read_at_ms IS NULL OR last_read_at_ms < $1)
		`, msgCreatedMs, roomID, callerID); err != nil {
			return apperr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.PublishExcept(room(roomID), "read",
		map[string]string{"roomId": roomID, "messageId": messageID, "userId": callerID}, callerID)
	s.maybeEmitRead(ctx, roomID, messageID, senderID)
	return nil
}

// MarkRoomRead marks everything currently unread in the room as read.
func (s *Service) MarkRoomRead(ctx context.Context, callerID, roomID string) error {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return err
	}

	rows, err := s.store.Query(ctx, `
		SELECT m.id, m.created_at_ms, m.sender_id FROM chat_messages m
		JOIN chat_participants p ON p.room_id = m.room_id AND p.user_id = $1
		WHERE m.room_id = $2 AND m.sender_id != $1
		  AND (p.last_read_at_ms IS NULL OR m.created_at_ms > p.last_read_at_ms)
		ORDER BY m.created_at_ms, m.id
	`, callerID, roomID)
	if err != nil {
		return apperr.Internal(err)
	}
	type unread struct {
		id       string
		ms       int64
		senderID string
	}
	var pending []unread
	for rows.Next() {
		var u unread
		if err := rows.Scan(&u.id, &u.ms, &u.senderID); err != nil {
			rows.Close()
			return apperr.Internal(err)
		}
		pending = append(pending, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperr.Internal(err)
	}

	for _, u := range pending {
		if err := s.MarkMessageRead(ctx, callerID, roomID, u.id); err != nil {
			return err
		}
	}
	return nil
}

// ToggleReaction adds the (message, user, emoji) reaction, or removes it if
// already present.
func (s *Service) ToggleReaction(ctx context.Context, callerID, roomID, messageID, emoji string) (added bool, err error) {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return false, err
	}
	if emoji == "" {
		return false, apperr.Validation(map[string]string{"emoji": "emoji is required"})
	}
	if err := s.requireMessage(ctx, roomID, messageID); err != nil {
		return false, err
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx, `
			DELETE FROM chat_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
		`, messageID, callerID, emoji)
		if err != nil {
			return apperr.Internal(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = false
			return nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		`, messageID, callerID, emoji); err != nil {
			return store.AsConflict(err, "reaction already exists")
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}

	event := "reaction:removed"
	if added {
		event = "reaction:added"
	}
	s.events.PublishExcept(room(roomID), event,
		Reaction{MessageID: messageID, UserID: callerID, Emoji: emoji}, callerID)
	return added, nil
}

// RemoveReaction deletes a specific reaction if present.
func (s *Service) RemoveReaction(ctx context.Context, callerID, roomID, messageID, emoji string) error {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return err
	}
	res, err := s.store.Exec(ctx, `
		DELETE FROM chat_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, messageID, callerID, emoji)
	if err != nil {
		return apperr.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "reaction not found")
	}
	s.events.PublishExcept(room(roomID), "reaction:removed",
		Reaction{MessageID: messageID, UserID: callerID, Emoji: emoji}, callerID)
	return nil
}

// SetPinned pins or unpins a message. Any participant may pin.
func (s *Service) SetPinned(ctx context.Context, callerID, roomID, messageID string, pinned bool) error {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return err
	}
	if err := s.requireMessage(ctx, roomID, messageID); err != nil {
		return err
	}

	var err error
	if pinned {
		_, err = s.store.Exec(ctx, `
			UPDATE chat_messages SET is_pinned = TRUE, pinned_at_ms = $1, pinned_by_id = $2 WHERE id = $3
		`, cursor.NowMs(), callerID, messageID)
	} else {
		_, err = s.store.Exec(ctx, `
			UPDATE chat_messages SET is_pinned = FALSE, pinned_at_ms = NULL, pinned_by_id = NULL WHERE id = $1
		`, messageID)
	}
	if err != nil {
		return apperr.Internal(err)
	}

	event := "unpinned"
	if pinned {
		event = "pinned"
	}
	s.events.PublishExcept(room(roomID), event,
		map[string]string{"roomId": roomID, "messageId": messageID, "userId": callerID}, callerID)
	return nil
}

// PinnedMessages lists the pinned messages of a room, newest pin first.
func (s *Service) PinnedMessages(ctx context.Context, callerID, roomID string) ([]*Message, error) {
	if err := s.requireParticipant(ctx, callerID, roomID); err != nil {
		return nil, err
	}
	rows, err := s.store.Query(ctx, `
		SELECT id, room_id, sender_id, body, is_pinned, pinned_at_ms, pinned_by_id, sent_at_ms, delivered_at_ms, created_at_ms
		FROM chat_messages WHERE room_id = $1 AND is_pinned = TRUE
		ORDER BY pinned_at_ms DESC, id
	`, roomID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.decorate(ctx, roomID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// --- internals ---

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var pinnedMs, deliveredMs *int64
	var sentMs int64
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.IsPinned,
		&pinnedMs, &m.PinnedByID, &sentMs, &deliveredMs, &m.createdAtMs); err != nil {
		return nil, err
	}
	m.SentAt = cursor.RFC3339(sentMs)
	m.CreatedAt = cursor.RFC3339(m.createdAtMs)
	m.Status = StatusSent
	if pinnedMs != nil {
		p := cursor.RFC3339(*pinnedMs)
		m.PinnedAt = &p
	}
	if deliveredMs != nil {
		d := cursor.RFC3339(*deliveredMs)
		m.DeliveredAt = &d
		m.Status = StatusDelivered
	}
	m.Reactions = []Reaction{}
	return &m, nil
}

// decorate loads reactions and resolves read status for a message batch.
func (s *Service) decorate(ctx context.Context, roomID string, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := map[string]*Message{}
	ids := make([]any, 0, len(msgs))
	ph := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
		ph = append(ph, fmt.Sprintf("$%d", len(ids)))
	}

	rows, err := s.store.Query(ctx, fmt.Sprintf(`
		SELECT message_id, user_id, emoji FROM chat_reactions WHERE message_id IN (%s)
	`, strings.Join(ph, ",")), ids...)
	if err != nil {
		return apperr.Internal(err)
	}
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji); err != nil {
			rows.Close()
			return apperr.Internal(err)
		}
		if m, ok := byID[r.MessageID]; ok {
			m.Reactions = append(m.Reactions, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperr.Internal(err)
	}

	var participants int
	if err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_participants WHERE room_id = $1`, roomID).Scan(&participants); err != nil {
		return apperr.Internal(err)
	}

	// A message is read when every non-sender participant has a receipt.
	rows, err = s.store.Query(ctx, fmt.Sprintf(`
		SELECT m.id, COUNT(r.user_id) FROM chat_messages m
		LEFT JOIN chat_reads r ON r.message_id = m.id AND r.user_id != m.sender_id
		WHERE m.id IN (%s)
		GROUP BY m.id
	`, strings.Join(ph, ",")), ids...)
	if err != nil {
		return apperr.Internal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var readers int
		if err := rows.Scan(&id, &readers); err != nil {
			return apperr.Internal(err)
		}
		if m, ok := byID[id]; ok && participants > 1 && readers >= participants-1 {
			m.Status = StatusRead
		}
	}
	return rows.Err()
}

// maybeEmitRead emits the read status transition once every non-sender
// participant has a receipt for the message.
func (s *Service) maybeEmitRead(ctx context.Context, roomID, messageID, senderID string) {
	var participants, readers int
	if err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_participants WHERE room_id = $1`, roomID).Scan(&participants); err != nil {
		return
	}
	if err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_reads WHERE message_id = $1 AND user_id != $2`,
		messageID, senderID).Scan(&readers); err != nil {
		return
	}
	if participants > 1 && readers >= participants-1 {
		s.events.Publish(room(roomID), "message:status",
			map[string]string{"messageId": messageID, "status": StatusRead})
	}
}

func (s *Service) requireMessage(ctx context.Context, roomID, messageID string) error {
	var n int
	if err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE id = $1 AND room_id = $2`,
		messageID, roomID).Scan(&n); err != nil {
		return apperr.Internal(err)
	}
	if n == 0 {
		return apperr.New(apperr.CodeNotFound, "message not found")
	}
	return nil
}

func (s *Service) participantIDs(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.store.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE room_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Internal(err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Service) unreadCount(ctx context.Context, callerID, roomID string) (int, error) {
	var n int
	err := s.store.QueryRow(ctx, `
		SELECT COUNT(*) FROM chat_messages m
		JOIN chat_participants p ON p.room_id = m.room_id AND p.user_id = $1
		WHERE m.room_id = $2 AND m.sender_id != $1
		  AND (p.last_read_at_ms IS NULL OR m.created_at_ms > p.last_read_at_ms)
	`, callerID, roomID).Scan(&n)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return n, nil
}
