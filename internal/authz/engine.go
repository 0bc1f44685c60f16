// Package authz resolves permissions. It is the single arbiter for REST
// access checks and for presence-room join decisions.
//
// Evaluation order: admin, then ownership, then shares (view always, edit iff
// can_edit, never delete or re-share), then chat participant membership.
// Everything else denies.
package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

// Perm is an ordered permission level on an entity.
type Perm int

const (
	PermNone Perm = iota
	PermView
	PermEdit
	PermOwner
)

// Engine answers permit/deny questions against the store.
type Engine struct {
	store *store.Store
}

// New creates an engine.
func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// IsAdmin reports whether userID holds the admin role.
func (e *Engine) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var admin bool
	err := e.store.QueryRow(ctx,
		`SELECT is_admin FROM users WHERE id = $1`, userID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err)
	}
	return admin, nil
}

// NotePermission resolves the caller's level on a note. PermNone covers both
// "absent" and "not visible"; callers surface it as NOT_FOUND so the two are
// indistinguishable.
func (e *Engine) NotePermission(ctx context.Context, callerID, noteID string) (Perm, error) {
	return e.entityPermission(ctx, callerID, noteID, "notes", "note_shares", "note_id")
}

// TaskPermission resolves the caller's level on a task.
func (e *Engine) TaskPermission(ctx context.Context, callerID, taskID string) (Perm, error) {
	return e.entityPermission(ctx, callerID, taskID, "tasks", "task_shares", "task_id")
}

func (e *Engine) entityPermission(ctx context.Context, callerID, entityID, table, shareTable, shareCol string) (Perm, error) {
	var ownerID string
	err := e.store.QueryRow(ctx,
		fmt.Sprintf(`SELECT owner_id FROM %s WHERE id = $1`, table), entityID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return PermNone, nil
	}
	if err != nil {
		return PermNone, apperr.Internal(err)
	}

	if ownerID == callerID {
		return PermOwner, nil
	}
	if admin, err := e.IsAdmin(ctx, callerID); err != nil {
		return PermNone, err
	} else if admin {
		return PermOwner, nil
	}

	var canEdit bool
	err = e.store.QueryRow(ctx,
		fmt.Sprintf(`SELECT can_edit FROM %s WHERE %s = $1 AND shared_with_id = $2`, shareTable, shareCol),
		entityID, callerID).Scan(&canEdit)
	if errors.Is(err, sql.ErrNoRows) {
		return PermNone, nil
	}
	if err != nil {
		return PermNone, apperr.Internal(err)
	}
	if canEdit {
		return PermEdit, nil
	}
	return PermView, nil
}

// FolderOwner reports whether callerID owns the folder. Folder operations
// never follow shares.
func (e *Engine) FolderOwner(ctx context.Context, callerID, folderID string) (bool, error) {
	var ownerID string
	err := e.store.QueryRow(ctx,
		`SELECT user_id FROM folders WHERE id = $1`, folderID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err)
	}
	return ownerID == callerID, nil
}

// IsParticipant reports whether callerID is a member of the chat room.
func (e *Engine) IsParticipant(ctx context.Context, callerID, roomID string) (bool, error) {
	var n int
	err := e.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_participants WHERE room_id = $1 AND user_id = $2`,
		roomID, callerID).Scan(&n)
	if err != nil {
		return false, apperr.Internal(err)
	}
	return n > 0, nil
}

// IsRoomCreator reports whether callerID created the chat room. Only the
// creator may delete the room.
func (e *Engine) IsRoomCreator(ctx context.Context, callerID, roomID string) (bool, error) {
	var createdBy string
	err := e.store.QueryRow(ctx,
		`SELECT created_by_id FROM chat_rooms WHERE id = $1`, roomID).Scan(&createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err)
	}
	return createdBy == callerID, nil
}

// CanViewRoom decides presence-room joins. Room keys are "kind:id" with
// kind in {note, task, chat}. Unknown kinds and malformed keys deny.
func (e *Engine) CanViewRoom(ctx context.Context, callerID, roomKey string) (bool, error) {
	kind, id, ok := strings.Cut(roomKey, ":")
	if !ok || id == "" {
		return false, nil
	}
	switch kind {
	case "note":
		p, err := e.NotePermission(ctx, callerID, id)
		return p >= PermView, err
	case "task":
		p, err := e.TaskPermission(ctx, callerID, id)
		return p >= PermView, err
	case "chat":
		return e.IsParticipant(ctx, callerID, id)
	default:
		return false, nil
	}
}
