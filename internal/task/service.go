// Package task owns task CRUD, folder assignment, sharing, and the
// completed toggle. Semantics mirror the note service; tasks carry a
// priority and an optional due timestamp instead of tags.
package task

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

// Priority levels for a task.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Publisher fans domain events to a presence room.
type Publisher interface {
	Publish(room, event string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}

// Task is a task row.
type Task struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"ownerId"`
	FolderID    *string `json:"folderId"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	DueAt       *string `json:"dueAt"`
	Completed   bool    `json:"completed"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

// Share grants view or edit access to another user.
type Share struct {
	ID           string `json:"id"`
	TaskID       string `json:"taskId"`
	SharedByID   string `json:"sharedById"`
	SharedWithID string `json:"sharedWithId"`
	CanEdit      bool   `json:"canEdit"`
	CreatedAt    string `json:"createdAt"`
}

// Input is the create payload. DueAtMs is Unix milliseconds.
type Input struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	DueAtMs     *int64  `json:"dueAt"`
	FolderID    *string `json:"folderId"`
}

// Patch carries a partial update.
type Patch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *string `json:"priority"`
	DueAtMs     *int64  `json:"dueAt"`
	SetDue      bool    `json:"-"`
	FolderID    *string `json:"folderId"`
	SetFolder   bool    `json:"-"`
	Completed   *bool   `json:"completed"`
}

// Filters narrows List results.
type Filters struct {
	Completed *bool
	FolderID  *string
	Query     string
}

// Service implements task operations.
type Service struct {
	store  *store.Store
	authz  *authz.Engine
	events Publisher
}

// New creates a task service. events may be nil.
func New(st *store.Store, az *authz.Engine, events Publisher) *Service {
	if events == nil {
		events = nopPublisher{}
	}
	return &Service{store: st, authz: az, events: events}
}

func room(taskID string) string { return "task:" + taskID }

func validPriority(p string) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

const taskColumns = `id, owner_id, folder_id, title, description, priority, due_at_ms, completed, created_at_ms, updated_at_ms`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var dueMs *int64
	var createdMs, updatedMs int64
	if err := row.Scan(&t.ID, &t.OwnerID, &t.FolderID, &t.Title, &t.Description,
		&t.Priority, &dueMs, &t.Completed, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	if dueMs != nil {
		due := cursor.RFC3339(*dueMs)
		t.DueAt = &due
	}
	t.CreatedAt = cursor.RFC3339(createdMs)
	t.UpdatedAt = cursor.RFC3339(updatedMs)
	return &t, nil
}

// Create inserts a task for the caller.
func (s *Service) Create(ctx context.Context, callerID string, in Input) (*Task, error) {
	fields := map[string]string{}
	if in.Title == "" || len(in.Title) > 500 {
		fields["title"] = "must be 1-500 characters"
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !validPriority(in.Priority) {
		fields["priority"] = "must be one of low, medium, high"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation(fields)
	}

	t := &Task{
		ID:          uuid.NewString(),
		OwnerID:     callerID,
		FolderID:    in.FolderID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
	}
	now := cursor.NowMs()
	t.CreatedAt = cursor.RFC3339(now)
	t.UpdatedAt = t.CreatedAt
	if in.DueAtMs != nil {
		due := cursor.RFC3339(*in.DueAtMs)
		t.DueAt = &due
	}

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if in.FolderID != nil {
			if err := verifyFolderOwner(ctx, tx, callerID, *in.FolderID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, owner_id, folder_id, title, description, priority, due_at_ms, completed, created_at_ms, updated_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $8)
		`, t.ID, t.OwnerID, t.FolderID, t.Title, t.Description, t.Priority, in.DueAtMs, now); err != nil {
			return store.AsConflict(err, "task already exists")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a task visible to the caller.
func (s *Service) Get(ctx context.Context, callerID, taskID string) (*Task, error) {
	perm, err := s.authz.TaskPermission(ctx, callerID, taskID)
	if err != nil {
		return nil, err
	}
	if perm < authz.PermView {
		return nil, apperr.New(apperr.CodeNotFound, "task not found")
	}
	return s.load(ctx, taskID)
}

func (s *Service) load(ctx context.Context, taskID string) (*Task, error) {
	t, err := scanTask(s.store.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "task not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return t, nil
}

// Update applies a partial patch; requires edit permission.
func (s *Service) Update(ctx context.Context, callerID, taskID string, p Patch) (*Task, error) {
	perm, err := s.authz.TaskPermission(ctx, callerID, taskID)
	if err != nil {
		return nil, err
	}
	if perm < authz.PermView {
		return nil, apperr.New(apperr.CodeNotFound, "task not found")
	}
	if perm < authz.PermEdit {
		return nil, apperr.New(apperr.CodeForbidden, "share does not permit editing")
	}

	t, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if p.Title != nil {
		if *p.Title == "" || len(*p.Title) > 500 {
			return nil, apperr.Validation(map[string]string{"title": "must be 1-500 characters"})
		}
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		if !validPriority(*p.Priority) {
			return nil, apperr.Validation(map[string]string{"priority": "must be one of low, medium, high"})
		}
		t.Priority = *p.Priority
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	var dueMs *int64
	if p.SetDue {
		dueMs = p.DueAtMs
		if dueMs != nil {
			due := cursor.RFC3339(*dueMs)
			t.DueAt = &due
		} else {
			t.DueAt = nil
		}
	} else if t.DueAt != nil {
		// keep existing due; reload ms for the UPDATE below
		var existing *int64
		if err := s.store.QueryRow(ctx,
			`SELECT due_at_ms FROM tasks WHERE id = $1`, taskID).Scan(&existing); err != nil {
			return nil, apperr.Internal(err)
		}
		dueMs = existing
	}
	if p.SetFolder {
		t.FolderID = p.FolderID
	}

	now := cursor.NowMs()
	t.UpdatedAt = cursor.RFC3339(now)

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if p.SetFolder && t.FolderID != nil {
			if err := verifyFolderOwner(ctx, tx, callerID, *t.FolderID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET folder_id = $1, title = $2, description = $3, priority = $4, due_at_ms = $5, completed = $6, updated_at_ms = $7
			WHERE id = $8
		`, t.FolderID, t.Title, t.Description, t.Priority, dueMs, t.Completed, now, t.ID); err != nil {
			return apperr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(room(t.ID), "updated", t)
	return t, nil
}

// SetCompleted is the dedicated single-field toggle endpoint.
func (s *Service) SetCompleted(ctx context.Context, callerID, taskID string, completed bool) (*Task, error) {
	return s.Update(ctx, callerID, taskID, Patch{Completed: &completed})
}

// SetFolder assigns or clears the task's folder.
func (s *Service) SetFolder(ctx context.Context, callerID, taskID string, folderID *string) (*Task, error) {
	return s.Update(ctx, callerID, taskID, Patch{FolderID: folderID, SetFolder: true})
}

// Delete removes a task. Owner (or admin) only.
func (s *Service) Delete(ctx context.Context, callerID, taskID string) error {
	perm, err := s.authz.TaskPermission(ctx, callerID, taskID)
	if err != nil {
		return err
	}
	if perm < authz.PermView {
		return apperr.New(apperr.CodeNotFound, "task not found")
	}
	if perm < authz.PermOwner {
		return apperr.New(apperr.CodeForbidden, "only the owner can delete a task")
	}
	if _, err := s.store.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID); err != nil {
		return apperr.Internal(err)
	}
	s.events.Publish(room(taskID), "deleted", map[string]string{"id": taskID})
	return nil
}

// List returns tasks the caller owns or has been granted.
func (s *Service) List(ctx context.Context, callerID string, f Filters) ([]*Task, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT DISTINCT t.id, t.owner_id, t.folder_id, t.title, t.description, t.priority, t.due_at_ms, t.completed, t.created_at_ms, t.updated_at_ms
		FROM tasks t
		LEFT JOIN task_shares sh ON sh.task_id = t.id AND sh.shared_with_id = $1
		WHERE (t.owner_id = $1 OR sh.id IS NOT NULL)
	`)
	args := []any{callerID}

	if f.Completed != nil {
		args = append(args, *f.Completed)
		fmt.Fprintf(&sb, " AND t.completed = $%d", len(args))
	}
	if f.FolderID != nil {
		args = append(args, *f.FolderID)
		fmt.Fprintf(&sb, " AND t.folder_id = $%d", len(args))
	}
	if f.Query != "" {
		args = append(args, "%"+strings.ToLower(f.Query)+"%")
		fmt.Fprintf(&sb, ` AND (LOWER(t.title) LIKE $%d OR LOWER(t.description) LIKE $%d)`, len(args), len(args))
	}
	sb.WriteString(" ORDER BY t.completed, t.updated_at_ms DESC, t.id")

	rows, err := s.store.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return tasks, nil
}

// CreateShare grants view or edit to another user. Same invariants as notes.
func (s *Service) CreateShare(ctx context.Context, callerID, taskID, targetUserID string, canEdit bool) (*Share, error) {
	perm, err := s.authz.TaskPermission(ctx, callerID, taskID)
	if err != nil {
		return nil, err
	}
	if perm < authz.PermView {
		return nil, apperr.New(apperr.CodeNotFound, "task not found")
	}
	if perm < authz.PermOwner {
		return nil, apperr.New(apperr.CodeForbidden, "only the owner can share a task")
	}
	if targetUserID == callerID {
		return nil, apperr.New(apperr.CodeSelfShare, "cannot share a task with yourself")
	}

	var exists int
	if err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE id = $1`, targetUserID).Scan(&exists); err != nil {
		return nil, apperr.Internal(err)
	}
	if exists == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}

	var ownerID string
	if err := s.store.QueryRow(ctx,
		`SELECT owner_id FROM tasks WHERE id = $1`, taskID).Scan(&ownerID); err != nil {
		return nil, apperr.Internal(err)
	}

	sh := &Share{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		SharedByID:   ownerID,
		SharedWithID: targetUserID,
		CanEdit:      canEdit,
	}
	now := cursor.NowMs()
	sh.CreatedAt = cursor.RFC3339(now)

	if _, err := s.store.Exec(ctx, `
		INSERT INTO task_shares (id, task_id, shared_by_id, shared_with_id, can_edit, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sh.ID, sh.TaskID, sh.SharedByID, sh.SharedWithID, sh.CanEdit, now); err != nil {
		return nil, store.AsConflict(err, "task is already shared with this user")
	}
	return sh, nil
}

// DeleteShare revokes a grant by (task, user) pair. Owner only.
func (s *Service) DeleteShare(ctx context.Context, callerID, taskID, targetUserID string) error {
	perm, err := s.authz.TaskPermission(ctx, callerID, taskID)
	if err != nil {
		return err
	}
	if perm < authz.PermOwner {
		return apperr.New(apperr.CodeNotFound, "task not found")
	}
	res, err := s.store.Exec(ctx,
		`DELETE FROM task_shares WHERE task_id = $1 AND shared_with_id = $2`, taskID, targetUserID)
	if err != nil {
		return apperr.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "share not found")
	}
	return nil
}

// verifyFolderOwner rejects folder assignments outside the caller's tree.
func verifyFolderOwner(ctx context.Context, q store.Querier, callerID, folderID string) error {
	var ownerID string
	err := q.QueryRow(ctx, `SELECT user_id FROM folders WHERE id = $1`, folderID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, "folder not found")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	if ownerID != callerID {
		return apperr.New(apperr.CodeForbidden, "folder belongs to another user")
	}
	return nil
}
