// Package note owns note CRUD, tag denormalization, folder assignment, and
// note sharing. Mutations emit domain events to the presence broker after
// commit so connected editors converge on last-writer-wins state.
package note

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

const maxTitleLen = 500

// Publisher fans domain events to a presence room. The broker implements it.
type Publisher interface {
	Publish(room, event string, payload any)
}

// nopPublisher lets the service run without a broker (tests, batch replay).
type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}

// Note is a note with its denormalized tags.
type Note struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"ownerId"`
	FolderID  *string  `json:"folderId"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags"`
	Favorite  bool     `json:"favorite"`
	Pinned    bool     `json:"pinned"`
	Archived  bool     `json:"archived"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt"`
}

// Share is a grant of view or edit access to another user.
type Share struct {
	ID           string `json:"id"`
	NoteID       string `json:"noteId"`
	SharedByID   string `json:"sharedById"`
	SharedWithID string `json:"sharedWithId"`
	CanEdit      bool   `json:"canEdit"`
	CreatedAt    string `json:"createdAt"`
}

// Input is the create payload.
type Input struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Tags     []string `json:"tags"`
	FolderID *string  `json:"folderId"`
}

// Patch carries a partial update; nil fields are untouched.
type Patch struct {
	Title    *string   `json:"title"`
	Body     *string   `json:"body"`
	Tags     *[]string `json:"tags"`
	FolderID *string   `json:"folderId"`
	// SetFolder distinguishes "clear folder" (true, FolderID nil) from
	// "leave folder alone" (false).
	SetFolder bool    `json:"-"`
	Favorite  *bool   `json:"favorite"`
	Pinned    *bool   `json:"pinned"`
	Archived  *bool   `json:"archived"`
}

// Filters narrows List results.
type Filters struct {
	Archived *bool
	Favorite *bool
	Pinned   *bool
	FolderID *string
	Tag      string
	Query    string
}

// Service implements note operations.
type Service struct {
	store  *store.Store
	authz  *authz.Engine
	events Publisher
}

// New creates a note service. events may be nil.
func New(st *store.Store, az *authz.Engine, events Publisher) *Service {
	if events == nil {
		events = nopPublisher{}
	}
	return &Service{store: st, authz: az, events: events}
}

func room(noteID string) string { return "note:" + noteID }

const noteColumns = `id, owner_id, folder_id, title, body, favorite, pinned, archived, created_at_ms, updated_at_ms`

func scanNote(row interface{ Scan(...any) error }) (*Note, error) {
	var n Note
	var createdMs, updatedMs int64
	if err := row.Scan(&n.ID, &n.OwnerID, &n.FolderID, &n.Title, &n.Body,
		&n.Favorite, &n.Pinned, &n.Archived, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	n.CreatedAt = cursor.RFC3339(createdMs)
	n.UpdatedAt = cursor.RFC3339(updatedMs)
	n.Tags = []string{}
	return &n, nil
}

// Create inserts a note for the caller, deduping tags and verifying folder
// ownership.
func (s *Service) Create(ctx context.Context, callerID string, in Input) (*Note, error) {
	if in.Title == "" || len(in.Title) > maxTitleLen {
		return nil, apperr.Validation(map[string]string{"title": "must be 1-500 characters"})
	}

	n := &Note{
		ID:       uuid.NewString(),
		OwnerID:  callerID,
		FolderID: in.FolderID,
		Title:    in.Title,
		Body:     in.Body,
		Tags:     dedupeTags(in.Tags),
	}
	now := cursor.NowMs()
	n.CreatedAt = cursor.RFC3339(now)
	n.UpdatedAt = n.CreatedAt

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if in.FolderID != nil {
			if err := verifyFolderOwner(ctx, tx, callerID, *in.FolderID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO notes (id, owner_id, folder_id, title, body, favorite, pinned, archived, created_at_ms, updated_at_ms)
			VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, FALSE, $6, $6)
		`, n.ID, n.OwnerID, n.FolderID, n.Title, n.Body, now); err != nil {
			return store.AsConflict(err, "note already exists")
		}
		return writeTags(ctx, tx, callerID, n.ID, n.Tags)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Get returns a note visible to the caller. Invisible and absent notes are
// both NOT_FOUND.
func (s *Service) Get(ctx context.Context, callerID, noteID string) (*Note, error) {
	perm, err := s.authz.NotePermission(ctx, callerID, noteID)
	if err != nil {
		return nil, err
	}
	if perm < authz.PermView {
		return nil, apperr.New(apperr.CodeNotFound, "note not found")
	}
	return s.load(ctx, noteID)
}

func (s *Service) load(ctx context.Context, noteID string) (*Note, error) {
	n, err := scanNote(s.store.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1`, noteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "note not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.loadTags(ctx, map[string]*Note{n.ID: n}); err != nil {
		return nil, err
	}
	return n, nil
}

// Update applies a partial patch. Requires edit permission; folder changes
// verify the caller owns the destination folder. Emits an `updated` event.
func (s *Service) Update(ctx context.Context, callerID, noteID string, p Patch) (*Note, error) {
	perm, err := s.authz.NotePermission(ctx, callerID, noteID)
	if err != nil {
		return nil, err
	}
	if perm < authz.PermView {
		return nil, apperr.New(apperr.CodeNotFound, "note not found")
	}
	if perm < authz.PermEdit {
		return nil, apperr.New(apperr.CodeForbidden, "share does not permit editing")
	}

	n, err := s.load(ctx, noteID)
	if err != nil {
		return nil, err
	}

	if p.Title != nil {
		if *p.Title == "" || len(*p.Title) > maxTitleLen {
			return nil, apperr.Validation(map[string]string{"title": "must be 1-500 characters"})
		}
		n.Title = *p.Title
	}
	if p.Body != nil {
		n.Body = *p.Body
	}
	if p.Favorite != nil {
		n.Favorite = *p.Favorite
	}
	if p.Pinned != nil {
		n.Pinned = *p.Pinned
	}
	if p.Archived != nil {
		n.Archived = *p.Archived
	}
	if p.SetFolder {
		n.FolderID = p.FolderID
	}
	if p.Tags != nil {
		n.Tags = dedupeTags(*p.Tags)
	}

	now := cursor.NowMs()
	n.UpdatedAt = cursor.RFC3339(now)

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if p.SetFolder && n.FolderID != nil {
			if err := verifyFolderOwner(ctx, tx, callerID, *n.FolderID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE notes SET folder_id = $1, title = $2, body = $3, favorite = $4, pinned = $5, archived = $6, updated_at_ms = $7
			WHERE id = $8
		`, n.FolderID, n.Title, n.Body, n.Favorite, n.Pinned, n.Archived, now, n.ID); err != nil {
			return apperr.Internal(err)
		}
		if p.Tags != nil {
			return writeTags(ctx, tx, n.OwnerID, n.ID, n.Tags)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(room(n.ID), "updated", n)
	return n, nil
}

// Delete removes a note. Owner (or admin) only; shares never grant delete.
func (s *Service) Delete(ctx context.Context, callerID, noteID string) error {
	perm, err := s.authz.NotePermission(ctx, callerID, noteID)
	if err != nil {
		return err
	}
	if perm < authz.PermView {
		return apperr.New(apperr.CodeNotFound, "note not found")
	}
	if perm < authz.PermOwner {
		return apperr.New(apperr.CodeForbidden, "only the owner can delete a note")
	}
	if _, err := s.store.Exec(ctx, `DELETE FROM notes WHERE id = $1`, noteID); err != nil {
		return apperr.Internal(err)
	}
	s.events.Publish(room(noteID), "deleted", map[string]string{"id": noteID})
	return nil
}

// List returns notes the caller owns or has been granted, with filters.
func (s *Service) List(ctx context.Context, callerID string, f Filters) ([]*Note, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT DISTINCT n.id, n.owner_id, n.folder_id, n.title, n.body, n.favorite, n.pinned, n.archived, n.created_at_ms, n.updated_at_ms
		FROM notes n
		LEFT JOIN note_shares sh ON sh.note_id = n.id AND sh.shared_with_id = $1
		WHERE (n.owner_id = $1 OR sh.id IS NOT NULL)
	`)
	args := []any{callerID}

	addBool := func(col string, v *bool) {
		if v != nil {
			args = append(args, *v)
			fmt.Fprintf(&sb, " AND n.%s = $%d", col, len(args))
		}
	}
	addBool("archived", f.Archived)
	addBool("favorite", f.Favorite)
	addBool("pinned", f.Pinned)

	if f.FolderID != nil {
		args = append(args, *f.FolderID)
		fmt.Fprintf(&sb, " AND n.folder_id = $%d", len(args))
	}
	if f.Tag != "" {
		args = append(args, f.Tag)
		fmt.Fprintf(&sb, ` AND EXISTS (
			SELECT 1 FROM note_tags nt JOIN tags t ON t.id = nt.tag_id
			WHERE nt.note_id = n.id AND LOWER(t.name) = LOWER($%d))`, len(args))
	}
	if f.Query != "" {
		args = append(args, "%"+strings.ToLower(f.Query)+"%")
		fmt.Fprintf(&sb, ` AND (LOWER(n.title) LIKE $%d OR LOWER(n.body) LIKE $%d)`, len(args), len(args))
	}
	sb.WriteString(" ORDER BY n.pinned DESC, n.updated_at_ms DESC, n.id")

	rows, err := s.store.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	notes := []*Note{}
	byID := map[string]*Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		notes = append(notes, n)
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.loadTags(ctx, byID); err != nil {
		return nil, err
	}
	return notes, nil
}

// CreateShare grants view or edit to another user. Owner only; sharing with
// yourself rejects; the pair is unique.
func (s *Service) CreateShare(ctx context.Context, callerID, noteID, targetUserID string, canEdit bool) (*Share, error) {
	perm, err := s.authz.NotePermission(ctx, callerID, noteID)
	if err != nil {
		return nil, err
	}
	if perm < authz.PermView {
		return nil, apperr.New(apperr.CodeNotFound, "note not found")
	}
	if perm < authz.PermOwner {
		return nil, apperr.New(apperr.CodeForbidden, "only the owner can share a note")
	}
	if targetUserID == callerID {
		return nil, apperr.New(apperr.CodeSelfShare, "cannot share a note with yourself")
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
		`SELECT owner_id FROM notes WHERE id = $1`, noteID).Scan(&ownerID); err != nil {
		return nil, apperr.Internal(err)
	}

	sh := &Share{
		ID:           uuid.NewString(),
		NoteID:       noteID,
		SharedByID:   ownerID,
		SharedWithID: targetUserID,
		CanEdit:      canEdit,
	}
	now := cursor.NowMs()
	sh.CreatedAt = cursor.RFC3339(now)

	if _, err := s.store.Exec(ctx, `
		INSERT INTO note_shares (id, note_id, shared_by_id, shared_with_id, can_edit, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sh.ID, sh.NoteID, sh.SharedByID, sh.SharedWithID, sh.CanEdit, now); err != nil {
		return nil, store.AsConflict(err, "note is already shared with this user")
	}
	return sh, nil
}

// DeleteShare revokes a grant by (note, user) pair. Owner only.
func (s *Service) DeleteShare(ctx context.Context, callerID, noteID, targetUserID string) error {
	perm, err := s.authz.NotePermission(ctx, callerID, noteID)
	if err != nil {
		return err
	}
	if perm < authz.PermOwner {
		return apperr.New(apperr.CodeNotFound, "note not found")
	}
	res, err := s.store.Exec(ctx,
		`DELETE FROM note_shares WHERE note_id = $1 AND shared_with_id = $2`, noteID, targetUserID)
	if err != nil {
		return apperr.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "share not found")
	}
	return nil
}

// ListShares returns the grants on a note. Owner only.
func (s *Service) ListShares(ctx context.Context, callerID, noteID string) ([]*Share, error) {
	perm, err := s.authz.NotePermission(ctx, callerID, noteID)
	if err != nil {
		return nil, err
	}
	if perm < authz.PermOwner {
		return nil, apperr.New(apperr.CodeNotFound, "note not found")
	}
	rows, err := s.store.Query(ctx, `
		SELECT id, note_id, shared_by_id, shared_with_id, can_edit, created_at_ms
		FROM note_shares WHERE note_id = $1 ORDER BY created_at_ms
	`, noteID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	shares := []*Share{}
	for rows.Next() {
		var sh Share
		var ms int64
		if err := rows.Scan(&sh.ID, &sh.NoteID, &sh.SharedByID, &sh.SharedWithID, &sh.CanEdit, &ms); err != nil {
			return nil, apperr.Internal(err)
		}
		sh.CreatedAt = cursor.RFC3339(ms)
		shares = append(shares, &sh)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}
	return shares, nil
}

// SetFolder assigns or clears the note's folder. Used by the folder move
// endpoints.
func (s *Service) SetFolder(ctx context.Context, callerID, noteID string, folderID *string) (*Note, error) {
	return s.Update(ctx, callerID, noteID, Patch{FolderID: folderID, SetFolder: true})
}

// --- helpers ---

func dedupeTags(tags []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// writeTags upserts tags in the owner's scope and rewrites the join rows.
func writeTags(ctx context.Context, tx *store.Tx, ownerID, noteID string, tags []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM note_tags WHERE note_id = $1`, noteID); err != nil {
		return apperr.Internal(err)
	}
	for _, name := range tags {
		var tagID string
		err := tx.QueryRow(ctx, `
			SELECT id FROM tags WHERE user_id = $1 AND LOWER(name) = LOWER($2)
		`, ownerID, name).Scan(&tagID)
		if errors.Is(err, sql.ErrNoRows) {
			tagID = uuid.NewString()
			if _, err := tx.Exec(ctx,
				`INSERT INTO tags (id, user_id, name) VALUES ($1, $2, $3)`, tagID, ownerID, name); err != nil {
				return store.AsConflict(err, "tag already exists")
			}
		} else if err != nil {
			return apperr.Internal(err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO note_tags (note_id, tag_id) VALUES ($1, $2)`, noteID, tagID); err != nil {
			return apperr.Internal(err)
		}
	}
	return nil
}

func (s *Service) loadTags(ctx context.Context, byID map[string]*Note) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]any, 0, len(byID))
	ph := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
		ph = append(ph, fmt.Sprintf("$%d", len(ids)))
	}
	rows, err := s.store.Query(ctx, fmt.Sprintf(`
		SELECT nt.note_id, t.name FROM note_tags nt
		JOIN tags t ON t.id = nt.tag_id
		WHERE nt.note_id IN (%s)
		ORDER BY t.name
	`, strings.Join(ph, ",")), ids...)
	if err != nil {
		return apperr.Internal(err)
	}
	defer rows.Close()

	for rows.Next() {
		var noteID, name string
		if err := rows.Scan(&noteID, &name); err != nil {
			return apperr.Internal(err)
		}
		if n, ok := byID[noteID]; ok {
			n.Tags = append(n.Tags, name)
		}
	}
	return rows.Err()
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
