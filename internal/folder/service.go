// Package folder owns the folder tree: CRUD, moves with acyclicity checks,
// path and descendant resolution, and the per-user tree build. Trees are
// served through a read-through TTL cache invalidated by user id on any
// write.
package folder

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v2"
	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
	"github.com/glasskeep/glasskeep-api/internal/store"
)

const maxNameLen = 100

// Folder is a node in a user's folder tree.
type Folder struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ParentID    *string   `json:"parentId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	Color       string    `json:"color"`
	Position    int       `json:"position"`
	IsExpanded  bool      `json:"isExpanded"`
	CreatedAt   string    `json:"createdAt"`
	NoteCount   int       `json:"noteCount"`
	TaskCount   int       `json:"taskCount"`
	Children    []*Folder `json:"children,omitempty"`
}

// Input carries the writable folder fields.
type Input struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Icon        *string `json:"icon"`
	Color       *string `json:"color"`
	Position    *int    `json:"position"`
	IsExpanded  *bool   `json:"isExpanded"`
	ParentID    *string `json:"parentId"`
}

// Service implements folder operations.
type Service struct {
	store *store.Store
	trees *ttlcache.Cache // userID -> []*Folder (assembled tree)
}

// New creates a folder service.
func New(st *store.Store) *Service {
	trees := ttlcache.NewCache()
	trees.SetTTL(30 * time.Second)
	trees.SkipTTLExtensionOnHit(true)
	return &Service{store: st, trees: trees}
}

func (s *Service) invalidate(userID string) {
	s.trees.Remove(userID)
}

const folderColumns = `id, user_id, parent_id, name, description, icon, color, position, is_expanded, created_at_ms`

func scanFolder(row interface{ Scan(...any) error }) (*Folder, error) {
	var f Folder
	var createdAtMs int64
	if err := row.Scan(&f.ID, &f.UserID, &f.ParentID, &f.Name, &f.Description,
		&f.Icon, &f.Color, &f.Position, &f.IsExpanded, &createdAtMs); err != nil {
		return nil, err
	}
	f.CreatedAt = cursor.RFC3339(createdAtMs)
	return &f, nil
}

// Get loads one folder and enforces ownership: non-owners see NOT_FOUND.
func (s *Service) Get(ctx context.Context, callerID, folderID string) (*Folder, error) {
	f, err := scanFolder(s.store.QueryRow(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE id = $1`, folderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "folder not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if f.UserID != callerID {
		return nil, apperr.New(apperr.CodeNotFound, "folder not found")
	}
	return f, nil
}

// Create inserts a folder under the caller's ownership. The (user, name,
// parent) triple must be unique; a foreign parent is rejected.
func (s *Service) Create(ctx context.Context, callerID string, in Input) (*Folder, error) {
	if in.Name == "" || len(in.Name) > maxNameLen {
		return nil, apperr.Validation(map[string]string{"name": "must be 1-100 characters"})
	}

	f := &Folder{
		ID:         uuid.NewString(),
		UserID:     callerID,
		ParentID:   in.ParentID,
		Name:       in.Name,
		IsExpanded: true,
	}
	if in.Description != nil {
		f.Description = *in.Description
	}
	if in.Icon != nil {
		f.Icon = *in.Icon
	}
	if in.Color != nil {
		f.Color = *in.Color
	}
	if in.Position != nil {
		f.Position = *in.Position
	}
	createdAtMs := cursor.NowMs()
	f.CreatedAt = cursor.RFC3339(createdAtMs)

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		if f.ParentID != nil {
			if _, err := s.ownedFolder(ctx, tx, callerID, *f.ParentID); err != nil {
				return err
			}
		}
		if err := s.checkUnique(ctx, tx, callerID, f.Name, f.ParentID, ""); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO folders (id, user_id, parent_id, name, description, icon, color, position, is_expanded, created_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, f.ID, f.UserID, f.ParentID, f.Name, f.Description, f.Icon, f.Color, f.Position, f.IsExpanded, createdAtMs); err != nil {
			return store.AsDuplicate(err, "a folder with this name already exists here")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(callerID)
	return f, nil
}

// Update patches name, description, icon, color, position, and expansion.
// Reparenting goes through Move.
func (s *Service) Update(ctx context.Context, callerID, folderID string, in Input) (*Folder, error) {
	f, err := s.Get(ctx, callerID, folderID)
	if err != nil {
		return nil, err
	}

	if in.Name != "" {
		if len(in.Name) > maxNameLen {
			return nil, apperr.Validation(map[string]string{"name": "must be 1-100 characters"})
		}
		f.Name = in.Name
	}
	if in.Description != nil {
		f.Description = *in.Description
	}
	if in.Icon != nil {
		f.Icon = *in.Icon
	}
	if in.Color != nil {
		f.Color = *in.Color
	}
	if in.Position != nil {
		f.Position = *in.Position
	}
	if in.IsExpanded != nil {
		f.IsExpanded = *in.IsExpanded
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if in.Name != "" {
			if err := s.checkUnique(ctx, tx, callerID, f.Name, f.ParentID, f.ID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE folders SET name = $1, description = $2, icon = $3, color = $4, position = $5, is_expanded = $6
			WHERE id = $7
		`, f.Name, f.Description, f.Icon, f.Color, f.Position, f.IsExpanded, f.ID); err != nil {
			return store.AsDuplicate(err, "a folder with this name already exists here")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(callerID)
	return f, nil
}

// Move reparents a folder. The new parent must be owned by the caller (or
// nil for root) and must not be the folder itself or any descendant.
func (s *Service) Move(ctx context.Context, callerID, folderID string, newParentID *string) (*Folder, error) {
	f, err := s.Get(ctx, callerID, folderID)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		if newParentID != nil {
			if *newParentID == folderID {
				return apperr.New(apperr.CodeCycle, "a folder cannot be its own parent")
			}
			if _, err := s.ownedFolder(ctx, tx, callerID, *newParentID); err != nil {
				return err
			}
			descendants, err := s.descendantIDs(ctx, tx, callerID, folderID)
			if err != nil {
				return err
			}
			for _, id := range descendants {
				if id == *newParentID {
					return apperr.New(apperr.CodeCycle, "cannot move a folder into its own subtree")
				}
			}
		}
		if err := s.checkUnique(ctx, tx, callerID, f.Name, newParentID, f.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE folders SET parent_id = $1 WHERE id = $2`, newParentID, folderID); err != nil {
			return store.AsDuplicate(err, "a folder with this name already exists at the destination")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(callerID)
	f.ParentID = newParentID
	return f, nil
}

// Delete removes a leaf folder. Folders with subfolders reject with
// NOT_EMPTY; owned notes and tasks are reassigned to the root.
func (s *Service) Delete(ctx context.Context, callerID, folderID string) error {
	if _, err := s.Get(ctx, callerID, folderID); err != nil {
		return err
	}

	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var children int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM folders WHERE parent_id = $1`, folderID).Scan(&children); err != nil {
			return apperr.Internal(err)
		}
		if children > 0 {
			return apperr.New(apperr.CodeNotEmpty, "folder has subfolders")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE notes SET folder_id = NULL WHERE folder_id = $1`, folderID); err != nil {
			return apperr.Internal(err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET folder_id = NULL WHERE folder_id = $1`, folderID); err != nil {
			return apperr.Internal(err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM folders WHERE id = $1`, folderID); err != nil {
			return apperr.Internal(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidate(callerID)
	return nil
}

// Path returns the chain [root .. folder].
func (s *Service) Path(ctx context.Context, callerID, folderID string) ([]*Folder, error) {
	byID, _, err := s.loadAll(ctx, callerID)
	if err != nil {
		return nil, err
	}
	f, ok := byID[folderID]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "folder not found")
	}

	var path []*Folder
	seen := map[string]bool{}
	for cur := f; cur != nil; {
		if seen[cur.ID] {
			return nil, apperr.New(apperr.CodeInternal, "folder parent chain contains a cycle")
		}
		seen[cur.ID] = true
		path = append([]*Folder{cur}, path...)
		if cur.ParentID == nil {
			break
		}
		cur = byID[*cur.ParentID]
	}
	return path, nil
}

// DescendantIDs returns all ids strictly below folderID.
func (s *Service) DescendantIDs(ctx context.Context, callerID, folderID string) ([]string, error) {
	return s.descendantIDs(ctx, s.store, callerID, folderID)
}

func (s *Service) descendantIDs(ctx context.Context, q store.Querier, callerID, folderID string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT id, parent_id FROM folders WHERE user_id = $1`, callerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	children := map[string][]string{}
	for rows.Next() {
		var id string
		var parentID *string
		if err := rows.Scan(&id, &parentID); err != nil {
			return nil, apperr.Internal(err)
		}
		if parentID != nil {
			children[*parentID] = append(children[*parentID], id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}

	var out []string
	stack := []string{folderID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[cur] {
			out = append(out, child)
			stack = append(stack, child)
		}
	}
	return out, nil
}

// Tree returns the caller's assembled folder tree with note and task counts.
// Served read-through from the cache.
func (s *Service) Tree(ctx context.Context, callerID string) ([]*Folder, error) {
	if cached, err := s.trees.Get(callerID); err == nil {
		if roots, ok := cached.([]*Folder); ok {
			return roots, nil
		}
	}

	byID, all, err := s.loadAll(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := s.attachCounts(ctx, callerID, byID); err != nil {
		return nil, err
	}

	var roots []*Folder
	for _, f := range all {
		f.Children = nil
	}
	for _, f := range all {
		if f.ParentID == nil {
			roots = append(roots, f)
			continue
		}
		if parent, ok := byID[*f.ParentID]; ok {
			parent.Children = append(parent.Children, f)
		} else {
			roots = append(roots, f) // orphan, surface at root rather than hide
		}
	}
	sortTree(roots)

	s.trees.Set(callerID, roots)
	return roots, nil
}

func sortTree(nodes []*Folder) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Position != nodes[j].Position {
			return nodes[i].Position < nodes[j].Position
		}
		return nodes[i].Name < nodes[j].Name
	})
	for _, n := range nodes {
		sortTree(n.Children)
	}
}

func (s *Service) loadAll(ctx context.Context, callerID string) (map[string]*Folder, []*Folder, error) {
	rows, err := s.store.Query(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE user_id = $1`, callerID)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	defer rows.Close()

	byID := map[string]*Folder{}
	var all []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, nil, apperr.Internal(err)
		}
		byID[f.ID] = f
		all = append(all, f)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperr.Internal(err)
	}
	return byID, all, nil
}

func (s *Service) attachCounts(ctx context.Context, callerID string, byID map[string]*Folder) error {
	for query, assign := range map[string]func(*Folder, int){
		`SELECT folder_id, COUNT(*) FROM notes WHERE owner_id = $1 AND folder_id IS NOT NULL GROUP BY folder_id`: func(f *Folder, n int) { f.NoteCount = n },
		`SELECT folder_id, COUNT(*) FROM tasks WHERE owner_id = $1 AND folder_id IS NOT NULL GROUP BY folder_id`: func(f *Folder, n int) { f.TaskCount = n },
	} {
		rows, err := s.store.Query(ctx, query, callerID)
		if err != nil {
			return apperr.Internal(err)
		}
		for rows.Next() {
			var folderID string
			var n int
			if err := rows.Scan(&folderID, &n); err != nil {
				rows.Close()
				return apperr.Internal(err)
			}
			if f, ok := byID[folderID]; ok {
				assign(f, n)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return apperr.Internal(err)
		}
		rows.Close()
	}
	return nil
}

// ownedFolder loads a folder and requires caller ownership. Foreign folders
// read as FORBIDDEN here (the caller named them explicitly as a target).
func (s *Service) ownedFolder(ctx context.Context, q store.Querier, callerID, folderID string) (*Folder, error) {
	f, err := scanFolder(q.QueryRow(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE id = $1`, folderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "folder not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if f.UserID != callerID {
		return nil, apperr.New(apperr.CodeForbidden, "folder belongs to another user")
	}
	return f, nil
}

func (s *Service) checkUnique(ctx context.Context, q store.Querier, userID, name string, parentID *string, excludeID string) error {
	var n int
	var err error
	if parentID == nil {
		err = q.QueryRow(ctx, `
			SELECT COUNT(*) FROM folders
			WHERE user_id = $1 AND name = $2 AND parent_id IS NULL AND id != $3
		`, userID, name, excludeID).Scan(&n)
	} else {
		err = q.QueryRow(ctx, `
			SELECT COUNT(*) FROM folders
			WHERE user_id = $1 AND name = $2 AND parent_id = $3 AND id != $4
		`, userID, name, *parentID, excludeID).Scan(&n)
	}
	if err != nil {
		return apperr.Internal(err)
	}
	if n > 0 {
		return apperr.New(apperr.CodeDuplicate, "a folder with this name already exists here")
	}
	return nil
}

// SeedDefaults creates the three starter folders for a new user. Failures
// are logged and swallowed: seeding must never fail registration.
func (s *Service) SeedDefaults(ctx context.Context, userID string) {
	defaults := []struct{ name, icon, color string }{
		{"Work", "briefcase", "#3B82F6"},
		{"Personal", "home", "#10B981"},
		{"Archive", "archive", "#6B7280"},
	}
	for i, d := range defaults {
		pos := i
		_, err := s.Create(ctx, userID, Input{
			Name:     d.name,
			Icon:     &defaults[i].icon,
			Color:    &defaults[i].color,
			Position: &pos,
		})
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("folder", d.name).Msg("default folder seeding failed")
		}
	}
}
