// Package syncreplay applies batches of operations a client queued while
// offline. Ops replay in client-timestamp order, each in its own unit of
// work, and every outcome is persisted keyed by (user, op id) so replaying
// the same batch after a dropped response returns identical results instead
// of duplicating writes.
//
// For create ops the op id doubles as the client's temporary entity id;
// later ops may reference it in entityId or payload folderId and the replay
// resolves it to the server-assigned id.
package syncreplay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
	"github.com/glasskeep/glasskeep-api/internal/folder"
	"github.com/glasskeep/glasskeep-api/internal/note"
	"github.com/glasskeep/glasskeep-api/internal/store"
	"github.com/glasskeep/glasskeep-api/internal/task"
)

// Outcome status values.
const (
	StatusOK       = "ok"
	StatusConflict = "conflict"
	StatusError    = "error"
)

const maxBatchSize = 500

// Op is one queued client operation.
type Op struct {
	ID        string          `json:"id"`
	Entity    string          `json:"entity"`
	Action    string          `json:"action"`
	EntityID  string          `json:"entityId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Result is the recorded outcome of one op.
type Result struct {
	OpID     string `json:"opId"`
	Status   string `json:"status"`
	Code     string `json:"code,omitempty"`
	ServerID string `json:"serverId,omitempty"`
}

// Service replays offline batches against the entity services.
type Service struct {
	store   *store.Store
	notes   *note.Service
	tasks   *task.Service
	folders *folder.Service
}

// New creates a replay service.
func New(st *store.Store, notes *note.Service, tasks *task.Service, folders *folder.Service) *Service {
	return &Service{store: st, notes: notes, tasks: tasks, folders: folders}
}

// Replay applies a batch for one user and returns per-op outcomes in the
// order the ops were applied (ascending client timestamp, ties by batch
// position). Already-replayed ops return their stored outcome untouched.
func (s *Service) Replay(ctx context.Context, callerID string, ops []Op) ([]Result, error) {
	if len(ops) == 0 {
		return []Result{}, nil
	}
	if len(ops) > maxBatchSize {
		return nil, apperr.Newf(apperr.CodeValidation, "batch exceeds %d operations", maxBatchSize)
	}
	for i := range ops {
		if ops[i].ID == "" {
			return nil, apperr.Validation(map[string]string{"id": "every operation needs an id"})
		}
	}

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Timestamp < ops[j].Timestamp })

	// temp id -> server id, for references within this batch
	mapped := map[string]string{}

	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		if prev, ok, err := s.storedResult(ctx, callerID, op.ID); err != nil {
			return nil, err
		} else if ok {
			if prev.ServerID != "" {
				mapped[op.ID] = prev.ServerID
			}
			results = append(results, prev)
			continue
		}

		res := s.apply(ctx, callerID, op, mapped)
		if res.ServerID != "" {
			mapped[op.ID] = res.ServerID
		}
		if err := s.record(ctx, callerID, op.ID, res); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) apply(ctx context.Context, callerID string, op Op, mapped map[string]string) Result {
	var serverID string
	var err error

	switch op.Entity {
	case "note":
		serverID, err = s.applyNote(ctx, callerID, op, mapped)
	case "task":
		serverID, err = s.applyTask(ctx, callerID, op, mapped)
	case "folder":
		serverID, err = s.applyFolder(ctx, callerID, op, mapped)
	default:
		err = apperr.Newf(apperr.CodeValidation, "unknown entity %q", op.Entity)
	}

	res := Result{OpID: op.ID, ServerID: serverID}
	switch {
	case err == nil:
		res.Status = StatusOK
	case isConflict(err):
		res.Status = StatusConflict
		res.Code = string(apperr.From(err).Code)
	default:
		res.Status = StatusError
		res.Code = string(apperr.From(err).Code)
	}
	if err != nil {
		log.Debug().Str("opId", op.ID).Str("entity", op.Entity).Str("action", op.Action).
			Str("status", res.Status).Str("code", res.Code).Msg("replay op rejected")
	}
	return res
}

func isConflict(err error) bool {
	switch apperr.From(err).Code {
	case apperr.CodeConflict, apperr.CodeDuplicate, apperr.CodeCycle, apperr.CodeNotEmpty:
		return true
	}
	return false
}

func (s *Service) applyNote(ctx context.Context, callerID string, op Op, mapped map[string]string) (string, error) {
	switch op.Action {
	case "create":
		var in note.Input
		if err := json.Unmarshal(op.Payload, &in); err != nil {
			return "", apperr.Validation(map[string]string{"payload": "malformed note payload"})
		}
		in.FolderID = resolveRef(in.FolderID, mapped)
		n, err := s.notes.Create(ctx, callerID, in)
		if err != nil {
			return "", err
		}
		return n.ID, nil
	case "update":
		var p note.Patch
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return "", apperr.Validation(map[string]string{"payload": "malformed note payload"})
		}
		p.SetFolder = hasKey(op.Payload, "folderId")
		p.FolderID = resolveRef(p.FolderID, mapped)
		_, err := s.notes.Update(ctx, callerID, resolveID(op.EntityID, mapped), p)
		return "", err
	case "delete":
		return "", s.notes.Delete(ctx, callerID, resolveID(op.EntityID, mapped))
	}
	return "", apperr.Newf(apperr.CodeValidation, "unknown note action %q", op.Action)
}

func (s *Service) applyTask(ctx context.Context, callerID string, op Op, mapped map[string]string) (string, error) {
	switch op.Action {
	case "create":
		var in task.Input
		if err := json.Unmarshal(op.Payload, &in); err != nil {
			return "", apperr.Validation(map[string]string{"payload": "malformed task payload"})
		}
		in.FolderID = resolveRef(in.FolderID, mapped)
		t, err := s.tasks.Create(ctx, callerID, in)
		if err != nil {
			return "", err
		}
		return t.ID, nil
	case "update":
		var p task.Patch
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return "", apperr.Validation(map[string]string{"payload": "malformed task payload"})
		}
		p.SetFolder = hasKey(op.Payload, "folderId")
		p.SetDue = hasKey(op.Payload, "dueAt")
		p.FolderID = resolveRef(p.FolderID, mapped)
		_, err := s.tasks.Update(ctx, callerID, resolveID(op.EntityID, mapped), p)
		return "", err
	case "delete":
		return "", s.tasks.Delete(ctx, callerID, resolveID(op.EntityID, mapped))
	}
	return "", apperr.Newf(apperr.CodeValidation, "unknown task action %q", op.Action)
}

func (s *Service) applyFolder(ctx context.Context, callerID string, op Op, mapped map[string]string) (string, error) {
	switch op.Action {
	case "create":
		var in folder.Input
		if err := json.Unmarshal(op.Payload, &in); err != nil {
			return "", apperr.Validation(map[string]string{"payload": "malformed folder payload"})
		}
		in.ParentID = resolveRef(in.ParentID, mapped)
		f, err := s.folders.Create(ctx, callerID, in)
		if err != nil {
			return "", err
		}
		return f.ID, nil
	case "update":
		var in folder.Input
		if err := json.Unmarshal(op.Payload, &in); err != nil {
			return "", apperr.Validation(map[string]string{"payload": "malformed folder payload"})
		}
		in.ParentID = resolveRef(in.ParentID, mapped)
		_, err := s.folders.Update(ctx, callerID, resolveID(op.EntityID, mapped), in)
		return "", err
	case "move":
		var body struct {
			ParentID *string `json:"parentId"`
		}
		if err := json.Unmarshal(op.Payload, &body); err != nil {
			return "", apperr.Validation(map[string]string{"payload": "malformed folder payload"})
		}
		body.ParentID = resolveRef(body.ParentID, mapped)
		_, err := s.folders.Move(ctx, callerID, resolveID(op.EntityID, mapped), body.ParentID)
		return "", err
	case "delete":
		return "", s.folders.Delete(ctx, callerID, resolveID(op.EntityID, mapped))
	}
	return "", apperr.Newf(apperr.CodeValidation, "unknown folder action %q", op.Action)
}

// resolveID swaps a temp entity id for its server id when the batch created
// it earlier.
func resolveID(id string, mapped map[string]string) string {
	if server, ok := mapped[id]; ok {
		return server
	}
	return id
}

func resolveRef(id *string, mapped map[string]string) *string {
	if id == nil {
		return nil
	}
	if server, ok := mapped[*id]; ok {
		return &server
	}
	return id
}

// hasKey reports whether the raw JSON object contains the key, so partial
// updates can tell "clear" apart from "leave alone".
func hasKey(raw json.RawMessage, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

func (s *Service) storedResult(ctx context.Context, userID, opID string) (Result, bool, error) {
	var r Result
	r.OpID = opID
	err := s.store.QueryRow(ctx,
		`SELECT status, code, server_id FROM sync_replay_ops WHERE user_id = $1 AND op_id = $2`,
		userID, opID).Scan(&r.Status, &r.Code, &r.ServerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, apperr.Internal(err)
	}
	return r, true, nil
}

func (s *Service) record(ctx context.Context, userID, opID string, r Result) error {
	_, err := s.store.Exec(ctx, `
		INSERT INTO sync_replay_ops (user_id, op_id, status, code, server_id, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, op_id) DO NOTHING
	`, userID, opID, r.Status, r.Code, r.ServerID, cursor.NowMs())
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}
