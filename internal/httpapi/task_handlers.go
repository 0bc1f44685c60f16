package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filters{
		Completed: queryBool(r, "completed"),
		Query:     q.Get("q"),
	}
	if folderID := q.Get("folderId"); folderID != "" {
		f.FolderID = &folderID
	}
	tasks, err := s.Tasks.List(r.Context(), UserID(r.Context()), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, tasks)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var in task.Input
	if err := decodeBody(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	t, err := s.Tasks.Create(r.Context(), UserID(r.Context()), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, t)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tasks.Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, t)
}

func taskPatch(r *http.Request) (task.Patch, error) {
	var p task.Patch
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return p, apperr.New(apperr.CodeValidation, "malformed request body")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, apperr.New(apperr.CodeValidation, "malformed request body")
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err == nil {
		_, p.SetFolder = keys["folderId"]
		_, p.SetDue = keys["dueAt"]
	}
	return p, nil
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	p, err := taskPatch(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	t, err := s.Tasks.Update(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, t)
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Completed bool `json:"completed"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	t, err := s.Tasks.SetCompleted(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.Completed)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, t)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Tasks.Delete(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "task deleted")
}

func (s *Server) handleTaskShare(w http.ResponseWriter, r *http.Request) {
	var req shareReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	share, err := s.Tasks.CreateShare(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.UserID, req.CanEdit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, share)
}

func (s *Server) handleTaskUnshare(w http.ResponseWriter, r *http.Request) {
	err := s.Tasks.DeleteShare(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "userId"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "share removed")
}
