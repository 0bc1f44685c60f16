package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/note"
)

func (s *Server) handleNoteList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := note.Filters{
		Archived: queryBool(r, "archived"),
		Favorite: queryBool(r, "favorite"),
		Pinned:   queryBool(r, "pinned"),
		Tag:      q.Get("tag"),
		Query:    q.Get("q"),
	}
	if folderID := q.Get("folderId"); folderID != "" {
		f.FolderID = &folderID
	}
	notes, err := s.Notes.List(r.Context(), UserID(r.Context()), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, notes)
}

func (s *Server) handleNoteCreate(w http.ResponseWriter, r *http.Request) {
	var in note.Input
	if err := decodeBody(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	n, err := s.Notes.Create(r.Context(), UserID(r.Context()), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, n)
}

func (s *Server) handleNoteGet(w http.ResponseWriter, r *http.Request) {
	n, err := s.Notes.Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, n)
}

// notePatch decodes a partial update, tracking folderId key presence so
// "clear the folder" and "leave it alone" stay distinct.
func notePatch(r *http.Request) (note.Patch, error) {
	var p note.Patch
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
	}
	return p, nil
}

func (s *Server) handleNoteUpdate(w http.ResponseWriter, r *http.Request) {
	p, err := notePatch(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	n, err := s.Notes.Update(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, n)
}

func (s *Server) handleNoteDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Notes.Delete(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "note deleted")
}

type shareReq struct {
	UserID  string `json:"userId"`
	CanEdit bool   `json:"canEdit"`
}

func (s *Server) handleNoteShare(w http.ResponseWriter, r *http.Request) {
	var req shareReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	share, err := s.Notes.CreateShare(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.UserID, req.CanEdit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, share)
}

func (s *Server) handleNoteShareList(w http.ResponseWriter, r *http.Request) {
	shares, err := s.Notes.ListShares(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, shares)
}

func (s *Server) handleNoteUnshare(w http.ResponseWriter, r *http.Request) {
	err := s.Notes.DeleteShare(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "userId"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "share removed")
}
