package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/glasskeep/glasskeep-api/internal/folder"
)

func (s *Server) handleFolderTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.Folders.Tree(r.Context(), UserID(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, tree)
}

func (s *Server) handleFolderCreate(w http.ResponseWriter, r *http.Request) {
	var in folder.Input
	if err := decodeBody(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	f, err := s.Folders.Create(r.Context(), UserID(r.Context()), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, f)
}

func (s *Server) handleFolderGet(w http.ResponseWriter, r *http.Request) {
	f, err := s.Folders.Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (s *Server) handleFolderUpdate(w http.ResponseWriter, r *http.Request) {
	var in folder.Input
	if err := decodeBody(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	f, err := s.Folders.Update(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Folders.Delete(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "folder deleted")
}

type moveReq struct {
	ParentID *string `json:"parentId"`
	FolderID *string `json:"folderId"`
}

func (s *Server) handleFolderMove(w http.ResponseWriter, r *http.Request) {
	var req moveReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	f, err := s.Folders.Move(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.ParentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

func (s *Server) handleFolderPath(w http.ResponseWriter, r *http.Request) {
	path, err := s.Folders.Path(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, path)
}

// handleNoteMove relocates a note into a folder (or out of all folders when
// folderId is null).
func (s *Server) handleNoteMove(w http.ResponseWriter, r *http.Request) {
	var req moveReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	n, err := s.Notes.SetFolder(r.Context(), UserID(r.Context()), chi.URLParam(r, "noteId"), req.FolderID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, n)
}

func (s *Server) handleTaskMove(w http.ResponseWriter, r *http.Request) {
	var req moveReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	t, err := s.Tasks.SetFolder(r.Context(), UserID(r.Context()), chi.URLParam(r, "taskId"), req.FolderID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, t)
}
