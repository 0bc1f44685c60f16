package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/cursor"
)

func (s *Server) handleChatRoomList(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.Chat.ListRooms(r.Context(), UserID(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rooms)
}

func (s *Server) handleChatRoomCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	room, err := s.Chat.CreateGroup(r.Context(), UserID(r.Context()), req.Name, req.Participants)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, room)
}

func (s *Server) handleChatDirectRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	room, err := s.Chat.DirectRoom(r.Context(), UserID(r.Context()), req.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, room)
}

func (s *Server) handleChatRoomGet(w http.ResponseWriter, r *http.Request) {
	room, err := s.Chat.GetRoom(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, room)
}

func (s *Server) handleChatRoomDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Chat.DeleteRoom(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "room deleted")
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	var cur cursor.Cursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, ok := cursor.Decode(raw)
		if !ok {
			respondError(w, r, apperr.Validation(map[string]string{"cursor": "invalid cursor"}))
			return
		}
		cur = c
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)

	page, err := s.Chat.Messages(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), cur, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, page)
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	msg, err := s.Chat.SendMessage(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.Body)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, msg)
}

func (s *Server) handleChatMarkRoomRead(w http.ResponseWriter, r *http.Request) {
	if err := s.Chat.MarkRoomRead(r.Context(), UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "room marked read")
}

func (s *Server) handleChatMarkMessageRead(w http.ResponseWriter, r *http.Request) {
	err := s.Chat.MarkMessageRead(r.Context(), UserID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "messageId"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "message marked read")
}

func (s *Server) handleChatSetTheme(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Theme string `json:"theme"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.Chat.SetTheme(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.Theme); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "theme updated")
}

func (s *Server) handleChatToggleReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	added, err := s.Chat.ToggleReaction(r.Context(), UserID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "messageId"), req.Emoji)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]bool{"added": added})
}

func (s *Server) handleChatRemoveReaction(w http.ResponseWriter, r *http.Request) {
	err := s.Chat.RemoveReaction(r.Context(), UserID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "messageId"), chi.URLParam(r, "emoji"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "reaction removed")
}

func (s *Server) handleChatPin(pinned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.Chat.SetPinned(r.Context(), UserID(r.Context()),
			chi.URLParam(r, "id"), chi.URLParam(r, "messageId"), pinned)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if pinned {
			respondMessage(w, r, http.StatusOK, "message pinned")
			return
		}
		respondMessage(w, r, http.StatusOK, "message unpinned")
	}
}

func (s *Server) handleChatPinned(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Chat.PinnedMessages(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, msgs)
}

// handleChatUsers lists accounts available to start a conversation with.
func (s *Server) handleChatUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.ListUsers(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	callerID := UserID(r.Context())
	out := users[:0]
	for _, u := range users {
		if u.ID != callerID && !u.IsLocked {
			out = append(out, u)
		}
	}
	respond(w, r, http.StatusOK, out)
}

func (s *Server) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.SearchUsers(r.Context(), UserID(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, users)
}
