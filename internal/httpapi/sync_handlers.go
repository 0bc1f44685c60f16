package httpapi

import (
	"net/http"

	"github.com/glasskeep/glasskeep-api/internal/syncreplay"
)

// handleSyncReplay applies a batch of operations queued offline and returns
// per-op outcomes plus the temp-id mappings for creates.
func (s *Server) handleSyncReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operations []syncreplay.Op `json:"operations"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	results, err := s.Replay.Replay(r.Context(), UserID(r.Context()), req.Operations)
	if err != nil {
		respondError(w, r, err)
		return
	}

	mappings := map[string]string{}
	for _, res := range results {
		if res.ServerID != "" {
			mappings[res.OpID] = res.ServerID
		}
	}
	respond(w, r, http.StatusOK, map[string]any{"results": results, "mappings": mappings})
}
