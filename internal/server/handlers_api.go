package server

import (
	"net/http"
	"strings"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCardSets lists the available card sets with their card counts so a
// lobby can pick which decks to play with.
func (s *Server) handleCardSets(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "card sets are unavailable")
		return
	}
	sets, err := s.store.ListSets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list card sets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cardSets": sets})
}

func parseRoomPreviewPath(path string) (string, bool) {
	const prefix = "/api/rooms/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "preview" {
		return "", false
	}
	return strings.ToUpper(parts[0]), true
}

// handleRoomPreview answers the pre-join lookup for a room code. The code is
// uppercased before the lookup so pasted lowercase codes resolve.
func (s *Server) handleRoomPreview(w http.ResponseWriter, r *http.Request) {
	code, ok := parseRoomPreviewPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	preview, err := s.registry.RoomPreview(code)
	if err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, preview)
}
