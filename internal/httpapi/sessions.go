package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/session"
)

type listSessionsResponse struct {
	Sessions []session.Session `json:"sessions"`
	Count    int               `json:"count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		respondJSON(w, http.StatusOK, listSessionsResponse{Sessions: []session.Session{}})
		return
	}
	list := s.sessions.List()
	if list == nil {
		list = []session.Session{}
	}
	respondJSON(w, http.StatusOK, listSessionsResponse{Sessions: list, Count: len(list)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.sessions == nil {
		respondNotFound(w, id)
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondNotFound(w, id)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleEndSession closes a live session on either transport.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, bridgeerr.New(bridgeerr.KindInvalidInput, "missing session id"))
		return
	}
	if s.sessions == nil {
		respondNotFound(w, id)
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondNotFound(w, id)
			return
		}
		respondError(w, err)
		return
	}
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func respondNotFound(w http.ResponseWriter, id string) {
	respondJSON(w, http.StatusNotFound, bridgeerr.Body{Error: "session " + id + " not found", Code: "session_not_found"})
}
