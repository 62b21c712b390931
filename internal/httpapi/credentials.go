package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/voicebridge/internal/auth"
	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/broker"
)

// handleIssueCredential exchanges a caller credential and a character for a
// short-lived provider credential. The body may be empty.
func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		respondError(w, bridgeerr.New(bridgeerr.KindMisconfigured, "credential broker is not configured"))
		return
	}

	var req broker.IssueRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, bridgeerr.Wrap(bridgeerr.KindInvalidInput, "decode", err))
		return
	}

	cred, err := s.broker.Issue(r.Context(), auth.ParseBearer(r.Header.Get("Authorization")), req.Character)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, cred)
}
