package httpapi

import "net/http"

type voiceSummary struct {
	VoiceID string `json:"voice_id"`
	Default bool   `json:"default,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Voices         []voiceSummary `json:"voices"`
}

// handleListVoices lists the voice allow-list. A character asking for any
// other voice gets the default.
func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	fallback := s.builder.Fallback()
	voices := s.builder.Voices()
	out := make([]voiceSummary, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceSummary{VoiceID: string(v), Default: v == fallback})
	}
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: string(fallback),
		Voices:         out,
	})
}
