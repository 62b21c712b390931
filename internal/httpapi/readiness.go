package httpapi

import (
	"context"
	"net/http"
	"time"
)

// Dependency is a backing service pinged by /readyz, such as the API-key
// database or the rate-limit store.
type Dependency struct {
	Name string
	// Required dependencies fail readiness; optional ones only warn.
	Required bool
	Ping     func(ctx context.Context) error
}

type readinessCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type readinessResponse struct {
	Status         string           `json:"status"`
	ActiveSessions int              `json:"active_sessions"`
	Checks         []readinessCheck `json:"checks"`
}

const pingTimeout = 2 * time.Second

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := s.readinessChecks(r.Context())
	status, code := "ready", http.StatusOK
	for _, c := range checks {
		if c.Status == "error" {
			status, code = "not_ready", http.StatusServiceUnavailable
			break
		}
	}
	active := 0
	if s.sessions != nil {
		active = s.sessions.ActiveCount()
	}
	respondJSON(w, code, readinessResponse{Status: status, ActiveSessions: active, Checks: checks})
}

func (s *Server) readinessChecks(ctx context.Context) []readinessCheck {
	checks := make([]readinessCheck, 0, 4+len(s.deps))

	if s.cfg.ProviderAPIKey == "" {
		checks = append(checks, readinessCheck{
			ID:     "provider_key",
			Status: "error",
			Label:  "Provider API key",
			Detail: "OPENAI_API_KEY is not set",
			Fix:    "Set OPENAI_API_KEY on the server; it is never sent to clients.",
		})
	} else {
		checks = append(checks, readinessCheck{ID: "provider_key", Status: "ok", Label: "Provider API key", Detail: "present"})
	}

	switch {
	case s.cfg.AuthEnabled():
		checks = append(checks, readinessCheck{ID: "caller_auth", Status: "ok", Label: "Caller authentication", Detail: "enabled"})
	case s.cfg.AuthAllowAny:
		checks = append(checks, readinessCheck{
			ID:     "caller_auth",
			Status: "warn",
			Label:  "Caller authentication",
			Detail: "AUTH_ALLOW_ANY is set; any non-empty token is accepted",
			Fix:    "Unset AUTH_ALLOW_ANY outside local development.",
		})
	default:
		checks = append(checks, readinessCheck{
			ID:     "caller_auth",
			Status: "warn",
			Label:  "Caller authentication",
			Detail: "no validator configured; every credential request is rejected",
			Fix:    "Set AUTH_JWT_SECRET, AUTH_STATIC_KEYS or DATABASE_URL.",
		})
	}

	if s.broker == nil {
		checks = append(checks, readinessCheck{ID: "broker", Status: "error", Label: "Credential broker", Detail: "not configured"})
	}
	if s.relay == nil {
		checks = append(checks, readinessCheck{ID: "relay", Status: "warn", Label: "Relay bridge", Detail: "disabled"})
	}

	for _, dep := range s.deps {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := dep.Ping(pctx)
		cancel()
		c := readinessCheck{ID: dep.Name, Status: "ok", Label: dep.Name, Detail: "reachable"}
		if err != nil {
			c.Status = "warn"
			if dep.Required {
				c.Status = "error"
			}
			c.Detail = err.Error()
		}
		checks = append(checks, c)
	}
	return checks
}
