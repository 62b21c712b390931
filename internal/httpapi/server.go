package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/auth"
	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/broker"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
)

// Deps wires the server. Broker and Relay may be nil, in which case their
// routes answer 503.
type Deps struct {
	Config   config.Config
	Broker   broker.Issuer
	Relay    http.Handler
	Builder  *character.Builder
	Sessions *session.Manager
	// Operators guards the session admin routes when set.
	Operators    auth.Validator
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Dependencies []Dependency
	Logger       *zap.Logger
}

type Server struct {
	cfg       config.Config
	broker    broker.Issuer
	relay     http.Handler
	builder   *character.Builder
	sessions  *session.Manager
	operators auth.Validator
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	deps      []Dependency
	logger    *zap.Logger
}

func New(d Deps) *Server {
	if d.Builder == nil {
		d.Builder = character.NewBuilder(d.Config.Character)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:       d.Config,
		broker:    d.Broker,
		relay:     d.Relay,
		builder:   d.Builder,
		sessions:  d.Sessions,
		operators: d.Operators,
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
		deps:      d.Dependencies,
		logger:    observability.OrNop(d.Logger),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler(s.gatherer))

	r.Post(broker.CredentialsPath, s.handleIssueCredential)
	r.Get("/v1/realtime/relay", s.handleRelay)
	r.Get("/v1/voices", s.handleListVoices)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)
		r.Get("/v1/sessions", s.handleListSessions)
		r.Get("/v1/sessions/{id}", s.handleGetSession)
		r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"relay_enabled": s.relay != nil,
		"model":         s.cfg.RealtimeModel,
	})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, bridgeerr.New(bridgeerr.KindMisconfigured, "relay is not configured"))
		return
	}
	s.relay.ServeHTTP(w, r)
}

// accessLog logs each request without query strings, which may carry tokens.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.operators == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.operators.ValidateCredential(r.Context(), auth.ParseBearer(r.Header.Get("Authorization"))); err != nil {
			respondError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SameOrigin only admits browser sockets from the serving origin unless
// allowAny is set. Non-browser clients omit Origin and are allowed.
func SameOrigin(allowAny bool) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes err as a bridgeerr.Body with the status for its kind.
func respondError(w http.ResponseWriter, err error) {
	kind := bridgeerr.KindOf(err)
	status := reliability.StatusForKind(kind)
	if kind == bridgeerr.KindMisconfigured {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, bridgeerr.BodyOf(err))
}
