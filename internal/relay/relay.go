// Package relay bridges a client WebSocket to the provider's realtime socket,
// applying the character configuration before any audio is forwarded.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/auth"
	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/session"
)

// DefaultSubprotocol is the WebSocket subprotocol clients must declare.
const DefaultSubprotocol = "voicebridge.v1"

type Options struct {
	// APIKey is the provider server secret used for the upstream socket.
	APIKey      string
	UpstreamURL string
	Model       string
	Subprotocol string

	Builder *character.Builder
	// Validator authenticates clients when set. Tokens come from the
	// Authorization header or the access_token query parameter.
	Validator auth.Validator

	ConfigTimeout  time.Duration
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	// SkipAck activates the session as soon as session.update is written
	// instead of waiting for session.updated.
	SkipAck         bool
	GracePeriod     time.Duration
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64

	CheckOrigin func(*http.Request) bool
	Dialer      *websocket.Dialer
	Sessions    *session.Manager
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Relay accepts client sockets and runs one Session per socket.
type Relay struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New validates opts. A missing secret or upstream URL is a
// bridgeerr.KindMisconfigured error.
func New(opts Options) (*Relay, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "relay requires the provider api key")
	}
	if _, err := url.Parse(opts.UpstreamURL); err != nil || strings.TrimSpace(opts.UpstreamURL) == "" {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "relay requires a valid upstream url")
	}
	if opts.Subprotocol == "" {
		opts.Subprotocol = DefaultSubprotocol
	}
	if opts.Builder == nil {
		opts.Builder = character.NewBuilder(character.Options{})
	}
	if opts.ConfigTimeout <= 0 {
		opts.ConfigTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout}
	}

	r := &Relay{opts: opts, logger: observability.OrNop(opts.Logger)}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{opts.Subprotocol},
		CheckOrigin:     opts.CheckOrigin,
	}
	return r, nil
}

// ServeHTTP upgrades the request and blocks until the session ends.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		respondError(w, http.StatusBadRequest, bridgeerr.New(bridgeerr.KindProtocolError, "websocket upgrade required"))
		return
	}
	if !hasSubprotocol(req, r.opts.Subprotocol) {
		respondError(w, http.StatusBadRequest, bridgeerr.New(bridgeerr.KindProtocolError, "subprotocol "+r.opts.Subprotocol+" required"))
		return
	}

	var callerID string
	if r.opts.Validator != nil {
		token := auth.ParseBearer(req.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(req.URL.Query().Get("access_token"))
		}
		id, err := r.opts.Validator.ValidateCredential(req.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if bridgeerr.KindOf(err) == bridgeerr.KindUpstreamUnavailable {
				status = http.StatusServiceUnavailable
			}
			respondError(w, status, err)
			return
		}
		callerID = id
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("relay upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(r.opts.MaxMessageBytes)

	s := newSession(r, newConn(conn), callerID)
	s.run(req.Context())
}

func (r *Relay) dialUpstream(ctx context.Context) (*wsConn, error) {
	u, err := url.Parse(r.opts.UpstreamURL)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindMisconfigured, "upstream_dial", err)
	}
	if r.opts.Model != "" {
		q := u.Query()
		q.Set("model", r.opts.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+r.opts.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := r.opts.Dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("upstream handshake returned %d: %w", resp.StatusCode, err)
		}
		return nil, bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "upstream_dial", err)
	}
	conn.SetReadLimit(r.opts.MaxMessageBytes)
	return newConn(conn), nil
}

func hasSubprotocol(r *http.Request, want string) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == want {
			return true
		}
	}
	return false
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(bridgeerr.BodyOf(err))
}

func newSessionID() string { return uuid.NewString() }
