package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
)

const (
	directionUp   = "client_to_upstream"
	directionDown = "upstream_to_client"
)

// Session pairs exactly one client socket with at most one upstream socket.
type Session struct {
	ID        string
	CallerID  string
	CreatedAt time.Time

	r        *Relay
	gate     *session.Gate
	client   *wsConn
	upstream atomic.Pointer[wsConn]
	config   atomic.Pointer[character.SessionConfig]
	log      *zap.Logger

	dropWarn *rate.Limiter
	dropped  atomic.Int64

	// commitAt is the unix-nano time of the last input commit awaiting its
	// first audio delta, 0 when none is pending.
	commitAt atomic.Int64

	upstreamDone chan struct{}
	startReader  sync.Once
	// connecting tracks the goroutine that dials upstream and waits for the ack.
	connecting sync.WaitGroup
}

func newSession(r *Relay, client *wsConn, callerID string) *Session {
	id := newSessionID()
	return &Session{
		ID:           id,
		CallerID:     callerID,
		CreatedAt:    time.Now().UTC(),
		r:            r,
		gate:         session.NewGate(),
		client:       client,
		log:          r.logger.With(zap.String("session_id", id), zap.String("caller_id", callerID)),
		dropWarn:     rate.NewLimiter(rate.Every(5*time.Second), 1),
		upstreamDone: make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() session.State { return s.gate.State() }

// Config returns the applied configuration, nil until configured.
func (s *Session) Config() *character.SessionConfig { return s.config.Load() }

func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.gate.OnClose(func(cause error) {
		cancel()
		s.teardown(cause)
	})
	if m := s.r.opts.Sessions; m != nil {
		m.Register(s.ID, session.TransportRelay, s.CallerID, s.gate)
	}
	s.r.opts.Metrics.SessionOpened(string(session.TransportRelay))
	s.log.Info("relay session opened")

	configTimer := time.AfterFunc(s.r.opts.ConfigTimeout, func() {
		err := bridgeerr.New(bridgeerr.KindProtocolError,
			fmt.Sprintf("no session.update within %s", s.r.opts.ConfigTimeout))
		if s.gate.CloseIf(session.StateAwaitingConfig, err) {
			s.log.Warn("relay session failed", zap.String("kind", string(bridgeerr.KindProtocolError)), zap.Error(err))
		}
	})
	defer configTimer.Stop()

	go s.pingLoop(ctx)

	s.client.keepAlive(s.r.opts.IdleTimeout)
	s.readClient(ctx)

	s.gate.Close(nil)
	s.connecting.Wait()
	s.startReader.Do(func() { close(s.upstreamDone) })
	<-s.upstreamDone
}

func (s *Session) readClient(ctx context.Context) {
	for {
		mt, data, err := s.client.conn.ReadMessage()
		if err != nil {
			if s.gate.State() != session.StateClosed {
				s.log.Debug("client read ended", zap.Error(err))
			}
			return
		}
		_ = s.client.conn.SetReadDeadline(time.Now().Add(s.r.opts.IdleTimeout))
		s.touch()

		if mt != websocket.TextMessage {
			s.fail(bridgeerr.Wrap(bridgeerr.KindProtocolError, "decode", protocol.ErrNotJSON))
			return
		}
		f, err := protocol.DecodeClientFrame(data)
		if err != nil {
			s.fail(err)
			return
		}

		switch s.gate.Admit(f.Kind) {
		case session.Drop:
			s.drop(f)
		case session.Configure:
			if err := s.gate.BeginConfigure(); err != nil {
				return
			}
			s.setState(session.StateConnecting)
			// The client keeps being read while upstream connects so that a
			// disconnect closes the session immediately.
			s.connecting.Add(1)
			go func() {
				defer s.connecting.Done()
				if err := s.configure(ctx, f); err != nil && !errors.Is(err, session.ErrClosed) {
					s.fail(err)
				}
			}()
		case session.AlreadyConfigured:
			s.r.opts.Metrics.SessionEvent("already_configured")
			s.sendError(bridgeerr.New(bridgeerr.KindAlreadyConfigured, "session already configured"))
		case session.Forward:
			if err := s.forwardUp(f); err != nil {
				s.fail(err)
				return
			}
		case session.Reject:
			return
		}
	}
}

func (s *Session) drop(f protocol.ClientFrame) {
	n := s.dropped.Add(1)
	s.r.opts.Metrics.DroppedFrame(f.Kind.String())
	if s.dropWarn.Allow() {
		s.log.Warn("dropping frame before session is active",
			zap.String("type", string(f.Type)),
			zap.String("state", s.gate.State().String()),
			zap.Int64("dropped_total", n))
	}
}

// configure applies the character and opens the upstream session. The first
// upstream message is always session.update. It runs after BeginConfigure, and
// ctx is cancelled as soon as the gate closes.
func (s *Session) configure(ctx context.Context, f protocol.ClientFrame) error {
	profile, err := character.Sanitize(f.Character)
	if err != nil {
		return err
	}
	cfg := s.r.opts.Builder.Build(profile)
	payload, err := protocol.SessionUpdate(cfg)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindInternal, "configure", err)
	}

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, s.r.opts.ConnectTimeout)
	up, err := s.r.dialUpstream(dialCtx)
	cancel()
	if err != nil {
		if s.gate.State() == session.StateClosed {
			return session.ErrClosed
		}
		s.r.opts.Metrics.ProviderError("upstream_dial", string(bridgeerr.KindOf(err)))
		return err
	}
	s.upstream.Store(up)
	if s.gate.State() == session.StateClosed {
		up.closeWith(websocket.CloseNormalClosure, "session closed", time.Now().Add(s.r.opts.GracePeriod))
		return session.ErrClosed
	}

	if err := up.writeText(payload); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "session_update", err)
	}
	s.r.opts.Metrics.Message(directionUp, string(protocol.TypeSessionUpdate))

	if !s.r.opts.SkipAck {
		if err := s.awaitAck(up); err != nil {
			return err
		}
	}

	s.config.Store(&cfg)
	if err := s.gate.Activate(); err != nil {
		if s.gate.State() == session.StateClosed {
			return session.ErrClosed
		}
		return err
	}
	s.setState(session.StateActive)
	if m := s.r.opts.Sessions; m != nil {
		m.SetVoice(s.ID, string(cfg.Voice))
	}
	s.r.opts.Metrics.ObserveUpstreamConnect(time.Since(start))
	s.log.Info("relay session active", zap.String("voice", string(cfg.Voice)), zap.Duration("connect_latency", time.Since(start)))

	up.keepAlive(s.r.opts.IdleTimeout)
	s.startReader.Do(func() { go s.readUpstream(up) })
	return nil
}

// awaitAck reads upstream until session.updated, forwarding anything else
// (session.created in practice) to the client.
func (s *Session) awaitAck(up *wsConn) error {
	deadline := time.Now().Add(s.r.opts.AckTimeout)
	_ = up.conn.SetReadDeadline(deadline)
	for {
		mt, data, err := up.conn.ReadMessage()
		if err != nil {
			if s.gate.State() == session.StateClosed {
				return session.ErrClosed
			}
			return bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "session_ack", err)
		}
		ev, err := protocol.DecodeEvent(data)
		if err == nil {
			switch {
			case ev.Type == protocol.TypeSessionUpdated:
				if err := s.client.write(mt, data); err != nil {
					return session.ErrClosed
				}
				return nil
			case ev.Kind == protocol.KindError:
				s.r.opts.Metrics.ProviderError("session_ack", ev.Code)
				return &bridgeerr.Error{Kind: bridgeerr.KindUpstreamUnavailable, Stage: "session_ack", Msg: "provider rejected session.update: " + ev.Reason}
			}
		}
		if err := s.client.write(mt, data); err != nil {
			return session.ErrClosed
		}
		s.r.opts.Metrics.Message(directionDown, string(ev.Type))
	}
}

func (s *Session) forwardUp(f protocol.ClientFrame) error {
	up := s.upstream.Load()
	if up == nil {
		return bridgeerr.New(bridgeerr.KindInternal, "active session without upstream")
	}
	if err := up.writeText(f.Raw); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "forward", err)
	}
	if f.Kind == protocol.KindAudioCommit {
		s.commitAt.Store(time.Now().UnixNano())
	}
	s.r.opts.Metrics.Message(directionUp, string(f.Type))
	return nil
}

func (s *Session) readUpstream(up *wsConn) {
	defer close(s.upstreamDone)
	for {
		mt, data, err := up.conn.ReadMessage()
		if err != nil {
			if s.gate.State() == session.StateClosed {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fail(bridgeerr.New(bridgeerr.KindUpstreamUnavailable, "upstream closed the session"))
				return
			}
			s.fail(bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "upstream_read", err))
			return
		}
		_ = up.conn.SetReadDeadline(time.Now().Add(s.r.opts.IdleTimeout))
		s.touch()

		ev, decodeErr := protocol.DecodeEvent(data)
		if decodeErr == nil {
			s.observe(ev)
		}
		if err := s.client.write(mt, data); err != nil {
			s.gate.Close(nil)
			return
		}
	}
}

func (s *Session) observe(ev protocol.Event) {
	s.r.opts.Metrics.Message(directionDown, string(ev.Type))
	switch ev.Kind {
	case protocol.KindAudioDelta:
		if at := s.commitAt.Swap(0); at != 0 {
			s.r.opts.Metrics.ObserveFirstAudioLatency(time.Since(time.Unix(0, at)))
		}
	case protocol.KindAudioDone:
		s.log.Debug("assistant audio done")
	case protocol.KindError:
		s.r.opts.Metrics.ProviderError("upstream", ev.Code)
		s.log.Warn("provider error event",
			zap.String("code", ev.Code),
			zap.String("reason", ev.Reason),
			zap.Bool("retryable", reliability.IsRetryableProviderCode(ev.Code)))
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.r.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.ping(); err != nil {
				s.gate.Close(nil)
				return
			}
			if up := s.upstream.Load(); up != nil {
				if err := up.ping(); err != nil {
					s.fail(bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "upstream_ping", err))
					return
				}
			}
		}
	}
}

func (s *Session) sendError(err error) {
	if werr := s.client.writeText(protocol.ErrorFrameFor(err)); werr != nil {
		s.log.Debug("error event not delivered", zap.Error(werr))
	}
}

// fail closes the session with err as cause; teardown reports it to the client.
func (s *Session) fail(err error) {
	if s.gate.State() == session.StateClosed {
		return
	}
	s.log.Warn("relay session failed", zap.String("kind", string(bridgeerr.KindOf(err))), zap.Error(err))
	s.gate.Close(err)
}

// teardown sends the error event for a failed session and closes both sockets
// within the grace period. It runs exactly once, from the gate's close hook.
func (s *Session) teardown(cause error) {
	deadline := time.Now().Add(s.r.opts.GracePeriod)
	if reportable(cause) {
		if err := s.client.writeTextBy(protocol.ErrorFrameFor(cause), deadline); err != nil {
			s.log.Debug("error event not delivered", zap.Error(err))
		}
	}
	code, reason := closeCodeFor(cause)
	s.client.closeWith(code, reason, deadline)
	if up := s.upstream.Load(); up != nil {
		up.closeWith(websocket.CloseNormalClosure, "client session closed", deadline)
	}

	if m := s.r.opts.Sessions; m != nil {
		m.Remove(s.ID)
	}
	s.r.opts.Metrics.SessionClosed(string(session.TransportRelay))
	fields := []zap.Field{zap.Duration("duration", time.Since(s.CreatedAt)), zap.Int64("dropped_frames", s.dropped.Load())}
	if cause != nil {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	s.log.Info("relay session closed", fields...)
}

func (s *Session) touch() {
	if m := s.r.opts.Sessions; m != nil {
		m.Touch(s.ID)
	}
}

func (s *Session) setState(st session.State) {
	if m := s.r.opts.Sessions; m != nil {
		m.SetState(s.ID, st)
	}
}

// reportable reports whether cause is a failure the client should see as an
// error event, rather than a clean, operator or inactivity close.
func reportable(cause error) bool {
	return cause != nil && !errors.Is(cause, session.ErrEnded) && !errors.Is(cause, session.ErrInactive)
}

func closeCodeFor(cause error) (int, string) {
	if cause == nil || errors.Is(cause, session.ErrEnded) {
		return websocket.CloseNormalClosure, "session closed"
	}
	if errors.Is(cause, session.ErrInactive) {
		return websocket.CloseGoingAway, "session inactive"
	}
	reason := string(bridgeerr.KindOf(cause))
	switch bridgeerr.KindOf(cause) {
	case bridgeerr.KindProtocolError, bridgeerr.KindInvalidInput, bridgeerr.KindUnauthorized:
		return websocket.ClosePolicyViolation, reason
	case bridgeerr.KindUpstreamUnavailable:
		return websocket.CloseTryAgainLater, reason
	default:
		return websocket.CloseInternalServerErr, reason
	}
}
