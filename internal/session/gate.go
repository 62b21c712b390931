package session

import (
	"errors"
	"sync"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/protocol"
)

// State is a position in the session lifecycle. Transitions only move forward.
type State int

const (
	StateAwaitingConfig State = iota
	StateConnecting
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Decision is what a transport must do with a frame.
type Decision int

const (
	// Drop discards the frame; the session continues.
	Drop Decision = iota
	// Forward passes the frame to the other side.
	Forward
	// Configure starts configuration with this frame.
	Configure
	// AlreadyConfigured rejects a repeated configuration frame; the session continues.
	AlreadyConfigured
	// Reject discards the frame because the session is closed.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Forward:
		return "forward"
	case Configure:
		return "configure"
	case AlreadyConfigured:
		return "already_configured"
	case Reject:
		return "reject"
	default:
		return "drop"
	}
}

var ErrClosed = errors.New("session closed")

// Gate is the state machine shared by both transports. It decides which frames
// may flow and guarantees that configuration happens once and that close
// happens once.
type Gate struct {
	mu         sync.Mutex
	state      State
	configured bool
	err        error
	done       chan struct{}
	hooks      []func(error)
}

func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Admit classifies a frame of kind k against the current state. Audio is
// forwarded only while ACTIVE.
func (g *Gate) Admit(k protocol.Kind) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateClosed {
		return Reject
	}
	if k == protocol.KindConfigUpdate {
		if g.configured {
			return AlreadyConfigured
		}
		return Configure
	}
	if g.state == StateActive {
		return Forward
	}
	return Drop
}

// BeginConfigure moves AWAITING_CONFIG to CONNECTING. It succeeds at most once
// per gate.
func (g *Gate) BeginConfigure() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateClosed {
		return ErrClosed
	}
	if g.configured {
		return bridgeerr.New(bridgeerr.KindAlreadyConfigured, "session already configured")
	}
	g.configured = true
	g.state = StateConnecting
	return nil
}

// Activate moves CONNECTING to ACTIVE.
func (g *Gate) Activate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateConnecting:
		g.state = StateActive
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return bridgeerr.New(bridgeerr.KindProtocolError, "activate before configuration")
	}
}

// Close moves the gate to CLOSED and reports whether this call did it. cause
// may be nil for a clean close. Hooks run once, outside the lock.
func (g *Gate) Close(cause error) bool {
	g.mu.Lock()
	if g.state == StateClosed {
		g.mu.Unlock()
		return false
	}
	return g.closeLocked(cause)
}

// CloseIf closes the gate only if it is still in state want, checked and
// closed under one lock.
func (g *Gate) CloseIf(want State, cause error) bool {
	g.mu.Lock()
	if g.state != want || g.state == StateClosed {
		g.mu.Unlock()
		return false
	}
	return g.closeLocked(cause)
}

// closeLocked must be called with g.mu held; it releases it.
func (g *Gate) closeLocked(cause error) bool {
	g.state = StateClosed
	g.err = cause
	hooks := g.hooks
	g.hooks = nil
	close(g.done)
	g.mu.Unlock()

	for _, h := range hooks {
		h(cause)
	}
	return true
}

// Done is closed when the gate closes.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Err returns the close cause, nil while open or after a clean close.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// OnClose registers fn to run when the gate closes. If it is already closed fn
// runs immediately.
func (g *Gate) OnClose(fn func(error)) {
	g.mu.Lock()
	if g.state != StateClosed {
		g.hooks = append(g.hooks, fn)
		g.mu.Unlock()
		return
	}
	cause := g.err
	g.mu.Unlock()
	fn(cause)
}
