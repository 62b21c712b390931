// Package bridgeerr defines the error taxonomy shared by the credential broker
// and both realtime transports.
//
// Every failure that can reach a caller is an *Error carrying a Kind. Kinds are
// matched with errors.Is against the package sentinels, through any number of
// wrapping layers:
//
//	if errors.Is(err, bridgeerr.ErrUnauthorized) { ... }
package bridgeerr

import (
	"errors"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidInput        Kind = "invalid_input"
	KindMisconfigured       Kind = "misconfigured"
	KindConnectFailed       Kind = "connect_failed"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindProtocolError       Kind = "protocol_error"
	KindChannelNotReady     Kind = "channel_not_ready"
	KindAlreadyConfigured   Kind = "already_configured"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
)

// Terminal reports whether a failure of this kind ends the session.
// ChannelNotReady and AlreadyConfigured are caller misuse; the session survives them.
func (k Kind) Terminal() bool {
	switch k {
	case KindChannelNotReady, KindAlreadyConfigured:
		return false
	default:
		return true
	}
}

// Retryable reports whether a caller may retry with a fresh session or request.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectFailed, KindUpstreamUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified bridge failure.
type Error struct {
	Kind Kind
	// Stage names the step that failed, e.g. "negotiate" or "upstream_dial".
	Stage string
	Msg   string
	// Violations lists every rejected input field for KindInvalidInput.
	Violations []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Violations) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Violations, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrMisconfigured       = &Error{Kind: KindMisconfigured}
	ErrConnectFailed       = &Error{Kind: KindConnectFailed}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrProtocol            = &Error{Kind: KindProtocolError}
	ErrChannelNotReady     = &Error{Kind: KindChannelNotReady}
	ErrAlreadyConfigured   = &Error{Kind: KindAlreadyConfigured}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
)

// New returns an *Error of kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err as kind at the named stage.
func Wrap(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Invalid returns a KindInvalidInput error listing violations.
func Invalid(violations []string) *Error {
	return &Error{Kind: KindInvalidInput, Msg: "invalid input", Violations: append([]string(nil), violations...)}
}

// KindOf returns the outermost Kind in err's chain, or KindInternal when err
// carries no classification. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// Message returns the human-readable part of err suitable for a client:
// the outermost *Error's message, or err.Error() otherwise.
func Message(err error) string {
	var be *Error
	if errors.As(err, &be) {
		if be.Msg != "" && len(be.Violations) == 0 {
			return be.Msg
		}
	}
	return err.Error()
}

// Body is the JSON error shape returned by the bridge's HTTP endpoints.
type Body struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	Violations []string `json:"violations,omitempty"`
}

// BodyOf renders err for an HTTP response.
func BodyOf(err error) Body {
	b := Body{Error: Message(err), Code: string(KindOf(err))}
	var be *Error
	if errors.As(err, &be) && len(be.Violations) > 0 {
		b.Error = be.Msg
		b.Violations = append([]string(nil), be.Violations...)
	}
	return b
}
