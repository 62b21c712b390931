// Package auth validates caller credentials presented to the bridge.
package auth

import (
	"context"
	"strings"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
)

// Validator resolves a caller credential to a caller ID. Absent, invalid or
// expired credentials fail with bridgeerr.KindUnauthorized; a backend that
// cannot answer fails with bridgeerr.KindUpstreamUnavailable.
type Validator interface {
	ValidateCredential(ctx context.Context, token string) (callerID string, err error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (string, error)

func (f ValidatorFunc) ValidateCredential(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// AllowAll accepts every non-empty token as the caller "anonymous". It is
// meant for local development only.
var AllowAll = ValidatorFunc(func(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", unauthorized("missing credential")
	}
	return "anonymous", nil
})

// DenyAll rejects every token. It stands in when no backend is configured.
var DenyAll = ValidatorFunc(func(context.Context, string) (string, error) {
	return "", unauthorized("no credential backend configured")
})

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) string {
	h := strings.TrimSpace(header)
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func unauthorized(msg string) error {
	return bridgeerr.New(bridgeerr.KindUnauthorized, msg)
}
