package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
)

// Chain tries each validator in order and accepts the first success. When
// every validator rejects, the result is Unauthorized unless one of them
// could not answer, in which case that failure is returned.
type Chain []Validator

func (c Chain) ValidateCredential(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", unauthorized("missing credential")
	}
	if len(c) == 0 {
		return "", unauthorized("no credential backend configured")
	}

	var backendErr error
	for _, v := range c {
		caller, err := v.ValidateCredential(ctx, token)
		if err == nil {
			return caller, nil
		}
		if !errors.Is(err, bridgeerr.ErrUnauthorized) && backendErr == nil {
			backendErr = err
		}
	}
	if backendErr != nil {
		return "", backendErr
	}
	return "", unauthorized("invalid credential")
}
