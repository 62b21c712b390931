// Package reliability classifies upstream failures and computes retry backoff.
package reliability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableProviderCode classifies error codes carried in provider error events.
func IsRetryableProviderCode(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "resource_exhausted", "session_expired":
		return true
	default:
		return false
	}
}

// ProviderStatusKind maps a provider HTTP status to an error kind: 401/403 are
// Unauthorized, 429 and 5xx UpstreamUnavailable, other 4xx InvalidInput.
func ProviderStatusKind(code int) bridgeerr.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return bridgeerr.KindUnauthorized
	case code == http.StatusTooManyRequests || code >= 500:
		return bridgeerr.KindUpstreamUnavailable
	case code >= 400:
		return bridgeerr.KindInvalidInput
	default:
		return ""
	}
}

// TransportErrorKind classifies a failed round trip. Timeouts and network
// errors mean the upstream is unavailable; a canceled caller context is internal.
func TransportErrorKind(err error) bridgeerr.Kind {
	if errors.Is(err, context.Canceled) {
		return bridgeerr.KindInternal
	}
	return bridgeerr.KindUpstreamUnavailable
}

// StatusForKind is the HTTP status the bridge answers with for a kind.
func StatusForKind(kind bridgeerr.Kind) int {
	switch kind {
	case bridgeerr.KindUnauthorized:
		return http.StatusUnauthorized
	case bridgeerr.KindInvalidInput, bridgeerr.KindProtocolError:
		return http.StatusBadRequest
	case bridgeerr.KindRateLimited:
		return http.StatusTooManyRequests
	case bridgeerr.KindAlreadyConfigured, bridgeerr.KindChannelNotReady:
		return http.StatusConflict
	case bridgeerr.KindUpstreamUnavailable, bridgeerr.KindConnectFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindForStatus inverts StatusForKind for clients of the bridge's own API.
func KindForStatus(code int) bridgeerr.Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return bridgeerr.KindUnauthorized
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return bridgeerr.KindInvalidInput
	case http.StatusTooManyRequests:
		return bridgeerr.KindRateLimited
	case http.StatusConflict:
		return bridgeerr.KindAlreadyConfigured
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return bridgeerr.KindUpstreamUnavailable
	default:
		if code >= 500 {
			return bridgeerr.KindInternal
		}
		return bridgeerr.KindInvalidInput
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry calls fn up to attempts times, sleeping with ExponentialBackoff
// between tries, as long as the returned error's kind is retryable.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !bridgeerr.KindOf(err).Retryable() || i == attempts-1 {
			return err
		}
		t := time.NewTimer(ExponentialBackoff(i, base, cap))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
