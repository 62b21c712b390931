package bridgeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindThroughWrapChain(t *testing.T) {
	inner := New(KindUnauthorized, "token expired")
	outer := Wrap(KindConnectFailed, "credential", inner)
	wrapped := fmt.Errorf("init: %w", outer)

	assert.True(t, errors.Is(wrapped, ErrConnectFailed))
	assert.True(t, errors.Is(wrapped, ErrUnauthorized))
	assert.False(t, errors.Is(wrapped, ErrInvalidInput))
	assert.Equal(t, KindConnectFailed, KindOf(wrapped))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindConnectFailed, "negotiate", errors.New("status 500"))
	assert.Equal(t, "connect_failed [negotiate]: status 500", err.Error())

	inv := Invalid([]string{"hair_color: too long", "traits: contains instructions"})
	assert.Equal(t, "invalid_input: invalid input: hair_color: too long; traits: contains instructions", inv.Error())
}

func TestTerminalAndRetryable(t *testing.T) {
	require.False(t, KindAlreadyConfigured.Terminal())
	require.False(t, KindChannelNotReady.Terminal())
	require.True(t, KindProtocolError.Terminal())
	require.True(t, KindUpstreamUnavailable.Retryable())
	require.False(t, KindUnauthorized.Retryable())
}

func TestBodyOf(t *testing.T) {
	b := BodyOf(Invalid([]string{"traits: contains instruction-like text"}))
	assert.Equal(t, "invalid_input", b.Code)
	assert.Equal(t, "invalid input", b.Error)
	assert.Equal(t, []string{"traits: contains instruction-like text"}, b.Violations)

	b = BodyOf(New(KindRateLimited, "slow down"))
	assert.Equal(t, Body{Error: "slow down", Code: "rate_limited"}, b)
}
