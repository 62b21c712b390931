package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/protocol"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-bridge-url", "http://localhost:9000/", "-voice", "sage", "-attempts", "0", "-text-only"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.bridgeURL)
	assert.Equal(t, "sage", cfg.profile.Voice)
	assert.Equal(t, 1, cfg.attempts)
	assert.True(t, cfg.textOnly)

	_, err = parseFlags([]string{"-bridge-url", " "})
	assert.Error(t, err)
	_, err = parseFlags([]string{"-negotiate-url", ""})
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	authFailure := bridgeerr.Wrap(bridgeerr.KindConnectFailed, "credential", bridgeerr.New(bridgeerr.KindUnauthorized, "bad token"))
	assert.False(t, bridgeerr.KindOf(retryable(authFailure)).Retryable())
	assert.ErrorIs(t, retryable(authFailure), bridgeerr.ErrUnauthorized)

	transient := bridgeerr.Wrap(bridgeerr.KindConnectFailed, "negotiate", errors.New("connection reset"))
	assert.True(t, bridgeerr.KindOf(retryable(transient)).Retryable())
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	inReply := false
	for _, ev := range []protocol.Event{
		{Kind: protocol.KindTranscriptDelta, Type: protocol.TypeInputTranscriptDone, Speaker: protocol.SpeakerUser, Text: "hello"},
		{Kind: protocol.KindTranscriptDelta, Speaker: protocol.SpeakerAssistant, Text: "hi "},
		{Kind: protocol.KindTranscriptDelta, Speaker: protocol.SpeakerAssistant, Text: "there"},
		{Kind: protocol.KindOther, Type: protocol.TypeResponseDone},
		{Kind: protocol.KindError, Type: protocol.TypeError, Code: "rate_limited", Reason: "slow down"},
	} {
		inReply = printEvent(&out, ev, inReply)
	}
	assert.Equal(t, "you: hello\nassistant: hi there\nerror [rate_limited]: slow down\n", out.String())
}
