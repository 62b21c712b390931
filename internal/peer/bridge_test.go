package peer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/broker"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

type issuerFunc func(ctx context.Context, cred string, p character.Profile) (broker.Credential, error)

func (f issuerFunc) Issue(ctx context.Context, cred string, p character.Profile) (broker.Credential, error) {
	return f(ctx, cred, p)
}

func okIssuer() issuerFunc {
	return func(context.Context, string, character.Profile) (broker.Credential, error) {
		return broker.Credential{Value: "ek_test", ExpiresAt: time.Now().Add(time.Minute), Model: "gpt-realtime", Voice: "sage"}, nil
	}
}

type fakeChannel struct {
	mu    sync.Mutex
	state webrtc.DataChannelState
	sent  []protocol.MessageType
	close int
}

func (f *fakeChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Send(data []byte) error {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, ev.Type)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.close++
	f.state = webrtc.DataChannelStateClosed
	f.mu.Unlock()
	return nil
}

func newTestBridge(t *testing.T, mutate func(*Options)) *Bridge {
	t.Helper()
	opts := Options{Issuer: okIssuer(), NegotiateURL: "http://127.0.0.1:1/v1/realtime"}
	if mutate != nil {
		mutate(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(b.Disconnect)
	return b
}

// activate puts b in the connected state with a fake events channel.
func activate(t *testing.T, b *Bridge) *fakeChannel {
	t.Helper()
	require.NoError(t, b.gate.BeginConfigure())
	require.NoError(t, b.gate.Activate())
	fc := &fakeChannel{state: webrtc.DataChannelStateOpen}
	b.mu.Lock()
	b.dc = fc
	b.mu.Unlock()
	return fc
}

func TestNewMisconfigured(t *testing.T) {
	_, err := New(Options{NegotiateURL: "http://x"})
	assert.ErrorIs(t, err, bridgeerr.ErrMisconfigured)
	_, err = New(Options{Issuer: okIssuer()})
	assert.ErrorIs(t, err, bridgeerr.ErrMisconfigured)
	_, err = New(Options{Issuer: okIssuer(), NegotiateURL: "http://x", Microphone: bytes.NewReader(nil)})
	assert.ErrorIs(t, err, bridgeerr.ErrMisconfigured)
	_, err = New(Options{Issuer: okIssuer(), NegotiateURL: "http://x", Speaker: io.Discard})
	assert.ErrorIs(t, err, bridgeerr.ErrMisconfigured)
}

func TestInitCredentialFailure(t *testing.T) {
	b := newTestBridge(t, func(o *Options) {
		o.Issuer = issuerFunc(func(context.Context, string, character.Profile) (broker.Credential, error) {
			return broker.Credential{}, bridgeerr.New(bridgeerr.KindUnauthorized, "token expired")
		})
	})

	err := b.Init(context.Background(), character.Profile{})
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerr.ErrConnectFailed)
	assert.ErrorIs(t, err, bridgeerr.ErrUnauthorized)
	assert.Equal(t, StageCredential, stageOf(err))
	assert.Equal(t, session.StateClosed, b.State())

	_, open := <-b.Events()
	assert.False(t, open, "events channel closed after failed init")
}

func TestInitNegotiateFailureReleasesPeer(t *testing.T) {
	var gotAuth, gotType, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotModel = r.URL.Query().Get("model")
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := newTestBridge(t, func(o *Options) { o.NegotiateURL = srv.URL + "/v1/realtime" })
	err := b.Init(context.Background(), character.Profile{Voice: "sage"})
	require.Error(t, err)
	assert.ErrorIs(t, err, bridgeerr.ErrConnectFailed)
	assert.Equal(t, StageNegotiate, stageOf(err))
	assert.Equal(t, "Bearer ek_test", gotAuth)
	assert.Equal(t, "application/sdp", gotType)
	assert.Equal(t, "gpt-realtime", gotModel)

	assert.Equal(t, session.StateClosed, b.State())
	b.mu.Lock()
	pc := b.pc
	b.mu.Unlock()
	require.NotNil(t, pc)
	assert.Equal(t, webrtc.PeerConnectionStateClosed, pc.ConnectionState())
}

func TestInitICEGatheringBoundedByNegotiateTimeout(t *testing.T) {
	var negotiated atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		negotiated.Store(true)
		http.Error(w, "unexpected", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := newTestBridge(t, func(o *Options) {
		o.NegotiateURL = srv.URL
		o.NegotiateTimeout = 100 * time.Millisecond
	})
	b.gatherComplete = func(*webrtc.PeerConnection) <-chan struct{} { return make(chan struct{}) }

	start := time.Now()
	err := b.Init(context.Background(), character.Profile{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, bridgeerr.ErrConnectFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StageICEGathering, stageOf(err))
	assert.Equal(t, session.StateClosed, b.State())
	assert.False(t, negotiated.Load(), "offer posted before gathering finished")
}

func TestNegotiateRejectsNonSDP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"oops":true}`))
	}))
	defer srv.Close()

	b := newTestBridge(t, func(o *Options) { o.NegotiateURL = srv.URL })
	_, err := b.negotiate(context.Background(), "v=0\r\n", "ek", "")
	assert.ErrorIs(t, err, bridgeerr.ErrProtocol)
}

func TestSendTextRequiresConnectedChannel(t *testing.T) {
	b := newTestBridge(t, nil)
	err := b.SendText("hello")
	assert.ErrorIs(t, err, bridgeerr.ErrChannelNotReady)

	fc := activate(t, b)
	fc.mu.Lock()
	fc.state = webrtc.DataChannelStateConnecting
	fc.mu.Unlock()
	assert.ErrorIs(t, b.SendText("hello"), bridgeerr.ErrChannelNotReady)
}

func TestSendTextOrderedUnderConcurrency(t *testing.T) {
	b := newTestBridge(t, nil)
	fc := activate(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.SendText("hi"))
		}()
	}
	wg.Wait()

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.sent, 40)
	for i := 0; i < len(fc.sent); i += 2 {
		assert.Equal(t, protocol.TypeConversationItemCreate, fc.sent[i])
		assert.Equal(t, protocol.TypeResponseCreate, fc.sent[i+1])
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	b := newTestBridge(t, nil)
	fc := activate(t, b)

	b.Disconnect()
	b.Disconnect()
	assert.Equal(t, session.StateClosed, b.State())
	assert.Equal(t, 1, fc.close)
	assert.NoError(t, b.Err())

	err := b.Init(context.Background(), character.Profile{})
	assert.ErrorIs(t, err, bridgeerr.ErrConnectFailed)
	assert.ErrorIs(t, b.SendText("late"), bridgeerr.ErrChannelNotReady)
}

func TestDisconnectBeforeInit(t *testing.T) {
	b := newTestBridge(t, nil)
	b.Disconnect()
	_, open := <-b.Events()
	assert.False(t, open)
}

func TestHandleMessageEmitsEvents(t *testing.T) {
	b := newTestBridge(t, nil)
	activate(t, b)

	b.handleMessage([]byte(`{"type":"response.audio_transcript.delta","delta":"hel"}`))
	b.handleMessage([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	b.handleMessage([]byte(`not json`))

	ev := <-b.Events()
	assert.Equal(t, protocol.KindTranscriptDelta, ev.Kind)
	assert.Equal(t, "hel", ev.Text)
	assert.Equal(t, protocol.SpeakerAssistant, ev.Speaker)

	ev = <-b.Events()
	assert.Equal(t, protocol.KindOther, ev.Kind)
	assert.Equal(t, protocol.MessageType("rate_limits.updated"), ev.Type)
	assert.JSONEq(t, `{"type":"rate_limits.updated","rate_limits":[]}`, string(ev.Raw))

	ev = <-b.Events()
	assert.Equal(t, protocol.KindError, ev.Kind)
	assert.Equal(t, string(bridgeerr.KindProtocolError), ev.Code)
}

func TestEmitAfterCloseDoesNotPanic(t *testing.T) {
	b := newTestBridge(t, func(o *Options) { o.EventBuffer = 1 })
	activate(t, b)
	b.handleMessage([]byte(`{"type":"response.done"}`))

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.handleMessage([]byte(`{"type":"response.done"}`))
	}()
	b.Disconnect()
	<-done
	b.handleMessage([]byte(`{"type":"response.done"}`))
}

type countingEncoder struct{ n atomic.Int32 }

func (c *countingEncoder) Encode(pcm []byte) ([]byte, error) {
	c.n.Add(1)
	return []byte{0xf8, 0xff, 0xfe}, nil
}

func TestMicrophoneGatedUntilActive(t *testing.T) {
	pr, pw := io.Pipe()
	enc := &countingEncoder{}
	b := newTestBridge(t, func(o *Options) {
		o.Microphone = pr
		o.Encoder = enc
		o.FrameBytes = 4
	})
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	require.NoError(t, err)
	b.mu.Lock()
	b.track = track
	b.mu.Unlock()

	go b.pumpMicrophone()

	for i := 0; i < 3; i++ {
		_, err := pw.Write([]byte{1, 2, 3, 4})
		require.NoError(t, err)
	}
	assert.Zero(t, enc.n.Load(), "audio before activation must not be encoded")

	activate(t, b)
	for i := 0; i < 2; i++ {
		_, err := pw.Write([]byte{1, 2, 3, 4})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return enc.n.Load() >= 2 }, time.Second, 5*time.Millisecond)
	_ = pw.Close()
}

type fakeDecoder struct{ fail bool }

func (d fakeDecoder) Decode(packet []byte) ([]byte, error) {
	if d.fail {
		return nil, errors.New("corrupt packet")
	}
	return append([]byte{}, packet...), nil
}

func TestPlayPacket(t *testing.T) {
	var out bytes.Buffer
	b := newTestBridge(t, func(o *Options) {
		o.Speaker = &out
		o.Decoder = fakeDecoder{}
	})
	b.playPacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{1, 2}})
	b.playPacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}})
	assert.Equal(t, []byte{1, 2}, out.Bytes())

	b.opts.Decoder = fakeDecoder{fail: true}
	b.playPacket(&rtp.Packet{Payload: []byte{3}})
	assert.Equal(t, []byte{1, 2}, out.Bytes(), "decode failures are skipped")
}
