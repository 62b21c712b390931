// Package peer connects a local microphone and speaker to the provider over
// WebRTC, using a short-lived credential from the broker for SDP negotiation.
package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/broker"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
)

// EventsChannelLabel is the data channel the provider exchanges events on.
const EventsChannelLabel = "oai-events"

// Init stages reported in ConnectFailed errors.
const (
	StageCredential        = "credential"
	StagePeerConnection    = "peer_connection"
	StageMicrophone        = "microphone"
	StageDataChannel       = "data_channel"
	StageOffer             = "offer"
	StageLocalDescription  = "local_description"
	StageICEGathering      = "ice_gathering"
	StageNegotiate         = "negotiate"
	StageRemoteDescription = "remote_description"
)

// Encoder compresses one PCM16 microphone frame.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Decoder expands one remote audio packet to PCM16.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

type Options struct {
	Issuer broker.Issuer
	// CallerCredential is presented to Issuer on Init.
	CallerCredential string
	NegotiateURL     string
	Model            string

	CredentialTimeout time.Duration
	NegotiateTimeout  time.Duration
	ICEServers        []webrtc.ICEServer
	// API overrides the pion API, for custom setting engines.
	API        *webrtc.API
	HTTPClient *http.Client

	// Microphone supplies 48 kHz mono PCM16; it is closed on Disconnect when
	// it implements io.Closer. Encoder is required when it is set.
	Microphone io.Reader
	Encoder    Encoder
	// Speaker receives decoded remote audio. Decoder is required when it is set.
	Speaker io.Writer
	Decoder Decoder
	// FrameBytes is the microphone frame size; 20 ms at 48 kHz mono by default.
	FrameBytes int
	// EventBuffer sizes the Events channel.
	EventBuffer int

	Sessions *session.Manager
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// eventChannel is the part of *webrtc.DataChannel the bridge writes to.
type eventChannel interface {
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	Close() error
}

// Bridge is one WebRTC voice session. Its lifecycle follows the shared gate:
// AWAITING_CONFIG is NEW, CONNECTING is NEGOTIATING, ACTIVE is CONNECTED.
type Bridge struct {
	ID   string
	opts Options
	gate *session.Gate
	log  *zap.Logger

	mu    sync.Mutex
	torn  bool
	pc    *webrtc.PeerConnection
	dc    eventChannel
	track *webrtc.TrackLocalStaticSample

	// sendMu serializes SendText so item/response pairs never interleave.
	sendMu sync.Mutex

	emitMu sync.RWMutex
	events chan protocol.Event
	closed bool

	warn   *rate.Limiter
	opened bool

	// gatherComplete is webrtc.GatheringCompletePromise outside tests.
	gatherComplete func(*webrtc.PeerConnection) <-chan struct{}
}

// New validates opts. It does not touch the network.
func New(opts Options) (*Bridge, error) {
	if opts.Issuer == nil {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "peer bridge requires a credential issuer")
	}
	if strings.TrimSpace(opts.NegotiateURL) == "" {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "peer bridge requires a negotiate url")
	}
	if opts.Microphone != nil && opts.Encoder == nil {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "microphone requires an encoder")
	}
	if opts.Speaker != nil && opts.Decoder == nil {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "speaker requires a decoder")
	}
	if opts.CredentialTimeout <= 0 {
		opts.CredentialTimeout = broker.DefaultIssueTimeout
	}
	if opts.NegotiateTimeout <= 0 {
		opts.NegotiateTimeout = 10 * time.Second
	}
	if opts.API == nil {
		opts.API = webrtc.NewAPI()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.FrameBytes <= 0 {
		opts.FrameBytes = audio.FrameBytes(48000, 1, 20)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	b := &Bridge{
		ID:     newBridgeID(),
		opts:   opts,
		gate:   session.NewGate(),
		events: make(chan protocol.Event, opts.EventBuffer),
		warn:   rate.NewLimiter(rate.Every(5*time.Second), 1),

		gatherComplete: webrtc.GatheringCompletePromise,
	}
	b.log = observability.OrNop(opts.Logger).With(zap.String("session_id", b.ID))
	b.gate.OnClose(b.teardown)
	return b, nil
}

// State reports the bridge lifecycle state.
func (b *Bridge) State() session.State { return b.gate.State() }

// Events delivers every decoded data channel message. It is closed after
// Disconnect.
func (b *Bridge) Events() <-chan protocol.Event { return b.events }

// Done is closed when the bridge closes for any reason.
func (b *Bridge) Done() <-chan struct{} { return b.gate.Done() }

// Err returns why the bridge closed, nil for a clean Disconnect.
func (b *Bridge) Err() error { return b.gate.Err() }

// Init obtains a credential for profile and negotiates the peer connection.
// Any failure is a ConnectFailed error naming the stage, after which the
// bridge is closed.
func (b *Bridge) Init(ctx context.Context, profile character.Profile) error {
	if err := b.gate.BeginConfigure(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindConnectFailed, "init", err)
	}
	if m := b.opts.Sessions; m != nil {
		m.Register(b.ID, session.TransportWebRTC, "", b.gate)
		m.SetState(b.ID, session.StateConnecting)
	}
	b.opts.Metrics.SessionOpened(string(session.TransportWebRTC))
	b.mu.Lock()
	b.opened = true
	b.mu.Unlock()

	start := time.Now()
	if err := b.init(ctx, profile); err != nil {
		b.log.Warn("webrtc init failed", zap.String("stage", stageOf(err)), zap.Error(err))
		b.opts.Metrics.ProviderError(stageOf(err), string(bridgeerr.KindOf(err)))
		b.gate.Close(err)
		return err
	}
	if err := b.gate.Activate(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindConnectFailed, StageRemoteDescription, err)
	}
	if m := b.opts.Sessions; m != nil {
		m.SetState(b.ID, session.StateActive)
	}
	b.opts.Metrics.ObserveUpstreamConnect(time.Since(start))
	b.log.Info("webrtc session connected", zap.Duration("connect_latency", time.Since(start)))

	if b.opts.Microphone != nil {
		go b.pumpMicrophone()
	}
	return nil
}

func (b *Bridge) init(ctx context.Context, profile character.Profile) error {
	credCtx, cancel := context.WithTimeout(ctx, b.opts.CredentialTimeout)
	cred, err := b.opts.Issuer.Issue(credCtx, b.opts.CallerCredential, profile)
	cancel()
	if err != nil {
		return stageError(StageCredential, err)
	}
	if m := b.opts.Sessions; m != nil {
		m.SetVoice(b.ID, string(cred.Voice))
	}

	pc, err := b.opts.API.NewPeerConnection(webrtc.Configuration{ICEServers: b.opts.ICEServers})
	if err != nil {
		return stageError(StagePeerConnection, err)
	}
	if err := b.attach(pc); err != nil {
		return stageError(StagePeerConnection, err)
	}
	pc.OnTrack(b.onTrack)
	pc.OnConnectionStateChange(b.onConnectionState)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicebridge-"+b.ID,
	)
	if err != nil {
		return stageError(StageMicrophone, err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return stageError(StageMicrophone, err)
	}
	go drainRTCP(sender)

	dc, err := pc.CreateDataChannel(EventsChannelLabel, nil)
	if err != nil {
		return stageError(StageDataChannel, err)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { b.handleMessage(msg.Data) })
	dc.OnOpen(func() { b.log.Debug("events channel open") })
	b.mu.Lock()
	b.track, b.dc = track, dc
	b.mu.Unlock()

	// NegotiateTimeout covers everything from the offer to the remote
	// description, ICE gathering included.
	negCtx, cancel := context.WithTimeout(ctx, b.opts.NegotiateTimeout)
	defer cancel()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return stageError(StageOffer, err)
	}
	gathered := b.gatherComplete(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return stageError(StageLocalDescription, err)
	}
	select {
	case <-gathered:
	case <-negCtx.Done():
		return stageError(StageICEGathering, negCtx.Err())
	case <-b.gate.Done():
		return stageError(StageICEGathering, session.ErrClosed)
	}

	model := cred.Model
	if model == "" {
		model = b.opts.Model
	}
	answer, err := b.negotiate(negCtx, pc.LocalDescription().SDP, cred.Value, model)
	if err != nil {
		return stageError(StageNegotiate, err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return stageError(StageRemoteDescription, err)
	}
	return nil
}

// attach records pc unless the bridge was torn down meanwhile.
func (b *Bridge) attach(pc *webrtc.PeerConnection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.torn {
		_ = pc.Close()
		return session.ErrClosed
	}
	b.pc = pc
	return nil
}

// negotiate posts the SDP offer with the short-lived credential and returns
// the answer. The request is bounded by ctx.
func (b *Bridge) negotiate(ctx context.Context, offer, credential, model string) (string, error) {
	u, err := url.Parse(b.opts.NegotiateURL)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindMisconfigured, StageNegotiate, err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(offer))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return "", bridgeerr.Wrap(reliability.TransportErrorKind(err), StageNegotiate, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, StageNegotiate, err)
	}
	if resp.StatusCode/100 != 2 {
		return "", &bridgeerr.Error{
			Kind:  reliability.ProviderStatusKind(resp.StatusCode),
			Stage: StageNegotiate,
			Msg:   fmt.Sprintf("negotiation returned %d", resp.StatusCode),
		}
	}
	answer := string(body)
	if !strings.HasPrefix(strings.TrimSpace(answer), "v=0") {
		return "", bridgeerr.New(bridgeerr.KindProtocolError, "negotiation returned a non-SDP body")
	}
	return answer, nil
}

// SendText adds a user text message and asks for a response. It requires a
// connected bridge with an open events channel.
func (b *Bridge) SendText(text string) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	dc := b.dc
	b.mu.Unlock()
	if b.gate.State() != session.StateActive || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return bridgeerr.New(bridgeerr.KindChannelNotReady, "events channel is not open")
	}

	item, err := protocol.TextItem(text)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindInternal, "send_text", err)
	}
	if err := dc.Send(item); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindChannelNotReady, "send_text", err)
	}
	if err := dc.Send(protocol.ResponseCreate()); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindChannelNotReady, "send_text", err)
	}
	if m := b.opts.Sessions; m != nil {
		m.Touch(b.ID)
	}
	b.opts.Metrics.Message("client_to_upstream", string(protocol.TypeConversationItemCreate))
	return nil
}

// Disconnect closes the bridge. It is idempotent and safe before Init or
// after a failed Init.
func (b *Bridge) Disconnect() {
	b.gate.Close(nil)
}

func (b *Bridge) handleMessage(data []byte) {
	if m := b.opts.Sessions; m != nil {
		m.Touch(b.ID)
	}
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		b.log.Warn("undecodable event", zap.Error(err))
		ev = protocol.Event{
			Kind:   protocol.KindError,
			Type:   protocol.TypeError,
			Code:   string(bridgeerr.KindProtocolError),
			Reason: bridgeerr.Message(err),
			Raw:    data,
		}
	}
	b.opts.Metrics.Message("upstream_to_client", string(ev.Type))
	if ev.Kind == protocol.KindError && !protocol.IsBridgeError(ev) {
		b.opts.Metrics.ProviderError("upstream", ev.Code)
	}
	b.emit(ev)
}

// emit delivers ev unless the bridge closes first.
func (b *Bridge) emit(ev protocol.Event) {
	b.emitMu.RLock()
	defer b.emitMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	case <-b.gate.Done():
	}
}

func (b *Bridge) onConnectionState(state webrtc.PeerConnectionState) {
	b.log.Debug("peer connection state", zap.String("state", state.String()))
	if state != webrtc.PeerConnectionStateFailed {
		return
	}
	err := bridgeerr.New(bridgeerr.KindConnectFailed, "peer connection failed")
	go func() {
		b.emitError(err)
		b.gate.Close(err)
	}()
}

func (b *Bridge) emitError(err error) {
	frame := protocol.ErrorFrameFor(err)
	ev, _ := protocol.DecodeEvent(frame)
	b.emitMu.RLock()
	defer b.emitMu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.Warn("events channel full, error event dropped", zap.Error(err))
	}
}

// teardown releases everything exactly once, from the gate close hook.
func (b *Bridge) teardown(cause error) {
	b.mu.Lock()
	b.torn = true
	pc, dc, opened := b.pc, b.dc, b.opened
	b.mu.Unlock()

	if c, ok := b.opts.Microphone.(io.Closer); ok {
		_ = c.Close()
	}
	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			b.log.Debug("peer connection close", zap.Error(err))
		}
	}

	b.emitMu.Lock()
	b.closed = true
	close(b.events)
	b.emitMu.Unlock()

	if m := b.opts.Sessions; m != nil {
		m.Remove(b.ID)
	}
	if opened {
		b.opts.Metrics.SessionClosed(string(session.TransportWebRTC))
	}
	fields := []zap.Field{}
	if cause != nil {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	b.log.Info("webrtc session closed", fields...)
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func stageError(stage string, err error) error {
	return bridgeerr.Wrap(bridgeerr.KindConnectFailed, stage, err)
}

func stageOf(err error) string {
	var be *bridgeerr.Error
	if errors.As(err, &be) && be.Stage != "" {
		return be.Stage
	}
	return "init"
}

func newBridgeID() string { return uuid.NewString() }
