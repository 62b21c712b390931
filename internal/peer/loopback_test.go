package peer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

func loopbackAPI() *webrtc.API {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// answerer plays the provider side of SDP negotiation in process.
type answerer struct {
	mu       sync.Mutex
	pcs      []*webrtc.PeerConnection
	received []protocol.MessageType
}

func (a *answerer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	offer, err := io.ReadAll(r.Body)
	if err != nil || r.Header.Get("Content-Type") != "application/sdp" {
		http.Error(w, "bad offer", http.StatusBadRequest)
		return
	}
	pc, err := loopbackAPI().NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.mu.Lock()
	a.pcs = append(a.pcs, pc)
	a.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			_ = dc.SendText(`{"type":"session.created"}`)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			ev, err := protocol.DecodeEvent(msg.Data)
			if err != nil {
				return
			}
			a.mu.Lock()
			a.received = append(a.received, ev.Type)
			a.mu.Unlock()
		})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-gathered
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(pc.LocalDescription().SDP))
}

func (a *answerer) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pc := range a.pcs {
		_ = pc.Close()
	}
}

func (a *answerer) messages() []protocol.MessageType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.MessageType(nil), a.received...)
}

func TestLoopbackSession(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback webrtc session")
	}
	a := &answerer{}
	srv := httptest.NewServer(a)
	defer srv.Close()
	defer a.close()

	manager := session.NewManager(time.Minute)
	b := newTestBridge(t, func(o *Options) {
		o.NegotiateURL = srv.URL + "/v1/realtime"
		o.API = loopbackAPI()
		o.Sessions = manager
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Init(ctx, character.Profile{Name: "Mira", Voice: "sage"}))
	assert.Equal(t, session.StateActive, b.State())

	got, err := manager.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "sage", got.Voice)
	assert.Equal(t, session.TransportWebRTC, got.Transport)

	require.Eventually(t, func() bool {
		err := b.SendText("hello there")
		if err != nil && !errors.Is(err, bridgeerr.ErrChannelNotReady) {
			t.Fatalf("SendText() error = %v", err)
		}
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	select {
	case ev := <-b.Events():
		assert.Equal(t, protocol.TypeSessionCreated, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no event from the provider side")
	}

	require.Eventually(t, func() bool { return len(a.messages()) >= 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.TypeConversationItemCreate, protocol.TypeResponseCreate}, a.messages()[:2])

	b.Disconnect()
	assert.Equal(t, session.StateClosed, b.State())
	_, err = manager.Get(b.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
