package peer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

// pumpMicrophone encodes capture frames onto the local track. Frames are only
// sent while the gate admits audio; anything captured earlier is discarded.
func (b *Bridge) pumpMicrophone() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-b.gate.Done()
		cancel()
	}()

	b.mu.Lock()
	track := b.track
	b.mu.Unlock()
	if track == nil {
		return
	}

	frameDuration := time.Duration(b.opts.FrameBytes/2) * time.Second / 48000
	for frame, err := range audio.Frames(ctx, b.opts.Microphone, b.opts.FrameBytes) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				b.log.Warn("microphone read failed", zap.Error(err))
			}
			return
		}
		if b.gate.Admit(protocol.KindAudioAppend) != session.Forward {
			b.opts.Metrics.DroppedFrame(protocol.KindAudioAppend.String())
			continue
		}
		packet, err := b.opts.Encoder.Encode(frame)
		if err != nil {
			if b.warn.Allow() {
				b.log.Warn("microphone encode failed", zap.Error(err))
			}
			continue
		}
		if err := track.WriteSample(media.Sample{Data: packet, Duration: frameDuration}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			if b.warn.Allow() {
				b.log.Warn("microphone write failed", zap.Error(err))
			}
		}
	}
}

// onTrack plays the remote audio track until it ends.
func (b *Bridge) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	b.log.Debug("remote audio track", zap.String("codec", track.Codec().MimeType))
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			b.playPacket(pkt)
		}
	}()
}

// playPacket decodes one remote packet to the speaker. Failures are logged and
// the packet skipped.
func (b *Bridge) playPacket(pkt *rtp.Packet) {
	if b.opts.Speaker == nil || len(pkt.Payload) == 0 {
		return
	}
	pcm, err := b.opts.Decoder.Decode(pkt.Payload)
	if err != nil {
		if b.warn.Allow() {
			b.log.Warn("remote audio decode failed", zap.Uint16("seq", pkt.SequenceNumber), zap.Error(err))
		}
		return
	}
	if _, err := b.opts.Speaker.Write(pcm); err != nil && b.warn.Allow() {
		b.log.Warn("playback write failed", zap.Error(err))
	}
}
