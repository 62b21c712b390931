// Package opus wraps the libopus bindings for the WebRTC audio tracks.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// WebRTC Opus runs at 48 kHz; the bridge sends and plays mono 20 ms frames.
const (
	SampleRate  = 48000
	Channels    = 1
	FrameMillis = 20
	// FrameSize is the number of samples per channel per frame.
	FrameSize = SampleRate * FrameMillis / 1000
	// FrameBytes is the PCM16 size of one frame.
	FrameBytes = FrameSize * Channels * 2

	maxPacketBytes = 4000
)

// Encoder turns PCM16 microphone frames into Opus packets. Not safe for
// concurrent use.
type Encoder struct {
	enc *gopus.Encoder
}

func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes exactly one frame of little-endian PCM16.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != FrameBytes {
		return nil, fmt.Errorf("opus: frame is %d bytes, want %d", len(pcm), FrameBytes)
	}
	packet, err := e.enc.Encode(audio.Int16s(pcm), FrameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Decoder turns remote Opus packets into mono PCM16. One decoder per remote
// track keeps decoder state consistent across packets.
type Decoder struct {
	dec *gopus.Decoder
}

func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one packet. Packets up to 120 ms are accepted.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, FrameSize*6, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.Bytes(pcm), nil
}
