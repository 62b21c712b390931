package audio

import (
	"context"
	"errors"
	"io"
	"iter"
)

// FrameBytes returns the size of a PCM16 frame of ms milliseconds.
func FrameBytes(sampleRate, channels int, ms int) int {
	return sampleRate * channels * ms / 1000 * 2
}

// Frames splits r into PCM16 frames of exactly frameBytes. A trailing partial
// frame is zero-padded. The sequence ends at io.EOF, on ctx cancellation
// (yielding ctx.Err()) or at the first read error, which is yielded once.
func Frames(ctx context.Context, r io.Reader, frameBytes int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if frameBytes <= 0 || frameBytes%2 != 0 {
			yield(nil, errors.New("audio: frame size must be a positive even number of bytes"))
			return
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			frame := make([]byte, frameBytes)
			n, err := io.ReadFull(r, frame)
			switch {
			case err == nil:
				if !yield(frame, nil) {
					return
				}
			case errors.Is(err, io.ErrUnexpectedEOF):
				clear(frame[n:])
				yield(frame, nil)
				return
			case errors.Is(err, io.EOF):
				return
			default:
				yield(nil, err)
				return
			}
		}
	}
}

// Int16s converts little-endian PCM16 bytes to samples.
func Int16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Bytes converts samples to little-endian PCM16 bytes.
func Bytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// Mono averages interleaved channels down to one.
func Mono(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	out := make([]int16, len(pcm)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(pcm[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(pcm []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(pcm) == 0 {
		return pcm
	}
	n := int(int64(len(pcm)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac)
	}
	return out
}

// Normalize returns pcm16 mono at rate, converting from info as needed.
func Normalize(pcm []byte, info WAVInfo, rate int) []byte {
	if info.Channels <= 1 && info.SampleRate == rate {
		return pcm
	}
	samples := Mono(Int16s(pcm), info.Channels)
	return Bytes(Resample(samples, info.SampleRate, rate))
}
