// Package device opens the host microphone and speaker.
package device

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// maxBuffered bounds captured audio waiting for a reader (about 2 s at 48 kHz mono).
const maxBuffered = 48000 * 2 * 2

// Microphone captures PCM16 mono audio. Read blocks until audio is available
// and returns io.EOF after Close.
type Microphone struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	once   sync.Once
}

// OpenMicrophone starts the default capture device.
func OpenMicrophone(sampleRate, channels int) (*Microphone, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &Microphone{ctx: mctx, buf: make([]byte, 0, sampleRate*2)}
	m.cond = sync.NewCond(&m.mu)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { m.push(input) },
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	m.device = device
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return m, nil
}

func (m *Microphone) push(input []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.buf = append(m.buf, input...)
	if over := len(m.buf) - maxBuffered; over > 0 {
		m.buf = m.buf[over:]
	}
	m.cond.Signal()
}

func (m *Microphone) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.buf) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

// Close stops capture. Safe to call more than once.
func (m *Microphone) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()

		if m.device != nil {
			_ = m.device.Stop()
			m.device.Uninit()
		}
		_ = m.ctx.Uninit()
		m.ctx.Free()
	})
	return nil
}

// Speaker plays PCM16 audio written to it. Playback starts on first write.
type Speaker struct {
	otoCtx *oto.Context
	player *oto.Player

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

// OpenSpeaker opens the default output device. oto allows one context per
// process, so the first call fixes the sample rate.
func OpenSpeaker(sampleRate, channels int) (*Speaker, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   0,
		})
		if otoErr == nil {
			<-ready
		}
	})
	if otoErr != nil {
		return nil, fmt.Errorf("init speaker: %w", otoErr)
	}
	s := &Speaker{otoCtx: otoCtx, buf: make([]byte, 0, sampleRate*4)}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

var errSpeakerClosed = errors.New("speaker closed")

func (s *Speaker) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSpeakerClosed
	}
	s.buf = append(s.buf, p...)
	if s.player == nil {
		s.player = s.otoCtx.NewPlayer(speakerSource{s})
		s.player.Play()
	}
	s.cond.Signal()
	return len(p), nil
}

// Flush discards queued audio, used when the user interrupts playback.
func (s *Speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}

// speakerSource is the io.Reader oto pulls from. It returns silence while
// closed so the player drains.
type speakerSource struct{ s *Speaker }

func (r speakerSource) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		clear(p)
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
