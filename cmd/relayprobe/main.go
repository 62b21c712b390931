// Command relayprobe replays a WAV file through the relay endpoint and reports
// per-turn latency, optionally saving the assistant's reply audio.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

// relayRate is the pcm16 rate the relay session is configured for.
const relayRate = 24000

type options struct {
	baseURL     string
	token       string
	subprotocol string
	wavPath     string
	outPath     string
	turns       int
	chunkMS     int
	realtime    float64
	respond     bool
	turnTimeout time.Duration
	profile     character.Profile
	verbose     bool
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var turnTimeoutMS int

	fs := flag.NewFlagSet("relayprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voicebridge base URL")
	fs.StringVar(&cfg.token, "token", os.Getenv("VOICEBRIDGE_TOKEN"), "caller credential sent as a bearer token")
	fs.StringVar(&cfg.subprotocol, "subprotocol", relay.DefaultSubprotocol, "websocket subprotocol")
	fs.StringVar(&cfg.wavPath, "wav", "", "pcm16 WAV file with the utterance to replay (required)")
	fs.StringVar(&cfg.outPath, "out", "", "optional WAV path for the last reply")
	fs.IntVar(&cfg.turns, "turns", 1, "number of turns to replay")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.BoolVar(&cfg.respond, "respond", true, "send response.create after each commit")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for the reply per turn in milliseconds")
	fs.StringVar(&cfg.profile.Name, "name", "", "character name")
	fs.StringVar(&cfg.profile.Personality, "personality", "", "character personality")
	fs.StringVar(&cfg.profile.Voice, "voice", "", "requested voice")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.wavPath) == "" {
		return options{}, fmt.Errorf("wav is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	pcm, info, err := audio.ReadWAVFile(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("read wav: %w", err)
	}
	pcm = audio.Normalize(pcm, info, relayRate)
	if len(pcm) == 0 {
		return fmt.Errorf("wav %s has no audio", cfg.wavPath)
	}

	wsURL, err := relayURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	var conn *websocket.Conn
	err = reliability.Retry(ctx, 3, 250*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		c, err := dial(ctx, wsURL, cfg)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan protocol.Event, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr)

	update, err := protocol.ClientSessionUpdate(cfg.profile)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, update); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}
	if err := awaitType(events, readErr, cfg.turnTimeout, protocol.TypeSessionUpdated); err != nil {
		return fmt.Errorf("await session.updated: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("relayprobe: configured turns=%d chunk_ms=%d realtime=%.2f bytes=%d\n", cfg.turns, cfg.chunkMS, cfg.realtime, len(pcm))
	}

	var reply []byte
	for i := 0; i < cfg.turns; i++ {
		start := time.Now()
		if err := sendTurnAudio(ctx, conn, pcm, cfg.chunkMS, cfg.realtime); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, protocol.AudioCommit()); err != nil {
			return fmt.Errorf("turn %d commit: %w", i+1, err)
		}
		if cfg.respond {
			if err := conn.WriteMessage(websocket.TextMessage, protocol.ResponseCreate()); err != nil {
				return fmt.Errorf("turn %d response.create: %w", i+1, err)
			}
		}
		committed := time.Now()

		r, err := collectReply(events, readErr, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		reply = r.audio
		if cfg.verbose {
			fmt.Printf("relayprobe: turn %d/%d send=%s first_audio=%s total=%s reply_bytes=%d transcript=%q\n",
				i+1, cfg.turns,
				committed.Sub(start).Round(time.Millisecond),
				r.firstAudio.Sub(committed).Round(time.Millisecond),
				time.Since(committed).Round(time.Millisecond),
				len(r.audio), r.transcript)
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done"),
		time.Now().Add(time.Second))

	if cfg.outPath != "" {
		if err := audio.WriteWAVPCM16LEFile(cfg.outPath, reply, relayRate); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("relayprobe: reply written to %s\n", cfg.outPath)
		}
	}
	return nil
}

// dial classifies handshake failures so Retry only repeats transient ones.
func dial(ctx context.Context, wsURL string, cfg options) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{cfg.subprotocol},
	}
	header := http.Header{}
	if cfg.token != "" {
		header.Set("Authorization", "Bearer "+cfg.token)
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err == nil {
		return conn, nil
	}
	if resp != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := reliability.KindForStatus(resp.StatusCode)
		return nil, bridgeerr.Wrap(kind, "dial", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil, bridgeerr.Wrap(reliability.TransportErrorKind(err), "dial", err)
}

func relayURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime/relay"
	u.RawQuery = ""
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- protocol.Event, readErr chan<- error) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			continue
		}
		events <- ev
	}
}

// chunkDelay is how long to wait after sending n bytes of pcm16 mono at rate.
func chunkDelay(n, rate int, realtime float64) time.Duration {
	d := time.Duration(float64(time.Duration(n)*time.Second/time.Duration(rate*2)) / realtime)
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	return d
}

func sendTurnAudio(ctx context.Context, conn *websocket.Conn, pcm []byte, chunkMS int, realtime float64) error {
	frameBytes := audio.FrameBytes(relayRate, 1, chunkMS)
	for frame, err := range audio.Frames(ctx, bytes.NewReader(pcm), frameBytes) {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, protocol.AudioAppend(frame)); err != nil {
			return err
		}
		time.Sleep(chunkDelay(len(frame), relayRate, realtime))
	}
	return nil
}

type reply struct {
	audio      []byte
	transcript string
	firstAudio time.Time
}

// collectReply gathers audio deltas until the response completes. Bridge and
// provider errors end the turn with an error.
func collectReply(events <-chan protocol.Event, readErr <-chan error, timeout time.Duration) (reply, error) {
	var r reply
	var transcript strings.Builder
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return r, <-readErr
			}
			switch ev.Kind {
			case protocol.KindAudioDelta:
				if r.firstAudio.IsZero() {
					r.firstAudio = time.Now()
				}
				r.audio = append(r.audio, ev.Audio...)
			case protocol.KindTranscriptDelta:
				if ev.Speaker == protocol.SpeakerAssistant {
					transcript.WriteString(ev.Text)
				}
			case protocol.KindAudioDone:
				r.transcript = transcript.String()
				return r, nil
			case protocol.KindError:
				return r, fmt.Errorf("error event code=%s: %s", ev.Code, ev.Reason)
			}
			if ev.Type == protocol.TypeResponseDone {
				r.transcript = transcript.String()
				return r, nil
			}
		case <-timer.C:
			return r, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func awaitType(events <-chan protocol.Event, readErr <-chan error, timeout time.Duration, want protocol.MessageType) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return <-readErr
			}
			if ev.Type == want {
				return nil
			}
			if ev.Kind == protocol.KindError {
				return fmt.Errorf("error event code=%s: %s", ev.Code, ev.Reason)
			}
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}
