// Command voicecall places a WebRTC voice call to the provider using a
// credential issued by a running voicebridge, with the local microphone and
// speaker as the audio path. Lines typed on stdin are sent as text turns.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/audio/device"
	"github.com/ent0n29/voicebridge/internal/audio/opus"
	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/broker"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/peer"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

type options struct {
	bridgeURL    string
	token        string
	negotiateURL string
	model        string
	textOnly     bool
	attempts     int
	logLevel     string
	profile      character.Profile
}

func main() {
	_ = godotenv.Load()
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("voicecall", flag.ContinueOnError)
	fs.StringVar(&cfg.bridgeURL, "bridge-url", envOr("VOICEBRIDGE_URL", "http://127.0.0.1:8080"), "voicebridge base URL used for credentials")
	fs.StringVar(&cfg.token, "token", os.Getenv("VOICEBRIDGE_TOKEN"), "caller credential")
	fs.StringVar(&cfg.negotiateURL, "negotiate-url", envOr("REALTIME_NEGOTIATE_URL", "https://api.openai.com/v1/realtime"), "provider SDP endpoint")
	fs.StringVar(&cfg.model, "model", "", "model override; defaults to the credential's model")
	fs.BoolVar(&cfg.textOnly, "text-only", false, "skip audio devices and only exchange text")
	fs.IntVar(&cfg.attempts, "attempts", 3, "connection attempts for transient failures")
	fs.StringVar(&cfg.logLevel, "log-level", "warn", "log level")
	fs.StringVar(&cfg.profile.Name, "name", "", "character name")
	fs.StringVar(&cfg.profile.Personality, "personality", "", "character personality")
	fs.StringVar(&cfg.profile.Interests, "interests", "", "character interests")
	fs.StringVar(&cfg.profile.Voice, "voice", "", "requested voice")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	cfg.bridgeURL = strings.TrimRight(strings.TrimSpace(cfg.bridgeURL), "/")
	if cfg.bridgeURL == "" {
		return options{}, fmt.Errorf("bridge-url is required")
	}
	if strings.TrimSpace(cfg.negotiateURL) == "" {
		return options{}, fmt.Errorf("negotiate-url is required")
	}
	if cfg.attempts <= 0 {
		cfg.attempts = 1
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func run(cfg options) error {
	logger, err := observability.NewLogger(cfg.logLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := peer.Options{
		Issuer:           broker.NewClient(cfg.bridgeURL, &http.Client{Timeout: 15 * time.Second}),
		CallerCredential: cfg.token,
		NegotiateURL:     cfg.negotiateURL,
		Model:            cfg.model,
		Logger:           logger.Named("peer"),
	}

	if !cfg.textOnly {
		mic, err := device.OpenMicrophone(opus.SampleRate, opus.Channels)
		if err != nil {
			return fmt.Errorf("open microphone: %w", err)
		}
		defer mic.Close()
		speaker, err := device.OpenSpeaker(opus.SampleRate, opus.Channels)
		if err != nil {
			return fmt.Errorf("open speaker: %w", err)
		}
		defer speaker.Close()
		enc, err := opus.NewEncoder()
		if err != nil {
			return err
		}
		dec, err := opus.NewDecoder()
		if err != nil {
			return err
		}
		// The bridge closes closable microphones on teardown; a failed attempt
		// must not take the device with it.
		base.Microphone = struct{ io.Reader }{mic}
		base.Encoder = enc
		base.Speaker = speaker
		base.Decoder = dec
		base.FrameBytes = opus.FrameBytes
	}

	var call *peer.Bridge
	err = reliability.Retry(ctx, cfg.attempts, 500*time.Millisecond, 4*time.Second, func(ctx context.Context) error {
		b, err := peer.New(base)
		if err != nil {
			return err
		}
		if err := b.Init(ctx, cfg.profile); err != nil {
			logger.Warn("connect attempt failed", zap.Error(err))
			return retryable(err)
		}
		call = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer call.Disconnect()

	fmt.Fprintln(os.Stderr, "connected; type a line to send text, Ctrl-C to hang up")
	go readInput(ctx, call, logger)

	printEvents(ctx, call, os.Stdout)
	if err := call.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// retryable keeps a connect failure retryable only when its underlying cause
// is transient.
func retryable(err error) error {
	for _, permanent := range []error{bridgeerr.ErrUnauthorized, bridgeerr.ErrInvalidInput, bridgeerr.ErrMisconfigured} {
		if errors.Is(err, permanent) {
			return bridgeerr.Wrap(bridgeerr.KindOf(permanent), "connect", err)
		}
	}
	return err
}

func readInput(ctx context.Context, call *peer.Bridge, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := call.SendText(line); err != nil {
			logger.Warn("send text failed", zap.Error(err))
		}
	}
}

// printEvents writes transcripts to w until the call ends or ctx is done.
func printEvents(ctx context.Context, call *peer.Bridge, w io.Writer) {
	inReply := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-call.Events():
			if !ok {
				return
			}
			inReply = printEvent(w, ev, inReply)
		}
	}
}

func printEvent(w io.Writer, ev protocol.Event, inReply bool) bool {
	switch {
	case ev.Kind == protocol.KindTranscriptDelta && ev.Speaker == protocol.SpeakerAssistant:
		if !inReply {
			fmt.Fprint(w, "assistant: ")
		}
		fmt.Fprint(w, ev.Text)
		return true
	case ev.Type == protocol.TypeInputTranscriptDone:
		fmt.Fprintf(w, "you: %s\n", ev.Text)
	case ev.Type == protocol.TypeResponseDone:
		if inReply {
			fmt.Fprintln(w)
		}
		return false
	case ev.Kind == protocol.KindError:
		if inReply {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "error [%s]: %s\n", ev.Code, ev.Reason)
		return false
	}
	return inReply
}
