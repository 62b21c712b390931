// Package character turns a companion character's attributes into the
// session configuration sent to the realtime provider.
package character

import (
	"strings"
)

// Voice identifies a provider voice.
type Voice string

// FallbackVoice is used whenever a requested voice is not allow-listed.
const FallbackVoice Voice = "alloy"

// DefaultVoices is the provider voice allow-list used when none is configured.
var DefaultVoices = []Voice{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// LanguageDirective is embedded in every instruction string regardless of profile content.
const LanguageDirective = "Always reply in the same language the user is speaking, and switch languages whenever the user does."

type AudioFormat struct {
	Encoding   string `json:"encoding" yaml:"encoding"`
	SampleRate int    `json:"sample_rate" yaml:"sample_rate"`
	Channels   int    `json:"channels" yaml:"channels"`
}

type TurnDetection struct {
	Mode            string  `json:"mode" yaml:"mode"`
	Threshold       float64 `json:"threshold" yaml:"threshold"`
	SilenceMS       int     `json:"silence_ms" yaml:"silence_ms"`
	PrefixPaddingMS int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms"`
}

// SessionConfig is derived from a Profile at session start and sent upstream
// exactly once per session.
type SessionConfig struct {
	Instructions  string
	Voice         Voice
	Modalities    []string
	AudioFormat   AudioFormat
	TurnDetection TurnDetection
	Temperature   float64
}

// Options configures a Builder. Zero values take the defaults.
type Options struct {
	Voices        []string
	FallbackVoice string
	AudioFormat   AudioFormat
	TurnDetection TurnDetection
	Temperature   float64
}

// Builder renders SessionConfigs. It holds no mutable state and is safe for
// concurrent use.
type Builder struct {
	allowed     map[Voice]struct{}
	ordered     []Voice
	fallback    Voice
	audio       AudioFormat
	turn        TurnDetection
	temperature float64
}

func NewBuilder(opts Options) *Builder {
	b := &Builder{
		allowed:     make(map[Voice]struct{}),
		fallback:    Voice(normalizeVoice(opts.FallbackVoice)),
		audio:       opts.AudioFormat,
		turn:        opts.TurnDetection,
		temperature: opts.Temperature,
	}
	if b.fallback == "" {
		b.fallback = FallbackVoice
	}
	voices := opts.Voices
	if len(voices) == 0 {
		for _, v := range DefaultVoices {
			voices = append(voices, string(v))
		}
	}
	for _, raw := range voices {
		b.allow(Voice(normalizeVoice(raw)))
	}
	b.allow(b.fallback)

	if b.audio.Encoding == "" {
		b.audio.Encoding = "pcm16"
	}
	if b.audio.SampleRate <= 0 {
		b.audio.SampleRate = 24000
	}
	if b.audio.Channels <= 0 {
		b.audio.Channels = 1
	}
	if b.turn.Mode == "" {
		b.turn.Mode = "server_vad"
	}
	if b.turn.Threshold <= 0 {
		b.turn.Threshold = 0.5
	}
	if b.turn.SilenceMS <= 0 {
		b.turn.SilenceMS = 500
	}
	if b.turn.PrefixPaddingMS <= 0 {
		b.turn.PrefixPaddingMS = 300
	}
	if b.temperature <= 0 {
		b.temperature = 0.8
	}
	return b
}

func (b *Builder) allow(v Voice) {
	if v == "" {
		return
	}
	if _, ok := b.allowed[v]; ok {
		return
	}
	b.allowed[v] = struct{}{}
	b.ordered = append(b.ordered, v)
}

var defaultBuilder = NewBuilder(Options{})

// Build renders p with the default builder.
func Build(p Profile) SessionConfig { return defaultBuilder.Build(p) }

// Voices returns the allow-list in configuration order.
func (b *Builder) Voices() []Voice { return append([]Voice(nil), b.ordered...) }

func (b *Builder) Fallback() Voice { return b.fallback }

// ResolveVoice returns requested when allow-listed, the fallback otherwise.
func (b *Builder) ResolveVoice(requested string) Voice {
	v := Voice(normalizeVoice(requested))
	if _, ok := b.allowed[v]; ok {
		return v
	}
	return b.fallback
}

// Build is pure and total: the same profile always yields the same config.
func (b *Builder) Build(p Profile) SessionConfig {
	return SessionConfig{
		Instructions:  b.Instructions(p),
		Voice:         b.ResolveVoice(p.Voice),
		Modalities:    []string{"audio", "text"},
		AudioFormat:   b.audio,
		TurnDetection: b.turn,
		Temperature:   b.temperature,
	}
}

// Instructions renders the system instruction text for p.
func (b *Builder) Instructions(p Profile) string {
	var sb strings.Builder

	if name := strings.TrimSpace(p.Name); name != "" {
		sb.WriteString("You are " + name + ", a companion character in a live voice conversation.")
	} else {
		sb.WriteString("You are a companion character in a live voice conversation.")
	}

	var looks []string
	for _, f := range []struct{ label, value string }{
		{"hair color", p.HairColor},
		{"hair style", p.HairStyle},
		{"eye color", p.EyeColor},
		{"body type", p.BodyType},
	} {
		if v := strings.TrimSpace(f.value); v != "" {
			looks = append(looks, f.label+" "+v)
		}
	}
	if len(looks) > 0 {
		sb.WriteString("\nAppearance: " + strings.Join(looks, ", ") + ".")
	}

	for _, f := range []struct{ label, value string }{
		{"Personality", p.Personality},
		{"Interests", p.Interests},
		{"Hobbies", p.Hobbies},
		{"Traits", p.Traits},
	} {
		if v := strings.TrimSpace(f.value); v != "" {
			sb.WriteString("\n" + f.label + ": " + strings.TrimRight(v, ".") + ".")
		}
	}

	sb.WriteString("\nStay in character and keep replies short and conversational, as if speaking aloud.")
	sb.WriteString("\n" + LanguageDirective)
	return sb.String()
}

func normalizeVoice(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
