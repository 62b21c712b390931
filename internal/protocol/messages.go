// Package protocol decodes and encodes the realtime event frames exchanged
// with clients, the provider socket and the WebRTC event channel.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/character"
)

// MessageType is the wire "type" discriminator.
type MessageType string

const (
	TypeSessionUpdate          MessageType = "session.update"
	TypeSessionUpdated         MessageType = "session.updated"
	TypeSessionCreated         MessageType = "session.created"
	TypeInputAudioAppend       MessageType = "input_audio_buffer.append"
	TypeInputAudioCommit       MessageType = "input_audio_buffer.commit"
	TypeConversationItemCreate MessageType = "conversation.item.create"
	TypeResponseCreate         MessageType = "response.create"
	TypeResponseAudioDelta     MessageType = "response.audio.delta"
	TypeResponseAudioDone      MessageType = "response.audio.done"
	TypeAssistantTranscript    MessageType = "response.audio_transcript.delta"
	TypeResponseTextDelta      MessageType = "response.text.delta"
	TypeResponseDone           MessageType = "response.done"
	TypeInputTranscriptDelta   MessageType = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptDone    MessageType = "conversation.item.input_audio_transcription.completed"
	TypeError                  MessageType = "error"
)

// Kind classifies a frame for gating and observation.
type Kind int

const (
	KindOther Kind = iota
	KindAudioAppend
	KindAudioCommit
	KindConfigUpdate
	KindTranscriptDelta
	KindAudioDelta
	KindAudioDone
	KindResponseCreate
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindAudioAppend:
		return "audio_append"
	case KindAudioCommit:
		return "audio_commit"
	case KindConfigUpdate:
		return "config_update"
	case KindTranscriptDelta:
		return "transcript_delta"
	case KindAudioDelta:
		return "audio_delta"
	case KindAudioDone:
		return "audio_done"
	case KindResponseCreate:
		return "response_create"
	case KindError:
		return "error"
	default:
		return "other"
	}
}

// IsAudio reports whether frames of this kind carry or control input audio.
func (k Kind) IsAudio() bool {
	return k == KindAudioAppend || k == KindAudioCommit
}

// Speaker attributes a transcript delta.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// KindOf maps a wire type to its Kind.
func KindOf(t MessageType) Kind {
	switch t {
	case TypeInputAudioAppend:
		return KindAudioAppend
	case TypeInputAudioCommit:
		return KindAudioCommit
	case TypeSessionUpdate:
		return KindConfigUpdate
	case TypeAssistantTranscript, TypeResponseTextDelta, TypeInputTranscriptDelta, TypeInputTranscriptDone:
		return KindTranscriptDelta
	case TypeResponseAudioDelta:
		return KindAudioDelta
	case TypeResponseAudioDone:
		return KindAudioDone
	case TypeResponseCreate:
		return KindResponseCreate
	case TypeError:
		return KindError
	default:
		return KindOther
	}
}

// Event is a decoded frame. Raw always holds the original bytes so unknown
// kinds can be passed through untouched.
type Event struct {
	Kind    Kind
	Type    MessageType
	Text    string
	Speaker Speaker
	Audio   []byte
	Code    string
	Reason  string
	Raw     []byte
}

type wireEvent struct {
	Type       MessageType `json:"type"`
	Delta      string      `json:"delta"`
	Transcript string      `json:"transcript"`
	Error      *wireError  `json:"error"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeEvent decodes a provider frame. It only fails on frames that are not
// JSON objects with a type.
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, bridgeerr.Wrap(bridgeerr.KindProtocolError, "decode", fmt.Errorf("invalid event: %w", err))
	}
	if w.Type == "" {
		return Event{}, bridgeerr.New(bridgeerr.KindProtocolError, "event missing type")
	}

	ev := Event{Kind: KindOf(w.Type), Type: w.Type, Raw: raw}
	switch ev.Kind {
	case KindTranscriptDelta:
		ev.Text = w.Delta
		if ev.Text == "" {
			ev.Text = w.Transcript
		}
		ev.Speaker = SpeakerAssistant
		if w.Type == TypeInputTranscriptDelta || w.Type == TypeInputTranscriptDone {
			ev.Speaker = SpeakerUser
		}
	case KindAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return Event{}, bridgeerr.Wrap(bridgeerr.KindProtocolError, "decode", fmt.Errorf("invalid audio delta: %w", err))
		}
		ev.Audio = pcm
	case KindError:
		if w.Error != nil {
			ev.Code = w.Error.Code
			ev.Reason = w.Error.Message
		}
		if ev.Reason == "" {
			ev.Reason = "provider error"
		}
	}
	return ev, nil
}

// ClientFrame is a decoded client-originated frame.
type ClientFrame struct {
	Type      MessageType
	Kind      Kind
	Character character.Profile
	Audio     []byte
	Raw       []byte
}

type wireClientFrame struct {
	Type      MessageType        `json:"type"`
	Audio     *string            `json:"audio"`
	Character *character.Profile `json:"character"`
}

// DecodeClientFrame validates a client frame. Anything that is not a JSON
// object with a type, or an append whose audio is not valid base64, is a
// protocol error.
func DecodeClientFrame(raw []byte) (ClientFrame, error) {
	var w wireClientFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return ClientFrame{}, bridgeerr.Wrap(bridgeerr.KindProtocolError, "decode", fmt.Errorf("invalid client frame: %w", err))
	}
	if w.Type == "" {
		return ClientFrame{}, bridgeerr.New(bridgeerr.KindProtocolError, "client frame missing type")
	}

	f := ClientFrame{Type: w.Type, Kind: KindOf(w.Type), Raw: raw}
	switch f.Kind {
	case KindAudioAppend:
		if w.Audio == nil {
			return ClientFrame{}, bridgeerr.New(bridgeerr.KindProtocolError, "audio append missing audio")
		}
		pcm, err := base64.StdEncoding.DecodeString(*w.Audio)
		if err != nil {
			return ClientFrame{}, bridgeerr.Wrap(bridgeerr.KindProtocolError, "decode", fmt.Errorf("invalid audio payload: %w", err))
		}
		f.Audio = pcm
	case KindConfigUpdate:
		if w.Character != nil {
			f.Character = *w.Character
		}
	}
	return f, nil
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
}

type sessionBody struct {
	Instructions      string         `json:"instructions"`
	Voice             string         `json:"voice"`
	Modalities        []string       `json:"modalities"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection"`
	Temperature       float64        `json:"temperature"`
	Model             string         `json:"model,omitempty"`
}

// SessionBody renders cfg in the provider's session object shape. model is
// only set for session-creation requests.
func SessionBody(cfg character.SessionConfig, model string) any {
	body := sessionBody{
		Instructions:      cfg.Instructions,
		Voice:             string(cfg.Voice),
		Modalities:        cfg.Modalities,
		InputAudioFormat:  cfg.AudioFormat.Encoding,
		OutputAudioFormat: cfg.AudioFormat.Encoding,
		Temperature:       cfg.Temperature,
		Model:             model,
	}
	if cfg.TurnDetection.Mode != "" && cfg.TurnDetection.Mode != "none" {
		body.TurnDetection = &turnDetection{
			Type:              cfg.TurnDetection.Mode,
			Threshold:         cfg.TurnDetection.Threshold,
			SilenceDurationMS: cfg.TurnDetection.SilenceMS,
			PrefixPaddingMS:   cfg.TurnDetection.PrefixPaddingMS,
		}
	}
	return body
}

// SessionUpdate encodes the first upstream message of a relay session.
func SessionUpdate(cfg character.SessionConfig) ([]byte, error) {
	return json.Marshal(struct {
		Type    MessageType `json:"type"`
		Session any         `json:"session"`
	}{TypeSessionUpdate, SessionBody(cfg, "")})
}

// ClientSessionUpdate encodes the client-side configuration frame carrying a character.
func ClientSessionUpdate(p character.Profile) ([]byte, error) {
	return json.Marshal(struct {
		Type      MessageType       `json:"type"`
		Character character.Profile `json:"character"`
	}{TypeSessionUpdate, p})
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

// TextItem encodes a user text message for the conversation.
func TextItem(text string) ([]byte, error) {
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		Item item        `json:"item"`
	}{TypeConversationItemCreate, item{
		Type:    "message",
		Role:    "user",
		Content: []contentPart{{Type: "input_text", Text: text}},
	}})
}

func ResponseCreate() []byte {
	return []byte(`{"type":"response.create"}`)
}

// AudioAppend encodes a chunk of pcm16 input audio.
func AudioAppend(pcm []byte) []byte {
	b, _ := json.Marshal(struct {
		Type  MessageType `json:"type"`
		Audio string      `json:"audio"`
	}{TypeInputAudioAppend, base64.StdEncoding.EncodeToString(pcm)})
	return b
}

func AudioCommit() []byte {
	return []byte(`{"type":"input_audio_buffer.commit"}`)
}

// ErrorFrame encodes a bridge error event for clients.
func ErrorFrame(kind bridgeerr.Kind, message string) []byte {
	b, _ := json.Marshal(struct {
		Type  MessageType `json:"type"`
		Error wireError   `json:"error"`
	}{TypeError, wireError{Type: "bridge_error", Code: string(kind), Message: message}})
	return b
}

// ErrorFrameFor encodes err as an error event.
func ErrorFrameFor(err error) []byte {
	return ErrorFrame(bridgeerr.KindOf(err), bridgeerr.Message(err))
}

// IsBridgeError reports whether ev was produced by ErrorFrame rather than the provider.
func IsBridgeError(ev Event) bool {
	if ev.Kind != KindError {
		return false
	}
	var w wireEvent
	if err := json.Unmarshal(ev.Raw, &w); err != nil || w.Error == nil {
		return false
	}
	return w.Error.Type == "bridge_error"
}

var ErrNotJSON = errors.New("frame is not a JSON text frame")
