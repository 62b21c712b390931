package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/policy"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

const maxProviderBody = 1 << 16

// OpenAIClient mints ephemeral credentials through the provider's realtime
// session-creation endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAIClient(baseURL, apiKey, model string, httpClient *http.Client) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, bridgeerr.New(bridgeerr.KindMisconfigured, "provider api key is not configured")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
	}, nil
}

type sessionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

type providerError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *OpenAIClient) Mint(ctx context.Context, cfg character.SessionConfig) (Credential, error) {
	body, err := json.Marshal(protocol.SessionBody(cfg, c.model))
	if err != nil {
		return Credential{}, bridgeerr.Wrap(bridgeerr.KindInternal, "session_create", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return Credential{}, bridgeerr.Wrap(bridgeerr.KindMisconfigured, "session_create", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, bridgeerr.Wrap(reliability.TransportErrorKind(err), "session_create", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return Credential{}, bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "session_create", err)
	}

	if resp.StatusCode/100 != 2 {
		kind := reliability.ProviderStatusKind(resp.StatusCode)
		var pe providerError
		_ = json.Unmarshal(raw, &pe)
		msg := fmt.Sprintf("provider returned %d", resp.StatusCode)
		if pe.Error.Message != "" {
			msg += ": " + policy.RedactSecret(pe.Error.Message)
		}
		return Credential{}, &bridgeerr.Error{Kind: kind, Stage: "session_create", Msg: msg}
	}

	var sr sessionResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return Credential{}, bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "session_create", fmt.Errorf("decode session: %w", err))
	}
	if sr.ClientSecret.Value == "" {
		return Credential{}, &bridgeerr.Error{Kind: bridgeerr.KindUpstreamUnavailable, Stage: "session_create", Msg: "provider returned no client secret"}
	}

	model := sr.Model
	if model == "" {
		model = c.model
	}
	voice := character.Voice(sr.Voice)
	if voice == "" {
		voice = cfg.Voice
	}
	return Credential{
		Value:     sr.ClientSecret.Value,
		ExpiresAt: time.Unix(sr.ClientSecret.ExpiresAt, 0).UTC(),
		Model:     model,
		Voice:     voice,
	}, nil
}
