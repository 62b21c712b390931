package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/voicebridge/internal/bridgeerr"
	"github.com/ent0n29/voicebridge/internal/character"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

// CredentialsPath is the bridge route that issues credentials.
const CredentialsPath = "/v1/realtime/credentials"

// IssueRequest is the body of POST /v1/realtime/credentials.
type IssueRequest struct {
	Character character.Profile `json:"character"`
}

// Client obtains credentials from a remote bridge over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) Issue(ctx context.Context, callerCredential string, profile character.Profile) (Credential, error) {
	body, err := json.Marshal(IssueRequest{Character: profile})
	if err != nil {
		return Credential{}, bridgeerr.Wrap(bridgeerr.KindInternal, "credential", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CredentialsPath, bytes.NewReader(body))
	if err != nil {
		return Credential{}, bridgeerr.Wrap(bridgeerr.KindMisconfigured, "credential", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if callerCredential != "" {
		req.Header.Set("Authorization", "Bearer "+callerCredential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, bridgeerr.Wrap(reliability.TransportErrorKind(err), "credential", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return Credential{}, bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "credential", err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb bridgeerr.Body
		_ = json.Unmarshal(raw, &eb)
		kind := bridgeerr.Kind(eb.Code)
		if kind == "" {
			kind = reliability.KindForStatus(resp.StatusCode)
		}
		msg := eb.Error
		if msg == "" {
			msg = fmt.Sprintf("bridge returned %d", resp.StatusCode)
		}
		return Credential{}, &bridgeerr.Error{Kind: kind, Stage: "credential", Msg: msg, Violations: eb.Violations}
	}

	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return Credential{}, bridgeerr.Wrap(bridgeerr.KindUpstreamUnavailable, "credential", fmt.Errorf("decode credential: %w", err))
	}
	if cred.Value == "" {
		return Credential{}, &bridgeerr.Error{Kind: bridgeerr.KindUpstreamUnavailable, Stage: "credential", Msg: "bridge returned an empty credential"}
	}
	return cred, nil
}
