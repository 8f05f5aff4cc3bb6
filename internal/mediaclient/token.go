// Package mediaclient is the per-call RTP-engine control-plane client:
// the offer/answer lifecycle against the external media server. Each
// session follows create, use, delete-on-drop; the media plane itself is
// delegated to the rtpengine process, so everything here is HTTP.
package mediaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const tokenTTL = 3600 * time.Second

// tokenRequest is the body of POST /token/rtpengine and /token/webrtc.
type tokenRequest struct {
	Room   string `json:"room"`
	Peer   string `json:"peer"`
	TTL    int64  `json:"ttl"`
	Record bool   `json:"record"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// TokenClient mints short-lived bearer tokens scoped to one media-server
// resource from a (gateway_url, app_secret) pair.
type TokenClient struct {
	gatewayURL string
	appSecret  string
	httpClient *http.Client
}

// NewTokenClient creates a TokenClient bound to one app's secret.
func NewTokenClient(gatewayURL, appSecret string, httpClient *http.Client) *TokenClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenClient{gatewayURL: gatewayURL, appSecret: appSecret, httpClient: httpClient}
}

// RtpEngineToken fetches a token authorizing rtpengine offer/answer/delete
// calls for room/peer, valid for the standard 3600s TTL.
func (c *TokenClient) RtpEngineToken(ctx context.Context, room, peer string) (string, error) {
	return c.fetchToken(ctx, "/token/rtpengine", room, peer, false)
}

// WebRTCToken fetches a token authorizing a WebRTC bridge session for
// room/peer. A media gateway without a WebRTC token endpoint yields the
// same non-200 status error as any other failed token request.
func (c *TokenClient) WebRTCToken(ctx context.Context, room, peer string, record bool) (string, error) {
	return c.fetchToken(ctx, "/token/webrtc", room, peer, record)
}

func (c *TokenClient) fetchToken(ctx context.Context, path, room, peer string, record bool) (string, error) {
	body, err := json.Marshal(tokenRequest{Room: room, Peer: peer, TTL: int64(tokenTTL.Seconds()), Record: record})
	if err != nil {
		return "", fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.appSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting media token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	return tr.Token, nil
}

// drainAndClose reads body to completion (so the connection can be reused)
// and closes it.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
