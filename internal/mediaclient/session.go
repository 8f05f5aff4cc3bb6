package mediaclient

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
)

const (
	createTimeout = 3 * time.Second
	deleteTimeout = 3 * time.Second
)

// StreamingInfo names the room/peer pair a media session is created for.
type StreamingInfo struct {
	Room string
	Peer string
}

// client is the shared HTTP plumbing for both session variants.
type client struct {
	gatewayURL string
	httpClient *http.Client
	logger     *slog.Logger
}

func newClient(gatewayURL string, httpClient *http.Client, logger *slog.Logger) client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return client{gatewayURL: gatewayURL, httpClient: httpClient, logger: logger}
}

// post issues an application/sdp POST with a bearer token and returns the
// Location header and response body. It enforces the 3-second media-server
// timeout.
func (c client) post(ctx context.Context, path, token string, sdpBody []byte) (location string, body []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+path, bytes.NewReader(sdpBody))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("rtpengine request failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", nil, fmt.Errorf("rtpengine returned %d, expected 201", resp.StatusCode)
	}

	location = resp.Header.Get("Location")
	if location == "" {
		return "", nil, fmt.Errorf("rtpengine response missing Location header")
	}

	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 1024)
	for {
		n, rerr := resp.Body.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return location, buf, nil
}

// patch sends a remote SDP answer to an existing resource.
func (c client) patch(ctx context.Context, location, token string, sdpBody []byte) error {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, bytes.NewReader(sdpBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rtpengine patch failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rtpengine patch returned %d, expected 200", resp.StatusCode)
	}
	return nil
}

// delete issues a best-effort DELETE against a resource location with its
// own short timeout. Errors are logged, never returned: callers invoke
// this from a background goroutine on drop and must not block or fail the
// call's teardown path on a media-server hiccup.
func (c client) delete(location, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, location, nil)
	if err != nil {
		c.logger.Error("failed to build rtpengine delete request", "location", location, "error", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("rtpengine delete failed", "location", location, "error", err)
		return
	}
	drainAndClose(resp.Body)

	if resp.StatusCode >= 300 {
		c.logger.Warn("rtpengine delete returned non-2xx", "location", location, "status", resp.StatusCode)
	}
}

// isValidSDP reports whether body parses as a syntactically valid SDP
// session description. The gateway never touches RTP itself, so this is
// strictly a sanity check before treating a body as a real offer/answer.
func isValidSDP(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var desc sdp.SessionDescription
	return desc.Unmarshal(body) == nil
}

// OfferSession is the outbound-call media session: it creates the SDP
// offer against the media server and later patches in the remote answer.
type OfferSession struct {
	client client
	tokens *TokenClient
	stream StreamingInfo

	mu       sync.Mutex
	token    string
	location string
	offerSDP []byte
	answered bool
	deleted  bool
}

// NewOfferSession creates an OfferSession for an outbound call. No HTTP
// call is made until CreateOffer.
func NewOfferSession(gatewayURL, appSecret string, stream StreamingInfo, httpClient *http.Client, logger *slog.Logger) *OfferSession {
	tc := NewTokenClient(gatewayURL, appSecret, httpClient)
	return &OfferSession{
		client: newClient(gatewayURL, httpClient, logger.With("subsystem", "media-offer", "room", stream.Room)),
		tokens: tc,
		stream: stream,
	}
}

// CreateOffer mints a token and POSTs to the rtpengine offer endpoint,
// expecting 201 Created with a Location header and an SDP body. It stores
// (location, sdp) for the subsequent SetAnswer/Delete calls.
func (s *OfferSession) CreateOffer(ctx context.Context) ([]byte, error) {
	token, err := s.tokens.RtpEngineToken(ctx, s.stream.Room, s.stream.Peer)
	if err != nil {
		return nil, fmt.Errorf("minting rtpengine token: %w", err)
	}

	location, body, err := s.client.post(ctx, "/rtpengine/offer", token, nil)
	if err != nil {
		return nil, fmt.Errorf("creating rtpengine offer: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.location = location
	s.offerSDP = body
	s.mu.Unlock()

	return body, nil
}

// SetAnswer PATCHes the remote SDP answer to the offer's resource. The
// answered flag guards against applying a second answer to the same
// session (double-answer protection).
func (s *OfferSession) SetAnswer(ctx context.Context, remoteSDP []byte) error {
	s.mu.Lock()
	if s.answered {
		s.mu.Unlock()
		return nil
	}
	location, token := s.location, s.token
	s.mu.Unlock()

	if location == "" {
		return fmt.Errorf("set answer called before create offer")
	}
	if !isValidSDP(remoteSDP) {
		return fmt.Errorf("remote answer is not valid sdp")
	}

	if err := s.client.patch(ctx, location, token, remoteSDP); err != nil {
		return err
	}

	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
	return nil
}

// Answered reports whether SetAnswer has already succeeded.
func (s *OfferSession) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

// Close spawns a background DELETE against the created resource, if any.
// A MediaSession that never successfully created a resource (location =="")
// has nothing to delete and returns immediately. Safe to call multiple
// times; the delete fires at most once.
func (s *OfferSession) Close() {
	s.mu.Lock()
	if s.deleted || s.location == "" {
		s.mu.Unlock()
		return
	}
	s.deleted = true
	location, token := s.location, s.token
	s.mu.Unlock()

	go s.client.delete(location, token)
}

// AnswerSession is the inbound-call media session: it answers a remote
// offer directly.
type AnswerSession struct {
	client client
	tokens *TokenClient
	stream StreamingInfo

	mu       sync.Mutex
	token    string
	location string
	deleted  bool
}

// NewAnswerSession creates an AnswerSession for an inbound call.
func NewAnswerSession(gatewayURL, appSecret string, stream StreamingInfo, httpClient *http.Client, logger *slog.Logger) *AnswerSession {
	tc := NewTokenClient(gatewayURL, appSecret, httpClient)
	return &AnswerSession{
		client: newClient(gatewayURL, httpClient, logger.With("subsystem", "media-answer", "room", stream.Room)),
		tokens: tc,
		stream: stream,
	}
}

// CreateAnswer POSTs the remote offer to the rtpengine answer endpoint and
// returns the local SDP answer.
func (s *AnswerSession) CreateAnswer(ctx context.Context, remoteOfferSDP []byte) ([]byte, error) {
	if !isValidSDP(remoteOfferSDP) {
		return nil, fmt.Errorf("remote offer is not valid sdp")
	}

	token, err := s.tokens.RtpEngineToken(ctx, s.stream.Room, s.stream.Peer)
	if err != nil {
		return nil, fmt.Errorf("minting rtpengine token: %w", err)
	}

	location, body, err := s.client.post(ctx, "/rtpengine/answer", token, remoteOfferSDP)
	if err != nil {
		return nil, fmt.Errorf("creating rtpengine answer: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.location = location
	s.mu.Unlock()

	return body, nil
}

// Close spawns a background DELETE against the created resource, if any.
func (s *AnswerSession) Close() {
	s.mu.Lock()
	if s.deleted || s.location == "" {
		s.mu.Unlock()
		return
	}
	s.deleted = true
	location, token := s.location, s.token
	s.mu.Unlock()

	go s.client.delete(location, token)
}
