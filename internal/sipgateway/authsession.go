package sipgateway

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// AuthCredentials are digest credentials for one outbound call.
type AuthCredentials struct {
	Username string
	Password string
}

// AuthSession computes digest Authorization headers for one outbound
// dialog. It is primed by a 401/407 challenge and then signs every
// subsequent request on the dialog (re-INVITE, CANCEL) until re-challenged.
type AuthSession struct {
	creds AuthCredentials

	mu         sync.Mutex
	challenge  *digest.Challenge
	headerName string
}

// NewAuthSession creates an unprimed session.
func NewAuthSession(creds AuthCredentials) *AuthSession {
	return &AuthSession{creds: creds}
}

// HandleChallenge parses a WWW-Authenticate (401) or Proxy-Authenticate
// (407) value and primes the session.
func (a *AuthSession) HandleChallenge(code int, value string) error {
	if value == "" {
		return fmt.Errorf("challenge %d carried no authenticate header", code)
	}
	chal, err := digest.ParseChallenge(value)
	if err != nil {
		return fmt.Errorf("parsing auth challenge: %w", err)
	}

	headerName := "Authorization"
	if code == 407 {
		headerName = "Proxy-Authorization"
	}

	a.mu.Lock()
	a.challenge = chal
	a.headerName = headerName
	a.mu.Unlock()
	return nil
}

// Primed reports whether a challenge has been absorbed.
func (a *AuthSession) Primed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.challenge != nil
}

// Authorize appends the digest header for (method, uri) to req. A session
// that has not been challenged yet authorizes nothing.
func (a *AuthSession) Authorize(req *sip.Request, method, uri string) error {
	a.mu.Lock()
	chal, headerName := a.challenge, a.headerName
	a.mu.Unlock()

	if chal == nil {
		return nil
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: a.creds.Username,
		Password: a.creds.Password,
	})
	if err != nil {
		return fmt.Errorf("computing digest: %w", err)
	}

	req.AppendHeader(sip.NewHeader(headerName, cred.String()))
	return nil
}
