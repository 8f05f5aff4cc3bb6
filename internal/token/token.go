// Package token mints and verifies the signed, time-bounded capabilities
// that authorize per-call and per-app operations: CallToken and
// NotifyToken. Both are HS256 JWTs signed with the gateway-wide secret.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Direction is the call direction a CallToken authorizes.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

const (
	callIssuer   = "call"
	notifyIssuer = "noti"
)

// ErrInvalid is returned for any verification failure: bad signature,
// expired token, issuer mismatch, or call-id/app-id mismatch. Callers
// outside this package should not distinguish further — the REST layer
// maps it uniformly to WrongToken.
var ErrInvalid = errors.New("invalid token")

// Signer signs and verifies CallToken/NotifyToken with the gateway-wide
// symmetric secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer from the gateway secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

type callClaims struct {
	CallID    string `json:"call_id"`
	Direction string `json:"direction"`
	jwt.RegisteredClaims
}

// SignCallToken mints a CallToken for callID valid for ttl.
func (s *Signer) SignCallToken(direction Direction, callID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := callClaims{
		CallID:    callID,
		Direction: string(direction),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    callIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyCallToken verifies a CallToken and checks that its embedded call-id
// matches wantCallID. Returns ErrInvalid on any failure — bad signature,
// expiry, wrong issuer, or call-id mismatch.
func (s *Signer) VerifyCallToken(tokenString, wantCallID string) (Direction, error) {
	claims := &callClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil || !parsed.Valid {
		return "", ErrInvalid
	}
	if claims.Issuer != callIssuer {
		return "", ErrInvalid
	}
	if claims.CallID != wantCallID {
		return "", ErrInvalid
	}
	switch Direction(claims.Direction) {
	case Incoming, Outgoing:
		return Direction(claims.Direction), nil
	default:
		return "", ErrInvalid
	}
}

type notifyClaims struct {
	AppID    string `json:"app_id"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// SignNotifyToken mints a NotifyToken binding appID and clientID, valid
// for ttl.
func (s *Signer) SignNotifyToken(appID, clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := notifyClaims{
		AppID:    appID,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    notifyIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// NotifyClaims is the verified result of a NotifyToken.
type NotifyClaims struct {
	AppID    string
	ClientID string
}

// VerifyNotifyToken verifies a NotifyToken.
func (s *Signer) VerifyNotifyToken(tokenString string) (NotifyClaims, error) {
	claims := &notifyClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil || !parsed.Valid {
		return NotifyClaims{}, ErrInvalid
	}
	if claims.Issuer != notifyIssuer {
		return NotifyClaims{}, ErrInvalid
	}
	return NotifyClaims{AppID: claims.AppID, ClientID: claims.ClientID}, nil
}

func (s *Signer) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrSignatureInvalid
	}
	return s.secret, nil
}
