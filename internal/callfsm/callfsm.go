// Package callfsm holds the per-call protocol engines: the outgoing-call
// state machine (Calling, Early, Talking, Cancelling) and the incoming-call
// state machine (Wait, Talking), each running as one goroutine that owns
// one SIP dialog, at most one media session, and one pub/sub publisher.
//
// States are a tagged variant (a state constant plus per-state flags), not
// a type hierarchy: every transition is decided inside the FSM's own
// goroutine by a step function over the dialog's event stream. External
// inputs arrive on a command channel and are answered synchronously over a
// per-command reply channel; pub/sub RPC feedback takes the same path.
package callfsm

import (
	"context"

	"github.com/atm0s-sip/gateway/internal/protocol"
)

// DialogEventKind discriminates events surfaced by the SIP library for one
// dialog.
type DialogEventKind int

const (
	// DialogProvisional is a 1xx response on an outgoing INVITE. Body is
	// the provisional SDP when the peer sent one (reliable provisional).
	DialogProvisional DialogEventKind = iota
	// DialogFailure is a final >=300 response. Challenge carries the raw
	// WWW-Authenticate/Proxy-Authenticate value for 401/407.
	DialogFailure
	// DialogSession is a 2xx response; the dialog has ACKed it and the
	// session is established. Body is the answer SDP.
	DialogSession
	// DialogFinished means the underlying transaction died without a
	// usable response (transport error, timeout).
	DialogFinished
	// DialogCancelled means the peer CANCELled an incoming INVITE.
	DialogCancelled
	// DialogBye means the established session received a BYE.
	DialogBye
	// DialogTerminated means the established session is fully torn down.
	DialogTerminated
)

// DialogEvent is one event from the SIP library for one dialog.
type DialogEvent struct {
	Kind      DialogEventKind
	Code      int
	Body      []byte
	Challenge string
}

// OutgoingDialog is the initiator surface of the SIP library: one outbound
// INVITE transaction plus the session it establishes.
type OutgoingDialog interface {
	// SendInvite sends (or, after ApplyChallenge, re-sends) the INVITE with
	// the given SDP offer, applying digest credentials when primed.
	SendInvite(ctx context.Context, sdp []byte) error

	// SendCancel cancels the pending INVITE.
	SendCancel(ctx context.Context) error

	// Terminate sends BYE on the established session.
	Terminate(ctx context.Context) error

	// ApplyChallenge primes the dialog's auth session from a 401/407
	// challenge so the next SendInvite carries an Authorization header.
	ApplyChallenge(code int, challenge string) error

	// Events delivers the dialog's event stream. Closed when the dialog is
	// finished.
	Events() <-chan DialogEvent
}

// IncomingDialog is the acceptor surface of the SIP library: one inbound
// INVITE awaiting disposition plus the session it may establish.
type IncomingDialog interface {
	From() string
	To() string
	OfferSDP() []byte

	SendTrying(ctx context.Context) error
	SendRinging(ctx context.Context) error

	// Accept responds 200 OK with the answer SDP and establishes the
	// session.
	Accept(ctx context.Context, sdp []byte) error

	// Reject responds 486 Busy Here.
	Reject(ctx context.Context) error

	// Terminate sends BYE on the established session.
	Terminate(ctx context.Context) error

	// Events delivers Cancelled/Bye/Terminated. Closed when the dialog is
	// finished.
	Events() <-chan DialogEvent
}

// MediaOffer is the outbound-call media session surface.
type MediaOffer interface {
	CreateOffer(ctx context.Context) ([]byte, error)
	SetAnswer(ctx context.Context, remoteSDP []byte) error
	Answered() bool
	Close()
}

// MediaAnswer is the inbound-call media session surface.
type MediaAnswer interface {
	CreateAnswer(ctx context.Context, remoteOfferSDP []byte) ([]byte, error)
	Close()
}

// MediaAnswerFactory builds a MediaAnswer for the room/peer an accept
// action names.
type MediaAnswerFactory func(stream protocol.StreamRef) MediaAnswer

// WebRTCTokens mints WebRTC bridge tokens for the Accept2 action. Nil when
// the configured media gateway has no WebRTC surface.
type WebRTCTokens interface {
	WebRTCToken(ctx context.Context, room, peer string, record bool) (string, error)
}

// Command is one external control input: an action request plus a reply
// slot the FSM answers synchronously.
type Command struct {
	Req   protocol.ActionRequest
	Reply chan protocol.ActionResponse
}

// NewCommand pairs an action request with a buffered reply channel.
func NewCommand(req protocol.ActionRequest) Command {
	return Command{Req: req, Reply: make(chan protocol.ActionResponse, 1)}
}

func okResponse(reqID string) protocol.ActionResponse {
	return protocol.ActionResponse{ReqID: reqID, Kind: protocol.ActionRespOK}
}

func errResponse(reqID, msg string) protocol.ActionResponse {
	return protocol.ActionResponse{ReqID: reqID, Kind: protocol.ActionRespError, Error: msg}
}
