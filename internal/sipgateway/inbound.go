package sipgateway

import (
	"context"
	"net"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/atm0s-sip/gateway/internal/callfsm"
)

// InboundCall is one inbound INVITE awaiting disposition. It implements
// the incoming-call FSM's dialog surface; the manager additionally uses
// RejectNotAcceptable to refuse calls that fail the directory admission
// check without ever building an FSM.
type InboundCall struct {
	gw  *Gateway
	req *sip.Request
	tx  sip.ServerTransaction

	from     string
	to       string
	remoteIP net.IP
	offer    []byte

	events chan callfsm.DialogEvent

	mu       sync.Mutex
	accepted bool

	finishOnce sync.Once
}

func newInboundCall(gw *Gateway, req *sip.Request, tx sip.ServerTransaction, from, to string, remoteIP net.IP) *InboundCall {
	return &InboundCall{
		gw:       gw,
		req:      req,
		tx:       tx,
		from:     from,
		to:       to,
		remoteIP: remoteIP,
		offer:    req.Body(),
		events:   make(chan callfsm.DialogEvent, 16),
	}
}

// From returns the caller's SIP user part.
func (c *InboundCall) From() string { return c.from }

// To returns the called number's SIP user part.
func (c *InboundCall) To() string { return c.to }

// RemoteIP is the transport-level source address, used for the directory
// subnet admission check.
func (c *InboundCall) RemoteIP() net.IP { return c.remoteIP }

// OfferSDP is the caller's SDP offer.
func (c *InboundCall) OfferSDP() []byte { return c.offer }

// SIPCallID returns the SIP Call-ID header value (not the InternalCallId).
func (c *InboundCall) SIPCallID() string { return callIDOf(c.req) }

// Events implements callfsm.IncomingDialog.
func (c *InboundCall) Events() <-chan callfsm.DialogEvent { return c.events }

// SendTrying responds 100 Trying.
func (c *InboundCall) SendTrying(ctx context.Context) error {
	res := sip.NewResponseFromRequest(c.req, 100, "Trying", nil)
	return c.tx.Respond(res)
}

// SendRinging responds 180 Ringing.
func (c *InboundCall) SendRinging(ctx context.Context) error {
	res := sip.NewResponseFromRequest(c.req, 180, "Ringing", nil)
	res.AppendHeader(sip.NewHeader("Contact", c.gw.contact))
	ensureToTag(res)
	return c.tx.Respond(res)
}

// Accept responds 200 OK with the answer SDP and registers the
// established session for BYE routing.
func (c *InboundCall) Accept(ctx context.Context, sdp []byte) error {
	res := sip.NewResponseFromRequest(c.req, 200, "OK", sdp)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact", c.gw.contact))
	ensureToTag(res)

	if err := c.tx.Respond(res); err != nil {
		return err
	}

	c.mu.Lock()
	c.accepted = true
	c.mu.Unlock()

	callID := callIDOf(c.req)
	c.gw.mu.Lock()
	delete(c.gw.inbound, callID)
	c.gw.sessions[callID] = c
	c.gw.mu.Unlock()
	return nil
}

// Reject responds 486 Busy Here.
func (c *InboundCall) Reject(ctx context.Context) error {
	err := c.respondFailure(486, "Busy Here")
	c.finish()
	return err
}

// RejectNotAcceptable responds 488, the admission-failure response.
func (c *InboundCall) RejectNotAcceptable(ctx context.Context) error {
	err := c.respondFailure(488, "Not Acceptable Here")
	c.finish()
	return err
}

func (c *InboundCall) respondFailure(code int, reason string) error {
	res := sip.NewResponseFromRequest(c.req, code, reason, nil)
	ensureToTag(res)
	return c.tx.Respond(res)
}

// Terminate sends BYE to the caller on the established session. The
// roles are reversed relative to the INVITE: our To becomes From and the
// caller's From becomes To.
func (c *InboundCall) Terminate(ctx context.Context) error {
	recipient := &c.req.Recipient
	if contact := c.req.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = c.req.SipVersion

	if h := c.req.To(); h != nil {
		fromHeader := h.AsFrom()
		bye.AppendHeader(&fromHeader)
	}
	if h := c.req.From(); h != nil {
		toHeader := h.AsTo()
		bye.AppendHeader(&toHeader)
	}
	if h := c.req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
	bye.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(c.req.Transport())
	bye.SetSource(c.req.Source())

	err := c.gw.client.WriteRequest(bye)
	c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogTerminated})
	c.finish()
	return err
}

// peerCancelled is invoked by the gateway's CANCEL handler: it answers
// the INVITE with 487 and surfaces the cancellation to the FSM.
func (c *InboundCall) peerCancelled() {
	c.mu.Lock()
	accepted := c.accepted
	c.mu.Unlock()

	if !accepted {
		res := sip.NewResponseFromRequest(c.req, 487, "Request Terminated", nil)
		ensureToTag(res)
		if err := c.tx.Respond(res); err != nil {
			c.gw.logger.Error("failed to send 487 on cancel", "call_id", callIDOf(c.req), "error", err)
		}
	}

	c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogCancelled})
	c.finish()
}

// handleBye implements session: the peer hung up an established call.
func (c *InboundCall) handleBye() {
	c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogBye})
	c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogTerminated})
	c.finish()
}

func (c *InboundCall) deliver(ev callfsm.DialogEvent) {
	select {
	case c.events <- ev:
	default:
		c.gw.logger.Warn("inbound dialog event buffer full, dropping", "call_id", callIDOf(c.req), "kind", ev.Kind)
	}
}

// finish unregisters the call. The event channel stays open so queued
// terminal events drain; the FSM exits on those, not on channel close.
func (c *InboundCall) finish() {
	c.finishOnce.Do(func() {
		c.gw.unregister(callIDOf(c.req))
	})
}

// ensureToTag adds a local tag to the To header when the response does
// not carry one yet; final responses establish (or refuse) a dialog and
// need the UAS half of the dialog id.
func ensureToTag(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", sip.GenerateTagN(16))
	}
}
