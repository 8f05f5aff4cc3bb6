package sipgateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/atm0s-sip/gateway/internal/callfsm"
)

// OutboundCall is one outbound INVITE dialog. It implements the
// outgoing-call FSM's dialog surface: SendInvite (re-entered once after a
// digest challenge), SendCancel, and Terminate for the established
// session. Responses are pumped from the client transaction into the
// FSM's event channel.
type OutboundCall struct {
	gw *Gateway

	fromURI sip.Uri
	toURI   sip.Uri
	callID  string
	fromTag string
	auth    *AuthSession

	events chan callfsm.DialogEvent

	mu        sync.Mutex
	cseq      uint32
	inviteReq *sip.Request
	inviteTx  sip.ClientTransaction
	okReq     *sip.Request
	okRes     *sip.Response

	finishOnce sync.Once
}

// MakeCall prepares an outbound dialog for from => to (full sip: URIs).
// No SIP traffic happens until the FSM's first SendInvite.
func (g *Gateway) MakeCall(from, to string, creds *AuthCredentials) (*OutboundCall, error) {
	var fromURI, toURI sip.Uri
	if err := sip.ParseUri(from, &fromURI); err != nil {
		return nil, fmt.Errorf("parsing from uri %q: %w", from, err)
	}
	if err := sip.ParseUri(to, &toURI); err != nil {
		return nil, fmt.Errorf("parsing to uri %q: %w", to, err)
	}

	c := &OutboundCall{
		gw:      g,
		fromURI: fromURI,
		toURI:   toURI,
		callID:  uuid.NewString(),
		fromTag: sip.GenerateTagN(16),
		events:  make(chan callfsm.DialogEvent, 16),
	}
	if creds != nil {
		c.auth = NewAuthSession(*creds)
	}
	return c, nil
}

// HasAuth reports whether digest credentials are attached.
func (c *OutboundCall) HasAuth() bool { return c.auth != nil }

// SIPCallID returns the dialog's SIP Call-ID (not the InternalCallId).
func (c *OutboundCall) SIPCallID() string { return c.callID }

// Events implements callfsm.OutgoingDialog.
func (c *OutboundCall) Events() <-chan callfsm.DialogEvent { return c.events }

// ApplyChallenge primes the auth session from a 401/407 challenge.
func (c *OutboundCall) ApplyChallenge(code int, challenge string) error {
	if c.auth == nil {
		return fmt.Errorf("no credentials for auth challenge %d", code)
	}
	return c.auth.HandleChallenge(code, challenge)
}

// SendInvite builds and sends the INVITE carrying the SDP offer. After
// ApplyChallenge it re-sends with an incremented CSeq and the digest
// Authorization header, the same retry shape the transaction layer
// expects from a challenged UAC.
func (c *OutboundCall) SendInvite(ctx context.Context, sdp []byte) error {
	c.mu.Lock()
	c.cseq++
	cseq := c.cseq
	c.mu.Unlock()

	req := sip.NewRequest(sip.INVITE, *c.toURI.Clone())
	req.SetTransport("UDP")

	from := &sip.FromHeader{Address: *c.fromURI.Clone()}
	from.Params.Add("tag", c.fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *c.toURI.Clone()})
	req.AppendHeader(sip.NewHeader("Call-ID", c.callID))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("Contact", c.gw.contact))

	if len(sdp) > 0 {
		req.SetBody(sdp)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	if c.auth != nil {
		if err := c.auth.Authorize(req, sip.INVITE.String(), c.toURI.String()); err != nil {
			return err
		}
	}

	tx, err := c.gw.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending invite: %w", err)
	}

	c.mu.Lock()
	c.inviteReq = req
	c.inviteTx = tx
	c.mu.Unlock()

	go c.pump(req, tx)
	return nil
}

// pump translates one INVITE transaction's responses into dialog events.
// It exits on the first final response; a challenged INVITE is retried as
// a fresh transaction with its own pump.
func (c *OutboundCall) pump(req *sip.Request, tx sip.ClientTransaction) {
	for {
		var res *sip.Response
		select {
		case <-tx.Done():
			tx.Terminate()
			c.mu.Lock()
			current := c.inviteTx == tx
			c.mu.Unlock()
			if current {
				if err := tx.Err(); err != nil {
					c.gw.logger.Error("invite transaction error", "call_id", c.callID, "error", err)
				}
				c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogFinished})
			}
			return
		case res = <-tx.Responses():
		}

		code := int(res.StatusCode)
		c.gw.logger.Debug("outbound invite response", "call_id", c.callID, "status", code, "reason", res.Reason)

		switch {
		case code == 100:
			// 100 Trying from the transaction layer — absorb, the FSM's
			// Provisional events start at the first meaningful 1xx.
			continue

		case code < 200:
			c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogProvisional, Code: code, Body: res.Body()})

		case code < 300:
			ack := buildACKFor2xx(req, res)
			if err := c.gw.client.WriteRequest(ack); err != nil {
				c.gw.logger.Error("failed to send ack", "call_id", c.callID, "error", err)
			}

			c.mu.Lock()
			c.okReq = req
			c.okRes = res
			c.mu.Unlock()
			c.gw.registerSession(c.callID, c)

			c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogSession, Code: code, Body: res.Body()})
			return

		default:
			challenge := ""
			if code == 401 {
				if h := res.GetHeader("WWW-Authenticate"); h != nil {
					challenge = h.Value()
				}
			} else if code == 407 {
				if h := res.GetHeader("Proxy-Authenticate"); h != nil {
					challenge = h.Value()
				}
			}
			tx.Terminate()
			c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogFailure, Code: code, Challenge: challenge})
			return
		}
	}
}

// SendCancel cancels the pending INVITE. The CANCEL copies the INVITE's
// Via/From/To/Call-ID and reuses its CSeq number with the CANCEL method,
// so the peer matches it to the right transaction; the 487 then arrives
// on the INVITE transaction's pump.
func (c *OutboundCall) SendCancel(ctx context.Context) error {
	c.mu.Lock()
	req := c.inviteReq
	c.mu.Unlock()
	if req == nil {
		return fmt.Errorf("cancel before invite")
	}

	cancel := sip.NewRequest(sip.CANCEL, *req.Recipient.Clone())
	cancel.SipVersion = req.SipVersion

	if len(req.GetHeaders("Via")) > 0 {
		sip.CopyHeaders("Via", req, cancel)
	}
	if h := req.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CSeq(); h != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(req.Transport())

	if c.auth != nil {
		if err := c.auth.Authorize(cancel, sip.CANCEL.String(), c.toURI.String()); err != nil {
			return err
		}
	}

	return c.gw.client.WriteRequest(cancel)
}

// Terminate sends BYE on the established session. The Request-URI is the
// peer's Contact from its 200 OK.
func (c *OutboundCall) Terminate(ctx context.Context) error {
	c.mu.Lock()
	req, res := c.okReq, c.okRes
	c.cseq++
	cseq := c.cseq
	c.mu.Unlock()

	if req == nil || res == nil {
		return fmt.Errorf("terminate before session established")
	}

	recipient := &req.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = req.SipVersion

	if len(req.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", req, bye)
	}
	if h := req.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(req.Transport())

	if c.auth != nil {
		if err := c.auth.Authorize(bye, sip.BYE.String(), c.toURI.String()); err != nil {
			return err
		}
	}

	err := c.gw.client.WriteRequest(bye)
	c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogTerminated})
	c.finish()
	return err
}

// handleBye implements session: the peer hung up.
func (c *OutboundCall) handleBye() {
	c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogBye})
	c.deliver(callfsm.DialogEvent{Kind: callfsm.DialogTerminated})
	c.finish()
}

func (c *OutboundCall) deliver(ev callfsm.DialogEvent) {
	select {
	case c.events <- ev:
	default:
		c.gw.logger.Warn("outbound dialog event buffer full, dropping", "call_id", c.callID, "kind", ev.Kind)
	}
}

func (c *OutboundCall) finish() {
	c.finishOnce.Do(func() {
		c.gw.unregister(c.callID)
	})
}

// buildACKFor2xx constructs the ACK confirming a 2xx response on an
// outbound INVITE: Request-URI from the peer's Contact, dialog headers
// from the INVITE/200 exchange, CSeq number unchanged with method ACK.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
