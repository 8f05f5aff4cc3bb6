package callfsm

import (
	"context"
	"log/slog"

	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/protocol/pb"
	"github.com/atm0s-sip/gateway/internal/pubsub"
)

// outState is the outgoing FSM's current state. Per-state flags
// (authFailed) live beside it; together they form the tagged variant.
type outState int

const (
	stateCalling outState = iota
	stateEarly
	stateTalking
	stateCancelling
)

func (s outState) String() string {
	switch s {
	case stateCalling:
		return "calling"
	case stateEarly:
		return "early"
	case stateTalking:
		return "talking"
	case stateCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// Outgoing is one outbound call's state machine. It exclusively owns its
// SIP dialog, its media offer session, and its pub/sub publisher; all
// mutation happens on the goroutine running Run.
type Outgoing struct {
	id      callid.ID
	dialog  OutgoingDialog
	media   MediaOffer
	emitter *Emitter
	pub     pubsub.Publisher
	destroy chan<- callid.ID
	hasAuth bool
	logger  *slog.Logger

	cmds chan Command

	state      outState
	authFailed bool
	offerSDP   []byte

	subscribers map[string]struct{}
	everJoined  bool
}

// NewOutgoing builds an outgoing-call FSM. hasAuth reports whether digest
// credentials are primed on the dialog; without them a 401/407 is terminal.
func NewOutgoing(
	id callid.ID,
	dialog OutgoingDialog,
	media MediaOffer,
	emitter *Emitter,
	pub pubsub.Publisher,
	destroy chan<- callid.ID,
	hasAuth bool,
	logger *slog.Logger,
) *Outgoing {
	return &Outgoing{
		id:          id,
		dialog:      dialog,
		media:       media,
		emitter:     emitter,
		pub:         pub,
		destroy:     destroy,
		hasAuth:     hasAuth,
		logger:      logger.With("subsystem", "outgoing-call", "call_id", id),
		cmds:        make(chan Command, 16),
		state:       stateCalling,
		subscribers: make(map[string]struct{}),
	}
}

// ID returns the InternalCallId.
func (c *Outgoing) ID() callid.ID { return c.id }

// Commands is the FSM's control input. The manager sends typed commands
// here; the FSM answers on each command's Reply channel.
func (c *Outgoing) Commands() chan<- Command { return c.cmds }

// Run drives the call to completion. It always emits exactly one destroy
// notice on exit, closes the media session (triggering its background
// DELETE when a resource exists), and closes the publisher.
func (c *Outgoing) Run(ctx context.Context) {
	defer func() {
		c.emitter.EmitOutgoing(protocol.OutgoingEnded, 0, "")
		c.media.Close()
		c.pub.Close()
		c.destroy <- c.id
	}()

	if err := c.start(ctx); err != nil {
		c.logger.Error("call start failed", "error", err)
		c.emitter.EmitOutgoing(protocol.OutgoingError, 0, err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			resp := c.applyAction(ctx, cmd.Req)
			select {
			case cmd.Reply <- resp:
			default:
			}
		case ev, ok := <-c.pub.Events():
			if !ok {
				// The overlay replaced or closed our publisher; the call
				// can no longer be controlled, so stop it.
				return
			}
			c.handlePubEvent(ctx, ev)
		case dev, ok := <-c.dialog.Events():
			if !ok {
				return
			}
			exit, err := c.step(ctx, dev)
			if err != nil {
				c.logger.Error("call error", "state", c.state, "error", err)
				c.emitter.EmitOutgoing(protocol.OutgoingError, 0, err.Error())
				return
			}
			if exit {
				return
			}
		}
	}
}

// start creates the SDP offer once and sends the INVITE. Re-entered after
// a digest challenge has been applied.
func (c *Outgoing) start(ctx context.Context) error {
	if c.offerSDP == nil {
		sdp, err := c.media.CreateOffer(ctx)
		if err != nil {
			return err
		}
		c.offerSDP = sdp
	}
	return c.dialog.SendInvite(ctx, c.offerSDP)
}

// step advances the tagged state machine on one dialog event. It returns
// exit=true when the FSM must terminate.
func (c *Outgoing) step(ctx context.Context, ev DialogEvent) (exit bool, err error) {
	switch c.state {
	case stateCalling:
		return c.stepCalling(ctx, ev)
	case stateEarly:
		return c.stepEarly(ctx, ev)
	case stateCancelling:
		return c.stepCancelling(ev), nil
	case stateTalking:
		return c.stepTalking(ev), nil
	}
	return false, nil
}

func (c *Outgoing) stepCalling(ctx context.Context, ev DialogEvent) (bool, error) {
	switch ev.Kind {
	case DialogProvisional:
		if len(ev.Body) > 0 {
			c.logger.Info("early dialog", "code", ev.Code)
			c.state = stateEarly
			c.emitter.EmitOutgoing(protocol.OutgoingEarly, ev.Code, "")
			return false, nil
		}
		c.emitter.EmitOutgoing(protocol.OutgoingProvisional, ev.Code, "")
		return false, nil

	case DialogFailure:
		if (ev.Code == 401 || ev.Code == 407) && c.hasAuth && !c.authFailed {
			c.authFailed = true
			if err := c.dialog.ApplyChallenge(ev.Code, ev.Challenge); err != nil {
				return false, err
			}
			c.logger.Info("auth challenge, retrying invite", "code", ev.Code)
			if err := c.start(ctx); err != nil {
				return false, err
			}
			return false, nil
		}
		c.logger.Info("call failed", "code", ev.Code)
		c.emitter.EmitOutgoing(protocol.OutgoingFailure, ev.Code, "")
		return true, nil

	case DialogSession:
		if !c.media.Answered() && len(ev.Body) > 0 {
			if err := c.media.SetAnswer(ctx, ev.Body); err != nil {
				return false, err
			}
		}
		c.logger.Info("call accepted", "code", ev.Code)
		c.state = stateTalking
		c.emitter.EmitOutgoing(protocol.OutgoingAccepted, ev.Code, "")
		return false, nil

	case DialogFinished, DialogTerminated:
		return true, nil
	}
	return false, nil
}

func (c *Outgoing) stepEarly(ctx context.Context, ev DialogEvent) (bool, error) {
	switch ev.Kind {
	case DialogProvisional:
		// Provisional-with-SDP inside the early dialog: apply the answer
		// opportunistically so early media flows before the 200.
		if !c.media.Answered() && len(ev.Body) > 0 {
			if err := c.media.SetAnswer(ctx, ev.Body); err != nil {
				return false, err
			}
		}
		return false, nil

	case DialogSession:
		if !c.media.Answered() && len(ev.Body) > 0 {
			if err := c.media.SetAnswer(ctx, ev.Body); err != nil {
				return false, err
			}
		}
		c.logger.Info("call accepted", "code", ev.Code)
		c.state = stateTalking
		c.emitter.EmitOutgoing(protocol.OutgoingAccepted, ev.Code, "")
		return false, nil

	case DialogFailure:
		c.logger.Info("call failed in early dialog", "code", ev.Code)
		c.emitter.EmitOutgoing(protocol.OutgoingFailure, ev.Code, "")
		return true, nil

	case DialogFinished, DialogTerminated:
		return true, nil
	}
	return false, nil
}

// stepCancelling drains the transaction after CANCEL: the 487 (or any
// other terminal event) finishes the call without further events.
func (c *Outgoing) stepCancelling(ev DialogEvent) bool {
	switch ev.Kind {
	case DialogFailure, DialogFinished, DialogTerminated:
		return true
	}
	return false
}

func (c *Outgoing) stepTalking(ev DialogEvent) bool {
	switch ev.Kind {
	case DialogBye:
		c.logger.Info("peer sent bye")
		c.emitter.EmitOutgoing(protocol.OutgoingBye, 0, "")
		return false
	case DialogTerminated, DialogFinished:
		return true
	}
	return false
}

// applyAction handles one external command. The outgoing call accepts
// only End; everything else is an error response.
func (c *Outgoing) applyAction(ctx context.Context, req protocol.ActionRequest) protocol.ActionResponse {
	switch req.Action {
	case protocol.ActionEnd:
		if err := c.end(ctx); err != nil {
			return errResponse(req.ReqID, err.Error())
		}
		return okResponse(req.ReqID)
	default:
		return errResponse(req.ReqID, "unsupported action for outgoing call")
	}
}

// end gracefully terminates the call from whatever state it is in:
// CANCEL while the INVITE is pending, BYE once established.
func (c *Outgoing) end(ctx context.Context) error {
	switch c.state {
	case stateCalling, stateEarly:
		if err := c.dialog.SendCancel(ctx); err != nil {
			return err
		}
		c.state = stateCancelling
		c.emitter.EmitOutgoing(protocol.OutgoingCancelled, 0, "")
		return nil
	case stateTalking:
		return c.dialog.Terminate(ctx)
	case stateCancelling:
		return nil
	}
	return nil
}

func (c *Outgoing) handlePubEvent(ctx context.Context, ev pubsub.Event) {
	switch ev.Kind {
	case pubsub.PeerJoined:
		c.subscribers[ev.Peer] = struct{}{}
		c.everJoined = true

	case pubsub.PeerLeft:
		if _, ok := c.subscribers[ev.Peer]; !ok {
			return
		}
		delete(c.subscribers, ev.Peer)
		if c.everJoined && len(c.subscribers) == 0 {
			c.logger.Info("all subscribers disconnected, ending call")
			if err := c.end(ctx); err != nil {
				c.logger.Error("auto-end failed", "error", err)
			}
		}

	case pubsub.RPC:
		var wire pb.ActionRequest
		if err := wire.Unmarshal(ev.Req.Payload); err != nil {
			ev.Req.Reply(protocol.ActionResponse{Kind: protocol.ActionRespError, Error: "bad action payload"}.PBResponse().Marshal())
			return
		}
		req := protocol.ActionRequestFromPB(&wire)
		if ev.Req.Method == "destroy" {
			req.Action = protocol.ActionEnd
		}
		resp := c.applyAction(ctx, req)
		ev.Req.Reply(resp.PBResponse().Marshal())
	}
}
