package callfsm

import (
	"context"
	"log/slog"

	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/protocol/pb"
	"github.com/atm0s-sip/gateway/internal/pubsub"
)

type inState int

const (
	stateWait inState = iota
	stateInTalking
)

func (s inState) String() string {
	switch s {
	case stateWait:
		return "wait"
	case stateInTalking:
		return "talking"
	default:
		return "unknown"
	}
}

// Incoming is one inbound call's state machine. The manager constructs it
// after the directory admission check; the FSM answers 100 Trying,
// dispatches the arrived notification, and then waits for a disposition
// from the control plane or the caller.
type Incoming struct {
	id      callid.ID
	dialog  IncomingDialog
	emitter *Emitter
	pub     pubsub.Publisher
	destroy chan<- callid.ID
	notify  *NotifySender

	newAnswer MediaAnswerFactory
	webrtc    WebRTCTokens

	arrived protocol.IncomingCallArrivedPayload
	logger  *slog.Logger

	cmds chan Command

	state inState
	media MediaAnswer

	subscribers map[string]struct{}
	everJoined  bool
}

// NewIncoming builds an incoming-call FSM. webrtc may be nil when the
// media gateway has no WebRTC token surface; Accept2 then returns a typed
// error response.
func NewIncoming(
	id callid.ID,
	dialog IncomingDialog,
	emitter *Emitter,
	pub pubsub.Publisher,
	destroy chan<- callid.ID,
	notify *NotifySender,
	newAnswer MediaAnswerFactory,
	webrtc WebRTCTokens,
	arrived protocol.IncomingCallArrivedPayload,
	logger *slog.Logger,
) *Incoming {
	return &Incoming{
		id:          id,
		dialog:      dialog,
		emitter:     emitter,
		pub:         pub,
		destroy:     destroy,
		notify:      notify,
		newAnswer:   newAnswer,
		webrtc:      webrtc,
		arrived:     arrived,
		logger:      logger.With("subsystem", "incoming-call", "call_id", id),
		cmds:        make(chan Command, 16),
		state:       stateWait,
		subscribers: make(map[string]struct{}),
	}
}

// ID returns the InternalCallId.
func (c *Incoming) ID() callid.ID { return c.id }

// Commands is the FSM's control input.
func (c *Incoming) Commands() chan<- Command { return c.cmds }

// Run drives the call to completion, always emitting exactly one destroy
// notice and closing the media session and publisher on exit.
func (c *Incoming) Run(ctx context.Context) {
	defer func() {
		c.emitter.EmitIncoming(protocol.IncomingEnded, "")
		if c.media != nil {
			c.media.Close()
		}
		c.pub.Close()
		c.destroy <- c.id
	}()

	if err := c.dialog.SendTrying(ctx); err != nil {
		c.logger.Error("send trying failed", "error", err)
		c.emitter.EmitIncoming(protocol.IncomingError, err.Error())
		return
	}

	directive, err := c.notify.Arrived(ctx, c.arrived)
	if err != nil {
		c.logger.Error("arrived notification failed, rejecting call", "error", err)
		if rerr := c.dialog.Reject(ctx); rerr != nil {
			c.logger.Error("reject after failed notification failed", "error", rerr)
		}
		c.emitter.EmitIncoming(protocol.IncomingError, err.Error())
		return
	}

	c.logger.Info("arrived notification dispatched", "action", directive.Action)

	switch directive.Action {
	case protocol.HookActionRing:
		if err := c.dialog.SendRinging(ctx); err != nil {
			c.logger.Error("send ringing failed", "error", err)
			c.emitter.EmitIncoming(protocol.IncomingError, err.Error())
			return
		}
	case protocol.HookActionAccept:
		stream := protocol.StreamRef{Room: directive.Room, Peer: directive.Peer, Record: directive.Record}
		resp, _ := c.accept(ctx, "", &stream)
		if resp.Kind == protocol.ActionRespError {
			c.logger.Error("accept from hook directive failed", "error", resp.Error)
			c.emitter.EmitIncoming(protocol.IncomingError, resp.Error)
			return
		}
	case protocol.HookActionEnd:
		if err := c.dialog.Reject(ctx); err != nil {
			c.logger.Error("reject from hook directive failed", "error", err)
		}
		c.emitter.EmitIncoming(protocol.IncomingRejected, "")
		c.notify.Rejected(c.id, c.arrived.From, c.arrived.To)
		return
	case protocol.HookActionContinue:
		// Stay in Wait; the application will act through the control plane.
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			resp, exit := c.applyAction(ctx, cmd.Req)
			select {
			case cmd.Reply <- resp:
			default:
			}
			if exit {
				return
			}
		case ev, ok := <-c.pub.Events():
			if !ok {
				// The overlay replaced or closed our publisher; the call
				// can no longer be controlled, so stop it.
				return
			}
			if exit := c.handlePubEvent(ctx, ev); exit {
				return
			}
		case dev, ok := <-c.dialog.Events():
			if !ok {
				return
			}
			if exit := c.step(dev); exit {
				return
			}
		}
	}
}

// step handles one dialog event; all three event kinds are terminal or
// informational, so no error path exists here.
func (c *Incoming) step(ev DialogEvent) bool {
	switch ev.Kind {
	case DialogCancelled:
		c.logger.Info("caller cancelled")
		c.notify.Cancelled(c.id, c.arrived.From, c.arrived.To)
		c.emitter.EmitNotifyHook(protocol.NotifyEvent{
			Kind: protocol.NotifyCancelled, CallID: c.id.String(),
			From: c.arrived.From, To: c.arrived.To,
		})
		c.emitter.EmitIncoming(protocol.IncomingCancelled, "")
		return true

	case DialogBye:
		c.logger.Info("peer sent bye")
		c.emitter.EmitIncoming(protocol.IncomingBye, "")
		return false

	case DialogTerminated, DialogFinished:
		return true
	}
	return false
}

// applyAction handles one external command: Ring, Accept, Accept2, End,
// or Ping. It returns exit=true when the command terminates the call.
func (c *Incoming) applyAction(ctx context.Context, req protocol.ActionRequest) (protocol.ActionResponse, bool) {
	switch req.Action {
	case protocol.ActionRing:
		if c.state != stateWait {
			return errResponse(req.ReqID, "call already answered"), false
		}
		if err := c.dialog.SendRinging(ctx); err != nil {
			return errResponse(req.ReqID, err.Error()), false
		}
		return okResponse(req.ReqID), false

	case protocol.ActionAccept:
		return c.accept(ctx, req.ReqID, req.Stream)

	case protocol.ActionAccept2:
		return c.accept2(ctx, req), false

	case protocol.ActionEnd:
		return c.endAction(ctx, req.ReqID)

	case protocol.ActionPing:
		return protocol.ActionResponse{ReqID: req.ReqID, Kind: protocol.ActionRespPong, Live: true}, false

	default:
		return errResponse(req.ReqID, "unsupported action for incoming call"), false
	}
}

// accept bridges the call: it answers the remote offer through the media
// server, responds 200 OK with the local SDP, and enters Talking.
func (c *Incoming) accept(ctx context.Context, reqID string, stream *protocol.StreamRef) (protocol.ActionResponse, bool) {
	if c.state != stateWait {
		return errResponse(reqID, "call already answered"), false
	}
	if stream == nil {
		return errResponse(reqID, "accept requires a stream"), false
	}

	media := c.newAnswer(*stream)
	answerSDP, err := media.CreateAnswer(ctx, c.dialog.OfferSDP())
	if err != nil {
		media.Close()
		return errResponse(reqID, err.Error()), false
	}
	c.media = media

	if err := c.dialog.Accept(ctx, answerSDP); err != nil {
		return errResponse(reqID, err.Error()), false
	}

	c.logger.Info("call accepted", "room", stream.Room, "peer", stream.Peer)
	c.state = stateInTalking
	c.emitter.EmitIncoming(protocol.IncomingAccepted, "")
	c.emitter.EmitNotifyHook(protocol.NotifyEvent{
		Kind: protocol.NotifyAccepted, CallID: c.id.String(),
		From: c.arrived.From, To: c.arrived.To,
	})
	c.notify.Accepted(c.id, c.arrived.From, c.arrived.To)
	return okResponse(reqID), false
}

// accept2 is the WebRTC bridge variant: it returns a WebRTC token for
// (room=<call_id>, peer="callee") without touching the SIP layer.
func (c *Incoming) accept2(ctx context.Context, req protocol.ActionRequest) protocol.ActionResponse {
	if c.webrtc == nil {
		return errResponse(req.ReqID, "media gateway has no webrtc token endpoint")
	}
	record := req.Stream != nil && req.Stream.Record
	tok, err := c.webrtc.WebRTCToken(ctx, c.id.String(), "callee", record)
	if err != nil {
		return errResponse(req.ReqID, err.Error())
	}
	return protocol.ActionResponse{ReqID: req.ReqID, Kind: protocol.ActionRespToken, Token: tok}
}

func (c *Incoming) endAction(ctx context.Context, reqID string) (protocol.ActionResponse, bool) {
	switch c.state {
	case stateWait:
		if err := c.dialog.Reject(ctx); err != nil {
			return errResponse(reqID, err.Error()), false
		}
		c.emitter.EmitIncoming(protocol.IncomingRejected, "")
		c.emitter.EmitNotifyHook(protocol.NotifyEvent{
			Kind: protocol.NotifyRejected, CallID: c.id.String(),
			From: c.arrived.From, To: c.arrived.To,
		})
		c.notify.Rejected(c.id, c.arrived.From, c.arrived.To)
		return okResponse(reqID), true

	case stateInTalking:
		if err := c.dialog.Terminate(ctx); err != nil {
			return errResponse(reqID, err.Error()), false
		}
		// Exit happens when the dialog surfaces Terminated.
		return okResponse(reqID), false
	}
	return errResponse(reqID, "invalid state"), false
}

func (c *Incoming) handlePubEvent(ctx context.Context, ev pubsub.Event) bool {
	switch ev.Kind {
	case pubsub.PeerJoined:
		c.subscribers[ev.Peer] = struct{}{}
		c.everJoined = true

	case pubsub.PeerLeft:
		if _, ok := c.subscribers[ev.Peer]; !ok {
			return false
		}
		delete(c.subscribers, ev.Peer)
		if c.everJoined && len(c.subscribers) == 0 {
			c.logger.Info("all subscribers disconnected, ending call")
			_, exit := c.endAction(ctx, "")
			return exit
		}

	case pubsub.RPC:
		var wire pb.ActionRequest
		if err := wire.Unmarshal(ev.Req.Payload); err != nil {
			ev.Req.Reply(protocol.ActionResponse{Kind: protocol.ActionRespError, Error: "bad action payload"}.PBResponse().Marshal())
			return false
		}
		req := protocol.ActionRequestFromPB(&wire)
		if ev.Req.Method == "destroy" {
			req.Action = protocol.ActionEnd
		}
		resp, exit := c.applyAction(ctx, req)
		ev.Req.Reply(resp.PBResponse().Marshal())
		return exit
	}
	return false
}
