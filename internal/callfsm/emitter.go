package callfsm

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/hookqueue"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/pubsub"
)

// Emitter fans one call's events out to its two independent delivery
// paths: the call's pub/sub channel (protobuf payloads for remote
// subscribers) and the hook queue (JSON or protobuf per the subscriber's
// content type). Neither path blocks the other; hook delivery is
// fire-and-forget through the bounded worker queue.
type Emitter struct {
	callID      callid.ID
	pub         pubsub.Publisher
	hook        *hookqueue.Sender
	hookContent hookqueue.ContentType
	logger      *slog.Logger

	lastTS time.Time
}

// NewEmitter builds an Emitter. hook may be nil when the call has no hook
// endpoint configured.
func NewEmitter(id callid.ID, pub pubsub.Publisher, hook *hookqueue.Sender, hookContent hookqueue.ContentType, logger *slog.Logger) *Emitter {
	return &Emitter{
		callID:      id,
		pub:         pub,
		hook:        hook,
		hookContent: hookContent,
		logger:      logger,
	}
}

// stamp wraps a partially built event with the call-id and a timestamp
// that never decreases within the call, even across clock steps.
func (e *Emitter) stamp(ev protocol.CallEvent) protocol.CallEvent {
	now := time.Now()
	if now.Before(e.lastTS) {
		now = e.lastTS
	}
	e.lastTS = now

	ev.CallID = e.callID.String()
	ev.Timestamp = now
	return ev
}

// EmitOutgoing publishes one outgoing-call event to both paths.
func (e *Emitter) EmitOutgoing(kind protocol.OutgoingEventKind, code int, message string) {
	e.emit(e.stamp(protocol.CallEvent{
		Outgoing: &protocol.OutgoingEvent{Kind: kind, Code: code, Message: message},
	}))
}

// EmitIncoming publishes one incoming-call event to both paths.
func (e *Emitter) EmitIncoming(kind protocol.IncomingEventKind, message string) {
	e.emit(e.stamp(protocol.CallEvent{
		Incoming: &protocol.IncomingEvent{Kind: kind, Message: message},
	}))
}

// EmitNotifyHook delivers an app-scoped notify sub-event to the hook path
// only. Call-scoped subscribers do not receive notify events; those are
// the application's business, not the call's.
func (e *Emitter) EmitNotifyHook(ev protocol.NotifyEvent) {
	if e.hook == nil {
		return
	}
	stamped := e.stamp(protocol.CallEvent{Notify: &ev})
	body, ok := e.encode(stamped)
	if !ok {
		return
	}
	e.hook.Send(e.hookContent, body)
}

func (e *Emitter) emit(ev protocol.CallEvent) {
	if err := e.pub.Publish(ev.PB().Marshal()); err != nil && err != pubsub.ErrClosed {
		e.logger.Error("publish call event failed", "call_id", e.callID, "error", err)
	}

	if e.hook == nil {
		return
	}
	body, ok := e.encode(ev)
	if !ok {
		return
	}
	e.hook.Send(e.hookContent, body)
}

func (e *Emitter) encode(ev protocol.CallEvent) ([]byte, bool) {
	if e.hookContent == hookqueue.ContentProtobuf {
		return ev.PB().Marshal(), true
	}
	body, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("encode call event failed", "call_id", e.callID, "error", err)
		return nil, false
	}
	return body, true
}
