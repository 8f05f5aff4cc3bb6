package callfsm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/hookqueue"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/pubsub"
)

// notifyTimeout bounds the synchronous dynamic-route hook round trip.
const notifyTimeout = 5 * time.Second

// NotifySender dispatches new-call notifications for an incoming call's
// phone number. A statically routed number has its owning app subscribed
// on a pub/sub notify channel; a dynamically routed number is told by
// synchronous HTTP hook and its response directs the call's next step.
type NotifySender struct {
	// static path
	overlay pubsub.Overlay
	channel pubsub.ChannelID

	// dynamic path
	hook *hookqueue.Sender

	logger *slog.Logger
}

// NewStaticNotifySender builds a sender that publishes as guest onto the
// app's notify channel.
func NewStaticNotifySender(overlay pubsub.Overlay, appID, clientID string, logger *slog.Logger) *NotifySender {
	return &NotifySender{
		overlay: overlay,
		channel: pubsub.NotifyChannel(appID, clientID),
		logger:  logger,
	}
}

// NewDynamicNotifySender builds a sender that drives the synchronous HTTP
// hook. The hook sender must be bound to the number's hook endpoint.
func NewDynamicNotifySender(hook *hookqueue.Sender, logger *slog.Logger) *NotifySender {
	return &NotifySender{hook: hook, logger: logger}
}

// Arrived announces the new call. For a dynamic route it returns the
// hook's directive; for a static route the app is notified over pub/sub
// and the call proceeds with the implicit Ring directive.
func (s *NotifySender) Arrived(ctx context.Context, payload protocol.IncomingCallArrivedPayload) (protocol.IncomingCallNotifyResponse, error) {
	if s.hook == nil {
		s.publishGuest(protocol.NotifyEvent{
			Kind:      protocol.NotifyArrived,
			CallID:    payload.CallID,
			From:      payload.From,
			To:        payload.To,
			CallWS:    payload.CallWS,
			CallToken: payload.CallToken,
		})
		return protocol.IncomingCallNotifyResponse{Action: protocol.HookActionRing}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return protocol.IncomingCallNotifyResponse{}, fmt.Errorf("encoding arrived notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	res := s.hook.SendSync(ctx, hookqueue.ContentJSON, body)
	if res.Err != nil {
		return protocol.IncomingCallNotifyResponse{}, fmt.Errorf("arrived hook failed: %w", res.Err)
	}

	var directive protocol.IncomingCallNotifyResponse
	if err := json.Unmarshal(res.Body, &directive); err != nil {
		return protocol.IncomingCallNotifyResponse{}, fmt.Errorf("decoding arrived hook response: %w", err)
	}
	if directive.Action == "" {
		return protocol.IncomingCallNotifyResponse{}, fmt.Errorf("arrived hook response missing action")
	}
	return directive, nil
}

// Cancelled tells a statically routed app the caller hung up before an
// answer. Dynamic routes learn this from the call's event stream instead.
func (s *NotifySender) Cancelled(id callid.ID, from, to string) {
	if s.hook != nil {
		return
	}
	s.publishGuest(protocol.NotifyEvent{Kind: protocol.NotifyCancelled, CallID: id.String(), From: from, To: to})
}

// Accepted tells a statically routed app the call was answered.
func (s *NotifySender) Accepted(id callid.ID, from, to string) {
	if s.hook != nil {
		return
	}
	s.publishGuest(protocol.NotifyEvent{Kind: protocol.NotifyAccepted, CallID: id.String(), From: from, To: to})
}

// Rejected tells a statically routed app the call was declined.
func (s *NotifySender) Rejected(id callid.ID, from, to string) {
	if s.hook != nil {
		return
	}
	s.publishGuest(protocol.NotifyEvent{Kind: protocol.NotifyRejected, CallID: id.String(), From: from, To: to})
}

func (s *NotifySender) publishGuest(ev protocol.NotifyEvent) {
	payload := protocol.CallEvent{
		CallID:    ev.CallID,
		Timestamp: time.Now(),
		Notify:    &ev,
	}
	if err := s.overlay.PublishGuest(s.channel, payload.PB().Marshal()); err != nil {
		s.logger.Error("notify publish failed", "call_id", ev.CallID, "kind", ev.Kind, "error", err)
	}
}
