// Package protocol defines the wire types shared by the REST API, the
// WebSocket control plane, the HTTP hook payloads, and the per-call
// pub/sub channel: the events each CallFSM emits, the action RPC request
// and response unions, and the outward-facing REST request/response
// bodies. Shapes are plain structs with `json:` tags, no generated
// marshal code, and are additionally mirrored into a protobuf message
// (see protocol/pb) for the Protobuf hook content type.
package protocol

import "time"

// Direction is the call direction, mirrored from package token to avoid
// a dependency from protocol -> token.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// OutgoingEventKind discriminates the outgoing-call FSM's event stream.
type OutgoingEventKind string

const (
	OutgoingProvisional OutgoingEventKind = "provisional"
	OutgoingEarly       OutgoingEventKind = "early"
	OutgoingAccepted    OutgoingEventKind = "accepted"
	OutgoingFailure     OutgoingEventKind = "failure"
	OutgoingCancelled   OutgoingEventKind = "cancelled"
	OutgoingBye         OutgoingEventKind = "bye"
	OutgoingError       OutgoingEventKind = "error"
	OutgoingEnded       OutgoingEventKind = "ended"
)

// OutgoingEvent is one event emitted by the outgoing-call FSM.
type OutgoingEvent struct {
	Kind    OutgoingEventKind `json:"kind"`
	Code    int               `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

// IncomingEventKind discriminates the incoming-call FSM's event stream.
type IncomingEventKind string

const (
	IncomingAccepted  IncomingEventKind = "accepted"
	IncomingRejected  IncomingEventKind = "rejected"
	IncomingCancelled IncomingEventKind = "cancelled"
	IncomingBye       IncomingEventKind = "bye"
	IncomingError     IncomingEventKind = "error"
	IncomingEnded     IncomingEventKind = "ended"
)

// IncomingEvent is one event emitted by the incoming-call FSM.
type IncomingEvent struct {
	Kind    IncomingEventKind `json:"kind"`
	Message string            `json:"message,omitempty"`
}

// NotifyEventKind discriminates the app-scoped (not call-scoped) notify
// sub-events dispatched through callfsm.NotifySender.
type NotifyEventKind string

const (
	NotifyArrived   NotifyEventKind = "arrived"
	NotifyAccepted  NotifyEventKind = "accepted"
	NotifyCancelled NotifyEventKind = "cancelled"
	NotifyRejected  NotifyEventKind = "rejected"
)

// NotifyEvent is dispatched to an app's incoming-call notification channel,
// not to call-scoped subscribers.
type NotifyEvent struct {
	Kind     NotifyEventKind `json:"kind"`
	CallID   string          `json:"call_id"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	CallWS   string          `json:"call_ws,omitempty"`
	CallToken string         `json:"call_token,omitempty"`
}

// CallEvent wraps one emitted event with its call-id and a monotonically
// non-decreasing (within a call) timestamp.
type CallEvent struct {
	CallID    string    `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`

	Outgoing *OutgoingEvent `json:"outgoing,omitempty"`
	Incoming *IncomingEvent `json:"incoming,omitempty"`
	Notify   *NotifyEvent   `json:"notify,omitempty"`
}

// --- Action RPC request/response unions, carried over REST, WebSocket,
// and pub/sub RPC alike. ---

// ActionKind discriminates an action request.
type ActionKind string

const (
	ActionRing    ActionKind = "ring"
	ActionAccept  ActionKind = "accept"
	ActionAccept2 ActionKind = "accept2"
	ActionEnd     ActionKind = "end"
	ActionPing    ActionKind = "ping"
)

// ActionRequest is the typed request union for the per-call `action` RPC.
// Ring/Accept/Accept2/End/Ping are valid for incoming calls; only End is
// valid for outgoing calls.
type ActionRequest struct {
	ReqID  string     `json:"req_id"`
	Action ActionKind `json:"action"`

	// Stream carries the room/peer to bridge to for Accept/Accept2.
	Stream *StreamRef `json:"stream,omitempty"`
}

// StreamRef names the room/peer pair a media session should bridge to.
type StreamRef struct {
	Room   string `json:"room"`
	Peer   string `json:"peer"`
	Record bool   `json:"record,omitempty"`
}

// ActionResponseKind discriminates an action response.
type ActionResponseKind string

const (
	ActionRespOK      ActionResponseKind = "ok"
	ActionRespPong    ActionResponseKind = "pong"
	ActionRespToken   ActionResponseKind = "token"
	ActionRespError   ActionResponseKind = "error"
)

// ActionResponse is the typed response union to an ActionRequest. ReqID
// always echoes the request's ReqID.
type ActionResponse struct {
	ReqID string             `json:"req_id"`
	Kind  ActionResponseKind `json:"kind"`

	Live  bool   `json:"live,omitempty"`
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// --- REST request/response bodies. ---

// CreateCallRequest is the body of POST /call/outgoing.
type CreateCallRequest struct {
	SipServer string    `json:"sip_server"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	SipAuth   *SipAuth  `json:"sip_auth,omitempty"`
	Stream    StreamRef `json:"stream"`

	// Hook, when set, receives this call's event stream as fire-and-forget
	// JSON POSTs.
	Hook string `json:"hook,omitempty"`
}

// SipAuth carries outbound SIP digest credentials for a CreateCallRequest.
type SipAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateCallResponse is the body of a successful POST /call/outgoing.
type CreateCallResponse struct {
	CallID      string `json:"call_id"`
	CallToken   string `json:"call_token"`
	CallWSPath  string `json:"call_ws_path"`
}

// OutgoingCallActionRequest is the body of POST /call/outgoing/{id}/action.
type OutgoingCallActionRequest struct {
	Action ActionKind `json:"action"`
}

// IncomingCallActionRequest is the body of POST /call/incoming/{id}/action.
type IncomingCallActionRequest struct {
	Action ActionKind `json:"action"`
	Stream *StreamRef `json:"stream,omitempty"`
}

// NotifyTokenRequest is the body of POST /token/notify.
type NotifyTokenRequest struct {
	ClientID string `json:"client_id"`
	TTL      uint64 `json:"ttl"`
}

// NotifyTokenResponse is the body of a successful POST /token/notify.
type NotifyTokenResponse struct {
	Token string `json:"token"`
}

// --- Dynamic-hook synchronous response. ---

// IncomingHookAction discriminates a dynamic-route hook's directive.
type IncomingHookAction string

const (
	HookActionRing     IncomingHookAction = "ring"
	HookActionAccept   IncomingHookAction = "accept"
	HookActionEnd      IncomingHookAction = "end"
	HookActionContinue IncomingHookAction = "continue"
)

// IncomingCallNotifyResponse is the synchronous response to a dynamic-route
// hook POST, directing the incoming FSM's next step.
type IncomingCallNotifyResponse struct {
	Action IncomingHookAction `json:"action"`
	Room   string             `json:"room,omitempty"`
	Peer   string             `json:"peer,omitempty"`
	Record bool               `json:"record,omitempty"`
}

// IncomingCallArrivedPayload is POSTed to a dynamic-route hook endpoint
// (and, for errors, is what a synchronous response error wraps).
type IncomingCallArrivedPayload struct {
	CallID    string `json:"call_id"`
	CallToken string `json:"call_token"`
	CallWS    string `json:"call_ws"`
	From      string `json:"from"`
	To        string `json:"to"`
}
