// Package callmanager is the process-wide multiplexer over live calls: it
// admits inbound SIP INVITEs through the directory, spawns one FSM
// goroutine per call, routes external control commands (REST and pub/sub
// RPC alike) to the right FSM, and collects destroy notices as the sole
// means of removing a call from its maps.
package callmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atm0s-sip/gateway/internal/callfsm"
	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/directory"
	"github.com/atm0s-sip/gateway/internal/hookqueue"
	"github.com/atm0s-sip/gateway/internal/mediaclient"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/protocol/pb"
	"github.com/atm0s-sip/gateway/internal/pubsub"
	"github.com/atm0s-sip/gateway/internal/sipgateway"
	"github.com/atm0s-sip/gateway/internal/token"
)

// callTokenTTL is the lifetime of the CallToken minted for each call.
const callTokenTTL = 3600 * time.Second

// commandTimeout bounds how long a control command waits for its FSM.
const commandTimeout = 5 * time.Second

var (
	// ErrCallNotFound is returned when neither the local maps nor the
	// cluster overlay can reach the call.
	ErrCallNotFound = errors.New("call not found")

	// ErrBadRequest is returned for malformed create-call requests.
	ErrBadRequest = errors.New("bad request")
)

// SipError wraps a SIP-layer failure for the REST error taxonomy.
type SipError struct {
	Err error
}

func (e *SipError) Error() string { return "sip error: " + e.Err.Error() }
func (e *SipError) Unwrap() error { return e.Err }

// sipServer is the inbound surface the manager consumes from the SIP
// gateway; narrowed to an interface so tests can script admissions.
type sipServer interface {
	Incoming() <-chan *sipgateway.InboundCall
	MakeCall(from, to string, creds *sipgateway.AuthCredentials) (*sipgateway.OutboundCall, error)
}

// Config carries the manager's construction parameters.
type Config struct {
	HTTPPublic   string
	MediaGateway string
}

type callHandle struct {
	cmds chan<- callfsm.Command
}

// Manager owns the two live-call maps. An entry exists iff the call's FSM
// goroutine is alive; destroy notices are the only removal path.
type Manager struct {
	cfg     Config
	gw      sipServer
	dir     *directory.Directory
	signer  *token.Signer
	hooks   *hookqueue.Queue
	overlay pubsub.Overlay
	logger  *slog.Logger

	mu       sync.Mutex
	outCalls map[callid.ID]*callHandle
	inCalls  map[callid.ID]*callHandle

	destroyCh chan callid.ID

	fsmCtx     context.Context
	cancelFSMs context.CancelFunc
}

// New creates a Manager. Call Run to start draining SIP events and
// destroy notices.
func New(
	cfg Config,
	gw sipServer,
	dir *directory.Directory,
	signer *token.Signer,
	hooks *hookqueue.Queue,
	overlay pubsub.Overlay,
	logger *slog.Logger,
) *Manager {
	fsmCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		gw:         gw,
		dir:        dir,
		signer:     signer,
		hooks:      hooks,
		overlay:    overlay,
		logger:     logger.With("component", "call-manager"),
		outCalls:   make(map[callid.ID]*callHandle),
		inCalls:    make(map[callid.ID]*callHandle),
		destroyCh:  make(chan callid.ID, 128),
		fsmCtx:     fsmCtx,
		cancelFSMs: cancel,
	}
}

// Run drains destroy notices and inbound SIP INVITEs until ctx is
// cancelled, then tears down every live FSM.
func (m *Manager) Run(ctx context.Context) {
	defer m.cancelFSMs()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.destroyCh:
			m.removeCall(id)
		case call, ok := <-m.gw.Incoming():
			if !ok {
				return
			}
			m.admit(call)
		}
	}
}

// LiveCalls reports the live call counts for metrics scrapes.
func (m *Manager) LiveCalls() (outgoing, incoming int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outCalls), len(m.inCalls)
}

// removeCall drops the call from whichever map holds it. Exactly one
// removal is expected; a miss is logged, not fatal — a duplicate destroy
// notice must never abort the manager.
func (m *Manager) removeCall(id callid.ID) {
	m.mu.Lock()
	_, wasOut := m.outCalls[id]
	_, wasIn := m.inCalls[id]
	delete(m.outCalls, id)
	delete(m.inCalls, id)
	m.mu.Unlock()

	if !wasOut && !wasIn {
		m.logger.Warn("destroy notice for unknown call", "call_id", id)
		return
	}
	m.logger.Info("call removed", "call_id", id, "outgoing", wasOut)
}

// admit runs the directory check on an inbound INVITE and spawns the
// incoming FSM, or answers 488.
func (m *Manager) admit(call *sipgateway.InboundCall) {
	app, num, ok := m.dir.ValidatePhone(call.RemoteIP(), call.To())
	if !ok {
		m.logger.Warn("rejected call",
			"remote", call.RemoteIP(),
			"from", call.From(),
			"to", call.To(),
		)
		go func() {
			if err := call.RejectNotAcceptable(context.Background()); err != nil {
				m.logger.Error("488 response failed", "error", err)
			}
		}()
		return
	}

	id := callid.New()
	callToken, err := m.signer.SignCallToken(token.Incoming, id.String(), callTokenTTL)
	if err != nil {
		m.logger.Error("minting call token failed", "call_id", id, "error", err)
		go call.RejectNotAcceptable(context.Background()) //nolint:errcheck
		return
	}

	pub, err := m.overlay.Publisher(pubsub.ChannelOfCall(id.String()))
	if err != nil {
		m.logger.Error("attaching call publisher failed", "call_id", id, "error", err)
		go call.RejectNotAcceptable(context.Background()) //nolint:errcheck
		return
	}

	var hookSender *hookqueue.Sender
	if num.HookEndpoint != "" {
		hookSender = m.hooks.NewSender(num.HookEndpoint, nil)
	}
	content := hookqueue.ContentJSON
	if num.HookContentType == directory.HookContentProtobuf {
		content = hookqueue.ContentProtobuf
	}

	emitter := callfsm.NewEmitter(id, pub, hookSender, content, m.logger)

	var notify *callfsm.NotifySender
	if num.Route.IsStatic() {
		notify = callfsm.NewStaticNotifySender(m.overlay, num.AppID, num.Route.Static, m.logger)
	} else {
		endpoint := num.HookEndpoint
		if num.Route.Dynamic != nil && num.Route.Dynamic.HookEndpoint != "" {
			endpoint = num.Route.Dynamic.HookEndpoint
		}
		notify = callfsm.NewDynamicNotifySender(m.hooks.NewSender(endpoint, nil), m.logger)
	}

	appSecret := app.AppSecret
	newAnswer := func(stream protocol.StreamRef) callfsm.MediaAnswer {
		return mediaclient.NewAnswerSession(m.cfg.MediaGateway, appSecret,
			mediaclient.StreamingInfo{Room: stream.Room, Peer: stream.Peer}, nil, m.logger)
	}
	webrtc := mediaclient.NewTokenClient(m.cfg.MediaGateway, appSecret, nil)

	arrived := protocol.IncomingCallArrivedPayload{
		CallID:    id.String(),
		CallToken: callToken,
		CallWS:    callWSURL(m.cfg.HTTPPublic, "incoming", id, callToken),
		From:      call.From(),
		To:        call.To(),
	}

	fsm := callfsm.NewIncoming(id, call, emitter, pub, m.destroyCh, notify, newAnswer, webrtc, arrived, m.logger)

	m.mu.Lock()
	m.inCalls[id] = &callHandle{cmds: fsm.Commands()}
	m.mu.Unlock()

	m.logger.Info("incoming call admitted",
		"call_id", id,
		"from", call.From(),
		"to", call.To(),
		"app", app.AppID,
	)
	go fsm.Run(m.fsmCtx)
}

// CreateCall places an outbound call on behalf of an authenticated app.
func (m *Manager) CreateCall(app directory.AppInfo, req protocol.CreateCallRequest) (protocol.CreateCallResponse, error) {
	if req.SipServer == "" || req.From == "" || req.To == "" {
		return protocol.CreateCallResponse{}, fmt.Errorf("%w: sip_server, from and to are required", ErrBadRequest)
	}

	from := fmt.Sprintf("sip:%s@%s", req.From, req.SipServer)
	to := fmt.Sprintf("sip:%s@%s", req.To, req.SipServer)

	var creds *sipgateway.AuthCredentials
	if req.SipAuth != nil {
		creds = &sipgateway.AuthCredentials{Username: req.SipAuth.Username, Password: req.SipAuth.Password}
	}

	dlg, err := m.gw.MakeCall(from, to, creds)
	if err != nil {
		return protocol.CreateCallResponse{}, &SipError{Err: err}
	}

	id := callid.New()
	callToken, err := m.signer.SignCallToken(token.Outgoing, id.String(), callTokenTTL)
	if err != nil {
		return protocol.CreateCallResponse{}, fmt.Errorf("minting call token: %w", err)
	}

	pub, err := m.overlay.Publisher(pubsub.ChannelOfCall(id.String()))
	if err != nil {
		return protocol.CreateCallResponse{}, fmt.Errorf("attaching call publisher: %w", err)
	}

	var hookSender *hookqueue.Sender
	if req.Hook != "" {
		hookSender = m.hooks.NewSender(req.Hook, nil)
	}
	emitter := callfsm.NewEmitter(id, pub, hookSender, hookqueue.ContentJSON, m.logger)

	media := mediaclient.NewOfferSession(m.cfg.MediaGateway, app.AppSecret,
		mediaclient.StreamingInfo{Room: req.Stream.Room, Peer: req.Stream.Peer}, nil, m.logger)

	fsm := callfsm.NewOutgoing(id, dlg, media, emitter, pub, m.destroyCh, dlg.HasAuth(), m.logger)

	m.mu.Lock()
	m.outCalls[id] = &callHandle{cmds: fsm.Commands()}
	m.mu.Unlock()

	m.logger.Info("outgoing call created", "call_id", id, "from", from, "to", to, "app", app.AppID)
	go fsm.Run(m.fsmCtx)

	return protocol.CreateCallResponse{
		CallID:     id.String(),
		CallToken:  callToken,
		CallWSPath: fmt.Sprintf("/call/outgoing/%s?token=%s", id, callToken),
	}, nil
}

// Action routes one control command to the call's FSM: through the local
// command channel when the call lives on this node, otherwise as an RPC
// on the call's pub/sub channel so a call placed on any node can be
// controlled from any other.
func (m *Manager) Action(ctx context.Context, direction token.Direction, id callid.ID, req protocol.ActionRequest) (protocol.ActionResponse, error) {
	return m.dispatch(ctx, direction, id, "action", req)
}

// Destroy gracefully ends the call (REST DELETE).
func (m *Manager) Destroy(ctx context.Context, direction token.Direction, id callid.ID, reqID string) (protocol.ActionResponse, error) {
	return m.dispatch(ctx, direction, id, "destroy", protocol.ActionRequest{ReqID: reqID, Action: protocol.ActionEnd})
}

func (m *Manager) dispatch(ctx context.Context, direction token.Direction, id callid.ID, method string, req protocol.ActionRequest) (protocol.ActionResponse, error) {
	m.mu.Lock()
	var handle *callHandle
	if direction == token.Outgoing {
		handle = m.outCalls[id]
	} else {
		handle = m.inCalls[id]
	}
	m.mu.Unlock()

	if handle != nil {
		return m.localCommand(ctx, handle, req)
	}
	return m.remoteCommand(ctx, id, method, req)
}

func (m *Manager) localCommand(ctx context.Context, handle *callHandle, req protocol.ActionRequest) (protocol.ActionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := callfsm.NewCommand(req)
	select {
	case handle.cmds <- cmd:
	case <-ctx.Done():
		return protocol.ActionResponse{}, fmt.Errorf("command delivery: %w", ctx.Err())
	}

	select {
	case resp := <-cmd.Reply:
		return resp, nil
	case <-ctx.Done():
		return protocol.ActionResponse{}, fmt.Errorf("command reply: %w", ctx.Err())
	}
}

func (m *Manager) remoteCommand(ctx context.Context, id callid.ID, method string, req protocol.ActionRequest) (protocol.ActionResponse, error) {
	payload := req.PBAction().Marshal()
	respPayload, err := m.overlay.Request(ctx, pubsub.ChannelOfCall(id.String()), method, payload)
	if err != nil {
		if errors.Is(err, pubsub.ErrNoPublisher) {
			return protocol.ActionResponse{}, ErrCallNotFound
		}
		return protocol.ActionResponse{}, fmt.Errorf("cluster action: %w", err)
	}

	var wire pb.ActionResponse
	if err := wire.Unmarshal(respPayload); err != nil {
		return protocol.ActionResponse{}, fmt.Errorf("decoding cluster action response: %w", err)
	}
	return protocol.ActionResponseFromPB(&wire), nil
}

// callWSURL builds the absolute WebSocket URL for a call's subscriber
// endpoint from the advertised HTTP base.
func callWSURL(httpPublic, direction string, id callid.ID, callToken string) string {
	base := httpPublic
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimSuffix(base, "/")
	return fmt.Sprintf("%s/call/%s/%s?token=%s", base, direction, id, callToken)
}
