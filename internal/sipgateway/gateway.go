// Package sipgateway wraps the sipgo SIP stack behind the narrow surface
// the call engine needs: accept or reject an inbound INVITE, drive an
// outbound INVITE through its responses (including digest auth retry),
// and tear established sessions down with BYE. Everything else the stack
// can do stays behind this boundary.
package sipgateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Gateway is the process-wide SIP endpoint: one UDP listener, one client
// for outbound requests, and the routing tables that map SIP Call-IDs to
// live inbound invites and established sessions.
type Gateway struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	sipAddr string
	contact string

	incoming chan *InboundCall

	mu       sync.Mutex
	inbound  map[string]*InboundCall // pending inbound INVITEs by SIP Call-ID
	sessions map[string]session      // established dialogs by SIP Call-ID

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// session is an established dialog that can receive a peer BYE.
type session interface {
	handleBye()
}

// NewGateway creates the SIP endpoint. publicIP is advertised in the
// Contact header; the port is taken from sipAddr.
func NewGateway(sipAddr, publicIP string, logger *slog.Logger) (*Gateway, error) {
	logger = logger.With("component", "sip")

	_, portStr, err := net.SplitHostPort(sipAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing sip addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing sip port: %w", err)
	}
	if publicIP == "" {
		publicIP = "127.0.0.1"
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("atm0s"),
		sipgo.WithUserAgentHostname(publicIP),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	g := &Gateway{
		ua:       ua,
		srv:      srv,
		client:   client,
		sipAddr:  sipAddr,
		contact:  fmt.Sprintf("<sip:atm0s@%s:%d>", publicIP, port),
		incoming: make(chan *InboundCall, 64),
		inbound:  make(map[string]*InboundCall),
		sessions: make(map[string]session),
		logger:   logger,
	}

	srv.OnInvite(g.handleInvite)
	srv.OnCancel(g.handleCancel)
	srv.OnBye(g.handleBye)
	srv.OnAck(g.handleAck)

	return g, nil
}

// Incoming surfaces inbound INVITEs awaiting admission.
func (g *Gateway) Incoming() <-chan *InboundCall { return g.incoming }

// Contact is the advertised Contact header value.
func (g *Gateway) Contact() string { return g.contact }

// Start begins listening on UDP. It returns immediately; listener errors
// are logged, not returned.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.logger.Info("sip udp listener starting", "addr", g.sipAddr)
		if err := g.srv.ListenAndServe(ctx, "udp", g.sipAddr); err != nil {
			g.logger.Error("sip udp listener stopped", "error", err)
		}
	}()
}

// Stop shuts the listeners down and waits for them.
func (g *Gateway) Stop() {
	g.logger.Info("stopping sip gateway")
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.client.Close()
	g.srv.Close()
	g.ua.Close()
	g.logger.Info("sip gateway stopped")
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// handleInvite surfaces a new inbound call to the manager. Re-INVITEs on
// established dialogs are refused; session refresh is not supported.
func (g *Gateway) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	g.mu.Lock()
	_, inDialog := g.sessions[callID]
	_, pending := g.inbound[callID]
	g.mu.Unlock()

	if inDialog || pending {
		g.logger.Debug("re-invite refused", "call_id", callID)
		res := sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		if err := tx.Respond(res); err != nil {
			g.logger.Error("failed to respond to re-invite", "error", err)
		}
		return
	}

	from := ""
	if h := req.From(); h != nil {
		from = h.Address.User
	}
	to := ""
	if h := req.To(); h != nil {
		to = h.Address.User
	}

	host, _, err := net.SplitHostPort(req.Source())
	if err != nil {
		host = req.Source()
	}
	remoteIP := net.ParseIP(host)

	g.logger.Info("sip invite received",
		"call_id", callID,
		"from", from,
		"to", to,
		"source", req.Source(),
	)

	call := newInboundCall(g, req, tx, from, to, remoteIP)

	g.mu.Lock()
	g.inbound[callID] = call
	g.mu.Unlock()

	select {
	case g.incoming <- call:
	default:
		g.logger.Error("incoming call queue full, rejecting", "call_id", callID)
		call.respondFailure(503, "Service Unavailable")
		call.finish()
	}
}

// handleCancel aborts a pending inbound INVITE: 200 to the CANCEL itself,
// 487 on the INVITE transaction, and a Cancelled event for the call's FSM.
func (g *Gateway) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	g.logger.Info("sip cancel received", "call_id", callID, "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to respond to cancel", "error", err)
	}

	g.mu.Lock()
	call := g.inbound[callID]
	g.mu.Unlock()

	if call == nil {
		g.logger.Warn("cancel for unknown call", "call_id", callID)
		return
	}
	call.peerCancelled()
}

// handleBye tears an established session down from the peer's side.
func (g *Gateway) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	g.logger.Info("sip bye received", "call_id", callID, "source", req.Source())

	g.mu.Lock()
	sess := g.sessions[callID]
	g.mu.Unlock()

	if sess == nil {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			g.logger.Error("failed to respond to bye", "error", err)
		}
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		g.logger.Error("failed to respond to bye", "error", err)
	}
	sess.handleBye()
}

// handleAck confirms an established dialog. ACKs have no response.
func (g *Gateway) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	g.logger.Debug("sip ack received", "call_id", callIDOf(req), "source", req.Source())
}

func (g *Gateway) registerSession(callID string, s session) {
	g.mu.Lock()
	g.sessions[callID] = s
	g.mu.Unlock()
}

func (g *Gateway) unregister(callID string) {
	g.mu.Lock()
	delete(g.inbound, callID)
	delete(g.sessions, callID)
	g.mu.Unlock()
}
