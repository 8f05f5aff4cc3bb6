package callmanager

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm0s-sip/gateway/internal/callfsm"
	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/directory"
	"github.com/atm0s-sip/gateway/internal/hookqueue"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/protocol/pb"
	"github.com/atm0s-sip/gateway/internal/pubsub"
	"github.com/atm0s-sip/gateway/internal/token"
)

func newTestManager(t *testing.T) (*Manager, *pubsub.LocalOverlay) {
	t.Helper()
	logger := slog.Default()
	overlay := pubsub.NewLocalOverlay(logger)
	hooks := hookqueue.New(1, logger)
	t.Cleanup(hooks.Close)

	m := New(
		Config{HTTPPublic: "http://gw.example.com:8008", MediaGateway: "http://media.example.com"},
		nil,
		directory.New("root-secret"),
		token.NewSigner("root-secret"),
		hooks,
		overlay,
		logger,
	)
	return m, overlay
}

func TestActionRoutesToLocalCall(t *testing.T) {
	m, _ := newTestManager(t)

	id := callid.New()
	cmds := make(chan callfsm.Command, 1)
	m.mu.Lock()
	m.inCalls[id] = &callHandle{cmds: cmds}
	m.mu.Unlock()

	// Service the command channel the way an FSM goroutine would.
	go func() {
		cmd := <-cmds
		cmd.Reply <- protocol.ActionResponse{ReqID: cmd.Req.ReqID, Kind: protocol.ActionRespPong, Live: true}
	}()

	resp, err := m.Action(context.Background(), token.Incoming, id, protocol.ActionRequest{ReqID: "q1", Action: protocol.ActionPing})
	require.NoError(t, err)
	assert.Equal(t, "q1", resp.ReqID)
	assert.Equal(t, protocol.ActionRespPong, resp.Kind)
	assert.True(t, resp.Live)
}

func TestActionDirectionSelectsMap(t *testing.T) {
	m, _ := newTestManager(t)

	id := callid.New()
	cmds := make(chan callfsm.Command, 1)
	m.mu.Lock()
	m.inCalls[id] = &callHandle{cmds: cmds}
	m.mu.Unlock()

	// An outgoing-direction token must not reach an incoming call; with no
	// publisher on the channel either, the call is simply not found.
	_, err := m.Action(context.Background(), token.Outgoing, id, protocol.ActionRequest{ReqID: "q2", Action: protocol.ActionEnd})
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestActionFallsBackToClusterRPC(t *testing.T) {
	m, overlay := newTestManager(t)

	// The call lives on "another node": only its channel publisher is
	// reachable through the overlay.
	id := callid.New()
	pub, err := overlay.Publisher(pubsub.ChannelOfCall(id.String()))
	require.NoError(t, err)
	defer pub.Close()

	go func() {
		for ev := range pub.Events() {
			if ev.Kind != pubsub.RPC {
				continue
			}
			var wire pb.ActionRequest
			if err := wire.Unmarshal(ev.Req.Payload); err != nil {
				continue
			}
			ev.Req.Reply(protocol.ActionResponse{
				ReqID: wire.ReqID,
				Kind:  protocol.ActionRespOK,
			}.PBResponse().Marshal())
		}
	}()

	resp, err := m.Action(context.Background(), token.Incoming, id, protocol.ActionRequest{ReqID: "x1", Action: protocol.ActionRing})
	require.NoError(t, err)
	assert.Equal(t, "x1", resp.ReqID)
	assert.Equal(t, protocol.ActionRespOK, resp.Kind)
}

func TestActionUnknownCallEverywhereIsNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.Action(ctx, token.Incoming, callid.New(), protocol.ActionRequest{Action: protocol.ActionEnd})
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestDestroyNoticeForUnknownCallIsNotFatal(t *testing.T) {
	m, _ := newTestManager(t)
	m.removeCall(callid.New())

	out, in := m.LiveCalls()
	assert.Zero(t, out)
	assert.Zero(t, in)
}

func TestDestroyNoticeRemovesExactlyOneEntry(t *testing.T) {
	m, _ := newTestManager(t)

	id := callid.New()
	m.mu.Lock()
	m.outCalls[id] = &callHandle{cmds: make(chan callfsm.Command)}
	m.mu.Unlock()

	m.removeCall(id)
	out, in := m.LiveCalls()
	assert.Zero(t, out)
	assert.Zero(t, in)

	// A duplicate notice is logged, not fatal.
	m.removeCall(id)
}

func TestCreateCallValidatesRequest(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CreateCall(directory.AppInfo{}, protocol.CreateCallRequest{From: "+1555"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCallWSURL(t *testing.T) {
	id := callid.ID("12345")
	assert.Equal(t,
		"ws://gw.example.com:8008/call/incoming/12345?token=tok",
		callWSURL("http://gw.example.com:8008", "incoming", id, "tok"),
	)
	assert.Equal(t,
		"wss://gw.example.com/call/outgoing/12345?token=tok",
		callWSURL("https://gw.example.com/", "outgoing", id, "tok"),
	)
}
