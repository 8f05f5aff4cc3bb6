package callfsm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/hookqueue"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/protocol/pb"
	"github.com/atm0s-sip/gateway/internal/pubsub"
)

// fakeInDialog is a scripted IncomingDialog.
type fakeInDialog struct {
	mu         sync.Mutex
	events     chan DialogEvent
	offer      []byte
	tryings    int
	ringings   int
	accepts    int
	acceptSDP  []byte
	rejects    int
	terminates int
}

func newFakeInDialog() *fakeInDialog {
	return &fakeInDialog{
		events: make(chan DialogEvent, 16),
		offer:  []byte("v=0\r\no=- 2 2 IN IP4 10.0.0.5\r\ns=-\r\nt=0 0\r\n"),
	}
}

func (d *fakeInDialog) From() string     { return "+1666" }
func (d *fakeInDialog) To() string       { return "+1555" }
func (d *fakeInDialog) OfferSDP() []byte { return d.offer }

func (d *fakeInDialog) SendTrying(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tryings++
	return nil
}

func (d *fakeInDialog) SendRinging(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ringings++
	return nil
}

func (d *fakeInDialog) Accept(ctx context.Context, sdp []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepts++
	d.acceptSDP = sdp
	return nil
}

func (d *fakeInDialog) Reject(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejects++
	return nil
}

func (d *fakeInDialog) Terminate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminates++
	return nil
}

func (d *fakeInDialog) Events() <-chan DialogEvent { return d.events }

func (d *fakeInDialog) counts() (tryings, ringings, accepts, rejects, terminates int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tryings, d.ringings, d.accepts, d.rejects, d.terminates
}

// fakeAnswer is a scripted MediaAnswer.
type fakeAnswer struct {
	mu      sync.Mutex
	sdp     []byte
	creates int
	closed  int
	stream  protocol.StreamRef
}

func (m *fakeAnswer) CreateAnswer(ctx context.Context, remoteOfferSDP []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	return m.sdp, nil
}

func (m *fakeAnswer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

type incomingFixture struct {
	fsm     *Incoming
	dialog  *fakeInDialog
	answer  *fakeAnswer
	destroy chan callid.ID
	sub     pubsub.Subscription
	overlay *pubsub.LocalOverlay
	id      callid.ID
}

// newIncomingFixture builds an incoming FSM with a static route (implicit
// Ring) and one call-channel subscriber already attached.
func newIncomingFixture(t *testing.T) *incomingFixture {
	t.Helper()
	logger := slog.Default()
	overlay := pubsub.NewLocalOverlay(logger)
	id := callid.New()

	sub, err := overlay.Subscribe(pubsub.ChannelOfCall(id.String()), "test-sub")
	require.NoError(t, err)

	pub, err := overlay.Publisher(pubsub.ChannelOfCall(id.String()))
	require.NoError(t, err)

	dialog := newFakeInDialog()
	answer := &fakeAnswer{sdp: []byte("v=0\r\no=- 3 3 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n")}
	destroy := make(chan callid.ID, 4)
	emitter := NewEmitter(id, pub, nil, "", logger)
	notify := NewStaticNotifySender(overlay, "app1", "client1", logger)

	fsm := NewIncoming(
		id, dialog, emitter, pub, destroy, notify,
		func(stream protocol.StreamRef) MediaAnswer {
			answer.mu.Lock()
			answer.stream = stream
			answer.mu.Unlock()
			return answer
		},
		nil,
		protocol.IncomingCallArrivedPayload{
			CallID: id.String(), From: dialog.From(), To: dialog.To(),
			CallWS: "/call/incoming/" + id.String(),
		},
		logger,
	)
	return &incomingFixture{fsm: fsm, dialog: dialog, answer: answer, destroy: destroy, sub: sub, overlay: overlay, id: id}
}

func (f *incomingFixture) nextEvent(t *testing.T) pb.CallEvent {
	t.Helper()
	select {
	case payload := <-f.sub.Messages():
		return decodeEvent(t, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
		return pb.CallEvent{}
	}
}

func (f *incomingFixture) waitDestroy(t *testing.T) {
	t.Helper()
	select {
	case id := <-f.destroy:
		assert.Equal(t, f.fsm.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for destroy notice")
	}
}

func (f *incomingFixture) sendCommand(t *testing.T, req protocol.ActionRequest) protocol.ActionResponse {
	t.Helper()
	cmd := NewCommand(req)
	f.fsm.Commands() <- cmd
	select {
	case resp := <-cmd.Reply:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command reply")
		return protocol.ActionResponse{}
	}
}

func waitCondition(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestIncomingStaticRouteRingsAndNotifiesApp(t *testing.T) {
	f := newIncomingFixture(t)

	appSub, err := f.overlay.Subscribe(pubsub.NotifyChannel("app1", "client1"), "app-client")
	require.NoError(t, err)
	defer appSub.Close()

	go f.fsm.Run(context.Background())

	select {
	case payload := <-appSub.Messages():
		ev := decodeEvent(t, payload)
		require.NotNil(t, ev.Notify)
		assert.Equal(t, "arrived", ev.Notify.Kind)
		assert.Equal(t, "+1666", ev.Notify.From)
		assert.Equal(t, "+1555", ev.Notify.To)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for arrived notify")
	}

	waitCondition(t, func() bool {
		tryings, ringings, _, _, _ := f.dialog.counts()
		return tryings == 1 && ringings == 1
	})

	// Peer gives up before an answer.
	f.dialog.events <- DialogEvent{Kind: DialogCancelled}

	ev := f.nextEvent(t)
	require.NotNil(t, ev.Incoming)
	assert.Equal(t, "cancelled", ev.Incoming.Kind)

	ev = f.nextEvent(t)
	assert.Equal(t, "ended", ev.Incoming.Kind)
	f.waitDestroy(t)
}

func TestIncomingAcceptBridgesMediaAndEntersTalking(t *testing.T) {
	f := newIncomingFixture(t)
	go f.fsm.Run(context.Background())

	resp := f.sendCommand(t, protocol.ActionRequest{
		ReqID:  "a1",
		Action: protocol.ActionAccept,
		Stream: &protocol.StreamRef{Room: "r", Peer: "p"},
	})
	assert.Equal(t, protocol.ActionRespOK, resp.Kind)
	assert.Equal(t, "a1", resp.ReqID)

	ev := f.nextEvent(t)
	require.NotNil(t, ev.Incoming)
	assert.Equal(t, "accepted", ev.Incoming.Kind)

	_, _, accepts, _, _ := f.dialog.counts()
	assert.Equal(t, 1, accepts)
	assert.Equal(t, f.answer.sdp, f.dialog.acceptSDP)
	assert.Equal(t, "r", f.answer.stream.Room)

	// A second accept is refused.
	resp = f.sendCommand(t, protocol.ActionRequest{ReqID: "a2", Action: protocol.ActionAccept, Stream: &protocol.StreamRef{Room: "r2", Peer: "p2"}})
	assert.Equal(t, protocol.ActionRespError, resp.Kind)

	// End in talking terminates the session; the dialog reports back.
	resp = f.sendCommand(t, protocol.ActionRequest{ReqID: "a3", Action: protocol.ActionEnd})
	assert.Equal(t, protocol.ActionRespOK, resp.Kind)
	f.dialog.events <- DialogEvent{Kind: DialogTerminated}

	ev = f.nextEvent(t)
	assert.Equal(t, "ended", ev.Incoming.Kind)
	f.waitDestroy(t)
	assert.Equal(t, 1, f.answer.closed)
}

func TestIncomingEndInWaitRejectsWith486(t *testing.T) {
	f := newIncomingFixture(t)
	go f.fsm.Run(context.Background())

	resp := f.sendCommand(t, protocol.ActionRequest{ReqID: "e1", Action: protocol.ActionEnd})
	assert.Equal(t, protocol.ActionRespOK, resp.Kind)

	ev := f.nextEvent(t)
	require.NotNil(t, ev.Incoming)
	assert.Equal(t, "rejected", ev.Incoming.Kind)

	ev = f.nextEvent(t)
	assert.Equal(t, "ended", ev.Incoming.Kind)
	f.waitDestroy(t)

	_, _, _, rejects, _ := f.dialog.counts()
	assert.Equal(t, 1, rejects)
}

func TestIncomingPingAndAccept2(t *testing.T) {
	f := newIncomingFixture(t)
	go f.fsm.Run(context.Background())

	resp := f.sendCommand(t, protocol.ActionRequest{ReqID: "p1", Action: protocol.ActionPing})
	assert.Equal(t, protocol.ActionRespPong, resp.Kind)
	assert.True(t, resp.Live)

	// No WebRTC token surface configured: Accept2 yields a typed error.
	resp = f.sendCommand(t, protocol.ActionRequest{ReqID: "p2", Action: protocol.ActionAccept2})
	assert.Equal(t, protocol.ActionRespError, resp.Kind)

	resp = f.sendCommand(t, protocol.ActionRequest{ReqID: "p3", Action: protocol.ActionEnd})
	assert.Equal(t, protocol.ActionRespOK, resp.Kind)
	f.waitDestroy(t)
}

func TestIncomingActionRPCOverPubsub(t *testing.T) {
	f := newIncomingFixture(t)
	go f.fsm.Run(context.Background())

	waitCondition(t, func() bool {
		_, ringings, _, _, _ := f.dialog.counts()
		return ringings == 1
	})

	wire := protocol.ActionRequest{ReqID: "rpc1", Action: protocol.ActionPing}.PBAction().Marshal()
	respPayload, err := f.overlay.Request(context.Background(), pubsub.ChannelOfCall(f.id.String()), "action", wire)
	require.NoError(t, err)

	var resp pb.ActionResponse
	require.NoError(t, resp.Unmarshal(respPayload))
	assert.Equal(t, "rpc1", resp.ReqID)
	assert.Equal(t, "pong", resp.Kind)
	assert.True(t, resp.Live)

	// The destroy RPC ends the call regardless of payload action.
	wire = protocol.ActionRequest{ReqID: "rpc2", Action: protocol.ActionPing}.PBAction().Marshal()
	respPayload, err = f.overlay.Request(context.Background(), pubsub.ChannelOfCall(f.id.String()), "destroy", wire)
	require.NoError(t, err)
	require.NoError(t, resp.Unmarshal(respPayload))
	assert.Equal(t, "rpc2", resp.ReqID)

	f.waitDestroy(t)
}

func TestIncomingSubscriberAutoEnd(t *testing.T) {
	f := newIncomingFixture(t)
	go f.fsm.Run(context.Background())

	resp := f.sendCommand(t, protocol.ActionRequest{
		ReqID:  "s1",
		Action: protocol.ActionAccept,
		Stream: &protocol.StreamRef{Room: "r", Peer: "p"},
	})
	require.Equal(t, protocol.ActionRespOK, resp.Kind)

	// The only subscriber leaves; the FSM must terminate the session.
	f.sub.Close()

	waitCondition(t, func() bool {
		_, _, _, _, terminates := f.dialog.counts()
		return terminates == 1
	})

	f.dialog.events <- DialogEvent{Kind: DialogTerminated}
	f.waitDestroy(t)
}

func TestIncomingDynamicHookDirectsReject(t *testing.T) {
	var gotPayload protocol.IncomingCallArrivedPayload
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.IncomingCallNotifyResponse{Action: protocol.HookActionEnd}) //nolint:errcheck
	}))
	defer hookSrv.Close()

	logger := slog.Default()
	queue := hookqueue.New(2, logger)
	defer queue.Close()

	overlay := pubsub.NewLocalOverlay(logger)
	id := callid.New()
	pub, err := overlay.Publisher(pubsub.ChannelOfCall(id.String()))
	require.NoError(t, err)

	dialog := newFakeInDialog()
	destroy := make(chan callid.ID, 4)
	emitter := NewEmitter(id, pub, nil, "", logger)
	notify := NewDynamicNotifySender(queue.NewSender(hookSrv.URL, nil), logger)

	fsm := NewIncoming(
		id, dialog, emitter, pub, destroy, notify,
		func(protocol.StreamRef) MediaAnswer { t.Fatal("accept must not run"); return nil },
		nil,
		protocol.IncomingCallArrivedPayload{CallID: id.String(), From: "+1666", To: "+1555", CallWS: "/ws"},
		logger,
	)
	go fsm.Run(context.Background())

	select {
	case got := <-destroy:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for destroy notice")
	}

	assert.Equal(t, id.String(), gotPayload.CallID)
	tryings, _, _, rejects, _ := dialog.counts()
	assert.Equal(t, 1, tryings)
	assert.Equal(t, 1, rejects)
}
