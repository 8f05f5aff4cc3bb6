package callfsm

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/protocol/pb"
	"github.com/atm0s-sip/gateway/internal/pubsub"
)

// fakeOutDialog is a scripted OutgoingDialog: the test pushes events into
// Events() and observes what the FSM sent.
type fakeOutDialog struct {
	mu         sync.Mutex
	events     chan DialogEvent
	invites    int
	cancels    int
	terminates int
	challenges []string
}

func newFakeOutDialog() *fakeOutDialog {
	return &fakeOutDialog{events: make(chan DialogEvent, 16)}
}

func (d *fakeOutDialog) SendInvite(ctx context.Context, sdp []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invites++
	return nil
}

func (d *fakeOutDialog) SendCancel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
	return nil
}

func (d *fakeOutDialog) Terminate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminates++
	return nil
}

func (d *fakeOutDialog) ApplyChallenge(code int, challenge string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.challenges = append(d.challenges, challenge)
	return nil
}

func (d *fakeOutDialog) Events() <-chan DialogEvent { return d.events }

func (d *fakeOutDialog) counts() (invites, cancels, terminates, challenges int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invites, d.cancels, d.terminates, len(d.challenges)
}

// fakeOffer is a scripted MediaOffer.
type fakeOffer struct {
	mu       sync.Mutex
	sdp      []byte
	creates  int
	answers  int
	closed   int
	answered bool
}

func (m *fakeOffer) CreateOffer(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	return m.sdp, nil
}

func (m *fakeOffer) SetAnswer(ctx context.Context, remoteSDP []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers++
	m.answered = true
	return nil
}

func (m *fakeOffer) Answered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answered
}

func (m *fakeOffer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

type outgoingFixture struct {
	fsm     *Outgoing
	dialog  *fakeOutDialog
	media   *fakeOffer
	destroy chan callid.ID
	sub     pubsub.Subscription
}

func newOutgoingFixture(t *testing.T, hasAuth bool) *outgoingFixture {
	t.Helper()
	logger := slog.Default()
	overlay := pubsub.NewLocalOverlay(logger)
	id := callid.New()

	sub, err := overlay.Subscribe(pubsub.ChannelOfCall(id.String()), "test-sub")
	require.NoError(t, err)

	pub, err := overlay.Publisher(pubsub.ChannelOfCall(id.String()))
	require.NoError(t, err)

	dialog := newFakeOutDialog()
	media := &fakeOffer{sdp: []byte("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n")}
	destroy := make(chan callid.ID, 4)
	emitter := NewEmitter(id, pub, nil, "", logger)

	fsm := NewOutgoing(id, dialog, media, emitter, pub, destroy, hasAuth, logger)
	return &outgoingFixture{fsm: fsm, dialog: dialog, media: media, destroy: destroy, sub: sub}
}

func decodeEvent(t *testing.T, payload []byte) pb.CallEvent {
	t.Helper()
	var ev pb.CallEvent
	require.NoError(t, ev.Unmarshal(payload))
	return ev
}

// nextEvent pulls the next published event, failing on timeout.
func (f *outgoingFixture) nextEvent(t *testing.T) pb.CallEvent {
	t.Helper()
	select {
	case payload := <-f.sub.Messages():
		return decodeEvent(t, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
		return pb.CallEvent{}
	}
}

func (f *outgoingFixture) waitDestroy(t *testing.T) {
	t.Helper()
	select {
	case id := <-f.destroy:
		assert.Equal(t, f.fsm.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for destroy notice")
	}
}

func TestOutgoingAuthRetrySucceeds(t *testing.T) {
	f := newOutgoingFixture(t, true)
	go f.fsm.Run(context.Background())

	f.dialog.events <- DialogEvent{Kind: DialogFailure, Code: 401, Challenge: `Digest realm="sip", nonce="abc"`}
	f.dialog.events <- DialogEvent{Kind: DialogProvisional, Code: 100}
	f.dialog.events <- DialogEvent{Kind: DialogSession, Code: 200, Body: []byte("v=0\r\n")}

	ev := f.nextEvent(t)
	require.NotNil(t, ev.Outgoing)
	assert.Equal(t, "provisional", ev.Outgoing.Kind)
	assert.Equal(t, int32(100), ev.Outgoing.Code)

	ev = f.nextEvent(t)
	require.NotNil(t, ev.Outgoing)
	assert.Equal(t, "accepted", ev.Outgoing.Kind)
	assert.Equal(t, int32(200), ev.Outgoing.Code)

	f.dialog.events <- DialogEvent{Kind: DialogTerminated}
	ev = f.nextEvent(t)
	assert.Equal(t, "ended", ev.Outgoing.Kind)
	f.waitDestroy(t)

	invites, _, _, challenges := f.dialog.counts()
	assert.Equal(t, 2, invites)
	assert.Equal(t, 1, challenges)
	assert.True(t, f.media.Answered())
}

func TestOutgoingAuthRetryExhaustedEmitsSingleFailure(t *testing.T) {
	f := newOutgoingFixture(t, true)
	go f.fsm.Run(context.Background())

	f.dialog.events <- DialogEvent{Kind: DialogFailure, Code: 401, Challenge: `Digest realm="sip", nonce="abc"`}
	f.dialog.events <- DialogEvent{Kind: DialogFailure, Code: 401, Challenge: `Digest realm="sip", nonce="def"`}

	ev := f.nextEvent(t)
	require.NotNil(t, ev.Outgoing)
	assert.Equal(t, "failure", ev.Outgoing.Kind)
	assert.Equal(t, int32(401), ev.Outgoing.Code)

	ev = f.nextEvent(t)
	assert.Equal(t, "ended", ev.Outgoing.Kind)
	f.waitDestroy(t)

	invites, _, _, _ := f.dialog.counts()
	assert.Equal(t, 2, invites)
}

func TestOutgoingWithoutCredentialsFailsOn401(t *testing.T) {
	f := newOutgoingFixture(t, false)
	go f.fsm.Run(context.Background())

	f.dialog.events <- DialogEvent{Kind: DialogFailure, Code: 401, Challenge: `Digest realm="sip"`}

	ev := f.nextEvent(t)
	require.NotNil(t, ev.Outgoing)
	assert.Equal(t, "failure", ev.Outgoing.Kind)

	f.waitDestroy(t)
	invites, _, _, challenges := f.dialog.counts()
	assert.Equal(t, 1, invites)
	assert.Zero(t, challenges)
}

func TestOutgoingEndWhileCallingEmitsCancelledOnce(t *testing.T) {
	f := newOutgoingFixture(t, false)
	go f.fsm.Run(context.Background())

	cmd := NewCommand(protocol.ActionRequest{ReqID: "r1", Action: protocol.ActionEnd})
	f.fsm.Commands() <- cmd

	select {
	case resp := <-cmd.Reply:
		assert.Equal(t, protocol.ActionRespOK, resp.Kind)
		assert.Equal(t, "r1", resp.ReqID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command reply")
	}

	ev := f.nextEvent(t)
	require.NotNil(t, ev.Outgoing)
	assert.Equal(t, "cancelled", ev.Outgoing.Kind)

	// Peer answers the CANCEL with 487 on the INVITE transaction.
	f.dialog.events <- DialogEvent{Kind: DialogFailure, Code: 487}

	ev = f.nextEvent(t)
	assert.Equal(t, "ended", ev.Outgoing.Kind)
	f.waitDestroy(t)

	_, cancels, _, _ := f.dialog.counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, 1, f.media.closed)
}

func TestOutgoingEndWhileTalkingTerminatesSession(t *testing.T) {
	f := newOutgoingFixture(t, false)
	go f.fsm.Run(context.Background())

	f.dialog.events <- DialogEvent{Kind: DialogSession, Code: 200, Body: []byte("v=0\r\n")}
	ev := f.nextEvent(t)
	assert.Equal(t, "accepted", ev.Outgoing.Kind)

	cmd := NewCommand(protocol.ActionRequest{ReqID: "r2", Action: protocol.ActionEnd})
	f.fsm.Commands() <- cmd
	<-cmd.Reply

	f.dialog.events <- DialogEvent{Kind: DialogTerminated}
	ev = f.nextEvent(t)
	assert.Equal(t, "ended", ev.Outgoing.Kind)
	f.waitDestroy(t)

	_, _, terminates, _ := f.dialog.counts()
	assert.Equal(t, 1, terminates)
}

func TestOutgoingTimestampsNeverDecrease(t *testing.T) {
	f := newOutgoingFixture(t, false)
	go f.fsm.Run(context.Background())

	f.dialog.events <- DialogEvent{Kind: DialogProvisional, Code: 100}
	f.dialog.events <- DialogEvent{Kind: DialogProvisional, Code: 180}
	f.dialog.events <- DialogEvent{Kind: DialogFailure, Code: 486}

	var last int64
	for i := 0; i < 4; i++ {
		ev := f.nextEvent(t)
		assert.GreaterOrEqual(t, ev.TimestampUnixNano, last)
		last = ev.TimestampUnixNano
	}
	f.waitDestroy(t)
}
