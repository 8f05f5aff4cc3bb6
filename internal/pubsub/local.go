package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// LocalOverlay is the in-process Overlay used when the node runs standalone
// (no SDN peer id configured). Channels exist only within this process;
// publish order is preserved per channel because fan-out happens under the
// channel lock.
type LocalOverlay struct {
	mu       sync.Mutex
	channels map[ChannelID]*localChannel
	logger   *slog.Logger
}

// NewLocalOverlay creates an empty in-process overlay.
func NewLocalOverlay(logger *slog.Logger) *LocalOverlay {
	return &LocalOverlay{
		channels: make(map[ChannelID]*localChannel),
		logger:   logger.With("subsystem", "pubsub-local"),
	}
}

type localChannel struct {
	id        ChannelID
	publisher *localPublisher
	subs      map[string]*localSub
}

type localPublisher struct {
	overlay *LocalOverlay
	ch      *localChannel
	events  chan Event
	closed  bool
}

type localSub struct {
	overlay *LocalOverlay
	ch      *localChannel
	peer    string
	msgs    chan []byte
	closed  bool
}

func (o *LocalOverlay) channel(ch ChannelID) *localChannel {
	c, ok := o.channels[ch]
	if !ok {
		c = &localChannel{id: ch, subs: make(map[string]*localSub)}
		o.channels[ch] = c
	}
	return c
}

// gc removes a channel that has neither publisher nor subscribers.
// Caller must hold o.mu.
func (o *LocalOverlay) gc(c *localChannel) {
	if c.publisher == nil && len(c.subs) == 0 {
		delete(o.channels, c.id)
	}
}

// Publisher implements Overlay.
func (o *LocalOverlay) Publisher(ch ChannelID) (Publisher, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c := o.channel(ch)
	if c.publisher != nil && !c.publisher.closed {
		// A duplicate publisher indicates a call-id collision; treat the
		// newcomer as the owner, matching last-writer-wins channel takeover.
		o.logger.Warn("channel already has a publisher, replacing", "channel", ch)
		c.publisher.closeLocked()
	}

	p := &localPublisher{overlay: o, ch: c, events: make(chan Event, 64)}
	c.publisher = p

	// Subscribers that attached before the publisher surface as joins now,
	// so the publisher's membership view starts complete.
	for peer := range c.subs {
		p.deliver(Event{Kind: PeerJoined, Peer: peer})
	}
	return p, nil
}

func (p *localPublisher) deliver(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.overlay.logger.Warn("publisher event buffer full, dropping", "channel", p.ch.id, "kind", ev.Kind)
	}
}

func (p *localPublisher) Events() <-chan Event { return p.events }

func (p *localPublisher) Publish(payload []byte) error {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for _, sub := range p.ch.subs {
		sub.deliver(payload)
	}
	return nil
}

func (p *localPublisher) Close() {
	p.overlay.mu.Lock()
	defer p.overlay.mu.Unlock()
	p.closeLocked()
	p.overlay.gc(p.ch)
}

func (p *localPublisher) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	if p.ch.publisher == p {
		p.ch.publisher = nil
	}
	close(p.events)
}

// Subscribe implements Overlay.
func (o *LocalOverlay) Subscribe(ch ChannelID, peer string) (Subscription, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c := o.channel(ch)
	s := &localSub{overlay: o, ch: c, peer: peer, msgs: make(chan []byte, 256)}
	c.subs[peer] = s
	if c.publisher != nil {
		c.publisher.deliver(Event{Kind: PeerJoined, Peer: peer})
	}
	return s, nil
}

func (s *localSub) deliver(payload []byte) {
	select {
	case s.msgs <- payload:
	default:
		s.overlay.logger.Warn("subscriber buffer full, dropping message", "channel", s.ch.id, "peer", s.peer)
	}
}

func (s *localSub) Messages() <-chan []byte { return s.msgs }

func (s *localSub) Close() {
	s.overlay.mu.Lock()
	defer s.overlay.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.ch.subs, s.peer)
	close(s.msgs)
	if s.ch.publisher != nil {
		s.ch.publisher.deliver(Event{Kind: PeerLeft, Peer: s.peer})
	}
	s.overlay.gc(s.ch)
}

// PublishGuest implements Overlay.
func (o *LocalOverlay) PublishGuest(ch ChannelID, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.channels[ch]
	if !ok {
		return nil
	}
	for _, sub := range c.subs {
		sub.deliver(payload)
	}
	return nil
}

// Request implements Overlay.
func (o *LocalOverlay) Request(ctx context.Context, ch ChannelID, method string, payload []byte) ([]byte, error) {
	o.mu.Lock()
	c, ok := o.channels[ch]
	if !ok || c.publisher == nil || c.publisher.closed {
		o.mu.Unlock()
		return nil, ErrNoPublisher
	}
	req := &Request{Method: method, Payload: payload, reply: make(chan []byte, 1)}
	c.publisher.deliver(Event{Kind: RPC, Req: req})
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewRequest builds a Request with a reply slot, for overlays implemented
// outside this package.
func NewRequest(method string, payload []byte) (*Request, <-chan []byte) {
	req := &Request{Method: method, Payload: payload, reply: make(chan []byte, 1)}
	return req, req.reply
}
