// Package pubsub defines the cluster pub/sub overlay boundary: per-call
// channels with publish, subscribe, guest publish, and RPC-style feedback
// requests. The overlay itself is an external collaborator; this package
// holds the interface each call publishes through plus an in-process
// implementation sufficient for a standalone node.
package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ChannelID identifies one pub/sub channel across the cluster.
type ChannelID uint64

// ChannelOfCall maps an internal call-id to its per-call channel.
func ChannelOfCall(callID string) ChannelID {
	return ChannelID(xxhash.Sum64String("call:" + callID))
}

// NotifyChannel maps an (app, client) pair to the app's incoming-call
// notification channel.
func NotifyChannel(appID, clientID string) ChannelID {
	return ChannelID(xxhash.Sum64String("noti:" + appID + ":" + clientID))
}

// RPCTimeout bounds every feedback request against a channel's publisher.
const RPCTimeout = 2 * time.Second

var (
	// ErrNoPublisher is returned by Request when the channel has no live
	// publisher on this overlay.
	ErrNoPublisher = errors.New("pubsub: channel has no publisher")

	// ErrClosed is returned when publishing through a closed handle.
	ErrClosed = errors.New("pubsub: closed")
)

// EventKind discriminates events delivered to a channel's publisher.
type EventKind int

const (
	// PeerJoined is delivered when a subscriber attaches to the channel.
	PeerJoined EventKind = iota
	// PeerLeft is delivered when a subscriber detaches.
	PeerLeft
	// RPC is a feedback request awaiting a reply from the publisher.
	RPC
)

// Event is one control event delivered to a publisher.
type Event struct {
	Kind EventKind
	Peer string

	// Req is set for RPC events.
	Req *Request
}

// Request is an RPC-style feedback request routed to a channel's publisher.
// The publisher must call Reply exactly once; the payload is opaque to the
// overlay.
type Request struct {
	Method  string
	Payload []byte

	reply chan []byte
}

// Reply delivers the response payload to the requester. Safe to call once;
// further calls are dropped.
func (r *Request) Reply(payload []byte) {
	select {
	case r.reply <- payload:
	default:
	}
}

// Publisher is one call's handle on its channel: it publishes events and
// receives control events (peer membership, RPC feedback).
type Publisher interface {
	// Events delivers peer join/leave and RPC feedback. The channel is
	// closed when the publisher is closed.
	Events() <-chan Event

	// Publish fans a payload out to every current subscriber.
	Publish(payload []byte) error

	Close()
}

// Subscription is a subscriber's handle on a channel.
type Subscription interface {
	// Messages delivers published payloads in publish order. Closed when
	// the subscription is closed.
	Messages() <-chan []byte

	Close()
}

// Overlay is the cluster pub/sub surface the gateway depends on.
type Overlay interface {
	// Publisher attaches as the channel's publisher. One publisher per
	// channel; a call owns its channel for its lifetime.
	Publisher(ch ChannelID) (Publisher, error)

	// Subscribe attaches as a subscriber identified by peer. The channel's
	// publisher observes a PeerJoined/PeerLeft pair around the
	// subscription's lifetime.
	Subscribe(ch ChannelID, peer string) (Subscription, error)

	// PublishGuest publishes one payload to a channel's subscribers
	// without attaching as publisher (used for app notify channels).
	PublishGuest(ch ChannelID, payload []byte) error

	// Request issues an RPC feedback call to the channel's publisher and
	// waits for the reply, bounded by RPCTimeout (or ctx, whichever is
	// sooner).
	Request(ctx context.Context, ch ChannelID, method string, payload []byte) ([]byte, error)
}
