// Package pb is the protobuf wire encoding for protocol.CallEvent, used
// for the Protobuf hook content type and for binary WebSocket framing.
//
// The gateway has no protoc toolchain available in this environment, so
// the message is encoded/decoded directly against the low-level
// google.golang.org/protobuf/encoding/protowire API rather than via
// generated code — the same wire format a .proto-generated struct would
// produce, field-compatible with a conventional CallEvent message:
//
//	message CallEvent {
//	  string call_id = 1;
//	  int64 timestamp_unix_nano = 2;
//	  OutgoingEvent outgoing = 3;
//	  IncomingEvent incoming = 4;
//	  NotifyEvent notify = 5;
//	}
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// OutgoingEvent mirrors protocol.OutgoingEvent on the wire.
type OutgoingEvent struct {
	Kind    string
	Code    int32
	Message string
}

// IncomingEvent mirrors protocol.IncomingEvent on the wire.
type IncomingEvent struct {
	Kind    string
	Message string
}

// NotifyEvent mirrors protocol.NotifyEvent on the wire.
type NotifyEvent struct {
	Kind      string
	CallID    string
	From      string
	To        string
	CallWS    string
	CallToken string
}

// CallEvent is the protobuf-encodable counterpart of protocol.CallEvent.
// Exactly one of Outgoing/Incoming/Notify is set.
type CallEvent struct {
	CallID            string
	TimestampUnixNano int64

	Outgoing *OutgoingEvent
	Incoming *IncomingEvent
	Notify   *NotifyEvent
}

const (
	fieldCallID    = 1
	fieldTimestamp = 2
	fieldOutgoing  = 3
	fieldIncoming  = 4
	fieldNotify    = 5
)

const (
	outgoingFieldKind    = 1
	outgoingFieldCode    = 2
	outgoingFieldMessage = 3

	incomingFieldKind    = 1
	incomingFieldMessage = 2

	notifyFieldKind      = 1
	notifyFieldCallID    = 2
	notifyFieldFrom      = 3
	notifyFieldTo        = 4
	notifyFieldCallWS    = 5
	notifyFieldCallToken = 6
)

// Marshal encodes e as a protobuf message.
func (e *CallEvent) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCallID, protowire.BytesType)
	b = protowire.AppendString(b, e.CallID)

	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TimestampUnixNano))

	if e.Outgoing != nil {
		sub := marshalOutgoing(e.Outgoing)
		b = protowire.AppendTag(b, fieldOutgoing, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if e.Incoming != nil {
		sub := marshalIncoming(e.Incoming)
		b = protowire.AppendTag(b, fieldIncoming, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if e.Notify != nil {
		sub := marshalNotify(e.Notify)
		b = protowire.AppendTag(b, fieldNotify, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func marshalOutgoing(o *OutgoingEvent) []byte {
	var b []byte
	b = protowire.AppendTag(b, outgoingFieldKind, protowire.BytesType)
	b = protowire.AppendString(b, o.Kind)
	b = protowire.AppendTag(b, outgoingFieldCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Code))
	if o.Message != "" {
		b = protowire.AppendTag(b, outgoingFieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, o.Message)
	}
	return b
}

func marshalIncoming(i *IncomingEvent) []byte {
	var b []byte
	b = protowire.AppendTag(b, incomingFieldKind, protowire.BytesType)
	b = protowire.AppendString(b, i.Kind)
	if i.Message != "" {
		b = protowire.AppendTag(b, incomingFieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, i.Message)
	}
	return b
}

func marshalNotify(n *NotifyEvent) []byte {
	var b []byte
	b = protowire.AppendTag(b, notifyFieldKind, protowire.BytesType)
	b = protowire.AppendString(b, n.Kind)
	b = protowire.AppendTag(b, notifyFieldCallID, protowire.BytesType)
	b = protowire.AppendString(b, n.CallID)
	b = protowire.AppendTag(b, notifyFieldFrom, protowire.BytesType)
	b = protowire.AppendString(b, n.From)
	b = protowire.AppendTag(b, notifyFieldTo, protowire.BytesType)
	b = protowire.AppendString(b, n.To)
	b = protowire.AppendTag(b, notifyFieldCallWS, protowire.BytesType)
	b = protowire.AppendString(b, n.CallWS)
	b = protowire.AppendTag(b, notifyFieldCallToken, protowire.BytesType)
	b = protowire.AppendString(b, n.CallToken)
	return b
}

// Unmarshal decodes b into e.
func (e *CallEvent) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("pb: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldCallID:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid call_id: %w", protowire.ParseError(m))
			}
			e.CallID = v
			b = b[m:]
		case fieldTimestamp:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid timestamp: %w", protowire.ParseError(m))
			}
			e.TimestampUnixNano = int64(v)
			b = b[m:]
		case fieldOutgoing:
			sub, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid outgoing: %w", protowire.ParseError(m))
			}
			out, err := unmarshalOutgoing(sub)
			if err != nil {
				return err
			}
			e.Outgoing = out
			b = b[m:]
		case fieldIncoming:
			sub, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid incoming: %w", protowire.ParseError(m))
			}
			in, err := unmarshalIncoming(sub)
			if err != nil {
				return err
			}
			e.Incoming = in
			b = b[m:]
		case fieldNotify:
			sub, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid notify: %w", protowire.ParseError(m))
			}
			nt, err := unmarshalNotify(sub)
			if err != nil {
				return err
			}
			e.Notify = nt
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("pb: invalid unknown field: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

func unmarshalOutgoing(b []byte) (*OutgoingEvent, error) {
	out := &OutgoingEvent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("pb: invalid outgoing tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case outgoingFieldKind:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			out.Kind = v
			b = b[m:]
		case outgoingFieldMessage:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			out.Message = v
			b = b[m:]
		case outgoingFieldCode:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			out.Code = int32(v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return out, nil
}

func unmarshalIncoming(b []byte) (*IncomingEvent, error) {
	in := &IncomingEvent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case incomingFieldKind:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			in.Kind = v
			b = b[m:]
		case incomingFieldMessage:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			in.Message = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return in, nil
}

func unmarshalNotify(b []byte) (*NotifyEvent, error) {
	nt := &NotifyEvent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		var v string
		var m int
		switch num {
		case notifyFieldKind:
			v, m = protowire.ConsumeString(b)
			nt.Kind = v
		case notifyFieldCallID:
			v, m = protowire.ConsumeString(b)
			nt.CallID = v
		case notifyFieldFrom:
			v, m = protowire.ConsumeString(b)
			nt.From = v
		case notifyFieldTo:
			v, m = protowire.ConsumeString(b)
			nt.To = v
		case notifyFieldCallWS:
			v, m = protowire.ConsumeString(b)
			nt.CallWS = v
		case notifyFieldCallToken:
			v, m = protowire.ConsumeString(b)
			nt.CallToken = v
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
			b = b[m:]
			continue
		}
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nt, nil
}
