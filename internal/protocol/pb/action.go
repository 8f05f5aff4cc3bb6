package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ActionRequest is the binary counterpart of protocol.ActionRequest, used
// for WebSocket client-to-server frames and pub/sub RPC payloads:
//
//	message ActionRequest {
//	  string req_id = 1;
//	  string action = 2;
//	  string room = 3;
//	  string peer = 4;
//	  bool record = 5;
//	}
type ActionRequest struct {
	ReqID  string
	Action string
	Room   string
	Peer   string
	Record bool
}

// ActionResponse mirrors protocol.ActionResponse on the wire:
//
//	message ActionResponse {
//	  string req_id = 1;
//	  string kind = 2;
//	  bool live = 3;
//	  string token = 4;
//	  string error = 5;
//	}
type ActionResponse struct {
	ReqID string
	Kind  string
	Live  bool
	Token string
	Error string
}

const (
	actionReqFieldReqID  = 1
	actionReqFieldAction = 2
	actionReqFieldRoom   = 3
	actionReqFieldPeer   = 4
	actionReqFieldRecord = 5

	actionRespFieldReqID = 1
	actionRespFieldKind  = 2
	actionRespFieldLive  = 3
	actionRespFieldToken = 4
	actionRespFieldError = 5
)

// Marshal encodes r as a protobuf message.
func (r *ActionRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, actionReqFieldReqID, protowire.BytesType)
	b = protowire.AppendString(b, r.ReqID)
	b = protowire.AppendTag(b, actionReqFieldAction, protowire.BytesType)
	b = protowire.AppendString(b, r.Action)
	if r.Room != "" {
		b = protowire.AppendTag(b, actionReqFieldRoom, protowire.BytesType)
		b = protowire.AppendString(b, r.Room)
	}
	if r.Peer != "" {
		b = protowire.AppendTag(b, actionReqFieldPeer, protowire.BytesType)
		b = protowire.AppendString(b, r.Peer)
	}
	if r.Record {
		b = protowire.AppendTag(b, actionReqFieldRecord, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// Unmarshal decodes b into r.
func (r *ActionRequest) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("pb: invalid action request tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case actionReqFieldReqID, actionReqFieldAction, actionReqFieldRoom, actionReqFieldPeer:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid action request field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case actionReqFieldReqID:
				r.ReqID = v
			case actionReqFieldAction:
				r.Action = v
			case actionReqFieldRoom:
				r.Room = v
			case actionReqFieldPeer:
				r.Peer = v
			}
			b = b[m:]
		case actionReqFieldRecord:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid action request record: %w", protowire.ParseError(m))
			}
			r.Record = v != 0
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

// Marshal encodes r as a protobuf message.
func (r *ActionResponse) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, actionRespFieldReqID, protowire.BytesType)
	b = protowire.AppendString(b, r.ReqID)
	b = protowire.AppendTag(b, actionRespFieldKind, protowire.BytesType)
	b = protowire.AppendString(b, r.Kind)
	if r.Live {
		b = protowire.AppendTag(b, actionRespFieldLive, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if r.Token != "" {
		b = protowire.AppendTag(b, actionRespFieldToken, protowire.BytesType)
		b = protowire.AppendString(b, r.Token)
	}
	if r.Error != "" {
		b = protowire.AppendTag(b, actionRespFieldError, protowire.BytesType)
		b = protowire.AppendString(b, r.Error)
	}
	return b
}

// Unmarshal decodes b into r.
func (r *ActionResponse) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("pb: invalid action response tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case actionRespFieldReqID, actionRespFieldKind, actionRespFieldToken, actionRespFieldError:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid action response field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case actionRespFieldReqID:
				r.ReqID = v
			case actionRespFieldKind:
				r.Kind = v
			case actionRespFieldToken:
				r.Token = v
			case actionRespFieldError:
				r.Error = v
			}
			b = b[m:]
		case actionRespFieldLive:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("pb: invalid action response live: %w", protowire.ParseError(m))
			}
			r.Live = v != 0
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
