package protocol

import "github.com/atm0s-sip/gateway/internal/protocol/pb"

// PB converts the event into its protobuf wire counterpart.
func (e CallEvent) PB() *pb.CallEvent {
	out := &pb.CallEvent{
		CallID:            e.CallID,
		TimestampUnixNano: e.Timestamp.UnixNano(),
	}
	if e.Outgoing != nil {
		out.Outgoing = &pb.OutgoingEvent{
			Kind:    string(e.Outgoing.Kind),
			Code:    int32(e.Outgoing.Code),
			Message: e.Outgoing.Message,
		}
	}
	if e.Incoming != nil {
		out.Incoming = &pb.IncomingEvent{
			Kind:    string(e.Incoming.Kind),
			Message: e.Incoming.Message,
		}
	}
	if e.Notify != nil {
		out.Notify = &pb.NotifyEvent{
			Kind:      string(e.Notify.Kind),
			CallID:    e.Notify.CallID,
			From:      e.Notify.From,
			To:        e.Notify.To,
			CallWS:    e.Notify.CallWS,
			CallToken: e.Notify.CallToken,
		}
	}
	return out
}

// PBAction converts an action request into its protobuf wire counterpart.
func (r ActionRequest) PBAction() *pb.ActionRequest {
	out := &pb.ActionRequest{
		ReqID:  r.ReqID,
		Action: string(r.Action),
	}
	if r.Stream != nil {
		out.Room = r.Stream.Room
		out.Peer = r.Stream.Peer
		out.Record = r.Stream.Record
	}
	return out
}

// ActionRequestFromPB converts a wire action request back to the JSON-side
// union.
func ActionRequestFromPB(in *pb.ActionRequest) ActionRequest {
	out := ActionRequest{
		ReqID:  in.ReqID,
		Action: ActionKind(in.Action),
	}
	if in.Room != "" || in.Peer != "" || in.Record {
		out.Stream = &StreamRef{Room: in.Room, Peer: in.Peer, Record: in.Record}
	}
	return out
}

// PBResponse converts an action response into its protobuf wire counterpart.
func (r ActionResponse) PBResponse() *pb.ActionResponse {
	return &pb.ActionResponse{
		ReqID: r.ReqID,
		Kind:  string(r.Kind),
		Live:  r.Live,
		Token: r.Token,
		Error: r.Error,
	}
}

// ActionResponseFromPB converts a wire action response back to the
// JSON-side union.
func ActionResponseFromPB(in *pb.ActionResponse) ActionResponse {
	return ActionResponse{
		ReqID: in.ReqID,
		Kind:  ActionResponseKind(in.Kind),
		Live:  in.Live,
		Token: in.Token,
		Error: in.Error,
	}
}
