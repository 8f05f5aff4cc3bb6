package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/protocol/pb"
	"github.com/atm0s-sip/gateway/internal/pubsub"
	"github.com/atm0s-sip/gateway/internal/token"
)

// wsPingInterval is how often the server pings each WebSocket client.
const wsPingInterval = 5 * time.Second

// handleCallWS upgrades /call/{direction}/{id}?token=… to the per-call
// subscriber channel: server-to-client binary call events, client-to-server
// binary action requests answered with a response carrying the same req_id.
func (s *Server) handleCallWS(direction token.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.verifyCallToken(r, direction, id) {
			writeError(w, http.StatusBadRequest, "WrongToken")
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "call_id", id, "error", err)
			return
		}

		go s.serveCallWS(conn, direction, callid.ID(id))
	}
}

func (s *Server) serveCallWS(conn net.Conn, direction token.Direction, id callid.ID) {
	defer conn.Close()
	logger := s.logger.With("call_id", id)

	peer := "ws-" + uuid.NewString()
	sub, err := s.overlay.Subscribe(pubsub.ChannelOfCall(id.String()), peer)
	if err != nil {
		logger.Error("subscribing call channel failed", "error", err)
		return
	}
	defer sub.Close()

	// All frames leave through the writer goroutine: published events,
	// action replies, and the 5-second pings share one writer.
	replies := make(chan []byte, 16)
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				if err := wsutil.WriteServerBinary(conn, msg); err != nil {
					return
				}
			case resp := <-replies:
				if err := wsutil.WriteServerBinary(conn, resp); err != nil {
					return
				}
			case <-ticker.C:
				if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
					return
				}
			}
		}
	}()
	defer close(done)

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			logger.Debug("websocket closed", "error", err)
			return
		}
		if op != ws.OpBinary {
			continue
		}

		var wire pb.ActionRequest
		if err := wire.Unmarshal(data); err != nil {
			logger.Warn("bad websocket action frame", "error", err)
			continue
		}
		req := protocol.ActionRequestFromPB(&wire)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := s.calls.Action(ctx, direction, id, req)
		cancel()
		if err != nil {
			resp = protocol.ActionResponse{ReqID: req.ReqID, Kind: protocol.ActionRespError, Error: err.Error()}
		}

		select {
		case replies <- resp.PBResponse().Marshal():
		case <-done:
			return
		}
	}
}

// handleNotifyWS upgrades /notify?token=… to the per-app incoming-call
// notification channel.
func (s *Server) handleNotifyWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.signer.VerifyNotifyToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "WrongToken")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("notify websocket upgrade failed", "app", claims.AppID, "error", err)
		return
	}

	go s.serveNotifyWS(conn, claims)
}

func (s *Server) serveNotifyWS(conn net.Conn, claims token.NotifyClaims) {
	defer conn.Close()
	logger := s.logger.With("app", claims.AppID, "client", claims.ClientID)

	sub, err := s.overlay.Subscribe(pubsub.NotifyChannel(claims.AppID, claims.ClientID), claims.ClientID)
	if err != nil {
		logger.Error("subscribing notify channel failed", "error", err)
		return
	}
	defer sub.Close()

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				if err := wsutil.WriteServerBinary(conn, msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
					return
				}
			}
		}
	}()
	defer close(done)

	// Drain the client side; notify channels are server-to-client only.
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			logger.Debug("notify websocket closed", "error", err)
			return
		}
	}
}
