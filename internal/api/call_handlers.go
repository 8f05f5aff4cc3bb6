package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atm0s-sip/gateway/internal/api/middleware"
	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/callmanager"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/token"
)

// defaultNotifyTokenTTL applies when a notify-token request omits ttl.
const defaultNotifyTokenTTL = 3600

// handleCreateCall is POST /call/outgoing.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	app, ok := middleware.AppFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req protocol.CreateCallRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	resp, err := s.calls.CreateCall(app, req)
	if err != nil {
		var sipErr *callmanager.SipError
		switch {
		case errors.Is(err, callmanager.ErrBadRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &sipErr):
			writeError(w, http.StatusBadRequest, "SipError: "+sipErr.Err.Error())
		default:
			s.logger.Error("create call failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// handleCallAction is POST /call/{direction}/{id}/action.
func (s *Server) handleCallAction(direction token.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.verifyCallToken(r, direction, id) {
			writeError(w, http.StatusBadRequest, "WrongToken")
			return
		}

		var req protocol.IncomingCallActionRequest
		if msg := readJSON(r, &req); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if req.Action == "" {
			writeError(w, http.StatusBadRequest, "action is required")
			return
		}

		action := protocol.ActionRequest{
			ReqID:  uuid.NewString(),
			Action: req.Action,
			Stream: req.Stream,
		}

		resp, err := s.calls.Action(r.Context(), direction, callid.ID(id), action)
		if err != nil {
			s.respondActionError(w, err)
			return
		}
		if resp.Kind == protocol.ActionRespError {
			writeError(w, http.StatusBadRequest, "SipError: "+resp.Error)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleCallDelete is DELETE /call/{direction}/{id}.
func (s *Server) handleCallDelete(direction token.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !s.verifyCallToken(r, direction, id) {
			writeError(w, http.StatusBadRequest, "WrongToken")
			return
		}

		resp, err := s.calls.Destroy(r.Context(), direction, callid.ID(id), uuid.NewString())
		if err != nil {
			s.respondActionError(w, err)
			return
		}
		if resp.Kind == protocol.ActionRespError {
			writeError(w, http.StatusBadRequest, "SipError: "+resp.Error)
			return
		}
		writeJSON(w, http.StatusOK, "OK")
	}
}

func (s *Server) respondActionError(w http.ResponseWriter, err error) {
	if errors.Is(err, callmanager.ErrCallNotFound) {
		writeError(w, http.StatusBadRequest, "CallNotFound")
		return
	}
	s.logger.Error("call action failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// handleNotifyToken is POST /token/notify: it mints a capability for the
// app's incoming-call notification channel.
func (s *Server) handleNotifyToken(w http.ResponseWriter, r *http.Request) {
	app, ok := middleware.AppFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req protocol.NotifyTokenRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = defaultNotifyTokenTTL
	}

	tok, err := s.signer.SignNotifyToken(app.AppID, req.ClientID, time.Duration(ttl)*time.Second)
	if err != nil {
		s.logger.Error("minting notify token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, protocol.NotifyTokenResponse{Token: tok})
}

// nodeInfo is the GET /node probe body.
type nodeInfo struct {
	NodeID        string `json:"node_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// handleNode is the cluster liveness/identity probe.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nodeInfo{
		NodeID:        s.nodeID,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}
