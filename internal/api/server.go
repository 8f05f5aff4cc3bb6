// Package api is the gateway's HTTP control plane: the REST surface under
// /call, notify-token minting, per-call and per-app WebSocket endpoints,
// and the node identity/metrics probes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atm0s-sip/gateway/internal/api/middleware"
	"github.com/atm0s-sip/gateway/internal/callid"
	"github.com/atm0s-sip/gateway/internal/directory"
	"github.com/atm0s-sip/gateway/internal/protocol"
	"github.com/atm0s-sip/gateway/internal/pubsub"
	"github.com/atm0s-sip/gateway/internal/token"
)

// CallAPI is the surface the HTTP layer needs from the call manager.
type CallAPI interface {
	CreateCall(app directory.AppInfo, req protocol.CreateCallRequest) (protocol.CreateCallResponse, error)
	Action(ctx context.Context, direction token.Direction, id callid.ID, req protocol.ActionRequest) (protocol.ActionResponse, error)
	Destroy(ctx context.Context, direction token.Direction, id callid.ID, reqID string) (protocol.ActionResponse, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	calls   CallAPI
	dir     *directory.Directory
	signer  *token.Signer
	overlay pubsub.Overlay
	logger  *slog.Logger

	nodeID    string
	startTime time.Time
}

// Option configures optional server surfaces.
type Option func(*Server)

// WithMetrics mounts /metrics over the given registry.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	calls CallAPI,
	dir *directory.Directory,
	signer *token.Signer,
	overlay pubsub.Overlay,
	nodeID string,
	corsOrigins string,
	logger *slog.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		calls:     calls,
		dir:       dir,
		signer:    signer,
		overlay:   overlay,
		logger:    logger.With("component", "api"),
		nodeID:    nodeID,
		startTime: time.Now(),
	}

	s.routes(corsOrigins)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(corsOrigins string) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(corsOrigins)))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/node", s.handleNode)

	r.Route("/call", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAppSecret(s.dir))
			r.Post("/outgoing", s.handleCreateCall)
		})

		r.Route("/outgoing/{id}", func(r chi.Router) {
			r.Get("/", s.handleCallWS(token.Outgoing))
			r.Post("/action", s.handleCallAction(token.Outgoing))
			r.Delete("/", s.handleCallDelete(token.Outgoing))
		})
		r.Route("/incoming/{id}", func(r chi.Router) {
			r.Get("/", s.handleCallWS(token.Incoming))
			r.Post("/action", s.handleCallAction(token.Incoming))
			r.Delete("/", s.handleCallDelete(token.Incoming))
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAppSecret(s.dir))
		r.Post("/token/notify", s.handleNotifyToken)
	})

	r.Get("/notify", s.handleNotifyWS)
}

// verifyCallToken checks the token query parameter against the path's
// call-id and the endpoint's direction. Every failure maps to WrongToken.
func (s *Server) verifyCallToken(r *http.Request, want token.Direction, id string) bool {
	dir, err := s.signer.VerifyCallToken(r.URL.Query().Get("token"), id)
	if err != nil {
		return false
	}
	return dir == want
}
