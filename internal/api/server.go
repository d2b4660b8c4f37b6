// Package api exposes the gateway's HTTP management surface: health and
// status probes, Prometheus metrics, routing configuration, and call
// detail records.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/capgw/capgw/internal/database"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// GatewayController is the view of the signaling gateway the API needs:
// live call stats plus the routing reload hook.
type GatewayController interface {
	ActiveCalls() int
	CallIDs() []string
	CallsTotal() uint64
	CallsByOutcome() map[string]uint64
	KeepaliveFailures() uint64
	Failovers() uint64
	GapRejected() uint64
	Uptime() time.Duration
	ReloadRouting(ctx context.Context) error
}

// DialogCounter reports how many TCAP dialogs are open.
type DialogCounter interface {
	ActiveDialogs() int
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	gw      GatewayController
	dialogs DialogCounter
	repos   *database.Repositories
	metrics http.Handler
	token   string
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. dialogs,
// repos, and metrics may be nil; the affected endpoints degrade gracefully.
// A non-empty token is required as a bearer credential on mutating routes.
func NewServer(gw GatewayController, dialogs DialogCounter, repos *database.Repositories, metrics http.Handler, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  chi.NewRouter(),
		gw:      gw,
		dialogs: dialogs,
		repos:   repos,
		metrics: metrics,
		token:   token,
		logger:  logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/calls", s.handleListCalls)

		r.Route("/routing", func(r chi.Router) {
			r.With(s.requireToken).Post("/reload", s.handleReloadRouting)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.With(s.requireToken).Post("/", s.handleCreateRule)
				r.With(s.requireToken).Put("/{id}", s.handleUpdateRule)
				r.With(s.requireToken).Delete("/{id}", s.handleDeleteRule)
			})

			r.Route("/instances", func(r chi.Router) {
				r.Get("/", s.handleListInstances)
				r.With(s.requireToken).Post("/", s.handleCreateInstance)
				r.With(s.requireToken).Put("/{id}", s.handleUpdateInstance)
				r.With(s.requireToken).Delete("/{id}", s.handleDeleteInstance)
			})

			r.Route("/invite-errors", func(r chi.Router) {
				r.Get("/", s.handleListInviteErrorRules)
				r.With(s.requireToken).Post("/", s.handleCreateInviteErrorRule)
				r.With(s.requireToken).Delete("/{id}", s.handleDeleteInviteErrorRule)
			})
		})

		r.Route("/cdrs", func(r chi.Router) {
			r.Get("/", s.handleListCDRs)
			r.Get("/{callID}", s.handleGetCDR)
		})
	})
}

// reloadRouting pushes the persisted routing tables into the gateway.
// A failed reload leaves the previous tables active, so the write that
// triggered it is still reported as successful.
func (s *Server) reloadRouting(ctx context.Context) {
	if s.gw == nil {
		return
	}
	if err := s.gw.ReloadRouting(ctx); err != nil {
		s.logger.Warn("routing reload failed", "error", err)
	}
}
