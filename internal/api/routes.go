package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenteval/platform/services/orchestrator-go/internal/config"
)

// Server wires the HTTP router, middleware chain and handlers.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates the HTTP server for the orchestrator API.
func NewServer(h *Handlers, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes(cfg, logger)
	return s
}

func (s *Server) setupRoutes(cfg *config.Config, logger *slog.Logger) {
	s.router.Use(Recovery(logger))
	s.router.Use(Logging(logger))
	s.router.Use(CORS(cfg.CORSOrigins))
	s.router.Use(RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	// Health and metrics
	s.router.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// API v1
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/campaigns", s.handlers.CreateCampaign).Methods(http.MethodPost)
	api.HandleFunc("/campaigns", s.handlers.ListCampaigns).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}/state", s.handlers.GetCampaignState).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}/history", s.handlers.GetCampaignHistory).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}/cancel", s.handlers.CancelCampaign).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/resume", s.handlers.ResumeCampaign).Methods(http.MethodPost)

	api.HandleFunc("/battles", s.handlers.CreateBattle).Methods(http.MethodPost)
	api.HandleFunc("/red-teaming", s.handlers.CreateRedTeam).Methods(http.MethodPost)
}

// Router returns the underlying router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}
