// Package server exposes the settlement engine over HTTP.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"fundledger/services/settlementd/auth"
	"fundledger/services/settlementd/donations"
	"fundledger/services/settlementd/escrow"
	"fundledger/services/settlementd/middleware"
	"fundledger/services/settlementd/recon"
	"fundledger/services/settlementd/recurring"
	"fundledger/services/settlementd/reports"
	"fundledger/services/settlementd/risk"
	"fundledger/services/settlementd/tracker"
	"fundledger/services/settlementd/wallets"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB         *gorm.DB
	Verifier   *auth.Verifier
	Donations  *donations.Engine
	Escrow     *escrow.Releaser
	Wallets    *wallets.Funder
	Risk       *risk.Service
	Reports    *reports.Service
	Recurring  *recurring.Scheduler
	Reconciler *recon.Reconciler
	Feed       *tracker.Feed
	// ReportDir receives exported report artefacts.
	ReportDir      string
	RateLimit      middleware.RateLimit
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router http.Handler
}

// New constructs the router with authentication, idempotency and rate limiting.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = "reports"
	}
	srv := &Server{cfg: cfg, logger: logger.With(slog.String("component", "api"))}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLog(s.logger))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	limiter := middleware.NewRateLimiter(s.cfg.RateLimit)
	idempotent := middleware.NewIdempotency(s.cfg.DB, s.cfg.IdempotencyTTL, s.logger)

	r.Group(func(api chi.Router) {
		api.Use(s.cfg.Verifier.Middleware)
		api.Use(limiter.Middleware)

		api.Route("/v1", func(v1 chi.Router) {
			v1.With(idempotent.Middleware).Post("/donations", s.processDonation)
			v1.Get("/donations/{id}", s.getDonation)
			v1.Post("/donations/{id}/cancel", s.cancelRecurring)
			v1.Post("/donations/{id}/resume", s.resumeRecurring)

			v1.With(idempotent.Middleware).Post("/campaigns/{id}/milestones/{milestoneID}/release", s.releaseMilestone)
			v1.Post("/campaigns/{id}/milestones/{milestoneID}/activate", s.activateMilestone)
			v1.With(auth.RequireScope(auth.ScopeCampaigns)).Get("/campaigns/{id}/report", s.campaignReport)

			v1.With(auth.RequireScope(auth.ScopeCompliance)).Get("/users/{id}/risk", s.riskScore)
			v1.With(auth.RequireScope(auth.ScopeCompliance)).Get("/transactions/stream", s.streamTransactions)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.RequireScope(auth.ScopeAdmin))
			admin.Post("/recurring/run", s.runRecurring)
			admin.Post("/reconcile", s.runReconcile)
			admin.Post("/campaigns/{id}/report/export", s.exportReport)
			admin.With(idempotent.Middleware).Post("/donors/{id}/wallet/fund", s.fundDonorWallet)
		})
	})

	return otelhttp.NewHandler(r, "settlementd")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.cfg.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
