package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/promptgate/promptgate/internal/auth"
	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/detect"
	"github.com/promptgate/promptgate/internal/ingest"
	"github.com/promptgate/promptgate/internal/metrics"
	"github.com/promptgate/promptgate/internal/policycache"
	"github.com/promptgate/promptgate/internal/reports"
	"github.com/promptgate/promptgate/internal/store"
	"github.com/promptgate/promptgate/internal/verify"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	redis  *redis.Client
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	credentials *auth.CredentialValidator
	resolver    *auth.Resolver

	policyCache *policycache.Cache
	pipeline    *ingest.Service

	reportGenerator *reports.Generator
	sweeper         *verify.Sweeper
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		// The cache degrades to direct store reads, so a missing redis is
		// a warning, not a startup failure.
		s.logger.Warn("redis unavailable, policy cache will read through to postgres", "addr", cfg.Redis.Addr(), "error", err)
	}
	cancel()

	s.authService = auth.NewService(auth.Config{
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
	})
	s.credentials = auth.NewCredentialValidator(st, s.logger)
	s.resolver = auth.NewResolver(s.credentials, s.authService)

	s.policyCache = policycache.New(
		policycache.NewRedisKV(s.redis, cfg.Cache.OpTimeout),
		st,
		cfg.Cache.PolicyTTL,
		s.logger,
	)

	s.pipeline = ingest.NewService(s.credentials, s.policyCache, detect.NewEngine(), st, s.logger)

	s.reportGenerator = reports.NewGenerator(&reportDataProvider{store: st})

	s.sweeper = verify.NewSweeper(st, verify.Config{
		Schedule:  cfg.Verify.Schedule,
		BatchSize: cfg.Verify.BatchSize,
		Lookback:  cfg.Verify.Lookback,
	}, s.logger)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(metrics.Instrument)
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, "+auth.APIKeyHeader)
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.healthCheck)
	s.router.Get("/readyz", s.readyCheck)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		// Extension endpoints authenticate per request with X-API-Key;
		// GET /policies also accepts a dashboard session.
		r.Post("/events", s.ingestEvent)
		r.Get("/policies", s.listPolicies)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Post("/policies", s.createPolicy)
				r.Put("/policies/{policyID}", s.updatePolicy)
				r.Delete("/policies/{policyID}", s.deletePolicy)

				r.Post("/credentials", s.issueCredential)
				r.Delete("/credentials/{credentialID}", s.revokeCredential)
			})

			r.Get("/credentials", s.listCredentials)

			r.Route("/events", func(r chi.Router) {
				r.Get("/", s.listEvents)
				r.Get("/{eventID}", s.getEvent)
			})

			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", s.listIncidents)
				r.Patch("/{incidentID}/status", s.updateIncidentStatus)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/", s.listReportExports)
				r.Post("/export", s.exportReport)
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Verify.Enabled {
		if err := s.sweeper.Start(); err != nil {
			s.logger.Error("failed to start integrity sweeper", "error", err)
		}
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.sweeper.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// reportDataProvider adapts the store to the report generator.
type reportDataProvider struct {
	store *store.Store
}

func (p *reportDataProvider) GetStats(ctx context.Context, orgID uuid.UUID, since, until time.Time) (*reports.Stats, error) {
	counts, err := p.store.GetDecisionCounts(ctx, orgID, since, until)
	if err != nil {
		return nil, err
	}
	return &reports.Stats{
		TotalEvents: counts.Allowed + counts.Flagged + counts.Review + counts.Blocked,
		Allowed:     counts.Allowed,
		Flagged:     counts.Flagged,
		Review:      counts.Review,
		Blocked:     counts.Blocked,
	}, nil
}

func (p *reportDataProvider) GetNotableEvents(ctx context.Context, orgID uuid.UUID, since, until time.Time, limit int) ([]reports.ReportEvent, error) {
	events, err := p.store.ListNotableEvents(ctx, orgID, since, until, limit)
	if err != nil {
		return nil, err
	}

	result := make([]reports.ReportEvent, len(events))
	for i, e := range events {
		email := ""
		if e.UserEmail != nil {
			email = *e.UserEmail
		}
		result[i] = reports.ReportEvent{
			Tool:       e.Tool,
			Domain:     e.Domain,
			UserEmail:  email,
			Decision:   string(e.Decision),
			RiskScore:  e.RiskScore,
			Violations: e.Violations,
			CreatedAt:  e.CreatedAt,
		}
	}
	return result, nil
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
