package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/loyaltyrules/internal/app"
	"github.com/liamcoop/loyaltyrules/internal/config"
	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/metrics"
	"github.com/liamcoop/loyaltyrules/multitenantengine"
	"github.com/liamcoop/loyaltyrules/processor"
	"github.com/liamcoop/loyaltyrules/rules"
	"github.com/liamcoop/loyaltyrules/webhook"
)

// Deps are the collaborators the HTTP API serves. Metrics, Deliveries and
// Gatherer may be nil; the routes that need them then answer 503.
type Deps struct {
	Manager    *rules.Manager
	Engines    *multitenantengine.MultiTenantEngineManager
	Publisher  *processor.Publisher
	Metrics    *metrics.Collector
	Deliveries webhook.DeliveryStore
	Gatherer   prometheus.Gatherer
	Checks     map[string]func(context.Context) error
}

type Server struct {
	deps   Deps
	router *chi.Mux
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Ingestion
		r.Post("/events", s.handlePublishEvent)

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", s.handleListTenants)

			r.Route("/{tenantId}", func(r chi.Router) {
				r.Use(requireTenant)

				r.Post("/process", s.handleProcessEvent)
				r.Get("/executions", s.handleListExecutions)
				r.Get("/webhooks", s.handleListDeliveries)

				r.Route("/rules", func(r chi.Router) {
					r.Post("/", s.handleCreateRule)
					r.Get("/", s.handleListRules)
					r.Post("/validate", s.handleValidateRule)
					r.Post("/test", s.handleTestRule)

					r.Route("/{ruleId}", func(r chi.Router) {
						r.Get("/", s.handleGetRule)
						r.Put("/", s.handleUpdateRule)
						r.Delete("/", s.handleDeleteRule)
						r.Post("/activate", s.handleActivateRule)
						r.Post("/deactivate", s.handleDeactivateRule)
						r.Get("/versions", s.handleListVersions)
						r.Get("/executions", s.handleListExecutions)
					})
				})
			})
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/system", s.handleSystemMetrics)
			r.Get("/stream", s.handleStreamInfo)
			r.Get("/alerts", s.handleAlerts)
			r.With(requireTenant).Get("/tenants/{tenantId}", s.handleTenantMetrics)
			r.Get("/rules/{ruleId}", s.handleRulePerformance)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requireTenant rejects malformed tenant ids before any handler runs.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := multitenantengine.ValidateTenantID(chi.URLParam(r, "tenantId")); err != nil {
			respondError(w, http.StatusBadRequest, "invalid tenant id", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Checks: make(map[string]string)}
	if s.deps.Engines != nil {
		resp.TenantsLoaded = len(s.deps.Engines.ListTenants())
	}

	status := http.StatusOK
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, TenantsListResponse{Tenants: s.deps.Engines.ListTenants()})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	case status >= 400:
		logger.WarnHttp4xx(status)
	}

	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

// respondServiceError maps domain errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, message string, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		logger.WarnHttp4xx(http.StatusUnprocessableEntity)
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:    "rule validation failed",
			Errors:   verr.Messages(),
			Warnings: verr.Warnings,
		})
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrInvalidTransition),
		errors.Is(err, rules.ErrRuleArchived),
		errors.Is(err, rules.ErrVersionConflict):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, processor.ErrInvalidEvent):
		respondError(w, http.StatusBadRequest, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize", "error", err)
	}
	defer a.Close()

	if err := a.Engines.LoadAllTenants(ctx); err != nil {
		logger.Fatal("failed to load tenants", "error", err)
	}

	server := NewServer(Deps{
		Manager:    a.Manager,
		Engines:    a.Engines,
		Publisher:  a.Publisher,
		Metrics:    a.Metrics,
		Deliveries: a.Deliveries,
		Gatherer:   a.Registry,
		Checks:     a.Checks(),
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Warn("logger shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
