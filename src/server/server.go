package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/copytrade"
	"tradeengine/src/dca"
	"tradeengine/src/execution"
	"tradeengine/src/handler"
	"tradeengine/src/repository"
	"tradeengine/src/session"
)

// Deps are the wired components the HTTP surface exposes.
type Deps struct {
	Scheduler  *dca.Scheduler
	Engine     *copytrade.Engine
	Enforcer   *session.Enforcer
	Manager    *execution.Manager
	Executions *repository.ExecutionRepository
	Strategies *repository.DcaRepository
	Relations  *repository.CopyRepository
	Sessions   *repository.SessionRepository
}

// apiKeyMiddleware guards the service-to-service surface. No key
// configured means the check is off, which is the local-dev default.
func apiKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && r.Header.Get("x-api-key") != key {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter builds the full route table. Split out of StartServer so
// tests can mount it on httptest.
func NewRouter(config *Config, deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(apiKeyMiddleware(config.CallbackAPIKey))

		// Chain-submission service callbacks.
		r.Post("/v1/callbacks/submitted", handler.SubmittedCallbackHandler(deps.Scheduler, deps.Engine))
		r.Post("/v1/callbacks/confirmed", handler.ConfirmedCallbackHandler(deps.Scheduler, deps.Engine))
		r.Post("/v1/callbacks/failed", handler.FailedCallbackHandler(deps.Scheduler, deps.Engine))

		// Signal ingestion fallback for integrations without a stream.
		r.Post("/v1/signals", handler.IngestSignalHandler(deps.Engine))

		// Approval surface.
		r.Post("/v1/executions/{id}/approve", handler.ApproveHandler(deps.Manager, deps.Engine))
		r.Post("/v1/executions/{id}/reject", handler.RejectHandler(deps.Manager, deps.Engine))
		r.Get("/v1/executions/{id}", handler.GetExecutionHandler(deps.Executions))
		r.Get("/v1/executions", handler.ListExecutionsByOwnerHandler(deps.Executions))

		// DCA strategies.
		r.Post("/v1/strategies", handler.CreateStrategyHandler(deps.Scheduler))
		r.Get("/v1/strategies/{id}", handler.GetStrategyHandler(deps.Strategies))
		r.Patch("/v1/strategies/{id}", handler.UpdateStrategyHandler(deps.Scheduler))
		r.Post("/v1/strategies/{id}/{action}", handler.StrategyLifecycleHandler(deps.Scheduler))
		r.Post("/v1/strategies/{id}/session", handler.AttachSessionHandler(deps.Scheduler))
		r.Get("/v1/strategies/{id}/executions", handler.ListStrategyExecutionsHandler(deps.Strategies))

		// Copy relationships.
		r.Put("/v1/relationships", handler.UpsertRelationshipHandler(deps.Engine))
		r.Get("/v1/relationships/{id}", handler.GetRelationshipHandler(deps.Relations))
		r.Post("/v1/relationships/{id}/pause", handler.PauseRelationshipHandler(deps.Engine))
		r.Delete("/v1/relationships/{id}", handler.DeactivateRelationshipHandler(deps.Engine))
		r.Get("/v1/relationships/{id}/executions", handler.ListCopyExecutionsHandler(deps.Relations))

		// Session keys.
		r.Post("/v1/sessions", handler.CreateSessionHandler(deps.Enforcer))
		r.Get("/v1/sessions/{id}", handler.GetSessionHandler(deps.Sessions))
		r.Post("/v1/sessions/{id}/revoke", handler.RevokeSessionHandler(deps.Enforcer))
		r.Post("/v1/sessions/{id}/extend", handler.ExtendSessionHandler(deps.Enforcer))

		r.Post("/v1/smart-sessions", handler.CreateSmartSessionHandler(deps.Enforcer))
		r.Get("/v1/smart-sessions/{id}", handler.GetSmartSessionHandler(deps.Sessions))
		r.Post("/v1/smart-sessions/{id}/reserve", handler.ReserveSmartSessionHandler(deps.Enforcer))
		r.Post("/v1/smart-sessions/{id}/revoke", handler.RevokeSmartSessionHandler(deps.Enforcer))
	})

	return r
}

// StartServer runs the HTTP surface until SIGINT or SIGTERM.
func StartServer(config *Config, deps Deps) {
	r := NewRouter(config, deps)

	addr := ":" + config.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	// Shutdown on SIGINT or SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
