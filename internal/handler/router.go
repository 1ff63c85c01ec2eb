// Package handler exposes the engine over HTTP: the rail webhook, an
// on-demand reconcile endpoint and the operational endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"roundup-engine-go/internal/api"
	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/observability"
	"roundup-engine-go/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("roundup-engine/handler")

// maxWebhookBody bounds webhook payloads
const maxWebhookBody = 1 << 20

// Service is what the router needs from api.RoundupService.
type Service interface {
	HealthCheck(ctx context.Context) error
	HandleWebhook(ctx context.Context, payload models.WebhookPayload) error
	ReconcileUser(ctx context.Context, userId string) (*models.ReconciliationResult, error)
	GetUserSummary(ctx context.Context, userId string) (*models.UserSummary, error)
}

var _ Service = (*api.RoundupService)(nil)

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Service, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(svc, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Post("/webhooks/plaid", webhookHandler(svc, logger))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/users/{userId}/reconcile", reconcileUserHandler(svc, logger))
		r.Get("/users/{userId}/summary", userSummaryHandler(svc, logger))
	})

	return r
}

func healthzHandler(svc Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := svc.HealthCheck(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// webhookHandler acknowledges a delivery only once it has been applied. A
// malformed event gets 400; any other error returns 500 so the rail
// redelivers.
func webhookHandler(svc Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "handler.webhook")
		defer span.End()

		var payload models.WebhookPayload
		if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid webhook body")
			return
		}
		span.SetAttributes(
			attribute.String("webhook_type", payload.WebhookType),
			attribute.String("webhook_code", payload.WebhookCode),
			attribute.String("transfer_id", payload.TransferId),
		)

		if err := svc.HandleWebhook(ctx, payload); err != nil {
			span.RecordError(err)
			if statusFor(err) == http.StatusBadRequest {
				logger.Warn("webhook rejected",
					zap.String("webhook_type", payload.WebhookType),
					zap.String("webhook_code", payload.WebhookCode),
					zap.Error(err))
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			logger.Error("webhook handling failed",
				zap.String("webhook_type", payload.WebhookType),
				zap.String("webhook_code", payload.WebhookCode),
				zap.String("transfer_id", payload.TransferId),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, "webhook not applied")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

func reconcileUserHandler(svc Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId := chi.URLParam(r, "userId")
		ctx, span := tracer.Start(r.Context(), "handler.reconcile_user")
		defer span.End()
		span.SetAttributes(attribute.String("user_id", userId))

		result, err := svc.ReconcileUser(ctx, userId)
		if err != nil {
			span.RecordError(err)
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				logger.Error("reconcile request failed", zap.String("user_id", userId), zap.Error(err))
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func userSummaryHandler(svc Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId := chi.URLParam(r, "userId")

		summary, err := svc.GetUserSummary(r.Context(), userId)
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				logger.Error("summary request failed", zap.String("user_id", userId), zap.Error(err))
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
