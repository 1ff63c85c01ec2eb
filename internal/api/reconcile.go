package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"go.uber.org/zap"
)

// ErrInvalidRequest marks caller mistakes the HTTP layer maps to 400.
var ErrInvalidRequest = errors.New("invalid request")

// RunWindow reconciles every user with pending round-ups in [start, end).
// A zero start or end falls back to the default window ending now.
func (s *RoundupService) RunWindow(ctx context.Context, trigger string, start, end time.Time) (*models.RunSummary, error) {
	defStart, defEnd := s.Window()
	if start.IsZero() {
		start = defStart
	}
	if end.IsZero() {
		end = defEnd
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: window start %s is not before end %s", ErrInvalidRequest,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	ctx = s.runContext(ctx, trigger, start, end)
	rc := models.GetRunContext(ctx)
	zap.L().Info("Reconciliation run requested",
		zap.String("run_id", rc.RunId),
		zap.String("trigger", trigger),
		zap.Time("window_start", start),
		zap.Time("window_end", end))

	return s.reconciler.ReconcileWindow(ctx, start, end)
}

// ReconcileUser reconciles one user over the default window.
func (s *RoundupService) ReconcileUser(ctx context.Context, userId string) (*models.ReconciliationResult, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	if _, err := s.db.GetUserById(ctx, userId); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		zap.L().Error("User lookup failed", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	start, end := s.Window()
	result, err := s.reconciler.ReconcileUser(s.runContext(ctx, TriggerAPI, start, end), userId, start, end)
	if err != nil {
		zap.L().Error("On-demand reconciliation failed", zap.String("user_id", userId), zap.Error(err))
		return nil, err
	}
	return result, nil
}

// HandleWebhook applies a rail webhook delivery. A transfer event without a
// transfer id is rejected as ErrInvalidRequest.
func (s *RoundupService) HandleWebhook(ctx context.Context, payload models.WebhookPayload) error {
	if _, ok := payload.EventStatus(); ok && payload.TransferId == "" {
		return fmt.Errorf("%w: %s/%s webhook has no transfer_id", ErrInvalidRequest, payload.WebhookType, payload.WebhookCode)
	}
	return s.webhooks.HandleWebhook(ctx, payload)
}
