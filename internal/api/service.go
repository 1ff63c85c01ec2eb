/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"fmt"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"github.com/google/uuid"
)

// Run triggers
const (
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
)

// Reconciler is the reconciliation surface the service drives.
type Reconciler interface {
	ReconcileWindow(ctx context.Context, start, end time.Time) (*models.RunSummary, error)
	ReconcileUser(ctx context.Context, userId string, start, end time.Time) (*models.ReconciliationResult, error)
}

// WebhookHandler applies rail webhooks.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload models.WebhookPayload) error
}

// RoundupService is the entry point shared by the HTTP server and the CLIs
type RoundupService struct {
	db         store.LedgerStore
	reconciler Reconciler
	webhooks   WebhookHandler
	window     time.Duration
	now        func() time.Time
}

func NewRoundupService(db store.LedgerStore, reconciler Reconciler, webhooks WebhookHandler, window time.Duration) *RoundupService {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &RoundupService{
		db:         db,
		reconciler: reconciler,
		webhooks:   webhooks,
		window:     window,
		now:        time.Now,
	}
}

func (s *RoundupService) HealthCheck(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Window returns the default window ending now.
func (s *RoundupService) Window() (time.Time, time.Time) {
	end := s.now().UTC()
	return end.Add(-s.window), end
}

func (s *RoundupService) runContext(ctx context.Context, trigger string, start, end time.Time) context.Context {
	return models.WithRunContext(ctx, &models.RunContext{
		RunId:       uuid.New().String(),
		Trigger:     trigger,
		WindowStart: start,
		WindowEnd:   end,
	})
}
