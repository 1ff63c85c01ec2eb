package api

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"roundup-engine-go/internal/database"
	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"github.com/shopspring/decimal"
)

type recordingReconciler struct {
	start, end time.Time
	userId     string
	run        *models.RunContext
}

func (r *recordingReconciler) ReconcileWindow(ctx context.Context, start, end time.Time) (*models.RunSummary, error) {
	r.start, r.end, r.run = start, end, models.GetRunContext(ctx)
	return &models.RunSummary{WindowStart: start, WindowEnd: end}, nil
}

func (r *recordingReconciler) ReconcileUser(ctx context.Context, userId string, start, end time.Time) (*models.ReconciliationResult, error) {
	r.userId, r.start, r.end, r.run = userId, start, end, models.GetRunContext(ctx)
	return &models.ReconciliationResult{UserId: userId, Outcome: models.OutcomeNoPendingTransactions}, nil
}

type nopWebhooks struct{ calls int }

func (n *nopWebhooks) HandleWebhook(context.Context, models.WebhookPayload) error {
	n.calls++
	return nil
}

func setupService(t *testing.T) (*RoundupService, *database.Service, *recordingReconciler) {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 1,
		PingTimeout:  time.Second,
		BusyTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)

	rec := &recordingReconciler{}
	svc := NewRoundupService(db, rec, &nopWebhooks{}, 24*time.Hour)
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	return svc, db, rec
}

func TestHealthCheck(t *testing.T) {
	svc, db, _ := setupService(t)
	if err := svc.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	db.Close()
	if err := svc.HealthCheck(context.Background()); err == nil {
		t.Fatal("Expected health check to fail on a closed database")
	}
}

func TestRunWindow_DefaultsAndTagsRun(t *testing.T) {
	svc, _, rec := setupService(t)

	if _, err := svc.RunWindow(context.Background(), TriggerSchedule, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("RunWindow failed: %v", err)
	}
	if rec.end.Sub(rec.start) != 24*time.Hour {
		t.Errorf("Expected a 24h window, got %v to %v", rec.start, rec.end)
	}
	if rec.run == nil || rec.run.Trigger != TriggerSchedule || rec.run.RunId == "" {
		t.Errorf("Expected a tagged run context, got %+v", rec.run)
	}
}

func TestRunWindow_RejectsInvertedWindow(t *testing.T) {
	svc, _, _ := setupService(t)
	now := time.Now()
	_, err := svc.RunWindow(context.Background(), TriggerCLI, now, now.Add(-time.Hour))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Expected ErrInvalidRequest, got %v", err)
	}
}

func TestHandleWebhook_RequiresTransferId(t *testing.T) {
	svc, _, _ := setupService(t)
	hooks := &nopWebhooks{}
	svc.webhooks = hooks
	ctx := context.Background()

	missing := models.WebhookPayload{WebhookType: models.WebhookTypeTransfer, WebhookCode: models.WebhookCodeTransferFailed}
	if err := svc.HandleWebhook(ctx, missing); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Expected ErrInvalidRequest, got %v", err)
	}
	if hooks.calls != 0 {
		t.Errorf("Expected the malformed event not to be applied, got %d calls", hooks.calls)
	}

	// Other webhook types carry no transfer id and pass through
	item := models.WebhookPayload{WebhookType: "ITEM", WebhookCode: "PENDING_EXPIRATION"}
	if err := svc.HandleWebhook(ctx, item); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if hooks.calls != 1 {
		t.Errorf("Expected 1 delivered webhook, got %d", hooks.calls)
	}
}

func TestReconcileUser(t *testing.T) {
	svc, db, rec := setupService(t)
	ctx := context.Background()

	if _, err := svc.ReconcileUser(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown user, got %v", err)
	}
	if _, err := svc.ReconcileUser(ctx, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Expected ErrInvalidRequest for empty user, got %v", err)
	}

	if _, err := db.CreateUser(ctx, "u1", "Ada", "ada@example.com"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	result, err := svc.ReconcileUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ReconcileUser failed: %v", err)
	}
	if result.UserId != "u1" || rec.userId != "u1" {
		t.Errorf("Expected reconciliation for u1, got %s", rec.userId)
	}
	if rec.run == nil || rec.run.Trigger != TriggerAPI {
		t.Errorf("Expected api trigger, got %+v", rec.run)
	}
}

func TestGetUserSummary(t *testing.T) {
	svc, db, _ := setupService(t)
	ctx := context.Background()

	if _, err := db.CreateUser(ctx, "u1", "Ada", "ada@example.com"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := db.UpsertLinkedAccount(ctx, models.LinkedAccount{UserId: "u1", AccountId: "acct_src", Purpose: models.AccountPurposeSource}); err != nil {
		t.Fatalf("UpsertLinkedAccount failed: %v", err)
	}
	if _, err := db.InitializeSubscription(ctx, "u1", decimal.RequireFromString("5.00"), svc.now()); err != nil {
		t.Fatalf("InitializeSubscription failed: %v", err)
	}
	for i, amount := range []string{"1.25", "2.50", "3.00"} {
		_, err := db.IngestTransaction(ctx, store.IngestTransactionParams{
			Id:        "t" + string(rune('a'+i)),
			UserId:    "u1",
			AccountId: "acct_src",
			Amount:    decimal.RequireFromString(amount),
			CreatedAt: svc.now().Add(-time.Hour),
		})
		if err != nil {
			t.Fatalf("IngestTransaction failed: %v", err)
		}
	}

	summary, err := svc.GetUserSummary(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserSummary failed: %v", err)
	}
	if summary.PendingCount != 2 {
		t.Errorf("Expected 2 pending round-ups, got %d", summary.PendingCount)
	}
	if got := summary.PendingRoundUps.StringFixed(2); got != "1.25" {
		t.Errorf("Expected pending total 1.25, got %s", got)
	}
	if summary.Subscription == nil || summary.Subscription.MonthlyFee.StringFixed(2) != "5.00" {
		t.Errorf("Expected a 5.00 subscription, got %+v", summary.Subscription)
	}
	if len(summary.Accounts) != 1 {
		t.Errorf("Expected 1 linked account, got %d", len(summary.Accounts))
	}
}
