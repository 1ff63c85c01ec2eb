package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"github.com/shopspring/decimal"
)

func reserveParams(userId, accountId string, txns []models.Transaction, subscription, loan string) store.ReserveAllocationParams {
	return store.ReserveAllocationParams{
		Digest:             "digest-" + userId + "-" + accountId,
		UserId:             userId,
		AccountId:          accountId,
		WindowStart:        testWindowStart,
		WindowEnd:          testWindowStart.Add(24 * time.Hour),
		Total:              models.SumRoundUps(txns),
		SubscriptionAmount: decimal.RequireFromString(subscription),
		LoanAmount:         decimal.RequireFromString(loan),
		TransactionIds:     txnIds(txns),
	}
}

func TestReserveAllocation_IncrementsSubscription(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	seedSubscription(t, service, "user1", "5.00", "3.00")
	txns := seedTransactions(t, service, "user1", "acc_a", "4.25", "1.10") // 0.75 + 0.90

	attempt, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "1.65", "0"))
	if err != nil {
		t.Fatalf("ReserveAllocation failed: %v", err)
	}
	if attempt.Status != models.AttemptStatusReserved {
		t.Errorf("Expected reserved attempt, got %s", attempt.Status)
	}
	if len(attempt.TransactionIds) != 2 {
		t.Errorf("Expected 2 linked transactions, got %d", len(attempt.TransactionIds))
	}
	if attempt.Key != models.AttemptKey("digest-user1-acc_a", 0) {
		t.Errorf("Unexpected attempt key %s", attempt.Key)
	}

	sub, err := service.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !sub.Collected.Equal(decimal.RequireFromString("4.65")) {
		t.Errorf("Expected collected 4.65, got %s", sub.Collected)
	}
}

func TestReserveAllocation_GuardRejectsOverCollect(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	seedSubscription(t, service, "user1", "5.00", "4.50")
	txns := seedTransactions(t, service, "user1", "acc_a", "4.25") // 0.75

	_, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "0.75", "0"))
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("Expected ErrConcurrentModification, got %v", err)
	}

	// Nothing was written
	open, err := service.FindOpenAttempt(ctx, "user1", "acc_a")
	if err != nil {
		t.Fatalf("FindOpenAttempt failed: %v", err)
	}
	if open != nil {
		t.Errorf("Expected no open attempt after rollback, got %s", open.Key)
	}
	sub, _ := service.GetSubscription(ctx, "user1")
	if !sub.Collected.Equal(decimal.RequireFromString("4.50")) {
		t.Errorf("Expected collected unchanged at 4.50, got %s", sub.Collected)
	}
}

func TestReserveAllocation_RejectsInconsistentSplit(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	txns := seedTransactions(t, service, "user1", "acc_a", "4.25")
	_, err := service.ReserveAllocation(context.Background(), reserveParams("user1", "acc_a", txns, "0.50", "0.50"))
	if err == nil {
		t.Fatal("Expected error for split that does not sum to the total")
	}
}

func TestReleaseAllocation(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	seedSubscription(t, service, "user1", "5.00", "0")
	txns := seedTransactions(t, service, "user1", "acc_a", "4.25")

	attempt, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "0.75", "0"))
	if err != nil {
		t.Fatalf("ReserveAllocation failed: %v", err)
	}

	if err := service.ReleaseAllocation(ctx, attempt.Key); err != nil {
		t.Fatalf("ReleaseAllocation failed: %v", err)
	}

	sub, _ := service.GetSubscription(ctx, "user1")
	if !sub.Collected.IsZero() {
		t.Errorf("Expected collected back to 0, got %s", sub.Collected)
	}

	if err := service.ReleaseAllocation(ctx, attempt.Key); !errors.Is(err, store.ErrAttemptNotOpen) {
		t.Errorf("Expected ErrAttemptNotOpen on second release, got %v", err)
	}

	// The next attempt over the same transactions gets a fresh key
	next, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "0.75", "0"))
	if err != nil {
		t.Fatalf("Second ReserveAllocation failed: %v", err)
	}
	if next.Key == attempt.Key {
		t.Errorf("Expected a new attempt key, got %s again", next.Key)
	}
}

func TestRecordAuthorization(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	seedSubscription(t, service, "user1", "5.00", "0")
	txns := seedTransactions(t, service, "user1", "acc_a", "4.25", "1.10")

	attempt, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "1.00", "0.65"))
	if err != nil {
		t.Fatalf("ReserveAllocation failed: %v", err)
	}
	if attempt.CreateSubmitted() {
		t.Fatal("Expected a fresh attempt not to be submitted")
	}

	if err := service.RecordAuthorization(ctx, attempt.Key, "auth_1"); err != nil {
		t.Fatalf("RecordAuthorization failed: %v", err)
	}
	// Same id again is accepted
	if err := service.RecordAuthorization(ctx, attempt.Key, "auth_1"); err != nil {
		t.Fatalf("Repeated RecordAuthorization failed: %v", err)
	}
	if err := service.RecordAuthorization(ctx, attempt.Key, "auth_2"); !errors.Is(err, store.ErrAttemptNotOpen) {
		t.Errorf("Expected ErrAttemptNotOpen for a different authorization, got %v", err)
	}

	open, err := service.FindOpenAttempt(ctx, "user1", "acc_a")
	if err != nil {
		t.Fatalf("FindOpenAttempt failed: %v", err)
	}
	if open == nil || open.AuthorizationId != "auth_1" || !open.CreateSubmitted() {
		t.Fatalf("Expected open attempt submitted under auth_1, got %+v", open)
	}

	if err := service.ReleaseAllocation(ctx, attempt.Key); !errors.Is(err, store.ErrCreateSubmitted) {
		t.Fatalf("Expected ErrCreateSubmitted, got %v", err)
	}
	sub, _ := service.GetSubscription(ctx, "user1")
	if !sub.Collected.Equal(decimal.RequireFromString("1.00")) {
		t.Errorf("Expected the reservation to be kept at 1.00, got %s", sub.Collected)
	}

	if err := service.ReleaseRejectedAllocation(ctx, attempt.Key, "auth_2"); !errors.Is(err, store.ErrCreateSubmitted) {
		t.Errorf("Expected ErrCreateSubmitted for the wrong authorization, got %v", err)
	}
	if err := service.ReleaseRejectedAllocation(ctx, attempt.Key, "auth_1"); err != nil {
		t.Fatalf("ReleaseRejectedAllocation failed: %v", err)
	}
	sub, _ = service.GetSubscription(ctx, "user1")
	if !sub.Collected.IsZero() {
		t.Errorf("Expected collected back to 0, got %s", sub.Collected)
	}

	if err := service.RecordAuthorization(ctx, attempt.Key, "auth_1"); !errors.Is(err, store.ErrAttemptNotOpen) {
		t.Errorf("Expected ErrAttemptNotOpen on a released attempt, got %v", err)
	}
	if err := service.RecordAuthorization(ctx, "ru_missing_0", "auth_1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown attempt, got %v", err)
	}
}

func TestReleaseAllocation_AfterPeriodRolloverKeepsNewCollected(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	seedSubscription(t, service, "user1", "5.00", "0") // March 2026
	txns := seedTransactions(t, service, "user1", "acc_a", "4.25")

	old, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "0.75", "0"))
	if err != nil {
		t.Fatalf("ReserveAllocation failed: %v", err)
	}
	if old.PeriodStart.IsZero() {
		t.Fatal("Expected the attempt to record the subscription period")
	}

	if _, err := service.RollSubscriptionPeriod(ctx, "user1", time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("RollSubscriptionPeriod failed: %v", err)
	}
	later := seedTransactions(t, service, "user1", "acc_b", "1.60") // 0.40
	current, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_b", later, "0.40", "0"))
	if err != nil {
		t.Fatalf("ReserveAllocation in the new period failed: %v", err)
	}
	if !current.PeriodStart.After(old.PeriodStart) {
		t.Errorf("Expected a later period start, got %v then %v", old.PeriodStart, current.PeriodStart)
	}

	if err := service.ReleaseAllocation(ctx, old.Key); err != nil {
		t.Fatalf("ReleaseAllocation failed: %v", err)
	}

	sub, _ := service.GetSubscription(ctx, "user1")
	if !sub.Collected.Equal(decimal.RequireFromString("0.40")) {
		t.Errorf("Expected the new period to keep 0.40 collected, got %s", sub.Collected)
	}

	// The current-period attempt still gives its share back
	if err := service.ReleaseAllocation(ctx, current.Key); err != nil {
		t.Fatalf("ReleaseAllocation failed: %v", err)
	}
	sub, _ = service.GetSubscription(ctx, "user1")
	if !sub.Collected.IsZero() {
		t.Errorf("Expected collected back to 0, got %s", sub.Collected)
	}
}

func TestApplyTransferOutcome_WithTransfer(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	seedSubscription(t, service, "user1", "5.00", "4.50")
	txns := seedTransactions(t, service, "user1", "acc_a", "4.25", "1.10") // total 1.65

	attempt, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "0.50", "1.15"))
	if err != nil {
		t.Fatalf("ReserveAllocation failed: %v", err)
	}

	err = service.ApplyTransferOutcome(ctx, store.ApplyTransferOutcomeParams{
		AttemptKey:     attempt.Key,
		TransactionIds: txnIds(txns),
		Transfer: &models.Transfer{
			Id:                   "tr_1",
			DestinationAccountId: "acc_loan",
			AuthorizationId:      "auth_1",
			Amount:               decimal.RequireFromString("1.15"),
		},
		NewStatus: models.RoundUpStatusProcessing,
	})
	if err != nil {
		t.Fatalf("ApplyTransferOutcome failed: %v", err)
	}

	stored, err := service.GetTransactionsByTransfer(ctx, "tr_1")
	if err != nil {
		t.Fatalf("GetTransactionsByTransfer failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("Expected 2 transactions under transfer, got %d", len(stored))
	}
	for _, txn := range stored {
		if txn.RoundUpStatus != models.RoundUpStatusProcessing {
			t.Errorf("Expected processing, got %s", txn.RoundUpStatus)
		}
		if txn.ProcessedAt == nil {
			t.Error("Expected processed_at to be set")
		}
	}

	transfer, err := service.GetTransfer(ctx, "tr_1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if transfer.Status != models.TransferStatusPending || transfer.AttemptKey != attempt.Key {
		t.Errorf("Unexpected transfer %+v", transfer)
	}
	if len(transfer.TransactionIds) != 2 {
		t.Errorf("Expected transfer to reference 2 transactions, got %d", len(transfer.TransactionIds))
	}

	open, _ := service.FindOpenAttempt(ctx, "user1", "acc_a")
	if open != nil {
		t.Errorf("Expected attempt to be completed, still open: %s", open.Key)
	}
}

func TestApplyTransferOutcome_SubscriptionOnly(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	seedSubscription(t, service, "user1", "5.00", "0")
	txns := seedTransactions(t, service, "user1", "acc_a", "4.25")

	attempt, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "0.75", "0"))
	if err != nil {
		t.Fatalf("ReserveAllocation failed: %v", err)
	}

	err = service.ApplyTransferOutcome(ctx, store.ApplyTransferOutcomeParams{
		AttemptKey:     attempt.Key,
		TransactionIds: txnIds(txns),
		NewStatus:      models.RoundUpStatusProcessed,
	})
	if err != nil {
		t.Fatalf("ApplyTransferOutcome failed: %v", err)
	}

	stored, _ := service.GetTransactionsByIds(ctx, txnIds(txns))
	if stored[0].RoundUpStatus != models.RoundUpStatusProcessed || stored[0].TransferId != "" {
		t.Errorf("Expected processed without transfer, got %s / %q", stored[0].RoundUpStatus, stored[0].TransferId)
	}
}

func TestApplyTransferOutcome_Drift(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Service, txns []models.Transaction, p *store.ApplyTransferOutcomeParams)
		wantErr error
	}{
		{
			name: "transfer amount differs from loan amount",
			mutate: func(_ *Service, _ []models.Transaction, p *store.ApplyTransferOutcomeParams) {
				p.Transfer.Amount = decimal.RequireFromString("1.14")
			},
			wantErr: store.ErrLedgerDrift,
		},
		{
			name: "references differ from attempt",
			mutate: func(_ *Service, txns []models.Transaction, p *store.ApplyTransferOutcomeParams) {
				p.TransactionIds = txnIds(txns[:1])
			},
			wantErr: store.ErrLedgerDrift,
		},
		{
			name: "transaction no longer pending",
			mutate: func(s *Service, txns []models.Transaction, _ *store.ApplyTransferOutcomeParams) {
				s.db.Exec(`UPDATE transactions SET round_up_status = 'processed' WHERE id = ?`, txns[1].Id)
			},
			wantErr: store.ErrLedgerDrift,
		},
		{
			name: "round-up changed after reservation",
			mutate: func(s *Service, txns []models.Transaction, _ *store.ApplyTransferOutcomeParams) {
				s.db.Exec(`UPDATE transactions SET round_up_cents = 1 WHERE id = ?`, txns[0].Id)
			},
			wantErr: store.ErrLedgerDrift,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, cleanup := setupTestDb(t)
			defer cleanup()

			ctx := context.Background()
			txns := seedTransactions(t, service, "user1", "acc_a", "4.25", "1.10")
			attempt, err := service.ReserveAllocation(ctx, reserveParams("user1", "acc_a", txns, "0", "1.65"))
			if err != nil {
				t.Fatalf("ReserveAllocation failed: %v", err)
			}

			params := store.ApplyTransferOutcomeParams{
				AttemptKey:     attempt.Key,
				TransactionIds: txnIds(txns),
				Transfer:       &models.Transfer{Id: "tr_1", Amount: decimal.RequireFromString("1.65")},
				NewStatus:      models.RoundUpStatusProcessing,
			}
			tt.mutate(service, txns, &params)

			err = service.ApplyTransferOutcome(ctx, params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}

			// Nothing was written
			if _, err := service.GetTransfer(ctx, "tr_1"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Expected no transfer row after drift, got %v", err)
			}
			open, _ := service.FindOpenAttempt(ctx, "user1", "acc_a")
			if open == nil {
				t.Error("Expected attempt to remain reserved after drift")
			}
		})
	}
}

func TestApplyTransferOutcome_DuplicateTransfer(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	first := seedTransactions(t, service, "user1", "acc_a", "4.25")
	second := seedTransactions(t, service, "user1", "acc_b", "1.10")

	for i, txns := range [][]models.Transaction{first, second} {
		attempt, err := service.ReserveAllocation(ctx, reserveParams("user1", txns[0].AccountId, txns, "0", models.SumRoundUps(txns).String()))
		if err != nil {
			t.Fatalf("ReserveAllocation failed: %v", err)
		}
		err = service.ApplyTransferOutcome(ctx, store.ApplyTransferOutcomeParams{
			AttemptKey:     attempt.Key,
			TransactionIds: txnIds(txns),
			Transfer:       &models.Transfer{Id: "tr_same", Amount: models.SumRoundUps(txns)},
			NewStatus:      models.RoundUpStatusProcessing,
		})
		if i == 0 && err != nil {
			t.Fatalf("First ApplyTransferOutcome failed: %v", err)
		}
		if i == 1 && !errors.Is(err, store.ErrDuplicateTransfer) {
			t.Fatalf("Expected ErrDuplicateTransfer, got %v", err)
		}
	}
}
