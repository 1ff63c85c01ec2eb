package reconcile

import (
	"context"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"go.uber.org/zap"
)

// LedgerUpdater commits a group's outcome as one atomic batch and mirrors it
// into the journal.
type LedgerUpdater struct {
	store   store.LedgerStore
	journal store.Journal
	now     func() time.Time
}

func NewLedgerUpdater(s store.LedgerStore, journal store.Journal, now func() time.Time) *LedgerUpdater {
	if journal == nil {
		journal = store.NopJournal{}
	}
	if now == nil {
		now = time.Now
	}
	return &LedgerUpdater{store: s, journal: journal, now: now}
}

// ApplyTransferOutcome moves refs from pending to newStatus under transfer
// (nil when nothing went to the destination) and completes the attempt.
// Either every transaction moves or none do.
func (u *LedgerUpdater) ApplyTransferOutcome(ctx context.Context, refs []string, transfer *models.Transfer, newStatus string, attempt *models.TransferAttempt) error {
	err := u.store.ApplyTransferOutcome(ctx, store.ApplyTransferOutcomeParams{
		AttemptKey:     attempt.Key,
		TransactionIds: refs,
		Transfer:       transfer,
		NewStatus:      newStatus,
	})
	if err != nil {
		return err
	}

	entry := store.AllocationEntry{
		AttemptKey:         attempt.Key,
		UserId:             attempt.UserId,
		AccountId:          attempt.AccountId,
		SubscriptionAmount: attempt.SubscriptionAmount,
		LoanAmount:         attempt.LoanAmount,
		Timestamp:          u.now().UTC(),
	}
	if transfer != nil {
		entry.TransferId = transfer.Id
	}
	if err := u.journal.RecordAllocation(ctx, entry); err != nil {
		zap.L().Error("Failed to journal allocation",
			zap.String("attempt_key", attempt.Key),
			zap.String("user_id", attempt.UserId),
			zap.Error(err))
	}
	return nil
}
