package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/observability"
	"roundup-engine-go/internal/store"

	"go.uber.org/zap"
)

// Webhook event results recorded in metrics
const (
	eventApplied = "applied"
	eventIgnored = "ignored"
	eventUnknown = "unknown"
	eventError   = "error"
)

type orphan struct {
	firstSeen time.Time
	reported  bool
}

// WebhookReconciler applies asynchronous transfer status events. Delivery is
// at-least-once and may be out of order, so every transition is idempotent.
type WebhookReconciler struct {
	store        store.LedgerStore
	journal      store.Journal
	metrics      *observability.Metrics
	orphanWindow time.Duration
	now          func() time.Time

	mu      sync.Mutex
	orphans map[string]*orphan
}

func NewWebhookReconciler(s store.LedgerStore, journal store.Journal, metrics *observability.Metrics, orphanWindow time.Duration) *WebhookReconciler {
	if journal == nil {
		journal = store.NopJournal{}
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &WebhookReconciler{
		store:        s,
		journal:      journal,
		metrics:      metrics,
		orphanWindow: orphanWindow,
		now:          time.Now,
		orphans:      make(map[string]*orphan),
	}
}

// HandleWebhook maps a rail webhook to a transfer event. Payloads that carry
// no transfer status change are acknowledged and ignored.
func (w *WebhookReconciler) HandleWebhook(ctx context.Context, payload models.WebhookPayload) error {
	status, ok := payload.EventStatus()
	if !ok {
		zap.L().Debug("Ignoring webhook",
			zap.String("webhook_type", payload.WebhookType),
			zap.String("webhook_code", payload.WebhookCode),
			zap.String("item_id", payload.ItemId))
		return nil
	}
	if payload.TransferId == "" {
		return fmt.Errorf("%w: %s/%s has no transfer_id", ErrMalformedWebhook, payload.WebhookType, payload.WebhookCode)
	}

	if payload.Error != nil {
		zap.L().Warn("Transfer webhook carries an error",
			zap.String("transfer_id", payload.TransferId),
			zap.String("error_code", payload.Error.Code),
			zap.String("error_message", payload.Error.Message))
	}
	return w.ApplyTransferEvent(ctx, payload.TransferId, status)
}

// ApplyTransferEvent moves a pending transfer to eventStatus. completed
// settles its transactions; failed and canceled return them to pending and
// give back the subscription share. Terminal transfers and unknown ids are
// not errors.
func (w *WebhookReconciler) ApplyTransferEvent(ctx context.Context, transferId, eventStatus string) error {
	switch eventStatus {
	case models.TransferStatusCompleted, models.TransferStatusFailed, models.TransferStatusCanceled:
	default:
		return fmt.Errorf("unsupported transfer event status %q", eventStatus)
	}

	transfer, err := w.store.GetTransfer(ctx, transferId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.unknownTransfer(transferId, eventStatus)
			return nil
		}
		w.metrics.IncrWebhookEvent(eventStatus, eventError)
		return fmt.Errorf("unable to load transfer %s: %w", transferId, err)
	}
	w.forget(transferId)

	if transfer.Status != models.TransferStatusPending {
		return w.ignored(transfer, eventStatus)
	}

	if eventStatus == models.TransferStatusCompleted {
		err = w.store.CompleteTransfer(ctx, transferId)
	} else {
		err = w.store.FailTransfer(ctx, transferId, eventStatus)
	}
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return w.ignored(transfer, eventStatus)
		}
		w.metrics.IncrWebhookEvent(eventStatus, eventError)
		return fmt.Errorf("unable to apply %s to transfer %s: %w", eventStatus, transferId, err)
	}

	if eventStatus != models.TransferStatusCompleted {
		if err := w.journal.RevertAllocation(ctx, transfer.AttemptKey); err != nil {
			zap.L().Error("Failed to revert journaled allocation",
				zap.String("transfer_id", transferId),
				zap.String("attempt_key", transfer.AttemptKey),
				zap.Error(err))
		}
	}

	w.metrics.IncrWebhookEvent(eventStatus, eventApplied)
	zap.L().Info("Transfer event applied",
		zap.String("transfer_id", transferId),
		zap.String("user_id", transfer.UserId),
		zap.String("status", eventStatus),
		zap.String("amount", transfer.Amount.StringFixed(models.MoneyPlaces)))
	return nil
}

func (w *WebhookReconciler) ignored(transfer *models.Transfer, eventStatus string) error {
	w.metrics.IncrWebhookEvent(eventStatus, eventIgnored)
	zap.L().Info("Transfer already terminal, event ignored",
		zap.String("transfer_id", transfer.Id),
		zap.String("current_status", transfer.Status),
		zap.String("event_status", eventStatus))
	return nil
}

// unknownTransfer tracks ids the store has never seen. Delivery can race
// the ledger commit, so an id is only surfaced once it stays unknown for
// the orphan window.
func (w *WebhookReconciler) unknownTransfer(transferId, eventStatus string) {
	w.metrics.IncrWebhookEvent(eventStatus, eventUnknown)
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	o, ok := w.orphans[transferId]
	if !ok {
		o = &orphan{firstSeen: now}
		w.orphans[transferId] = o
	}

	if !o.reported && now.Sub(o.firstSeen) >= w.orphanWindow {
		o.reported = true
		w.metrics.IncrWebhookOrphan()
		zap.L().Error("Webhook for unknown transfer persisted past orphan window",
			zap.String("transfer_id", transferId),
			zap.String("event_status", eventStatus),
			zap.Time("first_seen", o.firstSeen),
			zap.Duration("orphan_window", w.orphanWindow))
	} else {
		zap.L().Warn("Webhook for unknown transfer",
			zap.String("transfer_id", transferId),
			zap.String("event_status", eventStatus),
			zap.Time("first_seen", o.firstSeen))
	}

	w.pruneLocked(now)
}

func (w *WebhookReconciler) forget(transferId string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.orphans, transferId)
}

// pruneLocked drops reported orphans well past the window so the map stays
// bounded.
func (w *WebhookReconciler) pruneLocked(now time.Time) {
	horizon := 10 * w.orphanWindow
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	for id, o := range w.orphans {
		if o.reported && now.Sub(o.firstSeen) > horizon {
			delete(w.orphans, id)
		}
	}
}

// Orphans returns the number of unknown transfer ids currently tracked.
func (w *WebhookReconciler) Orphans() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.orphans)
}
