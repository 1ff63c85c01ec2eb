package formance

import (
	"context"
	"fmt"
	"strings"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Numscript fragments. A posting is emitted only for non-zero buckets, so the
// script is assembled per allocation. Metadata is set inside the script so
// the Formance transaction is self-describing.
// ---------------------------------------------------------------------------

const numscriptAllocationVars = `vars {
  asset $asset
  account $user_id
  account $account_id
  string $attempt_key
  string $transfer_id
%s}
`

const numscriptSubscriptionPosting = `
send [$asset $subscription_amount] (
  source = @users:$user_id:sources:$account_id allowing unbounded overdraft
  destination = @platform:subscriptions
)
`

const numscriptLoanPosting = `
send [$asset $loan_amount] (
  source = @users:$user_id:sources:$account_id allowing unbounded overdraft
  destination = @users:$user_id:destination
)
`

const numscriptAllocationMeta = `
set_tx_meta("event_type", "roundup_allocation")
set_tx_meta("attempt_key", $attempt_key)
set_tx_meta("transfer_id", $transfer_id)
`

// allocationScript builds the Numscript for an allocation with the given
// non-zero buckets. It returns "" when both buckets are zero.
func allocationScript(hasSubscription, hasLoan bool) string {
	if !hasSubscription && !hasLoan {
		return ""
	}

	var numberVars, postings strings.Builder
	if hasSubscription {
		numberVars.WriteString("  number $subscription_amount\n")
		postings.WriteString(numscriptSubscriptionPosting)
	}
	if hasLoan {
		numberVars.WriteString("  number $loan_amount\n")
		postings.WriteString(numscriptLoanPosting)
	}

	return fmt.Sprintf(numscriptAllocationVars, numberVars.String()) + postings.String() + numscriptAllocationMeta
}

// minorUnits converts a USD amount to cents for Numscript.
func minorUnits(amount decimal.Decimal) string {
	return amount.Round(models.MoneyPlaces).Shift(models.MoneyPlaces).BigInt().String()
}

// allocationVars returns the script variables for entry.
func allocationVars(entry store.AllocationEntry) map[string]string {
	vars := map[string]string{
		"asset":       usdAsset,
		"user_id":     entry.UserId,
		"account_id":  entry.AccountId,
		"attempt_key": entry.AttemptKey,
		"transfer_id": entry.TransferId,
	}
	if entry.SubscriptionAmount.IsPositive() {
		vars["subscription_amount"] = minorUnits(entry.SubscriptionAmount)
	}
	if entry.LoanAmount.IsPositive() {
		vars["loan_amount"] = minorUnits(entry.LoanAmount)
	}
	return vars
}

// RecordAllocation posts the allocation with the attempt key as reference.
// A duplicate reference means the entry is already journaled.
func (s *Service) RecordAllocation(ctx context.Context, entry store.AllocationEntry) error {
	script := allocationScript(entry.SubscriptionAmount.IsPositive(), entry.LoanAmount.IsPositive())
	if script == "" {
		return nil
	}

	postTx := shared.V2PostTransaction{
		Reference: strPtr(entry.AttemptKey),
		Script: &shared.V2PostTransactionScript{
			Plain: script,
			Vars:  allocationVars(entry),
		},
	}
	if !entry.Timestamp.IsZero() {
		postTx.Timestamp = &entry.Timestamp
	}

	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			return nil // idempotent
		}
		return fmt.Errorf("error journaling allocation %s: %w", entry.AttemptKey, err)
	}

	zap.L().Info("Allocation journaled in Formance",
		zap.String("attempt_key", entry.AttemptKey),
		zap.String("user_id", entry.UserId),
		zap.String("subscription_amount", entry.SubscriptionAmount.StringFixed(models.MoneyPlaces)),
		zap.String("loan_amount", entry.LoanAmount.StringFixed(models.MoneyPlaces)))
	return nil
}

// RevertAllocation reverts the journaled allocation for attemptKey using
// Formance's native RevertTransaction. Missing or already reverted entries
// are not errors.
func (s *Service) RevertAllocation(ctx context.Context, attemptKey string) error {
	pageSize := int64(1)
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:   s.ledger,
		PageSize: &pageSize,
		RequestBody: map[string]any{
			"$match": map[string]any{
				"metadata[attempt_key]": attemptKey,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to find journal entry %s: %w", attemptKey, err)
	}
	if len(resp.V2TransactionsCursorResponse.Cursor.Data) == 0 {
		zap.L().Debug("No journal entry to revert", zap.String("attempt_key", attemptKey))
		return nil
	}

	tx := resp.V2TransactionsCursorResponse.Cursor.Data[0]
	if tx.Reverted {
		return nil
	}

	_, err = s.client.Ledger.V2.RevertTransaction(ctx, operations.V2RevertTransactionRequest{
		Ledger:          s.ledger,
		ID:              tx.ID,
		AtEffectiveDate: ptrBool(true),
	})
	if err != nil {
		if isConflictError(err) || isAlreadyRevertedError(err) {
			return nil
		}
		return fmt.Errorf("failed to revert journal entry %s: %w", attemptKey, err)
	}

	zap.L().Info("Allocation reverted in Formance",
		zap.String("attempt_key", attemptKey),
		zap.String("tx_id", tx.ID.String()))
	return nil
}

func strPtr(s string) *string { return &s }
func ptrBool(v bool) *bool    { return &v }
