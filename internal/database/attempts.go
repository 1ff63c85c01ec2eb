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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"go.uber.org/zap"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAttempt(row rowScanner) (*models.TransferAttempt, error) {
	var attempt models.TransferAttempt
	var totalCents, subscriptionCents, loanCents int64
	var windowStart, windowEnd, periodStart, createdAt, updatedAt string
	err := row.Scan(&attempt.Key, &attempt.UserId, &attempt.AccountId, &windowStart, &windowEnd,
		&totalCents, &subscriptionCents, &loanCents, &attempt.Status, &attempt.TransferId,
		&attempt.AuthorizationId, &periodStart, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	attempt.Total = fromCents(totalCents)
	attempt.SubscriptionAmount = fromCents(subscriptionCents)
	attempt.LoanAmount = fromCents(loanCents)
	if attempt.WindowStart, err = parseTime(windowStart); err != nil {
		return nil, err
	}
	if attempt.WindowEnd, err = parseTime(windowEnd); err != nil {
		return nil, err
	}
	if periodStart != "" {
		if attempt.PeriodStart, err = parseTime(periodStart); err != nil {
			return nil, err
		}
	}
	if attempt.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if attempt.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func loadAttempt(ctx context.Context, q queryer, key string) (*models.TransferAttempt, error) {
	attempt, err := scanAttempt(q.QueryRowContext(ctx, queryGetAttempt, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: attempt %s", store.ErrNotFound, key)
		}
		return nil, classify(fmt.Errorf("unable to query attempt: %w", err))
	}
	if attempt.TransactionIds, err = loadAttemptTransactionIds(ctx, q, key); err != nil {
		return nil, err
	}
	return attempt, nil
}

func loadAttemptTransactionIds(ctx context.Context, q queryer, key string) ([]string, error) {
	rows, err := q.QueryContext(ctx, queryGetAttemptTransactionIds, key)
	if err != nil {
		return nil, classify(fmt.Errorf("unable to query attempt transactions: %w", err))
	}
	defer closeRows(rows)

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("unable to scan attempt transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("error iterating attempt transactions: %w", err))
	}
	return ids, nil
}

// ReserveAllocation records the attempt and applies its subscription share
// in one SQL transaction. The increment is guarded so collected never passes
// the monthly fee; a lost race surfaces as ErrConcurrentModification.
func (s *Service) ReserveAllocation(ctx context.Context, params store.ReserveAllocationParams) (*models.TransferAttempt, error) {
	if len(params.TransactionIds) == 0 {
		return nil, fmt.Errorf("reservation requires at least one transaction")
	}
	totalCents := toCents(params.Total)
	subscriptionCents := toCents(params.SubscriptionAmount)
	loanCents := toCents(params.LoanAmount)
	if subscriptionCents < 0 || loanCents < 0 || subscriptionCents+loanCents != totalCents {
		return nil, fmt.Errorf("invalid allocation: total %s subscription %s loan %s",
			params.Total.String(), params.SubscriptionAmount.String(), params.LoanAmount.String())
	}

	ids := slices.Clone(params.TransactionIds)
	slices.Sort(ids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer rollback(tx)

	var generation int
	if err := tx.QueryRowContext(ctx, queryCountAttemptsByDigest, params.Digest).Scan(&generation); err != nil {
		return nil, classify(fmt.Errorf("failed to count prior attempts: %w", err))
	}
	key := models.AttemptKey(params.Digest, generation)

	_, err = tx.ExecContext(ctx, queryInsertAttempt, key, params.Digest, params.UserId, params.AccountId,
		formatTime(params.WindowStart), formatTime(params.WindowEnd), totalCents, subscriptionCents, loanCents)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to insert transfer attempt: %w", err))
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, queryInsertAttemptTransaction, key, id); err != nil {
			return nil, classify(fmt.Errorf("failed to link transaction %s to attempt: %w", id, err))
		}
	}

	if subscriptionCents > 0 {
		result, err := tx.ExecContext(ctx, queryIncrementCollected, subscriptionCents, params.UserId, subscriptionCents)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to increment subscription: %w", err))
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return nil, fmt.Errorf("subscription increment rejected - %w", store.ErrConcurrentModification)
		}

		var periodStart string
		if err := tx.QueryRowContext(ctx, queryGetSubscriptionPeriodStart, params.UserId).Scan(&periodStart); err != nil {
			return nil, classify(fmt.Errorf("failed to read subscription period: %w", err))
		}
		if _, err := tx.ExecContext(ctx, queryUpdateAttemptPeriodStart, periodStart, key); err != nil {
			return nil, classify(fmt.Errorf("failed to record subscription period: %w", err))
		}
	}

	attempt, err := loadAttempt(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	zap.L().Info("Allocation reserved",
		zap.String("attempt_key", key),
		zap.String("user_id", params.UserId),
		zap.String("account_id", params.AccountId),
		zap.String("total", params.Total.StringFixed(models.MoneyPlaces)),
		zap.String("subscription_amount", params.SubscriptionAmount.StringFixed(models.MoneyPlaces)),
		zap.String("loan_amount", params.LoanAmount.StringFixed(models.MoneyPlaces)))
	return attempt, nil
}

// RecordAuthorization marks a reserved attempt as about to be created on the
// rail under authorizationId. Recording the same id again is a no-op.
func (s *Service) RecordAuthorization(ctx context.Context, attemptKey, authorizationId string) error {
	if authorizationId == "" {
		return fmt.Errorf("authorization id is required")
	}
	result, err := s.db.ExecContext(ctx, queryRecordAttemptAuthorization, authorizationId, attemptKey, authorizationId)
	if err != nil {
		return classify(fmt.Errorf("failed to record authorization: %w", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		attempt, err := loadAttempt(ctx, s.db, attemptKey)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: attempt %s is %s under authorization %q",
			store.ErrAttemptNotOpen, attemptKey, attempt.Status, attempt.AuthorizationId)
	}

	zap.L().Debug("Authorization recorded on attempt",
		zap.String("attempt_key", attemptKey),
		zap.String("authorization_id", authorizationId))
	return nil
}

// ReleaseAllocation abandons a reserved attempt and gives its subscription
// share back. An attempt whose create was already sent cannot be released.
func (s *Service) ReleaseAllocation(ctx context.Context, attemptKey string) error {
	return s.releaseReserved(ctx, attemptKey, "")
}

// ReleaseRejectedAllocation releases an attempt submitted under
// authorizationId after the rail definitively rejected the create.
func (s *Service) ReleaseRejectedAllocation(ctx context.Context, attemptKey, authorizationId string) error {
	return s.releaseReserved(ctx, attemptKey, authorizationId)
}

func (s *Service) releaseReserved(ctx context.Context, attemptKey, authorizationId string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer rollback(tx)

	attempt, err := loadAttempt(ctx, tx, attemptKey)
	if err != nil {
		return err
	}
	if attempt.AuthorizationId != authorizationId {
		return fmt.Errorf("%w: attempt %s was submitted under authorization %q",
			store.ErrCreateSubmitted, attemptKey, attempt.AuthorizationId)
	}
	if err := releaseAttempt(ctx, tx, attempt, models.AttemptStatusReserved); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	zap.L().Info("Allocation released",
		zap.String("attempt_key", attemptKey),
		zap.String("user_id", attempt.UserId),
		zap.String("authorization_id", authorizationId),
		zap.String("subscription_amount", attempt.SubscriptionAmount.StringFixed(models.MoneyPlaces)))
	return nil
}

func releaseAttempt(ctx context.Context, tx *sql.Tx, attempt *models.TransferAttempt, fromStatus string) error {
	result, err := tx.ExecContext(ctx, queryUpdateAttemptStatus,
		models.AttemptStatusReleased, attempt.TransferId, attempt.Key, fromStatus)
	if err != nil {
		return classify(fmt.Errorf("failed to release attempt: %w", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: attempt %s is %s", store.ErrAttemptNotOpen, attempt.Key, attempt.Status)
	}

	if cents := toCents(attempt.SubscriptionAmount); cents > 0 {
		result, err := tx.ExecContext(ctx, queryDecrementCollected, cents, attempt.UserId, attempt.Key)
		if err != nil {
			return classify(fmt.Errorf("failed to decrement subscription: %w", err))
		}
		if n, _ := result.RowsAffected(); n == 0 {
			zap.L().Info("Subscription period has rolled over, collected left unchanged",
				zap.String("attempt_key", attempt.Key),
				zap.String("user_id", attempt.UserId),
				zap.Time("attempt_period_start", attempt.PeriodStart))
		}
	}
	return nil
}

// FindOpenAttempt returns the oldest reserved attempt for the account, or nil.
func (s *Service) FindOpenAttempt(ctx context.Context, userId, accountId string) (*models.TransferAttempt, error) {
	attempt, err := scanAttempt(s.db.QueryRowContext(ctx, queryFindOpenAttempt, userId, accountId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("unable to query open attempt: %w", err))
	}
	if attempt.TransactionIds, err = loadAttemptTransactionIds(ctx, s.db, attempt.Key); err != nil {
		return nil, err
	}
	return attempt, nil
}

// ApplyTransferOutcome commits a reserved attempt: the transfer row (if any)
// is inserted, every referenced transaction moves from pending to the new
// status and the attempt completes. Any mismatch between the attempt, the
// transactions and the transfer rolls everything back with ErrLedgerDrift.
func (s *Service) ApplyTransferOutcome(ctx context.Context, params store.ApplyTransferOutcomeParams) error {
	switch {
	case params.Transfer != nil && params.NewStatus != models.RoundUpStatusProcessing,
		params.Transfer == nil && params.NewStatus != models.RoundUpStatusProcessed:
		return fmt.Errorf("invalid outcome status %q for transfer present=%t", params.NewStatus, params.Transfer != nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer rollback(tx)

	attempt, err := loadAttempt(ctx, tx, params.AttemptKey)
	if err != nil {
		return err
	}
	if attempt.Status != models.AttemptStatusReserved {
		return fmt.Errorf("%w: attempt %s is %s", store.ErrAttemptNotOpen, attempt.Key, attempt.Status)
	}

	refs := slices.Clone(params.TransactionIds)
	slices.Sort(refs)
	if !slices.Equal(refs, attempt.TransactionIds) {
		return fmt.Errorf("%w: attempt %s covers %d transactions, outcome references %d",
			store.ErrLedgerDrift, attempt.Key, len(attempt.TransactionIds), len(refs))
	}

	var sumCents int64
	query := fmt.Sprintf(querySumRoundUpsFmt, placeholders(len(refs)))
	if err := tx.QueryRowContext(ctx, query, stringArgs(refs)...).Scan(&sumCents); err != nil {
		return classify(fmt.Errorf("failed to sum round-ups: %w", err))
	}
	if sumCents != toCents(attempt.Total) {
		return fmt.Errorf("%w: round-ups sum to %s, attempt total is %s",
			store.ErrLedgerDrift, fromCents(sumCents).StringFixed(models.MoneyPlaces),
			attempt.Total.StringFixed(models.MoneyPlaces))
	}

	var transferId any
	if params.Transfer != nil {
		t := params.Transfer
		if toCents(t.Amount) != toCents(attempt.LoanAmount) {
			return fmt.Errorf("%w: transfer amount %s, attempt loan amount %s",
				store.ErrLedgerDrift, t.Amount.StringFixed(models.MoneyPlaces),
				attempt.LoanAmount.StringFixed(models.MoneyPlaces))
		}
		_, err := tx.ExecContext(ctx, queryInsertTransfer, t.Id, attempt.UserId, attempt.AccountId,
			t.DestinationAccountId, t.AuthorizationId, attempt.Key, toCents(t.Amount), models.TransferStatusPending)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: transfer %s", store.ErrDuplicateTransfer, t.Id)
			}
			return classify(fmt.Errorf("failed to insert transfer: %w", err))
		}
		transferId = t.Id
	} else if attempt.LoanAmount.IsPositive() {
		return fmt.Errorf("%w: attempt %s has loan amount %s but no transfer",
			store.ErrLedgerDrift, attempt.Key, attempt.LoanAmount.StringFixed(models.MoneyPlaces))
	}

	result, err := tx.ExecContext(ctx, fmt.Sprintf(queryAdvanceTransactionsFmt, placeholders(len(refs))),
		append([]any{params.NewStatus, transferId}, stringArgs(refs)...)...)
	if err != nil {
		return classify(fmt.Errorf("failed to advance transactions: %w", err))
	}
	advanced, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if advanced != int64(len(refs)) {
		return fmt.Errorf("%w: %d of %d transactions were still pending",
			store.ErrLedgerDrift, advanced, len(refs))
	}

	completedTransferId := ""
	if params.Transfer != nil {
		completedTransferId = params.Transfer.Id
	}
	if _, err := tx.ExecContext(ctx, queryUpdateAttemptStatus, models.AttemptStatusCompleted,
		completedTransferId, attempt.Key, models.AttemptStatusReserved); err != nil {
		return classify(fmt.Errorf("failed to complete attempt: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	zap.L().Info("Transfer outcome applied",
		zap.String("attempt_key", attempt.Key),
		zap.String("user_id", attempt.UserId),
		zap.String("account_id", attempt.AccountId),
		zap.String("transfer_id", completedTransferId),
		zap.String("status", params.NewStatus),
		zap.Int("transactions", len(refs)))
	return nil
}
