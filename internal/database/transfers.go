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
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"go.uber.org/zap"
)

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var transfer models.Transfer
	var amountCents int64
	var createdAt, updatedAt string
	err := row.Scan(&transfer.Id, &transfer.UserId, &transfer.SourceAccountId, &transfer.DestinationAccountId,
		&transfer.AuthorizationId, &transfer.AttemptKey, &amountCents, &transfer.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	transfer.Amount = fromCents(amountCents)
	if transfer.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if transfer.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &transfer, nil
}

func loadTransfer(ctx context.Context, q queryer, transferId string) (*models.Transfer, error) {
	transfer, err := scanTransfer(q.QueryRowContext(ctx, queryGetTransfer, transferId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transfer %s", store.ErrNotFound, transferId)
		}
		return nil, classify(fmt.Errorf("unable to query transfer: %w", err))
	}
	if transfer.TransactionIds, err = loadAttemptTransactionIds(ctx, q, transfer.AttemptKey); err != nil {
		return nil, err
	}
	return transfer, nil
}

func isTerminalTransferStatus(status string) bool {
	return status == models.TransferStatusCompleted ||
		status == models.TransferStatusFailed ||
		status == models.TransferStatusCanceled
}

func (s *Service) GetTransfer(ctx context.Context, transferId string) (*models.Transfer, error) {
	return loadTransfer(ctx, s.db, transferId)
}

// ListTransfers returns transfers in status created strictly before the cutoff.
func (s *Service) ListTransfers(ctx context.Context, status string, createdBefore time.Time) ([]models.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, queryListTransfers, status, formatTime(createdBefore))
	if err != nil {
		return nil, classify(fmt.Errorf("unable to query transfers: %w", err))
	}
	defer closeRows(rows)

	var transfers []models.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("error iterating transfer rows: %w", err))
	}
	return transfers, nil
}

// CompleteTransfer marks a pending transfer completed and its transactions processed.
func (s *Service) CompleteTransfer(ctx context.Context, transferId string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer rollback(tx)

	transfer, err := loadTransfer(ctx, tx, transferId)
	if err != nil {
		return err
	}
	if err := updateTransferStatus(ctx, tx, transfer, models.TransferStatusCompleted); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, queryCompleteTransferTransactions, transferId)
	if err != nil {
		return classify(fmt.Errorf("failed to mark transactions processed: %w", err))
	}
	processed, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	zap.L().Info("Transfer completed",
		zap.String("transfer_id", transferId),
		zap.String("user_id", transfer.UserId),
		zap.String("amount", transfer.Amount.StringFixed(models.MoneyPlaces)),
		zap.Int64("transactions", processed))
	return nil
}

// FailTransfer compensates a failed or canceled transfer: its transactions
// return to pending without a transfer id, the attempt is released and the
// subscription share it collected is given back (floored at zero).
func (s *Service) FailTransfer(ctx context.Context, transferId, status string) error {
	if status != models.TransferStatusFailed && status != models.TransferStatusCanceled {
		return fmt.Errorf("invalid failure status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer rollback(tx)

	transfer, err := loadTransfer(ctx, tx, transferId)
	if err != nil {
		return err
	}
	if err := updateTransferStatus(ctx, tx, transfer, status); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, queryRevertTransferTransactions, transferId)
	if err != nil {
		return classify(fmt.Errorf("failed to revert transactions: %w", err))
	}
	reverted, _ := result.RowsAffected()

	attempt, err := loadAttempt(ctx, tx, transfer.AttemptKey)
	if err != nil {
		return err
	}
	if attempt.Status == models.AttemptStatusCompleted {
		if err := releaseAttempt(ctx, tx, attempt, models.AttemptStatusCompleted); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	zap.L().Warn("Transfer failed, round-ups returned to pending",
		zap.String("transfer_id", transferId),
		zap.String("status", status),
		zap.String("user_id", transfer.UserId),
		zap.String("attempt_key", transfer.AttemptKey),
		zap.String("released_subscription_amount", attempt.SubscriptionAmount.StringFixed(models.MoneyPlaces)),
		zap.Int64("transactions", reverted))
	return nil
}

func updateTransferStatus(ctx context.Context, tx *sql.Tx, transfer *models.Transfer, status string) error {
	if isTerminalTransferStatus(transfer.Status) {
		return fmt.Errorf("%w: transfer %s is %s", store.ErrAlreadyTerminal, transfer.Id, transfer.Status)
	}
	result, err := tx.ExecContext(ctx, queryUpdateTransferStatus, status, transfer.Id)
	if err != nil {
		return classify(fmt.Errorf("failed to update transfer status: %w", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transfer status update failed - %w", store.ErrConcurrentModification)
	}
	return nil
}
