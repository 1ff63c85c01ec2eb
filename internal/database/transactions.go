package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var txn models.Transaction
	var amountCents, roundUpCents int64
	var createdAt, updatedAt string
	var processedAt sql.NullString
	err := row.Scan(&txn.Id, &txn.UserId, &txn.AccountId, &txn.Name, &amountCents, &roundUpCents,
		&txn.RoundUpStatus, &txn.HoldId, &txn.TransferId, &createdAt, &updatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	txn.Amount = fromCents(amountCents)
	txn.RoundUpAmount = fromCents(roundUpCents)
	if txn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if txn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if txn.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, err
	}
	return &txn, nil
}

// IngestTransaction records a card purchase and derives its round-up.
// Whole and non-positive amounts are stored with status na.
func (s *Service) IngestTransaction(ctx context.Context, params store.IngestTransactionParams) (*models.Transaction, error) {
	if params.UserId == "" || params.AccountId == "" {
		return nil, fmt.Errorf("transaction requires user_id and account_id")
	}
	if params.Id == "" {
		params.Id = uuid.New().String()
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = time.Now()
	}

	amount := params.Amount.Round(models.MoneyPlaces)
	roundUp, status := models.ComputeRoundUp(amount)

	_, err := s.db.ExecContext(ctx, queryInsertTransaction,
		params.Id, params.UserId, params.AccountId, params.Name,
		toCents(amount), toCents(roundUp), status, params.HoldId, formatTime(params.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			zap.L().Warn("Duplicate transaction id, skipping", zap.String("transaction_id", params.Id))
			return nil, fmt.Errorf("%w: transaction %s already exists", store.ErrDuplicateTransaction, params.Id)
		}
		return nil, classify(fmt.Errorf("failed to insert transaction: %w", err))
	}

	zap.L().Debug("Transaction ingested",
		zap.String("transaction_id", params.Id),
		zap.String("user_id", params.UserId),
		zap.String("account_id", params.AccountId),
		zap.String("amount", amount.StringFixed(models.MoneyPlaces)),
		zap.String("round_up", roundUp.StringFixed(models.MoneyPlaces)),
		zap.String("status", status))

	txns, err := s.GetTransactionsByIds(ctx, []string{params.Id})
	if err != nil {
		return nil, err
	}
	if len(txns) != 1 {
		return nil, fmt.Errorf("%w: transaction %s", store.ErrNotFound, params.Id)
	}
	return &txns[0], nil
}

func (s *Service) GetPendingTransactions(ctx context.Context, start, end time.Time) ([]models.Transaction, error) {
	return s.queryTransactions(ctx, queryGetPendingTransactions, formatTime(start), formatTime(end))
}

func (s *Service) GetPendingTransactionsForUser(ctx context.Context, userId string, start, end time.Time) ([]models.Transaction, error) {
	return s.queryTransactions(ctx, queryGetPendingTransactionsForUser, userId, formatTime(start), formatTime(end))
}

func (s *Service) GetTransactionsByIds(ctx context.Context, ids []string) ([]models.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(queryGetTransactionsByIdsFmt, placeholders(len(ids)))
	return s.queryTransactions(ctx, query, stringArgs(ids)...)
}

func (s *Service) GetTransactionsByTransfer(ctx context.Context, transferId string) ([]models.Transaction, error) {
	return s.queryTransactions(ctx, queryGetTransactionsByTransfer, transferId)
}

func (s *Service) queryTransactions(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		zap.L().Error("Failed to query transactions", zap.Error(err))
		return nil, classify(fmt.Errorf("unable to query transactions: %w", err))
	}
	defer closeRows(rows)

	var txns []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan transaction row: %w", err)
		}
		txns = append(txns, *txn)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("error iterating transaction rows: %w", err))
	}

	return txns, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
