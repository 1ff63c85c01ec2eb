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
	"fmt"

	"roundup-engine-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func scanLinkedAccount(row rowScanner) (*models.LinkedAccount, error) {
	var account models.LinkedAccount
	var createdAt string
	err := row.Scan(&account.Id, &account.UserId, &account.AccountId, &account.AccessToken,
		&account.Name, &account.Type, &account.Subtype, &account.Mask, &account.Purpose, &createdAt)
	if err != nil {
		return nil, err
	}
	if account.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &account, nil
}

// UpsertLinkedAccount stores a linked account keyed by (user, account id).
// Relinking the same bank account under a new account id replaces the older
// rows that share its name, mask and purpose.
func (s *Service) UpsertLinkedAccount(ctx context.Context, account models.LinkedAccount) (*models.LinkedAccount, error) {
	if account.UserId == "" || account.AccountId == "" {
		return nil, fmt.Errorf("linked account requires user_id and account_id")
	}
	if account.Purpose != models.AccountPurposeSource && account.Purpose != models.AccountPurposeDestination {
		return nil, fmt.Errorf("invalid linked account purpose %q", account.Purpose)
	}
	if account.Id == "" {
		account.Id = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, queryUpsertLinkedAccount,
		account.Id, account.UserId, account.AccountId, account.AccessToken,
		account.Name, account.Type, account.Subtype, account.Mask, account.Purpose)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to upsert linked account: %w", err))
	}

	if account.Mask != "" {
		result, err := tx.ExecContext(ctx, queryDeleteDuplicateLinkedAccounts,
			account.UserId, account.Purpose, account.Name, account.Mask, account.AccountId)
		if err != nil {
			return nil, classify(fmt.Errorf("failed to remove duplicate linked accounts: %w", err))
		}
		if removed, _ := result.RowsAffected(); removed > 0 {
			zap.L().Info("Removed duplicate linked accounts",
				zap.String("user_id", account.UserId),
				zap.String("account_id", account.AccountId),
				zap.Int64("removed", removed))
		}
	}

	stored, err := scanLinkedAccount(tx.QueryRowContext(ctx, queryGetLinkedAccount, account.UserId, account.AccountId))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read back linked account: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	zap.L().Info("Linked account stored",
		zap.String("user_id", stored.UserId),
		zap.String("account_id", stored.AccountId),
		zap.String("purpose", stored.Purpose))
	return stored, nil
}

func (s *Service) GetLinkedAccounts(ctx context.Context, userId string) ([]models.LinkedAccount, error) {
	rows, err := s.db.QueryContext(ctx, queryGetLinkedAccounts, userId)
	if err != nil {
		zap.L().Error("Failed to query linked accounts", zap.String("user_id", userId), zap.Error(err))
		return nil, classify(fmt.Errorf("unable to query linked accounts: %w", err))
	}
	defer closeRows(rows)

	var accounts []models.LinkedAccount
	for rows.Next() {
		account, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan linked account row: %w", err)
		}
		accounts = append(accounts, *account)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("error iterating linked account rows: %w", err))
	}

	return accounts, nil
}
