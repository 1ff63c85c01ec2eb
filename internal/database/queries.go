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

const schema = `
	-- Users
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_users_active ON users(active);

	-- Linked bank and loan accounts
	CREATE TABLE IF NOT EXISTS linked_accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		access_token TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		subtype TEXT NOT NULL DEFAULT '',
		mask TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL CHECK (purpose IN ('source', 'destination')),
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		UNIQUE(user_id, account_id)
	);

	CREATE INDEX IF NOT EXISTS idx_linked_accounts_user ON linked_accounts(user_id, purpose);

	-- One subscription per user; collected never exceeds the fee
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id TEXT PRIMARY KEY,
		monthly_fee_cents INTEGER NOT NULL CHECK (monthly_fee_cents >= 0),
		status TEXT NOT NULL DEFAULT 'active',
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		collected_cents INTEGER NOT NULL DEFAULT 0
			CHECK (collected_cents >= 0 AND collected_cents <= monthly_fee_cents),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	-- Card transactions and their round-ups
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		amount_cents INTEGER NOT NULL,
		round_up_cents INTEGER NOT NULL DEFAULT 0,
		round_up_status TEXT NOT NULL
			CHECK (round_up_status IN ('na', 'pending', 'processing', 'processed')),
		hold_id TEXT NOT NULL DEFAULT '',
		transfer_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_status_created ON transactions(round_up_status, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_status ON transactions(user_id, round_up_status);
	CREATE INDEX IF NOT EXISTS idx_transactions_transfer ON transactions(transfer_id);

	-- Transfers created on the payment rail
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_account_id TEXT NOT NULL,
		destination_account_id TEXT NOT NULL DEFAULT '',
		authorization_id TEXT NOT NULL DEFAULT '',
		attempt_key TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		status TEXT NOT NULL
			CHECK (status IN ('pending', 'completed', 'failed', 'canceled')),
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_status_created ON transfers(status, created_at);

	-- Allocation decisions recorded before the rail is called
	CREATE TABLE IF NOT EXISTS transfer_attempts (
		key TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		user_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		total_cents INTEGER NOT NULL,
		subscription_cents INTEGER NOT NULL,
		loan_cents INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('reserved', 'completed', 'released')),
		transfer_id TEXT NOT NULL DEFAULT '',
		-- set once the create call has been sent; the attempt can no longer be released
		authorization_id TEXT NOT NULL DEFAULT '',
		-- subscription period the subscription share was collected in
		period_start TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_open ON transfer_attempts(user_id, account_id, status);
	CREATE INDEX IF NOT EXISTS idx_attempts_digest ON transfer_attempts(digest);

	CREATE TABLE IF NOT EXISTS attempt_transactions (
		attempt_key TEXT NOT NULL REFERENCES transfer_attempts(key),
		transaction_id TEXT NOT NULL,
		PRIMARY KEY (attempt_key, transaction_id)
	);
`

const (
	// User queries
	queryGetActiveUsers = `
		SELECT id, name, email, created_at, updated_at
		FROM users
		WHERE active = 1
		ORDER BY created_at, id`

	queryInsertUser = `
		INSERT OR IGNORE INTO users (id, name, email) VALUES (?, ?, ?)`

	queryGetUserById = `
		SELECT id, name, email, created_at, updated_at
		FROM users
		WHERE id = ? AND active = 1`

	// Linked account queries
	queryUpsertLinkedAccount = `
		INSERT INTO linked_accounts (id, user_id, account_id, access_token, name, type, subtype, mask, purpose)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, account_id) DO UPDATE SET
			access_token = excluded.access_token,
			name = excluded.name,
			type = excluded.type,
			subtype = excluded.subtype,
			mask = excluded.mask,
			purpose = excluded.purpose`

	queryDeleteDuplicateLinkedAccounts = `
		DELETE FROM linked_accounts
		WHERE user_id = ? AND purpose = ? AND name = ? AND mask = ? AND account_id != ?`

	queryGetLinkedAccount = `
		SELECT id, user_id, account_id, access_token, name, type, subtype, mask, purpose, created_at
		FROM linked_accounts
		WHERE user_id = ? AND account_id = ?`

	queryGetLinkedAccounts = `
		SELECT id, user_id, account_id, access_token, name, type, subtype, mask, purpose, created_at
		FROM linked_accounts
		WHERE user_id = ?
		ORDER BY purpose, account_id`

	// Subscription queries
	queryInsertSubscription = `
		INSERT INTO subscriptions (user_id, monthly_fee_cents, status, period_start, period_end, collected_cents)
		VALUES (?, ?, 'active', ?, ?, 0)
		ON CONFLICT(user_id) DO NOTHING`

	queryGetSubscription = `
		SELECT user_id, monthly_fee_cents, status, period_start, period_end, collected_cents, updated_at
		FROM subscriptions
		WHERE user_id = ?`

	queryRollSubscriptionPeriod = `
		UPDATE subscriptions
		SET period_start = ?, period_end = ?, collected_cents = 0,
		    updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE user_id = ? AND period_end <= ?`

	queryIncrementCollected = `
		UPDATE subscriptions
		SET collected_cents = collected_cents + ?,
		    updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE user_id = ? AND status = 'active' AND collected_cents + ? <= monthly_fee_cents`

	queryDecrementCollected = `
		UPDATE subscriptions
		SET collected_cents = MAX(collected_cents - ?, 0),
		    updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE user_id = ?
		  AND period_start = (SELECT period_start FROM transfer_attempts WHERE key = ?)`

	queryGetSubscriptionPeriodStart = `
		SELECT period_start FROM subscriptions WHERE user_id = ?`

	// Transaction queries
	queryInsertTransaction = `
		INSERT INTO transactions (id, user_id, account_id, name, amount_cents, round_up_cents, round_up_status, hold_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	transactionColumns = `
		SELECT id, user_id, account_id, name, amount_cents, round_up_cents, round_up_status,
		       hold_id, COALESCE(transfer_id, ''), created_at, updated_at, processed_at
		FROM transactions`

	queryGetPendingTransactions = transactionColumns + `
		WHERE round_up_status = 'pending' AND created_at >= ? AND created_at < ?
		ORDER BY user_id, account_id, created_at, id`

	queryGetPendingTransactionsForUser = transactionColumns + `
		WHERE user_id = ? AND round_up_status = 'pending' AND created_at >= ? AND created_at < ?
		ORDER BY account_id, created_at, id`

	queryGetTransactionsByIdsFmt = transactionColumns + `
		WHERE id IN (%s)
		ORDER BY account_id, created_at, id`

	queryGetTransactionsByTransfer = transactionColumns + `
		WHERE transfer_id = ?
		ORDER BY created_at, id`

	queryAdvanceTransactionsFmt = `
		UPDATE transactions
		SET round_up_status = ?, transfer_id = ?,
		    updated_at = strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now'),
		    processed_at = strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now')
		WHERE round_up_status = 'pending' AND id IN (%s)`

	querySumRoundUpsFmt = `
		SELECT COALESCE(SUM(round_up_cents), 0)
		FROM transactions
		WHERE id IN (%s)`

	queryCompleteTransferTransactions = `
		UPDATE transactions
		SET round_up_status = 'processed',
		    updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now'),
		    processed_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE transfer_id = ? AND round_up_status = 'processing'`

	queryRevertTransferTransactions = `
		UPDATE transactions
		SET round_up_status = 'pending', transfer_id = NULL, processed_at = NULL,
		    updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE transfer_id = ? AND round_up_status = 'processing'`

	// Transfer attempt queries
	queryCountAttemptsByDigest = `
		SELECT COUNT(*) FROM transfer_attempts WHERE digest = ?`

	queryInsertAttempt = `
		INSERT INTO transfer_attempts (key, digest, user_id, account_id, window_start, window_end,
		                               total_cents, subscription_cents, loan_cents, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'reserved')`

	queryUpdateAttemptPeriodStart = `
		UPDATE transfer_attempts SET period_start = ? WHERE key = ?`

	queryRecordAttemptAuthorization = `
		UPDATE transfer_attempts
		SET authorization_id = ?, updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE key = ? AND status = 'reserved' AND authorization_id IN ('', ?)`

	queryInsertAttemptTransaction = `
		INSERT INTO attempt_transactions (attempt_key, transaction_id) VALUES (?, ?)`

	attemptColumns = `
		SELECT key, user_id, account_id, window_start, window_end, total_cents, subscription_cents,
		       loan_cents, status, transfer_id, authorization_id, period_start, created_at, updated_at
		FROM transfer_attempts`

	queryGetAttempt = attemptColumns + `
		WHERE key = ?`

	queryFindOpenAttempt = attemptColumns + `
		WHERE user_id = ? AND account_id = ? AND status = 'reserved'
		ORDER BY created_at, key
		LIMIT 1`

	queryGetAttemptTransactionIds = `
		SELECT transaction_id FROM attempt_transactions
		WHERE attempt_key = ?
		ORDER BY transaction_id`

	queryUpdateAttemptStatus = `
		UPDATE transfer_attempts
		SET status = ?, transfer_id = ?, updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE key = ? AND status = ?`

	// Transfer queries
	queryInsertTransfer = `
		INSERT INTO transfers (id, user_id, source_account_id, destination_account_id,
		                       authorization_id, attempt_key, amount_cents, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	transferColumns = `
		SELECT id, user_id, source_account_id, destination_account_id, authorization_id,
		       attempt_key, amount_cents, status, created_at, updated_at
		FROM transfers`

	queryGetTransfer = transferColumns + `
		WHERE id = ?`

	queryListTransfers = transferColumns + `
		WHERE status = ? AND created_at < ?
		ORDER BY created_at, id`

	queryUpdateTransferStatus = `
		UPDATE transfers
		SET status = ?, updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		WHERE id = ? AND status = 'pending'`
)
