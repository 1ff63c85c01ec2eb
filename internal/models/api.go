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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reconciliation outcomes that are not failures
const (
	OutcomeReconciled            = "reconciled"
	OutcomeNoPendingTransactions = "no_pending_transactions"
	OutcomeNoDestinationLinked   = "no_destination_linked"
)

// Group statuses reported per source account
const (
	GroupStatusTransferred           = "transferred"
	GroupStatusSubscriptionOnly      = "subscription_only"
	GroupStatusSourceAccountNotFound = "source_account_not_found"
	GroupStatusAuthorizationDenied   = "authorization_denied"
	GroupStatusTransferFailed        = "transfer_failed"
	GroupStatusLedgerDrift           = "ledger_drift"
	GroupStatusFailed                = "failed"
)

// Allocation is the split of a round-up total between the two buckets
type Allocation struct {
	SubscriptionAmount decimal.Decimal `json:"subscription_amount"`
	LoanAmount         decimal.Decimal `json:"loan_amount"`
}

// HoldError describes a hold that could not be cancelled
type HoldError struct {
	HoldId string `json:"hold_id"`
	Error  string `json:"error"`
}

// HoldCancelResult is the outcome of cancelling a batch of holds
type HoldCancelResult struct {
	Cancelled []string    `json:"cancelled"`
	Errors    []HoldError `json:"errors,omitempty"`
}

// GroupResult is the outcome of reconciling one source account group
type GroupResult struct {
	AccountId          string          `json:"account_id"`
	TransactionCount   int             `json:"transaction_count"`
	Total              decimal.Decimal `json:"total"`
	SubscriptionAmount decimal.Decimal `json:"subscription_amount"`
	LoanAmount         decimal.Decimal `json:"loan_amount"`
	TransferId         string          `json:"transfer_id,omitempty"`
	AttemptKey         string          `json:"attempt_key,omitempty"`
	Status             string          `json:"status"`
	Error              string          `json:"error,omitempty"`
	HoldsCancelled     int             `json:"holds_cancelled"`
	HoldErrors         []HoldError     `json:"hold_errors,omitempty"`
}

// Failed reports whether the group left its transactions pending.
func (g GroupResult) Failed() bool {
	return g.Status != GroupStatusTransferred && g.Status != GroupStatusSubscriptionOnly
}

// ReconciliationResult is the aggregate outcome of one user's reconciliation
type ReconciliationResult struct {
	UserId         string        `json:"user_id"`
	Outcome        string        `json:"outcome"`
	WindowStart    time.Time     `json:"window_start"`
	WindowEnd      time.Time     `json:"window_end"`
	Processed      int           `json:"processed"`
	HoldsCancelled int           `json:"holds_cancelled"`
	Groups         []GroupResult `json:"groups,omitempty"`
}

// FailedGroups returns the groups whose transactions remain pending.
func (r *ReconciliationResult) FailedGroups() []GroupResult {
	var failed []GroupResult
	for _, g := range r.Groups {
		if g.Failed() {
			failed = append(failed, g)
		}
	}
	return failed
}

// RunSummary aggregates a scheduled window run across users
type RunSummary struct {
	WindowStart    time.Time              `json:"window_start"`
	WindowEnd      time.Time              `json:"window_end"`
	Users          int                    `json:"users"`
	Processed      int                    `json:"processed"`
	HoldsCancelled int                    `json:"holds_cancelled"`
	FailedGroups   int                    `json:"failed_groups"`
	Results        []ReconciliationResult `json:"results"`
}

// UserSummary is a read-only view of a user's round-up state
type UserSummary struct {
	User            User            `json:"user"`
	Subscription    *Subscription   `json:"subscription,omitempty"`
	Accounts        []LinkedAccount `json:"accounts"`
	PendingCount    int             `json:"pending_count"`
	PendingRoundUps decimal.Decimal `json:"pending_round_ups"`
	OpenTransfers   int             `json:"open_transfers"`
}
