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

import "github.com/shopspring/decimal"

// Webhook types and codes delivered by the payment rail
const (
	WebhookTypeTransfer          = "TRANSFER"
	WebhookCodeTransferCompleted = "TRANSFER_COMPLETED"
	WebhookCodeTransferFailed    = "TRANSFER_FAILED"
	WebhookCodeTransferCanceled  = "TRANSFER_CANCELED"
)

// Hold statuses reported by the hold service
const (
	HoldStatusRequiresCapture = "requires_capture"
	HoldStatusCanceled        = "canceled"
	HoldStatusSucceeded       = "succeeded"
)

// Authorization decisions returned by the payment rail
const (
	DecisionApproved           = "approved"
	DecisionDeclined           = "declined"
	DecisionUserActionRequired = "user_action_required"
)

// WebhookPayload is the asynchronous notification body posted by the rail
type WebhookPayload struct {
	WebhookType string `json:"webhook_type"`
	WebhookCode string `json:"webhook_code"`
	TransferId  string `json:"transfer_id"`
	ItemId      string `json:"item_id"`
	Error       *struct {
		Code    string `json:"error_code"`
		Message string `json:"error_message"`
	} `json:"error,omitempty"`
}

// EventStatus maps a transfer webhook code to the transfer status it reports.
// The second value is false for codes that carry no status change.
func (p WebhookPayload) EventStatus() (string, bool) {
	if p.WebhookType != WebhookTypeTransfer {
		return "", false
	}
	switch p.WebhookCode {
	case WebhookCodeTransferCompleted:
		return TransferStatusCompleted, true
	case WebhookCodeTransferFailed:
		return TransferStatusFailed, true
	case WebhookCodeTransferCanceled:
		return TransferStatusCanceled, true
	}
	return "", false
}

// Hold is an authorization hold as seen by the hold service
type Hold struct {
	Id        string
	Status    string
	Amount    decimal.Decimal
	AccountId string
}

// IsTerminal reports whether the hold no longer reserves funds.
func (h Hold) IsTerminal() bool {
	return h.Status == HoldStatusCanceled || h.Status == HoldStatusSucceeded
}

// TransferAuthorization is the rail's phase-one decision
type TransferAuthorization struct {
	Id        string
	Decision  string
	Rationale string
	Amount    decimal.Decimal
}

// RailTransfer is the rail's view of a created transfer
type RailTransfer struct {
	Id              string
	AuthorizationId string
	AccountId       string
	Amount          decimal.Decimal
	Status          string
}
