package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Round-up statuses carried by a card transaction
const (
	RoundUpStatusNA         = "na"
	RoundUpStatusPending    = "pending"
	RoundUpStatusProcessing = "processing"
	RoundUpStatusProcessed  = "processed"
)

// Transfer statuses
const (
	TransferStatusPending   = "pending"
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
	TransferStatusCanceled  = "canceled"
)

// Transfer attempt statuses
const (
	AttemptStatusReserved  = "reserved"
	AttemptStatusCompleted = "completed"
	AttemptStatusReleased  = "released"
)

// Subscription statuses
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
)

// Linked account purposes
const (
	AccountPurposeSource      = "source"
	AccountPurposeDestination = "destination"
)

// MoneyPlaces is the number of decimal places used for every amount
const MoneyPlaces = 2

// User represents a user in the system
type User struct {
	Id        string    `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LinkedAccount is a bank or loan account linked by the user
type LinkedAccount struct {
	Id          string    `db:"id"`
	UserId      string    `db:"user_id"`
	AccountId   string    `db:"account_id"`
	AccessToken string    `db:"access_token"`
	Name        string    `db:"name"`
	Type        string    `db:"type"`
	Subtype     string    `db:"subtype"`
	Mask        string    `db:"mask"`
	Purpose     string    `db:"purpose"`
	CreatedAt   time.Time `db:"created_at"`
}

// Transaction is one card purchase observed on a linked source account
type Transaction struct {
	Id            string          `db:"id"`
	UserId        string          `db:"user_id"`
	AccountId     string          `db:"account_id"`
	Name          string          `db:"name"`
	Amount        decimal.Decimal `db:"amount"`
	RoundUpAmount decimal.Decimal `db:"round_up_amount"`
	RoundUpStatus string          `db:"round_up_status"`
	HoldId        string          `db:"hold_id"`
	TransferId    string          `db:"transfer_id"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
}

// Subscription is the user's active monthly fee obligation
type Subscription struct {
	UserId      string          `db:"user_id"`
	MonthlyFee  decimal.Decimal `db:"monthly_fee"`
	Status      string          `db:"status"`
	PeriodStart time.Time       `db:"period_start"`
	PeriodEnd   time.Time       `db:"period_end"`
	Collected   decimal.Decimal `db:"collected"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// Remaining returns the part of the monthly fee not yet collected, never negative.
func (s Subscription) Remaining() decimal.Decimal {
	remaining := s.MonthlyFee.Sub(s.Collected)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining.Round(MoneyPlaces)
}

// Transfer is one external funds movement created on the payment rail
type Transfer struct {
	Id                   string          `db:"id"`
	UserId               string          `db:"user_id"`
	SourceAccountId      string          `db:"source_account_id"`
	DestinationAccountId string          `db:"destination_account_id"`
	AuthorizationId      string          `db:"authorization_id"`
	AttemptKey           string          `db:"attempt_key"`
	Amount               decimal.Decimal `db:"amount"`
	Status               string          `db:"status"`
	TransactionIds       []string        `db:"-"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// TransferAttempt records an allocation decision before the rail is called.
// Its key doubles as the rail idempotency key.
type TransferAttempt struct {
	Key                string          `db:"key"`
	UserId             string          `db:"user_id"`
	AccountId          string          `db:"account_id"`
	WindowStart        time.Time       `db:"window_start"`
	WindowEnd          time.Time       `db:"window_end"`
	Total              decimal.Decimal `db:"total"`
	SubscriptionAmount decimal.Decimal `db:"subscription_amount"`
	LoanAmount         decimal.Decimal `db:"loan_amount"`
	Status             string          `db:"status"`
	TransferId         string          `db:"transfer_id"`
	AuthorizationId    string          `db:"authorization_id"`
	PeriodStart        time.Time       `db:"period_start"` // zero when nothing went to the subscription
	TransactionIds     []string        `db:"transaction_ids"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// CreateSubmitted reports whether the create call may have reached the
// rail. Such an attempt is only ever replayed, never released.
func (a *TransferAttempt) CreateSubmitted() bool {
	return a.AuthorizationId != ""
}

// ComputeRoundUp derives the round-up amount and the initial status for a
// purchase amount. Only positive fractional amounts produce a pending round-up.
func ComputeRoundUp(amount decimal.Decimal) (decimal.Decimal, string) {
	if !amount.IsPositive() {
		return decimal.Zero, RoundUpStatusNA
	}
	roundUp := amount.Ceil().Sub(amount).Round(MoneyPlaces)
	if !roundUp.IsPositive() {
		return decimal.Zero, RoundUpStatusNA
	}
	return roundUp, RoundUpStatusPending
}

// SumRoundUps totals round-up amounts rounded to MoneyPlaces.
func SumRoundUps(txns []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txns {
		total = total.Add(t.RoundUpAmount)
	}
	return total.Round(MoneyPlaces)
}

// AttemptKey derives the idempotency key of the n-th attempt over the same
// allocation digest. Generation 0 is the first attempt; a released attempt
// whose transfer failed is retried under the next generation.
func AttemptKey(digest string, generation int) string {
	if len(digest) > 40 {
		digest = digest[:40]
	}
	return fmt.Sprintf("ru_%s_%d", digest, generation)
}
