// Package payment defines the external money-movement interfaces the engine
// depends on (transfer rail, authorization holds) and an HTTP client for a
// two-phase ACH transfer API.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net"

	"roundup-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks failures worth retrying: network errors, 5xx and 429.
	ErrTransient = errors.New("transient payment error")
	// ErrHoldNotFound is returned when the hold service has no such hold.
	ErrHoldNotFound = errors.New("hold not found")
)

// RailError is a non-retryable error response from the rail.
type RailError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *RailError) Error() string {
	return fmt.Sprintf("rail error %d %s/%s: %s", e.StatusCode, e.Type, e.Code, e.Message)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// AuthorizeTransferParams is phase one of a transfer.
type AuthorizeTransferParams struct {
	Account models.LinkedAccount
	Amount  decimal.Decimal
	Type    string // "debit"
	Network string // "ach"
}

// CreateTransferParams is phase two of a transfer.
type CreateTransferParams struct {
	Account         models.LinkedAccount
	AuthorizationId string
	Amount          decimal.Decimal
	Description     string
	IdempotencyKey  string
}

// Rail moves funds between a user's linked accounts.
type Rail interface {
	AuthorizeTransfer(ctx context.Context, params AuthorizeTransferParams) (*models.TransferAuthorization, error)
	CreateTransfer(ctx context.Context, params CreateTransferParams) (*models.RailTransfer, error)
	GetTransfer(ctx context.Context, transferId string) (*models.RailTransfer, error)
}

// HoldService reads and releases card authorization holds.
type HoldService interface {
	GetHold(ctx context.Context, holdId string) (*models.Hold, error)
	CancelHold(ctx context.Context, holdId string) (*models.Hold, error)
}

// Transfer statuses reported by the rail
const (
	RailStatusPending        = "pending"
	RailStatusPosted         = "posted"
	RailStatusSettled        = "settled"
	RailStatusFundsAvailable = "funds_available"
	RailStatusCancelled      = "cancelled"
	RailStatusFailed         = "failed"
	RailStatusReturned       = "returned"
)

// EventStatus maps a rail transfer status to the local transfer status it
// implies. The second value is false while the transfer is still in flight.
func EventStatus(railStatus string) (string, bool) {
	switch railStatus {
	case RailStatusSettled, RailStatusFundsAvailable:
		return models.TransferStatusCompleted, true
	case RailStatusFailed, RailStatusReturned:
		return models.TransferStatusFailed, true
	case RailStatusCancelled:
		return models.TransferStatusCanceled, true
	}
	return "", false
}
