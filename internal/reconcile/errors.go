package reconcile

import (
	"errors"
	"fmt"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/payment"
	"roundup-engine-go/internal/store"
)

var (
	// ErrAmountMismatch means phase two would move a different amount than
	// phase one authorized. It is a programming error and never retried.
	ErrAmountMismatch        = errors.New("transfer amount does not match authorized amount")
	ErrSourceAccountNotFound = errors.New("source account not found")
	ErrMalformedWebhook      = errors.New("malformed webhook")
	ErrLedgerDrift           = store.ErrLedgerDrift
)

// ErrAuthorizationDenied is returned when the rail does not approve a
// transfer authorization.
type ErrAuthorizationDenied struct {
	Decision  string
	Rationale string
}

func (e *ErrAuthorizationDenied) Error() string {
	if e.Rationale == "" {
		return fmt.Sprintf("transfer authorization %s", e.Decision)
	}
	return fmt.Sprintf("transfer authorization %s: %s", e.Decision, e.Rationale)
}

// Transfer protocol phases
const (
	PhaseAuthorize = "authorize"
	PhaseCreate    = "create"
)

// ErrTransferCreationFailed wraps any downstream failure while creating a
// transfer.
type ErrTransferCreationFailed struct {
	Phase string
	Err   error
}

// OutcomeUnknown reports whether the rail may have created the transfer
// despite the error: a create call that did not get a definitive rejection.
func (e *ErrTransferCreationFailed) OutcomeUnknown() bool {
	if e.Phase != PhaseCreate {
		return false
	}
	var railErr *payment.RailError
	return !errors.As(e.Err, &railErr)
}

func (e *ErrTransferCreationFailed) Error() string {
	return fmt.Sprintf("transfer creation failed: %v", e.Err)
}

func (e *ErrTransferCreationFailed) Unwrap() error { return e.Err }

// groupStatus classifies a per-group failure.
func groupStatus(err error) string {
	var denied *ErrAuthorizationDenied
	var creation *ErrTransferCreationFailed
	switch {
	case errors.As(err, &denied):
		return models.GroupStatusAuthorizationDenied
	case errors.As(err, &creation):
		return models.GroupStatusTransferFailed
	case errors.Is(err, ErrLedgerDrift):
		return models.GroupStatusLedgerDrift
	case errors.Is(err, ErrSourceAccountNotFound):
		return models.GroupStatusSourceAccountNotFound
	}
	return models.GroupStatusFailed
}

// isGroupScoped reports whether a store error only concerns one group. Any
// other store error aborts the run.
func isGroupScoped(err error) bool {
	if errors.Is(err, store.ErrUnavailable) {
		return false
	}
	return errors.Is(err, store.ErrLedgerDrift) ||
		errors.Is(err, store.ErrConcurrentModification) ||
		errors.Is(err, store.ErrAttemptNotOpen) ||
		errors.Is(err, store.ErrDuplicateTransfer)
}
