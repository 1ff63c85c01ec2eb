package store

import (
	"context"
	"errors"
	"time"

	"roundup-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrDuplicateTransfer      = errors.New("duplicate transfer")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyTerminal        = errors.New("transfer already in a terminal state")
	ErrAttemptNotOpen         = errors.New("transfer attempt is not reserved")
	ErrCreateSubmitted        = errors.New("transfer create already submitted for attempt")
	ErrLedgerDrift            = errors.New("ledger drift detected")
	ErrUnavailable            = errors.New("ledger store unavailable")
)

// IngestTransactionParams describes a card purchase observed on a source account.
type IngestTransactionParams struct {
	Id        string // generated when empty
	UserId    string
	AccountId string
	Name      string
	Amount    decimal.Decimal
	HoldId    string
	CreatedAt time.Time // purchase time; now when zero
}

// ReserveAllocationParams records an allocation decision before any rail call.
type ReserveAllocationParams struct {
	Digest             string // stable hash of user, account, total and transaction ids
	UserId             string
	AccountId          string
	WindowStart        time.Time
	WindowEnd          time.Time
	Total              decimal.Decimal
	SubscriptionAmount decimal.Decimal
	LoanAmount         decimal.Decimal
	TransactionIds     []string
}

// ApplyTransferOutcomeParams commits a reserved attempt to the ledger.
type ApplyTransferOutcomeParams struct {
	AttemptKey     string
	TransactionIds []string
	Transfer       *models.Transfer // nil when the whole total went to the subscription
	NewStatus      string           // processing or processed
}

// LedgerStore defines the contract that every backend must satisfy.
type LedgerStore interface {
	// --- Users ---
	GetUsers(ctx context.Context) ([]models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	CreateUser(ctx context.Context, userId, name, email string) (*models.User, error)

	// --- Linked accounts ---
	UpsertLinkedAccount(ctx context.Context, account models.LinkedAccount) (*models.LinkedAccount, error)
	GetLinkedAccounts(ctx context.Context, userId string) ([]models.LinkedAccount, error)

	// --- Subscriptions ---
	InitializeSubscription(ctx context.Context, userId string, monthlyFee decimal.Decimal, now time.Time) (*models.Subscription, error)
	GetSubscription(ctx context.Context, userId string) (*models.Subscription, error)
	RollSubscriptionPeriod(ctx context.Context, userId string, now time.Time) (*models.Subscription, error)

	// --- Transactions ---
	IngestTransaction(ctx context.Context, params IngestTransactionParams) (*models.Transaction, error)
	GetPendingTransactions(ctx context.Context, start, end time.Time) ([]models.Transaction, error)
	GetPendingTransactionsForUser(ctx context.Context, userId string, start, end time.Time) ([]models.Transaction, error)
	GetTransactionsByIds(ctx context.Context, ids []string) ([]models.Transaction, error)
	GetTransactionsByTransfer(ctx context.Context, transferId string) ([]models.Transaction, error)

	// --- Transfer attempts ---
	ReserveAllocation(ctx context.Context, params ReserveAllocationParams) (*models.TransferAttempt, error)
	ReleaseAllocation(ctx context.Context, attemptKey string) error
	RecordAuthorization(ctx context.Context, attemptKey, authorizationId string) error
	ReleaseRejectedAllocation(ctx context.Context, attemptKey, authorizationId string) error
	FindOpenAttempt(ctx context.Context, userId, accountId string) (*models.TransferAttempt, error)
	ApplyTransferOutcome(ctx context.Context, params ApplyTransferOutcomeParams) error

	// --- Transfers ---
	GetTransfer(ctx context.Context, transferId string) (*models.Transfer, error)
	ListTransfers(ctx context.Context, status string, createdBefore time.Time) ([]models.Transfer, error)
	CompleteTransfer(ctx context.Context, transferId string) error
	FailTransfer(ctx context.Context, transferId, status string) error

	// --- Lifecycle ---
	Ping(ctx context.Context) error
	Close()
}
