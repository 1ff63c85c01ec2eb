package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AllocationEntry is a committed allocation mirrored into an external journal.
type AllocationEntry struct {
	AttemptKey         string
	UserId             string
	AccountId          string
	TransferId         string // empty when nothing went to the destination
	SubscriptionAmount decimal.Decimal
	LoanAmount         decimal.Decimal
	Timestamp          time.Time
}

// Journal mirrors allocations into an audit ledger. Writes are idempotent on
// AttemptKey. The SQLite store stays the system of record; journal failures
// are logged by callers and never undo a committed allocation.
type Journal interface {
	RecordAllocation(ctx context.Context, entry AllocationEntry) error
	RevertAllocation(ctx context.Context, attemptKey string) error
	Close()
}

// NopJournal discards every entry.
type NopJournal struct{}

func (NopJournal) RecordAllocation(context.Context, AllocationEntry) error { return nil }
func (NopJournal) RevertAllocation(context.Context, string) error         { return nil }
func (NopJournal) Close()                                                 {}
