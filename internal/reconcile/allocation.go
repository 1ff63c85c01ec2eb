package reconcile

import (
	"roundup-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// AllocationPolicy splits a group total between the subscription and the
// destination. Implementations must be pure.
type AllocationPolicy interface {
	Allocate(total decimal.Decimal, sub *models.Subscription) models.Allocation
}

// SubscriptionFirst fills the remaining monthly fee before anything goes to
// the destination. A missing or inactive subscription sends everything to
// the destination.
type SubscriptionFirst struct{}

func (SubscriptionFirst) Allocate(total decimal.Decimal, sub *models.Subscription) models.Allocation {
	if sub == nil || sub.Status != models.SubscriptionStatusActive {
		return Allocate(total, models.Subscription{})
	}
	return Allocate(total, *sub)
}

// Allocate returns subscription = min(total, remaining) and
// loan = total - subscription, both rounded to two places.
func Allocate(total decimal.Decimal, sub models.Subscription) models.Allocation {
	total = total.Round(models.MoneyPlaces)
	if !total.IsPositive() {
		return models.Allocation{SubscriptionAmount: decimal.Zero, LoanAmount: decimal.Zero}
	}

	subscription := decimal.Min(total, sub.Remaining())
	return models.Allocation{
		SubscriptionAmount: subscription.Round(models.MoneyPlaces),
		LoanAmount:         total.Sub(subscription).Round(models.MoneyPlaces),
	}
}
