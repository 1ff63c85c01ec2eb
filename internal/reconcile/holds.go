package reconcile

import (
	"context"
	"errors"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/observability"
	"roundup-engine-go/internal/payment"
	"roundup-engine-go/internal/resilience"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HoldCanceller releases the authorization holds of transactions being
// reconciled. Failures are collected per hold and never fail the batch.
type HoldCanceller struct {
	holds   payment.HoldService
	breaker *gobreaker.CircuitBreaker
	retry   resilience.Config
	timeout time.Duration
	metrics *observability.Metrics
}

func NewHoldCanceller(holds payment.HoldService, retry resilience.Config, timeout time.Duration, metrics *observability.Metrics) *HoldCanceller {
	return &HoldCanceller{
		holds:   holds,
		breaker: resilience.NewCircuitBreaker("holds", isExternalFailure),
		retry:   retry,
		timeout: timeout,
		metrics: metrics,
	}
}

// CancelHolds cancels every hold in holdIds, at most retry.MaxConcurrency at
// a time. A hold that is already canceled or captured counts as cancelled.
// Results keep the order of holdIds.
func (c *HoldCanceller) CancelHolds(ctx context.Context, holdIds []string) models.HoldCancelResult {
	errs := make([]error, len(holdIds))

	var g errgroup.Group
	g.SetLimit(max(c.retry.MaxConcurrency, 1))
	for i, holdId := range holdIds {
		if holdId == "" {
			continue
		}
		g.Go(func() error {
			errs[i] = c.cancel(ctx, holdId)
			return nil
		})
	}
	_ = g.Wait()

	result := models.HoldCancelResult{Cancelled: []string{}}
	for i, holdId := range holdIds {
		if holdId == "" {
			continue
		}
		if errs[i] != nil {
			result.Errors = append(result.Errors, models.HoldError{HoldId: holdId, Error: errs[i].Error()})
			continue
		}
		result.Cancelled = append(result.Cancelled, holdId)
	}

	c.metrics.RecordHolds(len(result.Cancelled), len(result.Errors))
	return result
}

func (c *HoldCanceller) cancel(ctx context.Context, holdId string) error {
	var hold *models.Hold
	err := c.call(ctx, func(callCtx context.Context) error {
		var err error
		hold, err = c.holds.GetHold(callCtx, holdId)
		return err
	})
	if err != nil {
		zap.L().Warn("Unable to read hold",
			zap.String("hold_id", holdId),
			zap.Error(err))
		return err
	}

	if hold.IsTerminal() {
		zap.L().Debug("Hold already released",
			zap.String("hold_id", holdId),
			zap.String("status", hold.Status))
		return nil
	}

	err = c.call(ctx, func(callCtx context.Context) error {
		cancelled, err := c.holds.CancelHold(callCtx, holdId)
		if err == nil && cancelled != nil && cancelled.Status == models.HoldStatusSucceeded {
			zap.L().Warn("Hold was captured before it could be cancelled",
				zap.String("hold_id", holdId),
				zap.String("account_id", hold.AccountId),
				zap.String("amount", hold.Amount.StringFixed(models.MoneyPlaces)))
		}
		return err
	})
	if err != nil {
		zap.L().Error("Failed to cancel hold",
			zap.String("hold_id", holdId),
			zap.String("account_id", hold.AccountId),
			zap.String("amount", hold.Amount.StringFixed(models.MoneyPlaces)),
			zap.Error(err))
		return err
	}

	zap.L().Info("Hold cancelled",
		zap.String("hold_id", holdId),
		zap.String("account_id", hold.AccountId),
		zap.String("amount", hold.Amount.StringFixed(models.MoneyPlaces)))
	return nil
}

func (c *HoldCanceller) call(ctx context.Context, fn func(context.Context) error) error {
	return resilience.RetryWithBackoff(ctx, c.retry, func() error {
		callCtx, cancel := withTimeout(ctx, c.timeout)
		defer cancel()

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(callCtx)
		})
		return retryable(ctx, err, func() { c.metrics.IncrExternalError("holds") })
	})
}

// isExternalFailure reports errors that indicate an unhealthy dependency.
func isExternalFailure(err error) bool {
	return payment.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// retryable marks err permanent unless it is a transient failure of the
// call itself. onTransient runs for every transient failure.
func retryable(parent context.Context, err error, onTransient func()) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && isExternalFailure(err) {
		onTransient()
		return err
	}
	return resilience.Permanent(err)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
