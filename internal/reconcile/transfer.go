package reconcile

import (
	"context"
	"fmt"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/observability"
	"roundup-engine-go/internal/payment"
	"roundup-engine-go/internal/resilience"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	transferTypeDebit = "debit"
	networkACH        = "ach"
)

// TransferRequest describes one destination payoff.
type TransferRequest struct {
	UserId         string
	Source         models.LinkedAccount
	Destination    models.LinkedAccount
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// TransferRequester runs the two-phase rail protocol: authorize the exact
// amount, then create the transfer against that authorization. Rail calls
// share a bulkhead and a circuit breaker; only transient failures are retried.
type TransferRequester struct {
	rail     payment.Rail
	breaker  *gobreaker.CircuitBreaker
	bulkhead *resilience.Bulkhead
	retry    resilience.Config
	timeout  time.Duration
	network  string
	metrics  *observability.Metrics
}

func NewTransferRequester(rail payment.Rail, retry resilience.Config, timeout time.Duration, network string, metrics *observability.Metrics) *TransferRequester {
	if network == "" {
		network = networkACH
	}
	return &TransferRequester{
		rail:     rail,
		breaker:  resilience.NewCircuitBreaker("rail", isExternalFailure),
		bulkhead: resilience.NewBulkhead(retry.MaxConcurrency),
		retry:    retry,
		timeout:  timeout,
		network:  network,
		metrics:  metrics,
	}
}

// CreateTransfer returns the pending transfer record. A declined
// authorization is *ErrAuthorizationDenied; every other failure is
// *ErrTransferCreationFailed.
func (r *TransferRequester) CreateTransfer(ctx context.Context, req TransferRequest) (*models.Transfer, error) {
	auth, err := r.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Submit(ctx, req, auth.Id)
}

// Authorize runs phase one and returns an approved authorization for the
// exact amount.
func (r *TransferRequester) Authorize(ctx context.Context, req TransferRequest) (*models.TransferAuthorization, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.authorize_transfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", req.Source.AccountId),
		attribute.String("attempt_key", req.IdempotencyKey),
		attribute.String("amount", req.Amount.StringFixed(models.MoneyPlaces)),
	)

	auth, err := r.authorize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return auth, nil
}

// Submit runs phase two against authorizationId. It is safe to repeat with
// the same idempotency key: the rail returns the transfer it already made.
func (r *TransferRequester) Submit(ctx context.Context, req TransferRequest, authorizationId string) (*models.Transfer, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.create_transfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", req.Source.AccountId),
		attribute.String("attempt_key", req.IdempotencyKey),
		attribute.String("authorization_id", authorizationId),
		attribute.String("amount", req.Amount.StringFixed(models.MoneyPlaces)),
	)

	transfer, err := r.submit(ctx, req, authorizationId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return transfer, nil
}

func (r *TransferRequester) authorize(ctx context.Context, req TransferRequest) (*models.TransferAuthorization, error) {
	amount := req.Amount.Round(models.MoneyPlaces)
	if !amount.IsPositive() {
		return nil, &ErrTransferCreationFailed{Phase: PhaseAuthorize, Err: fmt.Errorf("transfer amount must be positive, got %s", amount.String())}
	}

	var auth *models.TransferAuthorization
	err := r.call(ctx, "authorize", func(callCtx context.Context) error {
		var err error
		auth, err = r.rail.AuthorizeTransfer(callCtx, payment.AuthorizeTransferParams{
			Account: req.Source,
			Amount:  amount,
			Type:    transferTypeDebit,
			Network: r.network,
		})
		return err
	})
	if err != nil {
		return nil, &ErrTransferCreationFailed{Phase: PhaseAuthorize, Err: err}
	}

	if auth.Decision != models.DecisionApproved {
		zap.L().Warn("Transfer authorization not approved",
			zap.String("user_id", req.UserId),
			zap.String("account_id", req.Source.AccountId),
			zap.String("amount", amount.StringFixed(models.MoneyPlaces)),
			zap.String("decision", auth.Decision),
			zap.String("rationale", auth.Rationale))
		return nil, &ErrAuthorizationDenied{Decision: auth.Decision, Rationale: auth.Rationale}
	}
	// A zero amount means the rail did not echo what it authorized.
	if !auth.Amount.IsZero() && !auth.Amount.Equal(amount) {
		return nil, &ErrTransferCreationFailed{Phase: PhaseAuthorize, Err: fmt.Errorf("%w: authorized %s, requested %s",
			ErrAmountMismatch, auth.Amount.String(), amount.String())}
	}
	return auth, nil
}

func (r *TransferRequester) submit(ctx context.Context, req TransferRequest, authorizationId string) (*models.Transfer, error) {
	amount := req.Amount.Round(models.MoneyPlaces)
	if authorizationId == "" {
		return nil, &ErrTransferCreationFailed{Phase: PhaseAuthorize, Err: fmt.Errorf("transfer create requires an authorization id")}
	}

	var created *models.RailTransfer
	err := r.call(ctx, "create", func(callCtx context.Context) error {
		var err error
		created, err = r.rail.CreateTransfer(callCtx, payment.CreateTransferParams{
			Account:         req.Source,
			AuthorizationId: authorizationId,
			Amount:          amount,
			Description:     req.Description,
			IdempotencyKey:  req.IdempotencyKey,
		})
		return err
	})
	if err != nil {
		return nil, &ErrTransferCreationFailed{Phase: PhaseCreate, Err: err}
	}
	if !created.Amount.Equal(amount) {
		return nil, &ErrTransferCreationFailed{Phase: PhaseCreate, Err: fmt.Errorf("%w: rail created %s for authorization of %s",
			ErrAmountMismatch, created.Amount.String(), amount.String())}
	}

	r.metrics.IncrTransferCreated()
	zap.L().Info("Transfer created",
		zap.String("user_id", req.UserId),
		zap.String("account_id", req.Source.AccountId),
		zap.String("transfer_id", created.Id),
		zap.String("authorization_id", authorizationId),
		zap.String("attempt_key", req.IdempotencyKey),
		zap.String("amount", amount.StringFixed(models.MoneyPlaces)))

	return &models.Transfer{
		Id:                   created.Id,
		UserId:               req.UserId,
		SourceAccountId:      req.Source.AccountId,
		DestinationAccountId: req.Destination.AccountId,
		AuthorizationId:      authorizationId,
		AttemptKey:           req.IdempotencyKey,
		Amount:               amount,
		Status:               models.TransferStatusPending,
	}, nil
}

func (r *TransferRequester) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	return r.bulkhead.Do(ctx, func() error {
		return resilience.RetryWithBackoff(ctx, r.retry, func() error {
			callCtx, cancel := withTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			_, err := r.breaker.Execute(func() (interface{}, error) {
				return nil, fn(callCtx)
			})
			r.metrics.RecordRailDuration(operation, time.Since(start))
			return retryable(ctx, err, func() { r.metrics.IncrExternalError("rail") })
		})
	})
}
