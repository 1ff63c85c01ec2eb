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

// Package reconcile turns pending round-ups into subscription collections
// and destination transfers, and applies the rail's asynchronous transfer
// status updates back onto the ledger.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"roundup-engine-go/internal/lock"
	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/observability"
	"roundup-engine-go/internal/payment"
	"roundup-engine-go/internal/resilience"
	"roundup-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "roundup-engine/reconcile"

// Config owns every long-lived collaborator of the orchestrator.
type Config struct {
	Store    store.LedgerStore
	Rail     payment.Rail
	Holds    payment.HoldService
	Journal  store.Journal         // optional
	Locker   lock.Locker           // optional, in-process when nil
	Metrics  *observability.Metrics // optional
	Policy   AllocationPolicy      // optional, SubscriptionFirst when nil
	Settings models.ReconcileConfig
	Network  string
	Now      func() time.Time
}

// Orchestrator reconciles pending round-ups per user and source account.
type Orchestrator struct {
	store     store.LedgerStore
	locker    lock.Locker
	policy    AllocationPolicy
	holds     *HoldCanceller
	transfers *TransferRequester
	ledger    *LedgerUpdater
	metrics   *observability.Metrics
	settings  models.ReconcileConfig
	now       func() time.Time
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Rail == nil || cfg.Holds == nil {
		return nil, fmt.Errorf("orchestrator requires a store, a payment rail and a hold service")
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocalLocker()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.Policy == nil {
		cfg.Policy = SubscriptionFirst{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Settings.WorkerPoolSize < 1 {
		cfg.Settings.WorkerPoolSize = 1
	}
	if cfg.Settings.TransferDescription == "" {
		cfg.Settings.TransferDescription = "Roundup"
	}

	retry := resilience.Config{
		MaxRetries:     cfg.Settings.MaxRetries,
		InitialBackoff: cfg.Settings.InitialBackoff,
		MaxConcurrency: cfg.Settings.RailConcurrency,
	}

	return &Orchestrator{
		store:     cfg.Store,
		locker:    cfg.Locker,
		policy:    cfg.Policy,
		holds:     NewHoldCanceller(cfg.Holds, retry, cfg.Settings.HoldTimeout, cfg.Metrics),
		transfers: NewTransferRequester(cfg.Rail, retry, cfg.Settings.RailTimeout, cfg.Network, cfg.Metrics),
		ledger:    NewLedgerUpdater(cfg.Store, cfg.Journal, cfg.Now),
		metrics:   cfg.Metrics,
		settings:  cfg.Settings,
		now:       cfg.Now,
	}, nil
}

// AccountGroup is the set of pending transactions sharing one source account.
type AccountGroup struct {
	AccountId    string
	Transactions []models.Transaction
	Total        decimal.Decimal
}

func newAccountGroup(accountId string, txns []models.Transaction) AccountGroup {
	return AccountGroup{AccountId: accountId, Transactions: txns, Total: models.SumRoundUps(txns)}
}

// GroupByAccount groups transactions by source account, ordered by account id.
func GroupByAccount(txns []models.Transaction) []AccountGroup {
	byAccount := make(map[string][]models.Transaction)
	for _, t := range txns {
		byAccount[t.AccountId] = append(byAccount[t.AccountId], t)
	}

	accountIds := make([]string, 0, len(byAccount))
	for id := range byAccount {
		accountIds = append(accountIds, id)
	}
	sort.Strings(accountIds)

	groups := make([]AccountGroup, 0, len(accountIds))
	for _, id := range accountIds {
		groups = append(groups, newAccountGroup(id, byAccount[id]))
	}
	return groups
}

func (g AccountGroup) TransactionIds() []string {
	ids := make([]string, len(g.Transactions))
	for i, t := range g.Transactions {
		ids[i] = t.Id
	}
	return ids
}

func (g AccountGroup) HoldIds() []string {
	var ids []string
	for _, t := range g.Transactions {
		if t.HoldId != "" {
			ids = append(ids, t.HoldId)
		}
	}
	return ids
}

// without returns the group minus the given transaction ids.
func (g AccountGroup) without(ids []string) AccountGroup {
	var rest []models.Transaction
	for _, t := range g.Transactions {
		if !slices.Contains(ids, t.Id) {
			rest = append(rest, t)
		}
	}
	return newAccountGroup(g.AccountId, rest)
}

// allocationDigest is a stable hash of the allocation inputs; the attempt
// key is derived from it.
func allocationDigest(userId string, group AccountGroup) string {
	ids := group.TransactionIds()
	slices.Sort(ids)

	h := sha256.New()
	for _, part := range []string{userId, group.AccountId, group.Total.StringFixed(models.MoneyPlaces), strings.Join(ids, ",")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func runFields(ctx context.Context, fields ...zap.Field) []zap.Field {
	if rc := models.GetRunContext(ctx); rc != nil {
		fields = append(fields, zap.String("run_id", rc.RunId), zap.String("trigger", rc.Trigger))
	}
	return fields
}

// ReconcileWindow reconciles every user with pending round-ups created in
// [start, end). A systemic failure for any user cancels the run and is
// returned with the partial summary.
func (o *Orchestrator) ReconcileWindow(ctx context.Context, start, end time.Time) (*models.RunSummary, error) {
	pending, err := o.store.GetPendingTransactions(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("unable to load pending transactions: %w", err)
	}

	byUser := make(map[string][]models.Transaction)
	for _, t := range pending {
		byUser[t.UserId] = append(byUser[t.UserId], t)
	}
	users := make([]string, 0, len(byUser))
	for userId := range byUser {
		users = append(users, userId)
	}
	sort.Strings(users)

	zap.L().Info("Starting reconciliation window", runFields(ctx,
		zap.Time("window_start", start),
		zap.Time("window_end", end),
		zap.Int("users", len(users)),
		zap.Int("pending_transactions", len(pending)))...)

	results := make([]*models.ReconciliationResult, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.settings.WorkerPoolSize)
	for i, userId := range users {
		g.Go(func() error {
			result, err := o.Reconcile(gctx, userId, byUser[userId], start, end)
			if err != nil {
				return fmt.Errorf("user %s: %w", userId, err)
			}
			results[i] = result
			return nil
		})
	}
	runErr := g.Wait()

	summary := &models.RunSummary{WindowStart: start, WindowEnd: end, Users: len(users)}
	for _, r := range results {
		if r == nil {
			continue
		}
		summary.Results = append(summary.Results, *r)
		summary.Processed += r.Processed
		summary.HoldsCancelled += r.HoldsCancelled
		summary.FailedGroups += len(r.FailedGroups())
	}

	if runErr != nil {
		zap.L().Error("Reconciliation window aborted", runFields(ctx, zap.Error(runErr))...)
		return summary, runErr
	}

	zap.L().Info("Reconciliation window finished", runFields(ctx,
		zap.Int("users", summary.Users),
		zap.Int("processed", summary.Processed),
		zap.Int("holds_cancelled", summary.HoldsCancelled),
		zap.Int("failed_groups", summary.FailedGroups))...)
	return summary, nil
}

// ReconcileUser reconciles the user's pending round-ups created in [start, end).
func (o *Orchestrator) ReconcileUser(ctx context.Context, userId string, start, end time.Time) (*models.ReconciliationResult, error) {
	pending, err := o.store.GetPendingTransactionsForUser(ctx, userId, start, end)
	if err != nil {
		return nil, fmt.Errorf("unable to load pending transactions for user %s: %w", userId, err)
	}
	return o.Reconcile(ctx, userId, pending, start, end)
}

// Reconcile runs the pipeline for each source account group of the user
// under the user's lock. Group failures are reported in the result; only
// systemic failures are returned as errors.
func (o *Orchestrator) Reconcile(ctx context.Context, userId string, pending []models.Transaction, windowStart, windowEnd time.Time) (*models.ReconciliationResult, error) {
	started := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.user")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userId), attribute.Int("pending", len(pending)))

	result := &models.ReconciliationResult{
		UserId:      userId,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	}

	err := o.locker.WithLock(ctx, "user:"+userId, func(ctx context.Context) error {
		return o.reconcileLocked(ctx, userId, pending, result)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordRun("error", time.Since(started))
		return nil, err
	}

	span.SetAttributes(attribute.String("outcome", result.Outcome), attribute.Int("processed", result.Processed))
	o.metrics.RecordRun(result.Outcome, time.Since(started))
	return result, nil
}

func (o *Orchestrator) reconcileLocked(ctx context.Context, userId string, pending []models.Transaction, result *models.ReconciliationResult) error {
	fresh, err := o.stillPending(ctx, userId, pending)
	if err != nil {
		return fmt.Errorf("unable to refresh pending transactions for user %s: %w", userId, err)
	}
	if len(fresh) == 0 {
		result.Outcome = models.OutcomeNoPendingTransactions
		zap.L().Debug("No pending round-ups", runFields(ctx, zap.String("user_id", userId))...)
		return nil
	}

	accounts, err := o.store.GetLinkedAccounts(ctx, userId)
	if err != nil {
		return fmt.Errorf("unable to load linked accounts for user %s: %w", userId, err)
	}

	var destination *models.LinkedAccount
	sources := make(map[string]models.LinkedAccount)
	for _, account := range accounts {
		switch account.Purpose {
		case models.AccountPurposeDestination:
			if destination == nil {
				destination = &account
			}
		case models.AccountPurposeSource:
			sources[account.AccountId] = account
		}
	}
	if destination == nil {
		result.Outcome = models.OutcomeNoDestinationLinked
		zap.L().Info("No destination account linked, skipping user", runFields(ctx,
			zap.String("user_id", userId),
			zap.Int("pending_transactions", len(fresh)))...)
		return nil
	}

	groups := GroupByAccount(fresh)
	groupResults := make([][]models.GroupResult, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.settings.WorkerPoolSize)
	for i, group := range groups {
		g.Go(func() error {
			res, err := o.reconcileAccount(gctx, userId, group, *destination, sources, result.WindowStart, result.WindowEnd)
			groupResults[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	result.Outcome = models.OutcomeReconciled
	for _, results := range groupResults {
		for _, gr := range results {
			result.Groups = append(result.Groups, gr)
			result.HoldsCancelled += gr.HoldsCancelled
			if !gr.Failed() {
				result.Processed += gr.TransactionCount
			}
			o.metrics.IncrGroup(gr.Status)
		}
	}

	zap.L().Info("User reconciled", runFields(ctx,
		zap.String("user_id", userId),
		zap.Int("groups", len(result.Groups)),
		zap.Int("processed", result.Processed),
		zap.Int("holds_cancelled", result.HoldsCancelled),
		zap.Int("failed_groups", len(result.FailedGroups())))...)
	return nil
}

// stillPending re-reads the given transactions under the lock and keeps
// the user's ones that are still pending.
func (o *Orchestrator) stillPending(ctx context.Context, userId string, pending []models.Transaction) ([]models.Transaction, error) {
	ids := make([]string, 0, len(pending))
	for _, t := range pending {
		if t.UserId != userId {
			zap.L().Warn("Ignoring transaction of another user",
				zap.String("user_id", userId),
				zap.String("transaction_id", t.Id),
				zap.String("owner", t.UserId))
			continue
		}
		ids = append(ids, t.Id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	current, err := o.store.GetTransactionsByIds(ctx, ids)
	if err != nil {
		return nil, err
	}

	fresh := make([]models.Transaction, 0, len(current))
	for _, t := range current {
		if t.RoundUpStatus == models.RoundUpStatusPending && t.UserId == userId {
			fresh = append(fresh, t)
		}
	}
	return fresh, nil
}

// reconcileAccount resumes an open attempt for the account if there is one,
// then processes whatever else is pending.
func (o *Orchestrator) reconcileAccount(ctx context.Context, userId string, group AccountGroup, destination models.LinkedAccount, sources map[string]models.LinkedAccount, windowStart, windowEnd time.Time) ([]models.GroupResult, error) {
	source, ok := sources[group.AccountId]
	if !ok {
		zap.L().Warn("Source account not linked, leaving round-ups pending", runFields(ctx,
			zap.String("user_id", userId),
			zap.String("account_id", group.AccountId),
			zap.String("total", group.Total.StringFixed(models.MoneyPlaces)))...)
		return []models.GroupResult{{
			AccountId:        group.AccountId,
			TransactionCount: len(group.Transactions),
			Total:            group.Total,
			Status:           models.GroupStatusSourceAccountNotFound,
			Error:            ErrSourceAccountNotFound.Error(),
		}}, nil
	}

	open, err := o.store.FindOpenAttempt(ctx, userId, group.AccountId)
	if err != nil {
		return nil, fmt.Errorf("unable to look up open attempt for account %s: %w", group.AccountId, err)
	}
	if open == nil {
		result, err := o.runPipeline(ctx, userId, group, source, destination, windowStart, windowEnd, nil)
		return []models.GroupResult{result}, err
	}

	txns, err := o.store.GetTransactionsByIds(ctx, open.TransactionIds)
	if err != nil {
		return nil, fmt.Errorf("unable to load transactions of attempt %s: %w", open.Key, err)
	}
	zap.L().Info("Resuming open transfer attempt", runFields(ctx,
		zap.String("user_id", userId),
		zap.String("account_id", group.AccountId),
		zap.String("attempt_key", open.Key),
		zap.Int("transactions", len(txns)))...)

	resumed, err := o.runPipeline(ctx, userId, newAccountGroup(group.AccountId, txns), source, destination, windowStart, windowEnd, open)
	results := []models.GroupResult{resumed}
	if err != nil || resumed.Failed() {
		return results, err
	}

	rest := group.without(open.TransactionIds)
	if len(rest.Transactions) == 0 {
		return results, nil
	}
	next, err := o.runPipeline(ctx, userId, rest, source, destination, windowStart, windowEnd, nil)
	return append(results, next), err
}

// runPipeline cancels holds, reserves the allocation (unless resuming
// attempt), creates the transfer and commits the ledger, in that order.
func (o *Orchestrator) runPipeline(ctx context.Context, userId string, group AccountGroup, source, destination models.LinkedAccount, windowStart, windowEnd time.Time, attempt *models.TransferAttempt) (models.GroupResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.group")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userId),
		attribute.String("account_id", group.AccountId),
		attribute.String("total", group.Total.StringFixed(models.MoneyPlaces)),
	)

	result := models.GroupResult{
		AccountId:        group.AccountId,
		TransactionCount: len(group.Transactions),
		Total:            group.Total,
	}

	holds := o.holds.CancelHolds(ctx, group.HoldIds())
	result.HoldsCancelled = len(holds.Cancelled)
	result.HoldErrors = holds.Errors
	if len(holds.Errors) > 0 {
		zap.L().Warn("Some holds could not be cancelled", runFields(ctx,
			zap.String("user_id", userId),
			zap.String("account_id", group.AccountId),
			zap.Int("hold_errors", len(holds.Errors)))...)
	}

	if attempt == nil {
		var err error
		attempt, err = o.reserve(ctx, userId, group, windowStart, windowEnd)
		if err != nil {
			if isGroupScoped(err) {
				return o.groupFailed(ctx, result, err), nil
			}
			return result, fmt.Errorf("unable to reserve allocation for account %s: %w", group.AccountId, err)
		}
	}
	result.AttemptKey = attempt.Key
	result.SubscriptionAmount = attempt.SubscriptionAmount
	result.LoanAmount = attempt.LoanAmount
	span.SetAttributes(attribute.String("attempt_key", attempt.Key))

	var transfer *models.Transfer
	newStatus := models.RoundUpStatusProcessed
	if attempt.LoanAmount.IsPositive() {
		req := TransferRequest{
			UserId:         userId,
			Source:         source,
			Destination:    destination,
			Amount:         attempt.LoanAmount,
			Description:    o.settings.TransferDescription,
			IdempotencyKey: attempt.Key,
		}

		// Once the authorization is recorded the create may have reached the
		// rail, so the attempt is only ever replayed under the same key.
		replay := attempt.CreateSubmitted()
		if replay {
			zap.L().Info("Replaying transfer create with stored authorization", runFields(ctx,
				zap.String("user_id", userId),
				zap.String("account_id", group.AccountId),
				zap.String("attempt_key", attempt.Key),
				zap.String("authorization_id", attempt.AuthorizationId))...)
		} else {
			auth, err := o.transfers.Authorize(ctx, req)
			if err != nil {
				if relErr := o.release(ctx, attempt); relErr != nil {
					return o.groupFailed(ctx, result, err), relErr
				}
				return o.groupFailed(ctx, result, err), nil
			}
			if err := o.store.RecordAuthorization(ctx, attempt.Key, auth.Id); err != nil {
				if isGroupScoped(err) {
					return o.groupFailed(ctx, result, err), nil
				}
				return result, fmt.Errorf("unable to record authorization for account %s: %w", group.AccountId, err)
			}
			attempt.AuthorizationId = auth.Id
		}

		var err error
		transfer, err = o.transfers.Submit(ctx, req, attempt.AuthorizationId)
		if err != nil {
			var creation *ErrTransferCreationFailed
			if replay || (errors.As(err, &creation) && creation.OutcomeUnknown()) {
				zap.L().Error("Transfer create did not succeed, attempt kept open for resume", runFields(ctx,
					zap.String("user_id", userId),
					zap.String("account_id", group.AccountId),
					zap.String("attempt_key", attempt.Key),
					zap.Bool("replay", replay),
					zap.Error(err))...)
				return o.groupFailed(ctx, result, err), nil
			}
			if relErr := o.releaseRejected(ctx, attempt); relErr != nil {
				return o.groupFailed(ctx, result, err), relErr
			}
			return o.groupFailed(ctx, result, err), nil
		}
		result.TransferId = transfer.Id
		newStatus = models.RoundUpStatusProcessing
	}

	if err := o.ledger.ApplyTransferOutcome(ctx, group.TransactionIds(), transfer, newStatus, attempt); err != nil {
		if !isGroupScoped(err) {
			return result, fmt.Errorf("unable to commit ledger for account %s: %w", group.AccountId, err)
		}
		if transfer == nil {
			if relErr := o.release(ctx, attempt); relErr != nil {
				return o.groupFailed(ctx, result, err), relErr
			}
		} else {
			zap.L().Error("Transfer created but ledger commit rejected", runFields(ctx,
				zap.String("user_id", userId),
				zap.String("account_id", group.AccountId),
				zap.String("transfer_id", transfer.Id),
				zap.String("attempt_key", attempt.Key),
				zap.Error(err))...)
		}
		return o.groupFailed(ctx, result, err), nil
	}

	result.Status = models.GroupStatusSubscriptionOnly
	if transfer != nil {
		result.Status = models.GroupStatusTransferred
	}
	o.metrics.AddAllocated(attempt.SubscriptionAmount, attempt.LoanAmount)

	zap.L().Info("Account group reconciled", runFields(ctx,
		zap.String("user_id", userId),
		zap.String("account_id", group.AccountId),
		zap.String("attempt_key", attempt.Key),
		zap.String("transfer_id", result.TransferId),
		zap.String("total", group.Total.StringFixed(models.MoneyPlaces)),
		zap.String("subscription_amount", attempt.SubscriptionAmount.StringFixed(models.MoneyPlaces)),
		zap.String("loan_amount", attempt.LoanAmount.StringFixed(models.MoneyPlaces)),
		zap.String("status", result.Status))...)
	return result, nil
}

// reserve allocates against a fresh read of the subscription and records
// the attempt, retrying when another group took the remaining fee first.
func (o *Orchestrator) reserve(ctx context.Context, userId string, group AccountGroup, windowStart, windowEnd time.Time) (*models.TransferAttempt, error) {
	digest := allocationDigest(userId, group)

	for try := 0; ; try++ {
		sub, err := o.subscription(ctx, userId)
		if err != nil {
			return nil, err
		}
		allocation := o.policy.Allocate(group.Total, sub)

		attempt, err := o.store.ReserveAllocation(ctx, store.ReserveAllocationParams{
			Digest:             digest,
			UserId:             userId,
			AccountId:          group.AccountId,
			WindowStart:        windowStart,
			WindowEnd:          windowEnd,
			Total:              group.Total,
			SubscriptionAmount: allocation.SubscriptionAmount,
			LoanAmount:         allocation.LoanAmount,
			TransactionIds:     group.TransactionIds(),
		})
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) || try >= o.settings.ReservationRetries {
			return nil, err
		}

		o.metrics.IncrReservationRetry()
		zap.L().Debug("Subscription changed during reservation, re-allocating",
			zap.String("user_id", userId),
			zap.String("account_id", group.AccountId),
			zap.Int("try", try+1))
	}
}

// subscription returns the user's subscription, rolled into the current
// period when the stored one has ended.
func (o *Orchestrator) subscription(ctx context.Context, userId string) (*models.Subscription, error) {
	sub, err := o.store.GetSubscription(ctx, userId)
	if err != nil || sub == nil {
		return sub, err
	}
	if now := o.now(); !now.Before(sub.PeriodEnd) {
		return o.store.RollSubscriptionPeriod(ctx, userId, now)
	}
	return sub, nil
}

func (o *Orchestrator) release(ctx context.Context, attempt *models.TransferAttempt) error {
	err := o.store.ReleaseAllocation(ctx, attempt.Key)
	switch {
	case err == nil, errors.Is(err, store.ErrAttemptNotOpen):
		return nil
	case errors.Is(err, store.ErrCreateSubmitted):
		zap.L().Warn("Attempt already submitted to the rail, kept open", runFields(ctx,
			zap.String("attempt_key", attempt.Key),
			zap.String("authorization_id", attempt.AuthorizationId))...)
		return nil
	}
	return fmt.Errorf("unable to release attempt %s: %w", attempt.Key, err)
}

// releaseRejected gives back an attempt whose first create the rail
// definitively rejected. The recorded authorization is what normally keeps
// a submitted attempt open, so it is cleared first.
func (o *Orchestrator) releaseRejected(ctx context.Context, attempt *models.TransferAttempt) error {
	err := o.store.ReleaseRejectedAllocation(ctx, attempt.Key, attempt.AuthorizationId)
	if err == nil || errors.Is(err, store.ErrAttemptNotOpen) {
		return nil
	}
	return fmt.Errorf("unable to release attempt %s: %w", attempt.Key, err)
}

func (o *Orchestrator) groupFailed(ctx context.Context, result models.GroupResult, err error) models.GroupResult {
	result.Status = groupStatus(err)
	result.Error = err.Error()
	zap.L().Warn("Account group failed, round-ups stay pending", runFields(ctx,
		zap.String("account_id", result.AccountId),
		zap.String("attempt_key", result.AttemptKey),
		zap.String("status", result.Status),
		zap.String("total", result.Total.StringFixed(models.MoneyPlaces)),
		zap.Error(err))...)
	return result
}
