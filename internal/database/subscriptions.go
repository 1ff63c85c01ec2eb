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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roundup-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// monthPeriod returns the calendar month containing now as [start, end).
func monthPeriod(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	var feeCents, collectedCents int64
	var periodStart, periodEnd, updatedAt string
	err := row.Scan(&sub.UserId, &feeCents, &sub.Status, &periodStart, &periodEnd, &collectedCents, &updatedAt)
	if err != nil {
		return nil, err
	}
	sub.MonthlyFee = fromCents(feeCents)
	sub.Collected = fromCents(collectedCents)
	if sub.PeriodStart, err = parseTime(periodStart); err != nil {
		return nil, err
	}
	if sub.PeriodEnd, err = parseTime(periodEnd); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

// InitializeSubscription creates the user's subscription for the month
// containing now. An existing subscription is returned unchanged.
func (s *Service) InitializeSubscription(ctx context.Context, userId string, monthlyFee decimal.Decimal, now time.Time) (*models.Subscription, error) {
	if monthlyFee.IsNegative() {
		return nil, fmt.Errorf("monthly fee cannot be negative: %s", monthlyFee.String())
	}
	start, end := monthPeriod(now)

	result, err := s.db.ExecContext(ctx, queryInsertSubscription,
		userId, toCents(monthlyFee), formatTime(start), formatTime(end))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to insert subscription: %w", err))
	}
	if created, _ := result.RowsAffected(); created > 0 {
		zap.L().Info("Subscription initialized",
			zap.String("user_id", userId),
			zap.String("monthly_fee", monthlyFee.StringFixed(models.MoneyPlaces)),
			zap.Time("period_end", end))
	}

	return s.GetSubscription(ctx, userId)
}

// GetSubscription returns nil without error when the user has no subscription.
func (s *Service) GetSubscription(ctx context.Context, userId string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, queryGetSubscription, userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("unable to query subscription: %w", err))
	}
	return sub, nil
}

// RollSubscriptionPeriod starts a new billing period when now has passed
// period_end, resetting collected to zero.
func (s *Service) RollSubscriptionPeriod(ctx context.Context, userId string, now time.Time) (*models.Subscription, error) {
	start, end := monthPeriod(now)

	result, err := s.db.ExecContext(ctx, queryRollSubscriptionPeriod,
		formatTime(start), formatTime(end), userId, formatTime(now))
	if err != nil {
		return nil, classify(fmt.Errorf("failed to roll subscription period: %w", err))
	}
	if rolled, _ := result.RowsAffected(); rolled > 0 {
		zap.L().Info("Subscription period rolled over",
			zap.String("user_id", userId),
			zap.Time("period_start", start),
			zap.Time("period_end", end))
	}

	return s.GetSubscription(ctx, userId)
}
