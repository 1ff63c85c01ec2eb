package api

import (
	"context"
	"fmt"
	"time"

	"roundup-engine-go/internal/models"

	"go.uber.org/zap"
)

// GetUserSummary returns the user's subscription, linked accounts and
// outstanding round-ups.
func (s *RoundupService) GetUserSummary(ctx context.Context, userId string) (*models.UserSummary, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	user, err := s.db.GetUserById(ctx, userId)
	if err != nil {
		return nil, err
	}

	sub, err := s.db.GetSubscription(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get subscription", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve subscription: %w", err)
	}

	accounts, err := s.db.GetLinkedAccounts(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get linked accounts", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve linked accounts: %w", err)
	}

	now := s.now().UTC()
	pending, err := s.db.GetPendingTransactionsForUser(ctx, userId, time.Time{}, now.Add(time.Second))
	if err != nil {
		zap.L().Error("Failed to get pending round-ups", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve pending round-ups: %w", err)
	}

	transfers, err := s.db.ListTransfers(ctx, models.TransferStatusPending, now.Add(time.Second))
	if err != nil {
		zap.L().Error("Failed to list open transfers", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve open transfers: %w", err)
	}
	open := 0
	for _, t := range transfers {
		if t.UserId == userId {
			open++
		}
	}

	if accounts == nil {
		accounts = []models.LinkedAccount{}
	}
	return &models.UserSummary{
		User:            *user,
		Subscription:    sub,
		Accounts:        accounts,
		PendingCount:    len(pending),
		PendingRoundUps: models.SumRoundUps(pending),
		OpenTransfers:   open,
	}, nil
}
