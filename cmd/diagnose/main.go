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

package main

import (
	"context"
	"flag"
	"fmt"

	"roundup-engine-go/internal/api"
	"roundup-engine-go/internal/common"
	"roundup-engine-go/internal/config"
	"roundup-engine-go/internal/formance"
	"roundup-engine-go/internal/models"

	"go.uber.org/zap"
)

type diagnoseStats struct {
	totalUsers      int
	usersWithDebt   int
	pendingRoundUps int
	openTransfers   int
}

func printSubscription(sub *models.Subscription) {
	if sub == nil {
		fmt.Println("│  Subscription: none")
		return
	}
	fmt.Printf("│  Subscription: %s, fee %s, collected %s (%s → %s)\n",
		sub.Status,
		common.FormatMoney(sub.MonthlyFee),
		common.FormatMoney(sub.Collected),
		sub.PeriodStart.Format("2006-01-02"),
		sub.PeriodEnd.Format("2006-01-02"))
}

func printAccounts(accounts []models.LinkedAccount) {
	for i, a := range accounts {
		fmt.Printf("%s %-12s %-20s %s\n", common.BoxPrefix(i == len(accounts)-1), a.Purpose, a.AccountId, a.Name)
	}
}

func processUser(ctx context.Context, user models.User, svc *api.RoundupService, balances *formance.Service, stats *diagnoseStats) error {
	summary, err := svc.GetUserSummary(ctx, user.Id)
	if err != nil {
		return fmt.Errorf("failed to get summary: %w", err)
	}

	fmt.Printf("\n┌─ User: %s (%s)\n", user.Name, user.Email)
	fmt.Printf("│  ID: %s\n", user.Id)
	printSubscription(summary.Subscription)
	fmt.Printf("│  Pending round-ups: %d (%s)\n", summary.PendingCount, common.FormatMoney(summary.PendingRoundUps))
	fmt.Printf("│  Open transfers: %d\n", summary.OpenTransfers)

	if balances != nil {
		paid, err := balances.DestinationBalance(ctx, user.Id)
		if err != nil {
			fmt.Printf("│  Journal balance: unavailable (%v)\n", err)
		} else {
			fmt.Printf("│  Journal balance: %s\n", common.FormatMoney(paid))
		}
	}

	common.PrintBoxSeparator(78)
	printAccounts(summary.Accounts)

	if summary.PendingCount > 0 {
		stats.usersWithDebt++
	}
	stats.pendingRoundUps += summary.PendingCount
	stats.openTransfers += summary.OpenTransfers
	return nil
}

func main() {
	userFilter := flag.String("user", "", "Optional user id to diagnose (default: all users)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	ctx := context.Background()

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer dbService.Close()

	var balances *formance.Service
	if cfg.Journal.Backend == config.JournalBackendFormance {
		if balances, err = formance.NewService(ctx, cfg.Journal); err != nil {
			logger.Warn("Formance journal unavailable, skipping journal balances", zap.Error(err))
			balances = nil
		}
	}

	// Summaries only read the store; no reconciler or webhook handler is needed.
	svc := api.NewRoundupService(dbService, nil, nil, cfg.Reconcile.Window)

	users, err := common.InitializeUsers(ctx, dbService, *userFilter, logger)
	if err != nil {
		logger.Fatal("Failed to load users", zap.Error(err))
	}

	common.PrintHeader("ROUND-UP DIAGNOSTICS", common.DefaultWidth)

	stats := &diagnoseStats{totalUsers: len(users)}
	for _, user := range users {
		if err := processUser(ctx, user, svc, balances, stats); err != nil {
			logger.Error("Failed to diagnose user", zap.String("user_id", user.Id), zap.Error(err))
		}
	}

	common.PrintFooter(fmt.Sprintf("Users: %d | With pending round-ups: %d | Pending: %d | Open transfers: %d",
		stats.totalUsers, stats.usersWithDebt, stats.pendingRoundUps, stats.openTransfers), common.DefaultWidth)
}
