package main

import (
	"context"
	"flag"
	"time"

	"roundup-engine-go/internal/common"
	"roundup-engine-go/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	seedFile := flag.String("accounts", "accounts.yaml", "Path to the accounts file with users, linked accounts and purchases")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	seed, err := common.LoadSeedConfig(*seedFile)
	if err != nil {
		logger.Fatal("Failed to load accounts file", zap.String("file", *seedFile), zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer dbService.Close()

	report, err := common.ApplySeed(ctx, dbService, seed, decimal.RequireFromString(cfg.Reconcile.DefaultMonthlyFee), time.Now().UTC())
	if err != nil {
		logger.Fatal("Setup failed", zap.Error(err))
	}

	common.PrintHeader("SETUP COMPLETE", common.DefaultWidth)
	common.PrintKeyValue("", "users", report.Users)
	common.PrintKeyValue("", "linked accounts", report.Accounts)
	common.PrintKeyValue("", "subscriptions", report.Subscriptions)
	common.PrintKeyValue("", "transactions", report.Transactions)
	common.PrintKeyValue("", "duplicates", report.Duplicates)
	common.PrintSeparator("=", common.DefaultWidth)
}
