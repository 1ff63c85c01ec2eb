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
	"os"
	"os/signal"
	"syscall"
	"time"

	"roundup-engine-go/internal/api"
	"roundup-engine-go/internal/common"
	"roundup-engine-go/internal/config"
	"roundup-engine-go/internal/models"

	"go.uber.org/zap"
)

func parseTime(label, value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --%s %q: expected RFC 3339\n", label, value)
		os.Exit(2)
	}
	return t
}

func printGroup(group models.GroupResult, isLast bool) {
	prefix := common.BoxPrefix(isLast)
	detail := common.BoxDetailPrefix(isLast)

	fmt.Printf("%s%-20s %-18s %3d txns  total %s\n",
		prefix, group.AccountId, group.Status, group.TransactionCount, common.FormatMoney(group.Total))
	common.PrintKeyValue(detail, "subscription", common.FormatMoney(group.SubscriptionAmount))
	common.PrintKeyValue(detail, "loan", common.FormatMoney(group.LoanAmount))
	if group.TransferId != "" {
		common.PrintKeyValue(detail, "transfer", group.TransferId)
	}
	if group.Error != "" {
		common.PrintKeyValue(detail, "error", group.Error)
	}
	for _, he := range group.HoldErrors {
		common.PrintKeyValue(detail, "hold error", he.HoldId+": "+he.Error)
	}
}

func printResult(result models.ReconciliationResult) {
	fmt.Printf("\n┌─ User: %s\n", result.UserId)
	fmt.Printf("│  Outcome: %s (processed %d, holds cancelled %d)\n",
		result.Outcome, result.Processed, result.HoldsCancelled)
	if len(result.Groups) == 0 {
		return
	}
	common.PrintBoxSeparator(78)
	for i, g := range result.Groups {
		printGroup(g, i == len(result.Groups)-1)
	}
}

func main() {
	start := flag.String("start", "", "Window start (RFC 3339); defaults to end minus RECONCILE_WINDOW")
	end := flag.String("end", "", "Window end (RFC 3339); defaults to now")
	scheduled := flag.Bool("scheduled", false, "Tag the run as scheduled instead of manual")
	quiet := flag.Bool("quiet", false, "Only print the run totals")
	flag.Parse()

	windowStart := parseTime("start", *start)
	windowEnd := parseTime("end", *end)

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	trigger := api.TriggerCLI
	if *scheduled {
		trigger = api.TriggerSchedule
	}

	summary, err := services.Roundups.RunWindow(ctx, trigger, windowStart, windowEnd)
	if err != nil {
		logger.Error("Reconciliation run failed", zap.Error(err))
		services.Close()
		loggerCleanup()
		os.Exit(1)
	}

	common.PrintHeader(fmt.Sprintf("ROUND-UP RECONCILIATION %s → %s",
		summary.WindowStart.Format(time.RFC3339), summary.WindowEnd.Format(time.RFC3339)), common.DefaultWidth)
	if !*quiet {
		for _, r := range summary.Results {
			printResult(r)
		}
	}
	common.PrintFooter(fmt.Sprintf("Users: %d | Processed: %d | Holds cancelled: %d | Failed groups: %d",
		summary.Users, summary.Processed, summary.HoldsCancelled, summary.FailedGroups), common.DefaultWidth)

	// Failed groups stay pending for the next run; only a run error exits non-zero.
	if summary.FailedGroups > 0 {
		logger.Warn("Some account groups failed and stay pending",
			zap.Int("failed_groups", summary.FailedGroups))
	}
}
