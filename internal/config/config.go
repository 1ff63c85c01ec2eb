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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"roundup-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	JournalBackendNone     = "none"
	JournalBackendFormance = "formance"
)

func Load() (*models.Config, error) {
	durations := map[string]time.Duration{
		"DB_CONN_MAX_LIFETIME":        5 * time.Minute,
		"DB_CONN_MAX_IDLE_TIME":       30 * time.Second,
		"DB_PING_TIMEOUT":             5 * time.Second,
		"DB_BUSY_TIMEOUT":             5 * time.Second,
		"RECONCILE_INITIAL_BACKOFF":   200 * time.Millisecond,
		"RECONCILE_HOLD_TIMEOUT":      10 * time.Second,
		"RECONCILE_RAIL_TIMEOUT":      30 * time.Second,
		"RECONCILE_WINDOW":            24 * time.Hour,
		"RECONCILE_ORPHAN_WINDOW":     time.Hour,
		"RAIL_HTTP_TIMEOUT":           15 * time.Second,
		"LOCK_EXPIRY":                 2 * time.Minute,
		"LOCK_RETRY_DELAY":            250 * time.Millisecond,
		"SERVER_STATUS_POLL_INTERVAL": 5 * time.Minute,
		"SERVER_STATUS_STALE_AFTER":   6 * time.Hour,
	}

	parsed := make(map[string]time.Duration, len(durations))
	for key, def := range durations {
		d, err := getEnvDuration(key, def)
		if err != nil {
			return nil, err
		}
		parsed[key] = d
	}

	defaultFee := getEnvString("SUBSCRIPTION_MONTHLY_FEE", "5.00")
	if _, err := decimal.NewFromString(defaultFee); err != nil {
		return nil, fmt.Errorf("invalid decimal for SUBSCRIPTION_MONTHLY_FEE: %q (%w)", defaultFee, err)
	}

	journalBackend := getEnvString("JOURNAL_BACKEND", JournalBackendNone)
	if journalBackend != JournalBackendNone && journalBackend != JournalBackendFormance {
		return nil, fmt.Errorf("invalid JOURNAL_BACKEND: %q (expected %q or %q)",
			journalBackend, JournalBackendNone, JournalBackendFormance)
	}

	return &models.Config{
		LogLevel: getEnvString("LOG_LEVEL", "info"),
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "roundups.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parsed["DB_CONN_MAX_LIFETIME"],
			ConnMaxIdleTime: parsed["DB_CONN_MAX_IDLE_TIME"],
			PingTimeout:     parsed["DB_PING_TIMEOUT"],
			BusyTimeout:     parsed["DB_BUSY_TIMEOUT"],
		},
		Reconcile: models.ReconcileConfig{
			WorkerPoolSize:      getEnvInt("RECONCILE_WORKER_POOL_SIZE", 8),
			RailConcurrency:     getEnvInt("RECONCILE_RAIL_CONCURRENCY", 4),
			MaxRetries:          getEnvInt("RECONCILE_MAX_RETRIES", 3),
			InitialBackoff:      parsed["RECONCILE_INITIAL_BACKOFF"],
			HoldTimeout:         parsed["RECONCILE_HOLD_TIMEOUT"],
			RailTimeout:         parsed["RECONCILE_RAIL_TIMEOUT"],
			Window:              parsed["RECONCILE_WINDOW"],
			OrphanWindow:        parsed["RECONCILE_ORPHAN_WINDOW"],
			ReservationRetries:  getEnvInt("RECONCILE_RESERVATION_RETRIES", 5),
			DefaultMonthlyFee:   defaultFee,
			TransferDescription: getEnvString("RECONCILE_TRANSFER_DESCRIPTION", "Roundup"),
		},
		Rail: models.RailConfig{
			BaseURL:     getEnvString("RAIL_BASE_URL", "https://sandbox.plaid.com"),
			ClientId:    getEnvString("RAIL_CLIENT_ID", ""),
			Secret:      getEnvString("RAIL_SECRET", ""),
			Network:     getEnvString("RAIL_NETWORK", "ach"),
			AchClass:    getEnvString("RAIL_ACH_CLASS", "ppd"),
			HTTPTimeout: parsed["RAIL_HTTP_TIMEOUT"],
		},
		Holds: models.HoldsConfig{
			StripeKey: getEnvString("STRIPE_SECRET_KEY", ""),
		},
		Journal: models.JournalConfig{
			Backend:      journalBackend,
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientId:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER_NAME", "roundups"),
		},
		Lock: models.LockConfig{
			RedisAddr:  getEnvString("REDIS_ADDR", ""),
			Expiry:     parsed["LOCK_EXPIRY"],
			Tries:      getEnvInt("LOCK_TRIES", 32),
			RetryDelay: parsed["LOCK_RETRY_DELAY"],
		},
		Server: models.ServerConfig{
			Port:               getEnvInt("PORT", 8080),
			StatusPollInterval: parsed["SERVER_STATUS_POLL_INTERVAL"],
			StatusStaleAfter:   parsed["SERVER_STATUS_STALE_AFTER"],
		},
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
