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

// Package listener polls the payment rail for transfers whose status
// webhook never arrived and feeds the observed status through the same
// path webhooks take.
package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/payment"
	"roundup-engine-go/internal/store"

	"go.uber.org/zap"
)

// TransferEventApplier applies a terminal transfer status to the ledger.
type TransferEventApplier interface {
	ApplyTransferEvent(ctx context.Context, transferId, eventStatus string) error
}

// StatusListenerConfig contains configuration for StatusListener
type StatusListenerConfig struct {
	Store           store.LedgerStore
	Rail            payment.Rail
	Events          TransferEventApplier
	PollingInterval time.Duration
	StaleAfter      time.Duration // only transfers pending longer than this are polled
	MaxConcurrency  int
}

// StatusListener periodically resolves stale pending transfers.
type StatusListener struct {
	store  store.LedgerStore
	rail   payment.Rail
	events TransferEventApplier

	pollingInterval time.Duration
	staleAfter      time.Duration
	maxConcurrency  int
	now             func() time.Time

	// Control channels
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func NewStatusListener(cfg StatusListenerConfig) *StatusListener {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 4
	}
	return &StatusListener{
		store:           cfg.Store,
		rail:            cfg.Rail,
		events:          cfg.Events,
		pollingInterval: cfg.PollingInterval,
		staleAfter:      cfg.StaleAfter,
		maxConcurrency:  cfg.MaxConcurrency,
		now:             time.Now,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// Start begins polling in the background.
func (l *StatusListener) Start(ctx context.Context) error {
	if l.pollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive, got %v", l.pollingInterval)
	}

	go l.pollLoop(ctx)

	zap.L().Info("Transfer status listener started",
		zap.Duration("polling_interval", l.pollingInterval),
		zap.Duration("stale_after", l.staleAfter))
	return nil
}

// Stop gracefully stops the listener
func (l *StatusListener) Stop() {
	zap.L().Info("Stopping transfer status listener")
	l.stopOnce.Do(func() { close(l.stopChan) })
	<-l.doneChan
	zap.L().Info("Transfer status listener stopped")
}

func (l *StatusListener) pollLoop(ctx context.Context) {
	defer close(l.doneChan)

	ticker := time.NewTicker(l.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := l.PollOnce(ctx); err != nil {
				zap.L().Error("Transfer status poll failed", zap.Error(err))
			}
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce checks every transfer pending since before the stale cutoff and
// returns how many reached a terminal status.
func (l *StatusListener) PollOnce(ctx context.Context) (int, error) {
	cutoff := l.now().UTC().Add(-l.staleAfter)
	stale, err := l.store.ListTransfers(ctx, models.TransferStatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("unable to list pending transfers: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	zap.L().Debug("Polling stale transfers",
		zap.Int("transfers", len(stale)),
		zap.Time("created_before", cutoff))

	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved := 0
	sem := make(chan struct{}, l.maxConcurrency)

	for _, transfer := range stale {
		wg.Add(1)
		sem <- struct{}{}

		go func(t models.Transfer) {
			defer wg.Done()
			defer func() { <-sem }()

			done, err := l.pollTransfer(ctx, t)
			if err != nil {
				zap.L().Error("Failed to poll transfer",
					zap.String("transfer_id", t.Id),
					zap.String("user_id", t.UserId),
					zap.Error(err))
				return
			}
			if done {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}(transfer)
	}

	wg.Wait()
	return resolved, nil
}

func (l *StatusListener) pollTransfer(ctx context.Context, transfer models.Transfer) (bool, error) {
	remote, err := l.rail.GetTransfer(ctx, transfer.Id)
	if err != nil {
		return false, fmt.Errorf("failed to fetch transfer: %w", err)
	}

	status, terminal := payment.EventStatus(remote.Status)
	if !terminal {
		zap.L().Debug("Transfer still in flight",
			zap.String("transfer_id", transfer.Id),
			zap.String("rail_status", remote.Status))
		return false, nil
	}

	if err := l.events.ApplyTransferEvent(ctx, transfer.Id, status); err != nil {
		return false, err
	}
	zap.L().Info("Resolved stale transfer from rail status",
		zap.String("transfer_id", transfer.Id),
		zap.String("rail_status", remote.Status),
		zap.String("status", status))
	return true, nil
}
