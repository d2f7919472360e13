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

package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/provider"

	"go.uber.org/zap"
)

// Start performs startup recovery and begins polling and cache cleanup.
func (l *ConfirmationListener) Start(ctx context.Context) error {
	zap.L().Info("Starting confirmation listener")

	polled := l.providers.Polled()
	if len(polled) == 0 {
		zap.L().Warn("No providers configured for polling - relying on webhook and broker events only")
	}

	// Catch confirmations that arrived while the process was down
	if err := l.performStartupRecovery(ctx, polled); err != nil {
		zap.L().Error("Startup recovery failed", zap.Error(err))
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	l.running.Store(true)
	go l.pollLoop(ctx)
	go l.cleanupLoop(ctx)

	zap.L().Info("Confirmation listener started successfully",
		zap.Int("polled_providers", len(polled)),
		zap.Duration("polling_interval", l.pollingInterval),
		zap.Duration("lookback_window", l.lookbackWindow))

	return nil
}

// Stop gracefully stops the confirmation listener. It returns immediately if
// Start never got the loops running, and is safe to call more than once.
func (l *ConfirmationListener) Stop() {
	if !l.running.Load() {
		zap.L().Info("Confirmation listener not running")
		return
	}
	zap.L().Info("Stopping confirmation listener")
	l.stopOnce.Do(func() { close(l.stopChan) })
	<-l.doneChan
	zap.L().Info("Confirmation listener stopped")
}

// pollLoop runs the main polling loop
func (l *ConfirmationListener) pollLoop(ctx context.Context) {
	defer close(l.doneChan)

	ticker := time.NewTicker(l.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.pollProviders(ctx)
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ANSI color helpers for console output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// pollProviders polls all providers configured for polling concurrently
func (l *ConfirmationListener) pollProviders(ctx context.Context) {
	polled := l.providers.Polled()
	if len(polled) == 0 {
		return
	}

	fmt.Printf("\n%s[%s] Polling %d providers%s\n",
		colorCyan, time.Now().Format("15:04:05"), len(polled), colorReset)

	var wg sync.WaitGroup

	for _, client := range polled {
		wg.Add(1)

		go func(c provider.Client) {
			defer wg.Done()

			if _, err := l.pollProvider(ctx, c); err != nil {
				fmt.Printf("  %s✗ %s: %s%s\n", colorRed, c.Name(), err, colorReset)
				zap.L().Error("Failed to poll provider",
					zap.String("provider", c.Name()),
					zap.Error(err))
			}
		}(client)
	}

	wg.Wait()
}

// pollProvider asks the provider for the status of every pending order it
// holds and applies terminal statuses. Returns how many events were applied.
func (l *ConfirmationListener) pollProvider(ctx context.Context, client provider.Client) (int, error) {
	pending, err := l.dbService.ListPendingWithOrders(ctx, client.Name(), l.pollBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending orders: %w", err)
	}

	applied := 0
	for _, r := range pending {
		order, err := client.GetOrder(ctx, r.ProviderOrderId)
		if err != nil {
			zap.L().Warn("Failed to fetch provider order",
				zap.String("provider", client.Name()),
				zap.String("order_id", r.ProviderOrderId),
				zap.String("reservation_id", r.Id),
				zap.Error(err))
			continue
		}

		event := provider.EventFromOrder(client.Name(), order)
		if event.Type == models.EventWaiting {
			continue
		}

		outcome, err := l.Handle(ctx, event)
		if err != nil {
			fmt.Printf("  %s✗ %s %s %s | %s%s\n",
				colorRed, client.Name(), event.OrderId, event.Status, err, colorReset)
			zap.L().Error("Failed to apply polled order status",
				zap.String("provider", client.Name()),
				zap.String("order_id", event.OrderId),
				zap.String("reservation_id", r.Id),
				zap.Error(err))
			continue
		}

		color := colorGreen
		symbol := "✓"
		if outcome != OutcomeSettled && outcome != OutcomeReleased {
			color = colorYellow
			symbol = "~"
		}
		fmt.Printf("  %s%s %s %s %s -> %s%s\n",
			color, symbol, client.Name(), event.OrderId, event.Status, outcome, colorReset)
		applied++
	}

	if applied == 0 && len(pending) > 0 {
		zap.L().Debug("No terminal statuses among pending orders",
			zap.String("provider", client.Name()),
			zap.Int("pending", len(pending)))
	}

	return applied, nil
}

// performStartupRecovery runs one poll pass before the loop starts
func (l *ConfirmationListener) performStartupRecovery(ctx context.Context, polled []provider.Client) error {
	zap.L().Info("Starting startup recovery process")

	var totalRecovered int
	var failedProviders []string
	for _, client := range polled {
		recovered, err := l.pollProvider(ctx, client)
		if err != nil {
			zap.L().Error("Failed to recover orders for provider",
				zap.String("provider", client.Name()),
				zap.Error(err))
			failedProviders = append(failedProviders, client.Name())
			continue
		}
		totalRecovered += recovered
	}

	if len(failedProviders) > 0 {
		zap.L().Warn("Startup recovery completed with some failures",
			zap.Int("total_events_recovered", totalRecovered),
			zap.Int("total_providers", len(polled)),
			zap.Strings("failed_providers", failedProviders))

		if len(failedProviders) > len(polled)/2 {
			return fmt.Errorf("recovery failed for majority of providers (%d/%d): %v",
				len(failedProviders), len(polled), failedProviders)
		}
	} else {
		zap.L().Info("Startup recovery completed successfully",
			zap.Int("total_events_recovered", totalRecovered),
			zap.Int("total_providers", len(polled)))
	}

	return nil
}
