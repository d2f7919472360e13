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
	"sync"
	"sync/atomic"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/provider"
	"sms-rental-ledger/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_listener_events_total",
	Help: "Provider confirmation events handled, by provider and outcome",
}, []string{"provider", "outcome"})

// Settler moves a reservation to its terminal state.
type Settler interface {
	Commit(ctx context.Context, reservationId string, actual *decimal.Decimal) (*models.CommitResult, error)
	Refund(ctx context.Context, reservationId, reason string) (*models.RefundResult, error)
}

// ConfirmationListenerConfig contains configuration for ConfirmationListener
type ConfirmationListenerConfig struct {
	Engine          Settler
	DbService       store.LedgerStore
	Providers       *provider.Registry
	LookbackWindow  time.Duration
	PollingInterval time.Duration
	CleanupInterval time.Duration
	PollBatchSize   int
}

// ConfirmationListener turns provider confirmations into commits and refunds.
// Events arrive from polling, the webhook endpoint, or the broker consumer.
type ConfirmationListener struct {
	engine    Settler
	dbService store.LedgerStore
	providers *provider.Registry

	// State management for processed events
	processedEvents map[string]time.Time
	mutex           sync.RWMutex
	lookbackWindow  time.Duration
	pollingInterval time.Duration
	cleanupInterval time.Duration
	pollBatchSize   int

	// Control channels. Stop only waits on doneChan once the loops are running.
	running  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewConfirmationListener creates a new confirmation listener
func NewConfirmationListener(cfg ConfirmationListenerConfig) *ConfirmationListener {
	l := &ConfirmationListener{
		engine:          cfg.Engine,
		dbService:       cfg.DbService,
		providers:       cfg.Providers,
		processedEvents: make(map[string]time.Time),
		lookbackWindow:  cfg.LookbackWindow,
		pollingInterval: cfg.PollingInterval,
		cleanupInterval: cfg.CleanupInterval,
		pollBatchSize:   cfg.PollBatchSize,
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
	if l.providers == nil {
		l.providers = provider.NewRegistry()
	}
	if l.lookbackWindow <= 0 {
		l.lookbackWindow = 6 * time.Hour
	}
	if l.pollingInterval <= 0 {
		l.pollingInterval = 30 * time.Second
	}
	if l.cleanupInterval <= 0 {
		l.cleanupInterval = 15 * time.Minute
	}
	if l.pollBatchSize <= 0 {
		l.pollBatchSize = 200
	}
	return l
}

// isEventProcessed checks if we've already handled this event
func (l *ConfirmationListener) isEventProcessed(key string) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	_, exists := l.processedEvents[key]
	return exists
}

// markEventProcessed marks an event as handled
func (l *ConfirmationListener) markEventProcessed(key string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.processedEvents[key] = time.Now()
}

// cleanupLoop periodically cleans old processed event keys
func (l *ConfirmationListener) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupProcessedEvents()
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cleanupProcessedEvents removes entries older than the lookback window
func (l *ConfirmationListener) cleanupProcessedEvents() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	cutoff := time.Now().Add(-l.lookbackWindow)
	cleaned := 0

	for key, processedTime := range l.processedEvents {
		if processedTime.Before(cutoff) {
			delete(l.processedEvents, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		zap.L().Debug("Cleaned up old processed events",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(l.processedEvents)))
	}
}
