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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"sms-rental-ledger/internal/api"
	"sms-rental-ledger/internal/common"
	"sms-rental-ledger/internal/config"
	"sms-rental-ledger/internal/events"
	"sms-rental-ledger/internal/listener"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/sweeper"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting SMS rental ledger server",
		zap.String("backend", cfg.Database.Backend),
		zap.String("port", cfg.Server.Port))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	l := listener.NewConfirmationListener(listener.ConfirmationListenerConfig{
		Engine:          services.Engine,
		DbService:       services.Store,
		Providers:       services.Providers,
		LookbackWindow:  cfg.Listener.LookbackWindow,
		PollingInterval: cfg.Listener.PollingInterval,
		CleanupInterval: cfg.Listener.CleanupInterval,
		PollBatchSize:   cfg.Listener.PollBatchSize,
	})
	if err := l.Start(ctx); err != nil {
		zap.L().Fatal("Failed to start confirmation listener", zap.Error(err))
	}

	var sw *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		var lease sweeper.Lease = sweeper.NoLease{}
		if services.Redis != nil {
			zap.L().Info("Sweeper coordinating through redis lease", zap.Duration("ttl", cfg.Sweeper.LeaseTTL))
			lease = sweeper.NewRedisLease(services.Redis, cfg.Sweeper.LeaseTTL)
		}
		sw = sweeper.NewSweeper(sweeper.Config{
			Store:     services.Store,
			Engine:    services.Engine,
			Lease:     lease,
			Interval:  cfg.Sweeper.Interval,
			BatchSize: cfg.Sweeper.BatchSize,
			Kinds:     cfg.Sweeper.Kinds,
		})
		sw.Start(ctx)
	} else {
		zap.L().Warn("Expiry sweeper disabled")
	}

	var wg sync.WaitGroup
	if cfg.Events.Enabled {
		consumer := events.NewConsumer(
			cfg.Events.AMQPURL,
			cfg.Events.ConfirmationsQueue,
			cfg.Events.PrefetchCount,
			func(ctx context.Context, event models.ProviderEvent) error {
				_, err := l.Handle(ctx, event)
				return err
			},
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Error("Confirmation consumer stopped", zap.Error(err))
			}
		}()
	}

	svc := api.NewLedgerService(services.Store, services.Engine, services.Auditor, services.Providers, l)
	if cfg.Server.JWTSecret == "" {
		zap.L().Warn("API_JWT_SECRET not set - API authentication disabled")
	}
	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewRouter(api.NewHandler(svc), cfg.Server.JWTSecret),
	}

	go func() {
		zap.L().Info("HTTP API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		if sw != nil {
			sw.Stop()
		}
		l.Stop()
		cancel()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Server stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
