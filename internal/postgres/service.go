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

package postgres

import (
	"context"
	"fmt"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Service)(nil)

// Service is the PostgreSQL ledger backend. Per-user serialization uses
// SELECT ... FOR UPDATE on the user_ledgers row.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(cfg.MaxIdleConns, cfg.MaxOpenConns))
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	zap.L().Info("Opening PostgreSQL pool",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{pool: pool}
	if err := service.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("PostgreSQL service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	s.pool.Close()
}

func (s *Service) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS user_ledgers (
		user_id TEXT PRIMARY KEY,
		balance NUMERIC(20,4) NOT NULL DEFAULT 0,
		frozen_balance NUMERIC(20,4) NOT NULL DEFAULT 0 CHECK (frozen_balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES user_ledgers(user_id),
		kind TEXT NOT NULL CHECK (kind IN ('activation', 'rental')),
		requested_amount NUMERIC(20,4) NOT NULL CHECK (requested_amount > 0),
		frozen_amount NUMERIC(20,4) NOT NULL,
		charged_amount NUMERIC(20,4) NOT NULL DEFAULT 0,
		state TEXT NOT NULL CHECK (state IN ('pending', 'settled', 'released')),
		deadline TIMESTAMPTZ NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		provider_order_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		terminal_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_user_state ON reservations(user_id, state);
	CREATE INDEX IF NOT EXISTS idx_reservations_sweep ON reservations(state, kind, deadline, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_provider_order
		ON reservations(provider, provider_order_id) WHERE provider_order_id <> '';

	CREATE TABLE IF NOT EXISTS ledger_operations (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES user_ledgers(user_id),
		reservation_id TEXT NOT NULL DEFAULT '',
		operation_kind TEXT NOT NULL,
		amount NUMERIC(20,4) NOT NULL,
		balance_before NUMERIC(20,4) NOT NULL,
		balance_after NUMERIC(20,4) NOT NULL,
		frozen_before NUMERIC(20,4) NOT NULL,
		frozen_after NUMERIC(20,4) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_operations_user ON ledger_operations(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_operations_reservation ON ledger_operations(reservation_id);

	CREATE OR REPLACE FUNCTION ledger_operations_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger_operations is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS ledger_operations_no_mutation ON ledger_operations;
	CREATE TRIGGER ledger_operations_no_mutation
		BEFORE UPDATE OR DELETE ON ledger_operations
		FOR EACH ROW EXECUTE FUNCTION ledger_operations_append_only();
	`)
	return err
}
