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

package database

import (
	"context"
	"database/sql"
	"fmt"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Service)(nil)

// Service is the SQLite ledger backend. Write transactions are opened with
// BEGIN IMMEDIATE so that holding one is holding the writer lock, which in
// SQLite covers every user row at once.
type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}
	if cfg.BusyTimeout < 0 {
		return nil, fmt.Errorf("busy timeout cannot be negative, got %v", cfg.BusyTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after ping failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after schema failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func buildDSN(cfg models.DatabaseConfig) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_foreign_keys=on&_txlock=immediate&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema(ctx context.Context) error {
	schema := `
	-- Per-user balance record (hot data)
	CREATE TABLE IF NOT EXISTS user_ledgers (
		user_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL DEFAULT '0',
		frozen_balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One row per hold against a user's funds, for both kinds
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES user_ledgers(user_id),
		kind TEXT NOT NULL CHECK (kind IN ('activation', 'rental')),
		requested_amount TEXT NOT NULL,
		frozen_amount TEXT NOT NULL,
		charged_amount TEXT NOT NULL DEFAULT '0',
		state TEXT NOT NULL CHECK (state IN ('pending', 'settled', 'released')),
		deadline TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		provider_order_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		terminal_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_user_state ON reservations(user_id, state);
	CREATE INDEX IF NOT EXISTS idx_reservations_sweep ON reservations(state, kind, deadline, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_provider_order
		ON reservations(provider, provider_order_id) WHERE provider_order_id != '';

	-- Ledger operation log (audit trail, append-only)
	CREATE TABLE IF NOT EXISTS ledger_operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES user_ledgers(user_id),
		reservation_id TEXT NOT NULL DEFAULT '',
		operation_kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		frozen_before TEXT NOT NULL,
		frozen_after TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_operations_user ON ledger_operations(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_operations_reservation ON ledger_operations(reservation_id);

	CREATE TRIGGER IF NOT EXISTS ledger_operations_no_update
	BEFORE UPDATE ON ledger_operations
	BEGIN
		SELECT RAISE(ABORT, 'ledger_operations is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS ledger_operations_no_delete
	BEFORE DELETE ON ledger_operations
	BEGIN
		SELECT RAISE(ABORT, 'ledger_operations is append-only');
	END;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
