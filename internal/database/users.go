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
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateUser opens an empty ledger for an identity issued by the account system.
func (s *Service) CreateUser(ctx context.Context, userId string) (*models.UserLedger, error) {
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	zap.L().Info("Creating user ledger", zap.String("user_id", userId))

	now := formatTime(time.Now())
	result, err := s.db.ExecContext(ctx, queryInsertLedger, userId, now, now)
	if err != nil {
		zap.L().Error("Failed to insert user ledger", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to insert user ledger: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		zap.L().Error("Failed to get rows affected", zap.Error(err))
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrUserExists, userId)
	}

	return s.GetLedger(ctx, userId)
}

func (s *Service) GetLedger(ctx context.Context, userId string) (*models.UserLedger, error) {
	zap.L().Debug("Querying user ledger", zap.String("user_id", userId))

	ledger, err := scanLedger(s.db.QueryRowContext(ctx, queryGetLedger, userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
		}
		zap.L().Error("Failed to query user ledger", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query user ledger: %w", err)
	}

	return ledger, nil
}

func (s *Service) ListUserIds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListUserIds)
	if err != nil {
		zap.L().Error("Failed to query user ids", zap.Error(err))
		return nil, fmt.Errorf("unable to query user ids: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var userIds []string
	for rows.Next() {
		var userId string
		if err := rows.Scan(&userId); err != nil {
			zap.L().Error("Failed to scan user id row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan user id row: %w", err)
		}
		userIds = append(userIds, userId)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during user id row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating user id rows: %w", err)
	}

	zap.L().Debug("Retrieved user ids", zap.Int("count", len(userIds)))
	return userIds, nil
}

// TopUp credits spendable balance on behalf of a payment gateway. It never
// touches the frozen aggregate.
func (s *Service) TopUp(ctx context.Context, userId string, amount decimal.Decimal, reference string) (*models.LedgerOperation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("top-up amount must be positive, got %s", amount.String())
	}

	var op *models.LedgerOperation
	err := s.WithUserLock(ctx, userId, func(tx store.LedgerTx) error {
		before, err := tx.Ledger(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		after := *before
		after.Balance = before.Balance.Add(amount)
		if err := tx.UpdateLedger(ctx, after.Balance, after.FrozenBalance, now); err != nil {
			return err
		}
		op, err = tx.AppendOperation(ctx, store.AppendOperationParams{
			UserId: userId,
			Kind:   models.OpTopUp,
			Amount: amount,
			Before: *before,
			After:  after,
			Reason: reference,
			Now:    now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to top up user ledger: %w", err)
	}

	zap.L().Info("Top-up applied",
		zap.String("user_id", userId),
		zap.String("amount", amount.String()),
		zap.String("balance_after", op.BalanceAfter.String()),
		zap.String("reference", reference))
	return op, nil
}
