package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WithUserLock runs fn inside a single write transaction. The DSN opens every
// transaction with BEGIN IMMEDIATE, so the writer lock is held from the first
// statement until commit or rollback.
func (s *Service) WithUserLock(ctx context.Context, userId string, fn func(tx store.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, queryLedgerExists, userId).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
	} else if err != nil {
		return fmt.Errorf("failed to lock user ledger: %w", err)
	}

	if err := fn(&lockedTx{tx: tx, userId: userId}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type lockedTx struct {
	tx     *sql.Tx
	userId string
}

func (t *lockedTx) Ledger(ctx context.Context) (*models.UserLedger, error) {
	ledger, err := scanLedger(t.tx.QueryRowContext(ctx, queryGetLedger, t.userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, t.userId)
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return ledger, nil
}

func (t *lockedTx) Reservation(ctx context.Context, reservationId string) (*models.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx, queryGetUserReservation, reservationId, t.userId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrReservationNotFound, reservationId)
		}
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}
	return r, nil
}

func (t *lockedTx) PendingFrozenSum(ctx context.Context) (decimal.Decimal, int, error) {
	rows, err := t.tx.QueryContext(ctx, queryPendingFrozenAmounts, t.userId)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to query pending reservations: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	sum := decimal.Zero
	count := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, 0, fmt.Errorf("failed to scan frozen amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, 0, fmt.Errorf("failed to parse frozen amount '%s': %w", raw, err)
		}
		sum = sum.Add(amount)
		count++
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, 0, fmt.Errorf("error iterating frozen amounts: %w", err)
	}
	return sum, count, nil
}

func (t *lockedTx) InsertReservation(ctx context.Context, params store.NewReservationParams) (*models.Reservation, error) {
	id := params.Id
	if id == "" {
		id = uuid.New().String()
	}

	_, err := t.tx.ExecContext(ctx, queryInsertReservation,
		id, t.userId, string(params.Kind), params.Amount.String(), params.Amount.String(),
		formatTime(params.Deadline), formatTime(params.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	return t.Reservation(ctx, id)
}

func (t *lockedTx) FinalizeReservation(ctx context.Context, params store.FinalizeParams) (bool, error) {
	if !params.State.Terminal() {
		return false, fmt.Errorf("cannot finalize reservation into non-terminal state %q", params.State)
	}

	result, err := t.tx.ExecContext(ctx, queryFinalizeReservation,
		string(params.State), params.ChargedAmount.String(), params.Reason, formatTime(params.Now),
		params.ReservationId, t.userId)
	if err != nil {
		return false, fmt.Errorf("failed to finalize reservation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (t *lockedTx) UpdateLedger(ctx context.Context, balance, frozen decimal.Decimal, now time.Time) error {
	result, err := t.tx.ExecContext(ctx, queryUpdateLedger, balance.String(), frozen.String(), formatTime(now), t.userId)
	if err != nil {
		return fmt.Errorf("failed to update ledger: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, t.userId)
	}
	return nil
}

func (t *lockedTx) AppendOperation(ctx context.Context, params store.AppendOperationParams) (*models.LedgerOperation, error) {
	op := &models.LedgerOperation{
		Id:            uuid.New().String(),
		UserId:        t.userId,
		ReservationId: params.ReservationId,
		Kind:          params.Kind,
		Amount:        params.Amount,
		BalanceBefore: params.Before.Balance,
		BalanceAfter:  params.After.Balance,
		FrozenBefore:  params.Before.FrozenBalance,
		FrozenAfter:   params.After.FrozenBalance,
		Reason:        params.Reason,
		CreatedAt:     params.Now.UTC(),
	}

	_, err := t.tx.ExecContext(ctx, queryInsertOperation,
		op.Id, op.UserId, op.ReservationId, string(op.Kind), op.Amount.String(),
		op.BalanceBefore.String(), op.BalanceAfter.String(),
		op.FrozenBefore.String(), op.FrozenAfter.String(),
		op.Reason, formatTime(params.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to append ledger operation: %w", err)
	}
	return op, nil
}
