package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// WithUserLock begins a READ COMMITTED transaction and takes a row lock on the
// user's ledger before running fn. Concurrent callers for the same user block
// on the lock; callers for other users proceed.
func (s *Service) WithUserLock(ctx context.Context, userId string, fn func(tx store.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := scanLedger(tx.QueryRow(ctx, queryLockLedger, userId)); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
		}
		return fmt.Errorf("lock acquisition failed: %w", err)
	}

	if err := fn(&lockedTx{tx: tx, userId: userId}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type lockedTx struct {
	tx     pgx.Tx
	userId string
}

func (t *lockedTx) Ledger(ctx context.Context) (*models.UserLedger, error) {
	ledger, err := scanLedger(t.tx.QueryRow(ctx, queryGetLedger, t.userId))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, t.userId)
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return ledger, nil
}

func (t *lockedTx) Reservation(ctx context.Context, reservationId string) (*models.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRow(ctx, queryLockUserReservation, reservationId, t.userId))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrReservationNotFound, reservationId)
		}
		return nil, fmt.Errorf("failed to read reservation: %w", err)
	}
	return r, nil
}

func (t *lockedTx) PendingFrozenSum(ctx context.Context) (decimal.Decimal, int, error) {
	var raw string
	var count int
	if err := t.tx.QueryRow(ctx, queryPendingFrozenSum, t.userId).Scan(&raw, &count); err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to sum pending reservations: %w", err)
	}
	var sum decimal.Decimal
	if err := parseDecimal(raw, &sum); err != nil {
		return decimal.Zero, 0, err
	}
	return sum, count, nil
}

func (t *lockedTx) InsertReservation(ctx context.Context, params store.NewReservationParams) (*models.Reservation, error) {
	id := params.Id
	if id == "" {
		id = uuid.New().String()
	}
	r, err := scanReservation(t.tx.QueryRow(ctx, queryInsertReservation,
		id, t.userId, string(params.Kind), params.Amount.String(), params.Deadline, params.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}
	return r, nil
}

func (t *lockedTx) FinalizeReservation(ctx context.Context, params store.FinalizeParams) (bool, error) {
	if !params.State.Terminal() {
		return false, fmt.Errorf("cannot finalize reservation into non-terminal state %q", params.State)
	}
	tag, err := t.tx.Exec(ctx, queryFinalizeReservation,
		string(params.State), params.ChargedAmount.String(), params.Reason, params.Now,
		params.ReservationId, t.userId)
	if err != nil {
		return false, fmt.Errorf("failed to finalize reservation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *lockedTx) UpdateLedger(ctx context.Context, balance, frozen decimal.Decimal, now time.Time) error {
	tag, err := t.tx.Exec(ctx, queryUpdateLedger, balance.String(), frozen.String(), now, t.userId)
	if err != nil {
		return fmt.Errorf("failed to update ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
		CreatedAt:     params.Now,
	}
	_, err := t.tx.Exec(ctx, queryInsertOperation,
		op.Id, op.UserId, op.ReservationId, string(op.Kind), op.Amount.String(),
		op.BalanceBefore.String(), op.BalanceAfter.String(),
		op.FrozenBefore.String(), op.FrozenAfter.String(),
		op.Reason, params.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to append ledger operation: %w", err)
	}
	return op, nil
}
