package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *Service) CreateUser(ctx context.Context, userId string) (*models.UserLedger, error) {
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	zap.L().Info("Creating user ledger", zap.String("user_id", userId))

	tag, err := s.pool.Exec(ctx, queryInsertLedger, userId)
	if err != nil {
		zap.L().Error("Failed to insert user ledger", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to insert user ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrUserExists, userId)
	}
	return s.GetLedger(ctx, userId)
}

func (s *Service) GetLedger(ctx context.Context, userId string) (*models.UserLedger, error) {
	ledger, err := scanLedger(s.pool.QueryRow(ctx, queryGetLedger, userId))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
		}
		zap.L().Error("Failed to query user ledger", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query user ledger: %w", err)
	}
	return ledger, nil
}

func (s *Service) ListUserIds(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, queryListUserIds)
	if err != nil {
		return nil, fmt.Errorf("unable to query user ids: %w", err)
	}
	userIds, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("unable to collect user ids: %w", err)
	}
	return userIds, nil
}

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
		zap.String("reference", reference))
	return op, nil
}

func (s *Service) GetOperations(ctx context.Context, userId string, limit, offset int) ([]models.LedgerOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, queryGetOperations, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("unable to query ledger operations: %w", err)
	}
	return collectOperations(rows)
}

func (s *Service) GetReservationOperations(ctx context.Context, reservationId string) ([]models.LedgerOperation, error) {
	rows, err := s.pool.Query(ctx, queryGetReservationOperations, reservationId)
	if err != nil {
		return nil, fmt.Errorf("unable to query ledger operations: %w", err)
	}
	return collectOperations(rows)
}
