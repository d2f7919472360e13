package database

import (
	"context"
	"database/sql"
	"fmt"

	"sms-rental-ledger/internal/models"

	"go.uber.org/zap"
)

// GetOperations returns a user's operation log, newest first.
func (s *Service) GetOperations(ctx context.Context, userId string, limit, offset int) ([]models.LedgerOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryOperations(ctx, queryGetOperations, userId, limit, offset)
}

// GetReservationOperations returns every log entry attributed to one reservation, oldest first.
func (s *Service) GetReservationOperations(ctx context.Context, reservationId string) ([]models.LedgerOperation, error) {
	return s.queryOperations(ctx, queryGetReservationOperations, reservationId)
}

func (s *Service) queryOperations(ctx context.Context, query string, args ...any) ([]models.LedgerOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		zap.L().Error("Failed to query ledger operations", zap.Error(err))
		return nil, fmt.Errorf("unable to query ledger operations: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var operations []models.LedgerOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			zap.L().Error("Failed to scan operation row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan operation row: %w", err)
		}
		operations = append(operations, *op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation rows: %w", err)
	}
	return operations, nil
}
