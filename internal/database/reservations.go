package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

func (s *Service) GetReservation(ctx context.Context, reservationId string) (*models.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, queryGetReservation, reservationId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrReservationNotFound, reservationId)
		}
		zap.L().Error("Failed to query reservation", zap.String("reservation_id", reservationId), zap.Error(err))
		return nil, fmt.Errorf("unable to query reservation: %w", err)
	}
	return r, nil
}

func (s *Service) FindReservationByOrder(ctx context.Context, provider, orderId string) (*models.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, queryFindReservationByOrder, provider, orderId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: provider %s order %s", store.ErrReservationNotFound, provider, orderId)
		}
		zap.L().Error("Failed to query reservation by order",
			zap.String("provider", provider),
			zap.String("order_id", orderId),
			zap.Error(err))
		return nil, fmt.Errorf("unable to query reservation by order: %w", err)
	}
	return r, nil
}

func (s *Service) ListPendingReservations(ctx context.Context, userId string) ([]models.Reservation, error) {
	return s.queryReservations(ctx, "pending reservations", queryListPendingReservations, userId)
}

// ListExpiredReservations selects only pending rows of the given kind whose
// deadline has passed, in (deadline, id) order after the cursor.
func (s *Service) ListExpiredReservations(ctx context.Context, kind models.ReservationKind, now time.Time, after store.ExpiryCursor, limit int) ([]models.Reservation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown reservation kind %q", kind)
	}
	return s.queryReservations(ctx, "expired reservations", queryListExpiredReservations,
		string(kind), formatTime(now), formatTime(after.Deadline), after.Id, limit)
}

func (s *Service) ListPendingWithOrders(ctx context.Context, provider string, limit int) ([]models.Reservation, error) {
	return s.queryReservations(ctx, "pending provider orders", queryListPendingWithOrders, provider, limit)
}

func (s *Service) ListAnomalousReservations(ctx context.Context, userId string) ([]models.Reservation, error) {
	return s.queryReservations(ctx, "anomalous reservations", queryListAnomalousReservations, userId)
}

// AttachProviderOrder records the provider's order id on a pending reservation.
// Re-attaching the same order is accepted.
func (s *Service) AttachProviderOrder(ctx context.Context, reservationId, provider, orderId string) error {
	if provider == "" || orderId == "" {
		return fmt.Errorf("provider and order id are required")
	}

	result, err := s.db.ExecContext(ctx, queryAttachProviderOrder, provider, orderId, reservationId)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: provider %s order %s", store.ErrDuplicateOrder, provider, orderId)
		}
		zap.L().Error("Failed to attach provider order", zap.String("reservation_id", reservationId), zap.Error(err))
		return fmt.Errorf("unable to attach provider order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		zap.L().Info("Provider order attached",
			zap.String("reservation_id", reservationId),
			zap.String("provider", provider),
			zap.String("order_id", orderId))
		return nil
	}

	existing, err := s.GetReservation(ctx, reservationId)
	if err != nil {
		return err
	}
	if existing.Provider == provider && existing.ProviderOrderId == orderId {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", store.ErrReservationNotOpen, reservationId, existing.State)
}

func (s *Service) queryReservations(ctx context.Context, what, query string, args ...any) ([]models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		zap.L().Error("Failed to query "+what, zap.Error(err))
		return nil, fmt.Errorf("unable to query %s: %w", what, err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var reservations []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			zap.L().Error("Failed to scan reservation row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan reservation row: %w", err)
		}
		reservations = append(reservations, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", what, err)
	}

	zap.L().Debug("Retrieved "+what, zap.Int("count", len(reservations)))
	return reservations, nil
}
