package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

func (s *Service) GetReservation(ctx context.Context, reservationId string) (*models.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, queryGetReservation, reservationId))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrReservationNotFound, reservationId)
		}
		return nil, fmt.Errorf("unable to query reservation: %w", err)
	}
	return r, nil
}

func (s *Service) FindReservationByOrder(ctx context.Context, provider, orderId string) (*models.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, queryFindReservationByOrder, provider, orderId))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: provider %s order %s", store.ErrReservationNotFound, provider, orderId)
		}
		return nil, fmt.Errorf("unable to query reservation by order: %w", err)
	}
	return r, nil
}

func (s *Service) ListPendingReservations(ctx context.Context, userId string) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, queryListPendingReservations, userId)
	if err != nil {
		return nil, fmt.Errorf("unable to query pending reservations: %w", err)
	}
	return collectReservations(rows)
}

func (s *Service) ListExpiredReservations(ctx context.Context, kind models.ReservationKind, now time.Time, after store.ExpiryCursor, limit int) ([]models.Reservation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown reservation kind %q", kind)
	}
	rows, err := s.pool.Query(ctx, queryListExpiredReservations, string(kind), now, after.Deadline, after.Id, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query expired reservations: %w", err)
	}
	return collectReservations(rows)
}

func (s *Service) ListPendingWithOrders(ctx context.Context, provider string, limit int) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, queryListPendingWithOrders, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query pending provider orders: %w", err)
	}
	return collectReservations(rows)
}

func (s *Service) ListAnomalousReservations(ctx context.Context, userId string) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, queryListAnomalousReservations, userId)
	if err != nil {
		return nil, fmt.Errorf("unable to query anomalous reservations: %w", err)
	}
	return collectReservations(rows)
}

func (s *Service) AttachProviderOrder(ctx context.Context, reservationId, provider, orderId string) error {
	if provider == "" || orderId == "" {
		return fmt.Errorf("provider and order id are required")
	}

	tag, err := s.pool.Exec(ctx, queryAttachProviderOrder, provider, orderId, reservationId)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: provider %s order %s", store.ErrDuplicateOrder, provider, orderId)
		}
		return fmt.Errorf("unable to attach provider order: %w", err)
	}
	if tag.RowsAffected() == 1 {
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
