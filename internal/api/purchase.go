package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/engine"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/provider"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PurchaseRequest asks for a number from a provider, paid from the user's balance.
type PurchaseRequest struct {
	UserId   string                 `json:"user_id"`
	Kind     models.ReservationKind `json:"kind"`
	Amount   decimal.Decimal        `json:"amount"`
	Duration string                 `json:"duration,omitempty"`
	Provider string                 `json:"provider"`
	Service  string                 `json:"service"`
	Country  string                 `json:"country"`
}

// Purchase freezes the price, then asks the provider for an order. The
// provider call happens after the freeze has committed, never under the lock.
// A rejected or failed order releases the hold with reason provider_rejected.
func (s *LedgerService) Purchase(ctx context.Context, req PurchaseRequest) (*models.Reservation, error) {
	client, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	duration := s.providers.DefaultDuration(req.Provider, req.Kind)
	if req.Duration != "" {
		duration, err = time.ParseDuration(req.Duration)
		if err != nil || duration <= 0 {
			return nil, fmt.Errorf("%w: invalid duration %q", engine.ErrInvalidRequest, req.Duration)
		}
	}

	reservation, err := s.engine.Freeze(ctx, engine.FreezeParams{
		UserId:   req.UserId,
		Kind:     req.Kind,
		Amount:   req.Amount,
		Deadline: time.Now().Add(duration),
	})
	if err != nil {
		return nil, err
	}

	order, err := client.CreateOrder(ctx, models.OrderRequest{
		ReservationId: reservation.Id,
		Kind:          req.Kind,
		Service:       req.Service,
		Country:       req.Country,
		Duration:      duration,
		MaxPrice:      req.Amount,
	})
	if err != nil {
		s.releaseRejected(ctx, reservation, err)
		return nil, err
	}

	if err := s.store.AttachProviderOrder(ctx, reservation.Id, req.Provider, order.OrderId); err != nil {
		if cancelErr := client.CancelOrder(ctx, order.OrderId); cancelErr != nil {
			zap.L().Error("Failed to cancel unattached provider order",
				zap.String("provider", req.Provider),
				zap.String("order_id", order.OrderId),
				zap.Error(cancelErr))
		}
		s.releaseRejected(ctx, reservation, err)
		return nil, fmt.Errorf("failed to attach provider order: %w", err)
	}

	return s.store.GetReservation(ctx, reservation.Id)
}

func (s *LedgerService) releaseRejected(ctx context.Context, reservation *models.Reservation, cause error) {
	zap.L().Warn("Provider order not placed - releasing hold",
		zap.String("reservation_id", reservation.Id),
		zap.String("user_id", reservation.UserId),
		zap.Error(cause))

	if _, err := s.engine.Refund(context.WithoutCancel(ctx), reservation.Id, models.ReasonProviderRejected); err != nil {
		zap.L().Error("Failed to release rejected reservation; the sweeper will release it at its deadline",
			zap.String("reservation_id", reservation.Id),
			zap.Error(err))
	}
}

// Cancel releases a pending reservation on the user's request. The provider
// order is cancelled on a best-effort basis.
func (s *LedgerService) Cancel(ctx context.Context, reservationId string) (*models.RefundResult, error) {
	reservation, err := s.GetReservation(ctx, reservationId)
	if err != nil {
		return nil, err
	}

	if reservation.State == models.StatePending && reservation.ProviderOrderId != "" {
		if client, err := s.providers.Get(reservation.Provider); err == nil {
			if err := client.CancelOrder(ctx, reservation.ProviderOrderId); err != nil && !errors.Is(err, provider.ErrOrderNotFound) {
				zap.L().Warn("Failed to cancel provider order",
					zap.String("reservation_id", reservationId),
					zap.String("provider", reservation.Provider),
					zap.String("order_id", reservation.ProviderOrderId),
					zap.Error(err))
			}
		}
	}

	return s.engine.Refund(ctx, reservationId, models.ReasonUserCancelled)
}

// Commit settles a reservation from the status handler path.
func (s *LedgerService) Commit(ctx context.Context, reservationId string, actual *decimal.Decimal) (*models.CommitResult, error) {
	return s.engine.Commit(ctx, reservationId, actual)
}
