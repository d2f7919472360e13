package listener

import (
	"context"
	"errors"
	"fmt"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/provider"
	"sms-rental-ledger/internal/store"

	"go.uber.org/zap"
)

// Outcome describes what Handle did with an event.
type Outcome string

const (
	OutcomeSettled      Outcome = "settled"
	OutcomeReleased     Outcome = "released"
	OutcomeIdempotent   Outcome = "idempotent"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUnknownOrder Outcome = "unknown_order"
	OutcomeFailed       Outcome = "failed"
)

// Handle applies one provider event. Deliveries are at-least-once; repeats
// end up as idempotent no-ops in the engine.
func (l *ConfirmationListener) Handle(ctx context.Context, event models.ProviderEvent) (Outcome, error) {
	if event.Type == "" {
		event.Type = provider.EventType(event.Status)
	}
	outcome, err := l.handle(ctx, event)
	eventsTotal.WithLabelValues(event.Provider, string(outcome)).Inc()
	return outcome, err
}

func (l *ConfirmationListener) handle(ctx context.Context, event models.ProviderEvent) (Outcome, error) {
	key := event.DedupKey()
	if l.isEventProcessed(key) {
		zap.L().Debug("Provider event already processed",
			zap.String("provider", event.Provider),
			zap.String("order_id", event.OrderId),
			zap.String("type", string(event.Type)))
		return OutcomeDuplicate, nil
	}

	if event.Type == models.EventWaiting {
		return OutcomeIgnored, nil
	}

	reservation, err := l.dbService.FindReservationByOrder(ctx, event.Provider, event.OrderId)
	if err != nil {
		if errors.Is(err, store.ErrReservationNotFound) {
			zap.L().Warn("Provider event for unknown order - dropping",
				zap.String("provider", event.Provider),
				zap.String("order_id", event.OrderId),
				zap.String("type", string(event.Type)))
			l.markEventProcessed(key)
			return OutcomeUnknownOrder, nil
		}
		return OutcomeFailed, fmt.Errorf("failed to look up order: %w", err)
	}

	ctx = models.WithActor(ctx, models.Actor{Source: "provider", Id: event.Provider, RequestId: event.EventId})

	var outcome Outcome
	switch event.Type {
	case models.EventCodeReceived, models.EventMessageReceived:
		result, err := l.engine.Commit(ctx, reservation.Id, event.Amount)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("failed to commit reservation %s: %w", reservation.Id, err)
		}
		outcome = OutcomeSettled
		if result.Idempotent {
			outcome = OutcomeIdempotent
		}
	case models.EventFailed:
		result, err := l.engine.Refund(ctx, reservation.Id, models.ReasonProviderFailure)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("failed to refund reservation %s: %w", reservation.Id, err)
		}
		outcome = OutcomeReleased
		if result.Idempotent {
			outcome = OutcomeIdempotent
		}
	default:
		zap.L().Debug("Ignoring provider event with unhandled type",
			zap.String("provider", event.Provider),
			zap.String("order_id", event.OrderId),
			zap.String("type", string(event.Type)),
			zap.String("status", event.Status))
		return OutcomeIgnored, nil
	}

	l.markEventProcessed(key)

	zap.L().Info("Provider event applied",
		zap.String("provider", event.Provider),
		zap.String("order_id", event.OrderId),
		zap.String("reservation_id", reservation.Id),
		zap.String("user_id", reservation.UserId),
		zap.String("type", string(event.Type)),
		zap.String("outcome", string(outcome)))
	return outcome, nil
}
