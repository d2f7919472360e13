package engine

import (
	"errors"

	"sms-rental-ledger/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_reservation_operations_total",
	Help: "Reservation engine operations by outcome",
}, []string{"operation", "outcome"})

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrReservationNotFound), errors.Is(err, store.ErrUserNotFound):
		return "not_found"
	case errors.Is(err, ErrLedgerCorrupted):
		return "corrupted"
	default:
		return "error"
	}
}

func outcomeFor(err error, idempotent bool) string {
	if err == nil && idempotent {
		return "idempotent"
	}
	return outcomeOf(err)
}
