package database

import (
	"database/sql"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"

	"github.com/shopspring/decimal"
)

// Timestamps are stored as fixed-width UTC text so that string comparison in
// SQL orders them chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// decimalFields parses decimal text columns into their destinations in order.
func decimalFields(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		raw := pairs[i].(string)
		dst := pairs[i+1].(*decimal.Decimal)
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid decimal %q: %w", raw, err)
		}
		*dst = d
	}
	return nil
}

func scanLedger(row rowScanner) (*models.UserLedger, error) {
	var ledger models.UserLedger
	var balance, frozen, createdAt, updatedAt string
	if err := row.Scan(&ledger.UserId, &balance, &frozen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := decimalFields(balance, &ledger.Balance, frozen, &ledger.FrozenBalance); err != nil {
		return nil, err
	}
	var err error
	if ledger.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ledger.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ledger, nil
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	var kind, state, requested, frozen, charged, deadline, createdAt string
	var terminalAt sql.NullString
	err := row.Scan(&r.Id, &r.UserId, &kind, &requested, &frozen, &charged, &state,
		&deadline, &r.Provider, &r.ProviderOrderId, &r.Reason, &createdAt, &terminalAt)
	if err != nil {
		return nil, err
	}
	r.Kind = models.ReservationKind(kind)
	r.State = models.ReservationState(state)
	if err := decimalFields(requested, &r.RequestedAmount, frozen, &r.FrozenAmount, charged, &r.ChargedAmount); err != nil {
		return nil, err
	}
	if r.Deadline, err = parseTime(deadline); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if terminalAt.Valid {
		t, err := parseTime(terminalAt.String)
		if err != nil {
			return nil, err
		}
		r.TerminalAt = &t
	}
	return &r, nil
}

func scanOperation(row rowScanner) (*models.LedgerOperation, error) {
	var op models.LedgerOperation
	var kind, amount, balanceBefore, balanceAfter, frozenBefore, frozenAfter, createdAt string
	err := row.Scan(&op.Id, &op.UserId, &op.ReservationId, &kind, &amount,
		&balanceBefore, &balanceAfter, &frozenBefore, &frozenAfter, &op.Reason, &createdAt)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	err = decimalFields(
		amount, &op.Amount,
		balanceBefore, &op.BalanceBefore,
		balanceAfter, &op.BalanceAfter,
		frozenBefore, &op.FrozenBefore,
		frozenAfter, &op.FrozenAfter,
	)
	if err != nil {
		return nil, err
	}
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &op, nil
}
