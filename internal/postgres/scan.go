package postgres

import (
	"fmt"

	"sms-rental-ledger/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func parseDecimal(raw string, dst *decimal.Decimal) error {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid numeric %q: %w", raw, err)
	}
	*dst = d
	return nil
}

func scanLedger(row pgx.Row) (*models.UserLedger, error) {
	var ledger models.UserLedger
	var balance, frozen string
	if err := row.Scan(&ledger.UserId, &balance, &frozen, &ledger.CreatedAt, &ledger.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimal(balance, &ledger.Balance); err != nil {
		return nil, err
	}
	if err := parseDecimal(frozen, &ledger.FrozenBalance); err != nil {
		return nil, err
	}
	return &ledger, nil
}

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var r models.Reservation
	var kind, state, requested, frozen, charged string
	err := row.Scan(&r.Id, &r.UserId, &kind, &requested, &frozen, &charged, &state,
		&r.Deadline, &r.Provider, &r.ProviderOrderId, &r.Reason, &r.CreatedAt, &r.TerminalAt)
	if err != nil {
		return nil, err
	}
	r.Kind = models.ReservationKind(kind)
	r.State = models.ReservationState(state)
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{{requested, &r.RequestedAmount}, {frozen, &r.FrozenAmount}, {charged, &r.ChargedAmount}} {
		if err := parseDecimal(f.raw, f.dst); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func scanOperation(row pgx.Row) (*models.LedgerOperation, error) {
	var op models.LedgerOperation
	var kind, amount, balanceBefore, balanceAfter, frozenBefore, frozenAfter string
	err := row.Scan(&op.Id, &op.UserId, &op.ReservationId, &kind, &amount,
		&balanceBefore, &balanceAfter, &frozenBefore, &frozenAfter, &op.Reason, &op.CreatedAt)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{amount, &op.Amount},
		{balanceBefore, &op.BalanceBefore},
		{balanceAfter, &op.BalanceAfter},
		{frozenBefore, &op.FrozenBefore},
		{frozenAfter, &op.FrozenAfter},
	} {
		if err := parseDecimal(f.raw, f.dst); err != nil {
			return nil, err
		}
	}
	return &op, nil
}

func collectReservations(rows pgx.Rows) ([]models.Reservation, error) {
	defer rows.Close()
	var reservations []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan reservation row: %w", err)
		}
		reservations = append(reservations, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reservation rows: %w", err)
	}
	return reservations, nil
}

func collectOperations(rows pgx.Rows) ([]models.LedgerOperation, error) {
	defer rows.Close()
	var operations []models.LedgerOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan operation row: %w", err)
		}
		operations = append(operations, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation rows: %w", err)
	}
	return operations, nil
}
