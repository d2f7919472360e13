/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/events"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRequest      = errors.New("invalid reservation request")
	ErrInsufficientFunds   = errors.New("insufficient available balance")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrLedgerCorrupted     = errors.New("ledger aggregate inconsistent with reservation")
)

// Engine is the only writer of frozen_balance. Each operation runs in one
// store transaction holding the user's ledger lock, and events are published
// only after that transaction has committed.
type Engine struct {
	store     store.LedgerStore
	publisher events.Publisher
	now       func() time.Time
}

type Option func(*Engine)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(s store.LedgerStore, publisher events.Publisher, opts ...Option) *Engine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	e := &Engine{store: s, publisher: publisher, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FreezeParams describes a new hold requested by the purchase flow.
type FreezeParams struct {
	UserId   string
	Kind     models.ReservationKind
	Amount   decimal.Decimal
	Deadline time.Time
}

func (p FreezeParams) validate() error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount.String())
	}
	if p.UserId == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, p.Kind)
	}
	if p.Deadline.IsZero() {
		return fmt.Errorf("%w: deadline is required", ErrInvalidRequest)
	}
	return nil
}

// Freeze creates a pending reservation and moves its amount from available to frozen.
func (e *Engine) Freeze(ctx context.Context, p FreezeParams) (*models.Reservation, error) {
	if err := p.validate(); err != nil {
		operationsTotal.WithLabelValues("freeze", outcomeOf(err)).Inc()
		return nil, err
	}

	now := e.now()
	var reservation *models.Reservation
	var op *models.LedgerOperation

	err := e.store.WithUserLock(ctx, p.UserId, func(tx store.LedgerTx) error {
		ledger, err := tx.Ledger(ctx)
		if err != nil {
			return err
		}

		available := ledger.Available()
		if available.LessThan(p.Amount) {
			return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, available.String(), p.Amount.String())
		}

		reservation, err = tx.InsertReservation(ctx, store.NewReservationParams{
			UserId:   p.UserId,
			Kind:     p.Kind,
			Amount:   p.Amount,
			Deadline: p.Deadline,
			Now:      now,
		})
		if err != nil {
			return err
		}

		after := *ledger
		after.FrozenBalance = ledger.FrozenBalance.Add(p.Amount)
		if err := tx.UpdateLedger(ctx, after.Balance, after.FrozenBalance, now); err != nil {
			return err
		}

		op, err = tx.AppendOperation(ctx, store.AppendOperationParams{
			UserId:        p.UserId,
			ReservationId: reservation.Id,
			Kind:          models.OpFreeze,
			Amount:        p.Amount,
			Before:        *ledger,
			After:         after,
			Now:           now,
		})
		return err
	})
	operationsTotal.WithLabelValues("freeze", outcomeOf(err)).Inc()
	if err != nil {
		logFailure(ctx, "freeze", "", p.UserId, err)
		return nil, err
	}

	zap.L().Info("Reservation frozen",
		zap.String("user_id", p.UserId),
		zap.String("reservation_id", reservation.Id),
		zap.String("kind", string(p.Kind)),
		zap.String("amount", p.Amount.String()),
		zap.String("frozen_before", op.FrozenBefore.String()),
		zap.String("frozen_after", op.FrozenAfter.String()),
		zap.Time("deadline", p.Deadline),
		actorField(ctx))

	e.publish(ctx, reservation, p.Amount, "")
	return reservation, nil
}

// Commit settles a pending reservation. The hold is always released in full;
// balance is charged actual when given, otherwise the requested amount.
func (e *Engine) Commit(ctx context.Context, reservationId string, actual *decimal.Decimal) (*models.CommitResult, error) {
	if actual != nil && !actual.IsPositive() {
		operationsTotal.WithLabelValues("commit", outcomeOf(ErrInvalidAmount)).Inc()
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, actual.String())
	}

	result := &models.CommitResult{}
	err := e.transition(ctx, reservationId, func(tx store.LedgerTx, r *models.Reservation, ledger *models.UserLedger, now time.Time) error {
		charge := r.RequestedAmount
		if actual != nil {
			charge = *actual
		}

		after := *ledger
		after.FrozenBalance = ledger.FrozenBalance.Sub(r.FrozenAmount)
		if after.FrozenBalance.IsNegative() {
			return corrupted(ledger, r)
		}
		if charge.GreaterThan(ledger.Balance.Sub(after.FrozenBalance)) {
			return fmt.Errorf("%w: charge %s exceeds funds after releasing hold %s",
				ErrInsufficientFunds, charge.String(), r.FrozenAmount.String())
		}
		after.Balance = ledger.Balance.Sub(charge)

		reason := ""
		if !charge.Equal(r.RequestedAmount) {
			reason = fmt.Sprintf("charged %s against hold %s", charge.String(), r.RequestedAmount.String())
		}

		changed, err := tx.FinalizeReservation(ctx, store.FinalizeParams{
			ReservationId: r.Id,
			State:         models.StateSettled,
			ChargedAmount: charge,
			Reason:        reason,
			Now:           now,
		})
		if err != nil || !changed {
			return finalizeErr(err, r)
		}
		if err := tx.UpdateLedger(ctx, after.Balance, after.FrozenBalance, now); err != nil {
			return err
		}

		result.Operation, err = tx.AppendOperation(ctx, store.AppendOperationParams{
			UserId:        r.UserId,
			ReservationId: r.Id,
			Kind:          models.OpCommit,
			Amount:        charge,
			Before:        *ledger,
			After:         after,
			Reason:        reason,
			Now:           now,
		})
		return err
	}, &result.Reservation, &result.Idempotent)

	operationsTotal.WithLabelValues("commit", outcomeFor(err, result.Idempotent)).Inc()
	if err != nil {
		logFailure(ctx, "commit", reservationId, "", err)
		return nil, err
	}
	if result.Idempotent {
		zap.L().Info("Commit skipped, reservation already terminal",
			zap.String("reservation_id", reservationId),
			zap.String("state", string(result.Reservation.State)),
			actorField(ctx))
		return result, nil
	}

	zap.L().Info("Reservation committed",
		zap.String("user_id", result.Reservation.UserId),
		zap.String("reservation_id", reservationId),
		zap.String("charged", result.Operation.Amount.String()),
		zap.String("balance_after", result.Operation.BalanceAfter.String()),
		zap.String("frozen_after", result.Operation.FrozenAfter.String()),
		actorField(ctx))

	e.publish(ctx, result.Reservation, result.Operation.Amount, "")
	return result, nil
}

// Refund releases a pending reservation's hold without touching balance.
func (e *Engine) Refund(ctx context.Context, reservationId, reason string) (*models.RefundResult, error) {
	if reason == "" {
		operationsTotal.WithLabelValues("refund", outcomeOf(ErrInvalidRequest)).Inc()
		return nil, fmt.Errorf("%w: refund reason is required", ErrInvalidRequest)
	}

	result := &models.RefundResult{}
	err := e.transition(ctx, reservationId, func(tx store.LedgerTx, r *models.Reservation, ledger *models.UserLedger, now time.Time) error {
		after := *ledger
		after.FrozenBalance = ledger.FrozenBalance.Sub(r.FrozenAmount)
		if after.FrozenBalance.IsNegative() {
			return corrupted(ledger, r)
		}

		changed, err := tx.FinalizeReservation(ctx, store.FinalizeParams{
			ReservationId: r.Id,
			State:         models.StateReleased,
			ChargedAmount: decimal.Zero,
			Reason:        reason,
			Now:           now,
		})
		if err != nil || !changed {
			return finalizeErr(err, r)
		}
		if err := tx.UpdateLedger(ctx, after.Balance, after.FrozenBalance, now); err != nil {
			return err
		}

		result.Operation, err = tx.AppendOperation(ctx, store.AppendOperationParams{
			UserId:        r.UserId,
			ReservationId: r.Id,
			Kind:          models.OpRefund,
			Amount:        r.FrozenAmount,
			Before:        *ledger,
			After:         after,
			Reason:        reason,
			Now:           now,
		})
		return err
	}, &result.Reservation, &result.Idempotent)

	operationsTotal.WithLabelValues("refund", outcomeFor(err, result.Idempotent)).Inc()
	if err != nil {
		logFailure(ctx, "refund", reservationId, "", err)
		return nil, err
	}
	if result.Idempotent {
		zap.L().Info("Refund skipped, reservation already terminal",
			zap.String("reservation_id", reservationId),
			zap.String("state", string(result.Reservation.State)),
			zap.String("reason", reason),
			actorField(ctx))
		return result, nil
	}

	zap.L().Info("Reservation refunded",
		zap.String("user_id", result.Reservation.UserId),
		zap.String("reservation_id", reservationId),
		zap.String("released", result.Operation.Amount.String()),
		zap.String("frozen_after", result.Operation.FrozenAfter.String()),
		zap.String("reason", reason),
		actorField(ctx))

	e.publish(ctx, result.Reservation, result.Operation.Amount, reason)
	return result, nil
}

type applyFunc func(tx store.LedgerTx, r *models.Reservation, ledger *models.UserLedger, now time.Time) error

// transition locks the owning user, re-reads the reservation under the lock and
// runs apply only while it is still pending. On return *out holds the
// reservation as stored after the transaction, and *idempotent reports whether
// it was already terminal.
func (e *Engine) transition(ctx context.Context, reservationId string, apply applyFunc, out **models.Reservation, idempotent *bool) error {
	if reservationId == "" {
		return fmt.Errorf("%w: empty id", ErrReservationNotFound)
	}

	current, err := e.store.GetReservation(ctx, reservationId)
	if err != nil {
		if errors.Is(err, store.ErrReservationNotFound) {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationId)
		}
		return err
	}

	// Terminal states never change again, so no lock is needed to report them.
	if current.State.Terminal() {
		*out = current
		*idempotent = true
		return nil
	}

	now := e.now()
	return e.store.WithUserLock(ctx, current.UserId, func(tx store.LedgerTx) error {
		locked, err := tx.Reservation(ctx, reservationId)
		if err != nil {
			if errors.Is(err, store.ErrReservationNotFound) {
				return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationId)
			}
			return err
		}
		if locked.State.Terminal() {
			*out = locked
			*idempotent = true
			return nil
		}

		ledger, err := tx.Ledger(ctx)
		if err != nil {
			return err
		}
		if err := apply(tx, locked, ledger, now); err != nil {
			return err
		}

		*out, err = tx.Reservation(ctx, reservationId)
		return err
	})
}

func corrupted(ledger *models.UserLedger, r *models.Reservation) error {
	zap.L().Error("Refusing to drive frozen balance negative",
		zap.String("user_id", ledger.UserId),
		zap.String("reservation_id", r.Id),
		zap.String("frozen_balance", ledger.FrozenBalance.String()),
		zap.String("frozen_amount", r.FrozenAmount.String()))
	return fmt.Errorf("%w: frozen balance %s cannot release %s for %s",
		ErrLedgerCorrupted, ledger.FrozenBalance.String(), r.FrozenAmount.String(), r.Id)
}

func finalizeErr(err error, r *models.Reservation) error {
	if err != nil {
		return err
	}
	// The row was pending under the same lock a moment ago.
	return fmt.Errorf("%w: reservation %s changed state under lock", ErrLedgerCorrupted, r.Id)
}

func (e *Engine) publish(ctx context.Context, r *models.Reservation, amount decimal.Decimal, reason string) {
	event := models.ReservationEvent{
		ReservationId: r.Id,
		UserId:        r.UserId,
		Kind:          r.Kind,
		State:         r.State,
		Amount:        amount,
		Reason:        reason,
		OccurredAt:    e.now().UTC(),
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		zap.L().Warn("Failed to publish reservation event",
			zap.String("reservation_id", r.Id),
			zap.String("state", string(r.State)),
			zap.Error(err))
	}
}

func logFailure(ctx context.Context, operation, reservationId, userId string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reservation_id", reservationId),
		zap.String("user_id", userId),
		actorField(ctx),
		zap.Error(err),
	}
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, store.ErrUserNotFound) {
		zap.L().Info("Reservation operation rejected", fields...)
		return
	}
	zap.L().Error("Reservation operation failed", fields...)
}

func actorField(ctx context.Context) zap.Field {
	a := models.ActorFromContext(ctx)
	if a.Source == "" {
		return zap.Skip()
	}
	return zap.String("actor", a.Source+":"+a.Id)
}
