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

package auditor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultEpsilon is the drift tolerance when none is configured.
var DefaultEpsilon = decimal.New(1, -4)

var (
	driftUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_drift_users",
		Help: "Users whose frozen balance disagrees with their pending reservations, as of the last full check",
	})
	correctionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconciliation_adjustments_total",
		Help: "Frozen balance corrections applied by the auditor",
	})
)

// ErrActorRequired is returned by Correct when no operator is named.
var ErrActorRequired = errors.New("correction requires an actor")

// Auditor compares each user's stored frozen balance with the sum of their
// pending reservations.
type Auditor struct {
	store   store.LedgerStore
	epsilon decimal.Decimal
	now     func() time.Time
}

func NewAuditor(s store.LedgerStore, epsilon decimal.Decimal) *Auditor {
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return &Auditor{store: s, epsilon: epsilon, now: time.Now}
}

// CheckUser reports drift for one user without changing anything. Ledger
// and pending sum are read in the same locked transaction so that an
// in-flight freeze cannot show up as drift.
func (a *Auditor) CheckUser(ctx context.Context, userId string) (*models.DriftReport, error) {
	report := &models.DriftReport{UserId: userId}

	err := a.store.WithUserLock(ctx, userId, func(tx store.LedgerTx) error {
		_, err := a.measureLedger(ctx, tx, report)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check user %s: %w", userId, err)
	}

	if err := a.collectAnomalies(ctx, report); err != nil {
		return nil, err
	}

	if report.Drifted {
		zap.L().Warn("Frozen balance drift detected",
			zap.String("user_id", userId),
			zap.String("stored_frozen", report.StoredFrozen.String()),
			zap.String("expected_frozen", report.ExpectedFrozen.String()),
			zap.String("difference", report.Difference.String()),
			zap.Int("pending_count", report.PendingCount))
	} else {
		zap.L().Debug("Ledger in balance",
			zap.String("user_id", userId),
			zap.String("frozen", report.StoredFrozen.String()))
	}
	return report, nil
}

// CheckAll checks every user. A failure on one user is logged and does not
// stop the run.
func (a *Auditor) CheckAll(ctx context.Context) ([]models.DriftReport, error) {
	userIds, err := a.store.ListUserIds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	reports := make([]models.DriftReport, 0, len(userIds))
	drifted := 0
	for _, userId := range userIds {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := a.CheckUser(ctx, userId)
		if err != nil {
			zap.L().Error("Failed to audit user", zap.String("user_id", userId), zap.Error(err))
			continue
		}
		if report.Drifted {
			drifted++
		}
		reports = append(reports, *report)
	}

	driftUsers.Set(float64(drifted))
	zap.L().Info("Reconciliation check completed",
		zap.Int("users", len(userIds)),
		zap.Int("checked", len(reports)),
		zap.Int("drifted", drifted))
	return reports, nil
}

// Correct sets the user's frozen balance to the pending sum and records a
// reconciliation_adjustment operation naming actor. Reservations and the
// spendable balance are never touched. Drift is re-measured under the lock;
// if it has gone the call is a no-op.
func (a *Auditor) Correct(ctx context.Context, userId, actor string) (*models.DriftReport, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}

	report := &models.DriftReport{UserId: userId}
	err := a.store.WithUserLock(ctx, userId, func(tx store.LedgerTx) error {
		ledger, err := a.measureLedger(ctx, tx, report)
		if err != nil {
			return err
		}
		if !report.Drifted {
			return nil
		}

		now := report.CheckedAt
		after := *ledger
		after.FrozenBalance = report.ExpectedFrozen
		if err := tx.UpdateLedger(ctx, ledger.Balance, report.ExpectedFrozen, now); err != nil {
			return err
		}

		op, err := tx.AppendOperation(ctx, store.AppendOperationParams{
			UserId: userId,
			Kind:   models.OpReconciliationAdjustment,
			Amount: report.Difference,
			Before: *ledger,
			After:  after,
			Reason: fmt.Sprintf("%s by %s", models.ReasonReconciliation, actor),
			Now:    now,
		})
		if err != nil {
			return err
		}
		report.Adjustment = op
		report.Corrected = true
		return nil
	})
	if err != nil {
		zap.L().Error("Failed to correct frozen balance",
			zap.String("user_id", userId),
			zap.String("actor", actor),
			zap.Error(err))
		return nil, fmt.Errorf("failed to correct user %s: %w", userId, err)
	}

	if report.Corrected {
		correctionsTotal.Inc()
		zap.L().Warn("Frozen balance corrected",
			zap.String("user_id", userId),
			zap.String("actor", actor),
			zap.String("frozen_before", report.StoredFrozen.String()),
			zap.String("frozen_after", report.ExpectedFrozen.String()),
			zap.String("adjustment", report.Difference.String()))
	} else {
		zap.L().Info("No drift to correct", zap.String("user_id", userId), zap.String("actor", actor))
	}

	if err := a.collectAnomalies(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (a *Auditor) measureLedger(ctx context.Context, tx store.LedgerTx, report *models.DriftReport) (*models.UserLedger, error) {
	ledger, err := tx.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	expected, count, err := tx.PendingFrozenSum(ctx)
	if err != nil {
		return nil, err
	}

	report.StoredFrozen = ledger.FrozenBalance
	report.ExpectedFrozen = expected
	report.Difference = expected.Sub(ledger.FrozenBalance)
	report.AbsDifference = report.Difference.Abs()
	report.PendingCount = count
	report.Drifted = report.AbsDifference.GreaterThan(a.epsilon)
	report.CheckedAt = a.now().UTC()
	return ledger, nil
}

func (a *Auditor) collectAnomalies(ctx context.Context, report *models.DriftReport) error {
	candidates, err := a.store.ListAnomalousReservations(ctx, report.UserId)
	if err != nil {
		return fmt.Errorf("failed to list anomalous reservations: %w", err)
	}

	for _, r := range candidates {
		if desc := describeAnomaly(r); desc != "" {
			report.Anomalies = append(report.Anomalies, models.Anomaly{
				ReservationId: r.Id,
				State:         r.State,
				FrozenAmount:  r.FrozenAmount,
				Description:   desc,
			})
		}
	}

	if len(report.Anomalies) > 0 {
		zap.L().Warn("Reservation anomalies found",
			zap.String("user_id", report.UserId),
			zap.Int("count", len(report.Anomalies)))
	}
	return nil
}

func describeAnomaly(r models.Reservation) string {
	switch {
	case r.State.Terminal() && !r.FrozenAmount.IsZero():
		return "terminal reservation still holds a frozen amount"
	case r.State == models.StatePending && r.FrozenAmount.IsZero():
		return "pending reservation holds nothing"
	case r.State == models.StatePending && !r.FrozenAmount.Equal(r.RequestedAmount):
		return "pending frozen amount differs from requested amount"
	}
	return ""
}
