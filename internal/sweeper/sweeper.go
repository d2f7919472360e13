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

package sweeper

import (
	"context"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_sweeper_reservations_total",
	Help: "Expired reservations processed by the sweeper, by kind and outcome",
}, []string{"kind", "outcome"})

// ExpiredLister selects pending reservations of one kind whose deadline has passed.
type ExpiredLister interface {
	ListExpiredReservations(ctx context.Context, kind models.ReservationKind, now time.Time, after store.ExpiryCursor, limit int) ([]models.Reservation, error)
}

// Refunder releases a reservation's hold.
type Refunder interface {
	Refund(ctx context.Context, reservationId, reason string) (*models.RefundResult, error)
}

// Config contains configuration for Sweeper
type Config struct {
	Store     ExpiredLister
	Engine    Refunder
	Lease     Lease
	Interval  time.Duration
	BatchSize int
	Kinds     []models.ReservationKind
	Now       func() time.Time
}

// Sweeper periodically refunds expired pending reservations with reason "expired".
type Sweeper struct {
	store     ExpiredLister
	engine    Refunder
	lease     Lease
	interval  time.Duration
	batchSize int
	kinds     []models.ReservationKind
	now       func() time.Time

	// Control channels
	stopChan chan struct{}
	doneChan chan struct{}
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Scanned    int
	Released   int
	Idempotent int
	Failed     int
	Skipped    bool // another instance held the lease
	Unguarded  bool // the lease backend failed; the pass ran without it
}

func NewSweeper(cfg Config) *Sweeper {
	s := &Sweeper{
		store:     cfg.Store,
		engine:    cfg.Engine,
		lease:     cfg.Lease,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		kinds:     cfg.Kinds,
		now:       cfg.Now,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	if s.lease == nil {
		s.lease = NoLease{}
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if len(s.kinds) == 0 {
		s.kinds = []models.ReservationKind{models.KindActivation, models.KindRental}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start runs one sweep immediately to release anything that expired while the
// process was down, then sweeps on every tick until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	zap.L().Info("Starting expiry sweeper",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize))

	go s.loop(ctx)
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	zap.L().Info("Stopping expiry sweeper")
	close(s.stopChan)
	<-s.doneChan
	zap.L().Info("Expiry sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runPass(ctx)

	for {
		select {
		case <-ticker.C:
			s.runPass(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) runPass(ctx context.Context) {
	report, err := s.SweepOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Error("Sweep pass failed", zap.Error(err))
		}
		return
	}
	if report.Released > 0 || report.Failed > 0 {
		zap.L().Info("Sweep pass completed",
			zap.Int("scanned", report.Scanned),
			zap.Int("released", report.Released),
			zap.Int("idempotent", report.Idempotent),
			zap.Int("failed", report.Failed))
	}
}

// SweepOnce runs a single pass over every configured kind, paging through
// all expired rows. A record whose refund fails stays pending and is picked up
// again by the next pass; within this pass the cursor moves past it.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	acquired, err := s.lease.Acquire(ctx)
	switch {
	case err != nil:
		zap.L().Warn("Sweeper lease unavailable, sweeping unguarded", zap.Error(err))
		report.Unguarded = true
	case !acquired:
		zap.L().Debug("Sweeper lease held elsewhere, skipping pass")
		report.Skipped = true
		return report, nil
	default:
		defer s.lease.Release(context.WithoutCancel(ctx))
	}

	ctx = models.WithActor(ctx, models.Actor{Source: "sweeper", Id: "expiry"})
	now := s.now()

	for _, kind := range s.kinds {
		if err := s.sweepKind(ctx, kind, now, &report); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (s *Sweeper) sweepKind(ctx context.Context, kind models.ReservationKind, now time.Time, report *SweepReport) error {
	var cursor store.ExpiryCursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		expired, err := s.store.ListExpiredReservations(ctx, kind, now, cursor, s.batchSize)
		if err != nil {
			zap.L().Error("Failed to list expired reservations", zap.String("kind", string(kind)), zap.Error(err))
			report.Failed++
			return nil
		}
		report.Scanned += len(expired)

		for _, r := range expired {
			s.release(ctx, kind, r, report)
		}

		if len(expired) < s.batchSize {
			return nil
		}
		last := expired[len(expired)-1]
		cursor = store.ExpiryCursor{Deadline: last.Deadline, Id: last.Id}
	}
}

func (s *Sweeper) release(ctx context.Context, kind models.ReservationKind, r models.Reservation, report *SweepReport) {
	// The selection predicate is scoped by kind; a row of another kind here is a store bug.
	if r.Kind != kind || r.State != models.StatePending {
		zap.L().Warn("Skipping reservation outside sweep predicate",
			zap.String("reservation_id", r.Id),
			zap.String("kind", string(r.Kind)),
			zap.String("state", string(r.State)))
		return
	}

	result, err := s.engine.Refund(ctx, r.Id, models.ReasonExpired)
	switch {
	case err != nil:
		report.Failed++
		sweptTotal.WithLabelValues(string(kind), "failed").Inc()
		zap.L().Error("Failed to release expired reservation",
			zap.String("reservation_id", r.Id),
			zap.String("user_id", r.UserId),
			zap.Time("deadline", r.Deadline),
			zap.Error(err))
	case result.Idempotent:
		report.Idempotent++
		sweptTotal.WithLabelValues(string(kind), "idempotent").Inc()
	default:
		report.Released++
		sweptTotal.WithLabelValues(string(kind), "released").Inc()
	}
}
