package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sms-rental-ledger/internal/database"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/shopspring/decimal"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ReservationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e models.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) states() []models.ReservationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var states []models.ReservationState
	for _, e := range p.events {
		states = append(states, e.State)
	}
	return states
}

type testEnv struct {
	engine    *Engine
	store     *database.Service
	publisher *recordingPublisher
	dbPath    string
}

func setupTestEngine(t *testing.T) (*testEnv, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	service, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         dbPath,
		MaxOpenConns: 16,
		MaxIdleConns: 4,
		PingTimeout:  5 * time.Second,
		BusyTimeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	publisher := &recordingPublisher{}
	env := &testEnv{
		engine:    NewEngine(service, publisher),
		store:     service,
		publisher: publisher,
		dbPath:    dbPath,
	}
	return env, service.Close
}

func (env *testEnv) fundedUser(t *testing.T, userId string, balance int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.store.CreateUser(ctx, userId); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if balance > 0 {
		if _, err := env.store.TopUp(ctx, userId, decimal.NewFromInt(balance), "seed"); err != nil {
			t.Fatalf("TopUp failed: %v", err)
		}
	}
}

func (env *testEnv) ledger(t *testing.T, userId string) *models.UserLedger {
	t.Helper()
	ledger, err := env.store.GetLedger(context.Background(), userId)
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	return ledger
}

func (env *testEnv) assertLedger(t *testing.T, userId string, balance, frozen int64) {
	t.Helper()
	ledger := env.ledger(t, userId)
	if !ledger.Balance.Equal(decimal.NewFromInt(balance)) {
		t.Errorf("Expected balance %d, got %s", balance, ledger.Balance)
	}
	if !ledger.FrozenBalance.Equal(decimal.NewFromInt(frozen)) {
		t.Errorf("Expected frozen balance %d, got %s", frozen, ledger.FrozenBalance)
	}
}

// assertInvariant checks frozen_balance against the sum of pending reservations.
func (env *testEnv) assertInvariant(t *testing.T, userId string) {
	t.Helper()
	ledger := env.ledger(t, userId)
	pending, err := env.store.ListPendingReservations(context.Background(), userId)
	if err != nil {
		t.Fatalf("ListPendingReservations failed: %v", err)
	}
	sum := decimal.Zero
	for _, r := range pending {
		if !r.FrozenAmount.Equal(r.RequestedAmount) {
			t.Errorf("Pending reservation %s holds %s, requested %s", r.Id, r.FrozenAmount, r.RequestedAmount)
		}
		sum = sum.Add(r.FrozenAmount)
	}
	if !ledger.FrozenBalance.Equal(sum) {
		t.Errorf("Invariant violated: frozen_balance=%s, pending sum=%s", ledger.FrozenBalance, sum)
	}
	if ledger.FrozenBalance.IsNegative() {
		t.Errorf("Frozen balance went negative: %s", ledger.FrozenBalance)
	}
}

func (env *testEnv) freeze(t *testing.T, userId string, kind models.ReservationKind, amount int64, ttl time.Duration) *models.Reservation {
	t.Helper()
	r, err := env.engine.Freeze(context.Background(), FreezeParams{
		UserId:   userId,
		Kind:     kind,
		Amount:   decimal.NewFromInt(amount),
		Deadline: time.Now().Add(ttl),
	})
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	return r
}

func amountPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestFreezeThenCancel(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	env.fundedUser(t, "user1", 100)

	r1 := env.freeze(t, "user1", models.KindActivation, 30, 10*time.Minute)
	if r1.State != models.StatePending {
		t.Errorf("Expected pending, got %s", r1.State)
	}
	if !r1.FrozenAmount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected frozen amount 30, got %s", r1.FrozenAmount)
	}
	env.assertLedger(t, "user1", 100, 30)

	result, err := env.engine.Refund(ctx, r1.Id, models.ReasonUserCancelled)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if result.Idempotent {
		t.Errorf("Expected first refund to apply")
	}
	if result.Reservation.State != models.StateReleased || !result.Reservation.FrozenAmount.IsZero() {
		t.Errorf("Expected released with zero hold, got %s %s", result.Reservation.State, result.Reservation.FrozenAmount)
	}
	if result.Operation.Reason != models.ReasonUserCancelled {
		t.Errorf("Expected reason %s, got %s", models.ReasonUserCancelled, result.Operation.Reason)
	}
	env.assertLedger(t, "user1", 100, 0)
	env.assertInvariant(t, "user1")
}

func TestFreezeThenCommit(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	env.fundedUser(t, "user1", 100)
	r2 := env.freeze(t, "user1", models.KindRental, 50, 4*time.Hour)
	env.assertLedger(t, "user1", 100, 50)

	result, err := env.engine.Commit(context.Background(), r2.Id, amountPtr(50))
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result.Idempotent {
		t.Errorf("Expected first commit to apply")
	}
	if result.Reservation.State != models.StateSettled {
		t.Errorf("Expected settled, got %s", result.Reservation.State)
	}
	if !result.Reservation.ChargedAmount.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected charged 50, got %s", result.Reservation.ChargedAmount)
	}
	env.assertLedger(t, "user1", 50, 0)
	env.assertInvariant(t, "user1")

	states := env.publisher.states()
	if len(states) != 2 || states[0] != models.StatePending || states[1] != models.StateSettled {
		t.Errorf("Expected [pending settled] events, got %v", states)
	}
}

func TestFreeze_InsufficientFundsLeavesNoTrace(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	env.fundedUser(t, "user1", 100)
	opsBefore, _ := env.store.GetOperations(ctx, "user1", 100, 0)

	_, err := env.engine.Freeze(ctx, FreezeParams{
		UserId:   "user1",
		Kind:     models.KindActivation,
		Amount:   decimal.NewFromInt(120),
		Deadline: time.Now().Add(time.Minute),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got: %v", err)
	}

	env.assertLedger(t, "user1", 100, 0)
	pending, err := env.store.ListPendingReservations(ctx, "user1")
	if err != nil {
		t.Fatalf("ListPendingReservations failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no reservation, got %d", len(pending))
	}
	opsAfter, _ := env.store.GetOperations(ctx, "user1", 100, 0)
	if len(opsAfter) != len(opsBefore) {
		t.Errorf("Expected no new log entries, got %d -> %d", len(opsBefore), len(opsAfter))
	}
	if len(env.publisher.states()) != 0 {
		t.Errorf("Expected no events for rejected freeze")
	}
}

func TestFreeze_Validation(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	env.fundedUser(t, "user1", 100)
	deadline := time.Now().Add(time.Minute)

	tests := []struct {
		name   string
		params FreezeParams
		want   error
	}{
		{"zero amount", FreezeParams{"user1", models.KindActivation, decimal.Zero, deadline}, ErrInvalidAmount},
		{"negative amount", FreezeParams{"user1", models.KindActivation, decimal.NewFromInt(-5), deadline}, ErrInvalidAmount},
		{"unknown kind", FreezeParams{"user1", "voucher", decimal.NewFromInt(5), deadline}, ErrInvalidRequest},
		{"missing deadline", FreezeParams{"user1", models.KindRental, decimal.NewFromInt(5), time.Time{}}, ErrInvalidRequest},
		{"unknown user", FreezeParams{"ghost", models.KindRental, decimal.NewFromInt(5), deadline}, store.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Freeze(context.Background(), tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got: %v", tt.want, err)
			}
		})
	}
	env.assertLedger(t, "user1", 100, 0)
}

func TestCommitAndRefund_Idempotent(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	env.fundedUser(t, "user1", 100)
	r := env.freeze(t, "user1", models.KindActivation, 20, time.Minute)

	if _, err := env.engine.Commit(ctx, r.Id, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	opsAfterFirst, _ := env.store.GetReservationOperations(ctx, r.Id)

	second, err := env.engine.Commit(ctx, r.Id, nil)
	if err != nil {
		t.Fatalf("Second commit failed: %v", err)
	}
	if !second.Idempotent || second.Operation != nil {
		t.Errorf("Expected idempotent no-op, got %+v", second)
	}

	refund, err := env.engine.Refund(ctx, r.Id, models.ReasonExpired)
	if err != nil {
		t.Fatalf("Refund after commit failed: %v", err)
	}
	if !refund.Idempotent {
		t.Errorf("Expected refund after commit to be idempotent")
	}
	if refund.Reservation.State != models.StateSettled {
		t.Errorf("Expected state to stay settled, got %s", refund.Reservation.State)
	}

	opsAfterAll, _ := env.store.GetReservationOperations(ctx, r.Id)
	if len(opsAfterAll) != len(opsAfterFirst) {
		t.Errorf("Expected no log entries for no-ops, got %d -> %d", len(opsAfterFirst), len(opsAfterAll))
	}
	env.assertLedger(t, "user1", 80, 0)
}

func TestCommit_ActualAmountDiffersFromHold(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	env.fundedUser(t, "user1", 100)
	r := env.freeze(t, "user1", models.KindRental, 50, time.Hour)

	result, err := env.engine.Commit(ctx, r.Id, amountPtr(40))
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !result.Operation.FrozenBefore.Equal(decimal.NewFromInt(50)) || !result.Operation.FrozenAfter.IsZero() {
		t.Errorf("Expected full hold release 50 -> 0, got %s -> %s", result.Operation.FrozenBefore, result.Operation.FrozenAfter)
	}
	if result.Operation.Reason == "" {
		t.Errorf("Expected reason documenting the differing charge")
	}
	env.assertLedger(t, "user1", 60, 0)
}

func TestCommit_ActualAboveAvailableIsRejected(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	env.fundedUser(t, "user1", 100)
	r := env.freeze(t, "user1", models.KindRental, 50, time.Hour)
	env.freeze(t, "user1", models.KindActivation, 40, time.Hour)

	// Releasing the 50 hold leaves 100 - 40 = 60 available.
	_, err := env.engine.Commit(ctx, r.Id, amountPtr(70))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got: %v", err)
	}

	got, err := env.store.GetReservation(ctx, r.Id)
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if got.State != models.StatePending {
		t.Errorf("Expected reservation to stay pending, got %s", got.State)
	}
	env.assertLedger(t, "user1", 100, 90)

	if _, err := env.engine.Commit(ctx, r.Id, amountPtr(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for zero actual, got: %v", err)
	}
}

func TestCommitRefund_UnknownReservation(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := env.engine.Commit(ctx, "missing", nil); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("Expected ErrReservationNotFound, got: %v", err)
	}
	if _, err := env.engine.Refund(ctx, "missing", models.ReasonExpired); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("Expected ErrReservationNotFound, got: %v", err)
	}
	if _, err := env.engine.Refund(ctx, "missing", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for empty reason, got: %v", err)
	}
}

func TestRefund_RefusesToDriveFrozenNegative(t *testing.T) {
	env, cleanup := setupTestEngine(t)
	defer cleanup()

	ctx := context.Background()
	env.fundedUser(t, "user1", 100)
	r := env.freeze(t, "user1", models.KindActivation, 30, time.Minute)

	raw, err := sql.Open("sqlite3", env.dbPath+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("Failed to open raw connection: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Exec(`UPDATE user_ledgers SET frozen_balance = '10' WHERE user_id = 'user1'`); err != nil {
		t.Fatalf("Failed to simulate drift: %v", err)
	}

	_, err = env.engine.Refund(ctx, r.Id, models.ReasonExpired)
	if !errors.Is(err, ErrLedgerCorrupted) {
		t.Fatalf("Expected ErrLedgerCorrupted, got: %v", err)
	}

	got, _ := env.store.GetReservation(ctx, r.Id)
	if got.State != models.StatePending || !got.FrozenAmount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Expected reservation untouched, got %s %s", got.State, got.FrozenAmount)
	}
	env.assertLedger(t, "user1", 100, 10)
}
