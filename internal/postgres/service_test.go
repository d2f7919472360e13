package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewService_InvalidConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewService(ctx, models.DatabaseConfig{MaxOpenConns: 1, PingTimeout: time.Second}); err == nil {
		t.Errorf("Expected error for empty dsn")
	}
	if _, err := NewService(ctx, models.DatabaseConfig{DSN: "postgres://localhost/x", PingTimeout: time.Second}); err == nil {
		t.Errorf("Expected error for zero max open conns")
	}
}

// setupTestDb connects to LEDGER_TEST_POSTGRES_DSN; the integration tests are
// skipped when it is not set.
func setupTestDb(t *testing.T) (*Service, func()) {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}

	service, err := NewService(context.Background(), models.DatabaseConfig{
		DSN:          dsn,
		MaxOpenConns: 8,
		PingTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	return service, service.Close
}

func TestWithUserLock_FreezeAndRelease(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	userId := "pg-" + uuid.New().String()
	if _, err := service.CreateUser(ctx, userId); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := service.TopUp(ctx, userId, decimal.NewFromInt(100), "seed"); err != nil {
		t.Fatalf("TopUp failed: %v", err)
	}

	var reservation *models.Reservation
	err := service.WithUserLock(ctx, userId, func(tx store.LedgerTx) error {
		var err error
		reservation, err = tx.InsertReservation(ctx, store.NewReservationParams{
			UserId:   userId,
			Kind:     models.KindActivation,
			Amount:   decimal.NewFromInt(30),
			Deadline: time.Now().Add(time.Minute),
			Now:      time.Now(),
		})
		if err != nil {
			return err
		}
		sum, count, err := tx.PendingFrozenSum(ctx)
		if err != nil {
			return err
		}
		if !sum.Equal(decimal.NewFromInt(30)) || count != 1 {
			t.Errorf("Expected pending sum 30 over 1 reservation, got %s over %d", sum, count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithUserLock failed: %v", err)
	}

	err = service.WithUserLock(ctx, userId, func(tx store.LedgerTx) error {
		changed, err := tx.FinalizeReservation(ctx, store.FinalizeParams{
			ReservationId: reservation.Id,
			State:         models.StateReleased,
			Reason:        models.ReasonUserCancelled,
			Now:           time.Now(),
		})
		if err != nil {
			return err
		}
		if !changed {
			t.Errorf("Expected reservation to transition")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithUserLock failed: %v", err)
	}

	got, err := service.GetReservation(ctx, reservation.Id)
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if got.State != models.StateReleased || !got.FrozenAmount.IsZero() {
		t.Errorf("Expected released with zero frozen amount, got %s %s", got.State, got.FrozenAmount)
	}
}
