package database

import (
	"context"
	"errors"
	"testing"

	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/shopspring/decimal"
)

func TestCreateUser(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()

	ledger, err := service.CreateUser(ctx, "user1")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if !ledger.Balance.IsZero() || !ledger.FrozenBalance.IsZero() {
		t.Errorf("Expected empty ledger, got balance=%s frozen=%s", ledger.Balance, ledger.FrozenBalance)
	}

	_, err = service.CreateUser(ctx, "user1")
	if !errors.Is(err, store.ErrUserExists) {
		t.Errorf("Expected ErrUserExists, got: %v", err)
	}

	ids, err := service.ListUserIds(ctx)
	if err != nil {
		t.Fatalf("ListUserIds failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "user1" {
		t.Errorf("Expected [user1], got %v", ids)
	}
}

func TestGetLedger_UnknownUser(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	_, err := service.GetLedger(context.Background(), "ghost")
	if !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got: %v", err)
	}
}

func TestTopUp(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := service.CreateUser(ctx, "user1"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	op, err := service.TopUp(ctx, "user1", decimal.NewFromInt(100), "gateway-tx-1")
	if err != nil {
		t.Fatalf("TopUp failed: %v", err)
	}
	if op.Kind != models.OpTopUp {
		t.Errorf("Expected topup operation, got %s", op.Kind)
	}
	if !op.BalanceBefore.IsZero() || !op.BalanceAfter.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected balance 0 -> 100, got %s -> %s", op.BalanceBefore, op.BalanceAfter)
	}

	ledger, err := service.GetLedger(ctx, "user1")
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if !ledger.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected balance 100, got %s", ledger.Balance)
	}
	if !ledger.FrozenBalance.IsZero() {
		t.Errorf("Expected frozen balance 0, got %s", ledger.FrozenBalance)
	}

	if _, err := service.TopUp(ctx, "user1", decimal.Zero, "bad"); err == nil {
		t.Errorf("Expected error for zero top-up")
	}
	if _, err := service.TopUp(ctx, "ghost", decimal.NewFromInt(5), "bad"); !errors.Is(err, store.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got: %v", err)
	}
}
