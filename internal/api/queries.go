package api

import (
	"context"
	"errors"
	"fmt"

	"sms-rental-ledger/internal/engine"
	"sms-rental-ledger/internal/listener"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerView is a user's ledger with its outstanding holds.
type LedgerView struct {
	UserId        string               `json:"user_id"`
	Balance       decimal.Decimal      `json:"balance"`
	FrozenBalance decimal.Decimal      `json:"frozen_balance"`
	Available     decimal.Decimal      `json:"available"`
	Pending       []models.Reservation `json:"pending"`
}

func (s *LedgerService) GetReservation(ctx context.Context, reservationId string) (*models.Reservation, error) {
	r, err := s.store.GetReservation(ctx, reservationId)
	if err != nil {
		if errors.Is(err, store.ErrReservationNotFound) {
			return nil, fmt.Errorf("%w: %s", engine.ErrReservationNotFound, reservationId)
		}
		return nil, err
	}
	return r, nil
}

func (s *LedgerService) GetReservationOperations(ctx context.Context, reservationId string) ([]models.LedgerOperation, error) {
	return s.store.GetReservationOperations(ctx, reservationId)
}

// GetLedger returns the user's balance, frozen balance and pending reservations
func (s *LedgerService) GetLedger(ctx context.Context, userId string) (*LedgerView, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", engine.ErrInvalidRequest)
	}

	ledger, err := s.store.GetLedger(ctx, userId)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListPendingReservations(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to list pending reservations", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve pending reservations: %w", err)
	}
	if pending == nil {
		pending = []models.Reservation{}
	}

	return &LedgerView{
		UserId:        ledger.UserId,
		Balance:       ledger.Balance,
		FrozenBalance: ledger.FrozenBalance,
		Available:     ledger.Available(),
		Pending:       pending,
	}, nil
}

// GetOperations returns paginated ledger operations for a user
func (s *LedgerService) GetOperations(ctx context.Context, userId string, limit, offset int) ([]models.LedgerOperation, error) {
	if userId == "" {
		return nil, fmt.Errorf("%w: user_id is required", engine.ErrInvalidRequest)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	if _, err := s.store.GetLedger(ctx, userId); err != nil {
		return nil, err
	}
	return s.store.GetOperations(ctx, userId, limit, offset)
}

func (s *LedgerService) HandleProviderEvent(ctx context.Context, event models.ProviderEvent) (listener.Outcome, error) {
	if s.listener == nil {
		return listener.OutcomeFailed, fmt.Errorf("confirmation listener not configured")
	}
	return s.listener.Handle(ctx, event)
}

func (s *LedgerService) CheckDrift(ctx context.Context, userId string) ([]models.DriftReport, error) {
	if userId != "" {
		report, err := s.auditor.CheckUser(ctx, userId)
		if err != nil {
			return nil, err
		}
		return []models.DriftReport{*report}, nil
	}
	return s.auditor.CheckAll(ctx)
}

func (s *LedgerService) CorrectDrift(ctx context.Context, userId, actor string) (*models.DriftReport, error) {
	return s.auditor.Correct(ctx, userId, actor)
}
