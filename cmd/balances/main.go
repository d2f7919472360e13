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

package main

import (
	"context"
	"flag"
	"fmt"

	"sms-rental-ledger/internal/common"
	"sms-rental-ledger/internal/config"
	"sms-rental-ledger/internal/models"
	"sms-rental-ledger/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ledgerStats struct {
	totalUsers     int
	usersWithHolds int
	pendingCount   int
	totalBalance   decimal.Decimal
	totalFrozen    decimal.Decimal
}

func processUser(ctx context.Context, s store.LedgerStore, userId string) (*models.UserLedger, int, error) {
	ledger, err := s.GetLedger(ctx, userId)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get ledger: %w", err)
	}

	pending, err := s.ListPendingReservations(ctx, userId)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pending reservations: %w", err)
	}

	common.PrintLedger(ledger, pending)
	return ledger, len(pending), nil
}

func generateReport(ctx context.Context, s store.LedgerStore, userIds []string) ledgerStats {
	stats := ledgerStats{}

	for _, userId := range userIds {
		stats.totalUsers++

		ledger, pendingCount, err := processUser(ctx, s, userId)
		if err != nil {
			zap.L().Error("Failed to process user",
				zap.String("user_id", userId),
				zap.Error(err))
			continue
		}

		stats.totalBalance = stats.totalBalance.Add(ledger.Balance)
		stats.totalFrozen = stats.totalFrozen.Add(ledger.FrozenBalance)
		if pendingCount > 0 {
			stats.usersWithHolds++
			stats.pendingCount += pendingCount
		}
	}

	return stats
}

func printReservationHistory(ctx context.Context, s store.LedgerStore, reservationId string) error {
	r, err := s.GetReservation(ctx, reservationId)
	if err != nil {
		return err
	}
	ops, err := s.GetReservationOperations(ctx, reservationId)
	if err != nil {
		return err
	}

	common.PrintHeader("RESERVATION "+r.Id, common.WideWidth)
	fmt.Printf("User: %s  Kind: %s  State: %s  Requested: %s  Deadline: %s\n",
		r.UserId, r.Kind, r.State, r.RequestedAmount.StringFixed(4),
		r.Deadline.Format("2006-01-02 15:04:05Z07:00"))
	common.PrintSeparator("-", common.WideWidth)
	for i, op := range ops {
		fmt.Printf("%s%-26s %-10s %12s  balance %s -> %s  frozen %s -> %s  %s\n",
			common.BoxPrefix(i == len(ops)-1),
			op.CreatedAt.Format("2006-01-02 15:04:05.000"),
			op.Kind, op.Amount.StringFixed(4),
			op.BalanceBefore.StringFixed(4), op.BalanceAfter.StringFixed(4),
			op.FrozenBefore.StringFixed(4), op.FrozenAfter.StringFixed(4),
			op.Reason)
	}
	return nil
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "Filter by specific user id (optional)")
	reservationFlag := flag.String("reservation", "", "Print the operation history of one reservation instead of the ledger report")
	flag.Parse()

	zap.L().Info("Starting ledger report")

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	s, closeStore, err := common.InitializeStoreOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize ledger store", zap.Error(err))
	}
	defer closeStore()

	if *reservationFlag != "" {
		if err := printReservationHistory(ctx, s, *reservationFlag); err != nil {
			zap.L().Fatal("Failed to print reservation history",
				zap.String("reservation_id", *reservationFlag),
				zap.Error(err))
		}
		return
	}

	userIds, err := common.ResolveUserIds(ctx, s, *userFlag)
	if err != nil {
		zap.L().Fatal("Failed to resolve users", zap.Error(err))
	}

	common.PrintHeader("USER LEDGER REPORT", common.DefaultWidth)

	stats := generateReport(ctx, s, userIds)

	summary := fmt.Sprintf("SUMMARY: %d users, balance %s, frozen %s, %d pending reservations across %d users",
		stats.totalUsers,
		stats.totalBalance.StringFixed(4),
		stats.totalFrozen.StringFixed(4),
		stats.pendingCount,
		stats.usersWithHolds)
	common.PrintFooter(summary, common.DefaultWidth)

	zap.L().Info("Ledger report completed",
		zap.Int("users_queried", stats.totalUsers),
		zap.Int("users_with_holds", stats.usersWithHolds),
		zap.Int("pending_reservations", stats.pendingCount))
}
