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
	"errors"
	"flag"
	"fmt"

	"sms-rental-ledger/internal/common"
	"sms-rental-ledger/internal/config"
	"sms-rental-ledger/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "User id issued by the account system (default: generate a new UUID)")
	topUpFlag := flag.String("topup", "", "Optional initial top-up amount credited to the new ledger")
	referenceFlag := flag.String("reference", "", "Payment reference recorded with the top-up")
	flag.Parse()

	var topUp decimal.Decimal
	if *topUpFlag != "" {
		amount, err := decimal.NewFromString(*topUpFlag)
		if err != nil || !amount.IsPositive() {
			zap.L().Fatal("Invalid --topup, must be a positive decimal", zap.String("topup", *topUpFlag))
		}
		topUp = amount
	}

	userId := *userFlag
	if userId == "" {
		userId = uuid.New().String()
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	s, closeStore, err := common.InitializeStoreOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize ledger store", zap.Error(err))
	}
	defer closeStore()

	ledger, err := s.CreateUser(ctx, userId)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			zap.L().Fatal("User ledger already exists", zap.String("user_id", userId))
		}
		zap.L().Fatal("Failed to create user ledger", zap.Error(err))
	}

	if topUp.IsPositive() {
		reference := *referenceFlag
		if reference == "" {
			reference = "initial-topup"
		}
		op, err := s.TopUp(ctx, userId, topUp, reference)
		if err != nil {
			zap.L().Fatal("User created but top-up failed", zap.String("user_id", userId), zap.Error(err))
		}
		zap.L().Info("Initial top-up credited",
			zap.String("user_id", userId),
			zap.String("amount", topUp.String()),
			zap.String("operation_id", op.Id))

		if ledger, err = s.GetLedger(ctx, userId); err != nil {
			zap.L().Fatal("Failed to re-read ledger", zap.Error(err))
		}
	}

	fmt.Println()
	common.PrintHeader("USER LEDGER CREATED", common.DefaultWidth)
	fmt.Printf("ID:        %s\n", ledger.UserId)
	fmt.Printf("Balance:   %s\n", ledger.Balance.StringFixed(4))
	fmt.Printf("Available: %s\n", ledger.Available().StringFixed(4))
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()

	zap.L().Info("User ledger created successfully", zap.String("user_id", ledger.UserId))
}
