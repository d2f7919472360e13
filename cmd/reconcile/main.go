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

	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	userFlag := flag.String("user", "", "Check a single user id (default: every user)")
	fixFlag := flag.Bool("fix", false, "Correct drifted users by rewriting frozen_balance and appending a reconciliation adjustment")
	actorFlag := flag.String("actor", "", "Operator recorded on corrections (required with --fix)")
	flag.Parse()

	if *fixFlag && *actorFlag == "" {
		zap.L().Fatal("--actor is required with --fix")
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	userIds, err := common.ResolveUserIds(ctx, services.Store, *userFlag)
	if err != nil {
		zap.L().Fatal("Failed to resolve users", zap.Error(err))
	}

	title := "RECONCILIATION REPORT"
	if *fixFlag {
		title = "RECONCILIATION REPORT (CORRECTION MODE)"
	}
	common.PrintHeader(title, common.WideWidth)

	var drifted, corrected, anomalies, failed int
	for _, userId := range userIds {
		report, err := services.Auditor.CheckUser(ctx, userId)
		if err != nil {
			zap.L().Error("Failed to check user", zap.String("user_id", userId), zap.Error(err))
			failed++
			continue
		}

		if report.Drifted && *fixFlag {
			var fixed *models.DriftReport
			fixed, err = services.Auditor.Correct(ctx, userId, *actorFlag)
			if err != nil {
				zap.L().Error("Failed to correct user", zap.String("user_id", userId), zap.Error(err))
				failed++
			} else {
				report = fixed
			}
		}

		if report.Drifted {
			drifted++
		}
		if report.Corrected {
			corrected++
		}
		anomalies += len(report.Anomalies)
		common.PrintDriftReport(*report)
	}

	summary := fmt.Sprintf("SUMMARY: %d users checked, %d drifted, %d corrected, %d anomalous reservations, %d errors",
		len(userIds), drifted, corrected, anomalies, failed)
	common.PrintFooter(summary, common.WideWidth)

	zap.L().Info("Reconciliation completed",
		zap.Int("users", len(userIds)),
		zap.Int("drifted", drifted),
		zap.Int("corrected", corrected),
		zap.Int("anomalies", anomalies),
		zap.Int("errors", failed))

	if drifted > corrected {
		zap.L().Warn("Drift left uncorrected, re-run with --fix --actor to correct",
			zap.Int("uncorrected", drifted-corrected))
	}
}
