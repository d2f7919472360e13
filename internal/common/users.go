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

package common

import (
	"context"
	"fmt"
	"sort"

	"sms-rental-ledger/internal/store"

	"go.uber.org/zap"
)

// ResolveUserIds returns the single requested user, after checking it exists,
// or every user when userFilter is empty.
func ResolveUserIds(ctx context.Context, s store.LedgerStore, userFilter string) ([]string, error) {
	if userFilter != "" {
		zap.L().Info("Looking up user", zap.String("user_id", userFilter))
		if _, err := s.GetLedger(ctx, userFilter); err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
		return []string{userFilter}, nil
	}

	userIds, err := s.ListUserIds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	sort.Strings(userIds)

	zap.L().Info("Retrieved users", zap.Int("count", len(userIds)))
	return userIds, nil
}
