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

package api

import (
	"context"
	"fmt"

	"sms-rental-ledger/internal/auditor"
	"sms-rental-ledger/internal/engine"
	"sms-rental-ledger/internal/listener"
	"sms-rental-ledger/internal/provider"
	"sms-rental-ledger/internal/store"
)

// LedgerService is the application layer behind the HTTP surface
type LedgerService struct {
	store     store.LedgerStore
	engine    *engine.Engine
	auditor   *auditor.Auditor
	providers *provider.Registry
	listener  *listener.ConfirmationListener
}

func NewLedgerService(
	s store.LedgerStore,
	eng *engine.Engine,
	aud *auditor.Auditor,
	providers *provider.Registry,
	l *listener.ConfirmationListener,
) *LedgerService {
	if providers == nil {
		providers = provider.NewRegistry()
	}
	return &LedgerService{
		store:     s,
		engine:    eng,
		auditor:   aud,
		providers: providers,
		listener:  l,
	}
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	_, err := s.store.ListUserIds(ctx)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
