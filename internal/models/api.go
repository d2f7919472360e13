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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommitResult is returned by the engine's commit operation.
// Idempotent is true when the reservation was already terminal and nothing changed.
type CommitResult struct {
	Reservation *Reservation     `json:"reservation"`
	Operation   *LedgerOperation `json:"operation,omitempty"`
	Idempotent  bool             `json:"idempotent"`
}

// RefundResult is returned by the engine's refund operation.
type RefundResult struct {
	Reservation *Reservation     `json:"reservation"`
	Operation   *LedgerOperation `json:"operation,omitempty"`
	Idempotent  bool             `json:"idempotent"`
}

// DriftReport describes the reconciliation state of one user ledger.
type DriftReport struct {
	UserId         string           `json:"user_id"`
	StoredFrozen   decimal.Decimal  `json:"stored_frozen"`
	ExpectedFrozen decimal.Decimal  `json:"expected_frozen"`
	Difference     decimal.Decimal  `json:"difference"` // expected - stored, signed
	AbsDifference  decimal.Decimal  `json:"abs_difference"`
	PendingCount   int              `json:"pending_count"`
	Drifted        bool             `json:"drifted"`
	Corrected      bool             `json:"corrected"`
	Anomalies      []Anomaly        `json:"anomalies,omitempty"`
	Adjustment     *LedgerOperation `json:"adjustment,omitempty"`
	CheckedAt      time.Time        `json:"checked_at"`
}

// Anomaly is a reservation whose state and frozen amount disagree.
type Anomaly struct {
	ReservationId string           `json:"reservation_id"`
	State         ReservationState `json:"state"`
	FrozenAmount  decimal.Decimal  `json:"frozen_amount"`
	Description   string           `json:"description"`
}

// ReservationEvent is published after a reservation transition commits.
type ReservationEvent struct {
	ReservationId string           `json:"reservation_id"`
	UserId        string           `json:"user_id"`
	Kind          ReservationKind  `json:"kind"`
	State         ReservationState `json:"state"`
	Amount        decimal.Decimal  `json:"amount"`
	Reason        string           `json:"reason,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}
