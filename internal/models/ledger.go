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

// ReservationKind tags what a reservation pays for.
type ReservationKind string

const (
	// KindActivation is a single verification code with a short fixed deadline.
	KindActivation ReservationKind = "activation"
	// KindRental is a time-boxed number that may receive several messages.
	KindRental ReservationKind = "rental"
)

// Valid reports whether k is a known reservation kind.
func (k ReservationKind) Valid() bool {
	return k == KindActivation || k == KindRental
}

// ReservationState is the lifecycle state of a reservation.
// Settled and released are terminal.
type ReservationState string

const (
	StatePending  ReservationState = "pending"
	StateSettled  ReservationState = "settled"
	StateReleased ReservationState = "released"
)

// Terminal reports whether no further transition is possible from s.
func (s ReservationState) Terminal() bool {
	return s == StateSettled || s == StateReleased
}

// OperationKind identifies a ledger operation log entry.
type OperationKind string

const (
	OpFreeze                   OperationKind = "freeze"
	OpCommit                   OperationKind = "commit"
	OpRefund                   OperationKind = "refund"
	OpTopUp                    OperationKind = "topup"
	OpReconciliationAdjustment OperationKind = "reconciliation_adjustment"
)

// Refund reasons
const (
	ReasonUserCancelled    = "user_cancelled"
	ReasonExpired          = "expired"
	ReasonProviderFailure  = "provider_failure"
	ReasonProviderRejected = "provider_rejected"
	ReasonReconciliation   = "reconciliation_adjustment"
)

// UserLedger is the per-user balance record (hot data)
type UserLedger struct {
	UserId        string          `db:"user_id" json:"user_id"`
	Balance       decimal.Decimal `db:"balance" json:"balance"`
	FrozenBalance decimal.Decimal `db:"frozen_balance" json:"frozen_balance"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Available returns the funds that can still be reserved.
func (l UserLedger) Available() decimal.Decimal {
	return l.Balance.Sub(l.FrozenBalance)
}

// Reservation is one outstanding or finished hold against a user's funds.
// FrozenAmount equals RequestedAmount while pending and is zero once terminal.
type Reservation struct {
	Id              string           `db:"id" json:"id"`
	UserId          string           `db:"user_id" json:"user_id"`
	Kind            ReservationKind  `db:"kind" json:"kind"`
	RequestedAmount decimal.Decimal  `db:"requested_amount" json:"requested_amount"`
	FrozenAmount    decimal.Decimal  `db:"frozen_amount" json:"frozen_amount"`
	ChargedAmount   decimal.Decimal  `db:"charged_amount" json:"charged_amount"`
	State           ReservationState `db:"state" json:"state"`
	Deadline        time.Time        `db:"deadline" json:"deadline"`
	Provider        string           `db:"provider" json:"provider,omitempty"`
	ProviderOrderId string           `db:"provider_order_id" json:"provider_order_id,omitempty"`
	Reason          string           `db:"reason" json:"reason,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	TerminalAt      *time.Time       `db:"terminal_at" json:"terminal_at,omitempty"`
}

// LedgerOperation is an immutable audit log row. Every mutation of a user
// ledger appends exactly one.
type LedgerOperation struct {
	Id            string          `db:"id" json:"id"`
	UserId        string          `db:"user_id" json:"user_id"`
	ReservationId string          `db:"reservation_id" json:"reservation_id,omitempty"`
	Kind          OperationKind   `db:"operation_kind" json:"operation_kind"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before" json:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after" json:"balance_after"`
	FrozenBefore  decimal.Decimal `db:"frozen_before" json:"frozen_before"`
	FrozenAfter   decimal.Decimal `db:"frozen_after" json:"frozen_after"`
	Reason        string          `db:"reason" json:"reason,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
