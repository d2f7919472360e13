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

// ProviderEventType classifies a confirmation coming from an SMS provider.
type ProviderEventType string

const (
	// EventCodeReceived is a verification code delivered for an activation.
	EventCodeReceived ProviderEventType = "code_received"
	// EventMessageReceived is a message delivered to a rented number.
	EventMessageReceived ProviderEventType = "message_received"
	// EventFailed is a terminal failure reported by the provider.
	EventFailed ProviderEventType = "failed"
	// EventWaiting means the provider has nothing new yet.
	EventWaiting ProviderEventType = "waiting"
)

// ProviderEvent is an at-least-once confirmation or failure for one provider order.
type ProviderEvent struct {
	EventId    string            `json:"event_id"`
	Provider   string            `json:"provider"`
	OrderId    string            `json:"order_id"`
	Type       ProviderEventType `json:"type"`
	Status     string            `json:"status,omitempty"`
	Code       string            `json:"code,omitempty"`
	Text       string            `json:"text,omitempty"`
	Amount     *decimal.Decimal  `json:"amount,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// DedupKey identifies the event for the processed-event cache.
func (e ProviderEvent) DedupKey() string {
	if e.EventId != "" {
		return e.Provider + ":" + e.EventId
	}
	return e.Provider + ":" + e.OrderId + ":" + string(e.Type)
}

// ProviderOrder is the provider-side view of a number order.
type ProviderOrder struct {
	OrderId     string           `json:"order_id"`
	Status      string           `json:"status"`
	PhoneNumber string           `json:"phone_number,omitempty"`
	Code        string           `json:"code,omitempty"`
	Text        string           `json:"text,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// OrderRequest asks a provider for a number.
type OrderRequest struct {
	ReservationId string          `json:"reservation_id"`
	Kind          ReservationKind `json:"kind"`
	Service       string          `json:"service"`
	Country       string          `json:"country"`
	Duration      time.Duration   `json:"-"`
	MaxPrice      decimal.Decimal `json:"max_price"`
}
