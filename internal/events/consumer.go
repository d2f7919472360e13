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

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sms-rental-ledger/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrMalformedEvent marks a delivery that can never be processed. Such
// deliveries are rejected without requeue.
var ErrMalformedEvent = errors.New("malformed provider event")

// EventHandler applies one provider confirmation to the ledger.
type EventHandler func(ctx context.Context, event models.ProviderEvent) error

// Consumer reads provider confirmations pushed onto a RabbitMQ queue.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	handler  EventHandler

	maxBackoff time.Duration
}

func NewConsumer(url, queue string, prefetch int, handler EventHandler) *Consumer {
	if prefetch <= 0 {
		prefetch = 50
	}
	return &Consumer{
		url:        url,
		queue:      queue,
		prefetch:   prefetch,
		handler:    handler,
		maxBackoff: 30 * time.Second,
	}
}

// Run dials the broker and consumes until ctx is cancelled, reconnecting with
// exponential backoff whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			zap.L().Warn("Confirmation consumer failed to dial broker",
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		zap.L().Warn("Confirmation consume loop ended, reconnecting", zap.Error(err))
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		zap.L().Warn("Failed to set consumer QoS", zap.Error(err))
	}

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	zap.L().Info("Confirmation consumer started", zap.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	c.handleDelivery(ctx, d.Body, d.Redelivered, &d)
}

// handleDelivery acks on success, drops malformed payloads and requeues
// transient failures once; a redelivered message that fails again is dropped.
func (c *Consumer) handleDelivery(ctx context.Context, body []byte, redelivered bool, ack acknowledger) {
	event, err := DecodeProviderEvent(body)
	if err == nil {
		err = c.handler(ctx, event)
	}

	switch {
	case err == nil:
		_ = ack.Ack(false)
	case errors.Is(err, ErrMalformedEvent):
		zap.L().Warn("Dropping malformed provider event", zap.Error(err))
		_ = ack.Nack(false, false)
	default:
		zap.L().Error("Failed to apply provider event",
			zap.String("provider", event.Provider),
			zap.String("order_id", event.OrderId),
			zap.Bool("redelivered", redelivered),
			zap.Error(err))
		_ = ack.Nack(false, !redelivered)
	}
}

// DecodeProviderEvent parses and validates a JSON provider event.
func DecodeProviderEvent(body []byte) (models.ProviderEvent, error) {
	var event models.ProviderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ValidateProviderEvent(&event); err != nil {
		return event, err
	}
	return event, nil
}

// ValidateProviderEvent checks the required fields and stamps ReceivedAt when missing.
func ValidateProviderEvent(event *models.ProviderEvent) error {
	if event.Provider == "" || event.OrderId == "" {
		return fmt.Errorf("%w: provider and order_id are required", ErrMalformedEvent)
	}
	if event.Type == "" && event.Status == "" {
		return fmt.Errorf("%w: type or status is required", ErrMalformedEvent)
	}
	if event.Amount != nil && !event.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrMalformedEvent)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
