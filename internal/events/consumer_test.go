package events

import (
	"context"
	"errors"
	"testing"

	"sms-rental-ledger/internal/models"
)

type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAck) Ack(bool) error { f.acked = true; return nil }
func (f *fakeAck) Nack(_ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func TestDecodeProviderEvent(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantError bool
	}{
		{"valid code", `{"provider":"smshub","order_id":"o1","type":"code_received","code":"1234"}`, false},
		{"valid status only", `{"provider":"smshub","order_id":"o1","status":"cancelled"}`, false},
		{"missing order", `{"provider":"smshub","type":"code_received"}`, true},
		{"missing type and status", `{"provider":"smshub","order_id":"o1"}`, true},
		{"negative amount", `{"provider":"smshub","order_id":"o1","type":"code_received","amount":"-3"}`, true},
		{"not json", `code=1234`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := DecodeProviderEvent([]byte(tt.body))
			if tt.wantError {
				if !errors.Is(err, ErrMalformedEvent) {
					t.Errorf("Expected ErrMalformedEvent, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeProviderEvent failed: %v", err)
			}
			if event.ReceivedAt.IsZero() {
				t.Errorf("Expected received_at to default to now")
			}
		})
	}
}

func TestHandleDelivery_AckPolicy(t *testing.T) {
	transient := errors.New("database is locked")
	valid := []byte(`{"provider":"smshub","order_id":"o1","type":"code_received"}`)

	tests := []struct {
		name        string
		body        []byte
		handlerErr  error
		redelivered bool
		wantAck     bool
		wantRequeue bool
	}{
		{"success", valid, nil, false, true, false},
		{"malformed", []byte(`{}`), nil, false, false, false},
		{"transient first delivery", valid, transient, false, false, true},
		{"transient redelivery", valid, transient, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *models.ProviderEvent
			c := NewConsumer("amqp://unused", "q", 0, func(_ context.Context, e models.ProviderEvent) error {
				seen = &e
				return tt.handlerErr
			})

			ack := &fakeAck{}
			c.handleDelivery(context.Background(), tt.body, tt.redelivered, ack)

			if ack.acked != tt.wantAck {
				t.Errorf("Expected acked=%v, got %v", tt.wantAck, ack.acked)
			}
			if !tt.wantAck && !ack.nacked {
				t.Errorf("Expected delivery to be nacked")
			}
			if ack.requeue != tt.wantRequeue {
				t.Errorf("Expected requeue=%v, got %v", tt.wantRequeue, ack.requeue)
			}
			if tt.name == "malformed" && seen != nil {
				t.Errorf("Handler must not run for malformed payloads")
			}
		})
	}
}
