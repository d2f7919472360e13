package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sms-rental-ledger/internal/models"
)

var (
	// ErrOrderRejected means the provider refused to create the order (no numbers, price cap, bad service).
	ErrOrderRejected = errors.New("provider rejected order")
	ErrOrderNotFound = errors.New("provider order not found")
	// ErrUnavailable covers transport failures and 5xx answers; the caller may retry.
	ErrUnavailable     = errors.New("provider unavailable")
	ErrUnknownProvider = errors.New("unknown provider")
)

// Order statuses reported by providers.
const (
	StatusWaiting         = "waiting"
	StatusCodeReceived    = "code_received"
	StatusMessageReceived = "message_received"
	StatusNoNumbers       = "no_numbers"
	StatusCancelled       = "cancelled"
	StatusBanned          = "banned"
	StatusFailed          = "failed"
	StatusTimeout         = "timeout"
)

var failureStatuses = map[string]bool{
	StatusNoNumbers: true,
	StatusCancelled: true,
	StatusBanned:    true,
	StatusFailed:    true,
	StatusTimeout:   true,
}

// IsFailureStatus reports whether status is a terminal provider failure.
func IsFailureStatus(status string) bool {
	return failureStatuses[strings.ToLower(status)]
}

// Client is one SMS number provider.
type Client interface {
	Name() string
	CreateOrder(ctx context.Context, req models.OrderRequest) (*models.ProviderOrder, error)
	GetOrder(ctx context.Context, orderId string) (*models.ProviderOrder, error)
	CancelOrder(ctx context.Context, orderId string) error
}

// Registry resolves providers by name.
type Registry struct {
	clients map[string]Client
	configs map[string]models.ProviderConfig
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
		configs: make(map[string]models.ProviderConfig),
	}
}

func (r *Registry) Register(cfg models.ProviderConfig, client Client) {
	r.clients[cfg.Name] = client
	r.configs[cfg.Name] = cfg
}

func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return c, nil
}

func (r *Registry) Config(name string) (models.ProviderConfig, bool) {
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Polled returns the providers configured for status polling.
func (r *Registry) Polled() []Client {
	var out []Client
	for name, cfg := range r.configs {
		if cfg.Poll {
			out = append(out, r.clients[name])
		}
	}
	return out
}

// DefaultDuration returns the configured lifetime for kind, falling back to
// 20 minutes for activations and 4 hours for rentals.
func (r *Registry) DefaultDuration(name string, kind models.ReservationKind) time.Duration {
	cfg := r.configs[name]
	switch kind {
	case models.KindActivation:
		if cfg.ActivationDuration > 0 {
			return cfg.ActivationDuration
		}
		return 20 * time.Minute
	default:
		if cfg.RentalDuration > 0 {
			return cfg.RentalDuration
		}
		return 4 * time.Hour
	}
}

// EventType classifies a raw provider status.
func EventType(status string) models.ProviderEventType {
	switch s := strings.ToLower(status); {
	case s == StatusCodeReceived:
		return models.EventCodeReceived
	case s == StatusMessageReceived:
		return models.EventMessageReceived
	case failureStatuses[s]:
		return models.EventFailed
	default:
		return models.EventWaiting
	}
}

// EventFromOrder converts a polled order into a confirmation event.
func EventFromOrder(providerName string, order *models.ProviderOrder) models.ProviderEvent {
	receivedAt := order.UpdatedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return models.ProviderEvent{
		Provider:   providerName,
		OrderId:    order.OrderId,
		Type:       EventType(order.Status),
		Status:     order.Status,
		Code:       order.Code,
		Text:       order.Text,
		Amount:     order.Price,
		ReceivedAt: receivedAt,
	}
}
