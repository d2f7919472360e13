package store

import (
	"context"
	"errors"
	"time"

	"sms-rental-ledger/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrUserNotFound        = errors.New("user ledger not found")
	ErrUserExists          = errors.New("user ledger already exists")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrDuplicateOrder      = errors.New("provider order already attached to a reservation")
	ErrReservationNotOpen  = errors.New("reservation is not pending")
)

// ExpiryCursor resumes an expiry scan strictly after the last (deadline, id)
// returned. The zero value starts from the oldest deadline.
type ExpiryCursor struct {
	Deadline time.Time
	Id       string
}

// NewReservationParams contains the fields of a reservation created by freeze.
type NewReservationParams struct {
	Id       string
	UserId   string
	Kind     models.ReservationKind
	Amount   decimal.Decimal
	Deadline time.Time
	Now      time.Time
}

// FinalizeParams moves a pending reservation to a terminal state.
type FinalizeParams struct {
	ReservationId string
	State         models.ReservationState
	ChargedAmount decimal.Decimal
	Reason        string
	Now           time.Time
}

// AppendOperationParams describes one ledger operation log row.
type AppendOperationParams struct {
	UserId        string
	ReservationId string
	Kind          models.OperationKind
	Amount        decimal.Decimal
	Before        models.UserLedger
	After         models.UserLedger
	Reason        string
	Now           time.Time
}

// LedgerTx is the view of the store available while the user's ledger row is
// exclusively locked. Every method runs inside the same database transaction.
type LedgerTx interface {
	// Ledger returns the locked ledger row.
	Ledger(ctx context.Context) (*models.UserLedger, error)
	// Reservation re-reads a reservation owned by the locked user.
	Reservation(ctx context.Context, reservationId string) (*models.Reservation, error)
	// PendingFrozenSum is the sum of frozen_amount over pending reservations of the locked user.
	PendingFrozenSum(ctx context.Context) (decimal.Decimal, int, error)
	InsertReservation(ctx context.Context, params NewReservationParams) (*models.Reservation, error)
	// FinalizeReservation transitions the reservation only if it is still pending
	// and reports whether a row changed.
	FinalizeReservation(ctx context.Context, params FinalizeParams) (bool, error)
	UpdateLedger(ctx context.Context, balance, frozen decimal.Decimal, now time.Time) error
	AppendOperation(ctx context.Context, params AppendOperationParams) (*models.LedgerOperation, error)
}

// LedgerStore defines the contract that every backend (SQLite, Postgres) must satisfy.
type LedgerStore interface {
	// --- Users ---
	CreateUser(ctx context.Context, userId string) (*models.UserLedger, error)
	GetLedger(ctx context.Context, userId string) (*models.UserLedger, error)
	ListUserIds(ctx context.Context) ([]string, error)
	TopUp(ctx context.Context, userId string, amount decimal.Decimal, reference string) (*models.LedgerOperation, error)

	// --- Reservations ---
	GetReservation(ctx context.Context, reservationId string) (*models.Reservation, error)
	FindReservationByOrder(ctx context.Context, provider, orderId string) (*models.Reservation, error)
	ListPendingReservations(ctx context.Context, userId string) ([]models.Reservation, error)
	ListExpiredReservations(ctx context.Context, kind models.ReservationKind, now time.Time, after ExpiryCursor, limit int) ([]models.Reservation, error)
	ListPendingWithOrders(ctx context.Context, provider string, limit int) ([]models.Reservation, error)
	ListAnomalousReservations(ctx context.Context, userId string) ([]models.Reservation, error)
	AttachProviderOrder(ctx context.Context, reservationId, provider, orderId string) error

	// --- Operation log ---
	GetOperations(ctx context.Context, userId string, limit, offset int) ([]models.LedgerOperation, error)
	GetReservationOperations(ctx context.Context, reservationId string) ([]models.LedgerOperation, error)

	// --- Locking ---
	WithUserLock(ctx context.Context, userId string, fn func(tx LedgerTx) error) error

	// --- Lifecycle ---
	Close()
}
