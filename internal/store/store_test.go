package store

import (
	"errors"
	"fmt"
	"testing"
)

// Compile-time checks that the interfaces are importable and usable.
func TestLedgerStoreInterfaceExists(t *testing.T) {
	_ = NewReservationParams{}
	_ = FinalizeParams{}
	_ = AppendOperationParams{}

	var _ LedgerStore
	var _ LedgerTx
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	sentinels := []error{
		ErrUserNotFound,
		ErrUserExists,
		ErrReservationNotFound,
		ErrDuplicateOrder,
		ErrReservationNotOpen,
	}

	for _, sentinel := range sentinels {
		wrapped := fmt.Errorf("backend failure: %w", sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("Expected wrapped error to match %v", sentinel)
		}
		for _, other := range sentinels {
			if other != sentinel && errors.Is(wrapped, other) {
				t.Errorf("Sentinel %v unexpectedly matches %v", sentinel, other)
			}
		}
	}
}
