package service

import (
	"fmt"

	"floryn/internal/store"
)

// ShortfallError names one line item that cannot be covered by stock.
type ShortfallError struct {
	FlowerID   string
	FlowerName string
	Requested  int
	Available  int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d", e.FlowerName, e.Requested, e.Available)
}

func (e *ShortfallError) Unwrap() error {
	return store.ErrInsufficientStock
}
