package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidBatch = errors.New("invalid batch")

// Batch is one received delivery lot of a flower. Batches are never
// deleted; a drained or expired batch is only deactivated.
type Batch struct {
	ID                string          `json:"id"`
	FlowerID          string          `json:"flower_id"`
	QuantityReceived  int             `json:"quantity_received"`
	QuantityRemaining int             `json:"quantity_remaining"`
	DateReceived      time.Time       `json:"date_received"`
	ExpiryDate        time.Time       `json:"expiry_date"`
	FreshnessStatus   FreshnessStatus `json:"freshness_status"`
	Active            bool            `json:"active"`
	CreatedAt         time.Time       `json:"created_at"`
}

// NewBatch builds a full, active batch and validates it. Dates are truncated
// to calendar days.
func NewBatch(flowerID string, quantity int, dateReceived time.Time, expiryDate time.Time, now time.Time) (Batch, error) {
	batch := Batch{
		FlowerID:          flowerID,
		QuantityReceived:  quantity,
		QuantityRemaining: quantity,
		DateReceived:      DateOnly(dateReceived),
		ExpiryDate:        DateOnly(expiryDate),
		FreshnessStatus:   FreshnessFresh,
		Active:            quantity > 0,
		CreatedAt:         now.UTC(),
	}
	if err := batch.Validate(); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

func (b Batch) Validate() error {
	if b.QuantityReceived < 1 {
		return fmt.Errorf("%w: quantity received must be greater than zero", ErrInvalidBatch)
	}
	if b.QuantityRemaining < 0 {
		return fmt.Errorf("%w: remaining quantity cannot be negative", ErrInvalidBatch)
	}
	if b.QuantityRemaining > b.QuantityReceived {
		return fmt.Errorf("%w: remaining quantity exceeds quantity received", ErrInvalidBatch)
	}
	if b.DateReceived.IsZero() || b.ExpiryDate.IsZero() {
		return fmt.Errorf("%w: date received and expiry date are required", ErrInvalidBatch)
	}
	if !DateOnly(b.ExpiryDate).After(DateOnly(b.DateReceived)) {
		return fmt.Errorf("%w: expiry date must be after the date received", ErrInvalidBatch)
	}
	return nil
}

// SetRemaining clamps at zero and deactivates an emptied batch.
func (b *Batch) SetRemaining(quantity int) {
	if quantity < 0 {
		quantity = 0
	}
	b.QuantityRemaining = quantity
	if b.QuantityRemaining == 0 {
		b.Active = false
	}
}

// Deduct removes up to amount units and returns how many were removed.
func (b *Batch) Deduct(amount int) int {
	if amount <= 0 {
		return 0
	}
	taken := min(amount, b.QuantityRemaining)
	b.SetRemaining(b.QuantityRemaining - taken)
	return taken
}

// Restore refills up to amount units, never above QuantityReceived, and
// reactivates the batch when anything was placed.
func (b *Batch) Restore(amount int) int {
	if amount <= 0 {
		return 0
	}
	placed := min(amount, b.Headroom())
	if placed == 0 {
		return 0
	}
	b.QuantityRemaining += placed
	b.Active = true
	return placed
}

// Headroom is how many units the batch can take back.
func (b Batch) Headroom() int {
	return b.QuantityReceived - b.QuantityRemaining
}

// TracksStock reports whether the sweep still needs to look at the batch.
func (b Batch) TracksStock() bool {
	return b.Active || b.QuantityRemaining > 0
}

// Expire zeroes and deactivates the batch.
func (b *Batch) Expire() {
	b.FreshnessStatus = FreshnessExpired
	b.SetRemaining(0)
	b.Active = false
}

// DateOnly truncates t to its calendar day, expressed at UTC midnight.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
