package ledger

import (
	"context"
	"fmt"
	"time"

	"floryn/internal/domain"
	"floryn/internal/store"
)

// Aggregate is the part of a Flower derived from its batch set.
type Aggregate struct {
	StockQuantity int
	ExpiryDate    *time.Time
	DateReceived  *time.Time
}

// Project computes the aggregate of a batch set. Only active batches count
// toward stock; the dates come from the active batch with remaining stock that
// expires first. ExpiryDate is nil when no such batch exists.
func Project(batches []domain.Batch) Aggregate {
	var agg Aggregate
	var earliest *domain.Batch
	for i := range batches {
		b := batches[i]
		if !b.Active {
			continue
		}
		agg.StockQuantity += b.QuantityRemaining
		if b.QuantityRemaining <= 0 {
			continue
		}
		if earliest == nil || b.ExpiryDate.Before(earliest.ExpiryDate) ||
			(b.ExpiryDate.Equal(earliest.ExpiryDate) && b.DateReceived.Before(earliest.DateReceived)) {
			earliest = &batches[i]
		}
	}
	if earliest != nil {
		expiry := earliest.ExpiryDate
		received := earliest.DateReceived
		agg.ExpiryDate = &expiry
		agg.DateReceived = &received
	}
	return agg
}

// Apply writes agg onto flower. When nothing active remains the previous
// dates stay, so the flower-level pass can still classify the last known
// expiry.
func Apply(flower *domain.Flower, agg Aggregate) {
	flower.StockQuantity = agg.StockQuantity
	if agg.ExpiryDate != nil {
		flower.ExpiryDate = agg.ExpiryDate
		flower.DateReceived = agg.DateReceived
	}
}

// SyncFromBatches recomputes the flower aggregate inside tx and persists it.
// A flower without batches owns its stock directly and is left untouched.
// Status and freshness are not changed here.
func SyncFromBatches(ctx context.Context, tx store.Tx, flower *domain.Flower) error {
	batches, err := tx.ListBatches(ctx, flower.ID)
	if err != nil {
		return fmt.Errorf("list batches for %s: %w", flower.ID, err)
	}
	if len(batches) == 0 {
		return nil
	}
	Apply(flower, Project(batches))
	if err := tx.UpdateFlower(ctx, *flower); err != nil {
		return fmt.Errorf("update flower %s: %w", flower.ID, err)
	}
	return nil
}
