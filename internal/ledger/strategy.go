package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"floryn/internal/domain"
	"floryn/internal/store"
)

// StockStrategy moves units in or out of one locked flower. Both variants
// report what they actually moved and never drive stock below zero.
type StockStrategy interface {
	Name() string
	Deduct(ctx context.Context, tx store.Tx, flower *domain.Flower, quantity int) (int, error)
	Restore(ctx context.Context, tx store.Tx, flower *domain.Flower, quantity int) (int, error)
}

// DirectQuantity serves flowers that have never had a batch.
type DirectQuantity struct{}

func (DirectQuantity) Name() string { return "direct" }

func (DirectQuantity) Deduct(ctx context.Context, tx store.Tx, flower *domain.Flower, quantity int) (int, error) {
	taken := min(quantity, max(flower.StockQuantity, 0))
	if taken == 0 {
		return 0, nil
	}
	flower.StockQuantity -= taken
	if err := tx.UpdateFlower(ctx, *flower); err != nil {
		return 0, fmt.Errorf("update flower %s: %w", flower.ID, err)
	}
	return taken, nil
}

func (DirectQuantity) Restore(ctx context.Context, tx store.Tx, flower *domain.Flower, quantity int) (int, error) {
	flower.StockQuantity += quantity
	if err := tx.UpdateFlower(ctx, *flower); err != nil {
		return 0, fmt.Errorf("update flower %s: %w", flower.ID, err)
	}
	return quantity, nil
}

// BatchTracked draws in FEFO order and refills newest-received first.
type BatchTracked struct {
	logger *zap.Logger
}

func (BatchTracked) Name() string { return "batch" }

func (s BatchTracked) Deduct(ctx context.Context, tx store.Tx, flower *domain.Flower, quantity int) (int, error) {
	candidates, err := tx.ListActiveBatchesFEFO(ctx, flower.ID)
	if err != nil {
		return 0, fmt.Errorf("list active batches for %s: %w", flower.ID, err)
	}

	remaining := quantity
	for _, candidate := range candidates {
		if remaining == 0 {
			break
		}
		batch, err := tx.LockBatch(ctx, candidate.ID)
		if err != nil {
			return 0, fmt.Errorf("lock batch %s: %w", candidate.ID, err)
		}
		// the reloaded row may have been drained since it was listed
		taken := batch.Deduct(remaining)
		if taken == 0 {
			continue
		}
		if err := tx.UpdateBatch(ctx, *batch); err != nil {
			return 0, fmt.Errorf("update batch %s: %w", batch.ID, err)
		}
		remaining -= taken
	}

	if err := SyncFromBatches(ctx, tx, flower); err != nil {
		return 0, err
	}
	return quantity - remaining, nil
}

func (s BatchTracked) Restore(ctx context.Context, tx store.Tx, flower *domain.Flower, quantity int) (int, error) {
	candidates, err := tx.ListBatchesNewestFirst(ctx, flower.ID)
	if err != nil {
		return 0, fmt.Errorf("list batches for %s: %w", flower.ID, err)
	}

	remaining := quantity
	for _, candidate := range candidates {
		if remaining == 0 {
			break
		}
		if candidate.Headroom() == 0 {
			continue
		}
		batch, err := tx.LockBatch(ctx, candidate.ID)
		if err != nil {
			return 0, fmt.Errorf("lock batch %s: %w", candidate.ID, err)
		}
		placed := batch.Restore(remaining)
		if placed == 0 {
			continue
		}
		if err := tx.UpdateBatch(ctx, *batch); err != nil {
			return 0, fmt.Errorf("update batch %s: %w", batch.ID, err)
		}
		remaining -= placed
	}

	if remaining > 0 {
		s.logger.Warn("restore exceeded batch capacity",
			zap.String("flower_id", flower.ID),
			zap.Int("requested", quantity),
			zap.Int("unplaced", remaining),
		)
	}

	if err := SyncFromBatches(ctx, tx, flower); err != nil {
		return 0, err
	}
	return quantity - remaining, nil
}
