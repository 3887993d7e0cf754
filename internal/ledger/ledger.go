// Package ledger moves stock in and out of a flower's batch set under the
// flower's row lock.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"floryn/internal/domain"
	"floryn/internal/store"
)

var ErrInvalidQuantity = errors.New("quantity must be greater than zero")

type Ledger struct {
	logger *zap.Logger
	direct DirectQuantity
	batch  BatchTracked
}

func New(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ledger")
	return &Ledger{
		logger: logger,
		batch:  BatchTracked{logger: logger},
	}
}

// StrategyFor picks the variant by whether the flower has ever had a batch.
func (l *Ledger) StrategyFor(ctx context.Context, tx store.Tx, flowerID string) (StockStrategy, error) {
	count, err := tx.CountBatches(ctx, flowerID)
	if err != nil {
		return nil, fmt.Errorf("count batches for %s: %w", flowerID, err)
	}
	if count == 0 {
		return l.direct, nil
	}
	return l.batch, nil
}

// Deduct locks the flower and removes up to quantity units. A shortfall is
// reported through the returned count, not as an error; the caller decides
// whether to abort the transaction.
func (l *Ledger) Deduct(ctx context.Context, tx store.Tx, flowerID string, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	flower, strategy, err := l.lock(ctx, tx, flowerID)
	if err != nil {
		return 0, err
	}
	deducted, err := strategy.Deduct(ctx, tx, flower, quantity)
	if err != nil {
		return 0, err
	}
	if deducted < quantity {
		l.logger.Debug("deduct short",
			zap.String("flower_id", flowerID),
			zap.String("strategy", strategy.Name()),
			zap.Int("requested", quantity),
			zap.Int("deducted", deducted),
		)
	}
	return deducted, nil
}

// Restore locks the flower and puts quantity units back. The caller must only
// restore what an earlier Deduct removed.
func (l *Ledger) Restore(ctx context.Context, tx store.Tx, flowerID string, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	flower, strategy, err := l.lock(ctx, tx, flowerID)
	if err != nil {
		return err
	}
	_, err = strategy.Restore(ctx, tx, flower, quantity)
	return err
}

func (l *Ledger) lock(ctx context.Context, tx store.Tx, flowerID string) (*domain.Flower, StockStrategy, error) {
	flower, err := tx.LockFlower(ctx, flowerID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock flower %s: %w", flowerID, err)
	}
	strategy, err := l.StrategyFor(ctx, tx, flowerID)
	if err != nil {
		return nil, nil, err
	}
	return flower, strategy, nil
}
