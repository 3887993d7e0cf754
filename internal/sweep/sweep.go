// Package sweep reclassifies batches and flowers against the current date and
// keeps the derived price and availability fields in line with the batch set.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"floryn/internal/domain"
	"floryn/internal/freshness"
	"floryn/internal/ledger"
	"floryn/internal/store"
)

const DefaultBatchSize = 50

// Invalidator drops cached read models once a sweep has committed.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type Config struct {
	BatchSize   int
	Location    *time.Location
	Now         func() time.Time
	Logger      *zap.Logger
	Invalidator Invalidator
}

type Sweeper struct {
	repo        store.Repository
	batchSize   int
	loc         *time.Location
	now         func() time.Time
	logger      *zap.Logger
	invalidator Invalidator
}

func New(repo store.Repository, cfg Config) *Sweeper {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sweeper{
		repo:        repo,
		batchSize:   cfg.BatchSize,
		loc:         cfg.Location,
		now:         cfg.Now,
		logger:      cfg.Logger.Named("sweep"),
		invalidator: cfg.Invalidator,
	}
}

type bucket int

const (
	bucketNone bucket = iota
	bucketFresh
	bucketGood
	bucketLastSale
	bucketExpired
)

func (b bucket) addTo(stats *domain.FreshnessStats) {
	switch b {
	case bucketFresh:
		stats.Fresh++
	case bucketGood:
		stats.Good++
	case bucketLastSale:
		stats.LastSale++
	case bucketExpired:
		stats.Expired++
	}
}

// Run sweeps the whole catalog, committing every BatchSize flowers. A failed
// chunk is rolled back and logged, and the remaining chunks still run; the
// returned stats cover committed chunks only while Total counts every flower.
func (s *Sweeper) Run(ctx context.Context) (domain.FreshnessStats, error) {
	started := s.now()
	today := freshness.Today(started, s.loc)

	ids, err := s.repo.ListFlowerIDs(ctx)
	if err != nil {
		return domain.FreshnessStats{}, fmt.Errorf("list flowers: %w", err)
	}
	slices.Sort(ids)

	stats := domain.FreshnessStats{Total: len(ids)}
	var errs error
	committed := 0
	for start := 0; start < len(ids); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		end := min(start+s.batchSize, len(ids))
		chunk := ids[start:end]

		var chunkStats domain.FreshnessStats
		err := s.repo.InTx(ctx, func(tx store.Tx) error {
			chunkStats = domain.FreshnessStats{}
			for _, id := range chunk {
				b, err := s.sweepFlower(ctx, tx, id, today)
				if err != nil {
					return err
				}
				b.addTo(&chunkStats)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("sweep chunk failed",
				zap.Int("offset", start),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("sweep flowers %d-%d: %w", start, end-1, err))
			continue
		}
		committed++
		stats.Fresh += chunkStats.Fresh
		stats.Good += chunkStats.Good
		stats.LastSale += chunkStats.LastSale
		stats.Expired += chunkStats.Expired
	}

	if committed > 0 {
		s.invalidate(ctx)
	}
	s.logger.Info("sweep finished",
		zap.Time("today", today),
		zap.Int("total", stats.Total),
		zap.Int("fresh", stats.Fresh),
		zap.Int("good", stats.Good),
		zap.Int("last_sale", stats.LastSale),
		zap.Int("expired", stats.Expired),
		zap.Duration("took", s.now().Sub(started)),
		zap.Bool("failed", errs != nil),
	)
	return stats, errs
}

// Reclassify runs the per-flower pass for the given flowers in one
// transaction. Workflows call it right after committing a stock change.
func (s *Sweeper) Reclassify(ctx context.Context, flowerIDs []string) error {
	if len(flowerIDs) == 0 {
		return nil
	}
	ids := slices.Clone(flowerIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	today := freshness.Today(s.now(), s.loc)
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		for _, id := range ids {
			if _, err := s.sweepFlower(ctx, tx, id, today); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reclassify: %w", err)
	}
	s.invalidate(ctx)
	return nil
}

func (s *Sweeper) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

func (s *Sweeper) sweepFlower(ctx context.Context, tx store.Tx, id string, today time.Time) (bucket, error) {
	flower, err := tx.LockFlower(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// deleted since the id list was read
		return bucketNone, nil
	}
	if err != nil {
		return bucketNone, fmt.Errorf("lock flower %s: %w", id, err)
	}

	batches, err := tx.ListBatches(ctx, id)
	if err != nil {
		return bucketNone, fmt.Errorf("list batches for %s: %w", id, err)
	}
	hasBatches := len(batches) > 0

	if hasBatches {
		hasLastSale, err := sweepBatches(ctx, tx, batches, today)
		if err != nil {
			return bucketNone, err
		}
		if err := ledger.SyncFromBatches(ctx, tx, flower); err != nil {
			return bucketNone, err
		}
		if hasLastSale && flower.StockQuantity > 0 {
			flower.SetDiscount(freshness.DiscountedPrice(flower.Price))
		} else if flower.StockQuantity > 0 {
			flower.ClearDiscount()
		}
	}

	b := s.classifyFlower(flower, hasBatches, today)
	if err := tx.UpdateFlower(ctx, *flower); err != nil {
		return bucketNone, fmt.Errorf("update flower %s: %w", id, err)
	}
	return b, nil
}

func sweepBatches(ctx context.Context, tx store.Tx, batches []domain.Batch, today time.Time) (bool, error) {
	hasLastSale := false
	for _, candidate := range batches {
		if !candidate.TracksStock() {
			continue
		}
		batch, err := tx.LockBatch(ctx, candidate.ID)
		if err != nil {
			return false, fmt.Errorf("lock batch %s: %w", candidate.ID, err)
		}
		status := freshness.ClassifyDate(today, batch.ExpiryDate)
		if status == domain.FreshnessExpired {
			batch.Expire()
		} else {
			batch.FreshnessStatus = status
			if status == domain.FreshnessLastSale {
				hasLastSale = true
			}
		}
		if err := tx.UpdateBatch(ctx, *batch); err != nil {
			return false, fmt.Errorf("update batch %s: %w", batch.ID, err)
		}
	}
	return hasLastSale, nil
}

func (s *Sweeper) classifyFlower(flower *domain.Flower, hasBatches bool, today time.Time) bucket {
	if flower.ExpiryDate == nil {
		return bucketNone
	}
	if flower.StockQuantity <= 0 && flower.Status == domain.FlowerSoldOut {
		flower.ClearDiscount()
		return bucketExpired
	}

	switch status := freshness.ClassifyDate(today, *flower.ExpiryDate); {
	case status == domain.FreshnessExpired:
		flower.FreshnessStatus = domain.FreshnessExpired
		flower.Status = domain.FlowerUnavailable
		flower.StockQuantity = 0
		flower.ClearDiscount()
		if flower.SoldAt == nil {
			at := s.now().UTC()
			flower.SoldAt = &at
		}
		return bucketExpired
	case flower.StockQuantity <= 0:
		flower.Status = domain.FlowerSoldOut
		flower.FreshnessStatus = domain.FreshnessExpired
		flower.ClearDiscount()
		return bucketExpired
	case status == domain.FreshnessLastSale:
		flower.FreshnessStatus = status
		flower.Status = domain.FlowerAvailable
		flower.SetDiscount(freshness.DiscountedPrice(flower.Price))
		return bucketLastSale
	default:
		flower.FreshnessStatus = status
		flower.Status = domain.FlowerAvailable
		if !hasBatches {
			flower.ClearDiscount()
		}
		if status == domain.FreshnessGood {
			return bucketGood
		}
		return bucketFresh
	}
}
