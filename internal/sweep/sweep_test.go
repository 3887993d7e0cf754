package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floryn/internal/domain"
	"floryn/internal/ledger"
	"floryn/internal/store"
	"floryn/internal/store/memory"
)

var clockNow = time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return clockNow }

func today() time.Time { return domain.DateOnly(clockNow) }

type lot struct {
	quantity     int
	receivedDays int
	expiresDays  int
}

func addFlower(t *testing.T, s *memory.Store, name string, price int64, lots ...lot) string {
	t.Helper()
	ctx := context.Background()
	var id string
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		f, err := tx.CreateFlower(ctx, domain.Flower{
			Name:     name,
			Category: "Test",
			Price:    decimal.NewFromInt(price),
			Status:   domain.FlowerAvailable,
		})
		if err != nil {
			return err
		}
		id = f.ID
		for i, l := range lots {
			b, err := domain.NewBatch(f.ID, l.quantity,
				today().AddDate(0, 0, l.receivedDays),
				today().AddDate(0, 0, l.expiresDays),
				clockNow.Add(time.Duration(i)*time.Second))
			if err != nil {
				return err
			}
			if _, err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
		}
		return ledger.SyncFromBatches(ctx, tx, f)
	}))
	return id
}

func addLegacyFlower(t *testing.T, s *memory.Store, name string, stock int, expiresDays int) string {
	t.Helper()
	ctx := context.Background()
	expiry := today().AddDate(0, 0, expiresDays)
	var id string
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		f, err := tx.CreateFlower(ctx, domain.Flower{
			Name:          name,
			Price:         decimal.NewFromInt(50),
			StockQuantity: stock,
			Status:        domain.FlowerAvailable,
			ExpiryDate:    &expiry,
		})
		if err != nil {
			return err
		}
		id = f.ID
		return nil
	}))
	return id
}

func newSweeper(s store.Repository, batchSize int) *Sweeper {
	return New(s, Config{BatchSize: batchSize, Now: fixedClock})
}

func getFlower(t *testing.T, s *memory.Store, id string) domain.Flower {
	t.Helper()
	f, err := s.GetFlower(context.Background(), id)
	require.NoError(t, err)
	return *f
}

func TestSweepClassifiesAndDiscountsLastSale(t *testing.T) {
	s := memory.New()
	roseID := addFlower(t, s, "Red Rose", 100, lot{quantity: 20, receivedDays: -2, expiresDays: 2})

	stats, err := newSweeper(s, 50).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FreshnessStats{LastSale: 1, Total: 1}, stats)

	rose := getFlower(t, s, roseID)
	assert.Equal(t, domain.FreshnessLastSale, rose.FreshnessStatus)
	assert.Equal(t, domain.FlowerAvailable, rose.Status)
	require.True(t, rose.DiscountPrice.Valid)
	assert.True(t, rose.DiscountPrice.Decimal.Equal(decimal.NewFromInt(80)))

	batches, err := s.ListBatches(context.Background(), roseID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, domain.FreshnessLastSale, batches[0].FreshnessStatus)
}

func TestSweepExpiresBatchesAndKeepsFreshStock(t *testing.T) {
	s := memory.New()
	id := addFlower(t, s, "Tulip", 150,
		lot{quantity: 4, receivedDays: -8, expiresDays: -1},
		lot{quantity: 6, receivedDays: -1, expiresDays: 9},
	)

	stats, err := newSweeper(s, 50).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Fresh)

	flower := getFlower(t, s, id)
	assert.Equal(t, 6, flower.StockQuantity)
	assert.Equal(t, domain.FreshnessFresh, flower.FreshnessStatus)
	assert.Equal(t, today().AddDate(0, 0, 9), *flower.ExpiryDate)
	assert.False(t, flower.DiscountPrice.Valid)

	batches, err := s.ListBatches(context.Background(), id)
	require.NoError(t, err)
	for _, b := range batches {
		if b.FreshnessStatus == domain.FreshnessExpired {
			assert.Equal(t, 0, b.QuantityRemaining)
			assert.False(t, b.Active)
		}
	}
	total, err := s.TotalRemainingStock(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func TestSweepMarksFullyExpiredFlowerUnavailable(t *testing.T) {
	s := memory.New()
	id := addFlower(t, s, "Sunflower", 60, lot{quantity: 4, receivedDays: -6, expiresDays: -1})

	stats, err := newSweeper(s, 50).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	flower := getFlower(t, s, id)
	assert.Equal(t, domain.FlowerUnavailable, flower.Status)
	assert.Equal(t, domain.FreshnessExpired, flower.FreshnessStatus)
	assert.Equal(t, 0, flower.StockQuantity)
	require.NotNil(t, flower.SoldAt)
	firstExpired := *flower.SoldAt

	clockNow = clockNow.Add(time.Hour)
	defer func() { clockNow = clockNow.Add(-time.Hour) }()
	_, err = newSweeper(s, 50).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstExpired, *getFlower(t, s, id).SoldAt, "first-expired timestamp is recorded once")
}

func TestSweepMarksDrainedFlowerSoldOut(t *testing.T) {
	s := memory.New()
	l := ledger.New(nil)
	id := addFlower(t, s, "Lily", 90, lot{quantity: 3, receivedDays: -1, expiresDays: 5})

	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := l.Deduct(ctx, tx, id, 3)
		return err
	}))

	stats, err := newSweeper(s, 50).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	flower := getFlower(t, s, id)
	assert.Equal(t, domain.FlowerSoldOut, flower.Status)
	assert.Equal(t, domain.FreshnessExpired, flower.FreshnessStatus)
}

func TestSweepLegacyFlowerUsesOwnExpiry(t *testing.T) {
	s := memory.New()
	good := addLegacyFlower(t, s, "Baby's Breath", 25, 6)
	last := addLegacyFlower(t, s, "Carnation", 5, 1)
	undated := addFlower(t, s, "Placeholder", 10)

	stats, err := newSweeper(s, 50).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FreshnessStats{Good: 1, LastSale: 1, Total: 3}, stats)

	assert.Equal(t, domain.FreshnessGood, getFlower(t, s, good).FreshnessStatus)
	assert.Equal(t, 25, getFlower(t, s, good).StockQuantity)

	carnation := getFlower(t, s, last)
	require.True(t, carnation.DiscountPrice.Valid)
	assert.True(t, carnation.DiscountPrice.Decimal.Equal(decimal.NewFromInt(40)))

	assert.Nil(t, getFlower(t, s, undated).ExpiryDate)
}

func TestSweepIsIdempotent(t *testing.T) {
	s := memory.New()
	addFlower(t, s, "Red Rose", 100,
		lot{quantity: 10, receivedDays: -5, expiresDays: 2},
		lot{quantity: 20, receivedDays: -1, expiresDays: 9},
	)
	addFlower(t, s, "Sunflower", 60, lot{quantity: 4, receivedDays: -6, expiresDays: -1})
	addFlower(t, s, "Lily", 95, lot{quantity: 15, receivedDays: -2, expiresDays: 5})
	addLegacyFlower(t, s, "Baby's Breath", 25, 6)

	sweeper := newSweeper(s, 2)
	ctx := context.Background()

	first, err := sweeper.Run(ctx)
	require.NoError(t, err)
	flowersAfterFirst, err := s.ListFlowers(ctx)
	require.NoError(t, err)
	batchesAfterFirst := allBatches(t, s, flowersAfterFirst)

	second, err := sweeper.Run(ctx)
	require.NoError(t, err)
	flowersAfterSecond, err := s.ListFlowers(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, batchesAfterFirst, allBatches(t, s, flowersAfterSecond))
	require.Len(t, flowersAfterSecond, len(flowersAfterFirst))
	for i := range flowersAfterFirst {
		a, b := flowersAfterFirst[i], flowersAfterSecond[i]
		a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
		assert.Equal(t, a, b, a.Name)
	}
}

func allBatches(t *testing.T, s *memory.Store, flowers []domain.Flower) [][]domain.Batch {
	t.Helper()
	out := make([][]domain.Batch, 0, len(flowers))
	for _, f := range flowers {
		batches, err := s.ListBatches(context.Background(), f.ID)
		require.NoError(t, err)
		out = append(out, batches)
	}
	return out
}

type countingInvalidator struct{ calls atomic.Int32 }

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.calls.Add(1)
	return nil
}

func TestReclassifyTouchesOnlyGivenFlowers(t *testing.T) {
	s := memory.New()
	a := addFlower(t, s, "Rose", 100, lot{quantity: 5, receivedDays: -1, expiresDays: 1})
	b := addFlower(t, s, "Lily", 100, lot{quantity: 5, receivedDays: -1, expiresDays: 1})

	inv := &countingInvalidator{}
	sweeper := New(s, Config{Now: fixedClock, Invalidator: inv})
	require.NoError(t, sweeper.Reclassify(context.Background(), []string{a, a}))

	assert.Equal(t, domain.FreshnessLastSale, getFlower(t, s, a).FreshnessStatus)
	assert.Equal(t, domain.FreshnessStatus(""), getFlower(t, s, b).FreshnessStatus)
	assert.Equal(t, int32(1), inv.calls.Load())
}

// failingRepo fails the transaction of any chunk containing poisonID.
type failingRepo struct {
	store.Repository
	poisonID string
}

var errPoison = errors.New("poisoned chunk")

func (f failingRepo) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Repository.InTx(ctx, func(tx store.Tx) error {
		return fn(poisonTx{Tx: tx, poisonID: f.poisonID})
	})
}

type poisonTx struct {
	store.Tx
	poisonID string
}

func (p poisonTx) LockFlower(ctx context.Context, id string) (*domain.Flower, error) {
	if id == p.poisonID {
		return nil, errPoison
	}
	return p.Tx.LockFlower(ctx, id)
}

func TestSweepFailedChunkDoesNotStopOthers(t *testing.T) {
	s := memory.New()
	for i := 0; i < 4; i++ {
		addFlower(t, s, "Rose", 100, lot{quantity: 5, receivedDays: -1, expiresDays: 12})
	}
	all, err := s.ListFlowerIDs(context.Background())
	require.NoError(t, err)

	sweeper := New(failingRepo{Repository: s, poisonID: all[0]}, Config{BatchSize: 2, Now: fixedClock})
	stats, err := sweeper.Run(context.Background())
	require.ErrorIs(t, err, errPoison)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Fresh, "only the healthy chunk is counted")

	assert.Equal(t, domain.FreshnessStatus(""), getFlower(t, s, all[1]).FreshnessStatus, "failed chunk rolled back")
	assert.Equal(t, domain.FreshnessFresh, getFlower(t, s, all[2]).FreshnessStatus)
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	s := memory.New()
	id := addFlower(t, s, "Rose", 100, lot{quantity: 5, receivedDays: -1, expiresDays: 5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewScheduler(newSweeper(s, 50), time.Hour, nil).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return getFlower(t, s, id).FreshnessStatus == domain.FreshnessGood
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
