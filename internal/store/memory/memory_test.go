package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floryn/internal/domain"
	"floryn/internal/store"
)

var seedNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestSeededAggregatesMatchBatches(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(seedNow)

	rose, err := s.GetFlower(ctx, "flw-seed-red-rose")
	require.NoError(t, err)
	total, err := s.TotalRemainingStock(ctx, rose.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, total)
	assert.Equal(t, total, rose.StockQuantity)

	earliest, err := s.EarliestExpiryDate(ctx, rose.ID)
	require.NoError(t, err)
	require.NotNil(t, earliest)
	assert.Equal(t, *rose.ExpiryDate, *earliest)

	legacy, err := s.GetFlower(ctx, "flw-seed-babys-breath")
	require.NoError(t, err)
	batches, err := s.ListBatches(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(seedNow)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		f, err := tx.LockFlower(ctx, "flw-seed-white-lily")
		if err != nil {
			return err
		}
		f.StockQuantity = 1
		if err := tx.UpdateFlower(ctx, *f); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	f, err := s.GetFlower(ctx, "flw-seed-white-lily")
	require.NoError(t, err)
	assert.Equal(t, 15, f.StockQuantity)
}

func TestTxSeesItsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(seedNow)

	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockFlower(ctx, "flw-seed-red-rose"); err != nil {
			return err
		}
		batches, err := tx.ListActiveBatchesFEFO(ctx, "flw-seed-red-rose")
		if err != nil {
			return err
		}
		first := batches[0]
		first.SetRemaining(0)
		if err := tx.UpdateBatch(ctx, first); err != nil {
			return err
		}
		again, err := tx.ListActiveBatchesFEFO(ctx, "flw-seed-red-rose")
		if err != nil {
			return err
		}
		assert.Len(t, again, 1)
		assert.NotEqual(t, first.ID, again[0].ID)
		return nil
	})
	require.NoError(t, err)

	total, err := s.TotalRemainingStock(ctx, "flw-seed-red-rose")
	require.NoError(t, err)
	assert.Equal(t, 20, total)
}

func TestWritesRequireFlowerLock(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(seedNow)

	err := s.InTx(ctx, func(tx store.Tx) error {
		f, err := s.GetFlower(ctx, "flw-seed-tulip")
		if err != nil {
			return err
		}
		return tx.UpdateFlower(ctx, *f)
	})
	assert.ErrorIs(t, err, store.ErrNotLocked)

	err = s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockBatch(ctx, "flw-seed-tulip-b1")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotLocked)
}

func TestLockFlowerIsReentrant(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(seedNow, WithLockTimeout(50*time.Millisecond))

	err := s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockFlower(ctx, "flw-seed-tulip"); err != nil {
			return err
		}
		_, err := tx.LockFlower(ctx, "flw-seed-tulip")
		return err
	})
	require.NoError(t, err)
}

func TestLockWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(seedNow, WithLockTimeout(30*time.Millisecond))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockFlower(ctx, "flw-seed-tulip"); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockFlower(ctx, "flw-seed-tulip")
		return err
	})
	assert.ErrorIs(t, err, store.ErrLockTimeout)

	close(release)
	require.NoError(t, <-done)

	err = s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockFlower(ctx, "flw-seed-tulip")
		return err
	})
	assert.NoError(t, err)
}

func TestPanicReleasesLocks(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(seedNow, WithLockTimeout(30*time.Millisecond))

	assert.Panics(t, func() {
		_ = s.InTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockFlower(ctx, "flw-seed-tulip"); err != nil {
				return err
			}
			panic("mid-transaction")
		})
	})

	err := s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockFlower(ctx, "flw-seed-tulip")
		return err
	})
	assert.NoError(t, err)
}

func TestCreateFlowerAndBatchCommitTogether(t *testing.T) {
	ctx := context.Background()
	s := New()
	today := domain.DateOnly(seedNow)

	var flowerID string
	err := s.InTx(ctx, func(tx store.Tx) error {
		f, err := tx.CreateFlower(ctx, domain.Flower{Name: "Orchid", Category: "Orchids", Price: decimal.NewFromInt(200), Status: domain.FlowerAvailable})
		if err != nil {
			return err
		}
		flowerID = f.ID
		b, err := domain.NewBatch(f.ID, 6, today, today.AddDate(0, 0, 10), seedNow)
		if err != nil {
			return err
		}
		_, err = tx.CreateBatch(ctx, b)
		return err
	})
	require.NoError(t, err)

	batches, err := s.ListActiveBatchesFEFO(ctx, flowerID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 6, batches[0].QuantityRemaining)

	expiring, err := s.ListExpiringBatches(ctx, today.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Len(t, expiring, 1)
}

func TestDeleteReservationRequiresLock(t *testing.T) {
	ctx := context.Background()
	s := New()

	var id string
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.CreateReservation(ctx, domain.Reservation{
			CustomerName: "Ana",
			Details:      []domain.ReservationDetail{{FlowerID: "flw-x", Quantity: 1}},
		})
		if err != nil {
			return err
		}
		id = r.ID
		return nil
	}))

	err := s.InTx(ctx, func(tx store.Tx) error { return tx.DeleteReservation(ctx, id) })
	assert.ErrorIs(t, err, store.ErrNotLocked)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockReservation(ctx, id); err != nil {
			return err
		}
		return tx.DeleteReservation(ctx, id)
	}))
	_, err = s.GetReservation(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
