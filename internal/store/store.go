package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"floryn/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrLockTimeout is returned when a row lock could not be acquired in time
	// or the database broke a deadlock. The whole unit of work may be retried.
	ErrLockTimeout = errors.New("lock wait timeout")
	ErrNotLocked   = errors.New("flower is not locked by this transaction")
)

// Repository is the read side plus the unit-of-work entry point. Every stock
// mutation goes through InTx.
type Repository interface {
	// InTx commits when fn returns nil and rolls back on error or panic.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListFlowers(ctx context.Context) ([]domain.Flower, error)
	ListFlowerIDs(ctx context.Context) ([]string, error)
	GetFlower(ctx context.Context, id string) (*domain.Flower, error)
	ListBatches(ctx context.Context, flowerID string) ([]domain.Batch, error)
	// ListActiveBatchesFEFO orders by expiry, received date, creation time, id.
	ListActiveBatchesFEFO(ctx context.Context, flowerID string) ([]domain.Batch, error)
	TotalRemainingStock(ctx context.Context, flowerID string) (int, error)
	EarliestExpiryDate(ctx context.Context, flowerID string) (*time.Time, error)
	// ListExpiringBatches returns active batches with stock whose expiry is on
	// or before deadline, soonest first.
	ListExpiringBatches(ctx context.Context, deadline time.Time) ([]domain.Batch, error)

	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ListReservations(ctx context.Context, limit int) ([]domain.Reservation, error)

	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is one unit of work. Flower and batch writes require the flower to have
// been locked through LockFlower in the same Tx; locks are held until the Tx
// ends and are re-entrant.
type Tx interface {
	LockFlower(ctx context.Context, id string) (*domain.Flower, error)
	CreateFlower(ctx context.Context, flower domain.Flower) (*domain.Flower, error)
	UpdateFlower(ctx context.Context, flower domain.Flower) error

	CountBatches(ctx context.Context, flowerID string) (int, error)
	ListBatches(ctx context.Context, flowerID string) ([]domain.Batch, error)
	ListActiveBatchesFEFO(ctx context.Context, flowerID string) ([]domain.Batch, error)
	// ListBatchesNewestFirst orders by received date, creation time, id, all descending.
	ListBatchesNewestFirst(ctx context.Context, flowerID string) ([]domain.Batch, error)
	// LockBatch reloads the batch under lock. The owning flower must be locked.
	LockBatch(ctx context.Context, id string) (*domain.Batch, error)
	CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	UpdateBatch(ctx context.Context, batch domain.Batch) error

	CreateReservation(ctx context.Context, reservation domain.Reservation) (*domain.Reservation, error)
	// LockReservation must be called before any flower lock of the same Tx.
	LockReservation(ctx context.Context, id string) (*domain.Reservation, error)
	UpdateReservation(ctx context.Context, reservation domain.Reservation) error
	DeleteReservation(ctx context.Context, id string) error
}

// SortBatchesFEFO sorts in place using the FEFO order shared by every store.
func SortBatchesFEFO(batches []domain.Batch) {
	slices.SortStableFunc(batches, func(a, b domain.Batch) int {
		if c := a.ExpiryDate.Compare(b.ExpiryDate); c != 0 {
			return c
		}
		if c := a.DateReceived.Compare(b.DateReceived); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// SortBatchesNewestFirst sorts in place, most recently received first.
func SortBatchesNewestFirst(batches []domain.Batch) {
	slices.SortStableFunc(batches, func(a, b domain.Batch) int {
		if c := b.DateReceived.Compare(a.DateReceived); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
