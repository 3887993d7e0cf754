package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"floryn/internal/domain"
	"floryn/internal/store"
	"floryn/internal/xid"
)

// lockTable hands out one single-slot channel per key. Holding the slot is
// holding the row lock.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]chan struct{})}
}

func (l *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", store.ErrLockTimeout, key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lockTable) release(key string) {
	l.mu.Lock()
	slot := l.slots[key]
	l.mu.Unlock()
	<-slot
}

func flowerKey(id string) string {
	return "flower:" + id
}

func reservationKey(id string) string {
	return "reservation:" + id
}

// tx buffers writes until commit. A nil reservation entry marks a delete.
type tx struct {
	s            *Store
	held         []string
	locked       map[string]bool
	flowers      map[string]domain.Flower
	batches      map[string]domain.Batch
	newBatches   []string
	reservations map[string]*domain.Reservation
	done         bool
}

func newTx(s *Store) *tx {
	return &tx{
		s:            s,
		locked:       make(map[string]bool),
		flowers:      make(map[string]domain.Flower),
		batches:      make(map[string]domain.Batch),
		reservations: make(map[string]*domain.Reservation),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if t.done {
		return store.ErrInvalidTransaction
	}
	if t.locked[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.locked[key] = true
	t.held = append(t.held, key)
	return nil
}

func (t *tx) finish() {
	t.done = true
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
}

func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, f := range t.flowers {
		t.s.flowersByID[id] = f
	}
	for _, id := range t.newBatches {
		b := t.batches[id]
		t.s.batchIDsByFlower[b.FlowerID] = append(t.s.batchIDsByFlower[b.FlowerID], id)
	}
	for id, b := range t.batches {
		t.s.batchesByID[id] = b
	}
	for id, r := range t.reservations {
		if r == nil {
			delete(t.s.reservationsByID, id)
			continue
		}
		t.s.reservationsByID[id] = *r
	}
}

func (t *tx) flower(id string) (domain.Flower, bool) {
	if f, ok := t.flowers[id]; ok {
		return f, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	f, ok := t.s.flowersByID[id]
	return f, ok
}

func (t *tx) batch(id string) (domain.Batch, bool) {
	if b, ok := t.batches[id]; ok {
		return b, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	b, ok := t.s.batchesByID[id]
	return b, ok
}

func (t *tx) batchesOf(flowerID string) []domain.Batch {
	t.s.mu.RLock()
	byID := make(map[string]domain.Batch)
	for _, b := range t.s.committedBatchesLocked(flowerID) {
		byID[b.ID] = b
	}
	t.s.mu.RUnlock()

	for id, b := range t.batches {
		if b.FlowerID == flowerID {
			byID[id] = b
		}
	}
	batches := make([]domain.Batch, 0, len(byID))
	for _, b := range byID {
		batches = append(batches, b)
	}
	return batches
}

func (t *tx) requireFlowerLock(id string) error {
	if t.done {
		return store.ErrInvalidTransaction
	}
	if !t.locked[flowerKey(id)] {
		return fmt.Errorf("%w: %s", store.ErrNotLocked, id)
	}
	return nil
}

func (t *tx) LockFlower(ctx context.Context, id string) (*domain.Flower, error) {
	if _, ok := t.flower(id); !ok {
		return nil, store.ErrNotFound
	}
	if err := t.lock(ctx, flowerKey(id)); err != nil {
		return nil, err
	}
	f, ok := t.flower(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	copyFlower := cloneFlower(f)
	return &copyFlower, nil
}

func (t *tx) CreateFlower(ctx context.Context, flower domain.Flower) (*domain.Flower, error) {
	if flower.Name == "" || flower.Price.IsNegative() || flower.StockQuantity < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if flower.ID == "" {
		flower.ID = xid.New("flw")
	}
	if _, exists := t.flower(flower.ID); exists {
		return nil, store.ErrInvalidTransaction
	}
	if err := t.lock(ctx, flowerKey(flower.ID)); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if flower.CreatedAt.IsZero() {
		flower.CreatedAt = now
	}
	flower.UpdatedAt = now
	t.flowers[flower.ID] = cloneFlower(flower)
	created := cloneFlower(flower)
	return &created, nil
}

func (t *tx) UpdateFlower(_ context.Context, flower domain.Flower) error {
	if err := t.requireFlowerLock(flower.ID); err != nil {
		return err
	}
	if flower.StockQuantity < 0 {
		return store.ErrInvalidTransaction
	}
	if _, ok := t.flower(flower.ID); !ok {
		return store.ErrNotFound
	}
	flower.UpdatedAt = time.Now().UTC()
	t.flowers[flower.ID] = cloneFlower(flower)
	return nil
}

func (t *tx) CountBatches(_ context.Context, flowerID string) (int, error) {
	return len(t.batchesOf(flowerID)), nil
}

func (t *tx) ListBatches(_ context.Context, flowerID string) ([]domain.Batch, error) {
	batches := t.batchesOf(flowerID)
	store.SortBatchesNewestFirst(batches)
	return batches, nil
}

func (t *tx) ListActiveBatchesFEFO(_ context.Context, flowerID string) ([]domain.Batch, error) {
	return activeFEFO(t.batchesOf(flowerID)), nil
}

func (t *tx) ListBatchesNewestFirst(_ context.Context, flowerID string) ([]domain.Batch, error) {
	batches := t.batchesOf(flowerID)
	store.SortBatchesNewestFirst(batches)
	return batches, nil
}

func (t *tx) LockBatch(_ context.Context, id string) (*domain.Batch, error) {
	b, ok := t.batch(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := t.requireFlowerLock(b.FlowerID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *tx) CreateBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
	if err := t.requireFlowerLock(batch.FlowerID); err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if batch.ID == "" {
		batch.ID = xid.New("bat")
	}
	if _, exists := t.batch(batch.ID); exists {
		return nil, store.ErrInvalidTransaction
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	t.batches[batch.ID] = batch
	t.newBatches = append(t.newBatches, batch.ID)
	created := batch
	return &created, nil
}

func (t *tx) UpdateBatch(_ context.Context, batch domain.Batch) error {
	existing, ok := t.batch(batch.ID)
	if !ok {
		return store.ErrNotFound
	}
	if err := t.requireFlowerLock(existing.FlowerID); err != nil {
		return err
	}
	if batch.QuantityRemaining < 0 || batch.QuantityRemaining > existing.QuantityReceived {
		return store.ErrInvalidTransaction
	}
	existing.QuantityRemaining = batch.QuantityRemaining
	existing.FreshnessStatus = batch.FreshnessStatus
	existing.Active = batch.Active
	t.batches[batch.ID] = existing
	return nil
}

func (t *tx) CreateReservation(ctx context.Context, reservation domain.Reservation) (*domain.Reservation, error) {
	if reservation.CustomerName == "" || len(reservation.Details) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if reservation.ID == "" {
		reservation.ID = xid.New("rsv")
	}
	if err := t.lock(ctx, reservationKey(reservation.ID)); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}
	reservation.UpdatedAt = now
	buffered := cloneReservation(reservation)
	t.reservations[reservation.ID] = &buffered
	created := cloneReservation(reservation)
	return &created, nil
}

func (t *tx) reservation(id string) (domain.Reservation, bool) {
	if r, ok := t.reservations[id]; ok {
		if r == nil {
			return domain.Reservation{}, false
		}
		return *r, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.reservationsByID[id]
	return r, ok
}

func (t *tx) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if _, ok := t.reservation(id); !ok {
		return nil, store.ErrNotFound
	}
	if err := t.lock(ctx, reservationKey(id)); err != nil {
		return nil, err
	}
	r, ok := t.reservation(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	copyReservation := cloneReservation(r)
	return &copyReservation, nil
}

func (t *tx) UpdateReservation(_ context.Context, reservation domain.Reservation) error {
	if t.done {
		return store.ErrInvalidTransaction
	}
	if !t.locked[reservationKey(reservation.ID)] {
		return fmt.Errorf("%w: reservation %s", store.ErrNotLocked, reservation.ID)
	}
	if _, ok := t.reservation(reservation.ID); !ok {
		return store.ErrNotFound
	}
	reservation.UpdatedAt = time.Now().UTC()
	buffered := cloneReservation(reservation)
	t.reservations[reservation.ID] = &buffered
	return nil
}

func (t *tx) DeleteReservation(_ context.Context, id string) error {
	if t.done {
		return store.ErrInvalidTransaction
	}
	if !t.locked[reservationKey(id)] {
		return fmt.Errorf("%w: reservation %s", store.ErrNotLocked, id)
	}
	if _, ok := t.reservation(id); !ok {
		return store.ErrNotFound
	}
	t.reservations[id] = nil
	return nil
}
