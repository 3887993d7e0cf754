package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"floryn/internal/domain"
	"floryn/internal/store"
	"floryn/internal/xid"
)

const defaultLockTimeout = 5 * time.Second

// Store keeps committed state in maps guarded by mu. Transactions buffer their
// writes and serialize on per-flower locks from the lock table; mu is only held
// for the short read or apply step.
type Store struct {
	mu               sync.RWMutex
	flowersByID      map[string]domain.Flower
	batchesByID      map[string]domain.Batch
	batchIDsByFlower map[string][]string
	reservationsByID map[string]domain.Reservation
	suppliersByID    map[string]domain.Supplier
	usersByUsername  map[string]domain.UserAccount
	locks            *lockTable
	lockTimeout      time.Duration
}

type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a flower lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		flowersByID:      make(map[string]domain.Flower),
		batchesByID:      make(map[string]domain.Batch),
		batchIDsByFlower: make(map[string][]string),
		reservationsByID: make(map[string]domain.Reservation),
		suppliersByID:    make(map[string]domain.Supplier),
		usersByUsername:  make(map[string]domain.UserAccount),
		locks:            newLockTable(),
		lockTimeout:      defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newTx(s)
	defer tx.finish()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) ListFlowers(_ context.Context) ([]domain.Flower, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flowers := make([]domain.Flower, 0, len(s.flowersByID))
	for _, f := range s.flowersByID {
		flowers = append(flowers, cloneFlower(f))
	}
	slices.SortFunc(flowers, func(a, b domain.Flower) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return flowers, nil
}

func (s *Store) ListFlowerIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.flowersByID))
	for id := range s.flowersByID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) GetFlower(_ context.Context, id string) (*domain.Flower, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flowersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyFlower := cloneFlower(f)
	return &copyFlower, nil
}

func (s *Store) ListBatches(_ context.Context, flowerID string) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.flowersByID[flowerID]; !ok {
		return nil, store.ErrNotFound
	}
	batches := s.committedBatchesLocked(flowerID)
	store.SortBatchesNewestFirst(batches)
	return batches, nil
}

func (s *Store) ListActiveBatchesFEFO(_ context.Context, flowerID string) ([]domain.Batch, error) {
	s.mu.RLock()
	batches := s.committedBatchesLocked(flowerID)
	s.mu.RUnlock()
	return activeFEFO(batches), nil
}

func (s *Store) TotalRemainingStock(ctx context.Context, flowerID string) (int, error) {
	batches, err := s.ListActiveBatchesFEFO(ctx, flowerID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, b := range batches {
		total += b.QuantityRemaining
	}
	return total, nil
}

func (s *Store) EarliestExpiryDate(ctx context.Context, flowerID string) (*time.Time, error) {
	batches, err := s.ListActiveBatchesFEFO(ctx, flowerID)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	expiry := batches[0].ExpiryDate
	return &expiry, nil
}

func (s *Store) ListExpiringBatches(_ context.Context, deadline time.Time) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deadline = domain.DateOnly(deadline)
	batches := make([]domain.Batch, 0)
	for _, b := range s.batchesByID {
		if !b.Active || b.QuantityRemaining <= 0 || b.ExpiryDate.After(deadline) {
			continue
		}
		batches = append(batches, b)
	}
	store.SortBatchesFEFO(batches)
	return batches, nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservationsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyReservation := cloneReservation(r)
	return &copyReservation, nil
}

func (s *Store) ListReservations(_ context.Context, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reservations := make([]domain.Reservation, 0, len(s.reservationsByID))
	for _, r := range s.reservationsByID {
		reservations = append(reservations, cloneReservation(r))
	}
	slices.SortFunc(reservations, func(a, b domain.Reservation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(reservations) > limit {
		reservations = reservations[:limit]
	}
	return reservations, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplier.Name = strings.TrimSpace(supplier.Name)
	if supplier.Name == "" {
		return nil, store.ErrInvalidTransaction
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}

	s.suppliersByID[supplier.ID] = supplier
	copySupplier := supplier
	return &copySupplier, nil
}

func (s *Store) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	supplier, ok := s.suppliersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, supplier := range s.suppliersByID {
		suppliers = append(suppliers, supplier)
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return suppliers, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// committedBatchesLocked expects mu to be held.
func (s *Store) committedBatchesLocked(flowerID string) []domain.Batch {
	ids := s.batchIDsByFlower[flowerID]
	batches := make([]domain.Batch, 0, len(ids))
	for _, id := range ids {
		batches = append(batches, s.batchesByID[id])
	}
	return batches
}

func activeFEFO(batches []domain.Batch) []domain.Batch {
	active := make([]domain.Batch, 0, len(batches))
	for _, b := range batches {
		if b.Active && b.QuantityRemaining > 0 {
			active = append(active, b)
		}
	}
	store.SortBatchesFEFO(active)
	return active
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFlower(src domain.Flower) domain.Flower {
	dst := src
	dst.DateReceived = cloneTime(src.DateReceived)
	dst.ExpiryDate = cloneTime(src.ExpiryDate)
	dst.SoldAt = cloneTime(src.SoldAt)
	return dst
}

func cloneReservation(src domain.Reservation) domain.Reservation {
	dst := src
	dst.PickupDate = cloneTime(src.PickupDate)
	dst.Details = append([]domain.ReservationDetail(nil), src.Details...)
	return dst
}
