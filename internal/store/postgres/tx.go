package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"floryn/internal/domain"
	"floryn/internal/store"
	"floryn/internal/xid"
)

// tx tracks which rows it holds FOR UPDATE so that writes to unlocked rows
// fail the same way they do in the memory store.
type tx struct {
	sqlTx        *sql.Tx
	flowers      map[string]bool
	reservations map[string]bool
}

func newTx(sqlTx *sql.Tx) *tx {
	return &tx{
		sqlTx:        sqlTx,
		flowers:      make(map[string]bool),
		reservations: make(map[string]bool),
	}
}

func (t *tx) requireFlowerLock(id string) error {
	if !t.flowers[id] {
		return fmt.Errorf("%w: flower %s", store.ErrNotLocked, id)
	}
	return nil
}

func (t *tx) requireReservationLock(id string) error {
	if !t.reservations[id] {
		return fmt.Errorf("%w: reservation %s", store.ErrNotLocked, id)
	}
	return nil
}

func (t *tx) LockFlower(ctx context.Context, id string) (*domain.Flower, error) {
	f, err := getFlower(ctx, t.sqlTx, id, true)
	if err != nil {
		return nil, err
	}
	t.flowers[id] = true
	return f, nil
}

func (t *tx) CreateFlower(ctx context.Context, flower domain.Flower) (*domain.Flower, error) {
	if flower.Name == "" || flower.Price.IsNegative() || flower.StockQuantity < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if flower.ID == "" {
		flower.ID = xid.New("flw")
	}
	now := time.Now().UTC()
	if flower.CreatedAt.IsZero() {
		flower.CreatedAt = now
	}
	flower.UpdatedAt = now

	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO flowers (`+flowerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, flower.ID, flower.Name, flower.Category, flower.Price, flower.DiscountPrice, flower.StockQuantity,
		string(flower.FreshnessStatus), string(flower.Status), nullDate(flower.DateReceived), nullDate(flower.ExpiryDate),
		nullTime(flower.SoldAt), nullIfEmpty(flower.SupplierID), flower.CreatedAt, flower.UpdatedAt)
	if err != nil {
		return nil, err
	}
	// the inserted row stays locked by this transaction until it ends
	t.flowers[flower.ID] = true
	created := flower
	return &created, nil
}

func (t *tx) UpdateFlower(ctx context.Context, flower domain.Flower) error {
	if err := t.requireFlowerLock(flower.ID); err != nil {
		return err
	}
	if flower.StockQuantity < 0 {
		return store.ErrInvalidTransaction
	}

	res, err := t.sqlTx.ExecContext(ctx, `
		UPDATE flowers
		SET name = $2, category = $3, price = $4, discount_price = $5, stock_quantity = $6,
			freshness_status = $7, status = $8, date_received = $9, expiry_date = $10, sold_at = $11,
			supplier_id = $12, updated_at = now()
		WHERE id = $1
	`, flower.ID, flower.Name, flower.Category, flower.Price, flower.DiscountPrice, flower.StockQuantity,
		string(flower.FreshnessStatus), string(flower.Status), nullDate(flower.DateReceived), nullDate(flower.ExpiryDate),
		nullTime(flower.SoldAt), nullIfEmpty(flower.SupplierID))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *tx) CountBatches(ctx context.Context, flowerID string) (int, error) {
	var count int
	err := t.sqlTx.QueryRowContext(ctx, `SELECT count(*) FROM flower_batches WHERE flower_id = $1`, flowerID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (t *tx) ListBatches(ctx context.Context, flowerID string) ([]domain.Batch, error) {
	return queryBatches(ctx, t.sqlTx, `WHERE flower_id = $1 `+orderNewestFirst, flowerID)
}

func (t *tx) ListActiveBatchesFEFO(ctx context.Context, flowerID string) ([]domain.Batch, error) {
	return queryBatches(ctx, t.sqlTx, `WHERE flower_id = $1 AND active AND quantity_remaining > 0 `+orderFEFO, flowerID)
}

func (t *tx) ListBatchesNewestFirst(ctx context.Context, flowerID string) ([]domain.Batch, error) {
	return queryBatches(ctx, t.sqlTx, `WHERE flower_id = $1 `+orderNewestFirst, flowerID)
}

func (t *tx) LockBatch(ctx context.Context, id string) (*domain.Batch, error) {
	b, err := scanBatch(t.sqlTx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM flower_batches WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := t.requireFlowerLock(b.FlowerID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *tx) CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
	if err := t.requireFlowerLock(batch.FlowerID); err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if batch.ID == "" {
		batch.ID = xid.New("bat")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO flower_batches (`+batchColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, batch.ID, batch.FlowerID, batch.QuantityReceived, batch.QuantityRemaining, domain.DateOnly(batch.DateReceived),
		domain.DateOnly(batch.ExpiryDate), string(batch.FreshnessStatus), batch.Active, batch.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

func (t *tx) UpdateBatch(ctx context.Context, batch domain.Batch) error {
	var (
		flowerID string
		received int
	)
	err := t.sqlTx.QueryRowContext(ctx, `SELECT flower_id, quantity_received FROM flower_batches WHERE id = $1`, batch.ID).
		Scan(&flowerID, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := t.requireFlowerLock(flowerID); err != nil {
		return err
	}
	if batch.QuantityRemaining < 0 || batch.QuantityRemaining > received {
		return store.ErrInvalidTransaction
	}

	res, err := t.sqlTx.ExecContext(ctx, `
		UPDATE flower_batches
		SET quantity_remaining = $2, freshness_status = $3, active = $4
		WHERE id = $1
	`, batch.ID, batch.QuantityRemaining, string(batch.FreshnessStatus), batch.Active)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *tx) CreateReservation(ctx context.Context, reservation domain.Reservation) (*domain.Reservation, error) {
	if reservation.CustomerName == "" || len(reservation.Details) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if reservation.ID == "" {
		reservation.ID = xid.New("rsv")
	}
	now := time.Now().UTC()
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}
	reservation.UpdatedAt = now

	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, reservation.ID, reservation.Source, reservation.CustomerName, reservation.CustomerPhone,
		string(reservation.Status), string(reservation.PaymentStatus), reservation.PaymentMethod,
		reservation.PaymentReference, nullDate(reservation.PickupDate), reservation.TotalAmount,
		reservation.CreatedAt, reservation.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := t.insertDetails(ctx, reservation.ID, reservation.Details); err != nil {
		return nil, err
	}
	t.reservations[reservation.ID] = true
	created := reservation
	return &created, nil
}

func (t *tx) insertDetails(ctx context.Context, reservationID string, details []domain.ReservationDetail) error {
	for i, d := range details {
		_, err := t.sqlTx.ExecContext(ctx, `
			INSERT INTO reservation_details (reservation_id, line_no, flower_id, flower_name, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, reservationID, i+1, d.FlowerID, d.FlowerName, d.Quantity, d.UnitPrice, d.Subtotal)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	r, err := getReservation(ctx, t.sqlTx, id, true)
	if err != nil {
		return nil, err
	}
	t.reservations[id] = true
	return r, nil
}

func (t *tx) UpdateReservation(ctx context.Context, reservation domain.Reservation) error {
	if err := t.requireReservationLock(reservation.ID); err != nil {
		return err
	}

	res, err := t.sqlTx.ExecContext(ctx, `
		UPDATE reservations
		SET customer_name = $2, customer_phone = $3, status = $4, payment_status = $5, payment_method = $6,
			payment_reference = $7, pickup_date = $8, total_amount = $9, updated_at = now()
		WHERE id = $1
	`, reservation.ID, reservation.CustomerName, reservation.CustomerPhone, string(reservation.Status),
		string(reservation.PaymentStatus), reservation.PaymentMethod, reservation.PaymentReference,
		nullDate(reservation.PickupDate), reservation.TotalAmount)
	if err != nil {
		return err
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM reservation_details WHERE reservation_id = $1`, reservation.ID); err != nil {
		return err
	}
	return t.insertDetails(ctx, reservation.ID, reservation.Details)
}

func (t *tx) DeleteReservation(ctx context.Context, id string) error {
	if err := t.requireReservationLock(id); err != nil {
		return err
	}
	res, err := t.sqlTx.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
