package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"floryn/internal/domain"
	"floryn/internal/store"
	"floryn/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const defaultLockTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a READ COMMITTED transaction. Row locks taken with
// FOR UPDATE serialize writers per flower, and lock waits are bounded by the
// store's lock timeout.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return mapError(err)
	}

	if err := fn(newTx(sqlTx)); err != nil {
		return mapError(err)
	}
	return mapError(sqlTx.Commit())
}

// mapError translates lock and constraint failures into store sentinels and
// leaves every other error untouched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40P01", "57014":
		return fmt.Errorf("%w: %s", store.ErrLockTimeout, pgErr.Message)
	case "23505", "23503", "23514":
		return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, pgErr.Message)
	}
	return err
}

const flowerColumns = `id, name, category, price, discount_price, stock_quantity, freshness_status, status,
	date_received, expiry_date, sold_at, supplier_id, created_at, updated_at`

const batchColumns = `id, flower_id, quantity_received, quantity_remaining, date_received, expiry_date,
	freshness_status, active, created_at`

const (
	orderNewestFirst = `ORDER BY date_received DESC, created_at DESC, id DESC`
	orderFEFO        = `ORDER BY expiry_date ASC, date_received ASC, created_at ASC, id ASC`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlower(row rowScanner) (domain.Flower, error) {
	var (
		f            domain.Flower
		freshness    string
		status       string
		dateReceived sql.NullTime
		expiryDate   sql.NullTime
		soldAt       sql.NullTime
		supplierID   sql.NullString
	)
	err := row.Scan(&f.ID, &f.Name, &f.Category, &f.Price, &f.DiscountPrice, &f.StockQuantity, &freshness, &status,
		&dateReceived, &expiryDate, &soldAt, &supplierID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return domain.Flower{}, err
	}
	f.FreshnessStatus = domain.FreshnessStatus(freshness)
	f.Status = domain.FlowerStatus(status)
	f.DateReceived = datePtr(dateReceived)
	f.ExpiryDate = datePtr(expiryDate)
	f.SoldAt = timePtr(soldAt)
	f.SupplierID = supplierID.String
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return f, nil
}

func scanBatch(row rowScanner) (domain.Batch, error) {
	var (
		b         domain.Batch
		freshness string
	)
	err := row.Scan(&b.ID, &b.FlowerID, &b.QuantityReceived, &b.QuantityRemaining, &b.DateReceived, &b.ExpiryDate,
		&freshness, &b.Active, &b.CreatedAt)
	if err != nil {
		return domain.Batch{}, err
	}
	b.FreshnessStatus = domain.FreshnessStatus(freshness)
	b.DateReceived = domain.DateOnly(b.DateReceived)
	b.ExpiryDate = domain.DateOnly(b.ExpiryDate)
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func getFlower(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Flower, error) {
	query := `SELECT ` + flowerColumns + ` FROM flowers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	f, err := scanFlower(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func queryBatches(ctx context.Context, q queryer, clause string, args ...any) ([]domain.Batch, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+batchColumns+` FROM flower_batches `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 8)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) ListFlowers(ctx context.Context) ([]domain.Flower, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+flowerColumns+` FROM flowers ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flowers := make([]domain.Flower, 0, 64)
	for rows.Next() {
		f, err := scanFlower(rows)
		if err != nil {
			return nil, err
		}
		flowers = append(flowers, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return flowers, nil
}

func (s *Store) ListFlowerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM flowers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 64)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) GetFlower(ctx context.Context, id string) (*domain.Flower, error) {
	return getFlower(ctx, s.db, id, false)
}

func (s *Store) ListBatches(ctx context.Context, flowerID string) ([]domain.Batch, error) {
	return queryBatches(ctx, s.db, `WHERE flower_id = $1 `+orderNewestFirst, flowerID)
}

func (s *Store) ListActiveBatchesFEFO(ctx context.Context, flowerID string) ([]domain.Batch, error) {
	return queryBatches(ctx, s.db, `WHERE flower_id = $1 AND active AND quantity_remaining > 0 `+orderFEFO, flowerID)
}

func (s *Store) TotalRemainingStock(ctx context.Context, flowerID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_remaining), 0)
		FROM flower_batches
		WHERE flower_id = $1 AND active
	`, flowerID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) EarliestExpiryDate(ctx context.Context, flowerID string) (*time.Time, error) {
	var earliest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(expiry_date)
		FROM flower_batches
		WHERE flower_id = $1 AND active AND quantity_remaining > 0
	`, flowerID).Scan(&earliest)
	if err != nil {
		return nil, err
	}
	return datePtr(earliest), nil
}

func (s *Store) ListExpiringBatches(ctx context.Context, deadline time.Time) ([]domain.Batch, error) {
	return queryBatches(ctx, s.db, `WHERE active AND quantity_remaining > 0 AND expiry_date <= $1 `+orderFEFO,
		domain.DateOnly(deadline))
}

const reservationColumns = `id, source, customer_name, customer_phone, status, payment_status, payment_method,
	payment_reference, pickup_date, total_amount, created_at, updated_at`

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var (
		r             domain.Reservation
		status        string
		paymentStatus string
		pickup        sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Source, &r.CustomerName, &r.CustomerPhone, &status, &paymentStatus, &r.PaymentMethod,
		&r.PaymentReference, &pickup, &r.TotalAmount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.Status = domain.ReservationStatus(status)
	r.PaymentStatus = domain.PaymentStatus(paymentStatus)
	r.PickupDate = datePtr(pickup)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func getReservation(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanReservation(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	details, err := loadDetails(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	r.Details = details[id]
	return &r, nil
}

func loadDetails(ctx context.Context, q queryer, reservationIDs []string) (map[string][]domain.ReservationDetail, error) {
	out := make(map[string][]domain.ReservationDetail, len(reservationIDs))
	if len(reservationIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT reservation_id, flower_id, flower_name, quantity, unit_price, subtotal
		FROM reservation_details
		WHERE reservation_id = ANY($1)
		ORDER BY reservation_id, line_no
	`, reservationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reservationID string
			d             domain.ReservationDetail
		)
		if err := rows.Scan(&reservationID, &d.FlowerID, &d.FlowerName, &d.Quantity, &d.UnitPrice, &d.Subtotal); err != nil {
			return nil, err
		}
		out[reservationID] = append(out[reservationID], d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return getReservation(ctx, s.db, id, false)
}

func (s *Store) ListReservations(ctx context.Context, limit int) ([]domain.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reservations := make([]domain.Reservation, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	details, err := loadDetails(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range reservations {
		reservations[i].Details = details[reservations[i].ID]
	}
	return reservations, nil
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, contact_person, phone, email, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, supplier.ID, supplier.Name, supplier.ContactPerson, supplier.Phone, supplier.Email, supplier.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	created := supplier
	return &created, nil
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	var supplier domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, contact_person, phone, email, created_at
		FROM suppliers
		WHERE id = $1
	`, id).Scan(&supplier.ID, &supplier.Name, &supplier.ContactPerson, &supplier.Phone, &supplier.Email, &supplier.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	supplier.CreatedAt = supplier.CreatedAt.UTC()
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, contact_person, phone, email, created_at
		FROM suppliers
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 16)
	for rows.Next() {
		var supplier domain.Supplier
		if err := rows.Scan(&supplier.ID, &supplier.Name, &supplier.ContactPerson, &supplier.Phone, &supplier.Email, &supplier.CreatedAt); err != nil {
			return nil, err
		}
		supplier.CreatedAt = supplier.CreatedAt.UTC()
		suppliers = append(suppliers, supplier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	return mapError(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func datePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	d := domain.DateOnly(val.Time)
	return &d
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return domain.DateOnly(*val)
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
