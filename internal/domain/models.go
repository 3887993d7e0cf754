package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type FreshnessStatus string

const (
	FreshnessFresh    FreshnessStatus = "Fresh"
	FreshnessGood     FreshnessStatus = "Good"
	FreshnessLastSale FreshnessStatus = "Last Sale"
	FreshnessExpired  FreshnessStatus = "Expired"
)

type FlowerStatus string

const (
	FlowerAvailable   FlowerStatus = "Available"
	FlowerSoldOut     FlowerStatus = "Sold Out"
	FlowerUnavailable FlowerStatus = "Unavailable"
)

// Flower is a sellable product line. StockQuantity, ExpiryDate and
// DateReceived are projections of the batch set whenever the flower has at
// least one batch; legacy flowers without batches own StockQuantity directly.
type Flower struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Category        string              `json:"category"`
	Price           decimal.Decimal     `json:"price"`
	DiscountPrice   decimal.NullDecimal `json:"discount_price"`
	StockQuantity   int                 `json:"stock_quantity"`
	FreshnessStatus FreshnessStatus     `json:"freshness_status"`
	Status          FlowerStatus        `json:"status"`
	DateReceived    *time.Time          `json:"date_received,omitempty"`
	ExpiryDate      *time.Time          `json:"expiry_date,omitempty"`
	SoldAt          *time.Time          `json:"sold_at,omitempty"`
	SupplierID      string              `json:"supplier_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// EffectivePrice is the unit price a sale is charged at.
func (f Flower) EffectivePrice() decimal.Decimal {
	if f.DiscountPrice.Valid && f.DiscountPrice.Decimal.IsPositive() {
		return f.DiscountPrice.Decimal
	}
	return f.Price
}

// IsSellable reports whether the flower counts toward active freshness statistics.
func (f Flower) IsSellable() bool {
	return f.StockQuantity > 0 && f.Status != FlowerSoldOut && f.Status != FlowerUnavailable
}

func (f *Flower) ClearDiscount() {
	f.DiscountPrice = decimal.NullDecimal{}
}

func (f *Flower) SetDiscount(price decimal.Decimal) {
	f.DiscountPrice = decimal.NewNullDecimal(price)
}

type Supplier struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ContactPerson string    `json:"contact_person"`
	Phone         string    `json:"phone"`
	Email         string    `json:"email"`
	CreatedAt     time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name          string `json:"name"`
	ContactPerson string `json:"contact_person"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
}

type FlowerIntakeRequest struct {
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Price        decimal.Decimal `json:"price"`
	SupplierID   string          `json:"supplier_id"`
	Quantity     int             `json:"quantity"`
	DateReceived string          `json:"date_received,omitempty"`
	ExpiryDate   string          `json:"expiry_date"`
}

type RestockRequest struct {
	Quantity   int    `json:"quantity"`
	ExpiryDate string `json:"expiry_date"`
}

type FlowerDetail struct {
	Flower  Flower  `json:"flower"`
	Batches []Batch `json:"batches"`
}

type StockSummary struct {
	FlowerID       string     `json:"flower_id"`
	TotalRemaining int        `json:"total_remaining"`
	EarliestExpiry *time.Time `json:"earliest_expiry,omitempty"`
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "Pending"
	ReservationConfirmed ReservationStatus = "Confirmed"
	ReservationCompleted ReservationStatus = "Completed"
	ReservationCancelled ReservationStatus = "Cancelled"
)

type PaymentStatus string

const (
	PaymentPaid   PaymentStatus = "Paid"
	PaymentUnpaid PaymentStatus = "Unpaid"
)

const (
	SourcePOS         = "pos"
	SourceReservation = "reservation"
)

type LineItem struct {
	FlowerID string `json:"flower_id"`
	Quantity int    `json:"quantity"`
}

type ReservationDetail struct {
	FlowerID   string          `json:"flower_id"`
	FlowerName string          `json:"flower_name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

// Reservation is both a walk-in POS sale and a pickup reservation; Source
// tells them apart. Details record what the creation deducted, which is
// exactly what cancellation restores.
type Reservation struct {
	ID               string              `json:"id"`
	Source           string              `json:"source"`
	CustomerName     string              `json:"customer_name"`
	CustomerPhone    string              `json:"customer_phone,omitempty"`
	Status           ReservationStatus   `json:"status"`
	PaymentStatus    PaymentStatus       `json:"payment_status"`
	PaymentMethod    string              `json:"payment_method,omitempty"`
	PaymentReference string              `json:"payment_reference,omitempty"`
	PickupDate       *time.Time          `json:"pickup_date,omitempty"`
	TotalAmount      decimal.Decimal     `json:"total_amount"`
	Details          []ReservationDetail `json:"details"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

type CheckoutRequest struct {
	CustomerName  string     `json:"customer_name"`
	CustomerPhone string     `json:"customer_phone"`
	PaymentMethod string     `json:"payment_method"`
	Items         []LineItem `json:"items"`
}

type ReservationCreateRequest struct {
	CustomerName  string     `json:"customer_name"`
	CustomerPhone string     `json:"customer_phone"`
	PickupDate    string     `json:"pickup_date"`
	Items         []LineItem `json:"items"`
}

type ReservationUpdateRequest struct {
	PickupDate string     `json:"pickup_date,omitempty"`
	Items      []LineItem `json:"items"`
}

type FreshnessStats struct {
	Fresh    int `json:"fresh"`
	Good     int `json:"good"`
	LastSale int `json:"lastSale"`
	Expired  int `json:"expired"`
	Total    int `json:"total"`
}

// FreshnessCounts is one row of a grouped freshness breakdown.
type FreshnessCounts struct {
	Fresh    int `json:"Fresh"`
	Good     int `json:"Good"`
	LastSale int `json:"Last Sale"`
	Expired  int `json:"Expired"`
	Total    int `json:"total"`
}

func (c *FreshnessCounts) Add(status FreshnessStatus) {
	switch status {
	case FreshnessFresh:
		c.Fresh++
	case FreshnessGood:
		c.Good++
	case FreshnessLastSale:
		c.LastSale++
	case FreshnessExpired:
		c.Expired++
	}
	c.Total++
}

type CategoryFreshness struct {
	Category string `json:"category"`
	FreshnessCounts
}

type FlowerNameFreshness struct {
	Name          string `json:"name"`
	Category      string `json:"category"`
	StockQuantity int    `json:"stockQuantity"`
	FreshnessCounts
}

type SavingsSummary struct {
	TotalSavings         decimal.Decimal `json:"totalSavings"`
	TotalDiscountedValue decimal.Decimal `json:"totalDiscountedValue"`
	TotalOriginalValue   decimal.Decimal `json:"totalOriginalValue"`
	DiscountedItemsCount int             `json:"discountedItemsCount"`
}

type DashboardSnapshot struct {
	GeneratedAt     time.Time               `json:"generated_at"`
	Stats           FreshnessStats          `json:"stats"`
	Distribution    map[FreshnessStatus]int `json:"distribution"`
	Savings         SavingsSummary          `json:"savings"`
	ExpiringSoon    []Flower                `json:"expiring_soon"`
	LowStock        []Flower                `json:"low_stock"`
	ExpiringBatches []Batch                 `json:"expiring_batches"`
	LowStockMinimum int                     `json:"low_stock_threshold"`
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
