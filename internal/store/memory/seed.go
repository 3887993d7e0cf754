package memory

import (
	"time"

	"github.com/shopspring/decimal"

	"floryn/internal/domain"
)

type seedBatch struct {
	quantity      int
	receivedDays  int
	expiresInDays int
}

type seedFlower struct {
	id       string
	name     string
	category string
	price    string
	batches  []seedBatch
	// legacy flowers carry stock directly and have no batches
	legacyStock int
}

// NewSeeded returns a store with a small catalog dated relative to now. The
// aggregates are consistent with the batches, but freshness statuses are left
// for the first sweep to classify.
func NewSeeded(now time.Time, opts ...Option) *Store {
	s := New(opts...)
	today := domain.DateOnly(now)

	supplier := domain.Supplier{
		ID:            "sup-seed-bloom",
		Name:          "Bloom Wholesale",
		ContactPerson: "Maria Santos",
		Phone:         "+639171234567",
		Email:         "orders@bloomwholesale.example",
		CreatedAt:     now.UTC(),
	}
	s.suppliersByID[supplier.ID] = supplier

	catalog := []seedFlower{
		{id: "flw-seed-red-rose", name: "Red Rose", category: "Roses", price: "120.00", batches: []seedBatch{
			{quantity: 10, receivedDays: -5, expiresInDays: 2},
			{quantity: 20, receivedDays: -1, expiresInDays: 9},
		}},
		{id: "flw-seed-white-lily", name: "White Lily", category: "Lilies", price: "95.00", batches: []seedBatch{
			{quantity: 15, receivedDays: -2, expiresInDays: 5},
		}},
		{id: "flw-seed-sunflower", name: "Sunflower", category: "Seasonal", price: "60.00", batches: []seedBatch{
			{quantity: 4, receivedDays: -6, expiresInDays: -1},
		}},
		{id: "flw-seed-tulip", name: "Pink Tulip", category: "Tulips", price: "150.00", batches: []seedBatch{
			{quantity: 3, receivedDays: 0, expiresInDays: 12},
		}},
		{id: "flw-seed-babys-breath", name: "Baby's Breath", category: "Fillers", price: "35.00", legacyStock: 25},
	}

	for _, item := range catalog {
		flower := domain.Flower{
			ID:              item.id,
			Name:            item.name,
			Category:        item.category,
			Price:           decimal.RequireFromString(item.price),
			FreshnessStatus: domain.FreshnessFresh,
			Status:          domain.FlowerAvailable,
			SupplierID:      supplier.ID,
			CreatedAt:       now.UTC(),
			UpdatedAt:       now.UTC(),
		}

		if len(item.batches) == 0 {
			received := today
			expiry := today.AddDate(0, 0, 6)
			flower.StockQuantity = item.legacyStock
			flower.DateReceived = &received
			flower.ExpiryDate = &expiry
			s.flowersByID[flower.ID] = flower
			continue
		}

		var earliest *domain.Batch
		for i, sb := range item.batches {
			b := domain.Batch{
				ID:                flower.ID + "-b" + string(rune('1'+i)),
				FlowerID:          flower.ID,
				QuantityReceived:  sb.quantity,
				QuantityRemaining: sb.quantity,
				DateReceived:      today.AddDate(0, 0, sb.receivedDays),
				ExpiryDate:        today.AddDate(0, 0, sb.expiresInDays),
				FreshnessStatus:   domain.FreshnessFresh,
				Active:            true,
				CreatedAt:         now.UTC().Add(time.Duration(i) * time.Second),
			}
			s.batchesByID[b.ID] = b
			s.batchIDsByFlower[flower.ID] = append(s.batchIDsByFlower[flower.ID], b.ID)
			flower.StockQuantity += b.QuantityRemaining
			if earliest == nil || b.ExpiryDate.Before(earliest.ExpiryDate) {
				copyBatch := b
				earliest = &copyBatch
			}
		}
		flower.ExpiryDate = &earliest.ExpiryDate
		flower.DateReceived = &earliest.DateReceived
		s.flowersByID[flower.ID] = flower
	}
	return s
}
