package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"floryn/internal/domain"
	"floryn/internal/freshness"
	"floryn/internal/store"
)

const (
	walkInCustomer       = "Walk-in Customer"
	defaultPaymentMethod = "cash"
	defaultListLimit     = 50
	maxListLimit         = 200
)

// Checkout sells every line in one transaction. Either all lines are
// deducted or none are; every unknown flower and every shortfall is reported
// together.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.Reservation, error) {
	if err := validateItems(req.Items); err != nil {
		return domain.Reservation{}, err
	}
	customer := strings.TrimSpace(req.CustomerName)
	if customer == "" {
		customer = walkInCustomer
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = defaultPaymentMethod
	}

	now := s.now()
	var created *domain.Reservation
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		details, err := s.take(ctx, tx, req.Items)
		if err != nil {
			return err
		}
		total := sumDetails(details)
		if !total.IsPositive() {
			return invalid("total must be greater than zero")
		}
		created, err = tx.CreateReservation(ctx, domain.Reservation{
			Source:           domain.SourcePOS,
			CustomerName:     customer,
			CustomerPhone:    strings.TrimSpace(req.CustomerPhone),
			Status:           domain.ReservationCompleted,
			PaymentStatus:    domain.PaymentPaid,
			PaymentMethod:    method,
			PaymentReference: s.posReference(now),
			TotalAmount:      total,
			Details:          details,
			CreatedAt:        now.UTC(),
		})
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.reclassify(ctx, detailFlowerIDs(created.Details))
	s.logger.Info("checkout committed",
		zap.String("reservation_id", created.ID),
		zap.String("reference", created.PaymentReference),
		zap.String("total", created.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(created.Details)),
	)
	return *created, nil
}

func (s *Service) CreateReservation(ctx context.Context, req domain.ReservationCreateRequest) (domain.Reservation, error) {
	if err := validateItems(req.Items); err != nil {
		return domain.Reservation{}, err
	}
	customer := strings.TrimSpace(req.CustomerName)
	if customer == "" {
		return domain.Reservation{}, invalid("customer name is required")
	}
	if req.PickupDate == "" {
		return domain.Reservation{}, invalid("pickup date is required")
	}
	pickup, err := s.parsePickup(req.PickupDate)
	if err != nil {
		return domain.Reservation{}, err
	}

	var created *domain.Reservation
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		details, err := s.take(ctx, tx, req.Items)
		if err != nil {
			return err
		}
		total := sumDetails(details)
		if !total.IsPositive() {
			return invalid("total must be greater than zero")
		}
		created, err = tx.CreateReservation(ctx, domain.Reservation{
			Source:        domain.SourceReservation,
			CustomerName:  customer,
			CustomerPhone: strings.TrimSpace(req.CustomerPhone),
			Status:        domain.ReservationPending,
			PaymentStatus: domain.PaymentUnpaid,
			PickupDate:    &pickup,
			TotalAmount:   total,
			Details:       details,
			CreatedAt:     s.now().UTC(),
		})
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.reclassify(ctx, detailFlowerIDs(created.Details))
	s.logger.Info("reservation created",
		zap.String("reservation_id", created.ID),
		zap.String("total", created.TotalAmount.StringFixed(2)),
	)
	return *created, nil
}

// UpdateReservation swaps the reservation's lines. The old lines are put back
// first and the new ones are checked against that restored stock; a failed
// check rolls the restores back as well.
func (s *Service) UpdateReservation(ctx context.Context, id string, req domain.ReservationUpdateRequest) (domain.Reservation, error) {
	if err := validateItems(req.Items); err != nil {
		return domain.Reservation{}, err
	}
	var pickup *time.Time
	if req.PickupDate != "" {
		parsed, err := s.parsePickup(req.PickupDate)
		if err != nil {
			return domain.Reservation{}, err
		}
		pickup = &parsed
	}

	var updated domain.Reservation
	var touched []string
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		reservation, err := tx.LockReservation(ctx, id)
		if err != nil {
			return err
		}
		if reservation.Status != domain.ReservationPending && reservation.Status != domain.ReservationConfirmed {
			return invalid("reservation is %s", strings.ToLower(string(reservation.Status)))
		}

		touched = append(detailFlowerIDs(reservation.Details), itemFlowerIDs(req.Items)...)
		slices.Sort(touched)
		touched = slices.Compact(touched)
		if _, err := lockFlowers(ctx, tx, touched); err != nil {
			return err
		}

		if err := s.give(ctx, tx, reservation.Details); err != nil {
			return err
		}
		details, err := s.take(ctx, tx, req.Items)
		if err != nil {
			return err
		}
		total := sumDetails(details)
		if !total.IsPositive() {
			return invalid("total must be greater than zero")
		}

		reservation.Details = details
		reservation.TotalAmount = total
		if pickup != nil {
			reservation.PickupDate = pickup
		}
		if err := tx.UpdateReservation(ctx, *reservation); err != nil {
			return err
		}
		updated = *reservation
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.reclassify(ctx, touched)
	s.logger.Info("reservation updated",
		zap.String("reservation_id", id),
		zap.String("total", updated.TotalAmount.StringFixed(2)),
	)
	return updated, nil
}

// CancelReservation puts back exactly what the reservation took. A
// reservation can be cancelled once.
func (s *Service) CancelReservation(ctx context.Context, id string) (domain.Reservation, error) {
	var cancelled domain.Reservation
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		reservation, err := tx.LockReservation(ctx, id)
		if err != nil {
			return err
		}
		switch reservation.Status {
		case domain.ReservationCancelled:
			return invalid("reservation is already cancelled")
		case domain.ReservationCompleted:
			return invalid("completed reservations cannot be cancelled")
		}

		if err := s.give(ctx, tx, reservation.Details); err != nil {
			return err
		}
		reservation.Status = domain.ReservationCancelled
		if err := tx.UpdateReservation(ctx, *reservation); err != nil {
			return err
		}
		cancelled = *reservation
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.reclassify(ctx, detailFlowerIDs(cancelled.Details))
	s.logger.Info("reservation cancelled", zap.String("reservation_id", id))
	return cancelled, nil
}

// DeleteReservation removes the record, restoring its stock unless a
// cancellation already did.
func (s *Service) DeleteReservation(ctx context.Context, id string) error {
	var touched []string
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		reservation, err := tx.LockReservation(ctx, id)
		if err != nil {
			return err
		}
		if reservation.Status != domain.ReservationCancelled {
			if err := s.give(ctx, tx, reservation.Details); err != nil {
				return err
			}
			touched = detailFlowerIDs(reservation.Details)
		}
		return tx.DeleteReservation(ctx, id)
	})
	if err != nil {
		return err
	}

	s.reclassify(ctx, touched)
	s.logger.Info("reservation deleted", zap.String("reservation_id", id))
	return nil
}

func (s *Service) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	reservation, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	return *reservation, nil
}

func (s *Service) ListReservations(ctx context.Context, limit int) ([]domain.Reservation, error) {
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListReservations(ctx, limit)
}

// take locks, prices and deducts the lines, then marks drained flowers
// Sold Out.
func (s *Service) take(ctx context.Context, tx store.Tx, items []domain.LineItem) ([]domain.ReservationDetail, error) {
	locked, err := lockFlowers(ctx, tx, itemFlowerIDs(items))
	if err != nil {
		return nil, err
	}
	details, err := priceLines(items, locked)
	if err != nil {
		return nil, err
	}

	for _, d := range details {
		deducted, err := s.ledger.Deduct(ctx, tx, d.FlowerID, d.Quantity)
		if err != nil {
			return nil, err
		}
		if deducted < d.Quantity {
			// the stored aggregate overstated what the batches hold
			return nil, &ShortfallError{
				FlowerID:   d.FlowerID,
				FlowerName: d.FlowerName,
				Requested:  d.Quantity,
				Available:  deducted,
			}
		}
	}

	for _, id := range detailFlowerIDs(details) {
		flower, err := tx.LockFlower(ctx, id)
		if err != nil {
			return nil, err
		}
		if flower.StockQuantity > 0 || flower.Status != domain.FlowerAvailable {
			continue
		}
		flower.Status = domain.FlowerSoldOut
		if err := tx.UpdateFlower(ctx, *flower); err != nil {
			return nil, fmt.Errorf("update flower %s: %w", id, err)
		}
	}
	return details, nil
}

// give restores every detail and reopens Sold Out flowers that have stock
// again.
func (s *Service) give(ctx context.Context, tx store.Tx, details []domain.ReservationDetail) error {
	ids := detailFlowerIDs(details)
	locked, err := lockFlowers(ctx, tx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			return fmt.Errorf("flower %s: %w", id, store.ErrNotFound)
		}
	}

	for _, d := range details {
		if err := s.ledger.Restore(ctx, tx, d.FlowerID, d.Quantity); err != nil {
			return err
		}
	}

	for _, id := range ids {
		flower, err := tx.LockFlower(ctx, id)
		if err != nil {
			return err
		}
		if flower.Status != domain.FlowerSoldOut || flower.StockQuantity <= 0 {
			continue
		}
		flower.Status = domain.FlowerAvailable
		if err := tx.UpdateFlower(ctx, *flower); err != nil {
			return fmt.Errorf("update flower %s: %w", id, err)
		}
	}
	return nil
}

// lockFlowers locks ids in ascending order. Unknown ids are left out of the
// result rather than failing the call.
func lockFlowers(ctx context.Context, tx store.Tx, ids []string) (map[string]*domain.Flower, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	locked := make(map[string]*domain.Flower, len(sorted))
	for _, id := range sorted {
		flower, err := tx.LockFlower(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		locked[id] = flower
	}
	return locked, nil
}

// priceLines checks the summed quantity per flower against its stock and
// prices each line at the flower's effective price.
func priceLines(items []domain.LineItem, locked map[string]*domain.Flower) ([]domain.ReservationDetail, error) {
	requested := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if _, seen := requested[item.FlowerID]; !seen {
			order = append(order, item.FlowerID)
		}
		requested[item.FlowerID] += item.Quantity
	}

	var errs error
	for _, id := range order {
		flower, ok := locked[id]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("flower %s: %w", id, store.ErrNotFound))
			continue
		}
		if requested[id] > flower.StockQuantity {
			errs = multierr.Append(errs, &ShortfallError{
				FlowerID:   id,
				FlowerName: flower.Name,
				Requested:  requested[id],
				Available:  max(flower.StockQuantity, 0),
			})
		}
	}
	if errs != nil {
		return nil, errs
	}

	details := make([]domain.ReservationDetail, 0, len(items))
	for _, item := range items {
		flower := locked[item.FlowerID]
		unit := flower.EffectivePrice()
		details = append(details, domain.ReservationDetail{
			FlowerID:   flower.ID,
			FlowerName: flower.Name,
			Quantity:   item.Quantity,
			UnitPrice:  unit,
			Subtotal:   unit.Mul(decimal.NewFromInt(int64(item.Quantity))),
		})
	}
	return details, nil
}

func validateItems(items []domain.LineItem) error {
	if len(items) == 0 {
		return invalid("at least one item is required")
	}
	for i := range items {
		items[i].FlowerID = strings.TrimSpace(items[i].FlowerID)
		if items[i].FlowerID == "" {
			return invalid("item %d: flower id is required", i+1)
		}
		if items[i].Quantity < 1 {
			return invalid("item %d: quantity must be greater than zero", i+1)
		}
	}
	return nil
}

func itemFlowerIDs(items []domain.LineItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.FlowerID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func sumDetails(details []domain.ReservationDetail) decimal.Decimal {
	total := decimal.Zero
	for _, d := range details {
		total = total.Add(d.Subtotal)
	}
	return total
}

func (s *Service) parsePickup(raw string) (time.Time, error) {
	pickup, err := freshness.ParseDate(raw)
	if err != nil {
		return time.Time{}, invalid("pickup date must be YYYY-MM-DD")
	}
	if pickup.Before(s.today()) {
		return time.Time{}, invalid("pickup date cannot be in the past")
	}
	return pickup, nil
}

// posReference formats POS-YYYYMMDD-NNNNN with a random sequence part.
func (s *Service) posReference(now time.Time) string {
	return fmt.Sprintf("POS-%s-%05d", now.In(s.loc).Format("20060102"), rand.Intn(99999)+1)
}
