package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"floryn/internal/domain"
	"floryn/internal/freshness"
	"floryn/internal/ledger"
	"floryn/internal/store"
	"floryn/internal/sweep"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

type Config struct {
	Location *time.Location
	Now      func() time.Time
	Logger   *zap.Logger
}

// Service runs the stock-changing workflows. Every workflow is one
// transaction; the touched flowers are reclassified once it has committed.
type Service struct {
	repo    store.Repository
	ledger  *ledger.Ledger
	sweeper *sweep.Sweeper
	loc     *time.Location
	now     func() time.Time
	logger  *zap.Logger
}

func New(repo store.Repository, l *ledger.Ledger, sweeper *sweep.Sweeper, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		ledger:  l,
		sweeper: sweeper,
		loc:     cfg.Location,
		now:     cfg.Now,
		logger:  cfg.Logger.Named("service"),
	}
}

func (s *Service) today() time.Time {
	return freshness.Today(s.now(), s.loc)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, fmt.Sprintf(format, args...))
}

// reclassify runs after a commit, so a failure only leaves derived fields
// stale until the next sweep.
func (s *Service) reclassify(ctx context.Context, flowerIDs []string) {
	if s.sweeper == nil {
		return
	}
	if err := s.sweeper.Reclassify(ctx, flowerIDs); err != nil {
		s.logger.Warn("reclassify after commit failed",
			zap.Strings("flower_ids", flowerIDs),
			zap.Error(err),
		)
	}
}

func (s *Service) ListFlowers(ctx context.Context) ([]domain.Flower, error) {
	return s.repo.ListFlowers(ctx)
}

func (s *Service) GetFlower(ctx context.Context, id string) (domain.FlowerDetail, error) {
	flower, err := s.repo.GetFlower(ctx, id)
	if err != nil {
		return domain.FlowerDetail{}, err
	}
	batches, err := s.repo.ListBatches(ctx, id)
	if err != nil {
		return domain.FlowerDetail{}, err
	}
	return domain.FlowerDetail{Flower: *flower, Batches: batches}, nil
}

// ActiveBatches lists the batches a sale would draw from, in draw order.
func (s *Service) ActiveBatches(ctx context.Context, flowerID string) ([]domain.Batch, error) {
	if _, err := s.repo.GetFlower(ctx, flowerID); err != nil {
		return nil, err
	}
	return s.repo.ListActiveBatchesFEFO(ctx, flowerID)
}

func (s *Service) StockSummary(ctx context.Context, flowerID string) (domain.StockSummary, error) {
	flower, err := s.repo.GetFlower(ctx, flowerID)
	if err != nil {
		return domain.StockSummary{}, err
	}
	batches, err := s.repo.ListBatches(ctx, flowerID)
	if err != nil {
		return domain.StockSummary{}, err
	}
	if len(batches) == 0 {
		return domain.StockSummary{
			FlowerID:       flowerID,
			TotalRemaining: flower.StockQuantity,
			EarliestExpiry: flower.ExpiryDate,
		}, nil
	}

	total, err := s.repo.TotalRemainingStock(ctx, flowerID)
	if err != nil {
		return domain.StockSummary{}, err
	}
	earliest, err := s.repo.EarliestExpiryDate(ctx, flowerID)
	if err != nil {
		return domain.StockSummary{}, err
	}
	return domain.StockSummary{FlowerID: flowerID, TotalRemaining: total, EarliestExpiry: earliest}, nil
}

// IntakeFlower creates a flower together with its first batch.
func (s *Service) IntakeFlower(ctx context.Context, req domain.FlowerIntakeRequest) (domain.FlowerDetail, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.FlowerDetail{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.SupplierID = strings.TrimSpace(req.SupplierID)
	if req.Name == "" || req.Category == "" {
		return domain.FlowerDetail{}, invalid("name and category are required")
	}
	if !req.Price.IsPositive() {
		return domain.FlowerDetail{}, invalid("price must be greater than zero")
	}
	if req.Quantity < 1 {
		return domain.FlowerDetail{}, invalid("quantity must be greater than zero")
	}

	today := s.today()
	received := today
	if req.DateReceived != "" {
		if received, err = freshness.ParseDate(req.DateReceived); err != nil {
			return domain.FlowerDetail{}, invalid("date received must be YYYY-MM-DD")
		}
	}
	expiry, err := s.parseExpiry(req.ExpiryDate, today)
	if err != nil {
		return domain.FlowerDetail{}, err
	}
	if req.SupplierID != "" {
		if _, err := s.repo.GetSupplier(ctx, req.SupplierID); err != nil {
			return domain.FlowerDetail{}, fmt.Errorf("supplier %s: %w", req.SupplierID, err)
		}
	}

	var flowerID string
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		created, err := tx.CreateFlower(ctx, domain.Flower{
			Name:            req.Name,
			Category:        req.Category,
			Price:           req.Price,
			FreshnessStatus: domain.FreshnessFresh,
			Status:          domain.FlowerAvailable,
			SupplierID:      req.SupplierID,
		})
		if err != nil {
			return err
		}
		flowerID = created.ID

		batch, err := domain.NewBatch(created.ID, req.Quantity, received, expiry, s.now())
		if err != nil {
			return err
		}
		if _, err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}
		return ledger.SyncFromBatches(ctx, tx, created)
	})
	if err != nil {
		return domain.FlowerDetail{}, err
	}

	s.reclassify(ctx, []string{flowerID})
	s.logger.Info("flower intake",
		zap.String("flower_id", flowerID),
		zap.String("actor", actor.Username),
		zap.Int("quantity", req.Quantity),
	)
	return s.GetFlower(ctx, flowerID)
}

// Restock appends a batch received today. A flower that so far carried its
// stock directly gets its existing units moved into an opening batch first,
// so the batch set accounts for every unit.
func (s *Service) Restock(ctx context.Context, flowerID string, req domain.RestockRequest) (domain.FlowerDetail, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.FlowerDetail{}, err
	}
	if req.Quantity < 1 {
		return domain.FlowerDetail{}, invalid("quantity must be greater than zero")
	}
	today := s.today()
	expiry, err := s.parseExpiry(req.ExpiryDate, today)
	if err != nil {
		return domain.FlowerDetail{}, err
	}

	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		flower, err := tx.LockFlower(ctx, flowerID)
		if err != nil {
			return err
		}
		count, err := tx.CountBatches(ctx, flowerID)
		if err != nil {
			return err
		}

		quantity := req.Quantity
		if count == 0 && flower.StockQuantity > 0 {
			opening, ok := s.openingBatch(*flower, today)
			if ok {
				if _, err := tx.CreateBatch(ctx, opening); err != nil {
					return err
				}
			} else {
				quantity += flower.StockQuantity
			}
		}

		batch, err := domain.NewBatch(flowerID, quantity, today, expiry, s.now())
		if err != nil {
			return err
		}
		if _, err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}
		if err := ledger.SyncFromBatches(ctx, tx, flower); err != nil {
			return err
		}
		flower.Status = domain.FlowerAvailable
		flower.SoldAt = nil
		return tx.UpdateFlower(ctx, *flower)
	})
	if err != nil {
		return domain.FlowerDetail{}, err
	}

	s.reclassify(ctx, []string{flowerID})
	s.logger.Info("flower restocked",
		zap.String("flower_id", flowerID),
		zap.String("actor", actor.Username),
		zap.Int("quantity", req.Quantity),
	)
	return s.GetFlower(ctx, flowerID)
}

func (s *Service) openingBatch(flower domain.Flower, today time.Time) (domain.Batch, bool) {
	if flower.ExpiryDate == nil {
		return domain.Batch{}, false
	}
	received := today
	if flower.DateReceived != nil {
		received = *flower.DateReceived
	}
	// batch creation order is part of the FEFO tie-break, so the opening batch
	// must sort before the one added with it
	batch, err := domain.NewBatch(flower.ID, flower.StockQuantity, received, *flower.ExpiryDate, s.now().Add(-time.Millisecond))
	if err != nil {
		return domain.Batch{}, false
	}
	return batch, true
}

func (s *Service) parseExpiry(raw string, today time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, invalid("expiry date is required")
	}
	expiry, err := freshness.ParseDate(raw)
	if err != nil {
		return time.Time{}, invalid("expiry date must be YYYY-MM-DD")
	}
	if expiry.Before(today) {
		return time.Time{}, invalid("expiry date cannot be in the past")
	}
	return expiry, nil
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Supplier{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" {
		return domain.Supplier{}, invalid("supplier name is required")
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		return domain.Supplier{}, invalid("supplier email is invalid")
	}
	created, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		Name:          req.Name,
		ContactPerson: strings.TrimSpace(req.ContactPerson),
		Phone:         strings.TrimSpace(req.Phone),
		Email:         req.Email,
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		return domain.Supplier{}, err
	}
	return *created, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func detailFlowerIDs(details []domain.ReservationDetail) []string {
	ids := make([]string, 0, len(details))
	for _, d := range details {
		ids = append(ids, d.FlowerID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
