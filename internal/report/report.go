// Package report holds the read-only freshness projections used by dashboards.
// Every projection except RecentlyExpired and LowStock looks only at sellable
// flowers: stock above zero and neither Sold Out nor Unavailable.
package report

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"floryn/internal/cache"
	"floryn/internal/domain"
	"floryn/internal/freshness"
	"floryn/internal/store"
)

const (
	DefaultLowStockThreshold = 5
	DefaultExpiringBatchDays = 3
	defaultCacheTTL          = 30 * time.Second
)

type Config struct {
	Cache    cache.DashboardCache
	CacheTTL time.Duration
	Location *time.Location
	Now      func() time.Time
	Logger   *zap.Logger
}

type Reporter struct {
	repo     store.Repository
	cache    cache.DashboardCache
	cacheTTL time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

func New(repo store.Repository, cfg Config) *Reporter {
	if cfg.Cache == nil {
		cfg.Cache = cache.NoopDashboardCache{}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reporter{
		repo:     repo,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		loc:      cfg.Location,
		now:      cfg.Now,
		logger:   cfg.Logger.Named("report"),
	}
}

func (r *Reporter) today() time.Time {
	return freshness.Today(r.now(), r.loc)
}

func (r *Reporter) flowers(ctx context.Context) ([]domain.Flower, error) {
	flowers, err := r.repo.ListFlowers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flowers: %w", err)
	}
	return flowers, nil
}

func (r *Reporter) Stats(ctx context.Context) (domain.FreshnessStats, error) {
	flowers, err := r.flowers(ctx)
	if err != nil {
		return domain.FreshnessStats{}, err
	}
	return Stats(flowers), nil
}

func (r *Reporter) Distribution(ctx context.Context) (map[domain.FreshnessStatus]int, error) {
	flowers, err := r.flowers(ctx)
	if err != nil {
		return nil, err
	}
	return Distribution(flowers), nil
}

func (r *Reporter) ExpiringSoon(ctx context.Context) ([]domain.Flower, error) {
	flowers, err := r.flowers(ctx)
	if err != nil {
		return nil, err
	}
	return ExpiringSoon(flowers), nil
}

func (r *Reporter) Savings(ctx context.Context) (domain.SavingsSummary, error) {
	flowers, err := r.flowers(ctx)
	if err != nil {
		return domain.SavingsSummary{}, err
	}
	return Savings(flowers), nil
}

func (r *Reporter) ByCategory(ctx context.Context) ([]domain.CategoryFreshness, error) {
	flowers, err := r.flowers(ctx)
	if err != nil {
		return nil, err
	}
	return ByCategory(flowers), nil
}

func (r *Reporter) ByFlowerName(ctx context.Context) ([]domain.FlowerNameFreshness, error) {
	flowers, err := r.flowers(ctx)
	if err != nil {
		return nil, err
	}
	return ByFlowerName(flowers), nil
}

// RecentlyExpired lists Expired flowers whose expiry is yesterday or later.
func (r *Reporter) RecentlyExpired(ctx context.Context) ([]domain.Flower, error) {
	flowers, err := r.flowers(ctx)
	if err != nil {
		return nil, err
	}
	return RecentlyExpired(flowers, r.today()), nil
}

func (r *Reporter) LowStock(ctx context.Context, threshold int) ([]domain.Flower, error) {
	flowers, err := r.flowers(ctx)
	if err != nil {
		return nil, err
	}
	return LowStock(flowers, threshold), nil
}

// ExpiringBatches lists active batches that expire within days from today.
func (r *Reporter) ExpiringBatches(ctx context.Context, days int) ([]domain.Batch, error) {
	if days < 0 {
		days = DefaultExpiringBatchDays
	}
	batches, err := r.repo.ListExpiringBatches(ctx, r.today().AddDate(0, 0, days))
	if err != nil {
		return nil, fmt.Errorf("list expiring batches: %w", err)
	}
	return batches, nil
}

// Dashboard serves the combined snapshot, from cache when possible. Cache
// errors are logged and never fail the call.
func (r *Reporter) Dashboard(ctx context.Context, lowStockThreshold int) (*domain.DashboardSnapshot, error) {
	if lowStockThreshold < 1 {
		lowStockThreshold = DefaultLowStockThreshold
	}
	key := fmt.Sprintf("lowstock=%d", lowStockThreshold)

	cached, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("dashboard cache read failed", zap.Error(err))
	} else if ok {
		return cached, nil
	}

	var (
		flowers []domain.Flower
		batches []domain.Batch
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		flowers, err = r.flowers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		batches, err = r.ExpiringBatches(gctx, DefaultExpiringBatchDays)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshot := &domain.DashboardSnapshot{
		GeneratedAt:     r.now().UTC(),
		Stats:           Stats(flowers),
		Distribution:    Distribution(flowers),
		Savings:         Savings(flowers),
		ExpiringSoon:    ExpiringSoon(flowers),
		LowStock:        LowStock(flowers, lowStockThreshold),
		ExpiringBatches: batches,
		LowStockMinimum: lowStockThreshold,
	}
	if err := r.cache.Set(ctx, key, snapshot, r.cacheTTL); err != nil {
		r.logger.Warn("dashboard cache write failed", zap.Error(err))
	}
	return snapshot, nil
}

func sellable(flowers []domain.Flower) []domain.Flower {
	out := make([]domain.Flower, 0, len(flowers))
	for _, f := range flowers {
		if f.IsSellable() {
			out = append(out, f)
		}
	}
	return out
}

func Stats(flowers []domain.Flower) domain.FreshnessStats {
	active := sellable(flowers)
	stats := domain.FreshnessStats{Total: len(active)}
	for _, f := range active {
		switch f.FreshnessStatus {
		case domain.FreshnessFresh:
			stats.Fresh++
		case domain.FreshnessGood:
			stats.Good++
		case domain.FreshnessLastSale:
			stats.LastSale++
		case domain.FreshnessExpired:
			stats.Expired++
		}
	}
	return stats
}

func Distribution(flowers []domain.Flower) map[domain.FreshnessStatus]int {
	dist := map[domain.FreshnessStatus]int{
		domain.FreshnessFresh:    0,
		domain.FreshnessGood:     0,
		domain.FreshnessLastSale: 0,
		domain.FreshnessExpired:  0,
	}
	for _, f := range sellable(flowers) {
		if _, known := dist[f.FreshnessStatus]; known {
			dist[f.FreshnessStatus]++
		}
	}
	return dist
}

func ExpiringSoon(flowers []domain.Flower) []domain.Flower {
	out := make([]domain.Flower, 0)
	for _, f := range sellable(flowers) {
		if f.FreshnessStatus == domain.FreshnessLastSale {
			out = append(out, f)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Flower) int {
		return compareExpiry(a.ExpiryDate, b.ExpiryDate)
	})
	return out
}

func Savings(flowers []domain.Flower) domain.SavingsSummary {
	summary := domain.SavingsSummary{
		TotalSavings:         decimal.Zero,
		TotalDiscountedValue: decimal.Zero,
		TotalOriginalValue:   decimal.Zero,
	}
	for _, f := range sellable(flowers) {
		if f.FreshnessStatus != domain.FreshnessLastSale || !f.DiscountPrice.Valid {
			continue
		}
		qty := decimal.NewFromInt(int64(f.StockQuantity))
		original := f.Price.Mul(qty)
		discounted := f.DiscountPrice.Decimal.Mul(qty)
		summary.TotalOriginalValue = summary.TotalOriginalValue.Add(original)
		summary.TotalDiscountedValue = summary.TotalDiscountedValue.Add(discounted)
		summary.TotalSavings = summary.TotalSavings.Add(original.Sub(discounted))
		summary.DiscountedItemsCount++
	}
	return summary
}

func ByCategory(flowers []domain.Flower) []domain.CategoryFreshness {
	byCategory := make(map[string]*domain.CategoryFreshness)
	for _, f := range sellable(flowers) {
		row, ok := byCategory[f.Category]
		if !ok {
			row = &domain.CategoryFreshness{Category: f.Category}
			byCategory[f.Category] = row
		}
		row.Add(f.FreshnessStatus)
	}
	out := make([]domain.CategoryFreshness, 0, len(byCategory))
	for _, row := range byCategory {
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b domain.CategoryFreshness) int {
		return strings.Compare(a.Category, b.Category)
	})
	return out
}

func ByFlowerName(flowers []domain.Flower) []domain.FlowerNameFreshness {
	byName := make(map[string]*domain.FlowerNameFreshness)
	for _, f := range sellable(flowers) {
		row, ok := byName[f.Name]
		if !ok {
			row = &domain.FlowerNameFreshness{Name: f.Name, Category: f.Category}
			byName[f.Name] = row
		}
		row.Add(f.FreshnessStatus)
		row.StockQuantity += f.StockQuantity
	}
	out := make([]domain.FlowerNameFreshness, 0, len(byName))
	for _, row := range byName {
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b domain.FlowerNameFreshness) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func RecentlyExpired(flowers []domain.Flower, today time.Time) []domain.Flower {
	yesterday := today.AddDate(0, 0, -1)
	out := make([]domain.Flower, 0)
	for _, f := range flowers {
		if f.FreshnessStatus != domain.FreshnessExpired || f.ExpiryDate == nil {
			continue
		}
		if f.ExpiryDate.Before(yesterday) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// LowStock lists Available flowers below threshold, lowest stock first.
func LowStock(flowers []domain.Flower, threshold int) []domain.Flower {
	out := make([]domain.Flower, 0)
	for _, f := range flowers {
		if f.Status == domain.FlowerAvailable && f.StockQuantity < threshold {
			out = append(out, f)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Flower) int {
		return a.StockQuantity - b.StockQuantity
	})
	return out
}

func compareExpiry(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Compare(*b)
	}
}
