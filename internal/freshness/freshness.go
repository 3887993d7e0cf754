// Package freshness maps days-until-expiry onto a freshness tier.
package freshness

import (
	"time"

	"github.com/shopspring/decimal"

	"floryn/internal/domain"
)

const (
	LastSaleMaxDays = 3
	GoodMaxDays     = 7
)

// LastSaleDiscountRate is applied to the list price while a flower is in
// Last Sale.
var LastSaleDiscountRate = decimal.RequireFromString("0.8")

// Classify is total over all integers.
func Classify(days int) domain.FreshnessStatus {
	switch {
	case days < 0:
		return domain.FreshnessExpired
	case days <= LastSaleMaxDays:
		return domain.FreshnessLastSale
	case days <= GoodMaxDays:
		return domain.FreshnessGood
	default:
		return domain.FreshnessFresh
	}
}

// DaysUntil is the signed whole-day difference between expiry and today.
// Both sides are truncated to calendar dates first.
func DaysUntil(today time.Time, expiry time.Time) int {
	from := domain.DateOnly(today)
	to := domain.DateOnly(expiry)
	return int(to.Sub(from).Hours() / 24)
}

// ClassifyDate classifies an expiry date relative to today.
func ClassifyDate(today time.Time, expiry time.Time) domain.FreshnessStatus {
	return Classify(DaysUntil(today, expiry))
}

// Today returns the current civil date in loc, as a UTC-midnight value
// comparable with stored dates.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return domain.DateOnly(now.In(loc))
}

// ParseDate accepts YYYY-MM-DD.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	return domain.DateOnly(t), nil
}

func DiscountedPrice(price decimal.Decimal) decimal.Decimal {
	return price.Mul(LastSaleDiscountRate).Round(2)
}
