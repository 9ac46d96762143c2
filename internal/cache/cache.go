// Package cache holds the shared price lookup cache. The store is the
// source of truth; the cache only shields hot product reads during a
// busy till session, so every method degrades to a miss on trouble.
package cache

import (
	"context"
	"time"
)

// PriceEntry is the cached slice of a product that pricing needs.
type PriceEntry struct {
	PriceCents        int64  `json:"price_cents"`
	AutoDiscountCents int64  `json:"auto_discount_cents"`
	Name              string `json:"name"`
	Active            bool   `json:"active"`
}

// PriceCache is implemented by the redis cache and by Noop.
type PriceCache interface {
	GetPrice(ctx context.Context, productRef string, unit string) (*PriceEntry, bool)
	SetPrice(ctx context.Context, productRef string, unit string, entry PriceEntry, ttl time.Duration)
	InvalidatePrice(ctx context.Context, productRef string)
}

// Noop satisfies PriceCache without caching anything.
type Noop struct{}

func (Noop) GetPrice(context.Context, string, string) (*PriceEntry, bool) { return nil, false }

func (Noop) SetPrice(context.Context, string, string, PriceEntry, time.Duration) {}

func (Noop) InvalidatePrice(context.Context, string) {}
