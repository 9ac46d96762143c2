// Package pricing resolves the charge price for a product at scan time.
package pricing

import (
	"context"
	"fmt"
	"time"

	"tillbook/internal/cache"
	"tillbook/internal/domain"
	"tillbook/internal/store"
)

// CacheTTL keeps a resolved price warm for a till session without letting
// a catalogue change go stale for long.
const CacheTTL = 5 * time.Minute

// Quote is the price the till charges for one unit of a product.
type Quote struct {
	ProductRef        string
	Unit              string
	Name              string
	UnitPriceCents    int64
	AutoDiscountCents int64
}

// ProductStore is the catalogue slice the resolver reads.
type ProductStore interface {
	GetProductByRef(ctx context.Context, ref string) (*domain.Product, error)
}

// Resolver quotes prices, consulting the cache before the store.
type Resolver struct {
	products ProductStore
	prices   cache.PriceCache
}

func NewResolver(products ProductStore, prices cache.PriceCache) *Resolver {
	if prices == nil {
		prices = cache.Noop{}
	}
	return &Resolver{products: products, prices: prices}
}

// Resolve returns the quote for one unit of the product. Inactive
// products cannot be sold.
func (r *Resolver) Resolve(ctx context.Context, productRef string, unit string) (*Quote, error) {
	if productRef == "" || unit == "" {
		return nil, fmt.Errorf("%w: product ref and unit are required", store.ErrInvalidInput)
	}

	if entry, ok := r.prices.GetPrice(ctx, productRef, unit); ok {
		if !entry.Active {
			return nil, fmt.Errorf("%w: product %q is inactive", store.ErrNotFound, productRef)
		}
		return &Quote{
			ProductRef:        productRef,
			Unit:              unit,
			Name:              entry.Name,
			UnitPriceCents:    entry.PriceCents,
			AutoDiscountCents: entry.AutoDiscountCents,
		}, nil
	}

	product, err := r.products.GetProductByRef(ctx, productRef)
	if err != nil {
		return nil, err
	}
	if product.Unit != unit {
		return nil, fmt.Errorf("%w: product %q is sold in %q, not %q", store.ErrInvalidInput, productRef, product.Unit, unit)
	}

	r.prices.SetPrice(ctx, productRef, unit, cache.PriceEntry{
		PriceCents:        product.PriceCents,
		AutoDiscountCents: product.AutoDiscountCents,
		Name:              product.Name,
		Active:            product.Active,
	}, CacheTTL)

	if !product.Active {
		return nil, fmt.Errorf("%w: product %q is inactive", store.ErrNotFound, productRef)
	}
	return &Quote{
		ProductRef:        productRef,
		Unit:              unit,
		Name:              product.Name,
		UnitPriceCents:    product.PriceCents,
		AutoDiscountCents: product.AutoDiscountCents,
	}, nil
}

// Invalidate drops cached prices for a product after a catalogue change.
func (r *Resolver) Invalidate(ctx context.Context, productRef string) {
	r.prices.InvalidatePrice(ctx, productRef)
}
