package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"tillbook/internal/cache"
	"tillbook/internal/domain"
	"tillbook/internal/store"
	"tillbook/internal/store/memory"
)

type mapCache struct {
	entries map[string]cache.PriceEntry
	hits    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]cache.PriceEntry)}
}

func (c *mapCache) GetPrice(_ context.Context, ref string, unit string) (*cache.PriceEntry, bool) {
	entry, ok := c.entries[ref+"|"+unit]
	if ok {
		c.hits++
		return &entry, true
	}
	return nil, false
}

func (c *mapCache) SetPrice(_ context.Context, ref string, unit string, entry cache.PriceEntry, _ time.Duration) {
	c.entries[ref+"|"+unit] = entry
}

func (c *mapCache) InvalidatePrice(_ context.Context, ref string) {
	for key := range c.entries {
		if len(key) > len(ref) && key[:len(ref)] == ref && key[len(ref)] == '|' {
			delete(c.entries, key)
		}
	}
}

func seed(t *testing.T, repo *memory.Store) {
	t.Helper()
	_, err := repo.CreateProduct(context.Background(), domain.Product{
		Ref: "SKU-A", Name: "Apple", Unit: "pcs", PriceCents: 100, AutoDiscountCents: 5, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
}

func TestResolveCachesAfterStoreHit(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo)
	prices := newMapCache()
	r := NewResolver(repo, prices)

	quote, err := r.Resolve(ctx, "SKU-A", "pcs")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if quote.UnitPriceCents != 100 || quote.AutoDiscountCents != 5 {
		t.Errorf("quote = %+v", quote)
	}
	if prices.hits != 0 {
		t.Errorf("first resolve hit the cache")
	}

	if _, err := r.Resolve(ctx, "SKU-A", "pcs"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if prices.hits != 1 {
		t.Errorf("second resolve missed the cache")
	}

	r.Invalidate(ctx, "SKU-A")
	if _, err := r.Resolve(ctx, "SKU-A", "pcs"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if prices.hits != 1 {
		t.Errorf("invalidate did not drop the entry")
	}
}

func TestResolveRejectsWrongUnitAndMissing(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo)
	r := NewResolver(repo, nil)

	if _, err := r.Resolve(ctx, "SKU-A", "kg"); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("wrong unit: expected ErrInvalidInput, got %v", err)
	}
	if _, err := r.Resolve(ctx, "SKU-NONE", "pcs"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing product: expected ErrNotFound, got %v", err)
	}
	if _, err := r.Resolve(ctx, "", "pcs"); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("empty ref: expected ErrInvalidInput, got %v", err)
	}
}

func TestResolveInactiveProduct(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	seed(t, repo)
	if _, err := repo.UpdateProduct(ctx, domain.Product{
		Ref: "SKU-A", Name: "Apple", Unit: "pcs", PriceCents: 100, AutoDiscountCents: 5, Active: false,
	}); err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}

	r := NewResolver(repo, newMapCache())
	if _, err := r.Resolve(ctx, "SKU-A", "pcs"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("inactive: expected ErrNotFound, got %v", err)
	}
	// The inactive flag is cached too; the second resolve answers from
	// the cache with the same error.
	if _, err := r.Resolve(ctx, "SKU-A", "pcs"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("inactive cached: expected ErrNotFound, got %v", err)
	}
}
