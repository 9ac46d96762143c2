package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "tillbook:price:"

// Redis caches price entries in a shared redis instance so several tills
// in one store see the same prices without hammering the ledger database.
type Redis struct {
	client *redis.Client
	log    *logrus.Logger
}

func NewRedis(client *redis.Client, log *logrus.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func priceKey(productRef string, unit string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, productRef, unit)
}

func (r *Redis) GetPrice(ctx context.Context, productRef string, unit string) (*PriceEntry, bool) {
	raw, err := r.client.Get(ctx, priceKey(productRef, unit)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.WithError(err).Debug("price cache read failed")
		}
		return nil, false
	}
	var entry PriceEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.log.WithError(err).Warn("price cache entry corrupt, dropping")
		r.client.Del(ctx, priceKey(productRef, unit))
		return nil, false
	}
	return &entry, true
}

func (r *Redis) SetPrice(ctx context.Context, productRef string, unit string, entry PriceEntry, ttl time.Duration) {
	raw, err := json.Marshal(entry)
	if err != nil {
		r.log.WithError(err).Warn("price cache marshal failed")
		return
	}
	if err := r.client.Set(ctx, priceKey(productRef, unit), raw, ttl).Err(); err != nil {
		r.log.WithError(err).Debug("price cache write failed")
	}
}

// InvalidatePrice drops every unit variant of a product, called whenever
// the catalogue row changes.
func (r *Redis) InvalidatePrice(ctx context.Context, productRef string) {
	iter := r.client.Scan(ctx, 0, keyPrefix+productRef+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			r.log.WithError(err).Debug("price cache invalidate failed")
		}
	}
	if err := iter.Err(); err != nil {
		r.log.WithError(err).Debug("price cache scan failed")
	}
}
