// Package idempotency deduplicates externally retried sale submissions.
// A client-supplied key maps to a fingerprint of the request body; a
// replay with the same fingerprint gets the stored outcome back, a reuse
// of the key with a different body is rejected.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tillbook/internal/domain"
	"tillbook/internal/store"
)

// TTL is how long a completed request stays replayable.
const TTL = 24 * time.Hour

// RecordStore is the slice of the repository the guard needs.
type RecordStore interface {
	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, record domain.IdempotencyRecord) error
	PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int, error)
}

type Guard struct {
	records RecordStore
	now     func() time.Time
}

func NewGuard(records RecordStore) *Guard {
	return &Guard{records: records, now: time.Now}
}

// Fingerprint hashes a sale request into a stable hex digest. Line and
// payment order does not affect the result, so a client that rebuilds the
// request in a different order still replays cleanly.
func Fingerprint(storeID string, businessDate string, lines []domain.SaleLineInput, payments []domain.Payment) string {
	parts := make([]string, 0, len(lines)+len(payments)+2)
	parts = append(parts, "store="+storeID, "date="+businessDate)

	lineParts := make([]string, 0, len(lines))
	for _, l := range lines {
		lineParts = append(lineParts, fmt.Sprintf("line|%s|%s|%d|%d",
			l.ProductRef, l.Unit, l.Qty, l.ManualDiscountCents))
	}
	sort.Strings(lineParts)

	payParts := make([]string, 0, len(payments))
	for _, p := range payments {
		payParts = append(payParts, fmt.Sprintf("pay|%s|%d|%s", p.Method, p.AmountCents, p.Reference))
	}
	sort.Strings(payParts)

	parts = append(parts, lineParts...)
	parts = append(parts, payParts...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Check looks the key up. It returns the stored record on a replay whose
// fingerprint and computed total both match, nil when the key is unused
// or expired, and ErrConflict when the key was used with a different
// body or the same body now totals differently.
func (g *Guard) Check(ctx context.Context, key string, fingerprint string, totalCents int64) (*domain.IdempotencyRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", store.ErrInvalidInput)
	}
	rec, err := g.records.GetIdempotencyRecord(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !rec.ExpiresAt.After(g.now()) {
		return nil, nil
	}
	if rec.Fingerprint != fingerprint || rec.TotalCents != totalCents {
		return nil, fmt.Errorf("%w: idempotency key %q reused with a different request", store.ErrConflict, key)
	}
	return rec, nil
}

// Store persists the outcome of a committed request. Callers invoke this
// only after the sale transaction has committed; a crash between commit
// and Store costs a dedup window, never a double sale.
func (g *Guard) Store(ctx context.Context, key string, fingerprint string, result *domain.DirectSaleResult) error {
	now := g.now()
	rec := domain.IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		InvoiceID:   result.InvoiceID,
		ReceiptNo:   result.ReceiptNo,
		TotalCents:  result.NetCents,
		CreatedAt:   now,
		ExpiresAt:   now.Add(TTL),
	}
	return g.records.PutIdempotencyRecord(ctx, rec)
}

// Purge drops expired records and reports how many went.
func (g *Guard) Purge(ctx context.Context) (int, error) {
	return g.records.PurgeExpiredIdempotencyRecords(ctx, g.now())
}
