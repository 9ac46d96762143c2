package idempotency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tillbook/internal/domain"
	"tillbook/internal/store"
)

type fakeRecords struct {
	byKey map[string]*domain.IdempotencyRecord
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{byKey: make(map[string]*domain.IdempotencyRecord)}
}

func (f *fakeRecords) GetIdempotencyRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, ok := f.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %q", store.ErrNotFound, key)
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecords) PutIdempotencyRecord(_ context.Context, rec domain.IdempotencyRecord) error {
	f.byKey[rec.Key] = &rec
	return nil
}

func (f *fakeRecords) PurgeExpiredIdempotencyRecords(_ context.Context, now time.Time) (int, error) {
	n := 0
	for key, rec := range f.byKey {
		if !rec.ExpiresAt.After(now) {
			delete(f.byKey, key)
			n++
		}
	}
	return n, nil
}

func saleLines() []domain.SaleLineInput {
	return []domain.SaleLineInput{
		{ProductRef: "SKU-A", Unit: "pcs", Qty: 2},
		{ProductRef: "SKU-B", Unit: "pcs", Qty: 1},
	}
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	lines := saleLines()
	reversed := []domain.SaleLineInput{lines[1], lines[0]}
	pays := []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 450}}

	a := Fingerprint("ST1", "2026-08-30", lines, pays)
	b := Fingerprint("ST1", "2026-08-30", reversed, pays)
	if a != b {
		t.Errorf("fingerprint depends on line order: %s vs %s", a, b)
	}
}

func TestFingerprintSensitiveToContent(t *testing.T) {
	lines := saleLines()
	pays := []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: 450}}
	base := Fingerprint("ST1", "2026-08-30", lines, pays)

	changedQty := saleLines()
	changedQty[0].Qty = 3
	if Fingerprint("ST1", "2026-08-30", changedQty, pays) == base {
		t.Error("fingerprint ignored a qty change")
	}
	if Fingerprint("ST2", "2026-08-30", lines, pays) == base {
		t.Error("fingerprint ignored the store id")
	}
	if Fingerprint("ST1", "2026-08-31", lines, pays) == base {
		t.Error("fingerprint ignored the business date")
	}
}

func TestGuardReplayAndConflict(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords()
	guard := NewGuard(records)

	fp := Fingerprint("ST1", "2026-08-30", saleLines(), nil)

	rec, err := guard.Check(ctx, "key-1", fp, 632)
	if err != nil {
		t.Fatalf("Check on fresh key: %v", err)
	}
	if rec != nil {
		t.Fatalf("fresh key returned a record: %+v", rec)
	}

	result := &domain.DirectSaleResult{InvoiceID: "inv_1", ReceiptNo: "ST1-20260830-000001", NetCents: 632}
	if err := guard.Store(ctx, "key-1", fp, result); err != nil {
		t.Fatalf("Store: %v", err)
	}

	rec, err = guard.Check(ctx, "key-1", fp, 632)
	if err != nil {
		t.Fatalf("Check on replay: %v", err)
	}
	if rec == nil || rec.InvoiceID != "inv_1" || rec.TotalCents != 632 {
		t.Fatalf("replay record = %+v", rec)
	}

	other := Fingerprint("ST1", "2026-08-30", saleLines()[:1], nil)
	if _, err := guard.Check(ctx, "key-1", other, 230); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on reused key, got %v", err)
	}
	// Same basket, different total (a price change mid-replay) is also a
	// conflict, never a silent duplicate.
	if _, err := guard.Check(ctx, "key-1", fp, 700); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on total drift, got %v", err)
	}
}

func TestGuardExpiry(t *testing.T) {
	ctx := context.Background()
	records := newFakeRecords()
	guard := NewGuard(records)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return base }

	fp := Fingerprint("ST1", "2026-08-30", saleLines(), nil)
	if err := guard.Store(ctx, "key-1", fp, &domain.DirectSaleResult{InvoiceID: "inv_1"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	guard.now = func() time.Time { return base.Add(TTL + time.Minute) }
	rec, err := guard.Check(ctx, "key-1", fp, 0)
	if err != nil {
		t.Fatalf("Check after expiry: %v", err)
	}
	if rec != nil {
		t.Fatalf("expired record still replayed: %+v", rec)
	}

	n, err := guard.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("Purge removed %d records, want 1", n)
	}
}

func TestGuardRequiresKey(t *testing.T) {
	guard := NewGuard(newFakeRecords())
	if _, err := guard.Check(context.Background(), "", "fp", 0); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
