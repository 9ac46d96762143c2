package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"tillbook/internal/audit"
	"tillbook/internal/domain"
	"tillbook/internal/store"
	"tillbook/internal/store/memory"
)

const testPIN = "4321"

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	pinHash, err := bcrypt.GenerateFromPassword([]byte(testPIN), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	repo := memory.New()
	svc := New(repo, nil, audit.NopSink{}, log, Config{
		StoreID:            "ST1",
		TaxRateBasisPoints: 1500,
		ManagerPINHash:     string(pinHash),
	})
	svc.now = func() time.Time { return time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC) }
	return svc, repo
}

func asCashier(ctx context.Context) context.Context {
	return WithActor(ctx, domain.Actor{Username: "cashier", Role: "cashier"})
}

func seedProducts(t *testing.T, svc *Service) {
	t.Helper()
	ctx := asCashier(context.Background())
	for _, p := range []domain.ProductCreateRequest{
		{Ref: "SKU-A", Name: "Apple", Unit: "pcs", PriceCents: 100},
		{Ref: "SKU-B", Name: "Bread", Unit: "pcs", PriceCents: 250},
	} {
		if _, err := svc.CreateProduct(ctx, p); err != nil {
			t.Fatalf("CreateProduct(%s): %v", p.Ref, err)
		}
	}
}

func TestEnsureOpenSessionConcurrent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())

	const workers = 20
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ses, err := svc.EnsureOpenSession(ctx)
			if err != nil {
				t.Errorf("EnsureOpenSession: %v", err)
				return
			}
			ids[i] = ses.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got session %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestReceiptSequenceConcurrentContiguous(t *testing.T) {
	_, repo := newTestService(t)
	ctx := context.Background()

	const workers = 50
	got := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := repo.NextReceiptSequence(ctx, "ST1", "2026-08-30")
			if err != nil {
				t.Errorf("NextReceiptSequence: %v", err)
				return
			}
			got[i] = seq
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers)
	for _, seq := range got {
		if seq < 1 || seq > workers {
			t.Fatalf("sequence %d outside 1..%d", seq, workers)
		}
		if seen[seq] {
			t.Fatalf("sequence %d issued twice", seq)
		}
		seen[seq] = true
	}
}

func TestCloseSessionWorkedExample(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())
	seedProducts(t, svc)

	ses, err := svc.EnsureOpenSession(ctx)
	if err != nil {
		t.Fatalf("EnsureOpenSession: %v", err)
	}
	for _, req := range []domain.AddLineRequest{
		{ProductRef: "SKU-A", Qty: 1},
		{ProductRef: "SKU-A", Qty: 2},
		{ProductRef: "SKU-B", Qty: 1},
	} {
		if _, err := svc.AddLine(ctx, ses.ID, req); err != nil {
			t.Fatalf("AddLine(%s): %v", req.ProductRef, err)
		}
	}

	result, err := svc.CloseSession(ctx, ses.ID, domain.CloseSessionRequest{Notes: "end of day"})
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if result.GrossCents != 550 || result.TaxCents != 82 || result.NetCents != 632 {
		t.Errorf("totals = gross %d tax %d net %d, want 550/82/632",
			result.GrossCents, result.TaxCents, result.NetCents)
	}
	if result.LineCount != 2 {
		t.Errorf("aggregated line count = %d, want 2", result.LineCount)
	}
	if result.ReceiptNo != "ST1-20260830-000001" {
		t.Errorf("receipt no = %q", result.ReceiptNo)
	}

	invoice, err := svc.GetInvoice(ctx, result.InvoiceID)
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if len(invoice.Lines) != 2 {
		t.Fatalf("invoice lines = %d", len(invoice.Lines))
	}
	if invoice.Lines[0].ProductRef != "SKU-A" || invoice.Lines[0].Qty != 3 || invoice.Lines[0].LineTotalCents != 300 {
		t.Errorf("line A = %+v", invoice.Lines[0])
	}
	if invoice.Lines[1].ProductRef != "SKU-B" || invoice.Lines[1].Qty != 1 || invoice.Lines[1].LineTotalCents != 250 {
		t.Errorf("line B = %+v", invoice.Lines[1])
	}
	if len(invoice.Payments) != 1 || invoice.Payments[0].Method != domain.PaymentMethodCash || invoice.Payments[0].AmountCents != 632 {
		t.Errorf("payments = %+v", invoice.Payments)
	}

	postings, err := svc.ListStockPostings(ctx, result.InvoiceID)
	if err != nil {
		t.Fatalf("ListStockPostings: %v", err)
	}
	if len(postings) != 2 || postings[0].QtyDelta != -3 || postings[1].QtyDelta != -1 {
		t.Errorf("postings = %+v", postings)
	}

	closed, err := svc.GetSession(ctx, ses.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if closed.Status != domain.SessionStatusClosed || closed.InvoiceID != result.InvoiceID {
		t.Errorf("closed session = %+v", closed)
	}
}

func TestCloseSessionConcurrentOneWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())
	seedProducts(t, svc)

	ses, err := svc.EnsureOpenSession(ctx)
	if err != nil {
		t.Fatalf("EnsureOpenSession: %v", err)
	}
	if _, err := svc.AddLine(ctx, ses.ID, domain.AddLineRequest{ProductRef: "SKU-A", Qty: 1}); err != nil {
		t.Fatalf("AddLine: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CloseSession(ctx, ses.ID, domain.CloseSessionRequest{})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected close error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d conflicts = %d, want 1 and 1", wins, conflicts)
	}
}

func TestCloseEmptySessionReopens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())

	ses, err := svc.EnsureOpenSession(ctx)
	if err != nil {
		t.Fatalf("EnsureOpenSession: %v", err)
	}
	if _, err := svc.CloseSession(ctx, ses.ID, domain.CloseSessionRequest{}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("empty close: expected ErrInvalidState, got %v", err)
	}
	got, err := svc.GetSession(ctx, ses.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.SessionStatusOpen {
		t.Fatalf("session after empty close is %s, want open", got.Status)
	}
}

func TestAddLineValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())
	seedProducts(t, svc)

	ses, err := svc.EnsureOpenSession(ctx)
	if err != nil {
		t.Fatalf("EnsureOpenSession: %v", err)
	}

	if _, err := svc.AddLine(ctx, ses.ID, domain.AddLineRequest{ProductRef: "SKU-A", Qty: 0}); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("zero qty: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.AddLine(ctx, ses.ID, domain.AddLineRequest{ProductRef: "SKU-A", Qty: -1}); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("negative qty: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.AddLine(ctx, ses.ID, domain.AddLineRequest{ProductRef: "SKU-NONE", Qty: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown product: expected ErrNotFound, got %v", err)
	}

	inactive := false
	if _, err := svc.UpdateProduct(ctx, "SKU-B", domain.ProductUpdateRequest{Active: &inactive}); err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	if _, err := svc.AddLine(ctx, ses.ID, domain.AddLineRequest{ProductRef: "SKU-B", Qty: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("inactive product: expected ErrNotFound, got %v", err)
	}
}

func TestRemoveLineStepUp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())
	seedProducts(t, svc)

	ses, err := svc.EnsureOpenSession(ctx)
	if err != nil {
		t.Fatalf("EnsureOpenSession: %v", err)
	}
	line, err := svc.AddLine(ctx, ses.ID, domain.AddLineRequest{ProductRef: "SKU-A", Qty: 1})
	if err != nil {
		t.Fatalf("AddLine: %v", err)
	}

	if _, err := svc.RemoveLine(ctx, ses.ID, domain.RemoveLineRequest{LineID: line.ID, Reason: "mis-scan"}); !errors.Is(err, ErrPinRequired) {
		t.Fatalf("no pin: expected ErrPinRequired, got %v", err)
	}
	if _, err := svc.RemoveLine(ctx, ses.ID, domain.RemoveLineRequest{LineID: line.ID, Reason: "mis-scan", ManagerPIN: "0000"}); !errors.Is(err, ErrPinInvalid) {
		t.Fatalf("wrong pin: expected ErrPinInvalid, got %v", err)
	}
	removed, err := svc.RemoveLine(ctx, ses.ID, domain.RemoveLineRequest{LineID: line.ID, Reason: "mis-scan", ManagerPIN: testPIN})
	if err != nil || !removed {
		t.Fatalf("RemoveLine = %v, %v", removed, err)
	}

	// A line that is already gone reports false, not an error.
	removed, err = svc.RemoveLine(ctx, ses.ID, domain.RemoveLineRequest{LineID: line.ID, Reason: "again", ManagerPIN: testPIN})
	if err != nil || removed {
		t.Fatalf("second RemoveLine = %v, %v", removed, err)
	}
}

func TestListLinesPagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())
	seedProducts(t, svc)

	ses, err := svc.EnsureOpenSession(ctx)
	if err != nil {
		t.Fatalf("EnsureOpenSession: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := svc.AddLine(ctx, ses.ID, domain.AddLineRequest{ProductRef: "SKU-A", Qty: 1}); err != nil {
			t.Fatalf("AddLine: %v", err)
		}
	}

	page, err := svc.ListLines(ctx, ses.ID, 0, 3)
	if err != nil {
		t.Fatalf("ListLines: %v", err)
	}
	if len(page.Lines) != 3 || !page.HasMore {
		t.Fatalf("page1 = %d lines, hasMore %v", len(page.Lines), page.HasMore)
	}
	rest, err := svc.ListLines(ctx, ses.ID, page.NextCursor, 3)
	if err != nil {
		t.Fatalf("ListLines rest: %v", err)
	}
	if len(rest.Lines) != 2 || rest.HasMore {
		t.Fatalf("page2 = %d lines, hasMore %v", len(rest.Lines), rest.HasMore)
	}
}

func TestDirectSaleIdempotency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())
	seedProducts(t, svc)

	req := domain.DirectSaleRequest{
		IdempotencyKey: "till-req-1",
		Lines: []domain.SaleLineInput{
			{ProductRef: "SKU-A", Qty: 3},
			{ProductRef: "SKU-B", Qty: 1},
		},
	}
	first, err := svc.DirectSale(ctx, req)
	if err != nil {
		t.Fatalf("DirectSale: %v", err)
	}
	if first.Duplicate {
		t.Error("first sale flagged as duplicate")
	}
	if first.GrossCents != 550 || first.TaxCents != 82 || first.NetCents != 632 {
		t.Errorf("totals = gross %d tax %d net %d", first.GrossCents, first.TaxCents, first.NetCents)
	}

	replay, err := svc.DirectSale(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Duplicate {
		t.Error("replay not flagged as duplicate")
	}
	if replay.InvoiceID != first.InvoiceID || replay.ReceiptNo != first.ReceiptNo {
		t.Errorf("replay = %+v, first = %+v", replay, first)
	}

	// Same key, different basket.
	other := req
	other.Lines = []domain.SaleLineInput{{ProductRef: "SKU-A", Qty: 1}}
	if _, err := svc.DirectSale(ctx, other); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("key reuse: expected ErrConflict, got %v", err)
	}

	if _, err := svc.DirectSale(ctx, domain.DirectSaleRequest{Lines: req.Lines}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("missing key: expected ErrInvalidInput, got %v", err)
	}
}

func TestDirectSalePaymentsMustBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())
	seedProducts(t, svc)

	req := domain.DirectSaleRequest{
		IdempotencyKey: "till-req-2",
		Lines:          []domain.SaleLineInput{{ProductRef: "SKU-A", Qty: 3}, {ProductRef: "SKU-B", Qty: 1}},
		Payments:       []domain.Payment{{Method: "cash", AmountCents: 600}},
	}
	if _, err := svc.DirectSale(ctx, req); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("short payment: expected ErrInvalidInput, got %v", err)
	}

	req.Payments = []domain.Payment{
		{Method: "cash", AmountCents: 600},
		{Method: "card", AmountCents: 32, Reference: "auth-99"},
	}
	result, err := svc.DirectSale(ctx, req)
	if err != nil {
		t.Fatalf("split payment: %v", err)
	}
	invoice, err := svc.GetInvoice(ctx, result.InvoiceID)
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if len(invoice.Payments) != 2 {
		t.Fatalf("payments = %+v", invoice.Payments)
	}
}

func TestProductValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := asCashier(context.Background())

	cases := []domain.ProductCreateRequest{
		{Ref: "", Name: "x", Unit: "pcs", PriceCents: 1},
		{Ref: "A", Name: "", Unit: "pcs", PriceCents: 1},
		{Ref: "A", Name: "x", Unit: "", PriceCents: 1},
		{Ref: "A", Name: "x", Unit: "pcs", PriceCents: -1},
	}
	for _, req := range cases {
		if _, err := svc.CreateProduct(ctx, req); !errors.Is(err, store.ErrInvalidInput) {
			t.Errorf("CreateProduct(%+v): expected ErrInvalidInput, got %v", req, err)
		}
	}

	if _, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Ref: "sku-a", Name: "Apple", Unit: "pcs", PriceCents: 100}); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	// Refs are normalized to upper case.
	got, err := svc.GetProduct(ctx, "Sku-A")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if got.Ref != "SKU-A" {
		t.Errorf("ref = %q, want SKU-A", got.Ref)
	}
	if _, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{Ref: "SKU-A", Name: "Dup", Unit: "pcs", PriceCents: 1}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate: expected ErrConflict, got %v", err)
	}
}
