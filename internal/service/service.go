// Package service implements the till workflows on top of the
// repository: session lifecycle, line capture, close-out, direct sales
// and the product catalogue. All validation and normalization happens
// here; stores trust their inputs.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"tillbook/internal/audit"
	"tillbook/internal/cache"
	"tillbook/internal/domain"
	"tillbook/internal/idempotency"
	"tillbook/internal/money"
	"tillbook/internal/pricing"
	"tillbook/internal/receipt"
	"tillbook/internal/store"
)

var (
	// ErrUnauthorized means the caller is not allowed to perform the
	// operation at all.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPinRequired means the operation needs a manager PIN and none
	// was supplied.
	ErrPinRequired = errors.New("manager pin required")
	// ErrPinInvalid means the supplied manager PIN did not verify.
	ErrPinInvalid = errors.New("manager pin invalid")
)

type ctxKey int

const actorKey ctxKey = 0

// WithActor stamps the authenticated actor onto the context.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor, or an anonymous one.
func ActorFromContext(ctx context.Context) domain.Actor {
	if actor, ok := ctx.Value(actorKey).(domain.Actor); ok {
		return actor
	}
	return domain.Actor{Username: "anonymous", Role: "none"}
}

type Config struct {
	// StoreID stamps receipts and sessions. Uppercase alphanumeric.
	StoreID string
	// TaxRateBasisPoints is the sales tax rate, 1500 = 15%.
	TaxRateBasisPoints int64
	// ManagerPINHash is the bcrypt hash checked on step-up operations.
	// Empty disables them entirely.
	ManagerPINHash string
}

type Service struct {
	repo    store.Repository
	pricing *pricing.Resolver
	guard   *idempotency.Guard
	audit   audit.Sink
	log     *logrus.Logger
	cfg     Config
	now     func() time.Time
}

func New(repo store.Repository, prices cache.PriceCache, sink audit.Sink, log *logrus.Logger, cfg Config) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{
		repo:    repo,
		pricing: pricing.NewResolver(repo, prices),
		guard:   idempotency.NewGuard(repo),
		audit:   sink,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// BusinessDate is today's ledger date for this till.
func (s *Service) BusinessDate() string {
	return s.now().UTC().Format("2006-01-02")
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := ActorFromContext(ctx)
	s.audit.Record(domain.AuditEvent{
		StoreID:       s.cfg.StoreID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
	})
}

// --- products ---

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	ref := strings.ToUpper(strings.TrimSpace(req.Ref))
	name := strings.TrimSpace(req.Name)
	unit := strings.TrimSpace(req.Unit)
	if ref == "" || name == "" || unit == "" {
		return nil, fmt.Errorf("%w: ref, name and unit are required", store.ErrInvalidInput)
	}
	if req.PriceCents < 0 || req.AutoDiscountCents < 0 {
		return nil, fmt.Errorf("%w: price and discount must not be negative", store.ErrInvalidInput)
	}
	if req.PriceCents > money.MaxMinorUnits {
		return nil, fmt.Errorf("%w: price exceeds supported magnitude", store.ErrInvalidInput)
	}

	product, err := s.repo.CreateProduct(ctx, domain.Product{
		Ref:               ref,
		Name:              name,
		Unit:              unit,
		PriceCents:        req.PriceCents,
		AutoDiscountCents: req.AutoDiscountCents,
		Active:            true,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "product.created", "product", product.Ref, product.Name)
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, ref string) (*domain.Product, error) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if ref == "" {
		return nil, fmt.Errorf("%w: product ref is required", store.ErrInvalidInput)
	}
	return s.repo.GetProductByRef(ctx, ref)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) UpdateProduct(ctx context.Context, ref string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	product, err := s.GetProduct(ctx, ref)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", store.ErrInvalidInput)
		}
		product.Name = name
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 || *req.PriceCents > money.MaxMinorUnits {
			return nil, fmt.Errorf("%w: price out of range", store.ErrInvalidInput)
		}
		product.PriceCents = *req.PriceCents
	}
	if req.Active != nil {
		product.Active = *req.Active
	}

	updated, err := s.repo.UpdateProduct(ctx, *product)
	if err != nil {
		return nil, err
	}
	// A stale cached price would charge the old amount.
	s.pricing.Invalidate(ctx, updated.Ref)
	s.logAudit(ctx, "product.updated", "product", updated.Ref, "")
	return updated, nil
}

// --- session lifecycle ---

// EnsureOpenSession returns today's open session, creating one if the
// business date has none yet. Concurrent callers all land on the same
// session.
func (s *Service) EnsureOpenSession(ctx context.Context) (*domain.Session, error) {
	actor := ActorFromContext(ctx)
	ses, created, err := s.repo.EnsureOpenSession(ctx, s.cfg.StoreID, s.BusinessDate(), actor.Username)
	if err != nil {
		return nil, err
	}
	if created {
		s.logAudit(ctx, "session.opened", "session", ses.ID, ses.BusinessDate)
	}
	return ses, nil
}

func (s *Service) GetOpenSession(ctx context.Context) (*domain.Session, error) {
	return s.repo.GetOpenSession(ctx, s.cfg.StoreID, s.BusinessDate())
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", store.ErrInvalidInput)
	}
	return s.repo.GetSessionByID(ctx, sessionID)
}

// AddLine appends one scan to an open session. The price comes from the
// catalogue at scan time and is frozen on the line.
func (s *Service) AddLine(ctx context.Context, sessionID string, req domain.AddLineRequest) (*domain.Line, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", store.ErrInvalidInput)
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
	}
	if req.ManualDiscountCents < 0 {
		return nil, fmt.Errorf("%w: manual discount must not be negative", store.ErrInvalidInput)
	}
	ref := strings.ToUpper(strings.TrimSpace(req.ProductRef))

	ses, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ses.Status != domain.SessionStatusOpen {
		return nil, fmt.Errorf("%w: session %q is %s", store.ErrInvalidState, ses.ID, ses.Status)
	}

	unit := strings.TrimSpace(req.Unit)
	if unit == "" {
		product, err := s.repo.GetProductByRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		unit = product.Unit
	}
	quote, err := s.pricing.Resolve(ctx, ref, unit)
	if err != nil {
		return nil, err
	}

	autoDiscount := quote.AutoDiscountCents * req.Qty
	total, err := money.LineTotal(req.Qty, quote.UnitPriceCents, autoDiscount+req.ManualDiscountCents)
	if err != nil {
		return nil, err
	}

	actor := ActorFromContext(ctx)
	line, err := s.repo.AddSessionLine(ctx, domain.Line{
		SessionID:           ses.ID,
		ProductRef:          ref,
		Unit:                unit,
		Qty:                 req.Qty,
		UnitPriceCents:      quote.UnitPriceCents,
		AutoDiscountCents:   autoDiscount,
		ManualDiscountCents: req.ManualDiscountCents,
		LineTotalCents:      total,
		AddedBy:             actor.Username,
		AddedAt:             s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "line.added", "session_line", fmt.Sprintf("%d", line.ID), ref)
	return line, nil
}

// ListLines pages through a session's lines in scan order. Pass the
// returned cursor back to continue.
func (s *Service) ListLines(ctx context.Context, sessionID string, afterID int64, limit int) (*domain.LinePage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", store.ErrInvalidInput)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	lines, err := s.repo.ListSessionLines(ctx, sessionID, afterID, limit+1)
	if err != nil {
		return nil, err
	}
	page := &domain.LinePage{Lines: lines}
	if len(lines) > limit {
		page.Lines = lines[:limit]
		page.HasMore = true
	}
	if n := len(page.Lines); n > 0 {
		page.NextCursor = page.Lines[n-1].ID
	}
	return page, nil
}

// RemoveLine deletes a scanned line from an open session. It is a
// step-up operation: the manager PIN must verify. A line that is gone
// or whose session already left the open state reports false, not an
// error.
func (s *Service) RemoveLine(ctx context.Context, sessionID string, req domain.RemoveLineRequest) (bool, error) {
	if sessionID == "" || req.LineID <= 0 {
		return false, fmt.Errorf("%w: session id and line id are required", store.ErrInvalidInput)
	}
	if err := s.verifyManagerPIN(req.ManagerPIN); err != nil {
		return false, err
	}
	if _, err := s.repo.GetSessionByID(ctx, sessionID); err != nil {
		return false, err
	}

	removed, err := s.repo.RemoveSessionLine(ctx, req.LineID)
	if err != nil {
		return false, err
	}
	if removed {
		s.logAudit(ctx, "line.removed", "session_line", fmt.Sprintf("%d", req.LineID), req.Reason)
	}
	return removed, nil
}

func (s *Service) verifyManagerPIN(pin string) error {
	if s.cfg.ManagerPINHash == "" {
		return fmt.Errorf("%w: no manager pin configured", ErrUnauthorized)
	}
	if pin == "" {
		return ErrPinRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.ManagerPINHash), []byte(pin)); err != nil {
		return ErrPinInvalid
	}
	return nil
}

// CloseSession turns an open session into one invoice: lines aggregated
// by product and unit, a cash payment for the net, and a stock posting
// per aggregated line. Only one of two racing closes succeeds.
func (s *Service) CloseSession(ctx context.Context, sessionID string, req domain.CloseSessionRequest) (*domain.CloseSessionResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", store.ErrInvalidInput)
	}
	ses, err := s.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	receiptNo, err := s.reserveReceipt(ctx, ses.BusinessDate)
	if err != nil {
		return nil, err
	}

	actor := ActorFromContext(ctx)
	invoice, err := s.repo.CloseSession(ctx, store.CloseSessionParams{
		SessionID:          ses.ID,
		StoreID:            s.cfg.StoreID,
		ReceiptNo:          receiptNo,
		ClosedBy:           actor.Username,
		Notes:              strings.TrimSpace(req.Notes),
		TaxRateBasisPoints: s.cfg.TaxRateBasisPoints,
		ClosedAt:           s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "session.closed", "session", ses.ID, invoice.ReceiptNo)
	s.log.WithFields(logrus.Fields{
		"session_id": ses.ID,
		"receipt_no": invoice.ReceiptNo,
		"net_cents":  invoice.NetCents,
		"lines":      len(invoice.Lines),
	}).Info("session closed")

	return &domain.CloseSessionResult{
		InvoiceID:     invoice.ID,
		ReceiptNo:     invoice.ReceiptNo,
		SessionID:     ses.ID,
		LineCount:     len(invoice.Lines),
		GrossCents:    invoice.GrossCents,
		DiscountCents: invoice.DiscountCents,
		TaxCents:      invoice.TaxCents,
		NetCents:      invoice.NetCents,
	}, nil
}

// reserveReceipt issues the next sequence and formats the receipt
// number. Issuance happens before the closing write, so a failed close
// burns a number; the counter itself never repeats or skips.
func (s *Service) reserveReceipt(ctx context.Context, businessDate string) (string, error) {
	seq, err := s.repo.NextReceiptSequence(ctx, s.cfg.StoreID, businessDate)
	if err != nil {
		return "", err
	}
	return receipt.Number(s.cfg.StoreID, businessDate, seq)
}

// --- direct sale ---

// DirectSale rings up a one-shot sale without a session. The idempotency
// key makes network-level retries safe: a replay returns the first
// outcome, a key reuse with a different basket is a conflict.
func (s *Service) DirectSale(ctx context.Context, req domain.DirectSaleRequest) (*domain.DirectSaleResult, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: a sale needs at least one line", store.ErrInvalidInput)
	}
	businessDate := s.BusinessDate()

	invoice, err := s.buildDirectInvoice(ctx, req, businessDate)
	if err != nil {
		return nil, err
	}

	// The guard compares the fingerprint and the freshly computed total:
	// a replay must still be the same basket at the same prices.
	fingerprint := idempotency.Fingerprint(s.cfg.StoreID, businessDate, req.Lines, req.Payments)
	if rec, err := s.guard.Check(ctx, req.IdempotencyKey, fingerprint, invoice.NetCents); err != nil {
		return nil, err
	} else if rec != nil {
		original, err := s.repo.GetInvoiceByID(ctx, rec.InvoiceID)
		if err != nil {
			return nil, err
		}
		return &domain.DirectSaleResult{
			InvoiceID:     original.ID,
			ReceiptNo:     original.ReceiptNo,
			GrossCents:    original.GrossCents,
			DiscountCents: original.DiscountCents,
			TaxCents:      original.TaxCents,
			NetCents:      original.NetCents,
			Duplicate:     true,
		}, nil
	}

	receiptNo, err := s.reserveReceipt(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	invoice.ReceiptNo = receiptNo

	created, err := s.repo.CreateDirectSale(ctx, *invoice)
	if err != nil {
		return nil, err
	}

	result := &domain.DirectSaleResult{
		InvoiceID:     created.ID,
		ReceiptNo:     created.ReceiptNo,
		GrossCents:    created.GrossCents,
		DiscountCents: created.DiscountCents,
		TaxCents:      created.TaxCents,
		NetCents:      created.NetCents,
	}
	// Stored after the sale commits. A crash in between loses only the
	// dedup window, never the sale.
	if err := s.guard.Store(ctx, req.IdempotencyKey, fingerprint, result); err != nil {
		s.log.WithError(err).WithField("invoice_id", created.ID).Warn("idempotency record not stored")
	}
	s.logAudit(ctx, "sale.direct", "invoice", created.ID, created.ReceiptNo)
	return result, nil
}

func (s *Service) buildDirectInvoice(ctx context.Context, req domain.DirectSaleRequest, businessDate string) (*domain.Invoice, error) {
	actor := ActorFromContext(ctx)
	invoice := &domain.Invoice{
		StoreID:      s.cfg.StoreID,
		BusinessDate: businessDate,
		CreatedBy:    actor.Username,
		CreatedAt:    s.now().UTC(),
	}

	type key struct{ ref, unit string }
	seen := make(map[key]int)
	for _, in := range req.Lines {
		if in.Qty <= 0 {
			return nil, fmt.Errorf("%w: qty must be positive", store.ErrInvalidInput)
		}
		if in.ManualDiscountCents < 0 {
			return nil, fmt.Errorf("%w: manual discount must not be negative", store.ErrInvalidInput)
		}
		ref := strings.ToUpper(strings.TrimSpace(in.ProductRef))
		unit := strings.TrimSpace(in.Unit)
		if unit == "" {
			product, err := s.repo.GetProductByRef(ctx, ref)
			if err != nil {
				return nil, err
			}
			unit = product.Unit
		}
		quote, err := s.pricing.Resolve(ctx, ref, unit)
		if err != nil {
			return nil, err
		}
		discount := quote.AutoDiscountCents*in.Qty + in.ManualDiscountCents
		total, err := money.LineTotal(in.Qty, quote.UnitPriceCents, discount)
		if err != nil {
			return nil, err
		}

		k := key{ref: ref, unit: unit}
		if i, ok := seen[k]; ok {
			line := &invoice.Lines[i]
			line.Qty += in.Qty
			line.DiscountCents += discount
			line.LineTotalCents += total
			if line.Qty > 0 {
				line.UnitPriceCents = line.LineTotalCents / line.Qty
			}
		} else {
			seen[k] = len(invoice.Lines)
			invoice.Lines = append(invoice.Lines, domain.InvoiceLine{
				ProductRef:     ref,
				Unit:           unit,
				Qty:            in.Qty,
				UnitPriceCents: quote.UnitPriceCents,
				DiscountCents:  discount,
				LineTotalCents: total,
			})
		}
		invoice.GrossCents += total
		invoice.DiscountCents += discount
	}

	invoice.TaxCents = money.LineTax(invoice.GrossCents, s.cfg.TaxRateBasisPoints, false)
	invoice.NetCents = invoice.GrossCents + invoice.TaxCents

	if len(req.Payments) == 0 {
		invoice.Payments = []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: invoice.NetCents}}
		return invoice, nil
	}
	var paid int64
	for _, pay := range req.Payments {
		if pay.AmountCents <= 0 {
			return nil, fmt.Errorf("%w: payment amounts must be positive", store.ErrInvalidInput)
		}
		if pay.Method == "" {
			return nil, fmt.Errorf("%w: payment method is required", store.ErrInvalidInput)
		}
		paid += pay.AmountCents
	}
	if paid != invoice.NetCents {
		return nil, fmt.Errorf("%w: payments total %d, sale needs %d", store.ErrInvalidInput, paid, invoice.NetCents)
	}
	invoice.Payments = req.Payments
	return invoice, nil
}

// --- invoices ---

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice id is required", store.ErrInvalidInput)
	}
	return s.repo.GetInvoiceByID(ctx, invoiceID)
}

func (s *Service) ListStockPostings(ctx context.Context, invoiceID string) ([]domain.StockPosting, error) {
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice id is required", store.ErrInvalidInput)
	}
	return s.repo.ListStockPostingsByInvoice(ctx, invoiceID)
}

// --- housekeeping ---

// PurgeIdempotency drops expired dedup records. Run it periodically.
func (s *Service) PurgeIdempotency(ctx context.Context) (int, error) {
	return s.guard.Purge(ctx)
}

func (s *Service) ListAuditEvents(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditEvent, error) {
	return s.repo.ListAuditEvents(ctx, s.cfg.StoreID, from, to, limit)
}
