// Package memory is an in-process Repository for tests and dev mode. It
// holds everything behind one mutex, which makes the concurrency
// contracts of the interface trivially exact: ensure-open races resolve
// to one session, sequence issuance never repeats or skips, and only one
// of two competing closes wins.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tillbook/internal/domain"
	"tillbook/internal/money"
	"tillbook/internal/store"
	"tillbook/internal/xid"
)

type Store struct {
	mu sync.Mutex

	products map[string]domain.Product
	sessions map[string]domain.Session
	lines    map[int64]domain.Line
	nextLine int64

	counters    map[string]int64
	idempotency map[string]domain.IdempotencyRecord

	invoices map[string]domain.Invoice
	postings map[string][]domain.StockPosting

	audit []domain.AuditEvent
	users map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:    make(map[string]domain.Product),
		sessions:    make(map[string]domain.Session),
		lines:       make(map[int64]domain.Line),
		counters:    make(map[string]int64),
		idempotency: make(map[string]domain.IdempotencyRecord),
		invoices:    make(map[string]domain.Invoice),
		postings:    make(map[string][]domain.StockPosting),
		users:       make(map[string]domain.UserAccount),
	}
}

var _ store.Repository = (*Store)(nil)

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[product.Ref]; ok {
		return nil, fmt.Errorf("%w: product %q already exists", store.ErrConflict, product.Ref)
	}
	s.products[product.Ref] = product
	cp := product
	return &cp, nil
}

func (s *Store) GetProductByRef(_ context.Context, ref string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[ref]
	if !ok {
		return nil, fmt.Errorf("%w: product %q", store.ErrNotFound, ref)
	}
	cp := product
	return &cp, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[product.Ref]; !ok {
		return nil, fmt.Errorf("%w: product %q", store.ErrNotFound, product.Ref)
	}
	s.products[product.Ref] = product
	cp := product
	return &cp, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func sessionKey(storeID string, businessDate string) string {
	return storeID + "|" + businessDate
}

func (s *Store) EnsureOpenSession(_ context.Context, storeID string, businessDate string, openedBy string) (*domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ses := s.openSessionLocked(storeID, businessDate); ses != nil {
		cp := *ses
		return &cp, false, nil
	}
	ses := domain.Session{
		ID:           xid.New("ses"),
		StoreID:      storeID,
		BusinessDate: businessDate,
		Status:       domain.SessionStatusOpen,
		OpenedBy:     openedBy,
		OpenedAt:     time.Now().UTC(),
	}
	s.sessions[ses.ID] = ses
	return &ses, true, nil
}

func (s *Store) openSessionLocked(storeID string, businessDate string) *domain.Session {
	for id, ses := range s.sessions {
		if ses.StoreID == storeID && ses.BusinessDate == businessDate && ses.Status == domain.SessionStatusOpen {
			found := s.sessions[id]
			return &found
		}
	}
	return nil
}

func (s *Store) GetOpenSession(_ context.Context, storeID string, businessDate string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ses := s.openSessionLocked(storeID, businessDate)
	if ses == nil {
		return nil, fmt.Errorf("%w: no open session for %s on %s", store.ErrNotFound, storeID, businessDate)
	}
	cp := *ses
	return &cp, nil
}

func (s *Store) GetSessionByID(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ses, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", store.ErrNotFound, sessionID)
	}
	return &ses, nil
}

func (s *Store) AddSessionLine(_ context.Context, line domain.Line) (*domain.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ses, ok := s.sessions[line.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", store.ErrNotFound, line.SessionID)
	}
	if ses.Status != domain.SessionStatusOpen {
		return nil, fmt.Errorf("%w: session %q is %s", store.ErrInvalidState, line.SessionID, ses.Status)
	}
	s.nextLine++
	line.ID = s.nextLine
	if line.AddedAt.IsZero() {
		line.AddedAt = time.Now().UTC()
	}
	s.lines[line.ID] = line
	cp := line
	return &cp, nil
}

func (s *Store) ListSessionLines(_ context.Context, sessionID string, afterID int64, limit int) ([]domain.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: session %q", store.ErrNotFound, sessionID)
	}
	out := make([]domain.Line, 0)
	for _, line := range s.lines {
		if line.SessionID == sessionID && line.ID > afterID {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RemoveSessionLine(_ context.Context, lineID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.lines[lineID]
	if !ok {
		return false, nil
	}
	ses, ok := s.sessions[line.SessionID]
	if !ok || ses.Status != domain.SessionStatusOpen {
		return false, nil
	}
	delete(s.lines, lineID)
	return true, nil
}

func (s *Store) CloseSession(_ context.Context, params store.CloseSessionParams) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ses, ok := s.sessions[params.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", store.ErrNotFound, params.SessionID)
	}
	// The open->closing transition is the close lock. A session already
	// past open means another close won.
	if ses.Status != domain.SessionStatusOpen {
		return nil, fmt.Errorf("%w: session %q is %s", store.ErrConflict, params.SessionID, ses.Status)
	}
	ses.Status = domain.SessionStatusClosing
	s.sessions[ses.ID] = ses

	lines := make([]domain.Line, 0)
	for _, line := range s.lines {
		if line.SessionID == ses.ID {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		// Compensate: an empty session goes back to open so scanning can
		// resume, and the caller gets an invalid-state answer.
		ses.Status = domain.SessionStatusOpen
		s.sessions[ses.ID] = ses
		return nil, fmt.Errorf("%w: session %q has no lines", store.ErrInvalidState, ses.ID)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })

	invoice := buildInvoice(lines, ses, params)
	s.invoices[invoice.ID] = invoice
	s.postings[invoice.ID] = buildPostings(invoice)

	now := params.ClosedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ses.Status = domain.SessionStatusClosed
	ses.ClosedBy = params.ClosedBy
	ses.ClosedAt = &now
	ses.Notes = params.Notes
	ses.InvoiceID = invoice.ID
	s.sessions[ses.ID] = ses

	cp := invoice
	return &cp, nil
}

// buildInvoice aggregates session lines by (productRef, unit) and totals
// them. The aggregated unit price is a display-only average; the money
// truth is the summed line totals.
func buildInvoice(lines []domain.Line, ses domain.Session, params store.CloseSessionParams) domain.Invoice {
	type group struct {
		qty      int64
		total    int64
		discount int64
	}
	order := make([]string, 0)
	groups := make(map[string]*group)
	for _, line := range lines {
		key := line.ProductRef + "|" + line.Unit
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.qty += line.Qty
		g.total += line.LineTotalCents
		g.discount += line.AutoDiscountCents + line.ManualDiscountCents
	}

	invoice := domain.Invoice{
		ID:           xid.New("inv"),
		ReceiptNo:    params.ReceiptNo,
		StoreID:      params.StoreID,
		BusinessDate: ses.BusinessDate,
		SessionID:    ses.ID,
		CreatedBy:    params.ClosedBy,
		CreatedAt:    time.Now().UTC(),
	}
	for _, key := range order {
		g := groups[key]
		ref, unit, _ := strings.Cut(key, "|")
		unitPrice := int64(0)
		if g.qty > 0 {
			unitPrice = g.total / g.qty
		}
		invoice.Lines = append(invoice.Lines, domain.InvoiceLine{
			ProductRef:     ref,
			Unit:           unit,
			Qty:            g.qty,
			UnitPriceCents: unitPrice,
			DiscountCents:  g.discount,
			LineTotalCents: g.total,
		})
		invoice.GrossCents += g.total
		invoice.DiscountCents += g.discount
	}
	invoice.TaxCents = money.LineTax(invoice.GrossCents, params.TaxRateBasisPoints, false)
	invoice.NetCents = invoice.GrossCents + invoice.TaxCents
	invoice.Payments = []domain.Payment{{Method: domain.PaymentMethodCash, AmountCents: invoice.NetCents}}
	return invoice
}

func buildPostings(invoice domain.Invoice) []domain.StockPosting {
	out := make([]domain.StockPosting, 0, len(invoice.Lines))
	for _, line := range invoice.Lines {
		out = append(out, domain.StockPosting{
			ID:         xid.New("stk"),
			ProductRef: line.ProductRef,
			Unit:       line.Unit,
			QtyDelta:   -line.Qty,
			InvoiceID:  invoice.ID,
			PostedAt:   invoice.CreatedAt,
		})
	}
	return out
}

func (s *Store) NextReceiptSequence(_ context.Context, storeID string, businessDate string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(storeID, businessDate)
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) GetIdempotencyRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %q", store.ErrNotFound, key)
	}
	return &rec, nil
}

func (s *Store) PutIdempotencyRecord(_ context.Context, record domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotency[record.Key] = record
	return nil
}

func (s *Store) PurgeExpiredIdempotencyRecords(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.idempotency {
		if !rec.ExpiresAt.After(now) {
			delete(s.idempotency, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateDirectSale(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	if _, ok := s.invoices[invoice.ID]; ok {
		return nil, fmt.Errorf("%w: invoice %q already exists", store.ErrConflict, invoice.ID)
	}
	s.invoices[invoice.ID] = invoice
	s.postings[invoice.ID] = buildPostings(invoice)
	cp := invoice
	return &cp, nil
}

func (s *Store) GetInvoiceByID(_ context.Context, invoiceID string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invoice, ok := s.invoices[invoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %q", store.ErrNotFound, invoiceID)
	}
	return &invoice, nil
}

func (s *Store) ListStockPostingsByInvoice(_ context.Context, invoiceID string) ([]domain.StockPosting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[invoiceID]; !ok {
		return nil, fmt.Errorf("%w: invoice %q", store.ErrNotFound, invoiceID)
	}
	out := make([]domain.StockPosting, len(s.postings[invoiceID]))
	copy(out, s.postings[invoiceID])
	return out, nil
}

func (s *Store) CreateAuditEvent(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = xid.New("aud")
	}
	s.audit = append(s.audit, event)
	return nil
}

func (s *Store) ListAuditEvents(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEvent, 0)
	for _, ev := range s.audit {
		if storeID != "" && ev.StoreID != storeID {
			continue
		}
		if !from.IsZero() && ev.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.CreatedAt.After(to) {
			continue
		}
		out = append(out, ev)
	}
	// Newest first, same as the sqlite store.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return fmt.Errorf("%w: user %q already exists", store.ErrConflict, user.Username)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", store.ErrNotFound, username)
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return fmt.Errorf("%w: user %q", store.ErrNotFound, username)
	}
	user.Password = password
	s.users[username] = user
	return nil
}
