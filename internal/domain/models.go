package domain

import "time"

type Product struct {
	Ref               string `json:"ref"`
	Name              string `json:"name"`
	Unit              string `json:"unit"`
	PriceCents        int64  `json:"price_cents"`
	AutoDiscountCents int64  `json:"auto_discount_cents"`
	Active            bool   `json:"active"`
}

type ProductCreateRequest struct {
	Ref               string `json:"ref"`
	Name              string `json:"name"`
	Unit              string `json:"unit"`
	PriceCents        int64  `json:"price_cents"`
	AutoDiscountCents int64  `json:"auto_discount_cents"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

// Session is one quick-sale batch for a business date. It accumulates
// scanned lines while open and collapses into a single invoice on close.
type Session struct {
	ID           string     `json:"id"`
	StoreID      string     `json:"store_id"`
	BusinessDate string     `json:"business_date"`
	Status       string     `json:"status"`
	OpenedBy     string     `json:"opened_by"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedBy     string     `json:"closed_by,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	InvoiceID    string     `json:"invoice_id,omitempty"`
}

// Line is a single scan appended to an open session. Lines are never
// updated in place; they are removed (while the session is open) or
// aggregated away at close.
type Line struct {
	ID                  int64     `json:"id"`
	SessionID           string    `json:"session_id"`
	ProductRef          string    `json:"product_ref"`
	Unit                string    `json:"unit"`
	Qty                 int64     `json:"qty"`
	UnitPriceCents      int64     `json:"unit_price_cents"`
	AutoDiscountCents   int64     `json:"auto_discount_cents"`
	ManualDiscountCents int64     `json:"manual_discount_cents"`
	LineTotalCents      int64     `json:"line_total_cents"`
	AddedBy             string    `json:"added_by"`
	AddedAt             time.Time `json:"added_at"`
}

type AddLineRequest struct {
	ProductRef          string `json:"product_ref"`
	Qty                 int64  `json:"qty"`
	Unit                string `json:"unit,omitempty"`
	ManualDiscountCents int64  `json:"manual_discount_cents"`
}

type RemoveLineRequest struct {
	LineID     int64  `json:"line_id"`
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

// LinePage is a forward-only page of session lines. NextCursor is the id
// of the last line in the page; pass it back as the exclusive lower bound.
type LinePage struct {
	Lines      []Line `json:"lines"`
	NextCursor int64  `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

type SequenceCounter struct {
	StoreID      string `json:"store_id"`
	BusinessDate string `json:"business_date"`
	LastIssued   int64  `json:"last_issued"`
}

type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	InvoiceID   string    `json:"invoice_id"`
	ReceiptNo   string    `json:"receipt_no"`
	TotalCents  int64     `json:"total_cents"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type InvoiceLine struct {
	ProductRef     string `json:"product_ref"`
	Unit           string `json:"unit"`
	Qty            int64  `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type Payment struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference,omitempty"`
}

type Invoice struct {
	ID            string        `json:"id"`
	ReceiptNo     string        `json:"receipt_no"`
	StoreID       string        `json:"store_id"`
	BusinessDate  string        `json:"business_date"`
	SessionID     string        `json:"session_id,omitempty"`
	GrossCents    int64         `json:"gross_cents"`
	DiscountCents int64         `json:"discount_cents"`
	TaxCents      int64         `json:"tax_cents"`
	NetCents      int64         `json:"net_cents"`
	CreatedBy     string        `json:"created_by"`
	CreatedAt     time.Time     `json:"created_at"`
	Lines         []InvoiceLine `json:"lines"`
	Payments      []Payment     `json:"payments"`
}

// StockPosting records the stock effect of one aggregated invoice line.
// QtyDelta is negative on sale.
type StockPosting struct {
	ID         string    `json:"id"`
	ProductRef string    `json:"product_ref"`
	Unit       string    `json:"unit"`
	QtyDelta   int64     `json:"qty_delta"`
	InvoiceID  string    `json:"invoice_id"`
	PostedAt   time.Time `json:"posted_at"`
}

type CloseSessionRequest struct {
	Notes string `json:"notes"`
}

type CloseSessionResult struct {
	InvoiceID     string `json:"invoice_id"`
	ReceiptNo     string `json:"receipt_no"`
	SessionID     string `json:"session_id"`
	LineCount     int    `json:"line_count"`
	GrossCents    int64  `json:"gross_cents"`
	DiscountCents int64  `json:"discount_cents"`
	TaxCents      int64  `json:"tax_cents"`
	NetCents      int64  `json:"net_cents"`
}

type SaleLineInput struct {
	ProductRef          string `json:"product_ref"`
	Qty                 int64  `json:"qty"`
	Unit                string `json:"unit,omitempty"`
	ManualDiscountCents int64  `json:"manual_discount_cents"`
}

type DirectSaleRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Lines          []SaleLineInput `json:"lines"`
	Payments       []Payment       `json:"payments,omitempty"`
}

type DirectSaleResult struct {
	InvoiceID     string `json:"invoice_id"`
	ReceiptNo     string `json:"receipt_no"`
	GrossCents    int64  `json:"gross_cents"`
	DiscountCents int64  `json:"discount_cents"`
	TaxCents      int64  `json:"tax_cents"`
	NetCents      int64  `json:"net_cents"`
	Duplicate     bool   `json:"duplicate"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditEvent struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	SessionStatusOpen    = "open"
	SessionStatusClosing = "closing"
	SessionStatusClosed  = "closed"
)

const PaymentMethodCash = "cash"
