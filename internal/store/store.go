// Package store defines the persistence contract for the sale ledger and
// the tagged error kinds shared by all of its implementations. Callers
// discriminate failures with errors.Is against these sentinels, never by
// message contents.
package store

import (
	"context"
	"errors"
	"time"

	"tillbook/internal/domain"
)

var (
	// ErrInvalidInput rejects malformed requests before any write.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound covers missing sessions, products and lines. No side effects.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a lost race: a close another caller won, or an
	// idempotency key reused with a different payload. Distinct from
	// storage contention.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState marks an illegal lifecycle transition, e.g. closing
	// an empty session. The session is compensated back to open.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable is returned when contention retries are exhausted.
	// The caller may retry the whole operation verbatim.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrContention is the storage-level busy signal. The transaction
	// executor converts it into retries; it never escapes to callers.
	ErrContention = errors.New("storage contention")
	// ErrInternal marks a broken invariant, e.g. a sequence counter row
	// missing at increment time.
	ErrInternal = errors.New("internal consistency error")
)

type CloseSessionParams struct {
	SessionID          string
	StoreID            string
	ReceiptNo          string
	ClosedBy           string
	Notes              string
	TaxRateBasisPoints int64
	ClosedAt           time.Time
}

type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByRef(ctx context.Context, ref string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)

	// EnsureOpenSession returns the open session for the business date,
	// creating it when absent. Check-then-insert runs inside one
	// transaction so concurrent callers observe exactly one row. The
	// bool reports whether this call created the session.
	EnsureOpenSession(ctx context.Context, storeID string, businessDate string, openedBy string) (*domain.Session, bool, error)
	GetOpenSession(ctx context.Context, storeID string, businessDate string) (*domain.Session, error)
	GetSessionByID(ctx context.Context, sessionID string) (*domain.Session, error)
	AddSessionLine(ctx context.Context, line domain.Line) (*domain.Line, error)
	ListSessionLines(ctx context.Context, sessionID string, afterID int64, limit int) ([]domain.Line, error)
	// RemoveSessionLine deletes a line iff its owning session is still
	// open. It reports false, not an error, when the line is gone or the
	// session already left the open state.
	RemoveSessionLine(ctx context.Context, lineID int64) (bool, error)
	// CloseSession runs the whole close inside one retryable transaction:
	// conditional open->closing, aggregation, totals, invoice + payment +
	// stock postings, closing->closed. An empty session is compensated
	// back to open and reported as ErrInvalidState.
	CloseSession(ctx context.Context, params CloseSessionParams) (*domain.Invoice, error)

	// NextReceiptSequence issues the next value of the per
	// (store, businessDate) counter as a single atomic read-modify-write.
	NextReceiptSequence(ctx context.Context, storeID string, businessDate string) (int64, error)

	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, record domain.IdempotencyRecord) error
	PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int, error)

	// CreateDirectSale persists a one-shot invoice with its lines,
	// payments and stock postings in one transaction.
	CreateDirectSale(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	ListStockPostingsByInvoice(ctx context.Context, invoiceID string) ([]domain.StockPosting, error)

	CreateAuditEvent(ctx context.Context, event domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditEvent, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
