// Package sqlite is the durable Repository, one SQLite file per till
// host. WAL mode plus a busy timeout covers the common multi-till case;
// anything that still surfaces SQLITE_BUSY goes through the retry
// executor as contention.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"tillbook/internal/domain"
	"tillbook/internal/money"
	"tillbook/internal/retry"
	"tillbook/internal/store"
	"tillbook/internal/xid"
)

type Store struct {
	db   *sql.DB
	log  *logrus.Logger
	opts retry.Options
}

// Open opens (and migrates) the ledger database at path.
func Open(path string, log *logrus.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// SQLite has one writer; a second connection buys nothing but lock
	// churn on the write path.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, log: log}
	s.opts = retry.DefaultOptions(isContention)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ store.Repository = (*Store)(nil)

func isContention(err error) bool {
	if errors.Is(err, store.ErrContention) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// withTx runs fn inside a transaction, retrying the whole transaction on
// contention. fn must be safe to rerun from scratch.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, s.opts, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS products (
	ref                 TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	unit                TEXT NOT NULL,
	price_cents         INTEGER NOT NULL,
	auto_discount_cents INTEGER NOT NULL DEFAULT 0,
	active              INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	store_id      TEXT NOT NULL,
	business_date TEXT NOT NULL,
	status        TEXT NOT NULL,
	opened_by     TEXT NOT NULL,
	opened_at     TIMESTAMP NOT NULL,
	closed_by     TEXT,
	closed_at     TIMESTAMP,
	notes         TEXT NOT NULL DEFAULT '',
	invoice_id    TEXT
);

-- At most one open session per store and business date. The partial
-- index is the arbiter when two tills race ensure-open.
CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_open
	ON sessions(store_id, business_date) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS session_lines (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id            TEXT NOT NULL REFERENCES sessions(id),
	product_ref           TEXT NOT NULL,
	unit                  TEXT NOT NULL,
	qty                   INTEGER NOT NULL,
	unit_price_cents      INTEGER NOT NULL,
	auto_discount_cents   INTEGER NOT NULL DEFAULT 0,
	manual_discount_cents INTEGER NOT NULL DEFAULT 0,
	line_total_cents      INTEGER NOT NULL,
	added_by              TEXT NOT NULL,
	added_at              TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS session_lines_session
	ON session_lines(session_id, id);

CREATE TABLE IF NOT EXISTS receipt_counters (
	store_id      TEXT NOT NULL,
	business_date TEXT NOT NULL,
	last_issued   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (store_id, business_date)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key          TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	invoice_id   TEXT NOT NULL,
	receipt_no   TEXT NOT NULL,
	total_cents  INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	expires_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS invoices (
	id             TEXT PRIMARY KEY,
	receipt_no     TEXT NOT NULL UNIQUE,
	store_id       TEXT NOT NULL,
	business_date  TEXT NOT NULL,
	session_id     TEXT,
	gross_cents    INTEGER NOT NULL,
	discount_cents INTEGER NOT NULL,
	tax_cents      INTEGER NOT NULL,
	net_cents      INTEGER NOT NULL,
	created_by     TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_lines (
	invoice_id       TEXT NOT NULL REFERENCES invoices(id),
	position         INTEGER NOT NULL,
	product_ref      TEXT NOT NULL,
	unit             TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	unit_price_cents INTEGER NOT NULL,
	discount_cents   INTEGER NOT NULL,
	line_total_cents INTEGER NOT NULL,
	PRIMARY KEY (invoice_id, position)
);

CREATE TABLE IF NOT EXISTS payments (
	invoice_id   TEXT NOT NULL REFERENCES invoices(id),
	position     INTEGER NOT NULL,
	method       TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	reference    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (invoice_id, position)
);

CREATE TABLE IF NOT EXISTS stock_postings (
	id          TEXT PRIMARY KEY,
	product_ref TEXT NOT NULL,
	unit        TEXT NOT NULL,
	qty_delta   INTEGER NOT NULL,
	invoice_id  TEXT NOT NULL REFERENCES invoices(id),
	posted_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS stock_postings_invoice
	ON stock_postings(invoice_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id             TEXT PRIMARY KEY,
	store_id       TEXT NOT NULL,
	actor_username TEXT NOT NULL,
	actor_role     TEXT NOT NULL,
	action         TEXT NOT NULL,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	username   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	role       TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO products (ref, name, unit, price_cents, auto_discount_cents, active)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			product.Ref, product.Name, product.Unit, product.PriceCents, product.AutoDiscountCents, product.Active)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: product %q already exists", store.ErrConflict, product.Ref)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductByRef(ctx context.Context, ref string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, name, unit, price_cents, auto_discount_cents, active
		 FROM products WHERE ref = ?`, ref).
		Scan(&p.Ref, &p.Name, &p.Unit, &p.PriceCents, &p.AutoDiscountCents, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %q", store.ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE products SET name = ?, unit = ?, price_cents = ?, auto_discount_cents = ?, active = ?
			 WHERE ref = ?`,
			product.Name, product.Unit, product.PriceCents, product.AutoDiscountCents, product.Active, product.Ref)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: product %q", store.ErrNotFound, product.Ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, name, unit, price_cents, auto_discount_cents, active
		 FROM products ORDER BY ref`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Product, 0)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.Ref, &p.Name, &p.Unit, &p.PriceCents, &p.AutoDiscountCents, &p.Active); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const sessionColumns = `id, store_id, business_date, status, opened_by, opened_at, closed_by, closed_at, notes, invoice_id`

func scanSession(row interface{ Scan(dest ...any) error }) (*domain.Session, error) {
	var ses domain.Session
	var closedBy, invoiceID sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&ses.ID, &ses.StoreID, &ses.BusinessDate, &ses.Status, &ses.OpenedBy,
		&ses.OpenedAt, &closedBy, &closedAt, &ses.Notes, &invoiceID)
	if err != nil {
		return nil, err
	}
	ses.ClosedBy = closedBy.String
	ses.InvoiceID = invoiceID.String
	if closedAt.Valid {
		t := closedAt.Time
		ses.ClosedAt = &t
	}
	return &ses, nil
}

func (s *Store) EnsureOpenSession(ctx context.Context, storeID string, businessDate string, openedBy string) (*domain.Session, bool, error) {
	var out *domain.Session
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = false
		ses, err := openSessionTx(ctx, tx, storeID, businessDate)
		if err == nil {
			out = ses
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		ses = &domain.Session{
			ID:           xid.New("ses"),
			StoreID:      storeID,
			BusinessDate: businessDate,
			Status:       domain.SessionStatusOpen,
			OpenedBy:     openedBy,
			OpenedAt:     time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, store_id, business_date, status, opened_by, opened_at, notes)
			 VALUES (?, ?, ?, ?, ?, ?, '')`,
			ses.ID, ses.StoreID, ses.BusinessDate, ses.Status, ses.OpenedBy, ses.OpenedAt)
		if isUniqueViolation(err) {
			// Another till inserted between our select and insert. Treat
			// it as contention so the retry reruns and finds their row.
			return fmt.Errorf("%w: open session race on %s/%s", store.ErrContention, storeID, businessDate)
		}
		if err != nil {
			return err
		}
		out = ses
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func openSessionTx(ctx context.Context, tx *sql.Tx, storeID string, businessDate string) (*domain.Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE store_id = ? AND business_date = ? AND status = 'open'`,
		storeID, businessDate)
	ses, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no open session for %s on %s", store.ErrNotFound, storeID, businessDate)
	}
	return ses, err
}

func (s *Store) GetOpenSession(ctx context.Context, storeID string, businessDate string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE store_id = ? AND business_date = ? AND status = 'open'`,
		storeID, businessDate)
	ses, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no open session for %s on %s", store.ErrNotFound, storeID, businessDate)
	}
	return ses, err
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	ses, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %q", store.ErrNotFound, sessionID)
	}
	return ses, err
}

func (s *Store) AddSessionLine(ctx context.Context, line domain.Line) (*domain.Line, error) {
	var out domain.Line
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, line.SessionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: session %q", store.ErrNotFound, line.SessionID)
		}
		if err != nil {
			return err
		}
		if status != domain.SessionStatusOpen {
			return fmt.Errorf("%w: session %q is %s", store.ErrInvalidState, line.SessionID, status)
		}

		if line.AddedAt.IsZero() {
			line.AddedAt = time.Now().UTC()
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO session_lines
			 (session_id, product_ref, unit, qty, unit_price_cents, auto_discount_cents, manual_discount_cents, line_total_cents, added_by, added_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 RETURNING id`,
			line.SessionID, line.ProductRef, line.Unit, line.Qty, line.UnitPriceCents,
			line.AutoDiscountCents, line.ManualDiscountCents, line.LineTotalCents, line.AddedBy, line.AddedAt).
			Scan(&line.ID)
		if err != nil {
			return err
		}
		out = line
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListSessionLines(ctx context.Context, sessionID string, afterID int64, limit int) ([]domain.Line, error) {
	if _, err := s.GetSessionByID(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, product_ref, unit, qty, unit_price_cents, auto_discount_cents, manual_discount_cents, line_total_cents, added_by, added_at
		 FROM session_lines WHERE session_id = ? AND id > ?
		 ORDER BY id LIMIT ?`,
		sessionID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Line, 0)
	for rows.Next() {
		var line domain.Line
		if err := rows.Scan(&line.ID, &line.SessionID, &line.ProductRef, &line.Unit, &line.Qty,
			&line.UnitPriceCents, &line.AutoDiscountCents, &line.ManualDiscountCents,
			&line.LineTotalCents, &line.AddedBy, &line.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *Store) RemoveSessionLine(ctx context.Context, lineID int64) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM session_lines
			 WHERE id = ? AND session_id IN (SELECT id FROM sessions WHERE status = 'open')`,
			lineID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

func (s *Store) CloseSession(ctx context.Context, params store.CloseSessionParams) (*domain.Invoice, error) {
	var out *domain.Invoice
	err := retry.Do(ctx, s.opts, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// Conditional open->closing is the close lock. Zero rows means
		// either a lost race or a session that does not exist.
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
			domain.SessionStatusClosing, params.SessionID, domain.SessionStatusOpen)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, params.SessionID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: session %q", store.ErrNotFound, params.SessionID)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: session %q is %s", store.ErrConflict, params.SessionID, status)
		}

		lines, err := sessionLinesTx(ctx, tx, params.SessionID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			// Compensate closing->open and commit so the session stays
			// usable, then report the bad transition.
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
				domain.SessionStatusOpen, params.SessionID, domain.SessionStatusClosing); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			return fmt.Errorf("%w: session %q has no lines", store.ErrInvalidState, params.SessionID)
		}

		var businessDate string
		if err := tx.QueryRowContext(ctx,
			`SELECT business_date FROM sessions WHERE id = ?`, params.SessionID).Scan(&businessDate); err != nil {
			return err
		}

		invoice := aggregateInvoice(lines, params, businessDate)
		if err := insertInvoiceTx(ctx, tx, invoice); err != nil {
			return err
		}

		closedAt := params.ClosedAt
		if closedAt.IsZero() {
			closedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, closed_by = ?, closed_at = ?, notes = ?, invoice_id = ?
			 WHERE id = ? AND status = ?`,
			domain.SessionStatusClosed, params.ClosedBy, closedAt, params.Notes, invoice.ID,
			params.SessionID, domain.SessionStatusClosing); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = &invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sessionLinesTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.Line, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, product_ref, unit, qty, auto_discount_cents, manual_discount_cents, line_total_cents
		 FROM session_lines WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Line, 0)
	for rows.Next() {
		var line domain.Line
		if err := rows.Scan(&line.ID, &line.ProductRef, &line.Unit, &line.Qty,
			&line.AutoDiscountCents, &line.ManualDiscountCents, &line.LineTotalCents); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// aggregateInvoice groups lines by (productRef, unit) in first-seen order
// and totals them. The unit price on an aggregated line is a display
// average; the summed line totals are the money truth.
func aggregateInvoice(lines []domain.Line, params store.CloseSessionParams, businessDate string) domain.Invoice {
	type group struct {
		unit     string
		ref      string
		qty      int64
		total    int64
		discount int64
	}
	order := make([]*group, 0)
	index := make(map[string]*group)
	for _, line := range lines {
		key := line.ProductRef + "|" + line.Unit
		g, ok := index[key]
		if !ok {
			g = &group{ref: line.ProductRef, unit: line.Unit}
			index[key] = g
			order = append(order, g)
		}
		g.qty += line.Qty
		g.total += line.LineTotalCents
		g.discount += line.AutoDiscountCents + line.ManualDiscountCents
	}

	invoice := domain.Invoice{
		ID:           xid.New("inv"),
		ReceiptNo:    params.ReceiptNo,
		StoreID:      params.StoreID,
		BusinessDate: businessDate,
		SessionID:    params.SessionID,
		CreatedBy:    params.ClosedBy,
		CreatedAt:    time.Now().UTC(),
	}
	for _, g := range order {
		unitPrice := int64(0)
		if g.qty > 0 {
			unitPrice = g.total / g.qty
		}
		invoice.Lines = append(invoice.Lines, domain.InvoiceLine{
			ProductRef:     g.ref,
			Unit:           g.unit,
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

func insertInvoiceTx(ctx context.Context, tx *sql.Tx, invoice domain.Invoice) error {
	var sessionID any
	if invoice.SessionID != "" {
		sessionID = invoice.SessionID
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO invoices
		 (id, receipt_no, store_id, business_date, session_id, gross_cents, discount_cents, tax_cents, net_cents, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID, invoice.ReceiptNo, invoice.StoreID, invoice.BusinessDate, sessionID,
		invoice.GrossCents, invoice.DiscountCents, invoice.TaxCents, invoice.NetCents,
		invoice.CreatedBy, invoice.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: receipt number %q already used", store.ErrConflict, invoice.ReceiptNo)
	}
	if err != nil {
		return err
	}

	for i, line := range invoice.Lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO invoice_lines
			 (invoice_id, position, product_ref, unit, qty, unit_price_cents, discount_cents, line_total_cents)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			invoice.ID, i, line.ProductRef, line.Unit, line.Qty,
			line.UnitPriceCents, line.DiscountCents, line.LineTotalCents); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stock_postings (id, product_ref, unit, qty_delta, invoice_id, posted_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			xid.New("stk"), line.ProductRef, line.Unit, -line.Qty, invoice.ID, invoice.CreatedAt); err != nil {
			return err
		}
	}
	for i, pay := range invoice.Payments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payments (invoice_id, position, method, amount_cents, reference)
			 VALUES (?, ?, ?, ?, ?)`,
			invoice.ID, i, pay.Method, pay.AmountCents, pay.Reference); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) NextReceiptSequence(ctx context.Context, storeID string, businessDate string) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO receipt_counters (store_id, business_date, last_issued)
			 VALUES (?, ?, 0)
			 ON CONFLICT (store_id, business_date) DO NOTHING`,
			storeID, businessDate); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx,
			`UPDATE receipt_counters SET last_issued = last_issued + 1
			 WHERE store_id = ? AND business_date = ?
			 RETURNING last_issued`,
			storeID, businessDate).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: receipt counter vanished for %s/%s", store.ErrInternal, storeID, businessDate)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT key, fingerprint, invoice_id, receipt_no, total_cents, created_at, expires_at
		 FROM idempotency_keys WHERE key = ?`, key).
		Scan(&rec.Key, &rec.Fingerprint, &rec.InvoiceID, &rec.ReceiptNo, &rec.TotalCents, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %q", store.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutIdempotencyRecord(ctx context.Context, record domain.IdempotencyRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, fingerprint, invoice_id, receipt_no, total_cents, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET
			   fingerprint = excluded.fingerprint,
			   invoice_id = excluded.invoice_id,
			   receipt_no = excluded.receipt_no,
			   total_cents = excluded.total_cents,
			   created_at = excluded.created_at,
			   expires_at = excluded.expires_at`,
			record.Key, record.Fingerprint, record.InvoiceID, record.ReceiptNo,
			record.TotalCents, record.CreatedAt, record.ExpiresAt)
		return err
	})
}

func (s *Store) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE expires_at <= ?`, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *Store) CreateDirectSale(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return insertInvoiceTx(ctx, tx, invoice)
	})
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	var sessionID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, receipt_no, store_id, business_date, session_id, gross_cents, discount_cents, tax_cents, net_cents, created_by, created_at
		 FROM invoices WHERE id = ?`, invoiceID).
		Scan(&inv.ID, &inv.ReceiptNo, &inv.StoreID, &inv.BusinessDate, &sessionID,
			&inv.GrossCents, &inv.DiscountCents, &inv.TaxCents, &inv.NetCents, &inv.CreatedBy, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: invoice %q", store.ErrNotFound, invoiceID)
	}
	if err != nil {
		return nil, err
	}
	inv.SessionID = sessionID.String

	lineRows, err := s.db.QueryContext(ctx,
		`SELECT product_ref, unit, qty, unit_price_cents, discount_cents, line_total_cents
		 FROM invoice_lines WHERE invoice_id = ? ORDER BY position`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var line domain.InvoiceLine
		if err := lineRows.Scan(&line.ProductRef, &line.Unit, &line.Qty,
			&line.UnitPriceCents, &line.DiscountCents, &line.LineTotalCents); err != nil {
			return nil, err
		}
		inv.Lines = append(inv.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	payRows, err := s.db.QueryContext(ctx,
		`SELECT method, amount_cents, reference
		 FROM payments WHERE invoice_id = ? ORDER BY position`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var pay domain.Payment
		if err := payRows.Scan(&pay.Method, &pay.AmountCents, &pay.Reference); err != nil {
			return nil, err
		}
		inv.Payments = append(inv.Payments, pay)
	}
	return &inv, payRows.Err()
}

func (s *Store) ListStockPostingsByInvoice(ctx context.Context, invoiceID string) ([]domain.StockPosting, error) {
	if _, err := s.GetInvoiceByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_ref, unit, qty_delta, invoice_id, posted_at
		 FROM stock_postings WHERE invoice_id = ? ORDER BY rowid`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockPosting, 0)
	for rows.Next() {
		var p domain.StockPosting
		if err := rows.Scan(&p.ID, &p.ProductRef, &p.Unit, &p.QtyDelta, &p.InvoiceID, &p.PostedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreateAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = xid.New("aud")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO audit_events (id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, event.StoreID, event.ActorUsername, event.ActorRole,
			event.Action, event.EntityType, event.EntityID, event.Detail, event.CreatedAt)
		return err
	})
}

func (s *Store) ListAuditEvents(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		 FROM audit_events WHERE 1=1`
	args := make([]any, 0, 4)
	if storeID != "" {
		query += ` AND store_id = ?`
		args = append(args, storeID)
	}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var ev domain.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.StoreID, &ev.ActorUsername, &ev.ActorRole,
			&ev.Action, &ev.EntityType, &ev.EntityID, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, password, role, active, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %q already exists", store.ErrConflict, user.Username)
		}
		return err
	})
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password, role, active, created_at FROM users WHERE username = ?`, username).
		Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %q", store.ErrNotFound, username)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, password, role, active, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.UserAccount, 0)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET password = ? WHERE username = ?`, password, username)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: user %q", store.ErrNotFound, username)
		}
		return nil
	})
}
