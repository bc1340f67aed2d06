package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"tiendapos/backend/internal/domain"
	"tiendapos/backend/internal/store"
	"tiendapos/backend/internal/xid"
)

// Store is the SQLite-backed Ledger. The connection pool is capped at one
// open connection so every transaction runs to completion before the next
// queued one starts; callers never observe partial writes.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_loc=UTC", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{1, "create_products", []string{`
		CREATE TABLE IF NOT EXISTS products (
			barcode TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			purchase_price_cents INTEGER NOT NULL DEFAULT 0,
			sale_price_cents INTEGER NOT NULL DEFAULT 0,
			expiry_date TIMESTAMP,
			stock REAL NOT NULL DEFAULT 0,
			sold_by_weight INTEGER NOT NULL DEFAULT 0,
			image_ref TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`}},
	{2, "create_categories", []string{
		`CREATE TABLE IF NOT EXISTS categories (name TEXT PRIMARY KEY)`,
		`INSERT OR IGNORE INTO categories (name) VALUES
			('general'),('bebidas'),('snacks'),('lacteos'),('limpieza'),('panaderia')`,
	}},
	{3, "create_sales", []string{`
		CREATE TABLE IF NOT EXISTS sales (
			id TEXT PRIMARY KEY,
			client_sale_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			total_cents INTEGER NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			cash_received_cents INTEGER NOT NULL DEFAULT 0,
			change_cents INTEGER NOT NULL DEFAULT 0,
			discount_cents INTEGER NOT NULL DEFAULT 0,
			tax_cents INTEGER NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			transfer_receipt_uri TEXT NOT NULL DEFAULT '',
			transfer_receipt_name TEXT NOT NULL DEFAULT '',
			voided INTEGER NOT NULL DEFAULT 0,
			synced INTEGER NOT NULL DEFAULT 0,
			cloud_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sales_client_sale_id
			ON sales(client_sale_id) WHERE client_sale_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales(created_at)`,
	}},
	{4, "create_sale_items", []string{`
		CREATE TABLE IF NOT EXISTS sale_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sale_id TEXT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
			barcode TEXT NOT NULL,
			name TEXT NOT NULL,
			qty REAL NOT NULL,
			unit_price_cents INTEGER NOT NULL,
			subtotal_cents INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sale_items_sale_id ON sale_items(sale_id)`,
	}},
	{5, "create_cash_sessions", []string{`
		CREATE TABLE IF NOT EXISTS cash_sessions (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			opening_cents INTEGER NOT NULL,
			expected_cents INTEGER NOT NULL DEFAULT 0,
			actual_cents INTEGER NOT NULL DEFAULT 0,
			difference_cents INTEGER NOT NULL DEFAULT 0,
			opened_by TEXT NOT NULL DEFAULT '',
			closed_by TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open'
		)`,
		// Storage-enforced "at most one open session".
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cash_sessions_single_open
			ON cash_sessions(status) WHERE status = 'open'`,
	}},
	{6, "create_cash_count_details", []string{`
		CREATE TABLE IF NOT EXISTS cash_count_details (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES cash_sessions(id),
			denomination_cents INTEGER NOT NULL,
			count INTEGER NOT NULL
		)`}},
	{7, "create_safe_movements", []string{`
		CREATE TABLE IF NOT EXISTS safe_movements (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`}},
	{8, "create_outbox_sales", []string{`
		CREATE TABLE IF NOT EXISTS outbox_sales (
			id TEXT PRIMARY KEY,
			local_sale_id TEXT NOT NULL REFERENCES sales(id),
			client_sale_id TEXT NOT NULL UNIQUE,
			payload_json TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			cloud_sale_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			synced_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unsynced
			ON outbox_sales(created_at) WHERE synced = 0`,
	}},
	// Older builds queried a singular "sale" table; keep them working.
	{9, "legacy_sale_view", []string{
		`CREATE VIEW IF NOT EXISTS sale AS
			SELECT id, created_at, total_cents, payment_method, voided FROM sales`,
	}},
}

// migrate applies pending migrations in order, each in its own transaction.
// A failing step is logged and skipped without recording its version, so the
// remaining steps still run and the failed one retries on the next startup.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			_ = rows.Close()
			return err
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			log.Printf("[sqlite] WARN: migration %d (%s) failed, continuing: %v", m.version, m.name, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, name, applied_at) VALUES (?,?,?)
		`, m.version, m.name, time.Now().UTC())
		return err
	})
}

// withTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic. Every multi-statement write in this package goes through it.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

// UpsertProduct inserts or updates by barcode. Local writes (UpdatedAt zero)
// get a fresh logical clock; replicated writes carry their own clock and lose
// against a newer local row (last write wins).
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	p.Barcode = strings.TrimSpace(p.Barcode)
	if p.Barcode == "" {
		return nil, fmt.Errorf("%w: barcode required", store.ErrValidation)
	}
	if p.Stock < 0 {
		p.Stock = 0
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = nowMillis()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (
				barcode, name, category, purchase_price_cents, sale_price_cents,
				expiry_date, stock, sold_by_weight, image_ref, updated_at
			)
			VALUES (?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (barcode) DO UPDATE SET
				name = excluded.name,
				category = excluded.category,
				purchase_price_cents = excluded.purchase_price_cents,
				sale_price_cents = excluded.sale_price_cents,
				expiry_date = excluded.expiry_date,
				stock = excluded.stock,
				sold_by_weight = excluded.sold_by_weight,
				image_ref = excluded.image_ref,
				updated_at = excluded.updated_at
			WHERE excluded.updated_at >= products.updated_at
		`, p.Barcode, p.Name, p.Category, p.PurchasePriceCents, p.SalePriceCents,
			nullTime(p.ExpiryDate), p.Stock, p.SoldByWeight, p.ImageRef, p.UpdatedAt)
		if err != nil {
			return err
		}
		if strings.TrimSpace(p.Category) != "" {
			_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO categories (name) VALUES (?)`, p.Category)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetProductByBarcode(ctx, p.Barcode)
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT barcode, name, category, purchase_price_cents, sale_price_cents,
			expiry_date, stock, sold_by_weight, image_ref, updated_at
		FROM products
		WHERE barcode = ?
	`, barcode)
	return scanProduct(row)
}

func (s *Store) ListProducts(ctx context.Context, query string, category string, limit int, offset int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query = strings.TrimSpace(query)
	pattern := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT barcode, name, category, purchase_price_cents, sale_price_cents,
			expiry_date, stock, sold_by_weight, image_ref, updated_at
		FROM products
		WHERE (? = '' OR name LIKE ? OR barcode LIKE ?)
			AND (? = '' OR category = ?)
		ORDER BY name, barcode
		LIMIT ? OFFSET ?
	`, query, pattern, pattern, category, category, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) DeleteProduct(ctx context.Context, barcode string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE barcode = ?`, barcode)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AdjustStock adds delta (may be negative) to the product's stock, clamped at
// zero, and refreshes its logical clock.
func (s *Store) AdjustStock(ctx context.Context, barcode string, delta float64) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = MAX(0, stock + ?), updated_at = ?
		WHERE barcode = ?
	`, delta, nowMillis(), barcode)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProductByBarcode(ctx, barcode)
}

func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]string, 0, 16)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		categories = append(categories, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) AddCategory(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: category name required", store.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO categories (name) VALUES (?)`, name)
	return err
}

// RecordSale runs the full recording transaction: sale row, line items,
// clamped stock decrements and the outbox snapshot. Totals are recomputed
// here from the line items; the caller's figures are not trusted.
func (s *Store) RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: empty cart", store.ErrValidation)
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.ClientSaleID == "" {
		sale.ClientSaleID = xid.New("csale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	subtotal := int64(0)
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.Qty <= 0 {
			return nil, fmt.Errorf("%w: item qty must be positive", store.ErrValidation)
		}
		item.SaleID = sale.ID
		item.SubtotalCents = roundCents(item.Qty * float64(item.UnitPriceCents))
		subtotal += item.SubtotalCents
	}
	sale.TotalCents = subtotal - sale.DiscountCents + sale.TaxCents
	if sale.TotalCents < 0 {
		sale.TotalCents = 0
	}
	sale.ChangeCents = sale.CashReceivedCents - sale.TotalCents
	if sale.ChangeCents < 0 {
		sale.ChangeCents = 0
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertSale(ctx, tx, sale); err != nil {
			return err
		}
		for _, item := range sale.Items {
			if err := insertSaleItem(ctx, tx, item); err != nil {
				return err
			}
			if err := decrementStock(ctx, tx, item.Barcode, item.Qty); err != nil {
				return err
			}
		}
		return insertOutboxEntry(ctx, tx, sale)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: client_sale_id already recorded", store.ErrConflict)
		}
		return nil, err
	}

	recorded := sale
	return &recorded, nil
}

func insertSale(ctx context.Context, tx *sql.Tx, sale domain.Sale) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, client_sale_id, created_at, total_cents, payment_method,
			cash_received_cents, change_cents, discount_cents, tax_cents, notes,
			transfer_receipt_uri, transfer_receipt_name, voided, synced, cloud_id
		)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, sale.ID, sale.ClientSaleID, sale.CreatedAt, sale.TotalCents, sale.PaymentMethod,
		sale.CashReceivedCents, sale.ChangeCents, sale.DiscountCents, sale.TaxCents, sale.Notes,
		sale.TransferReceiptURI, sale.TransferReceiptName, sale.Voided, sale.Synced, sale.CloudID)
	return err
}

func insertSaleItem(ctx context.Context, tx *sql.Tx, item domain.SaleItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sale_items (sale_id, barcode, name, qty, unit_price_cents, subtotal_cents)
		VALUES (?,?,?,?,?,?)
	`, item.SaleID, item.Barcode, item.Name, item.Qty, item.UnitPriceCents, item.SubtotalCents)
	return err
}

// decrementStock clamps at zero: selling more than is on hand empties the
// shelf instead of going negative. Unknown barcodes (manual cart lines) are
// left alone.
func decrementStock(ctx context.Context, tx *sql.Tx, barcode string, qty float64) error {
	if strings.TrimSpace(barcode) == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = MAX(0, stock - ?), updated_at = ?
		WHERE barcode = ?
	`, qty, nowMillis(), barcode)
	return err
}

func insertOutboxEntry(ctx context.Context, tx *sql.Tx, sale domain.Sale) error {
	payload, err := json.Marshal(payloadFromSale(sale))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_sales (id, local_sale_id, client_sale_id, payload_json, synced, cloud_sale_id, created_at)
		VALUES (?,?,?,?,0,'',?)
	`, xid.New("out"), sale.ID, sale.ClientSaleID, string(payload), time.Now().UTC())
	return err
}

func payloadFromSale(sale domain.Sale) domain.SalePayload {
	items := make([]domain.PayloadItem, 0, len(sale.Items))
	for _, item := range sale.Items {
		items = append(items, domain.PayloadItem{
			Barcode:        item.Barcode,
			Name:           item.Name,
			Qty:            item.Qty,
			UnitPriceCents: item.UnitPriceCents,
			SubtotalCents:  item.SubtotalCents,
		})
	}
	return domain.SalePayload{
		ClientSaleID:        sale.ClientSaleID,
		CreatedAt:           sale.CreatedAt,
		TotalCents:          sale.TotalCents,
		PaymentMethod:       sale.PaymentMethod,
		CashReceivedCents:   sale.CashReceivedCents,
		ChangeCents:         sale.ChangeCents,
		DiscountCents:       sale.DiscountCents,
		TaxCents:            sale.TaxCents,
		Notes:               sale.Notes,
		TransferReceiptURI:  sale.TransferReceiptURI,
		TransferReceiptName: sale.TransferReceiptName,
		Items:               items,
	}
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSaleRow(s.db.QueryRowContext(ctx, saleSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	items, err := s.loadSaleItems(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

const saleSelect = `
	SELECT id, client_sale_id, created_at, total_cents, payment_method,
		cash_received_cents, change_cents, discount_cents, tax_cents, notes,
		transfer_receipt_uri, transfer_receipt_name, voided, synced, cloud_id
	FROM sales`

func (s *Store) ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}
	return s.listSales(ctx, saleSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *Store) ListSalesBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	return s.listSales(ctx, saleSelect+` WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC`, from, to)
}

func (s *Store) listSales(ctx context.Context, query string, args ...any) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		sale, err := scanSaleRow(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(saleIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(saleIDs))
	for _, id := range saleIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, barcode, name, qty, unit_price_cents, subtotal_cents
		FROM sale_items
		WHERE sale_id IN (`+placeholders+`)
		ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.SaleID, &item.Barcode, &item.Name, &item.Qty, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
			return nil, err
		}
		result[item.SaleID] = append(result[item.SaleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) VoidSale(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sales SET voided = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateSaleTransferReceipt attaches the receipt and re-queues the sale for
// sync: the matching outbox row gets a regenerated payload and synced=0, or a
// fresh row is created when none exists (cloud-origin sales have no outbox row).
func (s *Store) UpdateSaleTransferReceipt(ctx context.Context, saleID string, uri string, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sales
			SET transfer_receipt_uri = ?, transfer_receipt_name = ?, synced = 0
			WHERE id = ?
		`, uri, name, saleID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}

		sale, err := scanSaleRow(tx.QueryRowContext(ctx, saleSelect+` WHERE id = ?`, saleID))
		if err != nil {
			return err
		}
		itemRows, err := tx.QueryContext(ctx, `
			SELECT sale_id, barcode, name, qty, unit_price_cents, subtotal_cents
			FROM sale_items WHERE sale_id = ? ORDER BY id ASC
		`, saleID)
		if err != nil {
			return err
		}
		for itemRows.Next() {
			var item domain.SaleItem
			if err := itemRows.Scan(&item.SaleID, &item.Barcode, &item.Name, &item.Qty, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
				_ = itemRows.Close()
				return err
			}
			sale.Items = append(sale.Items, item)
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return err
		}
		_ = itemRows.Close()

		if sale.ClientSaleID == "" {
			sale.ClientSaleID = xid.New("csale")
			if _, err := tx.ExecContext(ctx, `UPDATE sales SET client_sale_id = ? WHERE id = ?`, sale.ClientSaleID, saleID); err != nil {
				return err
			}
		}

		payload, err := json.Marshal(payloadFromSale(*sale))
		if err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE outbox_sales
			SET payload_json = ?, synced = 0, synced_at = NULL, cloud_sale_id = ''
			WHERE local_sale_id = ?
		`, string(payload), saleID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO outbox_sales (id, local_sale_id, client_sale_id, payload_json, synced, cloud_sale_id, created_at)
				VALUES (?,?,?,?,0,'',?)
			`, xid.New("out"), saleID, sale.ClientSaleID, string(payload), time.Now().UTC())
		}
		return err
	})
}

// InsertSaleFromCloud mirrors a remote-origin sale locally. Duplicates are
// detected on client_sale_id alone and short-circuit without error. The sale
// arrives already synced, so no outbox entry is created.
func (s *Store) InsertSaleFromCloud(ctx context.Context, payload domain.SalePayload, cloudID string) (*domain.Sale, bool, error) {
	if strings.TrimSpace(payload.ClientSaleID) == "" {
		return nil, false, fmt.Errorf("%w: client_sale_id required", store.ErrValidation)
	}

	var result *domain.Sale
	duplicate := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM sales WHERE client_sale_id = ?`, payload.ClientSaleID).Scan(&existingID)
		if err == nil {
			duplicate = true
			existing, scanErr := scanSaleRow(tx.QueryRowContext(ctx, saleSelect+` WHERE id = ?`, existingID))
			if scanErr != nil {
				return scanErr
			}
			result = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		createdAt := payload.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		sale := domain.Sale{
			ID:                  xid.New("sale"),
			ClientSaleID:        payload.ClientSaleID,
			CreatedAt:           createdAt,
			TotalCents:          payload.TotalCents,
			PaymentMethod:       payload.PaymentMethod,
			CashReceivedCents:   payload.CashReceivedCents,
			ChangeCents:         payload.ChangeCents,
			DiscountCents:       payload.DiscountCents,
			TaxCents:            payload.TaxCents,
			Notes:               payload.Notes,
			TransferReceiptURI:  payload.TransferReceiptURI,
			TransferReceiptName: payload.TransferReceiptName,
			Synced:              true,
			CloudID:             cloudID,
		}
		for _, item := range payload.Items {
			sale.Items = append(sale.Items, domain.SaleItem{
				SaleID:         sale.ID,
				Barcode:        item.Barcode,
				Name:           item.Name,
				Qty:            item.Qty,
				UnitPriceCents: item.UnitPriceCents,
				SubtotalCents:  item.SubtotalCents,
			})
		}

		if err := insertSale(ctx, tx, sale); err != nil {
			return err
		}
		for _, item := range sale.Items {
			if err := insertSaleItem(ctx, tx, item); err != nil {
				return err
			}
			if err := decrementStock(ctx, tx, item.Barcode, item.Qty); err != nil {
				return err
			}
		}
		result = &sale
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, duplicate, nil
}

func (s *Store) OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.OpeningCents < 0 {
		return nil, fmt.Errorf("%w: opening amount must not be negative", store.ErrValidation)
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.EndedAt = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, started_at, opening_cents, opened_by, notes, status)
		VALUES (?,?,?,?,?,?)
	`, session.ID, session.StartedAt, session.OpeningCents, session.OpenedBy, session.Notes, session.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: a session is already open", store.ErrConflict)
		}
		return nil, err
	}
	opened := session
	return &opened, nil
}

const sessionSelect = `
	SELECT id, started_at, ended_at, opening_cents, expected_cents, actual_cents,
		difference_cents, opened_by, closed_by, notes, status
	FROM cash_sessions`

func (s *Store) GetOpenSession(ctx context.Context) (*domain.CashSession, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE status = ? ORDER BY started_at DESC LIMIT 1`, domain.SessionStatusOpen))
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.CashSession, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]domain.CashSession, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, sessionSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashSession, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CalculateExpected recomputes expected drawer cash from the opening float
// and the cash-like, non-voided sales since the session started. The value is
// never cached.
func (s *Store) CalculateExpected(ctx context.Context, sessionID string) (int64, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	received, change, err := cashTotalsSince(ctx, s.db, session.StartedAt)
	if err != nil {
		return 0, err
	}
	return session.OpeningCents + received - change, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func cashTotalsSince(ctx context.Context, q querier, since time.Time) (int64, int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(domain.CashMethods)), ",")
	args := make([]any, 0, 1+len(domain.CashMethods))
	args = append(args, since)
	for _, method := range domain.CashMethods {
		args = append(args, method)
	}

	var received, change int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cash_received_cents),0), COALESCE(SUM(change_cents),0)
		FROM sales
		WHERE voided = 0
			AND created_at >= ?
			AND payment_method IN (`+placeholders+`)
	`, args...).Scan(&received, &change)
	return received, change, err
}

// CloseSession finalizes a session exactly once: expected/actual/difference
// are written, count details persisted, and any surplus above the next-day
// float is deposited to the safe, all in one transaction.
func (s *Store) CloseSession(ctx context.Context, req domain.SessionCloseRequest) (*domain.SessionCloseResult, error) {
	var result domain.SessionCloseResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, req.SessionID))
		if err != nil {
			return err
		}
		if session.Status != domain.SessionStatusOpen {
			return fmt.Errorf("%w: session already closed", store.ErrConflict)
		}

		received, change, err := cashTotalsSince(ctx, tx, session.StartedAt)
		if err != nil {
			return err
		}
		expected := session.OpeningCents + received - change
		difference := req.ActualCents - expected
		endedAt := time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE cash_sessions
			SET ended_at = ?, expected_cents = ?, actual_cents = ?, difference_cents = ?,
				closed_by = ?, notes = ?, status = ?
			WHERE id = ?
		`, endedAt, expected, req.ActualCents, difference, req.Operator, req.Notes,
			domain.SessionStatusClosed, req.SessionID)
		if err != nil {
			return err
		}

		for _, count := range req.Counts {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO cash_count_details (session_id, denomination_cents, count)
				VALUES (?,?,?)
			`, req.SessionID, count.DenominationCents, count.Count)
			if err != nil {
				return err
			}
		}

		toSafe := req.ActualCents - req.NextDayFloatCents
		if toSafe > 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO safe_movements (id, type, amount_cents, description, session_id, created_by, created_at)
				VALUES (?,?,?,?,?,?,?)
			`, xid.New("mov"), domain.SafeDeposit, toSafe, "cierre de caja", req.SessionID, req.Operator, endedAt)
			if err != nil {
				return err
			}
		} else {
			toSafe = 0
		}

		result = domain.SessionCloseResult{
			ExpectedCents:   expected,
			ActualCents:     req.ActualCents,
			DifferenceCents: difference,
			NextDayCents:    req.NextDayFloatCents,
			ToSafeCents:     toSafe,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) AddSafeMovement(ctx context.Context, movement domain.SafeMovement) (*domain.SafeMovement, error) {
	if movement.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	}
	if movement.Type != domain.SafeDeposit && movement.Type != domain.SafeWithdrawal {
		return nil, fmt.Errorf("%w: unknown movement type %q", store.ErrValidation, movement.Type)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO safe_movements (id, type, amount_cents, description, session_id, created_by, created_at)
		VALUES (?,?,?,?,?,?,?)
	`, movement.ID, movement.Type, movement.AmountCents, movement.Description,
		movement.SessionID, movement.CreatedBy, movement.CreatedAt)
	if err != nil {
		return nil, err
	}
	saved := movement
	return &saved, nil
}

// SafeBalance is recomputed from the movement log on every call.
func (s *Store) SafeBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type = ? THEN amount_cents ELSE -amount_cents END), 0)
		FROM safe_movements
	`, domain.SafeDeposit).Scan(&balance)
	return balance, err
}

func (s *Store) ListSafeMovements(ctx context.Context, limit int) ([]domain.SafeMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, amount_cents, description, session_id, created_by, created_at
		FROM safe_movements
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.SafeMovement, 0, limit)
	for rows.Next() {
		var m domain.SafeMovement
		if err := rows.Scan(&m.ID, &m.Type, &m.AmountCents, &m.Description, &m.SessionID, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// ListUnsynced returns pending outbox rows oldest first. Each payload is
// refreshed from the parent sale's authoritative fields so that mutations
// made after recording (receipt attach, void) are what actually ships.
func (s *Store) ListUnsynced(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.local_sale_id, o.client_sale_id, o.payload_json, o.synced,
			o.cloud_sale_id, o.created_at, o.synced_at,
			s.created_at, s.total_cents, s.payment_method, s.cash_received_cents,
			s.change_cents, s.discount_cents, s.tax_cents, s.notes,
			s.transfer_receipt_uri, s.transfer_receipt_name
		FROM outbox_sales o
		JOIN sales s ON s.id = o.local_sale_id
		WHERE o.synced = 0
		ORDER BY o.created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.OutboxEntry, 0, limit)
	for rows.Next() {
		var entry domain.OutboxEntry
		var payloadJSON string
		var syncedAt sql.NullTime
		var saleCreatedAt time.Time
		var authoritative domain.SalePayload
		if err := rows.Scan(
			&entry.ID, &entry.LocalSaleID, &entry.ClientSaleID, &payloadJSON, &entry.Synced,
			&entry.CloudSaleID, &entry.CreatedAt, &syncedAt,
			&saleCreatedAt, &authoritative.TotalCents, &authoritative.PaymentMethod,
			&authoritative.CashReceivedCents, &authoritative.ChangeCents,
			&authoritative.DiscountCents, &authoritative.TaxCents, &authoritative.Notes,
			&authoritative.TransferReceiptURI, &authoritative.TransferReceiptName,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &entry.Payload); err != nil {
			return nil, err
		}
		entry.Payload.ClientSaleID = entry.ClientSaleID
		entry.Payload.CreatedAt = saleCreatedAt.UTC()
		entry.Payload.TotalCents = authoritative.TotalCents
		entry.Payload.PaymentMethod = authoritative.PaymentMethod
		entry.Payload.CashReceivedCents = authoritative.CashReceivedCents
		entry.Payload.ChangeCents = authoritative.ChangeCents
		entry.Payload.DiscountCents = authoritative.DiscountCents
		entry.Payload.TaxCents = authoritative.TaxCents
		entry.Payload.Notes = authoritative.Notes
		entry.Payload.TransferReceiptURI = authoritative.TransferReceiptURI
		entry.Payload.TransferReceiptName = authoritative.TransferReceiptName
		entry.CreatedAt = entry.CreatedAt.UTC()
		if syncedAt.Valid {
			at := syncedAt.Time.UTC()
			entry.SyncedAt = &at
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkSynced flags the outbox row and its parent sale. Calling it twice with
// the same arguments is a no-op beyond refreshing synced_at.
func (s *Store) MarkSynced(ctx context.Context, localSaleID string, cloudSaleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox_sales
			SET synced = 1, cloud_sale_id = ?, synced_at = ?
			WHERE local_sale_id = ?
		`, cloudSaleID, time.Now().UTC(), localSaleID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sales SET synced = 1, cloud_id = ? WHERE id = ?
		`, cloudSaleID, localSaleID)
		return err
	})
}

func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_sales WHERE synced = 0`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var expiry sql.NullTime
	err := row.Scan(&p.Barcode, &p.Name, &p.Category, &p.PurchasePriceCents, &p.SalePriceCents,
		&expiry, &p.Stock, &p.SoldByWeight, &p.ImageRef, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if expiry.Valid {
		e := expiry.Time.UTC()
		p.ExpiryDate = &e
	}
	return &p, nil
}

func scanSaleRow(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.ClientSaleID, &sale.CreatedAt, &sale.TotalCents,
		&sale.PaymentMethod, &sale.CashReceivedCents, &sale.ChangeCents,
		&sale.DiscountCents, &sale.TaxCents, &sale.Notes,
		&sale.TransferReceiptURI, &sale.TransferReceiptName,
		&sale.Voided, &sale.Synced, &sale.CloudID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func scanSession(row rowScanner) (*domain.CashSession, error) {
	var session domain.CashSession
	var endedAt sql.NullTime
	err := row.Scan(&session.ID, &session.StartedAt, &endedAt, &session.OpeningCents,
		&session.ExpectedCents, &session.ActualCents, &session.DifferenceCents,
		&session.OpenedBy, &session.ClosedBy, &session.Notes, &session.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.StartedAt = session.StartedAt.UTC()
	if endedAt.Valid {
		at := endedAt.Time.UTC()
		session.EndedAt = &at
	}
	return &session, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
