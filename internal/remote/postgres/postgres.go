// Package postgres implements remote.CloudStore directly against the shared
// Postgres database, for shops that skip the hosted API and point every till
// at the same instance.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tiendapos/backend/internal/domain"
	"tiendapos/backend/internal/remote"
	"tiendapos/backend/internal/xid"
)

type Store struct {
	db      *sql.DB
	storeID string
}

func New(ctx context.Context, dsn string, storeID string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}

	s := &Store{db: db, storeID: storeID}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS cloud_sales (
			id TEXT PRIMARY KEY,
			client_sale_id TEXT NOT NULL UNIQUE,
			store_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			total_cents BIGINT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			cash_received_cents BIGINT NOT NULL DEFAULT 0,
			change_cents BIGINT NOT NULL DEFAULT 0,
			discount_cents BIGINT NOT NULL DEFAULT 0,
			tax_cents BIGINT NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			transfer_receipt_uri TEXT NOT NULL DEFAULT '',
			transfer_receipt_name TEXT NOT NULL DEFAULT ''
		)`, `
		CREATE TABLE IF NOT EXISTS cloud_sale_items (
			id BIGSERIAL PRIMARY KEY,
			sale_id TEXT NOT NULL REFERENCES cloud_sales(id) ON DELETE CASCADE,
			barcode TEXT NOT NULL,
			name TEXT NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			unit_price_cents BIGINT NOT NULL,
			subtotal_cents BIGINT NOT NULL
		)`, `
		CREATE INDEX IF NOT EXISTS idx_cloud_sales_received_at ON cloud_sales(received_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// PushSale is idempotent on client_sale_id: a conflict keeps the existing row
// and its id, but refreshes the mutable fields (receipt, notes) so a sale
// re-queued after mutation still lands its changes. Item rows are immutable
// and only written on first insert.
func (s *Store) PushSale(ctx context.Context, payload domain.SalePayload) (*remote.PushResult, error) {
	if strings.TrimSpace(payload.ClientSaleID) == "" {
		return nil, errors.New("push sale: client_sale_id required")
	}
	storeID := payload.StoreID
	if storeID == "" {
		storeID = s.storeID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	cloudID := xid.New("cs")
	var returnedID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO cloud_sales (
			id, client_sale_id, store_id, created_at, total_cents, payment_method,
			cash_received_cents, change_cents, discount_cents, tax_cents, notes,
			transfer_receipt_uri, transfer_receipt_name
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (client_sale_id) DO UPDATE SET
			notes = EXCLUDED.notes,
			transfer_receipt_uri = EXCLUDED.transfer_receipt_uri,
			transfer_receipt_name = EXCLUDED.transfer_receipt_name
		RETURNING id
	`, cloudID, payload.ClientSaleID, storeID, payload.CreatedAt.UTC(), payload.TotalCents,
		payload.PaymentMethod, payload.CashReceivedCents, payload.ChangeCents,
		payload.DiscountCents, payload.TaxCents, payload.Notes,
		payload.TransferReceiptURI, payload.TransferReceiptName).Scan(&returnedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}

	// The conflict path keeps the existing row's id, so anything other than
	// the freshly minted id means the cloud already had this sale.
	if returnedID != cloudID {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
		}
		return &remote.PushResult{CloudSaleID: returnedID, Duplicate: true}, nil
	}

	for _, item := range payload.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cloud_sale_items (sale_id, barcode, name, qty, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, returnedID, item.Barcode, item.Name, item.Qty, item.UnitPriceCents, item.SubtotalCents)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return &remote.PushResult{CloudSaleID: returnedID}, nil
}

// PullSales returns sales pushed by other tills, ordered by arrival.
func (s *Store) PullSales(ctx context.Context, since time.Time, limit int) ([]remote.PulledSale, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, received_at, client_sale_id, store_id, created_at, total_cents, payment_method,
			cash_received_cents, change_cents, discount_cents, tax_cents, notes,
			transfer_receipt_uri, transfer_receipt_name
		FROM cloud_sales
		WHERE received_at > $1 AND store_id <> $2
		ORDER BY received_at ASC
		LIMIT $3
	`, since.UTC(), s.storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer rows.Close()

	pulled := make([]remote.PulledSale, 0, limit)
	for rows.Next() {
		var p remote.PulledSale
		if err := rows.Scan(&p.CloudSaleID, &p.ReceivedAt, &p.Payload.ClientSaleID, &p.Payload.StoreID,
			&p.Payload.CreatedAt, &p.Payload.TotalCents, &p.Payload.PaymentMethod,
			&p.Payload.CashReceivedCents, &p.Payload.ChangeCents, &p.Payload.DiscountCents,
			&p.Payload.TaxCents, &p.Payload.Notes,
			&p.Payload.TransferReceiptURI, &p.Payload.TransferReceiptName); err != nil {
			return nil, err
		}
		p.ReceivedAt = p.ReceivedAt.UTC()
		p.Payload.CreatedAt = p.Payload.CreatedAt.UTC()
		pulled = append(pulled, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}

	for i := range pulled {
		items, err := s.loadItems(ctx, pulled[i].CloudSaleID)
		if err != nil {
			return nil, err
		}
		pulled[i].Payload.Items = items
	}
	return pulled, nil
}

func (s *Store) loadItems(ctx context.Context, saleID string) ([]domain.PayloadItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT barcode, name, qty, unit_price_cents, subtotal_cents
		FROM cloud_sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer rows.Close()

	items := make([]domain.PayloadItem, 0, 8)
	for rows.Next() {
		var item domain.PayloadItem
		if err := rows.Scan(&item.Barcode, &item.Name, &item.Qty, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
