package store

import (
	"context"
	"errors"
	"time"

	"tiendapos/backend/internal/domain"
)

var (
	// ErrValidation marks input rejected before any write (empty barcode,
	// empty cart, negative amounts). Callers surface it and do not retry.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a reference to a sale/session/product that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a uniqueness or state violation, e.g. opening a
	// session while one is open, or closing an already-closed session.
	ErrConflict = errors.New("conflict")
)

// Ledger is the single source of truth for the local store. Implementations
// serialize writes: every multi-step operation commits entirely or rolls back
// entirely, and no partial state is ever observable.
type Ledger interface {
	UpsertProduct(ctx context.Context, p domain.Product) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	ListProducts(ctx context.Context, query string, category string, limit int, offset int) ([]domain.Product, error)
	DeleteProduct(ctx context.Context, barcode string) error
	AdjustStock(ctx context.Context, barcode string, delta float64) (*domain.Product, error)
	ListCategories(ctx context.Context) ([]string, error)
	AddCategory(ctx context.Context, name string) error

	// RecordSale persists the sale, its items, the clamped stock decrements
	// and the outbox entry in one transaction.
	RecordSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error)
	ListSalesBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error)
	VoidSale(ctx context.Context, id string) error
	UpdateSaleTransferReceipt(ctx context.Context, saleID string, uri string, name string) error
	// InsertSaleFromCloud mirrors a remote-origin sale. Duplicate detection is
	// keyed strictly on client_sale_id; the bool result reports a short-circuit.
	InsertSaleFromCloud(ctx context.Context, payload domain.SalePayload, cloudID string) (*domain.Sale, bool, error)

	OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetOpenSession(ctx context.Context) (*domain.CashSession, error)
	GetSession(ctx context.Context, id string) (*domain.CashSession, error)
	ListSessions(ctx context.Context, limit int) ([]domain.CashSession, error)
	CalculateExpected(ctx context.Context, sessionID string) (int64, error)
	CloseSession(ctx context.Context, req domain.SessionCloseRequest) (*domain.SessionCloseResult, error)

	AddSafeMovement(ctx context.Context, movement domain.SafeMovement) (*domain.SafeMovement, error)
	SafeBalance(ctx context.Context) (int64, error)
	ListSafeMovements(ctx context.Context, limit int) ([]domain.SafeMovement, error)

	ListUnsynced(ctx context.Context, limit int) ([]domain.OutboxEntry, error)
	MarkSynced(ctx context.Context, localSaleID string, cloudSaleID string) error
	CountUnsynced(ctx context.Context) (int, error)
}
