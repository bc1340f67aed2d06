// Package service holds the business rules between the HTTP handlers and the
// ledger: cart validation, change computation, session reconciliation and the
// safe's double-entry rules. Storage details stay behind store.Ledger.
package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"tiendapos/backend/internal/cache"
	"tiendapos/backend/internal/domain"
	"tiendapos/backend/internal/store"
	"tiendapos/backend/internal/xid"
)

type Service struct {
	ledger   store.Ledger
	products cache.ProductCache
	cacheTTL time.Duration
}

func New(ledger store.Ledger, products cache.ProductCache, cacheTTL time.Duration) *Service {
	if products == nil {
		products = cache.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &Service{ledger: ledger, products: products, cacheTTL: cacheTTL}
}

func (s *Service) ListProducts(ctx context.Context, query string, category string, limit int, offset int) ([]domain.Product, error) {
	key := fmt.Sprintf("%s|%s|%d|%d", strings.ToLower(query), category, limit, offset)
	if cached, ok := s.products.GetProducts(ctx, key); ok {
		return cached, nil
	}
	products, err := s.ledger.ListProducts(ctx, query, category, limit, offset)
	if err != nil {
		return nil, err
	}
	s.products.SetProducts(ctx, key, products, s.cacheTTL)
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, barcode string) (*domain.Product, error) {
	return s.ledger.GetProductByBarcode(ctx, barcode)
}

func (s *Service) SaveProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: product name required", store.ErrValidation)
	}
	if p.SalePriceCents < 0 || p.PurchasePriceCents < 0 {
		return nil, fmt.Errorf("%w: prices must not be negative", store.ErrValidation)
	}
	saved, err := s.ledger.UpsertProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	s.products.Invalidate(ctx)
	return saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, barcode string) error {
	if err := s.ledger.DeleteProduct(ctx, barcode); err != nil {
		return err
	}
	s.products.Invalidate(ctx)
	return nil
}

func (s *Service) AdjustStock(ctx context.Context, barcode string, delta float64) (*domain.Product, error) {
	p, err := s.ledger.AdjustStock(ctx, barcode, delta)
	if err != nil {
		return nil, err
	}
	s.products.Invalidate(ctx)
	return p, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]string, error) {
	return s.ledger.ListCategories(ctx)
}

func (s *Service) AddCategory(ctx context.Context, name string) error {
	return s.ledger.AddCategory(ctx, name)
}

func validPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentUnset, domain.PaymentCash, domain.PaymentDebit, domain.PaymentCredit, domain.PaymentTransfer:
		return true
	}
	return false
}

// RecordSale validates the cart, fills missing line data from the catalog and
// hands the sale to the ledger, which computes the authoritative totals. The
// client_sale_id minted here is the idempotency key for the whole sync path.
func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (*domain.Sale, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: empty cart", store.ErrValidation)
	}
	if !validPaymentMethod(req.PaymentMethod) {
		return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrValidation, req.PaymentMethod)
	}
	if req.DiscountCents < 0 || req.TaxCents < 0 {
		return nil, fmt.Errorf("%w: discount and tax must not be negative", store.ErrValidation)
	}
	if req.CashReceivedCents < 0 {
		return nil, fmt.Errorf("%w: cash received must not be negative", store.ErrValidation)
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, line := range req.Items {
		if line.Qty <= 0 {
			return nil, fmt.Errorf("%w: item qty must be positive", store.ErrValidation)
		}
		item := domain.SaleItem{
			Barcode:        strings.TrimSpace(line.Barcode),
			Name:           strings.TrimSpace(line.Name),
			Qty:            line.Qty,
			UnitPriceCents: line.UnitPriceCents,
		}
		// A zero unit price on a known barcode means "use the catalog
		// price". A deliberately free line must be sent without a barcode
		// (or with an unknown one); its typed price is kept as is.
		if item.Barcode != "" && (item.Name == "" || item.UnitPriceCents == 0) {
			p, err := s.ledger.GetProductByBarcode(ctx, item.Barcode)
			switch {
			case err == nil:
				if item.Name == "" {
					item.Name = p.Name
				}
				if item.UnitPriceCents == 0 {
					item.UnitPriceCents = p.SalePriceCents
				}
			case errors.Is(err, store.ErrNotFound):
				// Manual line with an unknown code; keep what was typed.
			default:
				return nil, err
			}
		}
		if item.UnitPriceCents < 0 {
			return nil, fmt.Errorf("%w: unit price must not be negative", store.ErrValidation)
		}
		items = append(items, item)
	}

	sale := domain.Sale{
		ClientSaleID:        xid.New("csale"),
		PaymentMethod:       req.PaymentMethod,
		CashReceivedCents:   req.CashReceivedCents,
		DiscountCents:       req.DiscountCents,
		TaxCents:            req.TaxCents,
		Notes:               req.Notes,
		TransferReceiptURI:  req.TransferReceiptURI,
		TransferReceiptName: req.TransferReceiptName,
		Items:               items,
	}
	recorded, err := s.ledger.RecordSale(ctx, sale)
	if err != nil {
		return nil, err
	}
	s.products.Invalidate(ctx)
	return recorded, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.ledger.GetSale(ctx, id)
}

func (s *Service) ListRecentSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.ledger.ListRecentSales(ctx, limit)
}

func (s *Service) VoidSale(ctx context.Context, id string) error {
	if err := s.ledger.VoidSale(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *Service) AttachTransferReceipt(ctx context.Context, saleID string, uri string, name string) error {
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("%w: receipt uri required", store.ErrValidation)
	}
	return s.ledger.UpdateSaleTransferReceipt(ctx, saleID, uri, name)
}

// ExportSalesCSV streams the sales of [from, to) as CSV, one row per line
// item with the sale columns repeated, money columns in decimal units.
func (s *Service) ExportSalesCSV(ctx context.Context, w io.Writer, from time.Time, to time.Time) error {
	if !to.After(from) {
		return fmt.Errorf("%w: empty export range", store.ErrValidation)
	}
	sales, err := s.ledger.ListSalesBetween(ctx, from, to)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{
		"venta_id", "fecha", "metodo_pago", "total", "descuento", "impuesto",
		"codigo", "articulo", "cantidad", "precio_unitario", "subtotal",
		"anulada", "sincronizada",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, sale := range sales {
		base := []string{
			sale.ID,
			sale.CreatedAt.UTC().Format(time.RFC3339),
			sale.PaymentMethod,
			centsToDecimal(sale.TotalCents),
			centsToDecimal(sale.DiscountCents),
			centsToDecimal(sale.TaxCents),
		}
		tail := []string{boolMark(sale.Voided), boolMark(sale.Synced)}
		if len(sale.Items) == 0 {
			row := append(append(append([]string{}, base...), "", "", "", "", ""), tail...)
			if err := cw.Write(row); err != nil {
				return err
			}
			continue
		}
		for _, item := range sale.Items {
			line := []string{
				item.Barcode,
				item.Name,
				strconv.FormatFloat(item.Qty, 'f', -1, 64),
				centsToDecimal(item.UnitPriceCents),
				centsToDecimal(item.SubtotalCents),
			}
			row := append(append(append([]string{}, base...), line...), tail...)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func centsToDecimal(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func boolMark(b bool) string {
	if b {
		return "si"
	}
	return "no"
}

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (*domain.CashSession, error) {
	if req.OpeningCents < 0 {
		return nil, fmt.Errorf("%w: opening amount must not be negative", store.ErrValidation)
	}
	return s.ledger.OpenSession(ctx, domain.CashSession{
		OpeningCents: req.OpeningCents,
		OpenedBy:     req.Operator,
		Notes:        req.Notes,
	})
}

func (s *Service) CurrentSession(ctx context.Context) (*domain.CashSession, error) {
	return s.ledger.GetOpenSession(ctx)
}

func (s *Service) GetSession(ctx context.Context, id string) (*domain.CashSession, error) {
	return s.ledger.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, limit int) ([]domain.CashSession, error) {
	return s.ledger.ListSessions(ctx, limit)
}

// ExpectedCash recomputes the drawer expectation for the open session.
func (s *Service) ExpectedCash(ctx context.Context) (int64, error) {
	session, err := s.ledger.GetOpenSession(ctx)
	if err != nil {
		return 0, err
	}
	return s.ledger.CalculateExpected(ctx, session.ID)
}

// CloseSession reconciles and closes the open session. The counted cash may
// disagree with the expectation; the difference is recorded, not rejected.
func (s *Service) CloseSession(ctx context.Context, req domain.SessionCloseRequest) (*domain.SessionCloseResult, error) {
	if req.ActualCents < 0 {
		return nil, fmt.Errorf("%w: counted cash must not be negative", store.ErrValidation)
	}
	if req.NextDayFloatCents < 0 {
		return nil, fmt.Errorf("%w: next-day float must not be negative", store.ErrValidation)
	}
	if req.NextDayFloatCents > req.ActualCents {
		return nil, fmt.Errorf("%w: next-day float exceeds counted cash", store.ErrValidation)
	}
	if req.SessionID == "" {
		session, err := s.ledger.GetOpenSession(ctx)
		if err != nil {
			return nil, err
		}
		req.SessionID = session.ID
	}
	return s.ledger.CloseSession(ctx, req)
}

func (s *Service) SafeDeposit(ctx context.Context, req domain.SafeMovementRequest) (*domain.SafeMovement, error) {
	return s.ledger.AddSafeMovement(ctx, domain.SafeMovement{
		Type:        domain.SafeDeposit,
		AmountCents: req.AmountCents,
		Description: req.Description,
		CreatedBy:   req.Operator,
	})
}

// SafeWithdraw rejects withdrawals that would leave the safe negative.
func (s *Service) SafeWithdraw(ctx context.Context, req domain.SafeMovementRequest) (*domain.SafeMovement, error) {
	balance, err := s.ledger.SafeBalance(ctx)
	if err != nil {
		return nil, err
	}
	if req.AmountCents > balance {
		return nil, fmt.Errorf("%w: withdrawal exceeds safe balance", store.ErrValidation)
	}
	return s.ledger.AddSafeMovement(ctx, domain.SafeMovement{
		Type:        domain.SafeWithdrawal,
		AmountCents: req.AmountCents,
		Description: req.Description,
		CreatedBy:   req.Operator,
	})
}

func (s *Service) SafeBalance(ctx context.Context) (int64, error) {
	return s.ledger.SafeBalance(ctx)
}

func (s *Service) ListSafeMovements(ctx context.Context, limit int) ([]domain.SafeMovement, error) {
	return s.ledger.ListSafeMovements(ctx, limit)
}

// OutboxStatus reports how many sales still wait for the cloud, plus a small
// preview of the queue head.
func (s *Service) OutboxStatus(ctx context.Context) (*domain.OutboxStatus, error) {
	pending, err := s.ledger.CountUnsynced(ctx)
	if err != nil {
		return nil, err
	}
	preview, err := s.ledger.ListUnsynced(ctx, 5)
	if err != nil {
		return nil, err
	}
	return &domain.OutboxStatus{Pending: pending, Preview: preview}, nil
}
