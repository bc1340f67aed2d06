package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tiendapos/backend/internal/domain"
	"tiendapos/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProduct(t *testing.T, s *Store, barcode string, priceCents int64, stock float64) {
	t.Helper()
	_, err := s.UpsertProduct(context.Background(), domain.Product{
		Barcode:        barcode,
		Name:           "producto " + barcode,
		Category:       "general",
		SalePriceCents: priceCents,
		Stock:          stock,
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", barcode, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s1, err := New(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := New(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	categories, err := s2.ListCategories(ctx)
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	if len(categories) == 0 {
		t.Fatal("expected seeded categories after reopen")
	}
}

func TestRecordSaleComputesTotalsAndDecrementsStock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "779001", 1550, 10)

	sale, err := s.RecordSale(ctx, domain.Sale{
		PaymentMethod:     domain.PaymentCash,
		CashReceivedCents: 5000,
		Items: []domain.SaleItem{
			{Barcode: "779001", Name: "producto 779001", Qty: 2, UnitPriceCents: 1550},
		},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if sale.TotalCents != 3100 {
		t.Fatalf("total = %d, want 3100", sale.TotalCents)
	}
	if sale.ChangeCents != 1900 {
		t.Fatalf("change = %d, want 1900", sale.ChangeCents)
	}
	if sale.ClientSaleID == "" {
		t.Fatal("expected generated client_sale_id")
	}

	p, err := s.GetProductByBarcode(ctx, "779001")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.Stock != 8 {
		t.Fatalf("stock = %v, want 8", p.Stock)
	}

	pending, err := s.ListUnsynced(ctx, 10)
	if err != nil {
		t.Fatalf("list unsynced: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Payload.ClientSaleID != sale.ClientSaleID {
		t.Fatalf("payload client id = %q, want %q", pending[0].Payload.ClientSaleID, sale.ClientSaleID)
	}
}

func TestRecordSaleEmptyCart(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecordSale(context.Background(), domain.Sale{PaymentMethod: domain.PaymentCash})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRecordSaleClampsStockAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "779002", 500, 1)

	_, err := s.RecordSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItem{
			{Barcode: "779002", Name: "x", Qty: 3, UnitPriceCents: 500},
		},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}

	p, err := s.GetProductByBarcode(ctx, "779002")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.Stock != 0 {
		t.Fatalf("stock = %v, want 0", p.Stock)
	}
}

func TestRecordSaleRoundsWeightLineToCents(t *testing.T) {
	s := newTestStore(t)
	seedProduct(t, s, "779003", 1999, 5)

	sale, err := s.RecordSale(context.Background(), domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItem{
			// 0.335 kg * 19.99 = 6.69665 -> 670 cents
			{Barcode: "779003", Name: "queso", Qty: 0.335, UnitPriceCents: 1999},
		},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if sale.Items[0].SubtotalCents != 670 {
		t.Fatalf("subtotal = %d, want 670", sale.Items[0].SubtotalCents)
	}
	if sale.TotalCents != 670 {
		t.Fatalf("total = %d, want 670", sale.TotalCents)
	}
}

func TestRecordSaleRollsBackEntirelyOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "779004", 1000, 10)
	seedProduct(t, s, "779005", 2000, 5)

	if _, err := s.RecordSale(ctx, domain.Sale{
		ClientSaleID:  "csale-fixed-1",
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItem{{Barcode: "779004", Name: "x", Qty: 1, UnitPriceCents: 1000}},
	}); err != nil {
		t.Fatalf("first sale: %v", err)
	}

	// Reusing the client_sale_id fails inside the transaction; the attempt
	// must leave no sale, item, stock or outbox traces.
	_, err := s.RecordSale(ctx, domain.Sale{
		ClientSaleID:  "csale-fixed-1",
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItem{
			{Barcode: "779004", Name: "x", Qty: 2, UnitPriceCents: 1000},
			{Barcode: "779005", Name: "y", Qty: 3, UnitPriceCents: 2000},
		},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	p1, err := s.GetProductByBarcode(ctx, "779004")
	if err != nil {
		t.Fatalf("get 779004: %v", err)
	}
	if p1.Stock != 9 {
		t.Fatalf("779004 stock = %v, want 9 (only the first sale)", p1.Stock)
	}
	p2, err := s.GetProductByBarcode(ctx, "779005")
	if err != nil {
		t.Fatalf("get 779005: %v", err)
	}
	if p2.Stock != 5 {
		t.Fatalf("779005 stock = %v, want 5 (untouched)", p2.Stock)
	}

	sales, err := s.ListRecentSales(ctx, 10)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 1 {
		t.Fatalf("sales = %d, want 1", len(sales))
	}
	if len(sales[0].Items) != 1 {
		t.Fatalf("items = %d, want 1 (no stray item rows)", len(sales[0].Items))
	}

	count, err := s.CountUnsynced(ctx)
	if err != nil {
		t.Fatalf("count unsynced: %v", err)
	}
	if count != 1 {
		t.Fatalf("unsynced = %d, want 1", count)
	}
}

func TestCalculateExpectedCountsLegacyCashMethods(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "779006", 5000, 20)

	session, err := s.OpenSession(ctx, domain.CashSession{OpeningCents: 10000, OpenedBy: "ana"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	// Rows written by older clients: "efectivo" and an empty method both
	// count toward drawer cash.
	for _, method := range []string{"efectivo", ""} {
		if _, err := s.RecordSale(ctx, domain.Sale{
			PaymentMethod:     method,
			CashReceivedCents: 5000,
			Items:             []domain.SaleItem{{Barcode: "779006", Name: "x", Qty: 1, UnitPriceCents: 5000}},
		}); err != nil {
			t.Fatalf("sale with method %q: %v", method, err)
		}
	}

	expected, err := s.CalculateExpected(ctx, session.ID)
	if err != nil {
		t.Fatalf("calculate expected: %v", err)
	}
	if expected != 20000 {
		t.Fatalf("expected = %d, want 20000", expected)
	}
}

func TestInsertSaleFromCloudDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := domain.SalePayload{
		ClientSaleID:  "csale-remote-1",
		CreatedAt:     time.Now().UTC(),
		TotalCents:    2500,
		PaymentMethod: domain.PaymentCash,
		Items: []domain.PayloadItem{
			{Barcode: "999", Name: "remoto", Qty: 1, UnitPriceCents: 2500, SubtotalCents: 2500},
		},
	}

	first, dup, err := s.InsertSaleFromCloud(ctx, payload, "cloud-1")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if dup {
		t.Fatal("first insert flagged duplicate")
	}
	if !first.Synced {
		t.Fatal("cloud-origin sale should be synced")
	}

	second, dup, err := s.InsertSaleFromCloud(ctx, payload, "cloud-1")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if !dup {
		t.Fatal("second insert not flagged duplicate")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned id %q, want %q", second.ID, first.ID)
	}

	// No outbox entry for cloud-origin sales.
	count, err := s.CountUnsynced(ctx)
	if err != nil {
		t.Fatalf("count unsynced: %v", err)
	}
	if count != 0 {
		t.Fatalf("unsynced = %d, want 0", count)
	}
}

func TestInsertSaleFromCloudRequiresClientID(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.InsertSaleFromCloud(context.Background(), domain.SalePayload{TotalCents: 100}, "cloud-x")
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestOpenSessionRejectsSecondOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.OpenSession(ctx, domain.CashSession{OpeningCents: 10000, OpenedBy: "ana"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := s.OpenSession(ctx, domain.CashSession{OpeningCents: 5000, OpenedBy: "luis"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCloseSessionReconcilesAndDeposits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "779010", 10000, 50)

	session, err := s.OpenSession(ctx, domain.CashSession{OpeningCents: 20000, OpenedBy: "ana"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	// Cash sale: received 150.00, total 100.00 -> change 50.00.
	if _, err := s.RecordSale(ctx, domain.Sale{
		PaymentMethod:     domain.PaymentCash,
		CashReceivedCents: 15000,
		Items:             []domain.SaleItem{{Barcode: "779010", Name: "x", Qty: 1, UnitPriceCents: 10000}},
	}); err != nil {
		t.Fatalf("cash sale: %v", err)
	}
	// Card sale must not move the drawer.
	if _, err := s.RecordSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentDebit,
		Items:         []domain.SaleItem{{Barcode: "779010", Name: "x", Qty: 1, UnitPriceCents: 10000}},
	}); err != nil {
		t.Fatalf("card sale: %v", err)
	}
	// Voided cash sale must not count either.
	voided, err := s.RecordSale(ctx, domain.Sale{
		PaymentMethod:     domain.PaymentCash,
		CashReceivedCents: 10000,
		Items:             []domain.SaleItem{{Barcode: "779010", Name: "x", Qty: 1, UnitPriceCents: 10000}},
	})
	if err != nil {
		t.Fatalf("voided sale: %v", err)
	}
	if err := s.VoidSale(ctx, voided.ID); err != nil {
		t.Fatalf("void: %v", err)
	}

	expected, err := s.CalculateExpected(ctx, session.ID)
	if err != nil {
		t.Fatalf("calculate expected: %v", err)
	}
	// 200.00 opening + 150.00 received - 50.00 change.
	if expected != 30000 {
		t.Fatalf("expected = %d, want 30000", expected)
	}

	result, err := s.CloseSession(ctx, domain.SessionCloseRequest{
		SessionID:         session.ID,
		ActualCents:       29500,
		NextDayFloatCents: 20000,
		Operator:          "ana",
		Counts:            []domain.CashCount{{DenominationCents: 10000, Count: 2}, {DenominationCents: 500, Count: 19}},
	})
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if result.DifferenceCents != -500 {
		t.Fatalf("difference = %d, want -500", result.DifferenceCents)
	}
	if result.ToSafeCents != 9500 {
		t.Fatalf("to safe = %d, want 9500", result.ToSafeCents)
	}

	balance, err := s.SafeBalance(ctx)
	if err != nil {
		t.Fatalf("safe balance: %v", err)
	}
	if balance != 9500 {
		t.Fatalf("safe balance = %d, want 9500", balance)
	}

	// Closing twice is a conflict.
	_, err = s.CloseSession(ctx, domain.SessionCloseRequest{SessionID: session.ID, ActualCents: 29500})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second close err = %v, want ErrConflict", err)
	}

	// A new session can open once the previous one is closed.
	if _, err := s.OpenSession(ctx, domain.CashSession{OpeningCents: 20000, OpenedBy: "luis"}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestSafeBalanceFromMovements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddSafeMovement(ctx, domain.SafeMovement{Type: domain.SafeDeposit, AmountCents: 50000, CreatedBy: "ana"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := s.AddSafeMovement(ctx, domain.SafeMovement{Type: domain.SafeWithdrawal, AmountCents: 12000, CreatedBy: "ana"}); err != nil {
		t.Fatalf("withdrawal: %v", err)
	}

	balance, err := s.SafeBalance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 38000 {
		t.Fatalf("balance = %d, want 38000", balance)
	}

	_, err = s.AddSafeMovement(ctx, domain.SafeMovement{Type: domain.SafeDeposit, AmountCents: 0})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("zero amount err = %v, want ErrValidation", err)
	}
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "779020", 700, 5)

	sale, err := s.RecordSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.SaleItem{{Barcode: "779020", Name: "x", Qty: 1, UnitPriceCents: 700}},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}

	if err := s.MarkSynced(ctx, sale.ID, "cloud-42"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := s.MarkSynced(ctx, sale.ID, "cloud-42"); err != nil {
		t.Fatalf("second mark: %v", err)
	}

	count, err := s.CountUnsynced(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("unsynced = %d, want 0", count)
	}

	got, err := s.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if !got.Synced || got.CloudID != "cloud-42" {
		t.Fatalf("sale synced=%v cloud=%q, want true/cloud-42", got.Synced, got.CloudID)
	}

	if err := s.MarkSynced(ctx, "sale-missing", "cloud-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSaleTransferReceiptRequeues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "779030", 3000, 5)

	sale, err := s.RecordSale(ctx, domain.Sale{
		PaymentMethod: domain.PaymentTransfer,
		Items:         []domain.SaleItem{{Barcode: "779030", Name: "x", Qty: 1, UnitPriceCents: 3000}},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if err := s.MarkSynced(ctx, sale.ID, "cloud-7"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	if err := s.UpdateSaleTransferReceipt(ctx, sale.ID, "file:///receipts/r1.jpg", "r1.jpg"); err != nil {
		t.Fatalf("update receipt: %v", err)
	}

	pending, err := s.ListUnsynced(ctx, 10)
	if err != nil {
		t.Fatalf("list unsynced: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 (re-queued)", len(pending))
	}
	if pending[0].Payload.TransferReceiptURI != "file:///receipts/r1.jpg" {
		t.Fatalf("payload receipt uri = %q", pending[0].Payload.TransferReceiptURI)
	}

	if err := s.UpdateSaleTransferReceipt(ctx, "sale-missing", "u", "n"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestUpsertProductLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	local, err := s.UpsertProduct(ctx, domain.Product{Barcode: "779040", Name: "local", SalePriceCents: 100})
	if err != nil {
		t.Fatalf("local upsert: %v", err)
	}

	// A replicated write with an older clock must not overwrite.
	stale, err := s.UpsertProduct(ctx, domain.Product{
		Barcode: "779040", Name: "stale", SalePriceCents: 50, UpdatedAt: local.UpdatedAt - 1000,
	})
	if err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if stale.Name != "local" {
		t.Fatalf("name = %q, want local (stale write must lose)", stale.Name)
	}

	fresh, err := s.UpsertProduct(ctx, domain.Product{
		Barcode: "779040", Name: "fresh", SalePriceCents: 200, UpdatedAt: local.UpdatedAt + 1000,
	})
	if err != nil {
		t.Fatalf("fresh upsert: %v", err)
	}
	if fresh.Name != "fresh" {
		t.Fatalf("name = %q, want fresh", fresh.Name)
	}
}
