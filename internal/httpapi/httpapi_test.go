package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tiendapos/backend/internal/domain"
	"tiendapos/backend/internal/service"
	"tiendapos/backend/internal/store/memory"
	"tiendapos/backend/internal/syncer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ledger := memory.New()
	svc := service.New(ledger, nil, 0)
	dispatcher := syncer.New(ledger, nil, "tienda-test", 10, time.Minute)
	return New(svc, dispatcher, "")
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestProductLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/products", domain.Product{
		Barcode: "779100", Name: "yerba 1kg", Category: "general", SalePriceCents: 8900, Stock: 6,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/products/779100", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var p domain.Product
	decodeBody(t, rec, &p)
	if p.Name != "yerba 1kg" {
		t.Fatalf("name = %q", p.Name)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/products/779100/stock", map[string]float64{"delta": -2})
	if rec.Code != http.StatusOK {
		t.Fatalf("stock status = %d", rec.Code)
	}
	decodeBody(t, rec, &p)
	if p.Stock != 4 {
		t.Fatalf("stock = %v, want 4", p.Stock)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/products/779100", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/products/779100", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", rec.Code)
	}
}

func TestRecordSaleEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sales", domain.RecordSaleRequest{
		PaymentMethod:     domain.PaymentCash,
		CashReceivedCents: 5000,
		Items:             []domain.CartLine{{Name: "pan", Qty: 2, UnitPriceCents: 1200}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var sale domain.Sale
	decodeBody(t, rec, &sale)
	if sale.TotalCents != 2400 || sale.ChangeCents != 2600 {
		t.Fatalf("total=%d change=%d", sale.TotalCents, sale.ChangeCents)
	}

	// Empty cart maps to 400.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sales", domain.RecordSaleRequest{PaymentMethod: domain.PaymentCash})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty cart status = %d, want 400", rec.Code)
	}

	// Void and check the flag sticks.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sales/"+sale.ID+"/void", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("void status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sales/"+sale.ID, nil)
	decodeBody(t, rec, &sale)
	if !sale.Voided {
		t.Fatal("sale not voided")
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sales/nope/void", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("void missing = %d, want 404", rec.Code)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", strings.NewReader(`{"totally_unknown":1}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/current", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("current with none = %d, want 404", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/open", domain.SessionOpenRequest{OpeningCents: 20000, Operator: "ana"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d: %s", rec.Code, rec.Body.String())
	}
	var session domain.CashSession
	decodeBody(t, rec, &session)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/open", domain.SessionOpenRequest{OpeningCents: 100})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second open = %d, want 409", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/expected", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status = %d", rec.Code)
	}
	var expected map[string]int64
	decodeBody(t, rec, &expected)
	if expected["expected_cents"] != 20000 {
		t.Fatalf("expected = %d, want 20000", expected["expected_cents"])
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/close", domain.SessionCloseRequest{
		SessionID: session.ID, ActualCents: 19000, NextDayFloatCents: 15000, Operator: "ana",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close status = %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.SessionCloseResult
	decodeBody(t, rec, &result)
	if result.DifferenceCents != -1000 || result.ToSafeCents != 4000 {
		t.Fatalf("result = %+v", result)
	}
}

func TestSafeEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/safe/deposit", domain.SafeMovementRequest{AmountCents: 30000, Operator: "ana"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/safe/withdraw", domain.SafeMovementRequest{AmountCents: 50000, Operator: "ana"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("overdraft status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/safe/balance", nil)
	var balance map[string]int64
	decodeBody(t, rec, &balance)
	if balance["balance_cents"] != 30000 {
		t.Fatalf("balance = %d, want 30000", balance["balance_cents"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/safe/movements", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("movements status = %d", rec.Code)
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sales", domain.RecordSaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{{Name: "x", Qty: 1, UnitPriceCents: 100}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sync/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status domain.OutboxStatus
	decodeBody(t, rec, &status)
	if status.Pending != 1 {
		t.Fatalf("pending = %d, want 1", status.Pending)
	}
}

func TestSalesExportCSV(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sales", domain.RecordSaleRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{{Name: "x", Qty: 1, UnitPriceCents: 2500}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale status = %d", rec.Code)
	}

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sales/export.csv?from="+from+"&to="+to, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "25.00") {
		t.Fatalf("csv missing total: %q", rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodDelete, "/api/v1/sales", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
