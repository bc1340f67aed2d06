// Package httpapi exposes the till over plain net/http. Handlers decode,
// delegate to the service and translate sentinel errors into status codes;
// no business rule lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tiendapos/backend/internal/domain"
	"tiendapos/backend/internal/service"
	"tiendapos/backend/internal/store"
	"tiendapos/backend/internal/syncer"
)

type Server struct {
	svc           *service.Service
	dispatcher    *syncer.Dispatcher
	allowedOrigin string
	mux           *http.ServeMux
}

func New(svc *service.Service, dispatcher *syncer.Dispatcher, allowedOrigin string) *Server {
	s := &Server{
		svc:           svc,
		dispatcher:    dispatcher,
		allowedOrigin: allowedOrigin,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/v1/products", s.handleProducts)
	s.mux.HandleFunc("/api/v1/products/", s.handleProductByBarcode)
	s.mux.HandleFunc("/api/v1/categories", s.handleCategories)

	s.mux.HandleFunc("/api/v1/sales", s.handleSales)
	s.mux.HandleFunc("/api/v1/sales/export.csv", s.handleSalesExport)
	s.mux.HandleFunc("/api/v1/sales/", s.handleSaleByID)

	s.mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/v1/sessions/open", s.handleSessionOpen)
	s.mux.HandleFunc("/api/v1/sessions/close", s.handleSessionClose)
	s.mux.HandleFunc("/api/v1/sessions/current", s.handleSessionCurrent)
	s.mux.HandleFunc("/api/v1/sessions/expected", s.handleSessionExpected)

	s.mux.HandleFunc("/api/v1/safe/deposit", s.handleSafeDeposit)
	s.mux.HandleFunc("/api/v1/safe/withdraw", s.handleSafeWithdraw)
	s.mux.HandleFunc("/api/v1/safe/balance", s.handleSafeBalance)
	s.mux.HandleFunc("/api/v1/safe/movements", s.handleSafeMovements)

	s.mux.HandleFunc("/api/v1/sync/run", s.handleSyncRun)
	s.mux.HandleFunc("/api/v1/sync/status", s.handleSyncStatus)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.allowedOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		limit := parsePositiveInt(q.Get("limit"), 50)
		offset := parsePositiveInt(q.Get("offset"), 0)
		products, err := s.svc.ListProducts(r.Context(), q.Get("q"), q.Get("category"), limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, products)
	case http.MethodPost, http.MethodPut:
		var p domain.Product
		if !decodeJSON(w, r, &p) {
			return
		}
		saved, err := s.svc.SaveProduct(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleProductByBarcode serves /api/v1/products/{barcode} and
// /api/v1/products/{barcode}/stock.
func (s *Server) handleProductByBarcode(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/products/")
	barcode, action, _ := strings.Cut(rest, "/")
	if barcode == "" {
		writeError(w, store.ErrNotFound)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			p, err := s.svc.GetProduct(r.Context(), barcode)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodDelete:
			if err := s.svc.DeleteProduct(r.Context(), barcode); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"deleted": barcode})
		default:
			writeMethodNotAllowed(w)
		}
	case "stock":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var body struct {
			Delta float64 `json:"delta"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		p, err := s.svc.AdjustStock(r.Context(), barcode, body.Delta)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		categories, err := s.svc.ListCategories(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, categories)
	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := s.svc.AddCategory(r.Context(), body.Name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"name": body.Name})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parsePositiveInt(r.URL.Query().Get("limit"), 50)
		sales, err := s.svc.ListRecentSales(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sales)
	case http.MethodPost:
		var req domain.RecordSaleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		sale, err := s.svc.RecordSale(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sale)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSalesExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	from, err := parseDateParam(r.URL.Query().Get("from"), time.Now().UTC().Truncate(24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseDateParam(r.URL.Query().Get("to"), from.Add(24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="ventas.csv"`)
	if err := s.svc.ExportSalesCSV(r.Context(), w, from, to); err != nil {
		// Headers may already be out; log instead of re-writing the status.
		log.Printf("[httpapi] csv export: %v", err)
	}
}

// handleSaleByID serves /api/v1/sales/{id}, /{id}/void and /{id}/receipt.
func (s *Server) handleSaleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sales/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, store.ErrNotFound)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		sale, err := s.svc.GetSale(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sale)
	case "void":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if err := s.svc.VoidSale(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"voided": id})
	case "receipt":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var body struct {
			URI  string `json:"uri"`
			Name string `json:"name"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := s.svc.AttachTransferReceipt(r.Context(), id, body.URI, body.Name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sale_id": id})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 30)
	sessions, err := s.svc.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.SessionOpenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.svc.OpenSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.SessionCloseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.svc.CloseSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	session, err := s.svc.CurrentSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionExpected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	expected, err := s.svc.ExpectedCash(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"expected_cents": expected})
}

func (s *Server) handleSafeDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleSafeMovement(w, r, s.svc.SafeDeposit)
}

func (s *Server) handleSafeWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleSafeMovement(w, r, s.svc.SafeWithdraw)
}

func (s *Server) handleSafeMovement(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.SafeMovementRequest) (*domain.SafeMovement, error)) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.SafeMovementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	movement, err := op(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, movement)
}

func (s *Server) handleSafeBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	balance, err := s.svc.SafeBalance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance_cents": balance})
}

func (s *Server) handleSafeMovements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 100)
	movements, err := s.svc.ListSafeMovements(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, movements)
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.dispatcher == nil {
		writeJSON(w, http.StatusOK, domain.SyncStats{})
		return
	}
	stats, err := s.dispatcher.SyncNow(r.Context())
	if err != nil {
		// Partial progress is still worth reporting.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"stats": stats,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	status, err := s.svc.OutboxStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("[httpapi] internal error: %v", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseDateParam(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", store.ErrValidation, raw)
	}
	return t.UTC(), nil
}
