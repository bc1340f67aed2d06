// Package memory holds an in-memory Ledger used by tests and by demo mode
// when no SQLite path is configured. Semantics mirror the sqlite package.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"tiendapos/backend/internal/domain"
	"tiendapos/backend/internal/store"
	"tiendapos/backend/internal/xid"
)

type Store struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	categories map[string]bool
	sales      map[string]*domain.Sale
	saleByCID  map[string]string
	sessions   map[string]*domain.CashSession
	counts     map[string][]domain.CashCount
	movements  []domain.SafeMovement
	outbox     []*domain.OutboxEntry
}

func New() *Store {
	return &Store{
		products:   make(map[string]domain.Product),
		categories: map[string]bool{"general": true, "bebidas": true, "snacks": true},
		sales:      make(map[string]*domain.Sale),
		saleByCID:  make(map[string]string),
		sessions:   make(map[string]*domain.CashSession),
		counts:     make(map[string][]domain.CashCount),
	}
}

// NewSeeded returns a store preloaded with a handful of shelf products so a
// demo server has something to sell.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC().UnixMilli()
	seed := []domain.Product{
		{Barcode: "7790001", Name: "agua mineral 1.5L", Category: "bebidas", SalePriceCents: 900, Stock: 24, UpdatedAt: now},
		{Barcode: "7790002", Name: "gaseosa cola 2.25L", Category: "bebidas", SalePriceCents: 2200, Stock: 12, UpdatedAt: now},
		{Barcode: "7790003", Name: "papas fritas 150g", Category: "snacks", SalePriceCents: 1800, Stock: 30, UpdatedAt: now},
		{Barcode: "7790004", Name: "queso cremoso (kg)", Category: "general", SalePriceCents: 7500, Stock: 8.5, SoldByWeight: true, UpdatedAt: now},
	}
	for _, p := range seed {
		s.products[p.Barcode] = p
	}
	return s
}

func (s *Store) Close() error { return nil }

func (s *Store) UpsertProduct(_ context.Context, p domain.Product) (*domain.Product, error) {
	p.Barcode = strings.TrimSpace(p.Barcode)
	if p.Barcode == "" {
		return nil, fmt.Errorf("%w: barcode required", store.ErrValidation)
	}
	if p.Stock < 0 {
		p.Stock = 0
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = time.Now().UTC().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.products[p.Barcode]; ok && p.UpdatedAt < existing.UpdatedAt {
		out := existing
		return &out, nil
	}
	s.products[p.Barcode] = p
	if strings.TrimSpace(p.Category) != "" {
		s.categories[p.Category] = true
	}
	out := p
	return &out, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[barcode]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *Store) ListProducts(_ context.Context, query string, category string, limit int, offset int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query = strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if category != "" && p.Category != category {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(p.Name), query) && !strings.Contains(p.Barcode, query) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].Barcode < matched[j].Barcode
	})
	if offset >= len(matched) {
		return []domain.Product{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) DeleteProduct(_ context.Context, barcode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[barcode]; !ok {
		return store.ErrNotFound
	}
	delete(s.products, barcode)
	return nil
}

func (s *Store) AdjustStock(_ context.Context, barcode string, delta float64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[barcode]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.Stock = math.Max(0, p.Stock+delta)
	p.UpdatedAt = time.Now().UTC().UnixMilli()
	s.products[barcode] = p
	out := p
	return &out, nil
}

func (s *Store) ListCategories(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.categories))
	for name := range s.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) AddCategory(_ context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: category name required", store.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[name] = true
	return nil
}

func (s *Store) RecordSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
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
		item.SubtotalCents = int64(math.Round(item.Qty * float64(item.UnitPriceCents)))
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.saleByCID[sale.ClientSaleID]; ok {
		return nil, fmt.Errorf("%w: client_sale_id already recorded", store.ErrConflict)
	}
	for _, item := range sale.Items {
		if p, ok := s.products[item.Barcode]; ok {
			p.Stock = math.Max(0, p.Stock-item.Qty)
			p.UpdatedAt = time.Now().UTC().UnixMilli()
			s.products[item.Barcode] = p
		}
	}
	stored := sale
	s.sales[sale.ID] = &stored
	s.saleByCID[sale.ClientSaleID] = sale.ID
	s.outbox = append(s.outbox, &domain.OutboxEntry{
		ID:           xid.New("out"),
		LocalSaleID:  sale.ID,
		ClientSaleID: sale.ClientSaleID,
		Payload:      payloadFromSale(sale),
		CreatedAt:    time.Now().UTC(),
	})
	out := sale
	return &out, nil
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

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *sale
	return &out, nil
}

func (s *Store) ListRecentSales(_ context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		all = append(all, *sale)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListSalesBetween(_ context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		matched = append(matched, *sale)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return matched, nil
}

func (s *Store) VoidSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[id]
	if !ok {
		return store.ErrNotFound
	}
	sale.Voided = true
	return nil
}

func (s *Store) UpdateSaleTransferReceipt(_ context.Context, saleID string, uri string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.TransferReceiptURI = uri
	sale.TransferReceiptName = name
	sale.Synced = false
	if sale.ClientSaleID == "" {
		sale.ClientSaleID = xid.New("csale")
		s.saleByCID[sale.ClientSaleID] = sale.ID
	}
	for _, entry := range s.outbox {
		if entry.LocalSaleID == saleID {
			entry.Payload = payloadFromSale(*sale)
			entry.Synced = false
			entry.SyncedAt = nil
			entry.CloudSaleID = ""
			return nil
		}
	}
	s.outbox = append(s.outbox, &domain.OutboxEntry{
		ID:           xid.New("out"),
		LocalSaleID:  saleID,
		ClientSaleID: sale.ClientSaleID,
		Payload:      payloadFromSale(*sale),
		CreatedAt:    time.Now().UTC(),
	})
	return nil
}

func (s *Store) InsertSaleFromCloud(_ context.Context, payload domain.SalePayload, cloudID string) (*domain.Sale, bool, error) {
	if strings.TrimSpace(payload.ClientSaleID) == "" {
		return nil, false, fmt.Errorf("%w: client_sale_id required", store.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.saleByCID[payload.ClientSaleID]; ok {
		out := *s.sales[existingID]
		return &out, true, nil
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
		if p, ok := s.products[item.Barcode]; ok {
			p.Stock = math.Max(0, p.Stock-item.Qty)
			p.UpdatedAt = time.Now().UTC().UnixMilli()
			s.products[item.Barcode] = p
		}
	}
	stored := sale
	s.sales[sale.ID] = &stored
	s.saleByCID[sale.ClientSaleID] = sale.ID
	out := sale
	return &out, false, nil
}

func (s *Store) OpenSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.Status == domain.SessionStatusOpen {
			return nil, fmt.Errorf("%w: a session is already open", store.ErrConflict)
		}
	}
	stored := session
	s.sessions[session.ID] = &stored
	out := session
	return &out, nil
}

func (s *Store) GetOpenSession(_ context.Context) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.Status == domain.SessionStatusOpen {
			out := *session
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *session
	return &out, nil
}

func (s *Store) ListSessions(_ context.Context, limit int) ([]domain.CashSession, error) {
	if limit < 1 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.CashSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		all = append(all, *session)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) CalculateExpected(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return s.expectedLocked(session), nil
}

func (s *Store) expectedLocked(session *domain.CashSession) int64 {
	expected := session.OpeningCents
	for _, sale := range s.sales {
		if sale.Voided || sale.CreatedAt.Before(session.StartedAt) {
			continue
		}
		if !domain.CashLike(sale.PaymentMethod) {
			continue
		}
		expected += sale.CashReceivedCents - sale.ChangeCents
	}
	return expected
}

func (s *Store) CloseSession(_ context.Context, req domain.SessionCloseRequest) (*domain.SessionCloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[req.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, fmt.Errorf("%w: session already closed", store.ErrConflict)
	}

	expected := s.expectedLocked(session)
	difference := req.ActualCents - expected
	endedAt := time.Now().UTC()

	session.EndedAt = &endedAt
	session.ExpectedCents = expected
	session.ActualCents = req.ActualCents
	session.DifferenceCents = difference
	session.ClosedBy = req.Operator
	session.Notes = req.Notes
	session.Status = domain.SessionStatusClosed
	s.counts[req.SessionID] = append([]domain.CashCount(nil), req.Counts...)

	toSafe := req.ActualCents - req.NextDayFloatCents
	if toSafe > 0 {
		s.movements = append(s.movements, domain.SafeMovement{
			ID:          xid.New("mov"),
			Type:        domain.SafeDeposit,
			AmountCents: toSafe,
			Description: "cierre de caja",
			SessionID:   req.SessionID,
			CreatedBy:   req.Operator,
			CreatedAt:   endedAt,
		})
	} else {
		toSafe = 0
	}

	return &domain.SessionCloseResult{
		ExpectedCents:   expected,
		ActualCents:     req.ActualCents,
		DifferenceCents: difference,
		NextDayCents:    req.NextDayFloatCents,
		ToSafeCents:     toSafe,
	}, nil
}

func (s *Store) AddSafeMovement(_ context.Context, movement domain.SafeMovement) (*domain.SafeMovement, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, movement)
	out := movement
	return &out, nil
}

func (s *Store) SafeBalance(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safeBalanceLocked(), nil
}

func (s *Store) safeBalanceLocked() int64 {
	balance := int64(0)
	for _, m := range s.movements {
		if m.Type == domain.SafeDeposit {
			balance += m.AmountCents
		} else {
			balance -= m.AmountCents
		}
	}
	return balance
}

func (s *Store) ListSafeMovements(_ context.Context, limit int) ([]domain.SafeMovement, error) {
	if limit < 1 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := append([]domain.SafeMovement(nil), s.movements...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListUnsynced(_ context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit < 1 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]domain.OutboxEntry, 0, limit)
	for _, entry := range s.outbox {
		if entry.Synced {
			continue
		}
		out := *entry
		if sale, ok := s.sales[entry.LocalSaleID]; ok {
			out.Payload = payloadFromSale(*sale)
		}
		entries = append(entries, out)
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) MarkSynced(_ context.Context, localSaleID string, cloudSaleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, entry := range s.outbox {
		if entry.LocalSaleID != localSaleID {
			continue
		}
		now := time.Now().UTC()
		entry.Synced = true
		entry.CloudSaleID = cloudSaleID
		entry.SyncedAt = &now
		found = true
	}
	if !found {
		return store.ErrNotFound
	}
	if sale, ok := s.sales[localSaleID]; ok {
		sale.Synced = true
		sale.CloudID = cloudSaleID
	}
	return nil
}

func (s *Store) CountUnsynced(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.outbox {
		if !entry.Synced {
			count++
		}
	}
	return count, nil
}
