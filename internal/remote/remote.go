// Package remote abstracts the cloud side of sale replication. The dispatcher
// only sees CloudStore; whether sales travel over HTTP to a hosted API or
// straight into a Postgres database is wiring.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tiendapos/backend/internal/domain"
)

// ErrUnavailable marks transient transport failures. The dispatcher keeps the
// outbox entry and retries on the next cycle instead of counting a rejection.
var ErrUnavailable = errors.New("cloud unavailable")

// PushResult reports the cloud's identifier for a pushed sale and whether the
// cloud had already seen its client_sale_id.
type PushResult struct {
	CloudSaleID string
	Duplicate   bool
}

// PulledSale is a remote-origin sale fetched during a pull cycle.
// ReceivedAt is the cloud-side arrival time, the same clock PullSales filters
// on. The pull cursor advances on it, never on the originating till's
// payload timestamps, which can be arbitrarily skewed.
type PulledSale struct {
	CloudSaleID string
	ReceivedAt  time.Time
	Payload     domain.SalePayload
}

type CloudStore interface {
	PushSale(ctx context.Context, payload domain.SalePayload) (*PushResult, error)
	// PullSales returns sales recorded by other devices since the given
	// moment, oldest first.
	PullSales(ctx context.Context, since time.Time, limit int) ([]PulledSale, error)
	Close() error
}

// HTTPStore talks to a hosted sync API: POST {base}/sales to push, GET
// {base}/sales?since=&limit= to pull.
type HTTPStore struct {
	baseURL string
	storeID string
	client  *http.Client
}

func NewHTTPStore(baseURL string, storeID string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		storeID: storeID,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *HTTPStore) Close() error { return nil }

func (h *HTTPStore) PushSale(ctx context.Context, payload domain.SalePayload) (*PushResult, error) {
	payload.StoreID = h.storeID
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/sales", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var decoded struct {
			ID        string `json:"id"`
			Duplicate bool   `json:"duplicate"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		return &PushResult{CloudSaleID: decoded.ID, Duplicate: decoded.Duplicate}, nil
	case resp.StatusCode == http.StatusConflict:
		// Already synced by an earlier attempt whose ack we lost.
		var decoded struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
		return &PushResult{CloudSaleID: decoded.ID, Duplicate: true}, nil
	case resp.StatusCode >= 500:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cloud rejected sale: status %d: %s", resp.StatusCode, msg)
	}
}

func (h *HTTPStore) PullSales(ctx context.Context, since time.Time, limit int) ([]PulledSale, error) {
	params := url.Values{}
	params.Set("since", since.UTC().Format(time.RFC3339Nano))
	params.Set("limit", strconv.Itoa(limit))
	if h.storeID != "" {
		params.Set("exclude_store", h.storeID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/sales?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded struct {
		Sales []struct {
			ID         string             `json:"id"`
			ReceivedAt time.Time          `json:"received_at"`
			Payload    domain.SalePayload `json:"payload"`
		} `json:"sales"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	pulled := make([]PulledSale, 0, len(decoded.Sales))
	for _, sale := range decoded.Sales {
		receivedAt := sale.ReceivedAt
		if receivedAt.IsZero() {
			// Older sync servers omit received_at; falling back keeps the
			// cursor moving at the cost of skew sensitivity.
			receivedAt = sale.Payload.CreatedAt
		}
		pulled = append(pulled, PulledSale{CloudSaleID: sale.ID, ReceivedAt: receivedAt, Payload: sale.Payload})
	}
	return pulled, nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}
