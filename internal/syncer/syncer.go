// Package syncer drains the sale outbox to the cloud and pulls back sales
// recorded by other tills. It runs as a background loop next to the HTTP
// server and can also be kicked manually through the API.
package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tiendapos/backend/internal/domain"
	"tiendapos/backend/internal/remote"
	"tiendapos/backend/internal/store"
)

type Dispatcher struct {
	ledger    store.Ledger
	cloud     remote.CloudStore
	storeID   string
	batchSize int
	interval  time.Duration

	mu       sync.Mutex
	lastPull time.Time
}

func New(ledger store.Ledger, cloud remote.CloudStore, storeID string, batchSize int, interval time.Duration) *Dispatcher {
	if batchSize < 1 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Dispatcher{
		ledger:    ledger,
		cloud:     cloud,
		storeID:   storeID,
		batchSize: batchSize,
		interval:  interval,
	}
}

// RunOnce drains up to one batch of pending outbox entries, oldest first. A
// transport failure stops the cycle so ordering holds and the whole batch
// retries later; a rejection by the cloud is logged and skipped so one bad
// payload cannot wedge the queue.
func (d *Dispatcher) RunOnce(ctx context.Context) (domain.SyncStats, error) {
	var stats domain.SyncStats
	if d.cloud == nil {
		return stats, nil
	}

	pending, err := d.ledger.ListUnsynced(ctx, d.batchSize)
	if err != nil {
		return stats, err
	}
	for _, entry := range pending {
		payload := entry.Payload
		payload.StoreID = d.storeID

		result, err := d.cloud.PushSale(ctx, payload)
		if err != nil {
			if errors.Is(err, remote.ErrUnavailable) {
				return stats, err
			}
			log.Printf("[syncer] sale %s rejected: %v", entry.LocalSaleID, err)
			stats.Failed++
			continue
		}
		if result.Duplicate {
			log.Printf("[syncer] sale %s already known to cloud as %s", entry.LocalSaleID, result.CloudSaleID)
		}
		if err := d.ledger.MarkSynced(ctx, entry.LocalSaleID, result.CloudSaleID); err != nil {
			return stats, err
		}
		stats.Pushed++
	}
	return stats, nil
}

// PullOnce fetches remote-origin sales since the last watermark and mirrors
// them locally. Duplicates are counted as pulled work already done.
func (d *Dispatcher) PullOnce(ctx context.Context) (domain.SyncStats, error) {
	var stats domain.SyncStats
	if d.cloud == nil {
		return stats, nil
	}

	d.mu.Lock()
	since := d.lastPull
	d.mu.Unlock()

	pulled, err := d.cloud.PullSales(ctx, since, d.batchSize)
	if err != nil {
		return stats, err
	}
	watermark := since
	for _, sale := range pulled {
		if _, _, err := d.ledger.InsertSaleFromCloud(ctx, sale.Payload, sale.CloudSaleID); err != nil {
			log.Printf("[syncer] pull %s: %v", sale.CloudSaleID, err)
			stats.Failed++
			continue
		}
		stats.Pulled++
		// The cursor and the cloud's since-filter must share one clock.
		// Payload timestamps come from other tills and can run ahead of the
		// cloud's arrival order, which would strand not-yet-pulled rows.
		if sale.ReceivedAt.After(watermark) {
			watermark = sale.ReceivedAt
		}
	}

	d.mu.Lock()
	if watermark.After(d.lastPull) {
		d.lastPull = watermark
	}
	d.mu.Unlock()
	return stats, nil
}

// SyncNow runs a push cycle followed by a pull cycle.
func (d *Dispatcher) SyncNow(ctx context.Context) (domain.SyncStats, error) {
	stats, err := d.RunOnce(ctx)
	if err != nil {
		return stats, err
	}
	pullStats, err := d.PullOnce(ctx)
	stats.Pulled = pullStats.Pulled
	stats.Failed += pullStats.Failed
	return stats, err
}

// Run polls until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.cloud == nil {
		log.Printf("[syncer] no cloud configured, dispatcher idle")
		return
	}
	log.Printf("[syncer] polling every %s, batch size %d", d.interval, d.batchSize)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[syncer] stopped")
			return
		case <-ticker.C:
			stats, err := d.SyncNow(ctx)
			if err != nil {
				log.Printf("[syncer] cycle: %v", err)
				continue
			}
			if stats.Pushed > 0 || stats.Pulled > 0 || stats.Failed > 0 {
				log.Printf("[syncer] pushed=%d pulled=%d failed=%d", stats.Pushed, stats.Pulled, stats.Failed)
			}
		}
	}
}
