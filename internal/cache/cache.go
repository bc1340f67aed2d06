// Package cache holds the read-through cache for product listings. The
// point-of-sale screen polls the catalog constantly; the ledger itself is
// never cached.
package cache

import (
	"context"
	"time"

	"tiendapos/backend/internal/domain"
)

type ProductCache interface {
	GetProducts(ctx context.Context, key string) ([]domain.Product, bool)
	SetProducts(ctx context.Context, key string, products []domain.Product, ttl time.Duration)
	// Invalidate drops every cached product listing. Called on any catalog write.
	Invalidate(ctx context.Context)
}

// Noop is used when Redis is not configured; every lookup misses.
type Noop struct{}

func (Noop) GetProducts(context.Context, string) ([]domain.Product, bool) { return nil, false }

func (Noop) SetProducts(context.Context, string, []domain.Product, time.Duration) {}

func (Noop) Invalidate(context.Context) {}
