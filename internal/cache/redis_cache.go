package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tiendapos/backend/internal/domain"
)

const productKeyPrefix = "tiendapos:products:"

// Redis caches serialized product listings. Failures degrade to a miss so a
// dead Redis never blocks a sale.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, addr string, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) GetProducts(ctx context.Context, key string) ([]domain.Product, bool) {
	raw, err := r.client.Get(ctx, productKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[cache] get %s: %v", key, err)
		}
		return nil, false
	}
	var products []domain.Product
	if err := json.Unmarshal(raw, &products); err != nil {
		log.Printf("[cache] decode %s: %v", key, err)
		return nil, false
	}
	return products, true
}

func (r *Redis) SetProducts(ctx context.Context, key string, products []domain.Product, ttl time.Duration) {
	raw, err := json.Marshal(products)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, productKeyPrefix+key, raw, ttl).Err(); err != nil {
		log.Printf("[cache] set %s: %v", key, err)
	}
}

func (r *Redis) Invalidate(ctx context.Context) {
	iter := r.client.Scan(ctx, 0, productKeyPrefix+"*", 200).Iterator()
	keys := make([]string, 0, 16)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Printf("[cache] invalidate scan: %v", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		log.Printf("[cache] invalidate del: %v", err)
	}
}
