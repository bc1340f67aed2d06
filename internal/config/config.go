// Package config reads the server configuration from the environment.
// Everything has a default so a bare `server` starts a demo till.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port       string
	SQLitePath string

	// Exactly one cloud backend is used: CloudDatabaseURL wins if both are
	// set, and with neither the dispatcher stays idle.
	CloudSyncURL     string
	CloudDatabaseURL string
	StoreID          string
	SyncInterval     time.Duration
	SyncBatchSize    int

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ProductCacheTTL time.Duration

	AllowedOrigin string
}

func Load() Config {
	return Config{
		Port:             getEnv("PORT", "8080"),
		SQLitePath:       getEnv("SQLITE_PATH", ""),
		CloudSyncURL:     getEnv("CLOUD_SYNC_URL", ""),
		CloudDatabaseURL: getEnv("CLOUD_DATABASE_URL", ""),
		StoreID:          getEnv("STORE_ID", "tienda-1"),
		SyncInterval:     time.Duration(getEnvInt("SYNC_INTERVAL_SECONDS", 30)) * time.Second,
		SyncBatchSize:    getEnvInt("SYNC_BATCH_SIZE", 50),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		ProductCacheTTL:  time.Duration(getEnvInt("PRODUCT_CACHE_TTL_SECONDS", 60)) * time.Second,
		AllowedOrigin:    getEnv("ALLOWED_ORIGIN", "*"),
	}
}

func getEnv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
