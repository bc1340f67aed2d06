package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tiendapos/backend/internal/cache"
	"tiendapos/backend/internal/config"
	"tiendapos/backend/internal/httpapi"
	"tiendapos/backend/internal/remote"
	remotepg "tiendapos/backend/internal/remote/postgres"
	"tiendapos/backend/internal/service"
	"tiendapos/backend/internal/store"
	"tiendapos/backend/internal/store/memory"
	"tiendapos/backend/internal/store/sqlite"
	"tiendapos/backend/internal/syncer"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error

	var ledger store.Ledger
	if cfg.SQLitePath != "" {
		s, err := sqlite.New(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatalf("[main] open sqlite ledger: %v", err)
		}
		closers = append(closers, s.Close)
		ledger = s
		log.Printf("[main] sqlite ledger at %s", cfg.SQLitePath)
	} else {
		ledger = memory.NewSeeded()
		log.Printf("[main] no SQLITE_PATH set, using seeded in-memory ledger (demo mode)")
	}

	var products cache.ProductCache = cache.Noop{}
	if cfg.RedisAddr != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("[main] redis unavailable, product cache disabled: %v", err)
		} else {
			closers = append(closers, r.Close)
			products = r
			log.Printf("[main] redis product cache at %s", cfg.RedisAddr)
		}
	}

	var cloud remote.CloudStore
	switch {
	case cfg.CloudDatabaseURL != "":
		pg, err := remotepg.New(ctx, cfg.CloudDatabaseURL, cfg.StoreID)
		if err != nil {
			log.Fatalf("[main] open cloud database: %v", err)
		}
		closers = append(closers, pg.Close)
		cloud = pg
		log.Printf("[main] syncing against cloud database")
	case cfg.CloudSyncURL != "":
		h := remote.NewHTTPStore(cfg.CloudSyncURL, cfg.StoreID)
		closers = append(closers, h.Close)
		cloud = h
		log.Printf("[main] syncing against %s", cfg.CloudSyncURL)
	default:
		log.Printf("[main] no cloud configured, sales stay local")
	}

	svc := service.New(ledger, products, cfg.ProductCacheTTL)
	dispatcher := syncer.New(ledger, cloud, cfg.StoreID, cfg.SyncBatchSize, cfg.SyncInterval)
	go dispatcher.Run(ctx)

	api := httpapi.New(svc, dispatcher, cfg.AllowedOrigin)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("[main] listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("[main] close: %v", err)
		}
	}
}
