package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docledger/api/internal/app"
	"docledger/api/internal/blob"
	"docledger/api/internal/cleanup"
	"docledger/api/internal/config"
	"docledger/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	blobStore, err := blob.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}
	if err := blobStore.EnsureBucket(ctx); err != nil {
		log.Fatalf("bucket setup failed: %v", err)
	}

	var queue *cleanup.Queue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for deferred blob cleanup")
		queue, err = cleanup.NewQueue(cfg.RedisURL, cfg.CleanupAttempts)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer queue.Close()
	} else {
		log.Printf("Redis not configured, failed blob releases will only be logged")
	}

	service := app.New(cfg, dataStore, blobStore, queue)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if queue != nil {
		go queue.Run(runCtx, blobStore, cfg.CleanupInterval)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("DocLedger API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
