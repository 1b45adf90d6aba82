package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruhal-doshi/chatsync/internal/config"
	"github.com/ruhal-doshi/chatsync/internal/history"
	"github.com/ruhal-doshi/chatsync/internal/httpapi"
	"github.com/ruhal-doshi/chatsync/internal/observability"
	"github.com/ruhal-doshi/chatsync/internal/provider"
	"github.com/ruhal-doshi/chatsync/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := history.NewRemote(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("session store: in-memory (no DATABASE_URL)")
	} else {
		log.Printf("session store: postgres")
	}

	limiter, err := ratelimit.NewLimiter(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("rate limiter init failed: %v", err)
	}
	defer limiter.Close()

	adapter, err := provider.NewAdapter(provider.Config{
		Mode:         cfg.ProviderMode,
		HTTPURL:      cfg.ProviderHTTPURL,
		APIKey:       cfg.ProviderAPIKey,
		Model:        cfg.ProviderModel,
		GatewayURL:   cfg.ProviderGatewayURL,
		GatewayToken: cfg.ProviderGatewayToken,
	})
	if err != nil {
		log.Fatalf("provider adapter init failed: %v", err)
	}

	if cfg.JWTSecret == "" {
		log.Printf("JWT_SECRET not set; only anonymous traffic will resolve an identity")
	}

	api := httpapi.New(cfg, store, limiter, adapter, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
