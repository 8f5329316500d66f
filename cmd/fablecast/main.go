package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
	"github.com/fablecast/fablecast/breaker"
	"github.com/fablecast/fablecast/cache"
	"github.com/fablecast/fablecast/config"
	"github.com/fablecast/fablecast/gateway"
	"github.com/fablecast/fablecast/monitoring"
	"github.com/fablecast/fablecast/optimizer"
	"github.com/fablecast/fablecast/provider"
	"github.com/fablecast/fablecast/provider/httpexec"
	"github.com/fablecast/fablecast/server"
	"github.com/fablecast/fablecast/usage"
	"github.com/fablecast/fablecast/utils"
)

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cache backend: Valkey when configured, in-process otherwise.
	var cacheStore cache.Store
	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyEndpoint},
		})
		if err != nil {
			sugar.Fatalw("Failed to create Valkey client", "error", err)
		}
		defer valkeyClient.Close()
		cacheStore = cache.NewValkey(valkeyClient)
		sugar.Infow("Using Valkey cache", "endpoint", cfg.ValkeyEndpoint)
	} else {
		memory, stopMemory := cache.NewMemory(cfg.CacheMaxBytes)
		defer stopMemory()
		cacheStore = memory
		sugar.Infow("Using in-process cache", "max_bytes", cfg.CacheMaxBytes)
	}

	// Usage store: MySQL when configured, in-memory otherwise.
	var usageStore usage.Store
	if cfg.MySQLDSN != "" {
		mysqlStore, err := usage.NewMySQLStore(ctx, cfg.MySQLDSN)
		if err != nil {
			sugar.Fatalw("Failed to open MySQL usage store", "error", err)
		}
		defer mysqlStore.Close()
		usageStore = mysqlStore
		sugar.Infow("Using MySQL usage store")
	} else {
		usageStore = usage.NewMemoryStore()
		sugar.Infow("Using in-memory usage store")
	}

	registry := provider.NewRegistry()
	executor := httpexec.New(sugar)
	for _, serviceType := range []fablecast.ServiceType{
		fablecast.ServiceTTS,
		fablecast.ServiceVoiceClone,
		fablecast.ServiceTextAnalysis,
		fablecast.ServiceImageGeneration,
		fablecast.ServiceBatch,
	} {
		registry.Register(serviceType, "", executor)
	}

	circuitBreaker := breaker.New(nil, sugar)
	lb := balancer.New(cfg.Balancer, circuitBreaker, sugar)
	for _, endpoint := range cfg.Endpoints {
		lb.Register(endpoint)
	}

	opt := optimizer.New(cfg.Optimizer, cacheStore, registry, sugar)
	usageService := usage.NewService(cfg.Usage, usageStore, sugar)
	monitor := monitoring.New(cfg.Monitor, sugar)

	if cfg.OTel != nil && cfg.OTel.Enabled {
		otelExporter, err := monitoring.NewOTelExporter(ctx, cfg.OTel, monitor)
		if err != nil {
			sugar.Fatalw("Failed to start OTLP exporter", "error", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := otelExporter.Shutdown(shutdownCtx); err != nil {
				sugar.Warnw("OTLP exporter shutdown failed", "error", err)
			}
		}()
		sugar.Infow("OTLP metrics export enabled", "endpoint", cfg.OTel.Endpoint)
	}

	gw := gateway.New(lb, opt, usageService, monitor, sugar)
	if err := gw.Start(ctx); err != nil {
		sugar.Fatalw("Failed to start gateway", "error", err)
	}

	api := server.New(gw, usageService, monitor, sugar)

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: api.Handler(),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		gw.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address, "endpoints", len(cfg.Endpoints))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
