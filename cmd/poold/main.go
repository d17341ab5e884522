package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/gpupool/internal/api"
	"github.com/example/gpupool/internal/bootstrap"
	"github.com/example/gpupool/internal/config"
	"github.com/example/gpupool/internal/observability"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTrace, err := observability.InitTracingFromEnv("poold")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	rt, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap pool: %v", err)
	}
	defer func() { _ = rt.Close() }()

	if err := rt.Pool.Start(); err != nil {
		log.Fatalf("start pool: %v", err)
	}

	server := api.NewServer(rt.Pool, rt.Batch, rt.History, observability.Default)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("gpupool listening on %s (%d tiers)", cfg.ListenAddr, len(cfg.Tiers))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gpupool failed: %v", err)
	}
	log.Println("gpupool shutting down")
}
