package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"townhall/api/internal/app"
	"townhall/api/internal/config"
	"townhall/api/internal/plan"
	"townhall/api/internal/platform"
	"townhall/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := platform.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer p.Close()

	if p.DB != nil {
		if err := store.ApplyMigrations(ctx, p.DB, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}
	if n, err := p.Search.ReindexAll(ctx); err != nil {
		log.Printf("WARNING: search reindex failed: %v", err)
	} else if n > 0 {
		log.Printf("search index primed with %d ideas", n)
	}

	service := p.Service()
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		plan.NewScheduler(p.Plans, cfg.SweepInterval).Run(ctx)
	}()
	go func() {
		defer background.Done()
		p.Relay.Run(ctx, cfg.RelayInterval)
	}()

	go func() {
		log.Printf("Townhall API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	background.Wait()
}
