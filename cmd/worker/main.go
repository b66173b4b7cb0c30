package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"genstudio/internal/artifact"
	"genstudio/internal/config"
	"genstudio/internal/enhance"
	"genstudio/internal/health"
	"genstudio/internal/ledger"
	"genstudio/internal/orchestrator"
	"genstudio/internal/provider"
	"genstudio/internal/queue"
	"genstudio/internal/routing"
	"genstudio/internal/store"
	"genstudio/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	led := ledger.NewPostgres(st.Pool())

	registry := provider.NewRegistry(
		provider.NewRunway(cfg.RunwayAPIURL, cfg.RunwayAPIKey, cfg.ProviderTimeout),
		provider.NewStability(cfg.StabilityAPIURL, cfg.StabilityAPIKey, cfg.ProviderTimeout),
		provider.NewVeo3(cfg.Veo3APIURL, cfg.Veo3APIKey, cfg.ProviderTimeout),
	)

	tracker := health.NewTracker(registry.Names(), cfg.SeedResponseTimeMs)
	go tracker.Run(ctx, cfg.HealthRefreshInterval)

	router := routing.NewRouter(routing.Options{
		Providers:          registry.Names(),
		DefaultProvider:    cfg.DefaultProvider,
		PremiumProvider:    cfg.PremiumProvider,
		LowCreditThreshold: cfg.LowCreditThreshold,
	}, tracker)

	var enhancer enhance.Enhancer = enhance.Noop{}
	if cfg.EnhancerURL != "" {
		enhancer = enhance.NewHTTP(cfg.EnhancerURL, cfg.EnhancerTimeout)
	}

	var archiver orchestrator.Archiver
	if cfg.ArtifactDestination != "" {
		arch, err := artifact.New(ctx, cfg)
		if err != nil {
			log.Fatalf("init archiver: %v", err)
		}
		archiver = arch
	}

	engine := orchestrator.New(cfg, st, q, led, router, tracker, registry, enhancer, archiver)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with visibility=%s poll=%s providers=%v",
		cfg.VisibilityTimeout, cfg.StatusPollInterval, registry.Names())
	if err := engine.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
