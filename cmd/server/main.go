package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentcloud/agentcloud/internal/api"
	"github.com/agentcloud/agentcloud/internal/auth"
	"github.com/agentcloud/agentcloud/internal/config"
	"github.com/agentcloud/agentcloud/internal/db"
	"github.com/agentcloud/agentcloud/internal/machine"
	"github.com/agentcloud/agentcloud/internal/outbox"
	"github.com/agentcloud/agentcloud/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("agentcloud: AGENTCLOUD_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("agentcloud: AGENTCLOUD_JWT_SECRET is required")
	}

	ctx := context.Background()

	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	log.Println("agentcloud: running database migrations...")
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Println("agentcloud: database migrations complete")

	issuer := auth.NewTokenIssuer(cfg.JWTSecret)

	reg, err := registry.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	if reg != nil {
		reg.Start()
		defer reg.Stop()
		log.Println("agentcloud: Redis status registry started")
	} else {
		log.Println("agentcloud: no AGENTCLOUD_REDIS_URL configured, status registry disabled")
	}

	service := machine.NewService(store, issuer, reg, cfg)

	dispatcher, err := outbox.NewDispatcher(store, outbox.Options{
		PollInterval: time.Duration(cfg.OutboxPollIntervalSec) * time.Second,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		NATSURL:      cfg.NATSURL,
	})
	if err != nil {
		log.Fatalf("failed to create outbox dispatcher: %v", err)
	}
	service.RegisterHandlers(dispatcher)
	dispatcher.Start()
	defer dispatcher.Stop()
	log.Println("agentcloud: outbox dispatcher started")

	gaugeCtx, cancelGauge := context.WithCancel(ctx)
	defer cancelGauge()
	service.StartStateGauge(gaugeCtx, 15*time.Second)

	server := api.NewServer(api.Options{
		Store:      store,
		Service:    service,
		Issuer:     issuer,
		Registry:   reg,
		Dispatcher: dispatcher,
		APIKey:     cfg.APIKey,
		NATSURL:    cfg.NATSURL,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("agentcloud: starting server on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("agentcloud: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down server: %v", err)
	}
}
