package main

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/config"
	"github.com/danilashk/noter/internal/database"
	"github.com/danilashk/noter/internal/gateway"
	"github.com/danilashk/noter/internal/metrics"
	"github.com/danilashk/noter/internal/store"
)

func main() {
	cfg := config.Load()

	var (
		db *gorm.DB
		st store.Store
	)
	if cfg.Database.Host != "" {
		var err error
		db, err = database.Connect(cfg.Database)
		if err != nil {
			log.Fatalf("[Main] Database connection failed: %v", err)
		}
		defer database.Close(db)

		if err := database.Ping(db); err != nil {
			log.Fatalf("[Main] Database ping failed: %v", err)
		}
		st = store.NewGorm(db, cfg.Sync.RefreshInterval).Bundle()
	} else {
		log.Println("[Main] DB_HOST not set, running on the in-memory store")
		st = store.NewMemory().Bundle()
	}

	var transport channel.Transport
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := channel.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			log.Fatalf("[Main] Redis connection failed: %v", err)
		}
		defer client.Close()

		transport = channel.NewRedisTransport(client, cfg.Sync.SubscribeTimeout)
		log.Printf("[Main] Redis transport connected (%s)", cfg.Redis.Addr)
	} else {
		log.Println("[Main] REDIS_ADDR not set, running on the in-process broker")
		transport = channel.NewBroker()
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	hub := gateway.NewHub(gateway.HubConfig{
		Transport:        transport,
		Recorder:         collector,
		SubscribeTimeout: cfg.Sync.SubscribeTimeout,
		MessagesPerSec:   cfg.WebSocket.MessagesPerSec,
		MessageBurst:     cfg.WebSocket.MessageBurst,
	})

	srv := gateway.NewServer(gateway.ServerConfig{
		Config:   cfg,
		Hub:      hub,
		Store:    st,
		DB:       db,
		Gatherer: registry,
	})
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("[Main] Server failed: %v", err)
	}
}
