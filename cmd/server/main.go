package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/dialhq/dialcore/internal/api"
	"github.com/dialhq/dialcore/internal/campaign"
	"github.com/dialhq/dialcore/internal/config"
	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/queue"
	"github.com/dialhq/dialcore/internal/recordings"
	"github.com/dialhq/dialcore/internal/store"
	"github.com/dialhq/dialcore/internal/webhook"
)

func main() {
	log.Println("Starting dialcore API server...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetimeDuration())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancel()
	log.Println("Connected to database")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	log.Println("Connected to Redis")

	st := store.New(db)
	coord := coordinator.New(rdb)
	q := queue.New(rdb)

	cold := coordinator.ColdStartConfig{
		InitialLimit:   cfg.ColdStart.InitialLimit,
		StepMultiplier: cfg.ColdStart.StepMultiplier,
		HalfOpenAfter:  cfg.ColdStart.HalfOpenAfter,
		RampSuccesses:  cfg.ColdStart.RampSuccesses,
	}
	svc := campaign.New(st, q, coord,
		cfg.Dispatch.MaxConcurrentOutboundCalls,
		time.Duration(cfg.Dispatch.DedupTTLHours)*time.Hour,
		cold,
		campaign.NewOffPeakWindow(cfg.OffPeak),
	)

	var archiver webhook.RecordingArchiver
	if cfg.Recordings.Enabled && cfg.Recordings.S3Bucket != "" {
		a, err := recordings.New(context.Background(), st, cfg.Recordings)
		if err != nil {
			log.Printf("Recordings archiver disabled: %v", err)
		} else {
			archiver = a
			log.Printf("Recordings archiver enabled (bucket %s)", cfg.Recordings.S3Bucket)
		}
	}

	wh := webhook.New(st, coord, svc, archiver)
	handlers := api.NewHandlers(svc, wh)
	router := api.SetupRoutes(handlers, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("API server listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
