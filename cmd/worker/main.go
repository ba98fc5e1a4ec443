package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/dialhq/dialcore/internal/campaign"
	"github.com/dialhq/dialcore/internal/carrier"
	"github.com/dialhq/dialcore/internal/config"
	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/promoter"
	"github.com/dialhq/dialcore/internal/queue"
	"github.com/dialhq/dialcore/internal/reconciler"
	"github.com/dialhq/dialcore/internal/store"
	"github.com/dialhq/dialcore/internal/worker"
)

func main() {
	log.Println("Starting dialcore worker...")

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

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue events keep the waitlists in step with the delayed set.
	listener := queue.NewListener(rdb)
	syncer := queue.NewWaitlistSyncer(coord, time.Duration(cfg.Dispatch.WaitlistMarkerTTLSeconds)*time.Second)
	listener.On(syncer.Handle)
	go listener.Run(ctx)
	log.Println("Waitlist syncer started")

	prom := promoter.New(st, q, coord,
		time.Duration(cfg.Dispatch.PromoterPollSeconds)*time.Second,
		cfg.Dispatch.PromoterBatchSize, cold)
	go prom.Run(ctx)
	log.Println("Promoter started")

	rec := reconciler.New(st, q, coord, reconciler.Config{
		JanitorInterval:      time.Duration(cfg.Dispatch.JanitorIntervalSeconds) * time.Second,
		CompactorInterval:    time.Duration(cfg.Dispatch.CompactorIntervalSeconds) * time.Second,
		ReconcilerInterval:   time.Duration(cfg.Dispatch.ReconcilerIntervalSeconds) * time.Second,
		CounterInterval:      time.Duration(cfg.Dispatch.CounterIntervalSeconds) * time.Second,
		InvariantInterval:    time.Duration(cfg.Dispatch.InvariantIntervalSeconds) * time.Second,
		ReservationOrphanAge: time.Duration(cfg.Dispatch.ReservationOrphanAgeSeconds) * time.Second,
		WaitlistMarkerTTL:    time.Duration(cfg.Dispatch.WaitlistMarkerTTLSeconds) * time.Second,
	})
	go rec.Run(ctx)
	log.Println("Reconcilers started")

	sched := campaign.NewScheduler(svc, 30*time.Second)
	go sched.Run(ctx)
	log.Println("Campaign scheduler started")

	// Only instance 0 dials; every instance promotes and reconciles.
	if cfg.Worker.InstanceID == 0 {
		car := carrier.NewRateLimited(
			carrier.NewHTTPCarrier(cfg.Carrier.BaseURL, cfg.Carrier.AppID,
				time.Duration(cfg.Carrier.TimeoutSeconds)*time.Second, carrier.Credentials{}),
			carrier.RateLimitConfig{
				OpsPerSecond:    cfg.Carrier.OpsPerSecond,
				MaxConcurrent:   cfg.Carrier.MaxConcurrent,
				MinInterval:     time.Duration(cfg.Carrier.MinIntervalMs) * time.Millisecond,
				BreakerFailures: cfg.Carrier.BreakerFailures,
				BreakerOpenFor:  time.Duration(cfg.Carrier.BreakerOpenSeconds) * time.Second,
			},
		)
		dialer := worker.New(st, q, coord, car, cold,
			cfg.Dispatch.StaleGateMaxLag,
			time.Duration(cfg.Dispatch.StaleGateMaxAgeSeconds)*time.Second)
		go dialer.Run(ctx)
	} else {
		log.Printf("Instance %d: dialing worker not registered", cfg.Worker.InstanceID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// Leases are left to their TTLs on purpose; a restart must not free
	// slots for calls that are still up.
	cancel()
	time.Sleep(2 * time.Second)
	log.Println("Worker stopped")
}
