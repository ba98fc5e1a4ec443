// Package reconciler contains the background sweeps that repair drift
// between the queue, the coordinator and the durable store: dead leases,
// stale waitlist entries, lost delayed events, counter drift. Every sweep is
// idempotent and safe to run from multiple instances.
package reconciler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/queue"
	"github.com/dialhq/dialcore/internal/store"
)

// Config carries the sweep cadences and thresholds.
type Config struct {
	JanitorInterval    time.Duration
	CompactorInterval  time.Duration
	ReconcilerInterval time.Duration
	CounterInterval    time.Duration
	InvariantInterval  time.Duration

	ReservationOrphanAge time.Duration
	WaitlistMarkerTTL    time.Duration
}

// Reconciler runs the sweeps.
type Reconciler struct {
	store *store.Store
	queue *queue.Queue
	coord *coordinator.Coordinator
	cfg   Config

	mu             sync.Mutex
	saturatedSince map[string]time.Time
}

// New creates a Reconciler.
func New(st *store.Store, q *queue.Queue, coord *coordinator.Coordinator, cfg Config) *Reconciler {
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	if cfg.CompactorInterval <= 0 {
		cfg.CompactorInterval = 2 * time.Minute
	}
	if cfg.ReconcilerInterval <= 0 {
		cfg.ReconcilerInterval = 5 * time.Minute
	}
	if cfg.CounterInterval <= 0 {
		cfg.CounterInterval = 15 * time.Minute
	}
	if cfg.InvariantInterval <= 0 {
		cfg.InvariantInterval = 30 * time.Second
	}
	if cfg.ReservationOrphanAge <= 0 {
		cfg.ReservationOrphanAge = 5 * time.Minute
	}
	if cfg.WaitlistMarkerTTL <= 0 {
		cfg.WaitlistMarkerTTL = 30 * time.Second
	}
	return &Reconciler{
		store:          st,
		queue:          q,
		coord:          coord,
		cfg:            cfg,
		saturatedSince: make(map[string]time.Time),
	}
}

// Run starts every sweep loop and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	go r.loop(ctx, r.cfg.JanitorInterval, r.sweepLeases)
	go r.loop(ctx, r.cfg.CompactorInterval, r.compactWaitlists)
	go r.loop(ctx, r.cfg.ReconcilerInterval, r.repairQueueSync)
	go r.loop(ctx, r.cfg.CounterInterval, r.reconcileCounters)
	go r.loop(ctx, r.cfg.InvariantInterval, r.checkInvariants)
	<-ctx.Done()
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, sweep func(context.Context, string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			campaigns, err := r.store.ListActiveCampaigns(ctx, 200)
			if err != nil {
				log.Printf("[Reconciler] list active campaigns failed: %v", err)
				continue
			}
			for _, c := range campaigns {
				sweep(ctx, c.ID.String())
			}
		}
	}
}
