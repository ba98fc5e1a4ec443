package campaign

import (
	"context"
	"log"
	"time"
)

// Scheduler is the background loop that starts scheduled campaigns when
// their time arrives and enqueues due retry contacts for active campaigns.
type Scheduler struct {
	svc      *Service
	interval time.Duration
}

// NewScheduler creates the scheduler loop.
func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{svc: svc, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.svc.store.ListDueScheduledCampaigns(ctx, time.Now(), 20)
	if err != nil {
		log.Printf("[Scheduler] list due campaigns failed: %v", err)
	}
	for _, c := range due {
		switch err := s.svc.Start(ctx, c.ID); err {
		case nil:
			log.Printf("[Scheduler] started scheduled campaign %s", c.ID)
		case ErrStartInProgress, ErrNotStartable:
			// Another instance got there first.
		case ErrNoContacts:
			log.Printf("[Scheduler] scheduled campaign %s has no contacts; skipped", c.ID)
		default:
			log.Printf("[Scheduler] start of %s failed: %v", c.ID, err)
		}
	}

	active, err := s.svc.store.ListActiveCampaigns(ctx, 100)
	if err != nil {
		log.Printf("[Scheduler] list active campaigns failed: %v", err)
		return
	}
	for _, c := range active {
		if !c.Settings.RetryFailedCalls {
			continue
		}
		n, err := s.svc.EnqueueDueRetries(ctx, c.ID)
		if err != nil {
			log.Printf("[Scheduler] retry enqueue for %s failed: %v", c.ID, err)
			continue
		}
		if n > 0 {
			log.Printf("[Scheduler] enqueued %d due retries for %s", n, c.ID)
		}
	}
}
