// Package promoter moves delayed jobs to waiting, exactly as fast as each
// campaign's headroom allows. It is the only component that promotes: queue
// delays are a parking brake, never a schedule.
package promoter

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/pkg/distlock"
	"github.com/dialhq/dialcore/internal/queue"
	"github.com/dialhq/dialcore/internal/store"
)

const (
	mutexTTL      = 5 * time.Second
	mutexRenewal  = 2 * time.Second
	defaultPoll   = 5 * time.Second
	defaultBatch  = 5
	activePerPoll = 100
)

// Promoter runs promotion cycles for active campaigns. Any number of
// instances may run; the per-campaign mutex serializes the cycle itself.
type Promoter struct {
	store *store.Store
	queue *queue.Queue
	coord *coordinator.Coordinator
	rdb   *redis.Client

	poll  time.Duration
	batch int
	cold  coordinator.ColdStartConfig
}

// New creates a Promoter.
func New(st *store.Store, q *queue.Queue, coord *coordinator.Coordinator, poll time.Duration, batch int, cold coordinator.ColdStartConfig) *Promoter {
	if poll <= 0 {
		poll = defaultPoll
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Promoter{
		store: st,
		queue: q,
		coord: coord,
		rdb:   coord.Redis(),
		poll:  poll,
		batch: batch,
		cold:  cold,
	}
}

// campaignFromChannel extracts the campaign id from a slot-available channel
// name ("campaign:<id>:slot-available").
func campaignFromChannel(ch string) string {
	s := strings.TrimPrefix(ch, "campaign:")
	s = strings.TrimSuffix(s, ":slot-available")
	if s == ch || s == "" {
		return ""
	}
	return s
}

// Run drives promotion until ctx is cancelled. Two triggers feed it: the
// slot-available subscription for immediate backfill after a release, and a
// jittered poll over active campaigns as the safety net for lost messages.
func (p *Promoter) Run(ctx context.Context) {
	sub := p.coord.SubscribeSlotAvailable(ctx)
	defer sub.Close()
	msgs := sub.Channel()

	// Jitter keeps a fleet of promoters from sweeping in lockstep.
	timer := time.NewTimer(p.jitteredPoll())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if id := campaignFromChannel(msg.Channel); id != "" {
				p.PromoteCampaign(ctx, id)
			}
		case <-timer.C:
			p.sweep(ctx)
			timer.Reset(p.jitteredPoll())
		}
	}
}

func (p *Promoter) jitteredPoll() time.Duration {
	return p.poll + time.Duration(rand.Int63n(int64(p.poll)/2+1))
}

func (p *Promoter) sweep(ctx context.Context) {
	campaigns, err := p.store.ListActiveCampaigns(ctx, activePerPoll)
	if err != nil {
		log.Printf("[Promoter] list active campaigns failed: %v", err)
		return
	}
	for _, c := range campaigns {
		p.PromoteCampaign(ctx, c.ID.String())
	}
}

// PromoteCampaign runs one promotion cycle for a campaign. Skips silently
// when the campaign is paused or another promoter holds the mutex.
func (p *Promoter) PromoteCampaign(ctx context.Context, campaignID string) {
	paused, err := p.coord.Paused(ctx, campaignID)
	if err != nil {
		log.Printf("[Promoter] paused check for %s failed: %v", campaignID, err)
		return
	}
	if paused {
		return
	}

	mutex := distlock.NewRenewingLock(p.rdb, "promote:"+campaignID, mutexTTL, mutexRenewal)
	acquired, err := mutex.Acquire(ctx)
	if err != nil || !acquired {
		return
	}
	defer mutex.Release(ctx)

	limit, err := p.coord.EffectiveLimit(ctx, campaignID, p.cold)
	if err != nil {
		log.Printf("[Promoter] effective limit for %s failed: %v", campaignID, err)
		return
	}
	if limit <= 0 {
		return
	}

	batch := p.batch
	state, err := p.coord.CircuitState(ctx, campaignID)
	if err == nil && state == coordinator.CircuitOpen {
		// Open circuit throttles to single-job promotions; it never stops
		// the campaign outright.
		batch = 1
	}

	promo, err := p.coord.PopReservePromote(ctx, campaignID, limit, batch)
	if err != nil {
		log.Printf("[Promoter] pop for %s failed: %v", campaignID, err)
		return
	}
	if promo.Count == 0 {
		return
	}

	now := time.Now()
	for _, entry := range promo.Entries {
		if err := p.promoteOne(ctx, entry.JobID, promo.Seq, now); err != nil {
			// The reservation is settled here so a vanished or already-moved
			// job cannot pin a slot until the orphan sweep.
			if _, cerr := p.coord.ClaimReservation(ctx, campaignID, entry.JobID); cerr != nil {
				log.Printf("[Promoter] reservation claim for %s failed: %v", entry.JobID, cerr)
			}
			if err != queue.ErrNotDelayed && err != queue.ErrJobNotFound {
				log.Printf("[Promoter] promote %s failed: %v", entry.JobID, err)
			}
			p.recordOutcome(ctx, campaignID, false)
			continue
		}
		p.recordOutcome(ctx, campaignID, true)
	}
}

func (p *Promoter) promoteOne(ctx context.Context, jobID string, seq int64, now time.Time) error {
	if err := p.queue.StampPromotion(ctx, jobID, seq, now); err != nil {
		return err
	}
	return p.queue.Promote(ctx, jobID)
}

func (p *Promoter) recordOutcome(ctx context.Context, campaignID string, ok bool) {
	if _, err := p.coord.RecordPromotion(ctx, campaignID, ok); err != nil {
		log.Printf("[Promoter] circuit update for %s failed: %v", campaignID, err)
	}
}
