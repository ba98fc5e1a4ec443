package reconciler

import (
	"context"
	"log"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/queue"
)

const (
	leaseSweepBatch    = 200
	waitlistSweepBatch = 1000
	delayedSweepBatch  = 500
	orphanSweepBatch   = 100
)

// sweepLeases drops lease-set members whose lease key expired and recovers
// reservations stuck in the ledger. Campaigns still ramping are skipped: a
// ramp holds few leases and the churn would fight the ramp's own bookkeeping.
func (r *Reconciler) sweepLeases(ctx context.Context, campaignID string) {
	state, err := r.coord.RampStateOf(ctx, campaignID)
	if err != nil {
		log.Printf("[LeaseJanitor] ramp state for %s failed: %v", campaignID, err)
		return
	}
	if state != coordinator.RampDone {
		return
	}

	members, err := r.coord.LeaseMembers(ctx, campaignID)
	if err != nil {
		log.Printf("[LeaseJanitor] members for %s failed: %v", campaignID, err)
		return
	}
	removed := 0
	for i, m := range members {
		if i >= leaseSweepBatch {
			break
		}
		alive, err := r.coord.LeaseAlive(ctx, campaignID, m)
		if err != nil || alive {
			continue
		}
		if err := r.coord.RemoveLeaseMember(ctx, campaignID, m); err != nil {
			log.Printf("[LeaseJanitor] remove %s failed: %v", m, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		// Freed capacity; wake the promoter.
		r.coord.Redis().Publish(ctx, coordinator.ChannelSlotAvailable(campaignID), "")
		log.Printf("[LeaseJanitor] removed %d dead leases for %s", removed, campaignID)
	}

	recovered, err := r.coord.RecoverOrphanedReservations(ctx, campaignID, r.cfg.ReservationOrphanAge, orphanSweepBatch)
	if err != nil {
		log.Printf("[LeaseJanitor] orphan recovery for %s failed: %v", campaignID, err)
		return
	}
	if recovered > 0 {
		log.Printf("[LeaseJanitor] recovered %d orphaned reservations for %s", recovered, campaignID)
	}
}

// compactWaitlists removes waitlist entries whose job is gone or no longer
// delayed, so the promoter never burns headroom popping ghosts.
func (r *Reconciler) compactWaitlists(ctx context.Context, campaignID string) {
	for _, p := range []coordinator.Priority{coordinator.PriorityHigh, coordinator.PriorityNormal} {
		ids, err := r.coord.WaitlistSample(ctx, campaignID, p, waitlistSweepBatch)
		if err != nil {
			log.Printf("[WaitlistCompactor] sample for %s failed: %v", campaignID, err)
			continue
		}
		removed := 0
		for _, id := range ids {
			state, err := r.queue.GetState(ctx, id)
			if err == queue.ErrJobNotFound || (err == nil && state != queue.StateDelayed) {
				if _, err := r.coord.WaitlistRemove(ctx, campaignID, p, id); err == nil {
					removed++
				}
				continue
			}
		}
		if removed > 0 {
			log.Printf("[WaitlistCompactor] removed %d stale entries from %s/%s", removed, campaignID, p)
		}
	}
}

// repairQueueSync finds delayed jobs that never made it onto a waitlist
// (dropped pub/sub event) and pushes them. The marker keeps the repair
// idempotent against the event arriving late after all.
func (r *Reconciler) repairQueueSync(ctx context.Context, campaignID string) {
	ids, err := r.queue.DelayedSample(ctx, campaignID, delayedSweepBatch)
	if err != nil {
		log.Printf("[QueueReconciler] delayed sample for %s failed: %v", campaignID, err)
		return
	}
	pushed := 0
	for _, id := range ids {
		present, err := r.coord.MarkerExists(ctx, campaignID, id)
		if err != nil || present {
			continue
		}
		listed, err := r.coord.WaitlistContains(ctx, campaignID, id)
		if err != nil || listed {
			continue
		}
		job, err := r.queue.GetJob(ctx, id)
		if err != nil || job.State != queue.StateDelayed {
			continue
		}
		ok, err := r.coord.PushWaitlist(ctx, campaignID, id, queue.PriorityOf(job.Priority), r.cfg.WaitlistMarkerTTL)
		if err != nil {
			log.Printf("[QueueReconciler] push for %s failed: %v", id, err)
			continue
		}
		if ok {
			pushed++
		}
	}
	if pushed > 0 {
		log.Printf("[QueueReconciler] re-listed %d delayed jobs for %s", pushed, campaignID)
	}
}
