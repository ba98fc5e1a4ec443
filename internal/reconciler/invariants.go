package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/pkg/logger"
)

// counterDriftAlarm is the drift between the reserved counter and the ledger
// above which the fix is paged rather than just logged.
const counterDriftAlarm = 5

const (
	// saturationAlarm is the admitted-work to limit ratio above which
	// overshoot is reported. The +1 pre-dial slack makes brief overshoot
	// normal at small limits.
	saturationAlarm = 1.05
	// saturationHold is how long overshoot must persist before it pages.
	saturationHold = 10 * time.Second
	// orphanScanMax bounds the per-campaign lease member scan.
	orphanScanMax = 100
)

// reconcileCounters forces the reserved counter back to the ledger size.
// The ledger is the source of truth; the counter is a fast-path cache of it.
func (r *Reconciler) reconcileCounters(ctx context.Context, campaignID string) {
	reserved, err := r.coord.Reserved(ctx, campaignID)
	if err != nil {
		log.Printf("[CounterReconciler] reserved read for %s failed: %v", campaignID, err)
		return
	}
	ledger, err := r.coord.LedgerSize(ctx, campaignID)
	if err != nil {
		log.Printf("[CounterReconciler] ledger read for %s failed: %v", campaignID, err)
		return
	}
	if reserved == ledger {
		return
	}

	drift := reserved - ledger
	if drift < 0 {
		drift = -drift
	}
	if err := r.coord.ForceReservedTo(ctx, campaignID, ledger); err != nil {
		log.Printf("[CounterReconciler] force for %s failed: %v", campaignID, err)
		return
	}
	if drift > counterDriftAlarm {
		logger.Critical("reserved counter drift repaired",
			"campaignId", campaignID, "reserved", reserved, "ledger", ledger)
	} else {
		log.Printf("[CounterReconciler] repaired reserved for %s (%d -> %d)", campaignID, reserved, ledger)
	}
}

// checkInvariants verifies the admission math for one campaign and pages on
// violations. It never mutates; repairs belong to the other sweeps.
func (r *Reconciler) checkInvariants(ctx context.Context, campaignID string) {
	limit, err := r.coord.Limit(ctx, campaignID)
	if err != nil || limit <= 0 {
		return
	}
	leases, err := r.coord.LeaseCount(ctx, campaignID)
	if err != nil {
		return
	}
	reserved, err := r.coord.Reserved(ctx, campaignID)
	if err != nil {
		return
	}
	ledger, err := r.coord.LedgerSize(ctx, campaignID)
	if err != nil {
		return
	}

	saturation := float64(leases+reserved) / float64(limit)
	logger.Debug("admission gauges",
		"campaignId", campaignID,
		"inflight_calls", leases,
		"reserved_slots", reserved,
		"saturation", fmt.Sprintf("%.2f", saturation))

	if leases+reserved > int64(limit)+1 {
		logger.Critical("admission ceiling exceeded",
			"campaignId", campaignID, "leases", leases, "reserved", reserved, "limit", limit)
	}
	if reserved < 0 {
		logger.Critical("negative reserved counter",
			"campaignId", campaignID, "reserved", reserved)
	}
	if reserved != ledger {
		logger.Warn("reserved counter out of step with ledger",
			"campaignId", campaignID, "reserved", reserved, "ledger", ledger)
	}

	r.checkSaturation(campaignID, saturation)

	// Every lease member must carry a live lease key. The janitor removes
	// the dead ones; here they are only evidence of a sweep falling behind.
	members, err := r.coord.LeaseMembers(ctx, campaignID)
	if err == nil {
		if len(members) > orphanScanMax {
			members = members[:orphanScanMax]
		}
		for _, m := range members {
			alive, err := r.coord.LeaseAlive(ctx, campaignID, m)
			if err == nil && !alive {
				logger.Warn("lease member without live lease key",
					"campaignId", campaignID, "member", m)
			}
		}
	}

	// An empty campaign with waitlisted jobs means promotion has stalled.
	if leases == 0 && reserved == 0 {
		paused, err := r.coord.Paused(ctx, campaignID)
		if err != nil || paused {
			return
		}
		high, err := r.coord.WaitlistDepth(ctx, campaignID, coordinator.PriorityHigh)
		if err != nil {
			return
		}
		normal, err := r.coord.WaitlistDepth(ctx, campaignID, coordinator.PriorityNormal)
		if err != nil {
			return
		}
		if high+normal > 0 {
			logger.Warn("campaign idle with waitlisted jobs",
				"campaignId", campaignID, "waitlistHigh", high, "waitlistNormal", normal)
			// Nudge the promoter; the poll would get there eventually.
			r.coord.Redis().Publish(ctx, coordinator.ChannelSlotAvailable(campaignID), "")
		}
	}
}

// checkSaturation warns on the first overshoot of the admission ratio and
// pages once the overshoot has held past saturationHold. Dropping back under
// the threshold resets the clock.
func (r *Reconciler) checkSaturation(campaignID string, saturation float64) {
	r.mu.Lock()
	since, overshooting := r.saturatedSince[campaignID]
	if saturation > saturationAlarm {
		if !overshooting {
			r.saturatedSince[campaignID] = time.Now()
		}
	} else {
		delete(r.saturatedSince, campaignID)
	}
	r.mu.Unlock()

	if saturation <= saturationAlarm {
		return
	}
	if overshooting && time.Since(since) > saturationHold {
		logger.Critical("campaign saturation sustained",
			"campaignId", campaignID,
			"saturation", fmt.Sprintf("%.2f", saturation),
			"for", time.Since(since).Round(time.Second).String())
	} else if !overshooting {
		logger.Warn("campaign saturation overshoot",
			"campaignId", campaignID,
			"saturation", fmt.Sprintf("%.2f", saturation))
	}
}
