package queue

import (
	"context"
	"log"
	"time"

	"github.com/dialhq/dialcore/internal/coordinator"
)

// WaitlistSyncer mirrors queue lifecycle events into the coordinator's
// waitlists: a delayed job is pushed onto its campaign's priority list
// (idempotently, via the marker), and any transition past delayed clears
// the marker so a later re-delay can push again.
type WaitlistSyncer struct {
	coord     *coordinator.Coordinator
	markerTTL time.Duration
}

// NewWaitlistSyncer creates the syncer. markerTTL guards the idempotent
// push window (~30s).
func NewWaitlistSyncer(coord *coordinator.Coordinator, markerTTL time.Duration) *WaitlistSyncer {
	if markerTTL <= 0 {
		markerTTL = 30 * time.Second
	}
	return &WaitlistSyncer{coord: coord, markerTTL: markerTTL}
}

// PriorityOf maps a job priority to a waitlist. Positive priority jobs go
// to the high list.
func PriorityOf(priority int) coordinator.Priority {
	if priority > 0 {
		return coordinator.PriorityHigh
	}
	return coordinator.PriorityNormal
}

// Handle is the queue event handler; register it on a Listener.
func (s *WaitlistSyncer) Handle(ctx context.Context, evt Event) {
	switch evt.Type {
	case EventDelayed:
		pushed, err := s.coord.PushWaitlist(ctx, evt.CampaignID, evt.JobID, PriorityOf(evt.Priority), s.markerTTL)
		if err != nil {
			log.Printf("[WaitlistSync] push failed for job %s: %v", evt.JobID, err)
			return
		}
		if !pushed {
			// Marker present: duplicate delayed event, already listed.
			return
		}
	case EventWaiting, EventActive, EventCompleted, EventFailed, EventStalled:
		if err := s.coord.DeleteMarker(ctx, evt.CampaignID, evt.JobID); err != nil {
			log.Printf("[WaitlistSync] marker delete failed for job %s: %v", evt.JobID, err)
		}
	}
}
