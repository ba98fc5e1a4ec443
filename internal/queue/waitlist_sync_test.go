package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dialhq/dialcore/internal/coordinator"
)

func setupSyncer(t *testing.T) (*coordinator.Coordinator, *WaitlistSyncer) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	coord := coordinator.New(rdb)
	return coord, NewWaitlistSyncer(coord, 30*time.Second)
}

func TestPriorityOf(t *testing.T) {
	if PriorityOf(0) != coordinator.PriorityNormal {
		t.Error("priority 0 should map to normal")
	}
	if PriorityOf(-1) != coordinator.PriorityNormal {
		t.Error("negative priority should map to normal")
	}
	if PriorityOf(1) != coordinator.PriorityHigh {
		t.Error("positive priority should map to high")
	}
}

func TestSyncer_DelayedPushesOnce(t *testing.T) {
	coord, s := setupSyncer(t)
	ctx := context.Background()
	camp := uuid.New().String()
	jobID := NewJobID(camp)

	evt := Event{Type: EventDelayed, CampaignID: camp, JobID: jobID, Priority: 1}
	s.Handle(ctx, evt)
	s.Handle(ctx, evt) // duplicate event while the marker holds

	depth, err := coord.WaitlistDepth(ctx, camp, coordinator.PriorityHigh)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("high depth = %d, want 1", depth)
	}
	if exists, _ := coord.MarkerExists(ctx, camp, jobID); !exists {
		t.Error("marker should be set after push")
	}
}

func TestSyncer_TransitionClearsMarker(t *testing.T) {
	coord, s := setupSyncer(t)
	ctx := context.Background()
	camp := uuid.New().String()
	jobID := NewJobID(camp)

	s.Handle(ctx, Event{Type: EventDelayed, CampaignID: camp, JobID: jobID})
	s.Handle(ctx, Event{Type: EventWaiting, CampaignID: camp, JobID: jobID})

	if exists, _ := coord.MarkerExists(ctx, camp, jobID); exists {
		t.Error("marker should be cleared on waiting")
	}

	// The cleared marker lets a later re-delay push again.
	s.Handle(ctx, Event{Type: EventDelayed, CampaignID: camp, JobID: jobID})
	depth, _ := coord.WaitlistDepth(ctx, camp, coordinator.PriorityNormal)
	if depth != 2 {
		t.Errorf("normal depth = %d, want 2 (stale entry plus re-push)", depth)
	}
}
