package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/queue"
	"github.com/dialhq/dialcore/internal/store"
)

func TestStats(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	campaignID := uuid.New()
	camp := campaignID.String()

	env.coord.SetLimit(ctx, camp, 8)
	env.coord.BeginColdStart(ctx, camp)
	env.coord.PushWaitlist(ctx, camp, queue.NewJobID(camp), coordinator.PriorityHigh, 30*time.Second)
	env.queue.Add(ctx, queue.JobData{
		CampaignID:  camp,
		ContactID:   uuid.New().String(),
		PhoneNumber: "+15550001111",
	}, queue.AddOptions{})

	env.mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WillReturnRows(campaignRows(campaignID, store.CampaignActive, `{"concurrentCallsLimit": 8}`))

	stats, err := env.svc.Stats(ctx, campaignID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	if stats.Status != store.CampaignActive {
		t.Errorf("status = %q", stats.Status)
	}
	if stats.Limit != 8 {
		t.Errorf("limit = %d, want 8", stats.Limit)
	}
	// A fresh ramp holds the effective limit at the initial step.
	if stats.EffectiveLimit != 1 {
		t.Errorf("effective limit = %d, want 1", stats.EffectiveLimit)
	}
	if stats.RampState != string(coordinator.RampActive) {
		t.Errorf("ramp state = %q", stats.RampState)
	}
	if stats.WaitlistHigh != 1 {
		t.Errorf("waitlist high = %d, want 1", stats.WaitlistHigh)
	}
	if stats.DelayedJobs != 1 {
		t.Errorf("delayed = %d, want 1", stats.DelayedJobs)
	}
	if stats.CircuitState != coordinator.CircuitClosed {
		t.Errorf("circuit = %q", stats.CircuitState)
	}
	if stats.Paused {
		t.Error("paused = true, want false")
	}
}
