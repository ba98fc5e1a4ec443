package promoter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/queue"
)

func setupPromoter(t *testing.T, batch int) (*coordinator.Coordinator, *queue.Queue, *Promoter) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	coord := coordinator.New(rdb)
	q := queue.New(rdb)
	p := New(nil, q, coord, time.Second, batch, coordinator.DefaultColdStart())
	return coord, q, p
}

// seedDelayed adds a delayed job and mirrors it onto the waitlist, the way
// the syncer would.
func seedDelayed(t *testing.T, coord *coordinator.Coordinator, q *queue.Queue, campaignID string, priority int) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := q.Add(ctx, queue.JobData{
		CampaignID:  campaignID,
		ContactID:   uuid.New().String(),
		PhoneNumber: "+15550001111",
		Priority:    priority,
	}, queue.AddOptions{Priority: priority})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	if _, err := coord.PushWaitlist(ctx, campaignID, job.ID, queue.PriorityOf(priority), 30*time.Second); err != nil {
		t.Fatalf("push waitlist: %v", err)
	}
	return job
}

func TestCampaignFromChannel(t *testing.T) {
	if got := campaignFromChannel("campaign:abc-123:slot-available"); got != "abc-123" {
		t.Errorf("got %q, want abc-123", got)
	}
	if got := campaignFromChannel("queue:events"); got != "" {
		t.Errorf("got %q, want empty for unrelated channel", got)
	}
}

func TestPromoteCampaign(t *testing.T) {
	coord, q, p := setupPromoter(t, 5)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 3)
	high := seedDelayed(t, coord, q, camp, 1)
	normal := seedDelayed(t, coord, q, camp, 0)

	p.PromoteCampaign(ctx, camp)

	for _, job := range []*queue.Job{high, normal} {
		state, err := q.GetState(ctx, job.ID)
		if err != nil {
			t.Fatalf("state of %s: %v", job.ID, err)
		}
		if state != queue.StateWaiting {
			t.Errorf("job %s state = %s, want waiting", job.ID, state)
		}
	}

	// Both promotions share one reservation each, settled by the worker later.
	reserved, _ := coord.Reserved(ctx, camp)
	if reserved != 2 {
		t.Errorf("reserved = %d, want 2", reserved)
	}
	ledger, _ := coord.LedgerSize(ctx, camp)
	if ledger != 2 {
		t.Errorf("ledger = %d, want 2", ledger)
	}
	gate, _ := coord.PromoteGate(ctx, camp)
	if gate != 1 {
		t.Errorf("gate = %d, want 1", gate)
	}

	promoted, err := q.GetJob(ctx, high.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if promoted.PromoteSeq != 1 {
		t.Errorf("promoteSeq = %d, want 1", promoted.PromoteSeq)
	}
	if promoted.PromotedAt == 0 {
		t.Error("promotedAt not stamped")
	}
}

func TestPromoteCampaign_PausedSkips(t *testing.T) {
	coord, q, p := setupPromoter(t, 5)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 3)
	coord.SetPaused(ctx, camp, true)
	job := seedDelayed(t, coord, q, camp, 0)

	p.PromoteCampaign(ctx, camp)

	state, _ := q.GetState(ctx, job.ID)
	if state != queue.StateDelayed {
		t.Errorf("state = %s, want delayed (paused campaign)", state)
	}
	if reserved, _ := coord.Reserved(ctx, camp); reserved != 0 {
		t.Errorf("reserved = %d, want 0", reserved)
	}
}

func TestPromoteCampaign_RespectsHeadroom(t *testing.T) {
	coord, q, p := setupPromoter(t, 5)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 1)
	seedDelayed(t, coord, q, camp, 0)
	seedDelayed(t, coord, q, camp, 0)
	seedDelayed(t, coord, q, camp, 0)

	p.PromoteCampaign(ctx, camp)

	// Limit 1 with no leases: exactly one job fits.
	if reserved, _ := coord.Reserved(ctx, camp); reserved != 1 {
		t.Errorf("reserved = %d, want 1", reserved)
	}
	_, waiting, _ := q.Counts(ctx, camp)
	if waiting != 1 {
		t.Errorf("waiting = %d, want 1", waiting)
	}
	depth, _ := coord.WaitlistDepth(ctx, camp, coordinator.PriorityNormal)
	if depth != 2 {
		t.Errorf("waitlist depth = %d, want 2", depth)
	}
}

func TestPromoteCampaign_OpenCircuitThrottles(t *testing.T) {
	coord, q, p := setupPromoter(t, 5)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 10)
	for i := 0; i < 3; i++ {
		seedDelayed(t, coord, q, camp, 0)
	}

	// Trip the promotion circuit.
	var state string
	for state != coordinator.CircuitOpen {
		s, err := coord.RecordPromotion(ctx, camp, false)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		state = s
	}

	p.PromoteCampaign(ctx, camp)

	// Open circuit shrinks the batch to one; the probe succeeded, which moves
	// the circuit along, but only one job went through this cycle.
	_, waiting, _ := q.Counts(ctx, camp)
	if waiting != 1 {
		t.Errorf("waiting = %d, want 1 under open circuit", waiting)
	}
}

func TestPromoteCampaign_GhostEntrySettlesReservation(t *testing.T) {
	coord, _, p := setupPromoter(t, 5)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 3)
	// Waitlist entry with no backing job: pop succeeds, promote cannot.
	ghost := queue.NewJobID(camp)
	if _, err := coord.PushWaitlist(ctx, camp, ghost, coordinator.PriorityNormal, 30*time.Second); err != nil {
		t.Fatalf("push: %v", err)
	}

	p.PromoteCampaign(ctx, camp)

	if reserved, _ := coord.Reserved(ctx, camp); reserved != 0 {
		t.Errorf("reserved = %d, want 0 after ghost settle", reserved)
	}
	if ledger, _ := coord.LedgerSize(ctx, camp); ledger != 0 {
		t.Errorf("ledger = %d, want 0 after ghost settle", ledger)
	}
}
