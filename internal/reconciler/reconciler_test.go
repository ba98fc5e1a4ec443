package reconciler

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/pkg/logger"
	"github.com/dialhq/dialcore/internal/queue"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLevel(logger.DEBUG)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logger.INFO)
	})
	return &buf
}

func setupReconciler(t *testing.T) (*miniredis.Miniredis, *coordinator.Coordinator, *queue.Queue, *Reconciler) {
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
	r := New(nil, q, coord, Config{})
	return mr, coord, q, r
}

func TestSweepLeases_RemovesDeadMembers(t *testing.T) {
	mr, coord, _, r := setupReconciler(t)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 5)
	token, err := coord.AcquirePreDial(ctx, camp, "call-1", 5)
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}
	if n, _ := coord.LeaseCount(ctx, camp); n != 1 {
		t.Fatalf("lease count = %d, want 1", n)
	}

	sub := coord.Redis().PSubscribe(ctx, coordinator.PatternSlotAvailable)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msgs := sub.Channel()

	// Let the lease key expire; the set member survives it.
	mr.FastForward(time.Minute)

	r.sweepLeases(ctx, camp)

	if n, _ := coord.LeaseCount(ctx, camp); n != 0 {
		t.Errorf("lease count = %d, want 0 after sweep", n)
	}
	select {
	case <-msgs:
	case <-time.After(2 * time.Second):
		t.Error("expected slot-available publish after removing dead leases")
	}
}

func TestSweepLeases_SkipsRampingCampaign(t *testing.T) {
	mr, coord, _, r := setupReconciler(t)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 5)
	coord.BeginColdStart(ctx, camp)
	token, _ := coord.AcquirePreDial(ctx, camp, "call-1", 1)
	if token == "" {
		t.Fatal("acquire failed")
	}
	mr.FastForward(time.Minute)

	r.sweepLeases(ctx, camp)

	// Ramping campaigns are left alone.
	if n, _ := coord.LeaseCount(ctx, camp); n != 1 {
		t.Errorf("lease count = %d, want 1 (ramp skipped)", n)
	}
}

func TestCompactWaitlists_DropsGhosts(t *testing.T) {
	_, coord, q, r := setupReconciler(t)
	ctx := context.Background()
	camp := uuid.New().String()

	// A live delayed job and a ghost with no backing job.
	job, err := q.Add(ctx, queue.JobData{CampaignID: camp, ContactID: uuid.New().String(), PhoneNumber: "+15550001111"}, queue.AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	coord.PushWaitlist(ctx, camp, job.ID, coordinator.PriorityNormal, 30*time.Second)
	ghost := queue.NewJobID(camp)
	coord.PushWaitlist(ctx, camp, ghost, coordinator.PriorityNormal, 30*time.Second)

	r.compactWaitlists(ctx, camp)

	ids, _ := coord.WaitlistSample(ctx, camp, coordinator.PriorityNormal, 10)
	if len(ids) != 1 || ids[0] != job.ID {
		t.Errorf("waitlist after compaction = %v, want only %s", ids, job.ID)
	}
}

func TestRepairQueueSync(t *testing.T) {
	mr, coord, q, r := setupReconciler(t)
	ctx := context.Background()
	camp := uuid.New().String()

	// A delayed job whose event (and marker) was lost entirely.
	_, err := q.Add(ctx, queue.JobData{CampaignID: camp, ContactID: uuid.New().String(), PhoneNumber: "+15550001111", Priority: 1}, queue.AddOptions{Priority: 1})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	// A listed job whose marker merely expired: must not be pushed again.
	listed, _ := q.Add(ctx, queue.JobData{CampaignID: camp, ContactID: uuid.New().String(), PhoneNumber: "+15550002222"}, queue.AddOptions{})
	coord.PushWaitlist(ctx, camp, listed.ID, coordinator.PriorityNormal, time.Second)
	mr.FastForward(2 * time.Second)

	r.repairQueueSync(ctx, camp)

	high, _ := coord.WaitlistDepth(ctx, camp, coordinator.PriorityHigh)
	if high != 1 {
		t.Errorf("high depth = %d, want 1 (lost event repaired)", high)
	}
	normal, _ := coord.WaitlistDepth(ctx, camp, coordinator.PriorityNormal)
	if normal != 1 {
		t.Errorf("normal depth = %d, want 1 (no duplicate push)", normal)
	}
}

func TestReconcileCounters_ForcesToLedger(t *testing.T) {
	_, coord, _, r := setupReconciler(t)
	ctx := context.Background()
	camp := uuid.New().String()

	// Drifted counter with an empty ledger.
	if err := coord.ForceReservedTo(ctx, camp, 7); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r.reconcileCounters(ctx, camp)

	reserved, _ := coord.Reserved(ctx, camp)
	if reserved != 0 {
		t.Errorf("reserved = %d, want 0 (forced to ledger)", reserved)
	}
}

func TestCheckInvariants_FlagsOrphanLeaseMember(t *testing.T) {
	mr, coord, _, r := setupReconciler(t)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 5)
	token, err := coord.AcquirePreDial(ctx, camp, "call-1", 5)
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}
	// The lease key expires; the set member lingers until the janitor runs.
	mr.FastForward(time.Minute)

	buf := captureLogs(t)
	r.checkInvariants(ctx, camp)

	if !strings.Contains(buf.String(), "lease member without live lease key") {
		t.Errorf("expected orphan member warning, got:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "admission gauges") {
		t.Errorf("expected gauge entry, got:\n%s", buf.String())
	}
	// The monitor only reports; the member is still there for the janitor.
	if n, _ := coord.LeaseCount(ctx, camp); n != 1 {
		t.Errorf("lease count = %d, want 1 (no repair)", n)
	}
}

func TestCheckInvariants_SaturationPagesOnlyWhenSustained(t *testing.T) {
	_, coord, _, r := setupReconciler(t)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 1)
	for i := 0; i < 3; i++ {
		token, err := coord.AcquirePreDial(ctx, camp, uuid.New().String(), 5)
		if err != nil || token == "" {
			t.Fatalf("seed lease %d: token=%q err=%v", i, token, err)
		}
	}

	buf := captureLogs(t)
	r.checkInvariants(ctx, camp)
	if !strings.Contains(buf.String(), "campaign saturation overshoot") {
		t.Errorf("expected overshoot warning, got:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "campaign saturation sustained") {
		t.Error("first overshoot must not page")
	}

	// Overshoot that has held past the paging window.
	r.mu.Lock()
	r.saturatedSince[camp] = time.Now().Add(-time.Minute)
	r.mu.Unlock()
	buf.Reset()

	r.checkInvariants(ctx, camp)
	if !strings.Contains(buf.String(), "campaign saturation sustained") {
		t.Errorf("expected sustained saturation page, got:\n%s", buf.String())
	}

	// Back under the threshold the clock resets.
	coord.SetLimit(ctx, camp, 50)
	r.checkInvariants(ctx, camp)
	r.mu.Lock()
	_, still := r.saturatedSince[camp]
	r.mu.Unlock()
	if still {
		t.Error("saturation clock should reset once the ratio recovers")
	}
}

func TestCheckInvariants_NudgesIdleCampaign(t *testing.T) {
	_, coord, _, r := setupReconciler(t)
	ctx := context.Background()
	camp := uuid.New().String()

	coord.SetLimit(ctx, camp, 5)
	coord.PushWaitlist(ctx, camp, queue.NewJobID(camp), coordinator.PriorityNormal, 30*time.Second)

	sub := coord.Redis().PSubscribe(ctx, coordinator.PatternSlotAvailable)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.checkInvariants(ctx, camp)

	select {
	case <-sub.Channel():
	case <-time.After(2 * time.Second):
		t.Error("expected slot-available nudge for idle campaign with waitlisted jobs")
	}
}
