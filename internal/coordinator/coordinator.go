// Package coordinator owns the ephemeral per-campaign state that enforces
// admission control: the lease set, the reserved counter and its ledger, the
// priority waitlists, the promotion gate, and the cold-start ramp. All
// mutations are single Lua scripts over {campaignId}-hash-tagged keys.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PreDialTTL is the initial TTL of a pre-dial lease.
	PreDialTTL = 20 * time.Second
	// PreDialCap is the cumulative lifetime cap of a pre-dial lease.
	PreDialCap = 45 * time.Second
	// ActiveTTL is the TTL of an active lease; webhooks release it long
	// before expiry, the TTL only bounds runaway calls.
	ActiveTTL = 200 * time.Second
)

// Coordinator wraps the Redis client with the pre-compiled atomic scripts.
type Coordinator struct {
	rdb *redis.Client

	popReservePromote *redis.Script
	acquirePre        *redis.Script
	renewPre          *redis.Script
	upgradeActive     *redis.Script
	releaseSlot       *redis.Script
	claimReservation  *redis.Script
	recoverOrphans    *redis.Script
	decrReserved      *redis.Script
	pushWaitlist      *redis.Script
}

// New creates a Coordinator with pre-compiled Lua scripts.
func New(rdb *redis.Client) *Coordinator {
	return &Coordinator{
		rdb:               rdb,
		popReservePromote: redis.NewScript(popReservePromoteLua),
		acquirePre:        redis.NewScript(acquirePreLua),
		renewPre:          redis.NewScript(renewPreLua),
		upgradeActive:     redis.NewScript(upgradeToActiveLua),
		releaseSlot:       redis.NewScript(releaseSlotLua),
		claimReservation:  redis.NewScript(claimReservationLua),
		recoverOrphans:    redis.NewScript(recoverOrphansLua),
		decrReserved:      redis.NewScript(decrReservedLua),
		pushWaitlist:      redis.NewScript(pushWaitlistLua),
	}
}

// Redis exposes the underlying client for components that share the
// connection (queue, pub/sub subscribers, distributed locks).
func (c *Coordinator) Redis() *redis.Client { return c.rdb }

// LedgerEntry is one popped-but-not-yet-leased job in the reservation ledger.
type LedgerEntry struct {
	Origin string // "H" or "N"
	JobID  string
}

// Promotion is the result of one pop_reserve_promote call.
type Promotion struct {
	Count   int
	Seq     int64
	Entries []LedgerEntry
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func parseLedgerEntry(raw string) (LedgerEntry, error) {
	i := strings.IndexByte(raw, ':')
	if i != 1 {
		return LedgerEntry{}, fmt.Errorf("malformed ledger entry %q", raw)
	}
	return LedgerEntry{Origin: raw[:1], JobID: raw[2:]}, nil
}

// PopReservePromote atomically reserves up to batchSize slots under limit
// and pops that many job ids off the waitlists. The returned Seq must be
// stamped onto every promoted job.
func (c *Coordinator) PopReservePromote(ctx context.Context, campaignID string, limit, batchSize int) (*Promotion, error) {
	keys := []string{
		keyLeases(campaignID),
		keyReserved(campaignID),
		keyLedger(campaignID),
		keyWaitlistHigh(campaignID),
		keyWaitlistNormal(campaignID),
		keyPromoteGate(campaignID),
	}
	raw, err := c.popReservePromote.Run(ctx, c.rdb, keys,
		limit, batchSize, time.Now().UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("pop_reserve_promote: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("pop_reserve_promote: short reply (%d values)", len(raw))
	}

	p := &Promotion{
		Count: int(raw[0].(int64)),
		Seq:   raw[1].(int64),
	}
	for _, v := range raw[2:] {
		entry, err := parseLedgerEntry(v.(string))
		if err != nil {
			return nil, err
		}
		p.Entries = append(p.Entries, entry)
	}
	return p, nil
}

// AcquirePreDial reserves a pre-dial lease for callID. Returns the lease
// token, or "" when the campaign is at capacity.
func (c *Coordinator) AcquirePreDial(ctx context.Context, campaignID, callID string, limit int) (string, error) {
	member := PreDialMember(callID)
	token := newToken()
	keys := []string{
		keyLeases(campaignID),
		keyReserved(campaignID),
		keyLease(campaignID, member),
		keyLeaseBorn(campaignID, member),
	}
	ok, err := c.acquirePre.Run(ctx, c.rdb, keys,
		member, token, limit, int(PreDialTTL.Seconds()), time.Now().UnixMilli()).Int()
	if err != nil {
		return "", fmt.Errorf("acquire_pre: %w", err)
	}
	if ok != 1 {
		return "", nil
	}
	return token, nil
}

// RenewPreDial extends a pre-dial lease up to the cumulative cap. Returns
// false on token mismatch, expiry, or cap reached.
func (c *Coordinator) RenewPreDial(ctx context.Context, campaignID, callID, token string) (bool, error) {
	member := PreDialMember(callID)
	keys := []string{keyLease(campaignID, member), keyLeaseBorn(campaignID, member)}
	ok, err := c.renewPre.Run(ctx, c.rdb, keys,
		token, time.Now().UnixMilli(), int(PreDialCap.Seconds()), int(PreDialTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("renew_pre: %w", err)
	}
	return ok == 1, nil
}

// UpgradeToActive swaps the pre-dial lease for an active lease in one
// script. Returns the active token, or "" on mismatch/expired pre-dial.
func (c *Coordinator) UpgradeToActive(ctx context.Context, campaignID, callID, preToken string) (string, error) {
	preMember := PreDialMember(callID)
	activeToken := newToken()
	keys := []string{
		keyLeases(campaignID),
		keyLease(campaignID, preMember),
		keyLeaseBorn(campaignID, preMember),
		keyLease(campaignID, callID),
	}
	ok, err := c.upgradeActive.Run(ctx, c.rdb, keys,
		preMember, callID, preToken, activeToken, int(ActiveTTL.Seconds())).Int()
	if err != nil {
		return "", fmt.Errorf("upgrade_to_active: %w", err)
	}
	if ok != 1 {
		return "", nil
	}
	return activeToken, nil
}

// ReleaseSlot frees a lease. A token mismatch is reported but is not an
// error (double releases from webhook + retry races are expected). When
// publish is true and the slot was actually freed, a slot-available message
// wakes the promoter.
func (c *Coordinator) ReleaseSlot(ctx context.Context, campaignID, callID, token string, isPreDial, publish bool) (bool, error) {
	member := callID
	if isPreDial {
		member = PreDialMember(callID)
	}
	keys := []string{
		keyLeases(campaignID),
		keyLease(campaignID, member),
		keyLeaseBorn(campaignID, member),
	}
	res, err := c.releaseSlot.Run(ctx, c.rdb, keys, member, token).Int()
	if err != nil {
		return false, fmt.Errorf("release_slot: %w", err)
	}
	if res == -1 {
		// Stale token; the lease belongs to a newer attempt.
		return false, nil
	}
	if publish && res == 1 {
		c.rdb.Publish(ctx, ChannelSlotAvailable(campaignID), "")
	}
	return res == 1, nil
}

// ClaimReservation settles a promoted job's slot reservation. Called exactly
// once per promoted job at the earliest of: lease acquired, promotion
// failed, or job abandoned. Safe to call again; only the first claim counts.
func (c *Coordinator) ClaimReservation(ctx context.Context, campaignID, jobID string) (bool, error) {
	keys := []string{keyReserved(campaignID), keyLedger(campaignID)}
	n, err := c.claimReservation.Run(ctx, c.rdb, keys, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("claim_reservation: %w", err)
	}
	return n == 1, nil
}

// RecoverOrphanedReservations pushes ledger entries older than maxAge back
// onto their origin waitlists and settles their reservations. Returns the
// number recovered.
func (c *Coordinator) RecoverOrphanedReservations(ctx context.Context, campaignID string, maxAge time.Duration, maxEntries int) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	keys := []string{
		keyLedger(campaignID),
		keyReserved(campaignID),
		keyWaitlistHigh(campaignID),
		keyWaitlistNormal(campaignID),
	}
	n, err := c.recoverOrphans.Run(ctx, c.rdb, keys, cutoff, maxEntries).Int()
	if err != nil {
		return 0, fmt.Errorf("recover_orphans: %w", err)
	}
	return n, nil
}

// ForceReservedTo forces the reserved counter down to target (the ledger
// size). Used only by the counter reconciler; the ledger is source of truth.
func (c *Coordinator) ForceReservedTo(ctx context.Context, campaignID string, target int64) error {
	cur, err := c.Reserved(ctx, campaignID)
	if err != nil {
		return err
	}
	if cur <= target {
		if cur < target {
			// Counter under-counts: raise it. INCRBY is safe, the ledger
			// cannot shrink concurrently below target without a claim that
			// would also decrement the counter.
			return c.rdb.IncrBy(ctx, keyReserved(campaignID), target-cur).Err()
		}
		return nil
	}
	_, err = c.decrReserved.Run(ctx, c.rdb, []string{keyReserved(campaignID)}, cur-target).Int()
	return err
}

// Gauges and simple keys.

// Limit reads the campaign's configured concurrency ceiling.
func (c *Coordinator) Limit(ctx context.Context, campaignID string) (int, error) {
	n, err := c.rdb.Get(ctx, keyLimit(campaignID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// SetLimit writes the campaign's concurrency ceiling. Live-mutable.
func (c *Coordinator) SetLimit(ctx context.Context, campaignID string, limit int) error {
	return c.rdb.Set(ctx, keyLimit(campaignID), limit, 0).Err()
}

// LeaseCount returns |leases|.
func (c *Coordinator) LeaseCount(ctx context.Context, campaignID string) (int64, error) {
	return c.rdb.SCard(ctx, keyLeases(campaignID)).Result()
}

// LeaseMembers returns all outstanding lease members.
func (c *Coordinator) LeaseMembers(ctx context.Context, campaignID string) ([]string, error) {
	return c.rdb.SMembers(ctx, keyLeases(campaignID)).Result()
}

// LeaseAlive reports whether a member's lease key still exists.
func (c *Coordinator) LeaseAlive(ctx context.Context, campaignID, member string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keyLease(campaignID, member)).Result()
	return n == 1, err
}

// RemoveLeaseMember drops a member from the leases set (janitor only).
func (c *Coordinator) RemoveLeaseMember(ctx context.Context, campaignID, member string) error {
	return c.rdb.SRem(ctx, keyLeases(campaignID), member).Err()
}

// Reserved returns the reserved counter.
func (c *Coordinator) Reserved(ctx context.Context, campaignID string) (int64, error) {
	n, err := c.rdb.Get(ctx, keyReserved(campaignID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// LedgerSize returns |reserved:ledger|.
func (c *Coordinator) LedgerSize(ctx context.Context, campaignID string) (int64, error) {
	return c.rdb.ZCard(ctx, keyLedger(campaignID)).Result()
}

// PromoteGate returns the current promotion sequence.
func (c *Coordinator) PromoteGate(ctx context.Context, campaignID string) (int64, error) {
	n, err := c.rdb.Get(ctx, keyPromoteGate(campaignID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// SetPaused sets or clears the campaign's paused marker.
func (c *Coordinator) SetPaused(ctx context.Context, campaignID string, paused bool) error {
	if paused {
		return c.rdb.Set(ctx, keyPaused(campaignID), "1", 0).Err()
	}
	return c.rdb.Del(ctx, keyPaused(campaignID)).Err()
}

// Paused reports whether the campaign's paused marker is set.
func (c *Coordinator) Paused(ctx context.Context, campaignID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keyPaused(campaignID)).Result()
	return n == 1, err
}

// ActiveTokenTTL returns the remaining TTL of an active lease, for
// observability. Zero when the lease is gone.
func (c *Coordinator) ActiveTokenTTL(ctx context.Context, campaignID, callID string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, keyLease(campaignID, callID)).Result()
	if err != nil || d < 0 {
		return 0, err
	}
	return d, nil
}

// ClearCampaign removes all coordinator keys of a campaign. Called on
// cancel/complete; live leases are left to expire so in-flight calls finish.
func (c *Coordinator) ClearCampaign(ctx context.Context, campaignID string) error {
	return c.rdb.Del(ctx,
		keyLimit(campaignID),
		keyReserved(campaignID),
		keyLedger(campaignID),
		keyWaitlistHigh(campaignID),
		keyWaitlistNormal(campaignID),
		keyWaitlistSeen(campaignID),
		keyPromoteGate(campaignID),
		keyColdStart(campaignID),
		keyColdStartSuccesses(campaignID),
		keyPaused(campaignID),
		keyCircuit(campaignID),
	).Err()
}
