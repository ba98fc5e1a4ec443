package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Priority selects which waitlist a job lands on.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

func (c *Coordinator) waitlistKey(campaignID string, p Priority) string {
	if p == PriorityHigh {
		return keyWaitlistHigh(campaignID)
	}
	return keyWaitlistNormal(campaignID)
}

// PushWaitlist appends a job id to the campaign's priority waitlist, guarded
// by the per-job marker so duplicate delayed events push at most once per
// marker window. Returns true if the id was actually pushed.
func (c *Coordinator) PushWaitlist(ctx context.Context, campaignID, jobID string, p Priority, markerTTL time.Duration) (bool, error) {
	keys := []string{c.waitlistKey(campaignID, p), keyWaitlistMarker(campaignID, jobID)}
	n, err := c.pushWaitlist.Run(ctx, c.rdb, keys, jobID, int(markerTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("push_waitlist: %w", err)
	}
	return n == 1, nil
}

// RequeueForGateRepair pushes a job id back to the tail of the normal
// waitlist after repeated stale-gate rejections. No marker guard: the
// promoter stamped the sentinel seq, the id is known absent from the lists.
func (c *Coordinator) RequeueForGateRepair(ctx context.Context, campaignID, jobID string) error {
	return c.rdb.RPush(ctx, keyWaitlistNormal(campaignID), jobID).Err()
}

// DeleteMarker removes a job's waitlist marker. Called on every lifecycle
// event past delayed so a re-delayed job can be re-pushed.
func (c *Coordinator) DeleteMarker(ctx context.Context, campaignID, jobID string) error {
	return c.rdb.Del(ctx, keyWaitlistMarker(campaignID, jobID)).Err()
}

// MarkerExists reports whether a job's waitlist marker is present.
func (c *Coordinator) MarkerExists(ctx context.Context, campaignID, jobID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keyWaitlistMarker(campaignID, jobID)).Result()
	return n == 1, err
}

// MarkSeen adds a contact id to the dedup set. Returns true if the contact
// was already seen (duplicate enqueue).
func (c *Coordinator) MarkSeen(ctx context.Context, campaignID, contactID string, ttl time.Duration) (bool, error) {
	added, err := c.rdb.SAdd(ctx, keyWaitlistSeen(campaignID), contactID).Result()
	if err != nil {
		return false, err
	}
	// Refresh the window on every enqueue batch.
	c.rdb.Expire(ctx, keyWaitlistSeen(campaignID), ttl)
	return added == 0, nil
}

// WaitlistDepth returns the length of one priority list.
func (c *Coordinator) WaitlistDepth(ctx context.Context, campaignID string, p Priority) (int64, error) {
	return c.rdb.LLen(ctx, c.waitlistKey(campaignID, p)).Result()
}

// WaitlistSample returns up to n job ids from the head of a priority list
// without popping them. Used by the compactor.
func (c *Coordinator) WaitlistSample(ctx context.Context, campaignID string, p Priority, n int64) ([]string, error) {
	return c.rdb.LRange(ctx, c.waitlistKey(campaignID, p), 0, n-1).Result()
}

// WaitlistContains reports whether a job id sits on either priority list.
// Used by the queue reconciler before repairing a missing marker.
func (c *Coordinator) WaitlistContains(ctx context.Context, campaignID, jobID string) (bool, error) {
	for _, key := range []string{keyWaitlistHigh(campaignID), keyWaitlistNormal(campaignID)} {
		_, err := c.rdb.LPos(ctx, key, jobID, redis.LPosArgs{}).Result()
		if err == nil {
			return true, nil
		}
		if err != redis.Nil {
			return false, err
		}
	}
	return false, nil
}

// WaitlistRemove removes every occurrence of a job id from a priority list.
func (c *Coordinator) WaitlistRemove(ctx context.Context, campaignID string, p Priority, jobID string) (int64, error) {
	return c.rdb.LRem(ctx, c.waitlistKey(campaignID, p), 0, jobID).Result()
}

// SubscribeSlotAvailable pattern-subscribes to slot-available messages for
// all campaigns. The caller owns the returned PubSub.
func (c *Coordinator) SubscribeSlotAvailable(ctx context.Context) *redis.PubSub {
	return c.rdb.PSubscribe(ctx, PatternSlotAvailable)
}
