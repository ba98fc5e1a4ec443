// Package queue implements the deferred job queue: one job per dial attempt,
// parked in a delayed set with a long default delay so admission is owned by
// the promoter rather than by queue readiness. Lifecycle events fan out over
// pub/sub; dropped events are repaired by the queue reconciler.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// State is the lifecycle state of a job.
type State string

const (
	StateDelayed   State = "delayed"
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStalled   State = "stalled"
)

// DefaultDelay parks new jobs far in the future. Jobs never become waiting
// on their own; only the promoter moves them.
const DefaultDelay = 24 * time.Hour

// MaxAttempts bounds worker retries before a job is dead-lettered.
const MaxAttempts = 3

// PromoteSeqSentinel marks a job hard-synced back to the waitlist after
// repeated stale-gate rejections.
const PromoteSeqSentinel = -1

// ErrJobNotFound is returned when a job id resolves to nothing.
var ErrJobNotFound = fmt.Errorf("queue: job not found")

// ErrNotDelayed is returned by Promote when the job is not in delayed state.
var ErrNotDelayed = fmt.Errorf("queue: job not in delayed state")

// JobData is the payload of one dial attempt.
type JobData struct {
	CampaignID  string            `json:"campaignId"`
	ContactID   string            `json:"contactId"`
	PhoneNumber string            `json:"phoneNumber"`
	Priority    int               `json:"priority"`
	CustomData  map[string]string `json:"customData,omitempty"`
}

// Job is a queue-resident unit of work.
type Job struct {
	ID         string
	CampaignID string
	Data       JobData
	Priority   int
	DeliverAt  time.Time
	PromoteSeq int64
	PromotedAt int64 // epoch ms, 0 when never promoted
	Attempts   int
	State      State
}

// NewJobID mints a job id carrying the campaign id, so every queue operation
// can address the campaign's hash-tagged keys from the id alone.
func NewJobID(campaignID string) string {
	return campaignID + ":" + uuid.New().String()
}

// CampaignOf extracts the campaign id from a job id.
func CampaignOf(jobID string) (string, error) {
	i := strings.LastIndexByte(jobID, ':')
	if i <= 0 {
		return "", fmt.Errorf("queue: malformed job id %q", jobID)
	}
	return jobID[:i], nil
}

func keyJob(campaignID, jobID string) string {
	return fmt.Sprintf("queue:{%s}:job:%s", campaignID, jobID)
}

func keyDelayed(campaignID string) string {
	return fmt.Sprintf("queue:{%s}:delayed", campaignID)
}

func keyWaiting(campaignID string) string {
	return fmt.Sprintf("queue:{%s}:waiting", campaignID)
}

func keyDead(campaignID string) string {
	return fmt.Sprintf("queue:{%s}:dead", campaignID)
}

// promoteLua moves a delayed job to waiting.
// KEYS: delayed zset, waiting list, job hash. ARGV: job id.
const promoteLua = `
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[3], "state", "waiting")
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`

// popWaitingLua pops the next waiting job and marks it active.
// KEYS: waiting list. ARGV: campaign key prefix not needed; job key built in Go.
const popWaitingLua = `
local id = redis.call("LPOP", KEYS[1])
if not id then
    return false
end
return id
`

// moveToDelayedLua re-parks a job.
// KEYS: waiting list, delayed zset, job hash. ARGV: job id, deliverAt ms.
const moveToDelayedLua = `
redis.call("LREM", KEYS[1], 0, ARGV[1])
redis.call("HSET", KEYS[3], "state", "delayed", "deliverAt", ARGV[2])
redis.call("ZADD", KEYS[2], tonumber(ARGV[2]), ARGV[1])
return 1
`

// Queue is the Redis-backed deferred job broker.
type Queue struct {
	rdb *redis.Client

	promoteScript       *redis.Script
	moveToDelayedScript *redis.Script
}

// New creates a Queue.
func New(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:                 rdb,
		promoteScript:       redis.NewScript(promoteLua),
		moveToDelayedScript: redis.NewScript(moveToDelayedLua),
	}
}

// AddOptions control enqueue behaviour.
type AddOptions struct {
	JobID    string
	Priority int
	Delay    time.Duration // 0 means DefaultDelay
}

// Add enqueues one job in delayed state and emits a delayed event.
func (q *Queue) Add(ctx context.Context, data JobData, opts AddOptions) (*Job, error) {
	if opts.JobID == "" {
		opts.JobID = NewJobID(data.CampaignID)
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	deliverAt := time.Now().Add(delay)

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal job data: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(data.CampaignID, opts.JobID),
		"data", payload,
		"state", string(StateDelayed),
		"priority", opts.Priority,
		"deliverAt", deliverAt.UnixMilli(),
		"promoteSeq", 0,
		"promotedAt", 0,
		"attempts", 0,
	)
	pipe.ZAdd(ctx, keyDelayed(data.CampaignID), redis.Z{
		Score:  float64(deliverAt.UnixMilli()),
		Member: opts.JobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: add job: %w", err)
	}

	job := &Job{
		ID:         opts.JobID,
		CampaignID: data.CampaignID,
		Data:       data,
		Priority:   opts.Priority,
		DeliverAt:  deliverAt,
		State:      StateDelayed,
	}
	q.publish(ctx, Event{Type: EventDelayed, CampaignID: data.CampaignID, JobID: job.ID, Priority: opts.Priority})
	return job, nil
}

// AddBulk enqueues many jobs; events are emitted per job.
func (q *Queue) AddBulk(ctx context.Context, datas []JobData, priority int, delay time.Duration) ([]*Job, error) {
	jobs := make([]*Job, 0, len(datas))
	for _, d := range datas {
		job, err := q.Add(ctx, d, AddOptions{Priority: priority, Delay: delay})
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetJob loads a job by id.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return nil, err
	}
	fields, err := q.rdb.HGetAll(ctx, keyJob(campaignID, jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromFields(jobID, campaignID, fields)
}

func jobFromFields(jobID, campaignID string, fields map[string]string) (*Job, error) {
	job := &Job{ID: jobID, CampaignID: campaignID, State: State(fields["state"])}
	if err := json.Unmarshal([]byte(fields["data"]), &job.Data); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job data: %w", err)
	}
	fmt.Sscanf(fields["priority"], "%d", &job.Priority)
	fmt.Sscanf(fields["attempts"], "%d", &job.Attempts)
	fmt.Sscanf(fields["promoteSeq"], "%d", &job.PromoteSeq)
	fmt.Sscanf(fields["promotedAt"], "%d", &job.PromotedAt)
	var deliverMs int64
	fmt.Sscanf(fields["deliverAt"], "%d", &deliverMs)
	job.DeliverAt = time.UnixMilli(deliverMs)
	return job, nil
}

// GetState returns just the job's state.
func (q *Queue) GetState(ctx context.Context, jobID string) (State, error) {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return "", err
	}
	s, err := q.rdb.HGet(ctx, keyJob(campaignID, jobID), "state").Result()
	if err == redis.Nil {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", err
	}
	return State(s), nil
}

// StampPromotion rewrites a job's promotion sequence and timestamp. Called
// by the promoter between pop_reserve_promote and Promote.
func (q *Queue) StampPromotion(ctx context.Context, jobID string, seq int64, promotedAt time.Time) error {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return err
	}
	n, err := q.rdb.Exists(ctx, keyJob(campaignID, jobID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return q.rdb.HSet(ctx, keyJob(campaignID, jobID),
		"promoteSeq", seq, "promotedAt", promotedAt.UnixMilli()).Err()
}

// BumpGateRepairs increments a job's stale-gate repair counter and returns
// the new value.
func (q *Queue) BumpGateRepairs(ctx context.Context, jobID string) (int, error) {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return 0, err
	}
	n, err := q.rdb.HIncrBy(ctx, keyJob(campaignID, jobID), "gateRepairs", 1).Result()
	return int(n), err
}

// Promote moves a delayed job to waiting and emits a waiting event.
func (q *Queue) Promote(ctx context.Context, jobID string) error {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return err
	}
	keys := []string{keyDelayed(campaignID), keyWaiting(campaignID), keyJob(campaignID, jobID)}
	n, err := q.promoteScript.Run(ctx, q.rdb, keys, jobID).Int()
	if err != nil {
		return fmt.Errorf("queue: promote: %w", err)
	}
	if n == 0 {
		return ErrNotDelayed
	}
	q.publish(ctx, Event{Type: EventWaiting, CampaignID: campaignID, JobID: jobID})
	return nil
}

// PopWaiting pops the next waiting job for a campaign, marks it active and
// bumps its attempt counter. Returns nil when the list is empty.
func (q *Queue) PopWaiting(ctx context.Context, campaignID string) (*Job, error) {
	jobID, err := q.rdb.LPop(ctx, keyWaiting(campaignID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(campaignID, jobID), "state", string(StateActive))
	pipe.HIncrBy(ctx, keyJob(campaignID, jobID), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	q.publish(ctx, Event{Type: EventActive, CampaignID: campaignID, JobID: jobID})

	job, err := q.GetJob(ctx, jobID)
	if err == ErrJobNotFound {
		// Popped a ghost id (compactor raced a removal); skip it.
		return nil, nil
	}
	return job, err
}

// RefundAttempt rolls back the attempt counter bumped by PopWaiting. Used
// when the worker gives a job back without ever reaching the carrier, so
// admission bounces do not eat into the retry budget.
func (q *Queue) RefundAttempt(ctx context.Context, jobID string) error {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return err
	}
	n, err := q.rdb.Exists(ctx, keyJob(campaignID, jobID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return q.rdb.HIncrBy(ctx, keyJob(campaignID, jobID), "attempts", -1).Err()
}

// MoveToDelayed re-parks a job for a later attempt and emits delayed.
func (q *Queue) MoveToDelayed(ctx context.Context, jobID string, when time.Time) error {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return err
	}
	keys := []string{keyWaiting(campaignID), keyDelayed(campaignID), keyJob(campaignID, jobID)}
	if _, err := q.moveToDelayedScript.Run(ctx, q.rdb, keys, jobID, when.UnixMilli()).Result(); err != nil {
		return fmt.Errorf("queue: move to delayed: %w", err)
	}
	job, err := q.GetJob(ctx, jobID)
	priority := 0
	if err == nil {
		priority = job.Priority
	}
	q.publish(ctx, Event{Type: EventDelayed, CampaignID: campaignID, JobID: jobID, Priority: priority})
	return nil
}

// Complete marks a job completed.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, StateCompleted, EventCompleted)
}

// Fail marks a job failed and dead-letters it.
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return err
	}
	q.rdb.RPush(ctx, keyDead(campaignID), jobID)
	return q.finish(ctx, jobID, StateFailed, EventFailed)
}

// MarkStalled flags a job whose worker went silent.
func (q *Queue) MarkStalled(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, StateStalled, EventStalled)
}

func (q *Queue) finish(ctx context.Context, jobID string, state State, evt EventType) error {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keyJob(campaignID, jobID), "state", string(state))
	pipe.ZRem(ctx, keyDelayed(campaignID), jobID)
	pipe.LRem(ctx, keyWaiting(campaignID), 0, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	q.publish(ctx, Event{Type: evt, CampaignID: campaignID, JobID: jobID})
	return nil
}

// Remove deletes a job entirely (campaign cancel). Best-effort.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	campaignID, err := CampaignOf(jobID)
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, keyJob(campaignID, jobID))
	pipe.ZRem(ctx, keyDelayed(campaignID), jobID)
	pipe.LRem(ctx, keyWaiting(campaignID), 0, jobID)
	pipe.LRem(ctx, keyDead(campaignID), 0, jobID)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveCampaignJobs removes every delayed, waiting and dead job of a
// campaign. Returns the count removed.
func (q *Queue) RemoveCampaignJobs(ctx context.Context, campaignID string) (int, error) {
	removed := 0
	delayed, err := q.rdb.ZRange(ctx, keyDelayed(campaignID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	waiting, err := q.rdb.LRange(ctx, keyWaiting(campaignID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	dead, err := q.rdb.LRange(ctx, keyDead(campaignID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range append(append(delayed, waiting...), dead...) {
		if err := q.Remove(ctx, id); err == nil {
			removed++
		}
	}
	return removed, nil
}

// DelayedSample returns up to n delayed job ids, oldest deliverAt first.
// Used by the queue reconciler.
func (q *Queue) DelayedSample(ctx context.Context, campaignID string, n int64) ([]string, error) {
	return q.rdb.ZRange(ctx, keyDelayed(campaignID), 0, n-1).Result()
}

// Counts returns (delayed, waiting) depths for a campaign.
func (q *Queue) Counts(ctx context.Context, campaignID string) (int64, int64, error) {
	delayed, err := q.rdb.ZCard(ctx, keyDelayed(campaignID)).Result()
	if err != nil {
		return 0, 0, err
	}
	waiting, err := q.rdb.LLen(ctx, keyWaiting(campaignID)).Result()
	return delayed, waiting, err
}
