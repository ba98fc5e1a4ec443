// Package campaign implements the campaign lifecycle: start, pause, resume,
// cancel, contact management and retry scheduling. It owns the handoff from
// the durable store into the queue and coordinator.
package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/pkg/distlock"
	"github.com/dialhq/dialcore/internal/queue"
	"github.com/dialhq/dialcore/internal/store"
)

// enqueueBatchSize bounds one enqueue page so a huge campaign never holds a
// connection for minutes.
const enqueueBatchSize = 100

// startLockTTL covers the status flip plus the first enqueue pages.
const startLockTTL = 30 * time.Second

// ErrNotStartable is returned when the status guard rejects a start.
var ErrNotStartable = fmt.Errorf("campaign: not in a startable state")

// ErrStartInProgress is returned when another process holds the start lock.
var ErrStartInProgress = fmt.Errorf("campaign: start already in progress")

// ErrNoContacts is returned when a campaign with zero contacts is started.
var ErrNoContacts = fmt.Errorf("campaign: no contacts to dial")

// ErrNotPausable is returned when the campaign is not active.
var ErrNotPausable = fmt.Errorf("campaign: not active")

// ErrNotCancellable is returned when the campaign is already terminal.
var ErrNotCancellable = fmt.Errorf("campaign: already terminal")

// Service drives campaign lifecycle transitions.
type Service struct {
	store *store.Store
	queue *queue.Queue
	coord *coordinator.Coordinator
	rdb   *redis.Client

	maxOutbound int
	dedupTTL    time.Duration
	coldStart   coordinator.ColdStartConfig
	offPeak     OffPeakWindow
}

// New creates the campaign service. maxOutbound is the system-wide ceiling a
// single campaign may not exceed.
func New(st *store.Store, q *queue.Queue, coord *coordinator.Coordinator, maxOutbound int, dedupTTL time.Duration, cold coordinator.ColdStartConfig, offPeak OffPeakWindow) *Service {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &Service{
		store:       st,
		queue:       q,
		coord:       coord,
		rdb:         coord.Redis(),
		maxOutbound: maxOutbound,
		dedupTTL:    dedupTTL,
		coldStart:   cold,
		offPeak:     offPeak,
	}
}

func (s *Service) effectiveConfiguredLimit(c *store.Campaign) int {
	limit := c.Settings.ConcurrentCallsLimit
	if s.maxOutbound > 0 && limit > s.maxOutbound {
		limit = s.maxOutbound
	}
	return limit
}

// Start activates a campaign: status flip under a distributed lock, ceiling
// and cold-start ramp into the coordinator, then the pending contacts onto
// the queue in pages.
func (s *Service) Start(ctx context.Context, campaignID uuid.UUID) error {
	lock := distlock.NewRedisLock(s.rdb, "campaign-start:"+campaignID.String(), startLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrStartInProgress
	}
	defer lock.Release(ctx)

	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.TotalContacts <= 0 {
		// Nothing would ever complete it; refuse rather than activate an
		// empty campaign that sits active forever.
		return ErrNoContacts
	}
	activated, err := s.store.ActivateCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !activated {
		return ErrNotStartable
	}

	limit := s.effectiveConfiguredLimit(c)
	if err := s.coord.SetLimit(ctx, campaignID.String(), limit); err != nil {
		return err
	}
	if err := s.coord.SetPaused(ctx, campaignID.String(), false); err != nil {
		return err
	}
	if err := s.coord.BeginColdStart(ctx, campaignID.String()); err != nil {
		return err
	}
	log.Printf("[Campaign] started %s (limit=%d)", campaignID, limit)

	return s.enqueuePending(ctx, c)
}

// enqueuePending pages through pending contacts and turns each into a
// delayed job. Contacts already seen within the dedup window are skipped.
func (s *Service) enqueuePending(ctx context.Context, c *store.Campaign) error {
	for {
		contacts, err := s.store.ListPendingContacts(ctx, c.ID, enqueueBatchSize, 0)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			return nil
		}

		queued := make([]uuid.UUID, 0, len(contacts))
		for _, contact := range contacts {
			dup, err := s.coord.MarkSeen(ctx, c.ID.String(), contact.ID.String(), s.dedupTTL)
			if err != nil {
				return err
			}
			if dup {
				// Seen within the window; mark queued so the page advances
				// but do not enqueue a second job.
				queued = append(queued, contact.ID)
				continue
			}
			if _, err := s.queue.Add(ctx, queue.JobData{
				CampaignID:  c.ID.String(),
				ContactID:   contact.ID.String(),
				PhoneNumber: contact.PhoneNumber,
				Priority:    contact.Priority,
				CustomData:  contact.CustomData,
			}, queue.AddOptions{Priority: contact.Priority}); err != nil {
				return err
			}
			queued = append(queued, contact.ID)
		}

		if err := s.store.MarkContactsQueued(ctx, queued); err != nil {
			return err
		}
		if err := s.store.IncrementCampaignCounter(ctx, c.ID, "queued_count", len(queued)); err != nil {
			return err
		}
	}
}

// Pause stops promotions immediately. In-flight calls run to completion; the
// paused marker gates both the promoter and the worker.
func (s *Service) Pause(ctx context.Context, campaignID uuid.UUID) error {
	paused, err := s.store.PauseCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !paused {
		return ErrNotPausable
	}
	if err := s.coord.SetPaused(ctx, campaignID.String(), true); err != nil {
		return err
	}
	log.Printf("[Campaign] paused %s", campaignID)
	return nil
}

// Resume re-activates a paused campaign. The ramp is not restarted: the
// campaign proved its limit before the pause.
func (s *Service) Resume(ctx context.Context, campaignID uuid.UUID) error {
	activated, err := s.store.ActivateCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !activated {
		return ErrNotStartable
	}
	if err := s.coord.SetPaused(ctx, campaignID.String(), false); err != nil {
		return err
	}
	log.Printf("[Campaign] resumed %s", campaignID)
	return nil
}

// Cancel tears a campaign down: status flip, queue drain, remaining contacts
// skipped, coordinator state cleared. Live leases are left to expire so
// connected calls are not cut off.
func (s *Service) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	cancelled, err := s.store.CancelCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !cancelled {
		return ErrNotCancellable
	}

	id := campaignID.String()
	removed, err := s.queue.RemoveCampaignJobs(ctx, id)
	if err != nil {
		log.Printf("[Campaign] cancel %s: queue drain failed: %v", campaignID, err)
	}
	skipped, err := s.store.SkipRemainingContacts(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := s.coord.ClearCampaign(ctx, id); err != nil {
		return err
	}
	log.Printf("[Campaign] cancelled %s (jobs removed=%d, contacts skipped=%d)", campaignID, removed, skipped)
	return nil
}

// AddContacts inserts contacts and, when the campaign is already active,
// enqueues the new ones right away.
func (s *Service) AddContacts(ctx context.Context, campaignID uuid.UUID, contacts []*store.CampaignContact) (int, error) {
	inserted, err := s.store.AddContacts(ctx, campaignID, contacts)
	if err != nil {
		return inserted, err
	}
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return inserted, err
	}
	if c.Status == store.CampaignActive {
		if err := s.enqueuePending(ctx, c); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// RetryFailed re-queues failed contacts still under the campaign's retry
// budget. The contacts are stamped with a retry time (shifted into the
// off-peak window when one is configured); the scheduler enqueues them when
// that time arrives.
func (s *Service) RetryFailed(ctx context.Context, campaignID uuid.UUID) (int, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !c.Settings.RetryFailedCalls {
		return 0, nil
	}
	maxRetries := c.Settings.MaxRetryAttempts
	if maxRetries <= 0 {
		maxRetries = 1
	}

	contacts, err := s.store.ListRetryableContacts(ctx, campaignID, maxRetries, c.Settings.ExcludeVoicemail, enqueueBatchSize)
	if err != nil {
		return 0, err
	}

	delay := time.Duration(c.Settings.RetryDelayMinutes) * time.Minute
	scheduled := 0
	for _, contact := range contacts {
		when := s.offPeak.NextRetryTime(time.Now().Add(delay))
		if err := s.store.BumpContactRetry(ctx, contact.ID, when); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		log.Printf("[Campaign] scheduled %d retries for %s", scheduled, campaignID)
	}
	return scheduled, nil
}

// ScheduleRetry stamps a single contact for retry after a failed call. Used
// by the webhook handler; same off-peak shifting as RetryFailed.
func (s *Service) ScheduleRetry(ctx context.Context, c *store.Campaign, contactID uuid.UUID) (bool, error) {
	maxRetries := c.Settings.MaxRetryAttempts
	if maxRetries <= 0 {
		maxRetries = 1
	}
	n, err := s.store.ContactRetryCount(ctx, contactID)
	if err != nil {
		return false, err
	}
	if n >= maxRetries {
		return false, nil
	}
	delay := time.Duration(c.Settings.RetryDelayMinutes) * time.Minute
	when := s.offPeak.NextRetryTime(time.Now().Add(delay))
	return true, s.store.BumpContactRetry(ctx, contactID, when)
}

// EnqueueDueRetries turns due retry stamps into queue jobs for one campaign.
// Retries bypass the seen-set: the contact was dialed before by definition.
func (s *Service) EnqueueDueRetries(ctx context.Context, campaignID uuid.UUID) (int, error) {
	contacts, err := s.store.ListDueRetryContacts(ctx, campaignID, time.Now(), enqueueBatchSize)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, contact := range contacts {
		if _, err := s.queue.Add(ctx, queue.JobData{
			CampaignID:  campaignID.String(),
			ContactID:   contact.ID.String(),
			PhoneNumber: contact.PhoneNumber,
			Priority:    contact.Priority,
			CustomData:  contact.CustomData,
		}, queue.AddOptions{Priority: contact.Priority}); err != nil {
			return enqueued, err
		}
		if err := s.store.MarkRetryScheduled(ctx, contact.ID); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// UpdateConcurrency changes a campaign's concurrency ceiling live. Takes
// effect on the next promotion cycle; excess leases drain naturally.
func (s *Service) UpdateConcurrency(ctx context.Context, campaignID uuid.UUID, limit int) (int, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}
	if s.maxOutbound > 0 && limit > s.maxOutbound {
		limit = s.maxOutbound
	}
	if err := s.store.UpdateConcurrencyLimit(ctx, campaignID, limit); err != nil {
		return 0, err
	}
	if err := s.coord.SetLimit(ctx, campaignID.String(), limit); err != nil {
		return 0, err
	}
	log.Printf("[Campaign] concurrency for %s set to %d", campaignID, limit)
	return limit, nil
}
