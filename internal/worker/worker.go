// Package worker consumes waiting jobs and dials them: pre-dial lease,
// carrier initiation, upgrade to active. Everything after the upgrade belongs
// to the webhook handler.
package worker

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dialhq/dialcore/internal/carrier"
	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/queue"
	"github.com/dialhq/dialcore/internal/store"
)

const (
	pollInterval   = time.Second
	heartbeatEvery = 10 * time.Second
	connectWait    = time.Second
	connectStep    = 250 * time.Millisecond
	retryBackoff   = 30 * time.Second

	// maxGateRepairs bounds how often one job may bounce off a stale gate
	// before it is hard-synced back onto the waitlist.
	maxGateRepairs = 5
)

// Worker dials waiting jobs one at a time. Exactly one instance in the fleet
// runs it; promoters and reconcilers run everywhere.
type Worker struct {
	store   *store.Store
	queue   *queue.Queue
	coord   *coordinator.Coordinator
	carrier carrier.Carrier

	cold            coordinator.ColdStartConfig
	staleGateMaxLag int64
	staleGateMaxAge time.Duration
}

// New creates a Worker.
func New(st *store.Store, q *queue.Queue, coord *coordinator.Coordinator, car carrier.Carrier, cold coordinator.ColdStartConfig, staleGateMaxLag int, staleGateMaxAge time.Duration) *Worker {
	if staleGateMaxLag <= 0 {
		staleGateMaxLag = 3
	}
	if staleGateMaxAge <= 0 {
		staleGateMaxAge = 15 * time.Second
	}
	return &Worker{
		store:           st,
		queue:           q,
		coord:           coord,
		carrier:         car,
		cold:            cold,
		staleGateMaxLag: int64(staleGateMaxLag),
		staleGateMaxAge: staleGateMaxAge,
	}
}

// Run polls the waiting lists of active campaigns until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[Worker] dialing worker started")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker] dialing worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	campaigns, err := w.store.ListActiveCampaigns(ctx, 100)
	if err != nil {
		log.Printf("[Worker] list active campaigns failed: %v", err)
		return
	}
	for _, c := range campaigns {
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := w.queue.PopWaiting(ctx, c.ID.String())
			if err != nil {
				log.Printf("[Worker] pop for %s failed: %v", c.ID, err)
				break
			}
			if job == nil {
				break
			}
			w.process(ctx, job)
		}
	}
}

// process runs one dial attempt end to end. The job's slot reservation is
// settled exactly once on every path out of here.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	campaignID := job.CampaignID

	paused, err := w.coord.Paused(ctx, campaignID)
	if err != nil {
		log.Printf("[Worker] paused check failed for %s: %v", job.ID, err)
	}
	if paused {
		w.abandon(ctx, job, "campaign paused")
		return
	}

	if stale, why := w.gateStale(ctx, job); stale {
		w.repairGate(ctx, job, why)
		return
	}

	limit, err := w.coord.EffectiveLimit(ctx, campaignID, w.cold)
	if err != nil || limit <= 0 {
		w.abandon(ctx, job, "no effective capacity")
		return
	}

	callID := uuid.New()
	preToken, err := w.coord.AcquirePreDial(ctx, campaignID, callID.String(), limit)
	if err != nil {
		log.Printf("[Worker] pre-dial acquire failed for %s: %v", job.ID, err)
		w.abandon(ctx, job, "pre-dial acquire error")
		return
	}
	if preToken == "" {
		// Saturated right now; the slot-available publish on the next
		// release brings the job back via the waitlist.
		w.abandon(ctx, job, "campaign saturated")
		return
	}

	// Lease held: the reservation is settled here, the lease carries the
	// admission from now on.
	if _, err := w.coord.ClaimReservation(ctx, campaignID, job.ID); err != nil {
		log.Printf("[Worker] reservation claim failed for %s: %v", job.ID, err)
	}

	w.dial(ctx, job, callID, preToken)
}

// gateStale reports whether the job's promotion stamp is too old or too far
// behind the campaign's promotion gate to still be trusted.
func (w *Worker) gateStale(ctx context.Context, job *queue.Job) (bool, string) {
	if job.PromoteSeq == queue.PromoteSeqSentinel {
		return true, "sentinel stamp"
	}
	gate, err := w.coord.PromoteGate(ctx, job.CampaignID)
	if err != nil {
		return false, ""
	}
	if gate-job.PromoteSeq > w.staleGateMaxLag {
		return true, "gate lag"
	}
	if job.PromotedAt > 0 && time.Since(time.UnixMilli(job.PromotedAt)) > w.staleGateMaxAge {
		return true, "stamp age"
	}
	return false, ""
}

// repairGate settles the stale reservation and re-parks the job. After too
// many bounces the job is stamped with the sentinel and pushed straight back
// onto the waitlist so a fresh promotion re-stamps it.
func (w *Worker) repairGate(ctx context.Context, job *queue.Job, why string) {
	if _, err := w.coord.ClaimReservation(ctx, job.CampaignID, job.ID); err != nil {
		log.Printf("[Worker] reservation claim failed for %s: %v", job.ID, err)
	}
	repairs, err := w.queue.BumpGateRepairs(ctx, job.ID)
	if err != nil {
		log.Printf("[Worker] gate repair count failed for %s: %v", job.ID, err)
	}
	if err := w.queue.RefundAttempt(ctx, job.ID); err != nil {
		log.Printf("[Worker] attempt refund failed for %s: %v", job.ID, err)
	}
	if err := w.queue.MoveToDelayed(ctx, job.ID, time.Now().Add(queue.DefaultDelay)); err != nil {
		log.Printf("[Worker] re-park failed for %s: %v", job.ID, err)
		return
	}
	if repairs >= maxGateRepairs {
		if err := w.queue.StampPromotion(ctx, job.ID, queue.PromoteSeqSentinel, time.Time{}); err != nil {
			log.Printf("[Worker] sentinel stamp failed for %s: %v", job.ID, err)
		}
		if err := w.coord.RequeueForGateRepair(ctx, job.CampaignID, job.ID); err != nil {
			log.Printf("[Worker] hard re-sync failed for %s: %v", job.ID, err)
		}
		log.Printf("[Worker] job %s hard-synced to waitlist after %d gate repairs", job.ID, repairs)
		return
	}
	log.Printf("[Worker] job %s re-parked (%s, repair %d)", job.ID, why, repairs)
}

// abandon settles the reservation and re-parks the job without consuming a
// dial attempt.
func (w *Worker) abandon(ctx context.Context, job *queue.Job, why string) {
	if _, err := w.coord.ClaimReservation(ctx, job.CampaignID, job.ID); err != nil {
		log.Printf("[Worker] reservation claim failed for %s: %v", job.ID, err)
	}
	if err := w.queue.RefundAttempt(ctx, job.ID); err != nil {
		log.Printf("[Worker] attempt refund failed for %s: %v", job.ID, err)
	}
	if err := w.queue.MoveToDelayed(ctx, job.ID, time.Now().Add(queue.DefaultDelay)); err != nil {
		log.Printf("[Worker] re-park failed for %s: %v", job.ID, err)
	}
	log.Printf("[Worker] job %s parked: %s", job.ID, why)
}

// failAttempt releases nothing (the caller already did) and either re-parks
// the job for another attempt or dead-letters it.
func (w *Worker) failAttempt(ctx context.Context, job *queue.Job) {
	if job.Attempts >= queue.MaxAttempts {
		if err := w.queue.Fail(ctx, job.ID); err != nil {
			log.Printf("[Worker] dead-letter failed for %s: %v", job.ID, err)
		}
		log.Printf("[Worker] job %s dead-lettered after %d attempts", job.ID, job.Attempts)
		return
	}
	backoff := retryBackoff << (job.Attempts - 1)
	if err := w.queue.MoveToDelayed(ctx, job.ID, time.Now().Add(backoff)); err != nil {
		log.Printf("[Worker] retry park failed for %s: %v", job.ID, err)
	}
}

// dial owns the pre-dial lease from acquisition to upgrade or release.
func (w *Worker) dial(ctx context.Context, job *queue.Job, callID uuid.UUID, preToken string) {
	campaignID := job.CampaignID
	released := false
	upgraded := false
	releasePre := func() {
		if released || upgraded {
			return
		}
		released = true
		if _, err := w.coord.ReleaseSlot(ctx, campaignID, callID.String(), preToken, true, true); err != nil {
			log.Printf("[Worker] pre-dial release failed for %s: %v", callID, err)
		}
	}
	defer releasePre()

	// Heartbeat keeps the pre-dial lease alive up to the cumulative cap.
	// A lost lease cancels the dial.
	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-dialCtx.Done():
				return
			case <-ticker.C:
				alive, err := w.coord.RenewPreDial(dialCtx, campaignID, callID.String(), preToken)
				if err == nil && !alive {
					log.Printf("[Worker] pre-dial lease lost for %s", callID)
					cancelDial()
					return
				}
			}
		}
	}()
	defer func() { cancelDial(); <-hbDone }()

	contactID, err := uuid.Parse(job.Data.ContactID)
	if err != nil {
		log.Printf("[Worker] bad contact id on %s: %v", job.ID, err)
		w.queue.Fail(ctx, job.ID)
		return
	}
	campaignUUID, err := uuid.Parse(campaignID)
	if err != nil {
		log.Printf("[Worker] bad campaign id on %s: %v", job.ID, err)
		w.queue.Fail(ctx, job.ID)
		return
	}

	c, err := w.store.GetCampaign(ctx, campaignUUID)
	if err != nil {
		log.Printf("[Worker] campaign load failed for %s: %v", job.ID, err)
		w.failAttempt(ctx, job)
		return
	}
	phone, err := w.store.GetPhone(ctx, c.PhoneID)
	if err != nil {
		log.Printf("[Worker] phone load failed for %s: %v", job.ID, err)
		w.failAttempt(ctx, job)
		return
	}

	cl := &store.CallLog{
		ID:         callID,
		UserID:     c.UserID,
		CampaignID: campaignUUID,
		ContactID:  contactID,
		JobID:      job.ID,
	}
	if err := w.store.CreateCallLog(ctx, cl); err != nil {
		log.Printf("[Worker] call log create failed for %s: %v", job.ID, err)
		w.failAttempt(ctx, job)
		return
	}
	if err := w.store.UpdateContactStatus(ctx, contactID, store.ContactCalling); err != nil {
		log.Printf("[Worker] contact status update failed for %s: %v", job.ID, err)
	}
	if err := w.store.IncrementCampaignCounter(ctx, campaignUUID, "active_calls", 1); err != nil {
		log.Printf("[Worker] active_calls bump failed for %s: %v", job.ID, err)
	}

	call, err := w.carrier.Initiate(dialCtx, carrier.InitiateParams{
		From:        phone.Number,
		To:          job.Data.PhoneNumber,
		CallerID:    phone.Number,
		CustomField: callID.String(),
		Credentials: carrier.Credentials{
			SID:       phone.CarrierSID,
			Token:     phone.CarrierToken,
			Subdomain: phone.Subdomain,
		},
	})
	if err != nil {
		w.onInitiateFailure(ctx, job, cl, err)
		return
	}
	if err := w.store.SetCallSID(ctx, callID, call.SID); err != nil {
		log.Printf("[Worker] call sid store failed for %s: %v", callID, err)
	}

	connected, terminal := w.waitForConnect(dialCtx, call)
	if terminal != "" {
		// Carrier reported a terminal outcome before the upgrade; release
		// the pre-dial slot and let the finalizer settle the books.
		releasePre()
		w.finalizeWithoutWebhook(ctx, job, cl, terminal)
		return
	}
	if !connected {
		// Still queued at the carrier when the window closed. An active
		// lease for a call that never started would pin the slot for the
		// full TTL; kill the call and retry the job instead.
		log.Printf("[Worker] call %s never left queued; hanging up %s", callID, call.SID)
		if herr := w.carrier.Hangup(ctx, call.SID); herr != nil {
			log.Printf("[Worker] hangup of %s failed: %v", call.SID, herr)
		}
		releasePre()
		w.finalizeWithoutWebhook(ctx, job, cl, store.CallFailed)
		return
	}

	activeToken, err := w.coord.UpgradeToActive(ctx, campaignID, callID.String(), preToken)
	if err != nil || activeToken == "" {
		// The pre-dial lease expired under us after the carrier accepted
		// the call. Kill the call rather than run it untracked.
		log.Printf("[Worker] upgrade failed for %s; hanging up %s", callID, call.SID)
		if herr := w.carrier.Hangup(ctx, call.SID); herr != nil {
			log.Printf("[Worker] hangup of %s failed: %v", call.SID, herr)
		}
		releasePre()
		w.finalizeWithoutWebhook(ctx, job, cl, store.CallFailed)
		return
	}
	upgraded = true

	if err := w.store.SetActiveToken(ctx, callID, activeToken); err != nil {
		log.Printf("[Worker] active token store failed for %s: %v", callID, err)
	}
	if _, err := w.coord.OnSuccessfulUpgrade(ctx, campaignID, w.cold); err != nil {
		log.Printf("[Worker] ramp advance failed for %s: %v", campaignID, err)
	}
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		log.Printf("[Worker] job complete failed for %s: %v", job.ID, err)
	}
	log.Printf("[Worker] call %s active (campaign %s)", callID, campaignID)
}

// waitForConnect gives the carrier a short window to report the call ringing
// or connected. connected is true only when the status actually advanced;
// terminal carries an early terminal outcome. A call still queued when the
// window closes returns neither, and must not be upgraded.
func (w *Worker) waitForConnect(ctx context.Context, call *carrier.Call) (connected bool, terminal string) {
	switch call.Status {
	case carrier.StatusRinging, carrier.StatusInProgress:
		return true, ""
	case carrier.StatusFailed, carrier.StatusBusy, carrier.StatusNoAnswer:
		return false, call.Status
	}
	deadline := time.Now().Add(connectWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ""
		case <-time.After(connectStep):
		}
		details, err := w.carrier.GetDetails(ctx, call.SID)
		if err != nil {
			continue
		}
		switch details.Status {
		case carrier.StatusRinging, carrier.StatusInProgress:
			return true, ""
		case carrier.StatusFailed, carrier.StatusBusy, carrier.StatusNoAnswer:
			return false, details.Status
		}
	}
	return false, ""
}

// onInitiateFailure handles a carrier rejection before any call existed.
func (w *Worker) onInitiateFailure(ctx context.Context, job *queue.Job, cl *store.CallLog, err error) {
	log.Printf("[Worker] initiate failed for %s: %v", cl.ID, err)
	if carrier.IsAuthError(err) || carrier.IsServerError(err) {
		if rerr := w.coord.OnRampFailure(ctx, job.CampaignID, w.cold); rerr != nil {
			log.Printf("[Worker] ramp rewind failed for %s: %v", job.CampaignID, rerr)
		}
	}
	w.finalizeWithoutWebhook(ctx, job, cl, store.CallFailed)
}

// finalizeWithoutWebhook settles a call that died before the carrier would
// ever send a webhook: terminal call log, contact status, counters, retry.
// FinalizeCallLog's guard keeps this idempotent against a late webhook.
func (w *Worker) finalizeWithoutWebhook(ctx context.Context, job *queue.Job, cl *store.CallLog, status string) {
	finalized, err := w.store.FinalizeCallLog(ctx, cl.ID, status, sql.NullInt64{}, sql.NullString{})
	if err != nil {
		log.Printf("[Worker] finalize failed for %s: %v", cl.ID, err)
	}
	if finalized {
		if err := w.store.IncrementCampaignCounter(ctx, cl.CampaignID, "active_calls", -1); err != nil {
			log.Printf("[Worker] active_calls decrement failed for %s: %v", cl.CampaignID, err)
		}
		if err := w.store.IncrementCampaignCounter(ctx, cl.CampaignID, "failed_calls", 1); err != nil {
			log.Printf("[Worker] failed_calls bump failed for %s: %v", cl.CampaignID, err)
		}
		if err := w.store.UpdateContactStatus(ctx, cl.ContactID, store.ContactFailed); err != nil {
			log.Printf("[Worker] contact status update failed for %s: %v", cl.ContactID, err)
		}
	}
	w.failAttempt(ctx, job)
}
