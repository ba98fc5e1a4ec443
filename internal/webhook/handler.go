// Package webhook finalizes calls from carrier status callbacks: the call
// log's terminal outcome, the active lease release, contact status, campaign
// counters and retry scheduling. Callbacks are at-least-once; everything here
// is idempotent behind the call log's finalize guard.
package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dialhq/dialcore/internal/campaign"
	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/pkg/logger"
	"github.com/dialhq/dialcore/internal/store"
)

// RecordingArchiver moves a call recording into long-term storage. Archival
// runs after the webhook response; failures only lose the archive copy.
type RecordingArchiver interface {
	Archive(ctx context.Context, campaignID, callID uuid.UUID, callSID, recordingURL string)
}

// Payload is the carrier's terminal status callback.
type Payload struct {
	CallSid              string `json:"CallSid"`
	Status               string `json:"Status"`
	AnsweredBy           string `json:"AnsweredBy,omitempty"`
	RecordingURL         string `json:"RecordingUrl,omitempty"`
	ConversationDuration int64  `json:"ConversationDuration,omitempty"`
	CustomField          string `json:"CustomField,omitempty"`
}

// Handler processes carrier callbacks.
type Handler struct {
	store    *store.Store
	coord    *coordinator.Coordinator
	svc      *campaign.Service
	archiver RecordingArchiver
}

// New creates a Handler. archiver may be nil when recordings are disabled.
func New(st *store.Store, coord *coordinator.Coordinator, svc *campaign.Service, archiver RecordingArchiver) *Handler {
	return &Handler{store: st, coord: coord, svc: svc, archiver: archiver}
}

// ServeHTTP accepts the callback. The carrier retries on non-2xx, so only
// transport-level problems return an error status; a callback we cannot match
// is acknowledged and logged.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if err := h.Process(r.Context(), p); err != nil {
		logger.Error("webhook processing failed", "callSid", p.CallSid, "error", err.Error())
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) lookupCallLog(ctx context.Context, p Payload) (*store.CallLog, error) {
	if p.CustomField != "" {
		if id, err := uuid.Parse(p.CustomField); err == nil {
			return h.store.GetCallLog(ctx, id)
		}
	}
	return h.store.GetCallLogBySID(ctx, p.CallSid)
}

// callStatus maps the carrier's terminal status onto the call log status.
// A machine answer on a completed call is a voicemail.
func callStatus(p Payload) string {
	s := strings.ToLower(p.Status)
	if s == store.CallCompleted && strings.Contains(strings.ToLower(p.AnsweredBy), "machine") {
		return store.CallVoicemail
	}
	return s
}

// Process finalizes one call. Duplicate callbacks are detected by the
// finalize guard and acknowledged without side effects.
func (h *Handler) Process(ctx context.Context, p Payload) error {
	cl, err := h.lookupCallLog(ctx, p)
	if err == store.ErrNotFound {
		log.Printf("[Webhook] no call log for sid %s; acknowledged", p.CallSid)
		return nil
	}
	if err != nil {
		return err
	}

	status := callStatus(p)
	if !store.IsTerminalCallStatus(status) {
		// Progress callback; nothing to settle yet.
		return nil
	}

	duration := sql.NullInt64{Int64: p.ConversationDuration, Valid: p.ConversationDuration > 0}
	recording := sql.NullString{String: p.RecordingURL, Valid: p.RecordingURL != ""}
	finalized, err := h.store.FinalizeCallLog(ctx, cl.ID, status, duration, recording)
	if err != nil {
		return err
	}
	if !finalized {
		log.Printf("[Webhook] duplicate callback for call %s", cl.ID)
		return nil
	}

	h.releaseLease(ctx, cl)
	h.settleContact(ctx, cl, status)
	h.settleCounters(ctx, cl, status)

	if done, err := h.store.CompleteCampaign(ctx, cl.CampaignID); err == nil && done {
		if cerr := h.coord.ClearCampaign(ctx, cl.CampaignID.String()); cerr != nil {
			log.Printf("[Webhook] coordinator clear for %s failed: %v", cl.CampaignID, cerr)
		}
		log.Printf("[Webhook] campaign %s completed", cl.CampaignID)
	}

	if h.archiver != nil && p.RecordingURL != "" {
		h.archiver.Archive(ctx, cl.CampaignID, cl.ID, p.CallSid, p.RecordingURL)
	}
	return nil
}

func (h *Handler) releaseLease(ctx context.Context, cl *store.CallLog) {
	if !cl.ActiveToken.Valid {
		// The call never upgraded; the worker released the pre-dial lease
		// on its own failure path.
		return
	}
	released, err := h.coord.ReleaseSlot(ctx, cl.CampaignID.String(), cl.ID.String(), cl.ActiveToken.String, false, true)
	if err != nil {
		log.Printf("[Webhook] lease release for call %s failed: %v", cl.ID, err)
		return
	}
	if !released {
		// TTL expiry beat the webhook; the janitor already swept the member.
		log.Printf("[Webhook] lease for call %s already gone", cl.ID)
	}
}

func (h *Handler) settleContact(ctx context.Context, cl *store.CallLog, status string) {
	switch status {
	case store.CallCompleted, store.CallVoicemail:
		if err := h.store.UpdateContactStatus(ctx, cl.ContactID, store.ContactCompleted); err != nil {
			log.Printf("[Webhook] contact update for %s failed: %v", cl.ContactID, err)
		}
	default:
		if err := h.store.UpdateContactStatus(ctx, cl.ContactID, store.ContactFailed); err != nil {
			log.Printf("[Webhook] contact update for %s failed: %v", cl.ContactID, err)
			return
		}
		h.maybeRetry(ctx, cl)
	}
}

func (h *Handler) maybeRetry(ctx context.Context, cl *store.CallLog) {
	c, err := h.store.GetCampaign(ctx, cl.CampaignID)
	if err != nil {
		log.Printf("[Webhook] campaign load for retry failed: %v", err)
		return
	}
	if c.Status != store.CampaignActive || !c.Settings.RetryFailedCalls {
		return
	}
	scheduled, err := h.svc.ScheduleRetry(ctx, c, cl.ContactID)
	if err != nil {
		log.Printf("[Webhook] retry scheduling for %s failed: %v", cl.ContactID, err)
		return
	}
	if scheduled {
		log.Printf("[Webhook] retry scheduled for contact %s", cl.ContactID)
	}
}

func (h *Handler) settleCounters(ctx context.Context, cl *store.CallLog, status string) {
	if err := h.store.IncrementCampaignCounter(ctx, cl.CampaignID, "active_calls", -1); err != nil {
		log.Printf("[Webhook] active_calls decrement failed: %v", err)
	}
	column := "failed_calls"
	switch status {
	case store.CallCompleted:
		column = "completed_calls"
	case store.CallVoicemail:
		column = "voicemail_calls"
	}
	if err := h.store.IncrementCampaignCounter(ctx, cl.CampaignID, column, 1); err != nil {
		log.Printf("[Webhook] %s bump failed: %v", column, err)
	}
}
