package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dialhq/dialcore/internal/campaign"
	"github.com/dialhq/dialcore/internal/store"
	"github.com/dialhq/dialcore/internal/webhook"
)

// Handlers holds the API dependencies.
type Handlers struct {
	svc     *campaign.Service
	webhook *webhook.Handler
}

// NewHandlers creates the API handlers.
func NewHandlers(svc *campaign.Service, wh *webhook.Handler) *Handlers {
	return &Handlers{svc: svc, webhook: wh}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func campaignParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignId"))
	return id, err == nil
}

// HandleStart activates a campaign and enqueues its contacts.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	switch err := h.svc.Start(r.Context(), id); err {
	case nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
	case campaign.ErrStartInProgress:
		respondError(w, http.StatusConflict, err.Error())
	case campaign.ErrNotStartable:
		respondError(w, http.StatusConflict, err.Error())
	case campaign.ErrNoContacts:
		respondError(w, http.StatusBadRequest, err.Error())
	case store.ErrNotFound:
		respondError(w, http.StatusNotFound, "campaign not found")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandlePause pauses an active campaign.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	switch err := h.svc.Pause(r.Context(), id); err {
	case nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	case campaign.ErrNotPausable:
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandleResume resumes a paused campaign.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	switch err := h.svc.Resume(r.Context(), id); err {
	case nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "active"})
	case campaign.ErrNotStartable:
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandleCancel cancels a campaign and drains its queue.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	switch err := h.svc.Cancel(r.Context(), id); err {
	case nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case campaign.ErrNotCancellable:
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ContactInput is one uploaded contact.
type ContactInput struct {
	PhoneNumber string            `json:"phoneNumber"`
	Priority    int               `json:"priority"`
	CustomData  map[string]string `json:"customData,omitempty"`
}

// HandleAddContacts uploads contacts to a campaign.
func (h *Handlers) HandleAddContacts(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	var body struct {
		Contacts []ContactInput `json:"contacts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(body.Contacts) == 0 {
		respondError(w, http.StatusBadRequest, "no contacts")
		return
	}
	contacts := make([]*store.CampaignContact, 0, len(body.Contacts))
	for _, in := range body.Contacts {
		if in.PhoneNumber == "" {
			continue
		}
		contacts = append(contacts, &store.CampaignContact{
			PhoneNumber: in.PhoneNumber,
			Priority:    in.Priority,
			CustomData:  in.CustomData,
		})
	}
	inserted, err := h.svc.AddContacts(r.Context(), id, contacts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"inserted": inserted})
}

// HandleRetryFailed schedules retries for failed contacts.
func (h *Handlers) HandleRetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	scheduled, err := h.svc.RetryFailed(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"scheduled": scheduled})
}

// HandleUpdateConcurrency changes the concurrency ceiling live.
func (h *Handlers) HandleUpdateConcurrency(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	var body struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Limit == 0 {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	applied, err := h.svc.UpdateConcurrency(r.Context(), id, body.Limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"limit": applied})
}

// HandleStats returns the combined durable + live campaign view.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	stats, err := h.svc.Stats(r.Context(), id)
	if err == store.ErrNotFound {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
