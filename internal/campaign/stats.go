package campaign

import (
	"context"

	"github.com/google/uuid"

	"github.com/dialhq/dialcore/internal/coordinator"
)

// Stats is the combined durable + live view of one campaign.
type Stats struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	TotalContacts  int    `json:"totalContacts"`
	QueuedCount    int    `json:"queuedCount"`
	ActiveCalls    int    `json:"activeCalls"`
	CompletedCalls int    `json:"completedCalls"`
	FailedCalls    int    `json:"failedCalls"`
	VoicemailCalls int    `json:"voicemailCalls"`

	Limit          int    `json:"limit"`
	EffectiveLimit int    `json:"effectiveLimit"`
	Leases         int64  `json:"leases"`
	Reserved       int64  `json:"reserved"`
	WaitlistHigh   int64  `json:"waitlistHigh"`
	WaitlistNormal int64  `json:"waitlistNormal"`
	DelayedJobs    int64  `json:"delayedJobs"`
	WaitingJobs    int64  `json:"waitingJobs"`
	RampState      string `json:"rampState"`
	CircuitState   string `json:"circuitState"`
	Paused         bool   `json:"paused"`
}

// Stats assembles the read model. Gauge reads are individually best-effort
// but any Redis error aborts: a half-blank view is worse than an error.
func (s *Service) Stats(ctx context.Context, campaignID uuid.UUID) (*Stats, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	id := campaignID.String()

	out := &Stats{
		ID:             id,
		Name:           c.Name,
		Status:         c.Status,
		TotalContacts:  c.TotalContacts,
		QueuedCount:    c.QueuedCount,
		ActiveCalls:    c.ActiveCalls,
		CompletedCalls: c.CompletedCalls,
		FailedCalls:    c.FailedCalls,
		VoicemailCalls: c.VoicemailCalls,
	}

	if out.Limit, err = s.coord.Limit(ctx, id); err != nil {
		return nil, err
	}
	if out.EffectiveLimit, err = s.coord.EffectiveLimit(ctx, id, s.coldStart); err != nil {
		return nil, err
	}
	if out.Leases, err = s.coord.LeaseCount(ctx, id); err != nil {
		return nil, err
	}
	if out.Reserved, err = s.coord.Reserved(ctx, id); err != nil {
		return nil, err
	}
	if out.WaitlistHigh, err = s.coord.WaitlistDepth(ctx, id, coordinator.PriorityHigh); err != nil {
		return nil, err
	}
	if out.WaitlistNormal, err = s.coord.WaitlistDepth(ctx, id, coordinator.PriorityNormal); err != nil {
		return nil, err
	}
	if out.DelayedJobs, out.WaitingJobs, err = s.queue.Counts(ctx, id); err != nil {
		return nil, err
	}
	ramp, err := s.coord.RampStateOf(ctx, id)
	if err != nil {
		return nil, err
	}
	out.RampState = string(ramp)
	if out.CircuitState, err = s.coord.CircuitState(ctx, id); err != nil {
		return nil, err
	}
	if out.Paused, err = s.coord.Paused(ctx, id); err != nil {
		return nil, err
	}
	return out, nil
}
