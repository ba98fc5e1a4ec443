package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
	CampaignFailed    = "failed"
)

// Contact statuses.
const (
	ContactPending   = "pending"
	ContactQueued    = "queued"
	ContactCalling   = "calling"
	ContactCompleted = "completed"
	ContactFailed    = "failed"
	ContactSkipped   = "skipped"
)

// Call log terminal statuses as reported by the carrier webhook.
const (
	CallInitiated  = "initiated"
	CallRinging    = "ringing"
	CallInProgress = "in-progress"
	CallCompleted  = "completed"
	CallFailed     = "failed"
	CallBusy       = "busy"
	CallNoAnswer   = "no-answer"
	CallVoicemail  = "voicemail"
)

// CampaignSettings is the per-campaign dial policy, stored as JSONB.
type CampaignSettings struct {
	RetryFailedCalls     bool   `json:"retryFailedCalls"`
	MaxRetryAttempts     int    `json:"maxRetryAttempts"`
	RetryDelayMinutes    int    `json:"retryDelayMinutes"`
	ExcludeVoicemail     bool   `json:"excludeVoicemail"`
	PriorityMode         string `json:"priorityMode"` // fifo|lifo|priority
	ConcurrentCallsLimit int    `json:"concurrentCallsLimit"`
}

// Campaign is one batch of contacts dialed under one concurrency ceiling.
type Campaign struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	AgentID        uuid.UUID
	PhoneID        uuid.UUID
	Name           string
	Status         string
	TotalContacts  int
	QueuedCount    int
	ActiveCalls    int
	CompletedCalls int
	FailedCalls    int
	VoicemailCalls int
	Settings       CampaignSettings
	ScheduledAt    sql.NullTime
	StartedAt      sql.NullTime
	PausedAt       sql.NullTime
	CompletedAt    sql.NullTime
	CreatedAt      time.Time
}

// CampaignContact is one phone number within a campaign.
type CampaignContact struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	PhoneNumber string
	Priority    int
	RetryCount  int
	NextRetryAt sql.NullTime
	Status      string
	CustomData  map[string]string
	CreatedAt   time.Time
}

// CallLog records one dial attempt from initiation to final webhook outcome.
type CallLog struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	CampaignID   uuid.UUID
	ContactID    uuid.UUID
	JobID        string
	CallSID      sql.NullString
	Status       string
	ActiveToken  sql.NullString
	Duration     sql.NullInt64
	RecordingURL sql.NullString
	RecordingKey sql.NullString
	CreatedAt    time.Time
	FinalizedAt  sql.NullTime
}

// Phone is an outbound caller identity with carrier credentials. The core
// receives already-resolved (decrypted) credentials.
type Phone struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Number       string
	CarrierSID   string
	CarrierToken string
	Subdomain    string
}

// IsTerminalCallStatus reports whether a carrier status ends the call.
func IsTerminalCallStatus(status string) bool {
	switch status {
	case CallCompleted, CallFailed, CallBusy, CallNoAnswer, CallVoicemail:
		return true
	}
	return false
}
