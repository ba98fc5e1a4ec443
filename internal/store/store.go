// Package store is the durable tier: campaigns, contacts, call logs and
// phone identities in Postgres. All coordination state lives in the
// coordinator; the store never gates admission.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = sql.ErrNoRows

// Store wraps the SQL database.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for components that need their own statements.
func (s *Store) DB() *sql.DB { return s.db }

const campaignColumns = `
	id, user_id, agent_id, phone_id, name, status,
	total_contacts, queued_count, active_calls, completed_calls,
	failed_calls, voicemail_calls, COALESCE(settings::text, '{}'),
	scheduled_at, started_at, paused_at, completed_at, created_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*Campaign, error) {
	var c Campaign
	var settingsJSON string
	err := row.Scan(
		&c.ID, &c.UserID, &c.AgentID, &c.PhoneID, &c.Name, &c.Status,
		&c.TotalContacts, &c.QueuedCount, &c.ActiveCalls, &c.CompletedCalls,
		&c.FailedCalls, &c.VoicemailCalls, &settingsJSON,
		&c.ScheduledAt, &c.StartedAt, &c.PausedAt, &c.CompletedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settingsJSON), &c.Settings); err != nil {
		return nil, fmt.Errorf("campaign %s: bad settings: %w", c.ID, err)
	}
	if c.Settings.ConcurrentCallsLimit <= 0 {
		c.Settings.ConcurrentCallsLimit = 1
	}
	if c.Settings.ConcurrentCallsLimit > 50 {
		c.Settings.ConcurrentCallsLimit = 50
	}
	return &c, nil
}

// GetCampaign loads one campaign.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// ListActiveCampaigns returns campaigns in active status, oldest first,
// bounded for reconciler sweeps.
func (s *Store) ListActiveCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE status = $1 ORDER BY started_at ASC NULLS LAST LIMIT $2`,
		CampaignActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDueScheduledCampaigns returns scheduled campaigns whose start time has
// arrived.
func (s *Store) ListDueScheduledCampaigns(ctx context.Context, now time.Time, limit int) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		 ORDER BY scheduled_at ASC LIMIT $3`,
		CampaignScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActivateCampaign flips a startable campaign to active. Returns false when
// the status guard rejects the transition (concurrent start, wrong state).
func (s *Store) ActivateCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4, $5)
	`, id, CampaignActive, CampaignDraft, CampaignScheduled, CampaignPaused)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// PauseCampaign flips active→paused.
func (s *Store) PauseCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, paused_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, CampaignPaused, CampaignActive)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelCampaign flips any non-terminal status to cancelled.
func (s *Store) CancelCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
	`, id, CampaignCancelled, CampaignCompleted, CampaignCancelled, CampaignFailed)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteCampaign marks a campaign completed when every contact is
// terminal. Returns true if the transition happened.
func (s *Store) CompleteCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_contacts
			WHERE campaign_id = $1 AND status IN ($4, $5, $6)
		  )
	`, id, CampaignCompleted, CampaignActive, ContactPending, ContactQueued, ContactCalling)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateConcurrencyLimit rewrites the campaign's concurrency setting inside
// the settings document. The coordinator's limit key is updated by the
// caller; this only keeps the durable copy in step.
func (s *Store) UpdateConcurrencyLimit(ctx context.Context, id uuid.UUID, limit int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET settings = jsonb_set(COALESCE(settings, '{}'), '{concurrentCallsLimit}', to_jsonb($2::int)),
		    updated_at = NOW()
		WHERE id = $1
	`, id, limit)
	return err
}

// counter columns allowed for atomic increments
var campaignCounters = map[string]bool{
	"queued_count":    true,
	"active_calls":    true,
	"completed_calls": true,
	"failed_calls":    true,
	"voicemail_calls": true,
}

// IncrementCampaignCounter atomically adjusts one campaign counter column.
// delta may be negative; active_calls is clamped at zero.
func (s *Store) IncrementCampaignCounter(ctx context.Context, id uuid.UUID, column string, delta int) error {
	if !campaignCounters[column] {
		return fmt.Errorf("store: unknown campaign counter %q", column)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE campaigns
		SET %s = GREATEST(0, %s + $2), updated_at = NOW()
		WHERE id = $1
	`, column, column), id, delta)
	return err
}
