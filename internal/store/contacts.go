package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const contactColumns = `
	id, campaign_id, phone_number, priority, retry_count, next_retry_at,
	status, COALESCE(custom_data::text, '{}'), created_at`

func scanContact(row interface{ Scan(...interface{}) error }) (*CampaignContact, error) {
	var c CampaignContact
	var customJSON string
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.PhoneNumber, &c.Priority, &c.RetryCount,
		&c.NextRetryAt, &c.Status, &customJSON, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(customJSON), &c.CustomData)
	return &c, nil
}

// GetContact loads one contact.
func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*CampaignContact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM campaign_contacts WHERE id = $1`, id)
	return scanContact(row)
}

// ListPendingContacts returns pending contacts of a campaign ordered by
// (priority desc, created_at asc), paged for batch enqueue.
func (s *Store) ListPendingContacts(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*CampaignContact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM campaign_contacts
		 WHERE campaign_id = $1 AND status = $2
		 ORDER BY priority DESC, created_at ASC
		 LIMIT $3 OFFSET $4`,
		campaignID, ContactPending, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CampaignContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddContacts inserts contacts, skipping duplicates on
// (campaign_id, phone_number). Returns the number inserted.
func (s *Store) AddContacts(ctx context.Context, campaignID uuid.UUID, contacts []*CampaignContact) (int, error) {
	inserted := 0
	for _, c := range contacts {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		customJSON, _ := json.Marshal(c.CustomData)
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO campaign_contacts
				(id, campaign_id, phone_number, priority, retry_count, status, custom_data, created_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, NOW())
			ON CONFLICT (campaign_id, phone_number) DO NOTHING
		`, c.ID, campaignID, c.PhoneNumber, c.Priority, ContactPending, customJSON)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		}
	}
	if inserted > 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE campaigns SET total_contacts = total_contacts + $2, updated_at = NOW()
			WHERE id = $1
		`, campaignID, inserted)
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// MarkContactsQueued flips a batch of contacts to queued.
func (s *Store) MarkContactsQueued(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET status = $2
		WHERE id = ANY($1) AND status = $3
	`, pq.Array(ids), ContactQueued, ContactPending)
	return err
}

// UpdateContactStatus sets one contact's status.
func (s *Store) UpdateContactStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_contacts SET status = $2 WHERE id = $1`, id, status)
	return err
}

// SkipRemainingContacts marks every pending or queued contact of a campaign
// as skipped. Returns the count skipped.
func (s *Store) SkipRemainingContacts(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET status = $2
		WHERE campaign_id = $1 AND status IN ($3, $4)
	`, campaignID, ContactSkipped, ContactPending, ContactQueued)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRetryableContacts returns failed contacts still under the retry
// budget. Voicemail outcomes are excluded when the campaign says so.
func (s *Store) ListRetryableContacts(ctx context.Context, campaignID uuid.UUID, maxRetries int, excludeVoicemail bool, limit int) ([]*CampaignContact, error) {
	query := `
		SELECT ` + contactColumns + ` FROM campaign_contacts c
		WHERE c.campaign_id = $1 AND c.status = $2 AND c.retry_count < $3`
	if excludeVoicemail {
		query += `
		AND NOT EXISTS (
			SELECT 1 FROM call_logs cl
			WHERE cl.contact_id = c.id AND cl.status = 'voicemail'
		)`
	}
	query += `
		ORDER BY c.priority DESC, c.created_at ASC LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, campaignID, ContactFailed, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CampaignContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BumpContactRetry increments the retry counter, stamps the next retry
// time and re-queues the contact.
func (s *Store) BumpContactRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_contacts
		SET retry_count = retry_count + 1, next_retry_at = $2, status = $3
		WHERE id = $1
	`, id, nextRetryAt, ContactQueued)
	return err
}

// ListDueRetryContacts returns queued contacts whose retry time has arrived
// and that are not yet re-enqueued. The scheduler clears next_retry_at when
// it enqueues the job.
func (s *Store) ListDueRetryContacts(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]*CampaignContact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM campaign_contacts
		 WHERE campaign_id = $1 AND status = $2
		   AND next_retry_at IS NOT NULL AND next_retry_at <= $3
		 ORDER BY next_retry_at ASC LIMIT $4`,
		campaignID, ContactQueued, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CampaignContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRetryScheduled clears the retry timestamp once the retry job is on the
// queue, so the next scheduler sweep does not enqueue it again.
func (s *Store) MarkRetryScheduled(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_contacts SET next_retry_at = NULL WHERE id = $1`, id)
	return err
}

// ContactRetryCount reads one contact's retry counter.
func (s *Store) ContactRetryCount(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(retry_count, 0) FROM campaign_contacts WHERE id = $1`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return n, err
}
