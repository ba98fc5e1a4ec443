package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

const callLogColumns = `
	id, user_id, campaign_id, contact_id, job_id, carrier_call_sid, status,
	active_token, duration, recording_url, recording_key, created_at, finalized_at`

func scanCallLog(row interface{ Scan(...interface{}) error }) (*CallLog, error) {
	var cl CallLog
	err := row.Scan(
		&cl.ID, &cl.UserID, &cl.CampaignID, &cl.ContactID, &cl.JobID,
		&cl.CallSID, &cl.Status, &cl.ActiveToken, &cl.Duration,
		&cl.RecordingURL, &cl.RecordingKey, &cl.CreatedAt, &cl.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

// CreateCallLog records a new dial attempt in initiated status.
func (s *Store) CreateCallLog(ctx context.Context, cl *CallLog) error {
	if cl.ID == uuid.Nil {
		cl.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs
			(id, user_id, campaign_id, contact_id, job_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, cl.ID, cl.UserID, cl.CampaignID, cl.ContactID, cl.JobID, CallInitiated)
	return err
}

// GetCallLog loads one call log.
func (s *Store) GetCallLog(ctx context.Context, id uuid.UUID) (*CallLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE id = $1`, id)
	return scanCallLog(row)
}

// GetCallLogBySID loads a call log by its carrier call SID.
func (s *Store) GetCallLogBySID(ctx context.Context, sid string) (*CallLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE carrier_call_sid = $1`, sid)
	return scanCallLog(row)
}

// SetCallSID stamps the carrier call SID onto a call log.
func (s *Store) SetCallSID(ctx context.Context, id uuid.UUID, sid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_logs SET carrier_call_sid = $2 WHERE id = $1`, id, sid)
	return err
}

// SetActiveToken persists the active lease token so the webhook handler can
// release the slot.
func (s *Store) SetActiveToken(ctx context.Context, id uuid.UUID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_logs SET active_token = $2 WHERE id = $1`, id, token)
	return err
}

// FinalizeCallLog writes the terminal outcome exactly once. Returns false
// when the call log was already finalized (duplicate webhook).
func (s *Store) FinalizeCallLog(ctx context.Context, id uuid.UUID, status string, duration sql.NullInt64, recordingURL sql.NullString) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_logs
		SET status = $2, duration = $3, recording_url = $4, finalized_at = NOW()
		WHERE id = $1 AND finalized_at IS NULL
	`, id, status, duration, recordingURL)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetRecordingKey records where the recording was archived.
func (s *Store) SetRecordingKey(ctx context.Context, id uuid.UUID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_logs SET recording_key = $2 WHERE id = $1`, id, key)
	return err
}

// GetPhone loads an outbound phone identity with its resolved credentials.
func (s *Store) GetPhone(ctx context.Context, id uuid.UUID) (*Phone, error) {
	var p Phone
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, number, carrier_sid, carrier_token, COALESCE(subdomain, '')
		FROM phones WHERE id = $1
	`, id).Scan(&p.ID, &p.UserID, &p.Number, &p.CarrierSID, &p.CarrierToken, &p.Subdomain)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
