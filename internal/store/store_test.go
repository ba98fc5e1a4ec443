package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func campaignRow(id uuid.UUID, status, settings string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "agent_id", "phone_id", "name", "status",
		"total_contacts", "queued_count", "active_calls", "completed_calls",
		"failed_calls", "voicemail_calls", "settings",
		"scheduled_at", "started_at", "paused_at", "completed_at", "created_at",
	}).AddRow(
		id, uuid.New(), uuid.New(), uuid.New(), "outreach", status,
		100, 10, 2, 5, 1, 0, settings,
		nil, time.Now(), nil, nil, time.Now(),
	)
}

func TestGetCampaign_ClampsConcurrency(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		want     int
	}{
		{"missing defaults to 1", `{}`, 1},
		{"zero floors at 1", `{"concurrentCallsLimit": 0}`, 1},
		{"in range passes through", `{"concurrentCallsLimit": 7}`, 7},
		{"excessive caps at 50", `{"concurrentCallsLimit": 500}`, 50},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st, mock := setupStore(t)
			id := uuid.New()
			mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
				WithArgs(id).
				WillReturnRows(campaignRow(id, CampaignActive, tc.settings))

			c, err := st.GetCampaign(context.Background(), id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if c.Settings.ConcurrentCallsLimit != tc.want {
				t.Errorf("limit = %d, want %d", c.Settings.ConcurrentCallsLimit, tc.want)
			}
		})
	}
}

func TestGetCampaign_NotFound(t *testing.T) {
	st, mock := setupStore(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	if _, err := st.GetCampaign(context.Background(), id); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestActivateCampaign_StatusGuard(t *testing.T) {
	st, mock := setupStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := st.ActivateCampaign(context.Background(), id)
	if err != nil || !ok {
		t.Errorf("activate = (%v, %v), want (true, nil)", ok, err)
	}

	// A second activation finds no startable row.
	mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = st.ActivateCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if ok {
		t.Error("guard should reject a non-startable campaign")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIncrementCampaignCounter_RejectsUnknownColumn(t *testing.T) {
	st, _ := setupStore(t)
	err := st.IncrementCampaignCounter(context.Background(), uuid.New(), "status", 1)
	if err == nil {
		t.Fatal("unknown counter column must be rejected")
	}
}

func TestIncrementCampaignCounter(t *testing.T) {
	st, mock := setupStore(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE campaigns").
		WithArgs(id, -1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.IncrementCampaignCounter(context.Background(), id, "active_calls", -1); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFinalizeCallLog_Idempotent(t *testing.T) {
	st, mock := setupStore(t)
	id := uuid.New()
	duration := sql.NullInt64{Int64: 42, Valid: true}

	mock.ExpectExec("UPDATE call_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	finalized, err := st.FinalizeCallLog(context.Background(), id, CallCompleted, duration, sql.NullString{})
	if err != nil || !finalized {
		t.Fatalf("first finalize = (%v, %v), want (true, nil)", finalized, err)
	}

	// The finalized_at guard makes the duplicate a no-op.
	mock.ExpectExec("UPDATE call_logs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	finalized, err = st.FinalizeCallLog(context.Background(), id, CallFailed, sql.NullInt64{}, sql.NullString{})
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if finalized {
		t.Error("duplicate finalize should report false")
	}
}
