package webhook

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dialhq/dialcore/internal/campaign"
	"github.com/dialhq/dialcore/internal/config"
	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/queue"
	"github.com/dialhq/dialcore/internal/store"
)

type webhookEnv struct {
	coord   *coordinator.Coordinator
	mock    sqlmock.Sqlmock
	handler *Handler
}

func setupWebhook(t *testing.T) *webhookEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	coord := coordinator.New(rdb)
	svc := campaign.New(st, queue.New(rdb), coord, 10, time.Hour,
		coordinator.DefaultColdStart(), campaign.NewOffPeakWindow(config.OffPeakConfig{}))
	return &webhookEnv{
		coord:   coord,
		mock:    mock,
		handler: New(st, coord, svc, nil),
	}
}

func callLogRow(callID, campaignID, contactID uuid.UUID, activeToken string) *sqlmock.Rows {
	token := sql.NullString{String: activeToken, Valid: activeToken != ""}
	return sqlmock.NewRows([]string{
		"id", "user_id", "campaign_id", "contact_id", "job_id", "carrier_call_sid",
		"status", "active_token", "duration", "recording_url", "recording_key",
		"created_at", "finalized_at",
	}).AddRow(
		callID, uuid.New(), campaignID, contactID, campaignID.String()+":"+uuid.New().String(),
		"CA-test", store.CallInProgress, token, nil, nil, nil, time.Now(), nil,
	)
}

func TestCallStatus(t *testing.T) {
	tests := []struct {
		status, answeredBy, want string
	}{
		{"completed", "", store.CallCompleted},
		{"Completed", "human", store.CallCompleted},
		{"completed", "machine_enhanced", store.CallVoicemail},
		{"failed", "machine", store.CallFailed},
		{"no-answer", "", store.CallNoAnswer},
	}
	for _, tc := range tests {
		got := callStatus(Payload{Status: tc.status, AnsweredBy: tc.answeredBy})
		if got != tc.want {
			t.Errorf("callStatus(%q, %q) = %q, want %q", tc.status, tc.answeredBy, got, tc.want)
		}
	}
}

func TestProcess_CompletedCall(t *testing.T) {
	env := setupWebhook(t)
	ctx := context.Background()
	callID := uuid.New()
	campaignID := uuid.New()
	contactID := uuid.New()
	camp := campaignID.String()

	// Seed a real active lease for the call.
	env.coord.SetLimit(ctx, camp, 5)
	preToken, err := env.coord.AcquirePreDial(ctx, camp, callID.String(), 5)
	if err != nil || preToken == "" {
		t.Fatalf("acquire: %v", err)
	}
	activeToken, err := env.coord.UpgradeToActive(ctx, camp, callID.String(), preToken)
	if err != nil || activeToken == "" {
		t.Fatalf("upgrade: %v", err)
	}

	env.mock.ExpectQuery("SELECT (.+) FROM call_logs WHERE id").
		WillReturnRows(callLogRow(callID, campaignID, contactID, activeToken))
	env.mock.ExpectExec("UPDATE call_logs").
		WillReturnResult(sqlmock.NewResult(0, 1)) // finalize
	env.mock.ExpectExec("UPDATE campaign_contacts").
		WillReturnResult(sqlmock.NewResult(0, 1)) // contact completed
	env.mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1)) // active_calls -1
	env.mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1)) // completed_calls +1
	env.mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0)) // complete guard: contacts remain

	err = env.handler.Process(ctx, Payload{
		CallSid:              "CA-test",
		Status:               "completed",
		ConversationDuration: 42,
		CustomField:          callID.String(),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if n, _ := env.coord.LeaseCount(ctx, camp); n != 0 {
		t.Errorf("lease count = %d, want 0 after release", n)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcess_DuplicateCallback(t *testing.T) {
	env := setupWebhook(t)
	callID := uuid.New()

	env.mock.ExpectQuery("SELECT (.+) FROM call_logs WHERE id").
		WillReturnRows(callLogRow(callID, uuid.New(), uuid.New(), "tok"))
	env.mock.ExpectExec("UPDATE call_logs").
		WillReturnResult(sqlmock.NewResult(0, 0)) // already finalized

	err := env.handler.Process(context.Background(), Payload{
		CallSid:     "CA-test",
		Status:      "completed",
		CustomField: callID.String(),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// Nothing past the finalize guard runs.
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcess_UnknownCallAcknowledged(t *testing.T) {
	env := setupWebhook(t)
	env.mock.ExpectQuery("SELECT (.+) FROM call_logs WHERE carrier_call_sid").
		WillReturnError(sql.ErrNoRows)

	err := env.handler.Process(context.Background(), Payload{CallSid: "CA-unknown", Status: "completed"})
	if err != nil {
		t.Errorf("unknown call should be acknowledged, got %v", err)
	}
}

func TestProcess_ProgressCallbackIgnored(t *testing.T) {
	env := setupWebhook(t)
	callID := uuid.New()
	env.mock.ExpectQuery("SELECT (.+) FROM call_logs WHERE id").
		WillReturnRows(callLogRow(callID, uuid.New(), uuid.New(), ""))

	err := env.handler.Process(context.Background(), Payload{
		CallSid:     "CA-test",
		Status:      "ringing",
		CustomField: callID.String(),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcess_FailedCallSchedulesRetry(t *testing.T) {
	env := setupWebhook(t)
	ctx := context.Background()
	callID := uuid.New()
	campaignID := uuid.New()
	contactID := uuid.New()

	// Call without an active token: it failed before the upgrade.
	env.mock.ExpectQuery("SELECT (.+) FROM call_logs WHERE id").
		WillReturnRows(callLogRow(callID, campaignID, contactID, ""))
	env.mock.ExpectExec("UPDATE call_logs").
		WillReturnResult(sqlmock.NewResult(0, 1)) // finalize
	env.mock.ExpectExec("UPDATE campaign_contacts").
		WillReturnResult(sqlmock.NewResult(0, 1)) // contact failed
	env.mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "agent_id", "phone_id", "name", "status",
			"total_contacts", "queued_count", "active_calls", "completed_calls",
			"failed_calls", "voicemail_calls", "settings",
			"scheduled_at", "started_at", "paused_at", "completed_at", "created_at",
		}).AddRow(
			campaignID, uuid.New(), uuid.New(), uuid.New(), "outreach", store.CampaignActive,
			10, 5, 1, 0, 0, 0, `{"retryFailedCalls": true, "maxRetryAttempts": 2, "retryDelayMinutes": 5}`,
			nil, time.Now(), nil, nil, time.Now(),
		))
	env.mock.ExpectQuery("SELECT COALESCE\\(retry_count").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(0))
	env.mock.ExpectExec("UPDATE campaign_contacts").
		WillReturnResult(sqlmock.NewResult(0, 1)) // bump retry
	env.mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1)) // active_calls -1
	env.mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1)) // failed_calls +1
	env.mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0)) // complete guard

	err := env.handler.Process(ctx, Payload{
		CallSid:     "CA-test",
		Status:      "failed",
		CustomField: callID.String(),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestServeHTTP_BadPayload(t *testing.T) {
	env := setupWebhook(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/call-status", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
