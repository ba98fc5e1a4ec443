package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/dialhq/dialcore/internal/coordinator"
	"github.com/dialhq/dialcore/internal/store"
)

func TestScheduler_StartsDueCampaign(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	campaignID := uuid.New()
	sched := NewScheduler(env.svc, time.Second)

	env.mock.ExpectQuery("FROM campaigns").
		WillReturnRows(campaignRows(campaignID, store.CampaignScheduled, `{}`)) // due scheduled
	env.mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WillReturnRows(campaignRows(campaignID, store.CampaignScheduled, `{}`))
	env.mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1)) // activate
	env.mock.ExpectQuery("FROM campaign_contacts").
		WillReturnRows(contactRows(campaignID)) // nothing pending
	env.mock.ExpectQuery("FROM campaigns").
		WillReturnRows(campaignRows(campaignID, store.CampaignActive, `{}`)) // active sweep

	sched.sweep(ctx)

	if state, _ := env.coord.RampStateOf(ctx, campaignID.String()); state != coordinator.RampActive {
		t.Errorf("ramp state = %s, want %s (scheduled campaign started)", state, coordinator.RampActive)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestScheduler_SkipsWhenAnotherInstanceWon(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	campaignID := uuid.New()
	sched := NewScheduler(env.svc, time.Second)

	env.mock.ExpectQuery("FROM campaigns").
		WillReturnRows(campaignRows(campaignID, store.CampaignScheduled, `{}`))
	env.mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WillReturnRows(campaignRows(campaignID, store.CampaignActive, `{}`))
	env.mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0)) // guard: already active elsewhere
	env.mock.ExpectQuery("FROM campaigns").
		WillReturnRows(campaignRows(campaignID, store.CampaignActive, `{"retryFailedCalls": false}`))

	sched.sweep(ctx)

	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
