package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// =============================================================================
// CAMPAIGN REPOSITORY TESTS
// =============================================================================

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var campaignCols = []string{
	"id", "user_id", "subject", "html_body", "default_params",
	"status", "batch_size", "recipient_count", "processed_count", "success_count",
	"fail_count", "open_count", "click_count", "next_batch_index", "last_error",
	"started_at", "completed_at", "last_processed_at", "created_at", "updated_at",
}

func campaignRow(id uuid.UUID, status string, completedAt interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(campaignCols).AddRow(
		id.String(), uuid.New().String(), "Hello {{name}}", "<html></html>", []byte(`{}`),
		status, 5, 10, 0, 0,
		0, 0, 0, 0, "",
		nil, completedAt, nil, now, now,
	)
}

func TestCampaignRepo_ClaimGrantedForQueued(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepo(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, next_batch_index, last_processed_at").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "next_batch_index", "last_processed_at"}).
			AddRow("queued", 0, nil))
	mock.ExpectExec("UPDATE campaigns").
		WithArgs(id, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.Claim(context.Background(), id, 0, 5*time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Error("queued campaign should be claimable")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCampaignRepo_ClaimDeniedForTerminal(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepo(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, next_batch_index, last_processed_at").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "next_batch_index", "last_processed_at"}).
			AddRow("sent", 4, nil))
	mock.ExpectRollback()

	ok, err := repo.Claim(context.Background(), id, 4, 5*time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Error("terminal campaign must never be claimed")
	}
}

func TestCampaignRepo_ClaimDeniedForFreshLockWrongIndex(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepo(db)
	id := uuid.New()
	fresh := time.Now().Add(-30 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, next_batch_index, last_processed_at").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "next_batch_index", "last_processed_at"}).
			AddRow("processing", 5, fresh))
	mock.ExpectRollback()

	ok, err := repo.Claim(context.Background(), id, 3, 5*time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Error("fresh lock with a stale batch index must deny the claim")
	}
}

func TestCampaignRepo_ClaimReclaimsStaleLock(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepo(db)
	id := uuid.New()
	stale := time.Now().Add(-20 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, next_batch_index, last_processed_at").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status", "next_batch_index", "last_processed_at"}).
			AddRow("processing", 5, stale))
	mock.ExpectExec("UPDATE campaigns").
		WithArgs(id, 6).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.Claim(context.Background(), id, 5, 5*time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Error("stale lock should be reclaimable regardless of index")
	}
}

func TestCampaignRepo_AddCountsIsSingleIncrement(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepo(db)
	id := uuid.New()

	mock.ExpectExec("UPDATE campaigns").
		WithArgs(id, 3, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.AddCounts(context.Background(), id, 3, 2); err != nil {
		t.Fatalf("AddCounts: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCampaignRepo_FinalizeIsNoOpWhenTerminal(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepo(db)
	id := uuid.New()
	done := time.Now().Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(campaignRow(id, "sent", done))
	mock.ExpectRollback()

	c, err := repo.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if c.Status != domain.CampaignSent {
		t.Errorf("status = %s, want sent unchanged", c.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("finalize must not touch a terminal campaign: %v", err)
	}
}

func TestCampaignRepo_FinalizeRecomputesFromRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepo(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(campaignRow(id, "processing", nil))
	mock.ExpectQuery("FROM campaign_recipients").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"sent", "failed"}).AddRow(7, 3))
	now := time.Now()
	mock.ExpectQuery("UPDATE campaigns").
		WithArgs(id, domain.CampaignPartial, 7, 3).
		WillReturnRows(sqlmock.NewRows(campaignCols).AddRow(
			id.String(), uuid.New().String(), "s", "b", []byte(`{}`),
			"partial", 5, 10, 10, 7,
			3, 0, 0, 2, "",
			now, now, now, now, now,
		))
	mock.ExpectCommit()

	c, err := repo.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if c.Status != domain.CampaignPartial {
		t.Errorf("status = %s, want partial for a mixed outcome", c.Status)
	}
	if c.SuccessCount != 7 || c.FailCount != 3 {
		t.Errorf("counts = %d/%d, want recomputed 7/3", c.SuccessCount, c.FailCount)
	}
}

func TestCampaignRepo_GetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCampaignRepo(db)
	id := uuid.New()

	mock.ExpectQuery("FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	if _, err := repo.Get(context.Background(), id); err == nil {
		t.Error("missing campaign should return an error")
	}
}
