package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
	"github.com/mailstorm/engine/internal/worker"
)

// CampaignRepo implements worker.CampaignStore against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `
	id, user_id, subject, COALESCE(html_body,''), COALESCE(default_params,'{}'),
	status, batch_size, recipient_count, processed_count, success_count,
	fail_count, open_count, click_count, next_batch_index, COALESCE(last_error,''),
	started_at, completed_at, last_processed_at, created_at, updated_at`

func scanCampaign(row *sql.Row) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var params []byte
	err := row.Scan(
		&c.ID, &c.UserID, &c.Subject, &c.HTMLBody, &params,
		&c.Status, &c.BatchSize, &c.RecipientCount, &c.ProcessedCount, &c.SuccessCount,
		&c.FailCount, &c.OpenCount, &c.ClickCount, &c.NextBatchIndex, &c.LastError,
		&c.StartedAt, &c.CompletedAt, &c.LastProcessedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.DefaultParams); err != nil {
			return nil, fmt.Errorf("decode default_params: %w", err)
		}
	}
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, worker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// Claim takes the campaign's processing lock for one batch invocation. The
// read-evaluate-write runs in a serializable transaction with the row locked
// FOR UPDATE, so two racing invocations serialize and exactly one wins.
//
// The claim is denied when the campaign is in a terminal state, or when it is
// processing with a fresh heartbeat and the request does not present the
// persisted next batch index. Presenting the expected index consumes it: the
// winner stamps the heartbeat and advances next_batch_index, so a duplicated
// trigger for the same index loses the race at this gate.
func (r *CampaignRepo) Claim(ctx context.Context, id uuid.UUID, batchIndex int, staleAfter time.Duration) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var status domain.CampaignStatus
	var nextIndex int
	var lastProcessed *time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT status, next_batch_index, last_processed_at
		FROM campaigns WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status, &nextIndex, &lastProcessed)
	if err == sql.ErrNoRows {
		return false, worker.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock campaign: %w", err)
	}

	probe := &domain.Campaign{Status: status}
	if !probe.Runnable() {
		return false, nil
	}
	if status == domain.CampaignProcessing && lastProcessed != nil &&
		time.Since(*lastProcessed) < staleAfter && batchIndex != nextIndex {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'processing',
		    last_processed_at = NOW(),
		    started_at = COALESCE(started_at, NOW()),
		    next_batch_index = $2,
		    updated_at = NOW()
		WHERE id = $1
	`, id, batchIndex+1)
	if err != nil {
		return false, fmt.Errorf("claim campaign: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return true, nil
}

// Heartbeat refreshes the processing lock and persists the index the next
// continuation should present. The watchdog calls this before reviving.
func (r *CampaignRepo) Heartbeat(ctx context.Context, id uuid.UUID, batchIndex int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET last_processed_at = NOW(), next_batch_index = $2, updated_at = NOW()
		WHERE id = $1
	`, id, batchIndex)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// AddCounts advances the aggregate counters by atomic SQL increments.
// Read-add-write at the application layer would lose updates when batches
// overlap.
func (r *CampaignRepo) AddCounts(ctx context.Context, id uuid.UUID, success, fail int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET success_count = success_count + $2,
		    fail_count = fail_count + $3,
		    processed_count = processed_count + $2 + $3,
		    updated_at = NOW()
		WHERE id = $1
	`, id, success, fail)
	if err != nil {
		return fmt.Errorf("add counts: %w", err)
	}
	return nil
}

func (r *CampaignRepo) SetLastError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET last_error = LEFT($2, 500), updated_at = NOW()
		WHERE id = $1
	`, id, msg)
	if err != nil {
		return fmt.Errorf("set last error: %w", err)
	}
	return nil
}

// Finalize closes the campaign out, recomputing the final counters from the
// recipient rows rather than trusting the incremental tallies. Re-finalizing
// an already-terminal campaign is a no-op returning the stored row, which
// makes duplicated completion paths safe.
func (r *CampaignRepo) Finalize(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanCampaign(tx.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, worker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock campaign: %w", err)
	}
	if cur.IsTerminal() && cur.CompletedAt != nil {
		return cur, nil
	}

	var sent, failed int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'sent'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM campaign_recipients WHERE campaign_id = $1
	`, id).Scan(&sent, &failed)
	if err != nil {
		return nil, fmt.Errorf("recount recipients: %w", err)
	}

	status := domain.CampaignPartial
	switch {
	case failed == 0:
		status = domain.CampaignSent
	case sent == 0:
		status = domain.CampaignFailed
	}

	final, err := scanCampaign(tx.QueryRowContext(ctx, `
		UPDATE campaigns
		SET status = $2,
		    success_count = $3,
		    fail_count = $4,
		    processed_count = $3 + $4,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+campaignColumns, id, status, sent, failed))
	if err != nil {
		return nil, fmt.Errorf("finalize campaign: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return final, nil
}

// Stalled returns processing campaigns whose heartbeat is older than the
// threshold, oldest first.
func (r *CampaignRepo) Stalled(ctx context.Context, olderThan time.Duration) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'processing'
		  AND last_processed_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY last_processed_at ASC
	`, int(olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("scan stalled: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c := domain.Campaign{}
		var params []byte
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.Subject, &c.HTMLBody, &params,
			&c.Status, &c.BatchSize, &c.RecipientCount, &c.ProcessedCount, &c.SuccessCount,
			&c.FailCount, &c.OpenCount, &c.ClickCount, &c.NextBatchIndex, &c.LastError,
			&c.StartedAt, &c.CompletedAt, &c.LastProcessedAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stalled campaign: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &c.DefaultParams); err != nil {
				return nil, fmt.Errorf("decode default_params: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
