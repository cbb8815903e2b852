package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// RecipientRepo implements worker.RecipientStore against PostgreSQL.
type RecipientRepo struct{ db *sql.DB }

// NewRecipientRepo creates a Postgres-backed recipient repository.
func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// NextPending returns the next chunk of unprocessed recipients in insertion
// order. Selection is by status, not by offset arithmetic: rows another
// invocation already resolved simply stop matching, so overlapping batches
// cannot pick up the same work twice past the row-level guards.
func (r *RecipientRepo) NextPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, email, COALESCE(name,''), COALESCE(metadata,'{}'),
		       status, sent_at, COALESCE(error_message,''), retry_count, created_at
		FROM campaign_recipients
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		rec := domain.Recipient{}
		var meta []byte
		if err := rows.Scan(
			&rec.ID, &rec.CampaignID, &rec.Email, &rec.Name, &meta,
			&rec.Status, &rec.SentAt, &rec.ErrorMsg, &rec.RetryCount, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSent flips a pending recipient to sent. The status guard in the WHERE
// clause is the exactly-once boundary: it returns false when another
// invocation already resolved this recipient, and the caller must then treat
// the send as a duplicate and not count it.
func (r *RecipientRepo) MarkSent(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET status = 'sent', sent_at = NOW(), error_message = ''
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed flips a pending recipient to failed with the final error and
// attempt count. Same pending guard as MarkSent.
func (r *RecipientRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, attempts int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET status = 'failed', error_message = LEFT($2, 255), retry_count = $3
		WHERE id = $1 AND status = 'pending'
	`, id, errMsg, attempts)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Counts returns (total, sent, failed) for the campaign's list.
func (r *RecipientRepo) Counts(ctx context.Context, campaignID uuid.UUID) (int, int, int, error) {
	var total, sent, failed int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'sent'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM campaign_recipients WHERE campaign_id = $1
	`, campaignID).Scan(&total, &sent, &failed)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("recipient counts: %w", err)
	}
	return total, sent, failed, nil
}
