package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// DeliveryRepo implements worker.DeliveryStore plus the tracking endpoints'
// engagement writes against PostgreSQL.
type DeliveryRepo struct{ db *sql.DB }

// NewDeliveryRepo creates a Postgres-backed delivery log repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

// RecordSend upserts the per-recipient delivery log at send time. A retried
// send for the same recipient overwrites the previous attempt's row.
func (r *DeliveryRepo) RecordSend(ctx context.Context, campaignID, recipientID, senderID uuid.UUID, status domain.DeliveryStatus, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (campaign_id, recipient_id, sender_id, status, sent_at, error_message)
		VALUES ($1, $2, $3, $4, NOW(), LEFT($5, 255))
		ON CONFLICT (campaign_id, recipient_id)
		DO UPDATE SET sender_id = EXCLUDED.sender_id,
		              status = EXCLUDED.status,
		              sent_at = EXCLUDED.sent_at,
		              error_message = EXCLUDED.error_message
	`, campaignID, recipientID, senderID, status, errMsg)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

// RecordOpen advances a delivery log to opened and, on the first transition
// only, bumps the campaign's open counter. The status guard keeps repeated
// pixel loads and late beacons from inflating the count, and a row already
// at clicked never regresses.
func (r *DeliveryRepo) RecordOpen(ctx context.Context, campaignID, recipientID uuid.UUID, userAgent, ip string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin open tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = 'opened', opened_at = NOW(),
		    user_agent = LEFT($3, 255), ip_address = $4
		WHERE campaign_id = $1 AND recipient_id = $2 AND status = 'sent'
	`, campaignID, recipientID, userAgent, ip)
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET open_count = open_count + 1, updated_at = NOW()
			WHERE id = $1
		`, campaignID); err != nil {
			return fmt.Errorf("bump open count: %w", err)
		}
	}
	return tx.Commit()
}

// RecordClick advances a delivery log to clicked, bumping the campaign's
// click counter on the first transition. A click implies the mail was opened,
// so a sent row jumps straight to clicked.
func (r *DeliveryRepo) RecordClick(ctx context.Context, campaignID, recipientID uuid.UUID, userAgent, ip string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin click tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = 'clicked', clicked_at = NOW(),
		    opened_at = COALESCE(opened_at, NOW()),
		    user_agent = LEFT($3, 255), ip_address = $4
		WHERE campaign_id = $1 AND recipient_id = $2 AND status IN ('sent','opened')
	`, campaignID, recipientID, userAgent, ip)
	if err != nil {
		return fmt.Errorf("record click: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET click_count = click_count + 1, updated_at = NOW()
			WHERE id = $1
		`, campaignID); err != nil {
			return fmt.Errorf("bump click count: %w", err)
		}
	}
	return tx.Commit()
}

// Get loads one delivery log row.
func (r *DeliveryRepo) Get(ctx context.Context, campaignID, recipientID uuid.UUID) (*domain.DeliveryLog, error) {
	d := &domain.DeliveryLog{}
	err := r.db.QueryRowContext(ctx, `
		SELECT campaign_id, recipient_id, sender_id, status, sent_at, opened_at,
		       clicked_at, COALESCE(error_message,''), COALESCE(user_agent,''),
		       COALESCE(ip_address::text,'')
		FROM delivery_logs
		WHERE campaign_id = $1 AND recipient_id = $2
	`, campaignID, recipientID).Scan(
		&d.CampaignID, &d.RecipientID, &d.SenderID, &d.Status, &d.SentAt, &d.OpenedAt,
		&d.ClickedAt, &d.ErrorMsg, &d.UserAgent, &d.IPAddress,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery log: %w", err)
	}
	return d, nil
}
