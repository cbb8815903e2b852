package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// SenderRepo implements worker.SenderStore against PostgreSQL.
type SenderRepo struct{ db *sql.DB }

// NewSenderRepo creates a Postgres-backed SMTP sender repository.
func NewSenderRepo(db *sql.DB) *SenderRepo { return &SenderRepo{db: db} }

// NextAvailable picks the user's least-recently-used sender with daily quota
// remaining, reserving one slot from it. The whole select-and-reserve runs in
// one transaction with the candidate row locked, so concurrent batches cannot
// both take a sender's last slot.
//
// Quota counters roll over lazily: any sender whose last reset predates
// today's date is zeroed before selection, no midnight job required.
// Returns (nil, nil) when every sender is exhausted; that is a capacity
// condition, not an error.
//
// The candidate query skips rows locked by concurrent reservations, so an
// empty result can mean contention rather than exhaustion; a bounded
// re-query tells the two apart before reporting no capacity.
func (r *SenderRepo) NextAvailable(ctx context.Context, userID uuid.UUID) (*domain.SmtpSender, error) {
	for attempt := 0; attempt < senderReserveAttempts; attempt++ {
		s, err := r.reserveOnce(ctx, userID)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}
	return nil, nil
}

const senderReserveAttempts = 3

func (r *SenderRepo) reserveOnce(ctx context.Context, userID uuid.UUID) (*domain.SmtpSender, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sender tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE smtp_senders
		SET used_today = 0, last_quota_reset = NOW()
		WHERE user_id = $1
		  AND (last_quota_reset IS NULL OR last_quota_reset::date < CURRENT_DATE)
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("reset quotas: %w", err)
	}

	s := &domain.SmtpSender{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, host, port, COALESCE(username,''), COALESCE(password,''),
		       from_email, COALESCE(from_name,''), daily_quota, used_today,
		       last_used, last_quota_reset
		FROM smtp_senders
		WHERE user_id = $1 AND used_today < daily_quota
		ORDER BY used_today ASC, last_used ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, userID).Scan(
		&s.ID, &s.UserID, &s.Host, &s.Port, &s.Username, &s.Password,
		&s.FromEmail, &s.FromName, &s.DailyQuota, &s.UsedToday,
		&s.LastUsed, &s.LastQuotaReset,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select sender: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE smtp_senders SET used_today = used_today + 1, last_used = NOW()
		WHERE id = $1
	`, s.ID)
	if err != nil {
		return nil, fmt.Errorf("reserve sender slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sender reservation: %w", err)
	}

	s.UsedToday++
	return s, nil
}

// BumpUsage counts an extra quota slot against the sender, used when a rate
// limited attempt consumed capacity without producing a delivery.
func (r *SenderRepo) BumpUsage(ctx context.Context, senderID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE smtp_senders SET used_today = used_today + 1, last_used = NOW()
		WHERE id = $1
	`, senderID)
	if err != nil {
		return fmt.Errorf("bump sender usage: %w", err)
	}
	return nil
}
