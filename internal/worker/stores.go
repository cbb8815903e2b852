// Package worker contains the campaign batch-send engine: the batch driver,
// the per-recipient dispatcher with retry/backoff, the SMTP transport, the
// send-pacing throttle, and the stall watchdog.
//
// Every invocation of the driver runs as an independent short-lived process;
// the stores below are the only shared state. Implementations live in
// internal/repository/postgres.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// CampaignStore is the persistence surface the driver and watchdog need.
type CampaignStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)

	// Claim is the engine's sole mutual-exclusion primitive. It runs a
	// read-modify-write inside one serializable transaction.
	//
	// The claim is denied when the status is not runnable, or when the
	// campaign is already processing with a heartbeat fresher than
	// staleAfter and batchIndex does not match the persisted
	// next_batch_index. The index match is the handoff that lets the
	// self-issued continuation chain proceed while a duplicate or stale
	// invocation is turned away. A successful claim consumes the handoff:
	// it stamps a fresh heartbeat, promotes failed -> processing, stores
	// batchIndex+1 as the next expected index, and returns true.
	Claim(ctx context.Context, id uuid.UUID, batchIndex int, staleAfter time.Duration) (bool, error)

	// Heartbeat refreshes last_processed_at and persists the batch index
	// to resume from, so a crashed invocation can be restarted at the
	// right offset. Used by the watchdog before re-issuing a continuation.
	Heartbeat(ctx context.Context, id uuid.UUID, batchIndex int) error

	// AddCounts atomically increments the aggregate counters by the
	// batch's outcome. Single-statement SQL increment, never read-then-write.
	AddCounts(ctx context.Context, id uuid.UUID, success, fail int) error

	// SetLastError records the most recent infrastructure-level error for
	// operator display.
	SetLastError(ctx context.Context, id uuid.UUID, msg string) error

	// Finalize recomputes authoritative sent/failed counts from recipient
	// rows and moves the campaign to its terminal status. It is a no-op on
	// an already-terminal campaign.
	Finalize(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)

	// Stalled lists processing campaigns whose heartbeat is older than the
	// given window.
	Stalled(ctx context.Context, olderThan time.Duration) ([]domain.Campaign, error)
}

// RecipientStore reads and advances per-recipient state.
type RecipientStore interface {
	// NextPending returns up to limit recipients still pending, oldest
	// first (created_at order) for deterministic batch boundaries.
	NextPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.Recipient, error)

	// MarkSent transitions pending -> sent. The UPDATE is guarded on
	// status = 'pending' so overlapping invocations can never double-mark;
	// it returns false when the row was already terminal.
	MarkSent(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkFailed transitions pending -> failed with the final error
	// message, incrementing retry_count. Same pending guard as MarkSent.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, attempts int) (bool, error)

	// Counts returns (total, sent, failed) for completion checks.
	Counts(ctx context.Context, campaignID uuid.UUID) (total, sent, failed int, err error)
}

// SenderStore selects and meters SMTP senders.
type SenderStore interface {
	// NextAvailable picks the least-recently-used sender of the user that
	// is still under its daily quota, resetting used_today on day
	// rollover, and atomically increments its usage. Returns (nil, nil)
	// when every sender is exhausted -- a hard stop for the batch, not a
	// retryable error.
	NextAvailable(ctx context.Context, userID uuid.UUID) (*domain.SmtpSender, error)

	// BumpUsage adds one to used_today without returning the sender.
	// The dispatcher calls it when a provider answers with a rate-limit
	// error, as a throttle signal for subsequent selections.
	BumpUsage(ctx context.Context, senderID uuid.UUID) error
}

// DeliveryStore upserts the per-recipient engagement record.
type DeliveryStore interface {
	// RecordSend upserts the (campaign, recipient) row with a sent or
	// failed outcome.
	RecordSend(ctx context.Context, campaignID, recipientID, senderID uuid.UUID, status domain.DeliveryStatus, errMsg string) error
}
