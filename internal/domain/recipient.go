package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecipientStatus enumerates the delivery outcome for a single recipient.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Recipient is one address on a campaign's list. Once status leaves pending
// it never goes back: that transition is the engine's idempotence boundary,
// so duplicated continuation invocations can never double-send.
type Recipient struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	CampaignID uuid.UUID         `json:"campaign_id" db:"campaign_id"`
	Email      string            `json:"email" db:"email"`
	Name       string            `json:"name" db:"name"`
	Metadata   map[string]string `json:"metadata" db:"metadata"`
	Status     RecipientStatus   `json:"status" db:"status"`
	SentAt     *time.Time        `json:"sent_at" db:"sent_at"`
	ErrorMsg   string            `json:"error_message" db:"error_message"`
	RetryCount int               `json:"retry_count" db:"retry_count"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// DisplayName returns the personalization name, falling back to the email
// address when the import had no name for this contact.
func (r *Recipient) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Email
}
