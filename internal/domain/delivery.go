package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus enumerates engagement states for a recipient's delivery log.
// The status only ever advances (sent -> opened -> clicked); a late open
// beacon never regresses a clicked row.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryOpened  DeliveryStatus = "opened"
	DeliveryClicked DeliveryStatus = "clicked"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryLog is the per-recipient engagement record. At most one row exists
// per (campaign_id, recipient_id); the dispatcher creates it at send time and
// the tracking endpoints advance it.
type DeliveryLog struct {
	CampaignID  uuid.UUID      `json:"campaign_id" db:"campaign_id"`
	RecipientID uuid.UUID      `json:"recipient_id" db:"recipient_id"`
	SenderID    uuid.UUID      `json:"sender_id" db:"sender_id"`
	Status      DeliveryStatus `json:"status" db:"status"`
	SentAt      *time.Time     `json:"sent_at" db:"sent_at"`
	OpenedAt    *time.Time     `json:"opened_at" db:"opened_at"`
	ClickedAt   *time.Time     `json:"clicked_at" db:"clicked_at"`
	ErrorMsg    string         `json:"error_message" db:"error_message"`
	UserAgent   string         `json:"user_agent" db:"user_agent"`
	IPAddress   string         `json:"ip_address" db:"ip_address"`
}
