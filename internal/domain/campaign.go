package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignQueued     CampaignStatus = "queued"
	CampaignProcessing CampaignStatus = "processing"
	CampaignSent       CampaignStatus = "sent"
	CampaignFailed     CampaignStatus = "failed"
	CampaignPartial    CampaignStatus = "partial"
)

// Campaign is one bulk-send job: a template, a recipient list, and a rotating
// pool of SMTP senders, advanced batch by batch until every recipient has a
// terminal outcome.
type Campaign struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	UserID        uuid.UUID         `json:"user_id" db:"user_id"`
	Subject       string            `json:"subject" db:"subject"`
	HTMLBody      string            `json:"html_body" db:"html_body"`
	DefaultParams map[string]string `json:"default_params" db:"default_params"`
	Status        CampaignStatus    `json:"status" db:"status"`
	BatchSize     int               `json:"batch_size" db:"batch_size"`

	// Aggregate counters. processed_count == success_count + fail_count at
	// all times; all three are advanced only through atomic SQL increments.
	RecipientCount int `json:"recipient_count" db:"recipient_count"`
	ProcessedCount int `json:"processed_count" db:"processed_count"`
	SuccessCount   int `json:"success_count" db:"success_count"`
	FailCount      int `json:"fail_count" db:"fail_count"`
	OpenCount      int `json:"open_count" db:"open_count"`
	ClickCount     int `json:"click_count" db:"click_count"`

	// NextBatchIndex is persisted before each batch so a continuation (or the
	// watchdog) can resume from the right place after a crash.
	NextBatchIndex int `json:"next_batch_index" db:"next_batch_index"`

	LastError       string     `json:"last_error" db:"last_error"`
	StartedAt       *time.Time `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at" db:"completed_at"`
	LastProcessedAt *time.Time `json:"last_processed_at" db:"last_processed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign has closed out and must never be
// re-entered for processing.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed || c.Status == CampaignPartial
}

// Runnable returns true if the campaign is in a state the batch driver may
// claim. A failed campaign is runnable: it is eligible for automatic
// resumption by the watchdog.
func (c *Campaign) Runnable() bool {
	switch c.Status {
	case CampaignDraft, CampaignQueued, CampaignProcessing, CampaignFailed:
		return true
	}
	return false
}
