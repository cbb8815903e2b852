package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// Watchdog is the recovery path for continuations the hosting platform
// dropped. Triggered on an external cadence, it scans for processing
// campaigns whose heartbeat has gone stale and restarts (or finalizes) them.
type Watchdog struct {
	campaigns     CampaignStore
	recipients    RecipientStore
	continuations ContinuationScheduler
	driver        *Driver

	staleness time.Duration
}

// NewWatchdog wires a stall watchdog. staleness is the single configurable
// heartbeat-age threshold past which a processing campaign counts as stuck.
func NewWatchdog(campaigns CampaignStore, recipients RecipientStore, continuations ContinuationScheduler, driver *Driver, staleness time.Duration) *Watchdog {
	if staleness <= 0 {
		staleness = 10 * time.Minute
	}
	return &Watchdog{
		campaigns:     campaigns,
		recipients:    recipients,
		continuations: continuations,
		driver:        driver,
		staleness:     staleness,
	}
}

// ScanReport summarizes one watchdog pass.
type ScanReport struct {
	Scanned   int         `json:"scanned"`
	Restarted []uuid.UUID `json:"restarted,omitempty"`
	Finalized []uuid.UUID `json:"finalized,omitempty"`
	Errors    []string    `json:"errors,omitempty"`
}

// Scan finds stalled campaigns and pushes each one forward: campaigns with
// nothing left pending are finalized directly, the rest get a fresh
// continuation at their saved batch index (falling back to an in-process run
// when the continuation cannot be dispatched).
func (w *Watchdog) Scan(ctx context.Context) (*ScanReport, error) {
	stalled, err := w.campaigns.Stalled(ctx, w.staleness)
	if err != nil {
		return nil, fmt.Errorf("scan stalled campaigns: %w", err)
	}

	report := &ScanReport{Scanned: len(stalled)}
	for i := range stalled {
		camp := &stalled[i]
		if err := w.revive(ctx, camp, report); err != nil {
			log.Printf("[Watchdog] campaign %s: %v", camp.ID, err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", camp.ID, err))
		}
	}
	return report, nil
}

func (w *Watchdog) revive(ctx context.Context, camp *domain.Campaign, report *ScanReport) error {
	age := "unknown"
	if camp.LastProcessedAt != nil {
		age = time.Since(*camp.LastProcessedAt).Round(time.Second).String()
	}
	log.Printf("[Watchdog] campaign %s stalled (heartbeat age %s), reviving at batch %d",
		camp.ID, age, camp.NextBatchIndex)

	// Fresh heartbeat plus a diagnostic note, so a second watchdog pass
	// doesn't pile onto the same campaign while this revival is in flight.
	if err := w.campaigns.Heartbeat(ctx, camp.ID, camp.NextBatchIndex); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	note := fmt.Sprintf("watchdog: revived stalled run (heartbeat age %s) at batch %d", age, camp.NextBatchIndex)
	if err := w.campaigns.SetLastError(ctx, camp.ID, note); err != nil {
		log.Printf("[Watchdog] record note for %s: %v", camp.ID, err)
	}

	total, sent, failed, err := w.recipients.Counts(ctx, camp.ID)
	if err != nil {
		return fmt.Errorf("recipient counts: %w", err)
	}
	if total == sent+failed {
		if _, err := w.campaigns.Finalize(ctx, camp.ID); err != nil {
			return fmt.Errorf("finalize: %w", err)
		}
		report.Finalized = append(report.Finalized, camp.ID)
		return nil
	}

	if err := w.continuations.Schedule(ctx, camp.ID, camp.NextBatchIndex); err != nil {
		log.Printf("[Watchdog] continuation for %s failed (%v), running in-process", camp.ID, err)
		if _, runErr := w.driver.Run(ctx, camp.ID, camp.NextBatchIndex); runErr != nil {
			return fmt.Errorf("in-process revival: %w", runErr)
		}
	}
	report.Restarted = append(report.Restarted, camp.ID)
	return nil
}
