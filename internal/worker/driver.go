package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// Driver advances one campaign by one bounded batch per invocation. Each
// invocation is a pure function of (campaign_id, batch_index) plus persisted
// state: claim the lock, pull the next chunk of pending recipients, dispatch
// them within the time budget, bump the aggregate counters, then either
// finalize or hand off to the next invocation through a continuation.
type Driver struct {
	campaigns     CampaignStore
	recipients    RecipientStore
	senders       SenderStore
	dispatcher    *Dispatcher
	continuations ContinuationScheduler
	throttle      *Throttle

	batchSize     int
	timeBudget    time.Duration
	safetyMargin  time.Duration
	lockStaleness time.Duration
	ratePerMinute int
}

// DriverConfig tunes the batch loop. Zero values take defaults sized for a
// host that kills invocations after tens of seconds.
type DriverConfig struct {
	BatchSize     int           // recipients per invocation, default 5
	TimeBudget    time.Duration // wall clock per invocation, default 25s
	SafetyMargin  time.Duration // bail-out margin before the budget, default 5s
	LockStaleness time.Duration // heartbeat age on which a lock is reclaimable, default 5m
	RatePerMinute int           // per-campaign send pacing via the throttle
}

// NewDriver wires a batch driver.
func NewDriver(campaigns CampaignStore, recipients RecipientStore, senders SenderStore, dispatcher *Dispatcher, continuations ContinuationScheduler, throttle *Throttle, cfg DriverConfig) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = 25 * time.Second
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 5 * time.Second
	}
	if cfg.LockStaleness <= 0 {
		cfg.LockStaleness = 5 * time.Minute
	}
	return &Driver{
		campaigns:     campaigns,
		recipients:    recipients,
		senders:       senders,
		dispatcher:    dispatcher,
		continuations: continuations,
		throttle:      throttle,
		batchSize:     cfg.BatchSize,
		timeBudget:    cfg.TimeBudget,
		safetyMargin:  cfg.SafetyMargin,
		lockStaleness: cfg.LockStaleness,
		ratePerMinute: cfg.RatePerMinute,
	}
}

// BatchResult reports what one invocation did. It is the continuation
// endpoint's response payload.
type BatchResult struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	BatchIndex int       `json:"batch_index"`

	Claimed   bool `json:"claimed"`
	Processed int  `json:"processed"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`

	Completed   bool                  `json:"completed"`
	FinalStatus domain.CampaignStatus `json:"final_status,omitempty"`

	Continued bool `json:"continued"`           // next batch scheduled via continuation
	Fallback  bool `json:"fallback,omitempty"`  // continuation failed, next batch ran in-process
	Halted    bool `json:"halted,omitempty"`    // no sender capacity, left for the next cycle
	TruncatedByBudget bool `json:"truncated_by_budget,omitempty"`

	// Anomaly is set when zero recipients are pending but the totals do
	// not reconcile. Surfaced, never auto-corrected.
	Anomaly string `json:"anomaly,omitempty"`
}

// Run executes one batch of the campaign. It never panics the invocation on
// delivery errors; only store/infrastructure failures surface as error.
func (d *Driver) Run(ctx context.Context, campaignID uuid.UUID, batchIndex int) (*BatchResult, error) {
	start := time.Now()
	res := &BatchResult{CampaignID: campaignID, BatchIndex: batchIndex}

	claimed, err := d.campaigns.Claim(ctx, campaignID, batchIndex, d.lockStaleness)
	if err != nil {
		return nil, fmt.Errorf("claim campaign %s: %w", campaignID, err)
	}
	if !claimed {
		log.Printf("[BatchDriver] campaign %s batch %d: claim denied, no-op", campaignID, batchIndex)
		return res, nil
	}
	res.Claimed = true

	camp, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}

	limit := camp.BatchSize
	if limit <= 0 {
		limit = d.batchSize
	}
	pending, err := d.recipients.NextPending(ctx, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending recipients for %s: %w", campaignID, err)
	}

	if len(pending) == 0 {
		return d.closeOut(ctx, res)
	}

	sender, err := d.senders.NextAvailable(ctx, camp.UserID)
	if err != nil {
		d.noteError(ctx, campaignID, fmt.Sprintf("sender selection: %v", err))
		return nil, fmt.Errorf("select sender for %s: %w", campaignID, err)
	}
	if sender == nil {
		// Capacity error: hard stop for this batch. The campaign stays
		// processing; the watchdog or the next external trigger resumes it
		// once a daily quota resets.
		msg := "no sender capacity: all senders at daily quota"
		d.noteError(ctx, campaignID, msg)
		log.Printf("[BatchDriver] campaign %s batch %d: %s", campaignID, batchIndex, msg)
		res.Halted = true
		return res, nil
	}

	deadline := d.timeBudget - d.safetyMargin
	for i := range pending {
		if time.Since(start) > deadline {
			log.Printf("[BatchDriver] campaign %s batch %d: approaching time budget after %d sends, deferring the rest",
				campaignID, batchIndex, res.Processed)
			res.TruncatedByBudget = true
			break
		}
		if i > 0 && d.throttle != nil {
			if err := d.throttle.Wait(ctx, campaignID.String(), d.ratePerMinute); err != nil {
				res.TruncatedByBudget = true
				break
			}
		}

		out := d.dispatcher.Send(ctx, camp, sender, &pending[i])
		if out.Duplicate {
			// Another invocation already owns this recipient's outcome.
			continue
		}
		if out.Halt {
			// The outcome never reached the store; the row is still
			// pending. Stop here so counters only ever reflect rows.
			msg := fmt.Sprintf("outcome for recipient %s not recorded: %v", pending[i].ID, out.Err)
			d.noteError(ctx, campaignID, msg)
			log.Printf("[BatchDriver] campaign %s batch %d: halting, %s", campaignID, batchIndex, msg)
			res.Halted = true
			break
		}
		res.Processed++
		if out.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	if res.Processed > 0 {
		if err := d.campaigns.AddCounts(ctx, campaignID, res.Succeeded, res.Failed); err != nil {
			return nil, fmt.Errorf("update counters for %s: %w", campaignID, err)
		}
	}
	if res.Halted {
		// Same hard stop as sender exhaustion: the campaign stays
		// processing and the watchdog or the next trigger resumes it.
		return res, nil
	}

	total, sent, failed, err := d.recipients.Counts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("completion check for %s: %w", campaignID, err)
	}
	if total == sent+failed {
		final, err := d.campaigns.Finalize(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("finalize %s: %w", campaignID, err)
		}
		res.Completed = true
		res.FinalStatus = final.Status
		log.Printf("[BatchDriver] campaign %s completed: status=%s sent=%d failed=%d",
			campaignID, final.Status, final.SuccessCount, final.FailCount)
		return res, nil
	}

	return d.continueOrFallback(ctx, res)
}

// closeOut handles the no-pending-left path: finalize when the totals
// reconcile, surface an anomaly when they don't.
func (d *Driver) closeOut(ctx context.Context, res *BatchResult) (*BatchResult, error) {
	total, sent, failed, err := d.recipients.Counts(ctx, res.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("completion check for %s: %w", res.CampaignID, err)
	}
	if total == sent+failed {
		final, err := d.campaigns.Finalize(ctx, res.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("finalize %s: %w", res.CampaignID, err)
		}
		res.Completed = true
		res.FinalStatus = final.Status
		return res, nil
	}

	// Zero pending but the totals don't reconcile. Surface it and leave
	// the rows alone for manual or watchdog intervention.
	res.Anomaly = fmt.Sprintf("no pending recipients but totals do not reconcile: total=%d sent=%d failed=%d",
		total, sent, failed)
	d.noteError(ctx, res.CampaignID, res.Anomaly)
	log.Printf("[BatchDriver] campaign %s: %s", res.CampaignID, res.Anomaly)
	return res, nil
}

// continueOrFallback schedules the next batch through the continuation
// scheduler and, if the continuation itself fails to dispatch, runs the next
// batch in-process so progress never depends on the self-POST landing.
func (d *Driver) continueOrFallback(ctx context.Context, res *BatchResult) (*BatchResult, error) {
	next := res.BatchIndex + 1
	err := d.continuations.Schedule(ctx, res.CampaignID, next)
	if err == nil {
		res.Continued = true
		return res, nil
	}
	log.Printf("[BatchDriver] campaign %s: continuation for batch %d failed (%v), running in-process",
		res.CampaignID, next, err)
	d.noteError(ctx, res.CampaignID, fmt.Sprintf("continuation dispatch failed: %v", err))

	res.Fallback = true
	fb, err := d.Run(ctx, res.CampaignID, next)
	if err != nil {
		return res, err
	}
	res.Completed = fb.Completed
	res.FinalStatus = fb.FinalStatus
	res.Continued = fb.Continued
	return res, nil
}

// noteError records an infrastructure-level error on the campaign for
// operator display. Best-effort; the batch outcome does not depend on it.
func (d *Driver) noteError(ctx context.Context, campaignID uuid.UUID, msg string) {
	if err := d.campaigns.SetLastError(ctx, campaignID, msg); err != nil {
		log.Printf("[BatchDriver] record last_error for %s: %v", campaignID, err)
	}
}
