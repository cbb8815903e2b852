package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mailstorm/engine/internal/domain"
	"github.com/mailstorm/engine/internal/mailing"
)

// Dispatcher sends one personalized, tracked email to one recipient with
// bounded retries and rate-limit-aware backoff, and records the outcome.
//
// The backoff is dual-track: rate-limit-like errors are retried in-process
// with exponentially growing sleeps, while everything else fails the
// recipient immediately. One bad address must never consume the batch's
// whole retry budget; provider throttling deserves a chance to clear.
type Dispatcher struct {
	recipients RecipientStore
	deliveries DeliveryStore
	senders    SenderStore
	transport  Transport

	maxRetries  int
	sendTimeout time.Duration
	backoffBase time.Duration
	trackingURL string

	// sleep is swapped out in tests to observe backoff without waiting.
	sleep func(time.Duration)
}

// DispatcherConfig tunes the retry behavior.
type DispatcherConfig struct {
	MaxRetries  int           // attempts per recipient, default 3
	SendTimeout time.Duration // per-attempt wall clock, default 15s
	BackoffBase time.Duration // first retry sleep, doubled per attempt
	TrackingURL string        // base URL for the open/click endpoints
}

// NewDispatcher wires a dispatcher over the given stores and transport.
func NewDispatcher(recipients RecipientStore, deliveries DeliveryStore, senders SenderStore, transport Transport, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &Dispatcher{
		recipients:  recipients,
		deliveries:  deliveries,
		senders:     senders,
		transport:   transport,
		maxRetries:  cfg.MaxRetries,
		sendTimeout: cfg.SendTimeout,
		backoffBase: cfg.BackoffBase,
		trackingURL: cfg.TrackingURL,
		sleep:       time.Sleep,
	}
}

// SendOutcome reports what happened to one recipient.
type SendOutcome struct {
	Success  bool
	Attempts int
	Err      error

	// Duplicate means the recipient was already terminal when we tried to
	// mark it: another invocation got there first. The caller must not
	// count a duplicate toward the campaign's aggregates.
	Duplicate bool

	// Halt means the outcome could not be persisted on the recipient row:
	// the store errored and the row is still pending. Counting it would
	// let campaign counters drift from the rows, so the caller must stop
	// the batch and leave recovery to a later invocation.
	Halt bool
}

// Send renders, tracks, and delivers one email to one recipient, then
// records the terminal outcome on the recipient row and the delivery log.
func (d *Dispatcher) Send(ctx context.Context, campaign *domain.Campaign, sender *domain.SmtpSender, rcpt *domain.Recipient) SendOutcome {
	params := mailing.MergeParams(campaign.DefaultParams, rcpt.Metadata, rcpt.Name, rcpt.Email)
	msg := &Message{
		To:      rcpt.Email,
		ToName:  params["name"],
		Subject: mailing.Render(campaign.Subject, params),
	}
	body := mailing.Render(campaign.HTMLBody, params)
	msg.HTMLBody = mailing.InjectTracking(body, campaign.ID, rcpt.ID, d.trackingURL)

	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		lastErr = d.attempt(ctx, sender, msg)
		if lastErr == nil {
			return d.recordSuccess(ctx, campaign, sender, rcpt, attempt+1)
		}

		if !IsRateLimitError(lastErr) || attempt == d.maxRetries-1 {
			return d.recordFailure(ctx, campaign, sender, rcpt, attempt+1, lastErr)
		}

		// Provider is throttling: bump the sender's usage so the selector
		// deprioritizes it, then back off before the next attempt.
		if err := d.senders.BumpUsage(ctx, sender.ID); err != nil {
			log.Printf("[Dispatcher] usage bump for sender %s: %v", sender.ID, err)
		}
		delay := d.backoffBase << uint(attempt)
		log.Printf("[Dispatcher] rate limited sending to %s (attempt %d/%d), backing off %s: %v",
			rcpt.Email, attempt+1, d.maxRetries, delay, lastErr)
		d.sleep(delay)
	}

	// Unreachable: the loop always returns on the last attempt.
	return d.recordFailure(ctx, campaign, sender, rcpt, d.maxRetries, lastErr)
}

// attempt performs one transport send raced against the per-send timeout.
// The transport also sees the deadline through ctx, but the race guarantees
// a bounded wait even when a send blocks before the socket deadline applies.
func (d *Dispatcher) attempt(ctx context.Context, sender *domain.SmtpSender, msg *Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.transport.Send(sendCtx, sender, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return fmt.Errorf("send to %s timed out after %s", msg.To, d.sendTimeout)
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, campaign *domain.Campaign, sender *domain.SmtpSender, rcpt *domain.Recipient, attempts int) SendOutcome {
	marked, err := d.recipients.MarkSent(ctx, rcpt.ID)
	if err != nil {
		// The mail went out but the row is still pending. Reporting success
		// would count progress the store never saw.
		return SendOutcome{Attempts: attempts, Halt: true, Err: fmt.Errorf("mark sent: %w", err)}
	}
	if !marked {
		return SendOutcome{Success: true, Attempts: attempts, Duplicate: true}
	}
	if err := d.deliveries.RecordSend(ctx, campaign.ID, rcpt.ID, sender.ID, domain.DeliverySent, ""); err != nil {
		log.Printf("[Dispatcher] delivery log for %s: %v", rcpt.Email, err)
	}
	return SendOutcome{Success: true, Attempts: attempts}
}

func (d *Dispatcher) recordFailure(ctx context.Context, campaign *domain.Campaign, sender *domain.SmtpSender, rcpt *domain.Recipient, attempts int, sendErr error) SendOutcome {
	errMsg := sendErr.Error()
	if len(errMsg) > 255 {
		errMsg = errMsg[:255]
	}
	marked, err := d.recipients.MarkFailed(ctx, rcpt.ID, errMsg, attempts)
	if err != nil {
		return SendOutcome{Attempts: attempts, Halt: true, Err: fmt.Errorf("mark failed: %w", err)}
	}
	if !marked {
		return SendOutcome{Attempts: attempts, Err: sendErr, Duplicate: true}
	}
	if err := d.deliveries.RecordSend(ctx, campaign.ID, rcpt.ID, sender.ID, domain.DeliveryFailed, errMsg); err != nil {
		log.Printf("[Dispatcher] delivery log for %s: %v", rcpt.Email, err)
	}
	return SendOutcome{Attempts: attempts, Err: sendErr}
}
