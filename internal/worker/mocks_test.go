package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mailstorm/engine/internal/domain"
)

// =============================================================================
// IN-MEMORY STORE DOUBLES
// =============================================================================
// Mutex-guarded stand-ins for the Postgres repositories. The mutex plays the
// role of the serializable transaction: claim decisions and counter bumps are
// atomic with respect to concurrent invocations.

type memCampaignStore struct {
	mu    sync.Mutex
	camp  *domain.Campaign
	rcpts *memRecipientStore

	finalizeCalls int
	lastError     string
}

func newMemCampaignStore(camp *domain.Campaign, rcpts *memRecipientStore) *memCampaignStore {
	return &memCampaignStore{camp: camp, rcpts: rcpts}
}

func (s *memCampaignStore) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.camp
	return &cp, nil
}

func (s *memCampaignStore) Claim(ctx context.Context, id uuid.UUID, batchIndex int, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.camp
	if !c.Runnable() {
		return false, nil
	}
	if c.Status == domain.CampaignProcessing && c.LastProcessedAt != nil &&
		time.Since(*c.LastProcessedAt) < staleAfter && batchIndex != c.NextBatchIndex {
		return false, nil
	}
	now := time.Now()
	c.Status = domain.CampaignProcessing
	c.LastProcessedAt = &now
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	c.NextBatchIndex = batchIndex + 1
	return true, nil
}

func (s *memCampaignStore) Heartbeat(ctx context.Context, id uuid.UUID, batchIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.camp.LastProcessedAt = &now
	s.camp.NextBatchIndex = batchIndex
	return nil
}

func (s *memCampaignStore) AddCounts(ctx context.Context, id uuid.UUID, success, fail int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camp.SuccessCount += success
	s.camp.FailCount += fail
	s.camp.ProcessedCount += success + fail
	return nil
}

func (s *memCampaignStore) SetLastError(ctx context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
	s.camp.LastError = msg
	return nil
}

func (s *memCampaignStore) Finalize(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCalls++
	c := s.camp
	if c.IsTerminal() && c.CompletedAt != nil {
		cp := *c
		return &cp, nil
	}
	_, sent, failed := s.rcpts.counts()
	c.SuccessCount = sent
	c.FailCount = failed
	c.ProcessedCount = sent + failed
	switch {
	case failed == 0:
		c.Status = domain.CampaignSent
	case sent == 0:
		c.Status = domain.CampaignFailed
	default:
		c.Status = domain.CampaignPartial
	}
	now := time.Now()
	c.CompletedAt = &now
	cp := *c
	return &cp, nil
}

func (s *memCampaignStore) Stalled(ctx context.Context, olderThan time.Duration) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.camp
	if c.Status == domain.CampaignProcessing && c.LastProcessedAt != nil &&
		time.Since(*c.LastProcessedAt) > olderThan {
		return []domain.Campaign{*c}, nil
	}
	return nil, nil
}

type memRecipientStore struct {
	mu    sync.Mutex
	rcpts []*domain.Recipient

	// countsHook, when set, replaces the computed counts (for anomaly
	// scenarios where the stored totals deliberately disagree).
	countsHook func() (total, sent, failed int)

	// markSentErr fails MarkSent at the store level without touching rows.
	markSentErr error
}

func newMemRecipientStore(rcpts ...*domain.Recipient) *memRecipientStore {
	return &memRecipientStore{rcpts: rcpts}
}

func (s *memRecipientStore) NextPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Recipient
	for _, r := range s.rcpts {
		if r.Status == domain.RecipientPending {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memRecipientStore) MarkSent(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSentErr != nil {
		return false, s.markSentErr
	}
	for _, r := range s.rcpts {
		if r.ID == id {
			if r.Status != domain.RecipientPending {
				return false, nil
			}
			now := time.Now()
			r.Status = domain.RecipientSent
			r.SentAt = &now
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (s *memRecipientStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rcpts {
		if r.ID == id {
			if r.Status != domain.RecipientPending {
				return false, nil
			}
			r.Status = domain.RecipientFailed
			r.ErrorMsg = errMsg
			r.RetryCount = attempts
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (s *memRecipientStore) Counts(ctx context.Context, campaignID uuid.UUID) (int, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countsHook != nil {
		t, sent, failed := s.countsHook()
		return t, sent, failed, nil
	}
	t, sent, failed := s.counts()
	return t, sent, failed, nil
}

// counts assumes the caller holds the lock or accepts a race-free snapshot.
func (s *memRecipientStore) counts() (total, sent, failed int) {
	for _, r := range s.rcpts {
		total++
		switch r.Status {
		case domain.RecipientSent:
			sent++
		case domain.RecipientFailed:
			failed++
		}
	}
	return
}

type memSenderStore struct {
	mu      sync.Mutex
	senders []*domain.SmtpSender
	bumps   []uuid.UUID
}

func newMemSenderStore(senders ...*domain.SmtpSender) *memSenderStore {
	return &memSenderStore{senders: senders}
}

func (s *memSenderStore) NextAvailable(ctx context.Context, userID uuid.UUID) (*domain.SmtpSender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	today := now.Format("2006-01-02")

	var best *domain.SmtpSender
	for _, cand := range s.ordered() {
		if cand.UserID != userID {
			continue
		}
		if cand.LastQuotaReset == nil || cand.LastQuotaReset.Format("2006-01-02") != today {
			cand.UsedToday = 0
			reset := now
			cand.LastQuotaReset = &reset
		}
		if cand.HasCapacity() {
			best = cand
			break
		}
	}
	if best == nil {
		return nil, nil
	}
	best.UsedToday++
	used := now
	best.LastUsed = &used
	cp := *best
	return &cp, nil
}

func (s *memSenderStore) ordered() []*domain.SmtpSender {
	out := make([]*domain.SmtpSender, len(s.senders))
	copy(out, s.senders)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && senderLess(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func senderLess(a, b *domain.SmtpSender) bool {
	if a.UsedToday != b.UsedToday {
		return a.UsedToday < b.UsedToday
	}
	if a.LastUsed == nil {
		return b.LastUsed != nil
	}
	if b.LastUsed == nil {
		return false
	}
	return a.LastUsed.Before(*b.LastUsed)
}

func (s *memSenderStore) BumpUsage(ctx context.Context, senderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumps = append(s.bumps, senderID)
	for _, snd := range s.senders {
		if snd.ID == senderID {
			snd.UsedToday++
		}
	}
	return nil
}

type deliveryRecord struct {
	SenderID uuid.UUID
	Status   domain.DeliveryStatus
	ErrorMsg string
}

type memDeliveryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]deliveryRecord // keyed by recipient id
}

func newMemDeliveryStore() *memDeliveryStore {
	return &memDeliveryStore{records: make(map[uuid.UUID]deliveryRecord)}
}

func (s *memDeliveryStore) RecordSend(ctx context.Context, campaignID, recipientID, senderID uuid.UUID, status domain.DeliveryStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recipientID] = deliveryRecord{SenderID: senderID, Status: status, ErrorMsg: errMsg}
	return nil
}

// =============================================================================
// TRANSPORT AND SCHEDULER DOUBLES
// =============================================================================

// MockTransport scripts per-recipient error sequences. Errors are consumed
// one per attempt; an exhausted script means success.
type MockTransport struct {
	mu    sync.Mutex
	delay time.Duration
	errs  map[string][]error
	sends map[string]int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{errs: make(map[string][]error), sends: make(map[string]int)}
}

func (m *MockTransport) FailWith(email string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[email] = append(m.errs[email], errs...)
}

func (m *MockTransport) Send(ctx context.Context, sender *domain.SmtpSender, msg *Message) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends[msg.To]++
	if queue := m.errs[msg.To]; len(queue) > 0 {
		err := queue[0]
		m.errs[msg.To] = queue[1:]
		return err
	}
	return nil
}

func (m *MockTransport) SendCount(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends[email]
}

// chainScheduler emulates the continuation loop: Schedule runs the next
// batch synchronously through the driver, like the HTTP self-POST would,
// unless told to fail.
type chainScheduler struct {
	mu     sync.Mutex
	driver *Driver
	fail   error
	calls  []int
}

func (c *chainScheduler) Schedule(ctx context.Context, campaignID uuid.UUID, batchIndex int) error {
	c.mu.Lock()
	c.calls = append(c.calls, batchIndex)
	fail := c.fail
	driver := c.driver
	c.mu.Unlock()

	if fail != nil {
		return fail
	}
	if driver != nil {
		_, err := driver.Run(ctx, campaignID, batchIndex)
		return err
	}
	return nil
}

func (c *chainScheduler) Calls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.calls))
	copy(out, c.calls)
	return out
}
