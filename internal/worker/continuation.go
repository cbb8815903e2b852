package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mailstorm/engine/internal/pkg/httpretry"
)

// ContinuationScheduler schedules the next batch of a campaign. The
// production implementation re-enters the engine through a self-issued HTTP
// POST; tests swap in a fake. Keeping the driver behind this interface keeps
// the batch logic host-agnostic (a timer or a queue consumer could drive it
// the same way).
type ContinuationScheduler interface {
	Schedule(ctx context.Context, campaignID uuid.UUID, batchIndex int) error
}

// ContinuationRequest is the continuation trigger body. The secret is a
// pre-shared value compared exactly by the receiving endpoint.
type ContinuationRequest struct {
	CampaignID string `json:"campaign_id"`
	BatchIndex int    `json:"batch_index"`
	Secret     string `json:"secret"`
	Timestamp  int64  `json:"timestamp"`
}

// HTTPContinuation POSTs the continuation trigger back at the engine's own
// endpoint. The endpoint answers 202 before running the batch, so the call
// returns quickly; a non-2xx answer or transport error tells the caller to
// fall back to running the next batch in-process.
type HTTPContinuation struct {
	endpoint string
	secret   string
	delay    time.Duration
	client   *httpretry.Client
}

// NewHTTPContinuation creates the self-trigger client. delay is a short
// pre-POST pause that keeps a fast campaign from hammering its own endpoint.
// The POST itself is retried a couple of times before the caller's
// in-process fallback takes over.
func NewHTTPContinuation(endpoint, secret string, delay time.Duration) *HTTPContinuation {
	return &HTTPContinuation{
		endpoint: endpoint,
		secret:   secret,
		delay:    delay,
		client:   httpretry.New(&http.Client{Timeout: 10 * time.Second}, 2),
	}
}

// Schedule issues the continuation POST for the given batch index.
func (h *HTTPContinuation) Schedule(ctx context.Context, campaignID uuid.UUID, batchIndex int) error {
	if h.endpoint == "" {
		return fmt.Errorf("no continuation endpoint configured")
	}

	if h.delay > 0 {
		if err := sleepCtx(ctx, h.delay); err != nil {
			return err
		}
	}

	body, err := json.Marshal(ContinuationRequest{
		CampaignID: campaignID.String(),
		BatchIndex: batchIndex,
		Secret:     h.secret,
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal continuation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build continuation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("continuation POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("continuation POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
