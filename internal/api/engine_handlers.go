package api

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mailstorm/engine/internal/pkg/httputil"
	"github.com/mailstorm/engine/internal/worker"
)

// BatchRunner runs one campaign batch. Implemented by worker.Driver.
type BatchRunner interface {
	Run(ctx context.Context, campaignID uuid.UUID, batchIndex int) (*worker.BatchResult, error)
}

// StallScanner runs one watchdog pass. Implemented by worker.Watchdog.
type StallScanner interface {
	Scan(ctx context.Context) (*worker.ScanReport, error)
}

// Handlers carries the engine API's dependencies.
type Handlers struct {
	driver   BatchRunner
	watchdog StallScanner
	secret   string

	// batchTimeout bounds the detached batch run kicked off by a
	// continuation; it outlives the HTTP request on purpose.
	batchTimeout time.Duration
}

// NewHandlers wires the engine endpoint handlers. secret is the pre-shared
// continuation trigger secret.
func NewHandlers(driver BatchRunner, watchdog StallScanner, secret string) *Handlers {
	return &Handlers{
		driver:       driver,
		watchdog:     watchdog,
		secret:       secret,
		batchTimeout: 2 * time.Minute,
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleContinue is the continuation trigger: the engine POSTs it to itself
// between batches, and operators or the watchdog can hit it too. The secret
// is compared exactly; any mismatch is a 401. The batch itself runs detached
// so the caller gets its 202 immediately, which is what keeps the self-POST
// fire-and-forget.
func (h *Handlers) HandleContinue(w http.ResponseWriter, r *http.Request) {
	var req worker.ContinuationRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.secret)) != 1 {
		httputil.RetryLater(w, http.StatusUnauthorized, "unauthorized", time.Minute)
		return
	}

	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid campaign_id")
		return
	}
	if req.BatchIndex < 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid batch_index")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.batchTimeout)
		defer cancel()
		if _, err := h.driver.Run(ctx, campaignID, req.BatchIndex); err != nil {
			log.Printf("[EngineAPI] batch run campaign=%s batch=%d: %v", campaignID, req.BatchIndex, err)
		}
	}()

	httputil.JSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":    true,
		"campaign_id": campaignID,
		"batch_index": req.BatchIndex,
	})
}

// HandleScan triggers one stall watchdog pass and reports what it did.
func (h *Handlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.watchdog.Scan(r.Context())
	if err != nil {
		log.Printf("[EngineAPI] watchdog scan: %v", err)
		httputil.RetryLater(w, http.StatusInternalServerError, "scan failed", time.Minute)
		return
	}
	httputil.JSON(w, http.StatusOK, report)
}
