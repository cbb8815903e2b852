package tracking

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mailstorm/engine/internal/pkg/httputil"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EngagementStore advances per-recipient delivery logs. Implemented by the
// Postgres delivery repository.
type EngagementStore interface {
	RecordOpen(ctx context.Context, campaignID, recipientID uuid.UUID, userAgent, ip string) error
	RecordClick(ctx context.Context, campaignID, recipientID uuid.UUID, userAgent, ip string) error
}

// Handler serves the open-pixel and click-redirect endpoints. Both endpoints
// answer the client unconditionally; the engagement write happens in the
// background so a slow or broken database never delays a mail client's image
// fetch or a recipient's link click.
type Handler struct {
	store           EngagementStore
	defaultRedirect string
	writeTimeout    time.Duration
}

// NewHandler creates a tracking handler. defaultRedirect is where malformed
// click links land; never empty in production config.
func NewHandler(store EngagementStore, defaultRedirect string) *Handler {
	return &Handler{
		store:           store,
		defaultRedirect: defaultRedirect,
		writeTimeout:    5 * time.Second,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open", h.HandleOpen)
	r.Get("/track/click", h.HandleClick)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen serves the tracking pixel. The GIF goes out no matter what; a
// garbled query string only means no engagement row gets advanced.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	campaignID, recipientID, ok := parseIDs(r)
	if ok {
		h.recordAsync("open", campaignID, recipientID, r.UserAgent(), realIP(r), h.store.RecordOpen)
	}
	h.servePixel(w)
}

// HandleClick records the click and redirects to the original destination.
// The recipient always ends up somewhere: an invalid or unsafe url parameter
// falls back to the configured default redirect.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	campaignID, recipientID, ok := parseIDs(r)
	if ok {
		h.recordAsync("click", campaignID, recipientID, r.UserAgent(), realIP(r), h.store.RecordClick)
	}

	dest := r.URL.Query().Get("url")
	if !validRedirect(dest) {
		log.Printf("[Tracking] click with invalid url %q, using default redirect", dest)
		dest = h.defaultRedirect
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type recordFunc func(ctx context.Context, campaignID, recipientID uuid.UUID, userAgent, ip string) error

func (h *Handler) recordAsync(kind string, campaignID, recipientID uuid.UUID, userAgent, ip string, record recordFunc) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		defer cancel()
		if err := record(ctx, campaignID, recipientID, userAgent, ip); err != nil {
			log.Printf("[Tracking] record %s campaign=%s recipient=%s: %v", kind, campaignID, recipientID, err)
		}
	}()
}

func parseIDs(r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	q := r.URL.Query()
	campaignID, err := uuid.Parse(q.Get("c"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	recipientID, err := uuid.Parse(q.Get("r"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return campaignID, recipientID, true
}

// validRedirect accepts only absolute http(s) URLs, keeping the endpoint
// from becoming an open redirector for javascript: or scheme-relative links.
func validRedirect(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
