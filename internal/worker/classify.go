package worker

import "strings"

// rateLimitIndicators is the rule table for classifying a delivery error as
// provider throttling rather than a permanent per-recipient failure. SMTP
// servers rarely expose structured codes through net/smtp beyond the reply
// text, so the classifier matches on substrings; "421" covers the standard
// service-not-available reply used by most providers when deferring.
var rateLimitIndicators = []string{
	"rate",
	"limit",
	"421",
	"too many",
	"throttl",
	"quota exceeded",
	"try again later",
}

// IsRateLimitError reports whether err looks like provider rate-limiting.
// Rate-limit errors are retried in-process with backoff; everything else is
// recorded as a permanent failure for that recipient so one bad address can't
// burn the whole batch's retry budget.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range rateLimitIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
