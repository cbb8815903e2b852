package mailing

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// anchorRe matches href attributes on <a> tags only; <link>, <base> and
// other head-level elements must never be rewritten. The scheme filter
// happens in code, not in the pattern, so mailto:/tel:/fragment anchors pass
// through byte-identical.
var anchorRe = regexp.MustCompile(`(?i)(<a\s[^>]*?href=)["']([^"']+)["']`)

// bodyCloseRe locates </body> case-insensitively without transforming the
// HTML. Lowercasing a copy to search in is not safe here: ToLower can change
// byte length (U+0130 does), which would shift the insertion offset.
var bodyCloseRe = regexp.MustCompile(`(?i)</body>`)

// InjectTracking rewrites outbound HTML for engagement tracking:
//
//   - an invisible 1x1 pixel pointing at the open endpoint is placed
//     immediately before the closing </body> tag (appended when absent), and
//   - every anchor href is rewritten to the click redirect URL carrying the
//     campaign id, recipient id, and the original target URL-encoded.
//
// Anchors whose URL starts with "#", "mailto:" or "tel:" are left untouched,
// as are links that already point at the tracking host.
func InjectTracking(html string, campaignID, recipientID uuid.UUID, baseURL string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")

	html = anchorRe.ReplaceAllStringFunc(html, func(match string) string {
		m := anchorRe.FindStringSubmatch(match)
		prefix, orig := m[1], m[2]
		if skipTracking(orig, baseURL) {
			return match
		}
		redirect := fmt.Sprintf("%s/track/click?c=%s&r=%s&url=%s",
			baseURL, campaignID, recipientID, url.QueryEscape(orig))
		return fmt.Sprintf(`%s"%s"`, prefix, redirect)
	})

	pixel := fmt.Sprintf(
		`<img src="%s/track/open?c=%s&r=%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		baseURL, campaignID, recipientID)

	if locs := bodyCloseRe.FindAllStringIndex(html, -1); len(locs) > 0 {
		idx := locs[len(locs)-1][0]
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

// skipTracking reports whether an href must not be rewritten.
func skipTracking(href, baseURL string) bool {
	lower := strings.ToLower(href)
	if strings.HasPrefix(href, "#") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") {
		return true
	}
	// Don't double-wrap links that already go through the tracker.
	return strings.HasPrefix(href, baseURL+"/track/")
}
