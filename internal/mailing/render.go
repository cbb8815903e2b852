// Package mailing holds the pure content-transformation helpers used at send
// time: placeholder substitution and tracking injection. Nothing in here
// touches the database or the network.
package mailing

import (
	"regexp"
)

// placeholderRe matches {{key}} and {{ key }} merge tags. Keys are
// case-sensitive; whitespace inside the braces is ignored.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Render substitutes every {{key}} placeholder in text with params[key].
// Placeholders with no matching param are left verbatim so a half-configured
// template is visible in the delivered mail rather than silently blanked.
func Render(text string, params map[string]string) string {
	if text == "" || len(params) == 0 {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if val, ok := params[key]; ok {
			return val
		}
		return match
	})
}

// MergeParams layers recipient metadata over campaign-level defaults.
// Recipient values win on key collision. The recipient's name (or email when
// the name is empty) is always available as {{name}}, and the address as
// {{email}}.
func MergeParams(defaults, metadata map[string]string, name, email string) map[string]string {
	params := make(map[string]string, len(defaults)+len(metadata)+2)
	for k, v := range defaults {
		params[k] = v
	}
	for k, v := range metadata {
		params[k] = v
	}
	if _, ok := params["email"]; !ok {
		params["email"] = email
	}
	if params["name"] == "" {
		if name != "" {
			params["name"] = name
		} else {
			params["name"] = email
		}
	}
	return params
}
