// Package redact strips sensitive values from log output before it leaves
// the process boundary.
//
// Secrets that must never appear in kioku log lines or run summaries:
//   - embedding service API keys
//   - passwords embedded in database connection strings
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.
package redact

import (
	"net/url"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(err.Error(), apiKey)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// DSN returns a printable form of a database URL with the password replaced
// by [REDACTED]. Strings that do not parse as URLs, or carry no password,
// are returned with any "password=" keyword value masked instead so that
// libpq-style key/value DSNs are covered too.
func DSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), placeholder)
			// url.String escapes the brackets; undo that for readability.
			return strings.Replace(u.String(), url.QueryEscape(placeholder), placeholder, 1)
		}
		return dsn
	}
	return maskKeyword(dsn, "password=")
}

func maskKeyword(s, keyword string) string {
	idx := strings.Index(strings.ToLower(s), keyword)
	if idx < 0 {
		return s
	}
	start := idx + len(keyword)
	end := strings.IndexAny(s[start:], " \t")
	if end < 0 {
		return s[:start] + placeholder
	}
	return s[:start] + placeholder + s[start+end:]
}
