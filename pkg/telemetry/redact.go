package telemetry

import (
	"os"
	"regexp"
	"strings"
)

// Secret shapes redacted at emission. Known token prefixes, private-key
// blocks, AWS access-key ids, and the current home directory.
var (
	tokenRe      = regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr|github_pat)_[A-Za-z0-9_]{16,255}\b`)
	awsKeyRe     = regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)
	privateKeyRe = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)
)

const redactedMark = "[REDACTED]"

// Redact scrubs secrets from a string before it reaches disk or any
// external sink.
func Redact(s string) string {
	s = tokenRe.ReplaceAllString(s, redactedMark)
	s = awsKeyRe.ReplaceAllString(s, redactedMark)
	s = privateKeyRe.ReplaceAllString(s, redactedMark)
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		s = strings.ReplaceAll(s, home, "~")
	}
	return s
}

// redactValue applies Redact to string values, recursing into nested
// maps and slices as produced by event Data payloads.
func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = redactValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = redactValue(vv)
		}
		return out
	default:
		return v
	}
}
