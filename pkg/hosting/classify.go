package hosting

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a hosting-service response.
type ErrorKind string

const (
	KindOK        ErrorKind = "ok"
	KindRateLimit ErrorKind = "rate_limit"
	KindAuth      ErrorKind = "auth"
	KindNotFound  ErrorKind = "not_found"
	KindConflict  ErrorKind = "conflict"
	KindTransient ErrorKind = "transient"
	KindUnknown   ErrorKind = "unknown"
)

// Error is a classified hosting-service error.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RequestID  string

	// ResumeAt is set for rate_limit errors when a reset instant could
	// be computed.
	ResumeAt time.Time
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("hosting: %s (status %d, request %s): %s", e.Kind, e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("hosting: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// KindOf extracts the classification from any error. Non-hosting errors
// (timeouts, connection resets) classify as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOK
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindTransient
}

// Rate-limit body family: primary, secondary, and the generic
// "you have exceeded" phrasing.
var rateLimitBodyRe = regexp.MustCompile(`(?i)rate limit|secondary rate|abuse detection|you have exceeded`)

// secondaryWaitRe matches the wait instruction embedded in secondary
// limit messages, e.g. "Please retry your request again in 42 seconds."
var secondaryWaitRe = regexp.MustCompile(`(?i)(?:retry|wait).{0,40}?(\d+)\s*(?:more\s+)?seconds`)

// Classify maps a response to an error kind per the policy table.
func Classify(statusCode int, body string) ErrorKind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return KindOK
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		if rateLimitBodyRe.MatchString(body) {
			return KindRateLimit
		}
		return KindAuth
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusConflict, statusCode == http.StatusPreconditionFailed:
		return KindConflict
	case statusCode >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// ParseResumeAt computes the instant a rate-limited token may resume.
// Preference order: x-ratelimit-reset header (unix seconds), retry-after
// header (seconds), then the wait embedded in the secondary-limit body.
// Zero time when nothing parses.
func ParseResumeAt(header http.Header, body string, now time.Time) time.Time {
	if v := header.Get("x-ratelimit-reset"); v != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Unix(secs, 0)
		}
	}
	if v := header.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	if m := secondaryWaitRe.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}
