package hosting

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"success", 200, "", KindOK},
		{"created", 201, "", KindOK},
		{"too many requests", 429, "", KindRateLimit},
		{"forbidden plain", 403, `{"message":"Resource not accessible"}`, KindAuth},
		{"forbidden primary limit", 403, `{"message":"API rate limit exceeded"}`, KindRateLimit},
		{"forbidden secondary limit", 403, `{"message":"You have exceeded a secondary rate limit"}`, KindRateLimit},
		{"forbidden abuse", 403, `{"message":"abuse detection mechanism triggered"}`, KindRateLimit},
		{"unauthorized", 401, `{"message":"Bad credentials"}`, KindAuth},
		{"not found", 404, "", KindNotFound},
		{"conflict", 409, "", KindConflict},
		{"precondition failed", 412, "", KindConflict},
		{"server error", 500, "", KindTransient},
		{"bad gateway", 502, "", KindTransient},
		{"unprocessable", 422, "", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, tt.body))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindOK, KindOf(nil))
	assert.Equal(t, KindConflict, KindOf(&Error{Kind: KindConflict}))
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
}

func TestParseResumeAt(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("reset header wins", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-ratelimit-reset", "1777600000")
		h.Set("retry-after", "30")
		got := ParseResumeAt(h, "", now)
		assert.Equal(t, time.Unix(1777600000, 0), got)
	})

	t.Run("retry-after seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("retry-after", "45")
		assert.Equal(t, now.Add(45*time.Second), ParseResumeAt(h, "", now))
	})

	t.Run("body wait phrase", func(t *testing.T) {
		body := `{"message":"You have exceeded a secondary rate limit. Please retry your request again in 42 seconds."}`
		assert.Equal(t, now.Add(42*time.Second), ParseResumeAt(http.Header{}, body, now))
	})

	t.Run("nothing parses", func(t *testing.T) {
		assert.True(t, ParseResumeAt(http.Header{}, "slow down", now).IsZero())
	})
}

func TestBackoffRegistryIsPerToken(t *testing.T) {
	ResetBackoffs()
	t.Cleanup(ResetBackoffs)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	registry.noteRateLimit("tok-a", now.Add(time.Minute), now)

	assert.Equal(t, time.Minute, registry.waitFor("tok-a", now))
	assert.Zero(t, registry.waitFor("tok-b", now), "other token must not inherit cooldown")

	// Later instants win; earlier ones do not shorten the cooldown.
	registry.noteRateLimit("tok-a", now.Add(2*time.Minute), now)
	registry.noteRateLimit("tok-a", now.Add(30*time.Second), now)
	assert.Equal(t, 2*time.Minute, registry.waitFor("tok-a", now))

	// Zero resume instant defaults to a minute.
	registry.noteRateLimit("tok-c", time.Time{}, now)
	assert.Equal(t, time.Minute, registry.waitFor("tok-c", now))

	// Cleared once the instant passes.
	assert.Zero(t, registry.waitFor("tok-a", now.Add(3*time.Minute)))
}
