package hosting

import (
	"context"
	"sync"
	"time"
)

// backoffRegistry tracks rate-limit cooldowns keyed by token. Different
// tokens never inherit each other's cooldown.
type backoffRegistry struct {
	mu        sync.Mutex
	resumeAt  map[string]time.Time
	remaining map[string]int
}

var registry = &backoffRegistry{
	resumeAt:  make(map[string]time.Time),
	remaining: make(map[string]int),
}

// ResetBackoffs clears all token cooldowns and quota observations. Test hook.
func ResetBackoffs() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.resumeAt = make(map[string]time.Time)
	registry.remaining = make(map[string]int)
}

// noteQuota records the remaining-quota header observed on a response.
func (r *backoffRegistry) noteQuota(token string, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining[token] = remaining
}

// QuotaRemaining reports the last observed remaining quota for a token,
// -1 when nothing has been observed yet.
func QuotaRemaining(token string) int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if v, ok := registry.remaining[token]; ok {
		return v
	}
	return -1
}

// noteRateLimit records the resume instant for a token. Later instants
// win; a zero instant falls back to a minute of cooldown.
func (r *backoffRegistry) noteRateLimit(token string, resumeAt, now time.Time) {
	if resumeAt.IsZero() {
		resumeAt = now.Add(time.Minute)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.resumeAt[token]; !ok || resumeAt.After(cur) {
		r.resumeAt[token] = resumeAt
	}
}

// waitFor returns how long the token must still sleep, zero when clear.
func (r *backoffRegistry) waitFor(token string, now time.Time) time.Duration {
	r.mu.Lock()
	resumeAt, ok := r.resumeAt[token]
	r.mu.Unlock()
	if !ok || !resumeAt.After(now) {
		return 0
	}
	return resumeAt.Sub(now)
}

// ResumeAt reports the cooldown instant for a token, zero when clear.
// Used by the governor's global cooldown observer.
func ResumeAt(token string) time.Time {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.resumeAt[token]
}

// sleepUntilClear blocks until the token's cooldown elapses or ctx is
// cancelled. Returns the duration slept.
func (r *backoffRegistry) sleepUntilClear(ctx context.Context, token string, now func() time.Time, sleep func(context.Context, time.Duration) error) (time.Duration, error) {
	d := r.waitFor(token, now())
	if d <= 0 {
		return 0, nil
	}
	if err := sleep(ctx, d); err != nil {
		return 0, err
	}
	return d, nil
}

// ctxSleep sleeps for d or until ctx is done.
func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
