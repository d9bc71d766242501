package labelio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/governor"
	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/metrics"
	"github.com/3mdistal/ralph-sub004/pkg/storage"
)

// Marker comment kinds.
const (
	MarkerEscalation   = "escalation"
	MarkerBlocked      = "blocked"
	MarkerConflict     = "merge-conflict"
	MarkerVerification = "parent-verification"
)

// markerPages bounds how deep the upsert searches for an existing
// marker before concluding it is absent.
const markerPages = 3

// coalesceWindow merges bursts of identical semantic writes to the
// same marker into one network write.
const coalesceWindow = 300 * time.Millisecond

// failureCooldown suppresses non-critical upsert retries against an
// issue after a transient failure.
const failureCooldown = 60 * time.Second

// MarkerID derives the stable marker id for a comment kind on an
// issue. Reruns produce the same id, so upserts edit instead of spam.
func MarkerID(repo string, number int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", repo, number)))
	return hex.EncodeToString(sum[:8])
}

// Marker renders the HTML-comment marker embedded in upserted bodies.
func Marker(kind, id string) string {
	return fmt.Sprintf("<!-- ralph-%s:id=%s -->", kind, id)
}

// semanticHash hashes the comment body with trailing whitespace
// stripped per line so formatting jitter does not defeat idempotency.
func semanticHash(body string) string {
	lines := strings.Split(body, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.Join(lines, "\n"))))
	return hex.EncodeToString(sum[:])
}

// UpsertAction reports what an upsert did.
type UpsertAction string

const (
	UpsertNoop    UpsertAction = "noop"
	UpsertPatched UpsertAction = "patch"
	UpsertPosted  UpsertAction = "post"
	UpsertSkipped UpsertAction = "skipped"
)

// Commenter upserts marker-keyed comments.
type Commenter struct {
	svc    hosting.Interface
	store  storage.Store
	gov    *governor.Governor
	logger zerolog.Logger

	mu        sync.Mutex
	lastWrite map[string]lastWrite  // marker key -> coalescing state
	cooldown  map[string]time.Time  // "repo#number" -> suppress until

	now func() time.Time
}

type lastWrite struct {
	hash string
	at   time.Time
}

// CommenterOption configures optional collaborators.
type CommenterOption func(*Commenter)

// WithCommenterGovernor routes comment writes through the budget
// governor: escalation-grade upserts ride the critical lane, the rest
// ride best-effort and may be deferred.
func WithCommenterGovernor(g *governor.Governor) CommenterOption {
	return func(c *Commenter) { c.gov = g }
}

// NewCommenter creates a commenter backed by the idempotency ledger.
func NewCommenter(svc hosting.Interface, store storage.Store, opts ...CommenterOption) *Commenter {
	c := &Commenter{
		svc:       svc,
		store:     store,
		logger:    log.WithComponent("labelio"),
		lastWrite: make(map[string]lastWrite),
		cooldown:  make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upsert writes body under the (kind, issue) marker:
//
//  1. identical semantic hash within the coalescing window, or matching
//     the stored idempotency payload, is a no-op;
//  2. an existing marker comment with a different hash is patched;
//  3. an absent marker is posted fresh.
//
// critical upserts bypass the per-issue failure cooldown.
func (c *Commenter) Upsert(ctx context.Context, repo string, number int, kind, body string, critical bool) (UpsertAction, error) {
	issueKey := fmt.Sprintf("%s#%d", repo, number)
	id := MarkerID(repo, number)
	marker := Marker(kind, id)
	markerKey := fmt.Sprintf("comment:%s:%s:%s", issueKey, kind, id)
	hash := semanticHash(body)
	now := c.now()

	c.mu.Lock()
	if until, ok := c.cooldown[issueKey]; ok && until.After(now) && !critical {
		c.mu.Unlock()
		return UpsertSkipped, fmt.Errorf("labelio: %s comment cooling down until %s", issueKey, until.Format(time.RFC3339))
	}
	if lw, ok := c.lastWrite[markerKey]; ok && lw.hash == hash && now.Sub(lw.at) < coalesceWindow {
		c.mu.Unlock()
		metrics.CommentUpserts.WithLabelValues(string(UpsertNoop)).Inc()
		return UpsertNoop, nil
	}
	c.mu.Unlock()

	lane := governor.LaneBestEffort
	if critical {
		lane = governor.LaneCritical
	}
	if dec := c.gov.Acquire(lane, governor.CostWrite); !dec.OK {
		return UpsertSkipped, fmt.Errorf("labelio: %s comment deferred (%s) until %s", issueKey, dec.Reason, dec.Until.Format(time.RFC3339))
	}

	c.mu.Lock()
	c.lastWrite[markerKey] = lastWrite{hash: hash, at: now}
	c.mu.Unlock()

	claimed, existing, err := c.store.ClaimIdempotency(markerKey, hash)
	if err != nil {
		return UpsertSkipped, err
	}
	if !claimed && existing != nil && existing.PayloadHash == hash {
		metrics.CommentUpserts.WithLabelValues(string(UpsertNoop)).Inc()
		return UpsertNoop, nil
	}

	full := marker + "\n" + body
	action, resultURL, err := c.write(ctx, repo, number, marker, full)
	if err != nil {
		// Drop the claim so the next attempt re-presents the write.
		if delErr := c.store.DeleteIdempotency(markerKey); delErr != nil {
			c.logger.Warn().Err(delErr).Str("key", markerKey).Msg("Failed to release idempotency claim")
		}
		if kindOf := hosting.KindOf(err); kindOf == hosting.KindTransient || kindOf == hosting.KindRateLimit {
			c.mu.Lock()
			c.cooldown[issueKey] = now.Add(failureCooldown)
			c.mu.Unlock()
		}
		return UpsertSkipped, err
	}

	if err := c.store.SetIdempotencyResult(markerKey, resultURL); err != nil {
		c.logger.Warn().Err(err).Str("key", markerKey).Msg("Failed to record upsert result")
	}
	c.mu.Lock()
	delete(c.cooldown, issueKey)
	c.mu.Unlock()
	metrics.CommentUpserts.WithLabelValues(string(action)).Inc()
	return action, nil
}

// write finds the marker among recent comments and patches it, or
// posts a fresh comment when absent.
func (c *Commenter) write(ctx context.Context, repo string, number int, marker, full string) (UpsertAction, string, error) {
	comments, err := c.svc.ListComments(ctx, repo, number, markerPages)
	if err != nil {
		return UpsertSkipped, "", err
	}
	for _, existing := range comments {
		if strings.Contains(existing.Body, marker) {
			updated, err := c.svc.UpdateComment(ctx, repo, existing.ID, full)
			if err != nil {
				return UpsertSkipped, "", err
			}
			return UpsertPatched, updated.HTMLURL, nil
		}
	}
	posted, err := c.svc.CreateComment(ctx, repo, number, full)
	if err != nil {
		return UpsertSkipped, "", err
	}
	return UpsertPosted, posted.HTMLURL, nil
}
