package hosting

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	ResetBackoffs()
	t.Cleanup(ResetBackoffs)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, Token: "tok-test"})
	return c, srv
}

func TestGetIssue(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/issues/42", r.URL.Path)
		assert.Equal(t, "Bearer tok-test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"number":42,"state":"open","labels":[{"name":"ralph:status:queued"}]}`)
	}))

	issue, err := c.GetIssue(context.Background(), "acme/widgets", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, []string{"ralph:status:queued"}, issue.LabelNames())
}

func TestDoClassifiesAndRecordsCooldown(t *testing.T) {
	reset := time.Now().Add(90 * time.Second).Unix()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-reset", fmt.Sprint(reset))
		w.Header().Set("x-github-request-id", "ABCD:1234")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
	}))

	_, err := c.GetIssue(context.Background(), "acme/widgets", 1)
	require.Error(t, err)
	assert.Equal(t, KindRateLimit, KindOf(err))

	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "ABCD:1234", herr.RequestID)
	assert.Equal(t, time.Unix(reset, 0), herr.ResumeAt)
	assert.Equal(t, time.Unix(reset, 0), ResumeAt("tok-test"), "cooldown recorded for token")
}

func TestDoSleepsOutCooldownBeforeRequest(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":7}`)
	}))

	var slept atomic.Int64
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept.Store(int64(d))
		return nil
	}
	registry.noteRateLimit("tok-test", time.Now().Add(time.Minute), time.Now())

	_, err := c.GetIssue(context.Background(), "acme/widgets", 7)
	require.NoError(t, err)
	assert.Greater(t, slept.Load(), int64(50*time.Second), "request waited for the reset")
}

func TestDoDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := c.AddLabels(context.Background(), "acme/widgets", 1, []string{"ralph:status:queued"})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "writes must not be retried inside the client")
}

func TestEnsureLabelTreatsConflictAsSuccess(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"already_exists"}`)
	}))
	assert.NoError(t, c.EnsureLabel(context.Background(), "acme/widgets", "ralph:status:queued"))
}

func TestMergePRSendsExpectedSHA(t *testing.T) {
	var gotBody string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/repos/acme/widgets/pulls/9/merge", r.URL.Path)
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		fmt.Fprint(w, `{"merged":true}`)
	}))

	require.NoError(t, c.MergePR(context.Background(), "acme/widgets", 9, "abc123"))
	assert.Contains(t, gotBody, `"sha":"abc123"`)
}

func TestIssueRelations(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql", r.URL.Path)
		fmt.Fprint(w, `{"data":{"repository":{"issue":{
			"blockedByIssues":{"pageInfo":{"hasNextPage":false},"nodes":[{"number":3,"state":"CLOSED"},{"number":4,"state":"OPEN"}]},
			"subIssues":{"pageInfo":{"hasNextPage":true},"nodes":[{"number":10,"state":"OPEN"}]},
			"closedByPullRequestsReferences":{"nodes":[{"number":88}]}
		}}}}`)
	}))

	rel, err := c.IssueRelations(context.Background(), "acme/widgets", 5)
	require.NoError(t, err)
	assert.True(t, rel.BlockedByComplete)
	assert.False(t, rel.SubIssuesComplete, "truncated page means incomplete coverage")
	require.Len(t, rel.BlockedBy, 2)
	assert.True(t, rel.BlockedBy[0].Closed())
	assert.False(t, rel.BlockedBy[1].Closed())
	assert.Equal(t, []int{88}, rel.ClosingPRs)
}

func TestIssueRelationsMissingIssue(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"repository":{"issue":null}}}`)
	}))
	_, err := c.IssueRelations(context.Background(), "acme/widgets", 404)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestMergeStateMapping(t *testing.T) {
	pr := &PullRequest{MergeableState: "behind"}
	assert.Equal(t, "BEHIND", string(pr.MergeState()))
	pr.MergeableState = "weird"
	assert.Equal(t, "UNKNOWN", string(pr.MergeState()))
}
