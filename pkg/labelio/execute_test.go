package labelio

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func seedIssue(fake *hosting.Fake, labels ...string) {
	issue := &hosting.Issue{Number: 7, State: "open"}
	for _, l := range labels {
		issue.Labels = append(issue.Labels, hosting.Label{Name: l})
	}
	fake.SeedIssue("acme/widgets", issue)
}

func TestExecuteAppliesAddsThenRemoves(t *testing.T) {
	fake := hosting.NewFake()
	seedIssue(fake, types.LabelQueued)
	e := NewExecutor(fake)

	ops, err := PlanLabelOps([]string{types.LabelInProgress}, []string{types.LabelQueued}, false)
	require.NoError(t, err)

	out := e.Execute(context.Background(), "acme/widgets", 7, ops)
	require.Equal(t, OutcomeOK, out.Kind)

	issue, err := fake.GetIssue(context.Background(), "acme/widgets", 7)
	require.NoError(t, err)
	assert.Equal(t, []string{types.LabelInProgress}, issue.LabelNames())
	assert.Equal(t, []string{"AddLabels", "RemoveLabel", "GetIssue"}, fake.Calls)
}

func TestExecuteRemoveAbsentLabelIsIdempotent(t *testing.T) {
	fake := hosting.NewFake()
	seedIssue(fake)
	e := NewExecutor(fake)

	out := e.Execute(context.Background(), "acme/widgets", 7,
		[]Op{{OpRemove, types.LabelQueued}})
	assert.Equal(t, OutcomeOK, out.Kind)
}

func TestExecuteEnsuresMissingLabelOnce(t *testing.T) {
	fake := hosting.NewFake()
	// Issue absent: AddLabels 404s, triggering the ensure path. Keep the
	// second add failing too so we can count attempts.
	e := NewExecutor(fake)

	out := e.Execute(context.Background(), "acme/widgets", 7,
		[]Op{{OpAdd, types.LabelQueued}})
	assert.NotEqual(t, OutcomeOK, out.Kind)
	assert.Equal(t, []string{"AddLabels", "EnsureLabel", "AddLabels"}, fake.Calls,
		"exactly one ensure-and-retry")
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	fake := hosting.NewFake()
	seedIssue(fake, types.LabelQueued)
	fake.FailWith["RemoveLabel"] = &hosting.Error{Kind: hosting.KindTransient, StatusCode: 502}
	e := NewExecutor(fake)

	out := e.Execute(context.Background(), "acme/widgets", 7, []Op{
		{OpAdd, types.LabelInProgress},
		{OpRemove, types.LabelQueued},
	})
	require.Equal(t, OutcomeTransient, out.Kind)
	assert.True(t, out.RolledBack)
	assert.Equal(t, []Op{{OpAdd, types.LabelInProgress}}, out.Applied)

	// Apply add, failed remove, then the best-effort rollback remove.
	assert.Equal(t, []string{"AddLabels", "RemoveLabel", "RemoveLabel"}, fake.Calls)
}

func TestExecuteTransientCooldown(t *testing.T) {
	fake := hosting.NewFake()
	seedIssue(fake)
	fake.FailWith["AddLabels"] = &hosting.Error{Kind: hosting.KindTransient, StatusCode: 502}
	e := NewExecutor(fake)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	out := e.Execute(context.Background(), "acme/widgets", 7, []Op{{OpAdd, types.LabelQueued}})
	require.Equal(t, OutcomeTransient, out.Kind)
	callsAfterFailure := len(fake.Calls)

	// Within the TTL the executor refuses without touching the service.
	out = e.Execute(context.Background(), "acme/widgets", 7, []Op{{OpAdd, types.LabelQueued}})
	assert.Equal(t, OutcomeTransient, out.Kind)
	assert.Len(t, fake.Calls, callsAfterFailure)

	// After the TTL it tries again.
	now = now.Add(time.Minute)
	fake.FailWith = map[string]error{}
	fake.SeedIssue("acme/widgets", &hosting.Issue{Number: 7, State: "open"})
	out = e.Execute(context.Background(), "acme/widgets", 7, []Op{{OpAdd, types.LabelQueued}})
	assert.Equal(t, OutcomeOK, out.Kind)
}

func TestExecuteClassifiesAuth(t *testing.T) {
	fake := hosting.NewFake()
	seedIssue(fake)
	fake.FailWith["AddLabels"] = &hosting.Error{Kind: hosting.KindAuth, StatusCode: 401}
	e := NewExecutor(fake)

	out := e.Execute(context.Background(), "acme/widgets", 7, []Op{{OpAdd, types.LabelQueued}})
	assert.Equal(t, OutcomeAuth, out.Kind)
}
