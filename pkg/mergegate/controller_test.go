package mergegate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

const testRepo = "acme/widgets"

func testParams(required ...string) Params {
	return Params{
		Repo:           types.Repo{Owner: "acme", Name: "widgets", BotBranch: "bot/integration"},
		PRNumber:       999,
		RequiredChecks: required,
		Timeout:        time.Minute,
		PollInterval:   time.Millisecond,
	}
}

func newController(f *hosting.Fake) *Controller {
	c := NewController(f, labelio.NewExecutor(f))
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func seedPR(f *hosting.Fake, sha, state, base string) *hosting.PullRequest {
	pr := &hosting.PullRequest{
		Number:         999,
		HTMLURL:        "https://github.com/acme/widgets/pull/999",
		State:          "open",
		MergeableState: state,
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	pr.Head.SHA = sha
	pr.Head.Ref = "ralph/task-42"
	pr.Base.Ref = base
	f.SeedPR(testRepo, pr)
	return pr
}

func TestRunHappyPath(t *testing.T) {
	f := hosting.NewFake()
	f.SeedIssue(testRepo, &hosting.Issue{Number: 42, State: "open",
		Labels: []hosting.Label{{Name: types.LabelInProgress}}})
	seedPR(f, "abc123", "clean", "bot/integration")
	f.SeedChecks(testRepo, "abc123", []*hosting.CheckRun{
		{Name: "ci", Status: "completed", Conclusion: "success"},
	})

	res, err := newController(f).Run(context.Background(), testParams("ci"), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, 1, res.MergeAttempts)
	assert.Contains(t, f.Calls, "DeleteBranch", "head branch deleted when base is not main")

	issue, _ := f.GetIssue(context.Background(), testRepo, 42)
	assert.Contains(t, issue.LabelNames(), types.LabelInBot)
	assert.NotContains(t, issue.LabelNames(), types.LabelInProgress)
}

func TestRunDirtyShortCircuitsToConflict(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "dirty", "bot/integration")

	res, err := newController(f).Run(context.Background(), testParams("ci"), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.Equal(t, "abc123", res.HeadSHA)
	assert.NotContains(t, f.Calls, "MergePR")
}

func TestRunBehindThenMerge(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "clean", "bot/integration")
	f.SeedChecks(testRepo, "abc123", []*hosting.CheckRun{
		{Name: "ci", Status: "completed", Conclusion: "success"},
	})
	f.SeedChecks(testRepo, "abc123+updated", []*hosting.CheckRun{
		{Name: "ci", Status: "completed", Conclusion: "success"},
	})
	f.FailOnceWith["MergePR"] = &hosting.Error{
		Kind: hosting.KindConflict, StatusCode: 405,
		Message: "Head branch is not up to date with the base branch",
	}

	res, err := newController(f).Run(context.Background(), testParams("ci"), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, 2, res.MergeAttempts)
	assert.Equal(t, 1, res.BranchUpdates)
	assert.Equal(t, "abc123+updated", res.HeadSHA, "second merge must use the post-update SHA")
}

func TestRunNoSecondMergeWithoutBranchUpdate(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "clean", "bot/integration")
	f.SeedChecks(testRepo, "abc123", []*hosting.CheckRun{
		{Name: "ci", Status: "completed", Conclusion: "success"},
	})
	f.FailOnceWith["MergePR"] = &hosting.Error{Kind: hosting.KindConflict, StatusCode: 409, Message: "head branch was modified"}
	f.FailWith["UpdateBranch"] = &hosting.Error{Kind: hosting.KindTransient, StatusCode: 500, Message: "update failed"}

	res, err := newController(f).Run(context.Background(), testParams("ci"), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoUpdateFailed, res.Outcome)

	merges := 0
	for _, call := range f.Calls {
		if call == "MergePR" {
			merges++
		}
	}
	assert.Equal(t, 1, merges, "no merge retry without an intervening branch update")
}

func TestWaitChecksConflictMidWait(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "clean", "bot/integration")
	f.SeedChecks(testRepo, "abc123", []*hosting.CheckRun{
		{Name: "ci", Status: "in_progress"},
	})

	c := newController(f)
	// The PR turns dirty after the first poll.
	c.sleep = func(context.Context, time.Duration) error {
		seedPR(f, "abc123", "dirty", "bot/integration")
		return nil
	}

	res, err := c.Run(context.Background(), testParams("ci"), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.NotContains(t, f.Calls, "MergePR")
}

func TestRunCIFailure(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "clean", "bot/integration")
	f.SeedChecks(testRepo, "abc123", []*hosting.CheckRun{
		{Name: "ci", Status: "completed", Conclusion: "failure"},
		{Name: "lint", Status: "completed", Conclusion: "success"},
	})

	res, err := newController(f).Run(context.Background(), testParams("ci", "lint"), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCIFailed, res.Outcome)
	assert.Equal(t, "required checks not passing: ci=FAILURE(failure)", res.Reason)
}

func TestRunTimeoutWithPendingIsFailure(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "clean", "bot/integration")
	f.SeedChecks(testRepo, "abc123", []*hosting.CheckRun{
		{Name: "ci", Status: "queued"},
	})

	p := testParams("ci")
	p.Timeout = time.Millisecond
	p.PollInterval = time.Hour

	res, err := newController(f).Run(context.Background(), p, 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.NotContains(t, f.Calls, "MergePR")
}

func TestRunNoRequiredChecksMergesImmediately(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "clean", "bot/integration")
	f.SeedChecks(testRepo, "abc123", []*hosting.CheckRun{
		{Name: "optional", Status: "completed", Conclusion: "failure"},
	})

	res, err := newController(f).Run(context.Background(), testParams(), 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
}

func TestRunKeepsHeadBranchOnMain(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "clean", "main")

	res, err := newController(f).Run(context.Background(), testParams(), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.NotContains(t, f.Calls, "DeleteBranch")
}

func TestRunKeepsHeadBranchOnConfiguredMainBranch(t *testing.T) {
	f := hosting.NewFake()
	seedPR(f, "abc123", "clean", "trunk")

	p := testParams()
	p.Repo.MainBranch = "trunk"
	res, err := newController(f).Run(context.Background(), p, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.NotContains(t, f.Calls, "DeleteBranch", "the configured main branch keeps its merged heads")

	// The same base under a different main branch is deleted.
	f2 := hosting.NewFake()
	seedPR(f2, "abc123", "clean", "trunk")
	res, err = newController(f2).Run(context.Background(), testParams(), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Contains(t, f2.Calls, "DeleteBranch")
}

func TestRunAutoUpdatePolicy(t *testing.T) {
	f := hosting.NewFake()
	pr := seedPR(f, "abc123", "behind", "bot/integration")
	pr.Labels = []hosting.Label{{Name: "ralph:auto-update"}}
	f.SeedPR(testRepo, pr)
	f.SeedChecks(testRepo, "abc123+updated", []*hosting.CheckRun{
		{Name: "ci", Status: "completed", Conclusion: "success"},
	})

	p := testParams("ci")
	p.Repo.AutoUpdate = types.AutoUpdatePolicy{Enabled: true, MinMinutes: 5, GateLabel: "ralph:auto-update"}

	res, err := newController(f).Run(context.Background(), p, 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, 1, res.BranchUpdates)
}

func TestEvaluateChecks(t *testing.T) {
	tests := []struct {
		name     string
		runs     []*hosting.CheckRun
		required []string
		want     types.CheckState
	}{
		{"no gating", nil, nil, types.CheckSuccess},
		{"missing is pending", nil, []string{"ci"}, types.CheckPending},
		{"worst of picks failure", []*hosting.CheckRun{
			{Name: "ci", Status: "completed", Conclusion: "success"},
			{Name: "lint", Status: "completed", Conclusion: "failure"},
		}, []string{"ci", "lint"}, types.CheckFailure},
		{"in progress is pending", []*hosting.CheckRun{
			{Name: "ci", Status: "in_progress"},
		}, []string{"ci"}, types.CheckPending},
		{"skipped counts as success", []*hosting.CheckRun{
			{Name: "ci", Status: "completed", Conclusion: "skipped"},
		}, []string{"ci"}, types.CheckSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := EvaluateChecks(tt.runs, tt.required)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChecksReasonDeterministic(t *testing.T) {
	results := []types.CheckResult{
		{Name: "zeta", State: types.CheckPending, RawState: "missing"},
		{Name: "alpha", State: types.CheckFailure, RawState: "failure"},
	}
	assert.Equal(t,
		"required checks not passing: alpha=FAILURE(failure), zeta=PENDING(missing)",
		checksReason(results))
}
