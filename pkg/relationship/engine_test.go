package relationship

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/hosting"
)

const repo = "acme/widgets"

func seedIssue(f *hosting.Fake, number int, state string) {
	f.SeedIssue(repo, &hosting.Issue{Number: number, State: state})
}

func TestDecideGraphBlocked(t *testing.T) {
	f := hosting.NewFake()
	seedIssue(f, 7, "open")
	f.SeedRelations(repo, 7, &hosting.Relations{
		BlockedBy:         []hosting.RelatedIssue{{Number: 3, State: "OPEN"}, {Number: 5, State: "CLOSED"}},
		BlockedByComplete: true,
		SubIssuesComplete: true,
	})

	d, err := NewEngine(f).Decide(context.Background(), repo, 7, "")
	require.NoError(t, err)
	assert.Equal(t, VerdictBlocked, d.Verdict)
	assert.Equal(t, []int{3}, d.OpenBlockers)
	assert.True(t, d.Coverage.GraphDepsComplete)
}

func TestDecideClosedBlockersDoNotBlock(t *testing.T) {
	f := hosting.NewFake()
	seedIssue(f, 7, "open")
	f.SeedRelations(repo, 7, &hosting.Relations{
		BlockedBy:         []hosting.RelatedIssue{{Number: 3, State: "CLOSED"}},
		BlockedByComplete: true,
		SubIssuesComplete: true,
	})

	d, err := NewEngine(f).Decide(context.Background(), repo, 7, "")
	require.NoError(t, err)
	assert.Equal(t, VerdictRunnable, d.Verdict)
	assert.Empty(t, d.OpenBlockers)
}

func TestBodySignalsIgnoredWhenGraphComplete(t *testing.T) {
	f := hosting.NewFake()
	seedIssue(f, 7, "open")
	seedIssue(f, 12, "open")
	f.SeedRelations(repo, 7, &hosting.Relations{
		BlockedByComplete: true,
		SubIssuesComplete: true,
	})

	d, err := NewEngine(f).Decide(context.Background(), repo, 7, "depends on #12")
	require.NoError(t, err)
	assert.Equal(t, VerdictRunnable, d.Verdict, "body mention must not block under complete graph coverage")
	assert.False(t, d.Coverage.BodyDeps)
}

func TestBodySignalsBlockWhenGraphIncomplete(t *testing.T) {
	f := hosting.NewFake()
	seedIssue(f, 7, "open")
	seedIssue(f, 12, "open")
	f.SeedRelations(repo, 7, &hosting.Relations{
		BlockedByComplete: false,
		SubIssuesComplete: true,
	})

	d, err := NewEngine(f).Decide(context.Background(), repo, 7, "blocked by #12")
	require.NoError(t, err)
	assert.Equal(t, VerdictBlocked, d.Verdict)
	assert.Equal(t, []int{12}, d.OpenBlockers)
	assert.True(t, d.Coverage.BodyDeps)
}

func TestBodySignalClosedRefRunnable(t *testing.T) {
	f := hosting.NewFake()
	seedIssue(f, 7, "open")
	seedIssue(f, 12, "closed")
	f.SeedRelations(repo, 7, &hosting.Relations{SubIssuesComplete: true})

	d, err := NewEngine(f).Decide(context.Background(), repo, 7, "blocked by #12")
	require.NoError(t, err)
	assert.Equal(t, VerdictRunnable, d.Verdict)
}

func TestDecideUnknownCoverage(t *testing.T) {
	f := hosting.NewFake()
	seedIssue(f, 7, "open")
	f.SeedRelations(repo, 7, &hosting.Relations{})

	d, err := NewEngine(f).Decide(context.Background(), repo, 7, "")
	require.NoError(t, err)
	assert.Equal(t, VerdictUnknown, d.Verdict)
}

func TestExtractBodyRefs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []int
	}{
		{"empty", "", nil},
		{"bare refs", "see #12 and #34", []int{12, 34}},
		{"blocked phrase first", "mentions #9. Blocked by #3.", []int{3, 9}},
		{"depends on", "depends on #41", []int{41}},
		{"dedup", "#5 blocked on #5", []int{5}},
		{"no refs", "nothing to see", nil},
		{"not a ref", "issue#12 c#", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractBodyRefs(tt.body))
		})
	}
}

func TestDecisionSummary(t *testing.T) {
	d := &Decision{Verdict: VerdictBlocked, OpenBlockers: []int{3, 12}}
	assert.Equal(t, "Blocked by 2 open issue(s): #3, #12", d.Summary())
	assert.Equal(t, "No open blockers.", (&Decision{Verdict: VerdictRunnable}).Summary())
}
