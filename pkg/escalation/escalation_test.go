package escalation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/agent"
	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/storage"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		reason string
		want   types.EscalationType
	}{
		{"this feature is not supported by the current API", types.EscalationProductGap},
		{"confidence too low to proceed safely", types.EscalationLowConfidence},
		{"requirements are ambiguous between issue body and title", types.EscalationAmbiguous},
		{"merge conflict could not be resolved automatically", types.EscalationMergeConflict},
		{"blocked on external credentials", types.EscalationBlocked},
		{"something else entirely", types.EscalationOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.reason), tt.reason)
	}
}

func TestFromPlan(t *testing.T) {
	t.Run("proceed with confidence", func(t *testing.T) {
		d := &agent.PlanDecision{Decision: agent.DecisionProceed, Confidence: 0.9}
		assert.Nil(t, FromPlan(d, 0.6, "log"))
	})

	t.Run("explicit escalate", func(t *testing.T) {
		d := &agent.PlanDecision{
			Decision:         agent.DecisionEscalate,
			Confidence:       0.8,
			EscalationReason: "requirements are ambiguous",
		}
		esc := FromPlan(d, 0.6, "/tmp/run.log")
		require.NotNil(t, esc)
		assert.Equal(t, types.EscalationAmbiguous, esc.Type)
		assert.Equal(t, "requirements are ambiguous", esc.Reason)
		assert.Equal(t, "/tmp/run.log", esc.RunLogPath)
	})

	t.Run("escalate without reason gets a default", func(t *testing.T) {
		d := &agent.PlanDecision{Decision: agent.DecisionEscalate}
		esc := FromPlan(d, 0.6, "")
		require.NotNil(t, esc)
		assert.NotEmpty(t, esc.Reason)
	})

	t.Run("low confidence proceed", func(t *testing.T) {
		d := &agent.PlanDecision{Decision: agent.DecisionProceed, Confidence: 0.3}
		esc := FromPlan(d, 0.6, "")
		require.NotNil(t, esc)
		assert.Equal(t, types.EscalationLowConfidence, esc.Type)
		assert.Contains(t, esc.Reason, "0.30")
		assert.Contains(t, esc.Reason, "0.60")
	})
}

type captureNotifier struct {
	repo   string
	number int
	esc    types.Escalation
	calls  int
}

func (n *captureNotifier) Notify(_ context.Context, repo string, number int, esc types.Escalation) {
	n.repo, n.number, n.esc = repo, number, esc
	n.calls++
}

func TestReportCarriesReasonVerbatim(t *testing.T) {
	fake := hosting.NewFake()
	fake.SeedIssue("acme/widgets", &hosting.Issue{Number: 7, State: "open"})
	store := storage.NewMemoryStore()
	commenter := labelio.NewCommenter(fake, store)
	notifier := &captureNotifier{}
	reporter := NewReporter(commenter, notifier, nil)

	esc := types.Escalation{
		Type:       types.EscalationProductGap,
		Reason:     "the API has no endpoint for bulk label edits",
		RunLogPath: "/var/log/ralph/run-abc.log",
	}
	require.NoError(t, reporter.Report(context.Background(), "acme/widgets", 7, esc))

	comments, err := fake.ListComments(context.Background(), "acme/widgets", 7, 1)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, esc.Reason)
	assert.Contains(t, comments[0].Body, labelio.Marker(labelio.MarkerEscalation, labelio.MarkerID("acme/widgets", 7)))
	assert.Contains(t, comments[0].Body, "RALPH RESOLVED")

	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, esc.Reason, notifier.esc.Reason, "notification reason must match the writeback")
}

func TestReportSurfacesWritebackFailure(t *testing.T) {
	fake := hosting.NewFake()
	fake.FailWith["ListComments"] = &hosting.Error{Kind: hosting.KindTransient, StatusCode: 502, Message: "bad gateway"}
	store := storage.NewMemoryStore()
	notifier := &captureNotifier{}
	reporter := NewReporter(labelio.NewCommenter(fake, store), notifier, nil)

	esc := types.Escalation{Type: types.EscalationOther, Reason: "boom"}
	err := reporter.Report(context.Background(), "acme/widgets", 7, esc)
	assert.Error(t, err)
	assert.Equal(t, 1, notifier.calls, "notification still fires when writeback fails")
}

func TestRenderBody(t *testing.T) {
	body := RenderBody(types.Escalation{Type: types.EscalationLowConfidence, Reason: "confidence 0.20"})
	assert.True(t, strings.HasPrefix(body, "### Escalated: low-confidence"))
	assert.Contains(t, body, "confidence 0.20")
	assert.NotContains(t, body, "Run log", "empty run log path is omitted")
}
