// Package escalation classifies terminal escalations and surfaces them
// to operators through the writeback comment, a notification, and a
// telemetry event. The reason string is carried verbatim through all
// three surfaces.
package escalation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/agent"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/telemetry"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// Notifier delivers an escalation to operators out of band. Failures
// are logged, never propagated into the task outcome.
type Notifier interface {
	Notify(ctx context.Context, repo string, number int, esc types.Escalation)
}

// LogNotifier writes escalations to the structured log. It is the
// default notifier; richer channels implement the same interface.
type LogNotifier struct {
	logger zerolog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates the log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("escalation")}
}

func (n *LogNotifier) Notify(_ context.Context, repo string, number int, esc types.Escalation) {
	n.logger.Warn().
		Str("repo", repo).
		Int("issue", number).
		Str("type", string(esc.Type)).
		Str("run_log", esc.RunLogPath).
		Msg("Task escalated: " + esc.Reason)
}

// Reason keyword classification, first match wins.
var classifiers = []struct {
	re  *regexp.Regexp
	typ types.EscalationType
}{
	{regexp.MustCompile(`(?i)product gap|not supported|missing (feature|capability)|out of scope`), types.EscalationProductGap},
	{regexp.MustCompile(`(?i)confidence`), types.EscalationLowConfidence},
	{regexp.MustCompile(`(?i)ambiguous|unclear|underspecified|contradict`), types.EscalationAmbiguous},
	{regexp.MustCompile(`(?i)merge conflict|conflict`), types.EscalationMergeConflict},
	{regexp.MustCompile(`(?i)blocked`), types.EscalationBlocked},
}

// Classify derives the escalation type from the reason text. Unmatched
// reasons land in the catch-all type rather than being dropped.
func Classify(reason string) types.EscalationType {
	for _, c := range classifiers {
		if c.re.MatchString(reason) {
			return c.typ
		}
	}
	return types.EscalationOther
}

// FromPlan converts a plan decision into an escalation, or nil when the
// plan proceeds with adequate confidence. The reason string produced
// here is the canonical one for the whole run.
func FromPlan(d *agent.PlanDecision, minConfidence float64, runLogPath string) *types.Escalation {
	if d == nil {
		return nil
	}
	if d.Decision == agent.DecisionEscalate {
		reason := d.EscalationReason
		if reason == "" {
			reason = "agent escalated without a stated reason"
		}
		return &types.Escalation{Type: Classify(reason), Reason: reason, RunLogPath: runLogPath}
	}
	if d.Confidence < minConfidence {
		return &types.Escalation{
			Type:       types.EscalationLowConfidence,
			Reason:     fmt.Sprintf("plan confidence %.2f below threshold %.2f", d.Confidence, minConfidence),
			RunLogPath: runLogPath,
		}
	}
	return nil
}

// Reporter performs the escalation writeback and notification.
type Reporter struct {
	commenter *labelio.Commenter
	notifier  Notifier
	broker    *telemetry.Broker
	logger    zerolog.Logger
}

// NewReporter wires the writeback commenter and notifier. broker and
// notifier may be nil.
func NewReporter(commenter *labelio.Commenter, notifier Notifier, broker *telemetry.Broker) *Reporter {
	return &Reporter{
		commenter: commenter,
		notifier:  notifier,
		broker:    broker,
		logger:    log.WithComponent("escalation"),
	}
}

// Notify delivers the out-of-band notification alone, for outcomes
// that carry their own writeback comment format.
func (r *Reporter) Notify(ctx context.Context, repo string, number int, esc types.Escalation) {
	if r.notifier != nil {
		r.notifier.Notify(ctx, repo, number, esc)
	}
}

// Report upserts the escalation comment on the issue, notifies, and
// publishes the event. The comment write is critical; its failure is
// returned so the caller can record it, but notification and telemetry
// still fire with the same reason.
func (r *Reporter) Report(ctx context.Context, repo string, number int, esc types.Escalation) error {
	var writeErr error
	if r.commenter != nil {
		_, writeErr = r.commenter.Upsert(ctx, repo, number, labelio.MarkerEscalation, RenderBody(esc), true)
		if writeErr != nil {
			r.logger.Error().Err(writeErr).Str("repo", repo).Int("issue", number).
				Msg("Escalation writeback failed")
		}
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, repo, number, esc)
	}
	r.broker.Publish(&telemetry.Event{
		Repo:  repo,
		Type:  telemetry.EventTaskEscalated,
		Level: telemetry.LevelWarn,
		Data: map[string]any{
			"issue":   number,
			"type":    string(esc.Type),
			"reason":  esc.Reason,
			"run_log": esc.RunLogPath,
		},
	})
	return writeErr
}

// RenderBody renders the operator-facing escalation comment. The reason
// appears verbatim.
func RenderBody(esc types.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Escalated: %s\n\n", esc.Type)
	b.WriteString(esc.Reason)
	b.WriteString("\n")
	if esc.RunLogPath != "" {
		fmt.Fprintf(&b, "\nRun log: `%s`\n", esc.RunLogPath)
	}
	b.WriteString("\nComment `RALPH RESOLVED` to requeue this task once addressed.\n")
	return b.String()
}
