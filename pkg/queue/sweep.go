package queue

import (
	"context"
	"strings"

	"github.com/3mdistal/ralph-sub004/pkg/governor"
	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/metrics"
	"github.com/3mdistal/ralph-sub004/pkg/relationship"
	"github.com/3mdistal/ralph-sub004/pkg/telemetry"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// resolvedPrefix is the operator comment that restores an escalated
// task to the queue.
const resolvedPrefix = "RALPH RESOLVED"

// sweepLiveReads bounds live issue re-reads per sweep cycle so a large
// backlog cannot exhaust the request budget.
const sweepLiveReads = 50

// operatorAssociations are the author associations trusted to resolve
// escalations.
var operatorAssociations = map[string]bool{
	"OWNER":        true,
	"MEMBER":       true,
	"COLLABORATOR": true,
}

// Sweep runs every periodic sweeper once. Individual sweeper failures
// are logged and do not stop the remaining sweepers.
func (d *Driver) Sweep(ctx context.Context) {
	for _, s := range []struct {
		kind string
		run  func(context.Context) error
	}{
		{"closed_issue", d.SweepClosedIssues},
		{"stale_in_progress", d.SweepStaleInProgress},
		{"blocked_reconcile", d.ReconcileBlockedLabels},
		{"throttled", d.SweepThrottled},
		{"resolved", d.ReconcileResolved},
		{"commands", d.SweepCommands},
	} {
		if dec := d.gov.Acquire(governor.LaneBestEffort, governor.CostRead); !dec.OK {
			d.logger.Debug().Str("sweep", s.kind).Str("reason", dec.Reason).
				Time("until", dec.Until).Msg("Sweep deferred by governor")
			continue
		}
		timer := metrics.NewTimer()
		if err := s.run(ctx); err != nil {
			d.logger.Warn().Err(err).Str("sweep", s.kind).Msg("Sweep cycle failed")
		}
		metrics.SweepCyclesTotal.WithLabelValues(s.kind).Inc()
		timer.ObserveDurationVec(metrics.SweepDuration, s.kind)
	}
}

// SweepClosedIssues releases and strips tasks whose issue was closed
// out from under them. An issue closed while a tracked PR is still
// open is reopened and requeued instead.
func (d *Driver) SweepClosedIssues(ctx context.Context) error {
	full := d.repo.FullName()
	snaps, err := d.store.ListIssuesByRepo(full)
	if err != nil {
		return err
	}

	reads := 0
	for _, snap := range snaps {
		if len(types.StatusLabelsOf(snap.Labels)) == 0 && !snap.HasLabel(types.LabelEscalated) {
			continue
		}
		if reads >= sweepLiveReads {
			break
		}
		reads++

		live, err := d.svc.GetIssue(ctx, full, snap.Number)
		if err != nil {
			continue
		}
		if err := d.refreshSnapshot(live); err != nil {
			return err
		}
		if live.State != string(types.IssueClosed) {
			continue
		}

		if pr := d.openTrackedPR(ctx, snap.Number); pr != "" {
			d.logger.Info().Int("issue", snap.Number).Str("pr", pr).
				Msg("Issue closed with open PR, reopening and requeueing")
			if err := d.svc.ReopenIssue(ctx, full, snap.Number); err != nil {
				d.logger.Warn().Err(err).Int("issue", snap.Number).Msg("Failed to reopen issue")
				continue
			}
			d.requeue(ctx, snap.Number)
			continue
		}

		taskPath := (&types.TaskView{Repo: full, Number: snap.Number}).Path()
		d.release(taskPath, "issue-closed")
		d.stripLabels(ctx, snap.Number, snap.Labels)
		d.broker.Publish(&telemetry.Event{
			Repo: full, Type: telemetry.EventSweepClosed,
			Data: map[string]any{"issue": snap.Number},
		})
	}
	return nil
}

// openTrackedPR reports the url of a recorded PR still open for the
// issue, empty when none.
func (d *Driver) openTrackedPR(ctx context.Context, issueNumber int) string {
	prs, err := d.store.ListPRsByIssue(d.repo.FullName(), issueNumber)
	if err != nil {
		return ""
	}
	for _, pr := range prs {
		if pr.State != types.PROpen {
			continue
		}
		live, err := d.svc.GetPR(ctx, d.repo.FullName(), pr.Number)
		if err == nil && live.State == "open" && !live.Merged {
			return pr.URL
		}
	}
	return ""
}

// SweepStaleInProgress requeues tasks whose lease heartbeat exceeded
// the TTL. The in-progress label with a dead op-state row is exactly
// the crash window tryClaim leaves behind.
func (d *Driver) SweepStaleInProgress(ctx context.Context) error {
	full := d.repo.FullName()
	ops, err := d.store.ListOpStatesByRepo(full)
	if err != nil {
		return err
	}
	now := d.now()
	for _, op := range ops {
		ttl := d.heartbeatTTL
		if op.SessionID != "" {
			// A sessioned lease gets a longer window so a restarted daemon
			// can adopt and resume it before the sweep resets the task.
			ttl *= 3
		}
		if op.Released() || now.Sub(op.HeartbeatAt) <= ttl {
			continue
		}
		d.logger.Warn().Str("task", op.TaskPath).Str("daemon_id", op.DaemonID).
			Time("heartbeat_at", op.HeartbeatAt).Msg("Releasing stale in-progress task")
		d.release(op.TaskPath, "stale-heartbeat")

		number, ok := issueNumberFromPath(op.TaskPath)
		if ok {
			d.requeue(ctx, number)
		}
		d.broker.Publish(&telemetry.Event{
			Repo: full, Type: telemetry.EventSweepStale,
			Data: map[string]any{"task": op.TaskPath, "daemon_id": op.DaemonID},
		})
	}
	return nil
}

// ReconcileBlockedLabels recomputes the dependency decision for queued
// and blocked tasks under auto-queue repos. An unknown verdict never
// churns the label.
func (d *Driver) ReconcileBlockedLabels(ctx context.Context) error {
	if !d.repo.AutoQueue {
		return nil
	}
	full := d.repo.FullName()
	snaps, err := d.store.ListIssuesByRepo(full)
	if err != nil {
		return err
	}

	reads := 0
	for _, snap := range snaps {
		if snap.State != types.IssueOpen {
			continue
		}
		queued := snap.HasLabel(types.LabelQueued)
		blocked := snap.HasLabel(types.LabelBlocked)
		if !queued && !blocked {
			continue
		}
		if reads >= sweepLiveReads {
			break
		}
		reads++

		live, err := d.svc.GetIssue(ctx, full, snap.Number)
		if err != nil {
			continue
		}
		decision, err := d.rel.Decide(ctx, full, snap.Number, live.Body)
		if err != nil {
			continue
		}
		switch decision.Verdict {
		case relationship.VerdictBlocked:
			if queued {
				d.writeBlocked(ctx, snap.Number, decision)
			}
		case relationship.VerdictRunnable:
			if blocked {
				d.requeue(ctx, snap.Number)
				// The unblock is what the next plan run must hear about.
				pv := &types.ParentVerification{
					Repo: full, IssueNumber: snap.Number,
					Status: "pending", UpdatedAt: d.now(),
				}
				if err := d.store.SetParentVerification(pv); err != nil {
					d.logger.Warn().Err(err).Int("issue", snap.Number).Msg("Failed to record parent verification")
				}
			}
		case relationship.VerdictUnknown:
			// No label churn on unknown coverage.
		}
		d.broker.Publish(&telemetry.Event{
			Repo: full, Type: telemetry.EventSweepBlocked, Level: telemetry.LevelDebug,
			Data: map[string]any{"issue": snap.Number, "verdict": string(decision.Verdict)},
		})
	}
	return nil
}

// SweepThrottled returns hard-throttled tasks to the queue. The sweep
// interval is the retry cadence; a cooldown still in force simply
// throttles the task again on dispatch.
func (d *Driver) SweepThrottled(ctx context.Context) error {
	full := d.repo.FullName()
	snaps, err := d.store.ListIssuesByRepo(full)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if snap.State != types.IssueOpen || !snap.HasLabel(types.LabelThrottled) {
			continue
		}
		d.requeue(ctx, snap.Number)
		d.broker.Publish(&telemetry.Event{
			Repo: full, Type: telemetry.EventTaskReleased, Level: telemetry.LevelDebug,
			Data: map[string]any{"issue": snap.Number, "reason": "throttle-retry"},
		})
	}
	return nil
}

// ReconcileResolved restores escalated tasks an operator resolved with
// a "RALPH RESOLVED" comment. Non-operator comments are ignored. The
// escalated label is removed before the queued label is added, so a
// concurrent escalated re-add loses to the queued write.
func (d *Driver) ReconcileResolved(ctx context.Context) error {
	full := d.repo.FullName()
	snaps, err := d.store.ListIssuesByRepo(full)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if snap.State != types.IssueOpen {
			continue
		}
		if !snap.HasLabel(types.LabelEscalated) && !snap.HasLabel(types.LabelStuck) {
			continue
		}
		comments, err := d.svc.ListComments(ctx, full, snap.Number, 2)
		if err != nil {
			continue
		}
		if !hasOperatorResolution(comments) {
			continue
		}

		d.logger.Info().Int("issue", snap.Number).Msg("Operator resolved escalation, requeueing")
		removeOps, err := labelio.PlanLabelOps(nil, []string{types.LabelEscalated, types.LabelStuck}, false)
		if err != nil {
			return err
		}
		if outcome := d.executor.Execute(ctx, full, snap.Number, removeOps); outcome.Kind != labelio.OutcomeOK {
			d.logger.Warn().Err(outcome.Err).Int("issue", snap.Number).Msg("Failed to clear escalated label")
			continue
		}
		d.requeue(ctx, snap.Number)
		taskPath := (&types.TaskView{Repo: full, Number: snap.Number}).Path()
		d.release(taskPath, "operator-resolved")
	}
	return nil
}

// SweepCommands consumes operator command labels: pause moves the task
// to paused, stop releases it and strips Ralph labels.
func (d *Driver) SweepCommands(ctx context.Context) error {
	full := d.repo.FullName()
	snaps, err := d.store.ListIssuesByRepo(full)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if snap.State != types.IssueOpen {
			continue
		}
		switch {
		case snap.HasLabel(types.LabelCmdPause):
			ops, err := labelio.PlanLabelOps(
				[]string{types.LabelPaused},
				[]string{types.LabelCmdPause, types.LabelQueued, types.LabelInProgress},
				false)
			if err != nil {
				return err
			}
			if outcome := d.executor.Execute(ctx, full, snap.Number, ops); outcome.Kind != labelio.OutcomeOK {
				d.logger.Warn().Err(outcome.Err).Int("issue", snap.Number).Msg("Failed to apply pause command")
			}
		case snap.HasLabel(types.LabelCmdStop):
			taskPath := (&types.TaskView{Repo: full, Number: snap.Number}).Path()
			d.release(taskPath, "operator-stop")
			d.stripLabels(ctx, snap.Number, append(snap.Labels, types.LabelCmdStop))
		}
	}
	return nil
}

// requeue writes the queued label and clears every other Ralph status
// label, best effort.
func (d *Driver) requeue(ctx context.Context, number int) {
	ops, err := labelio.PlanLabelOps([]string{types.LabelQueued}, removeSet(types.LabelQueued), false)
	if err != nil {
		return
	}
	if outcome := d.executor.Execute(ctx, d.repo.FullName(), number, ops); outcome.Kind != labelio.OutcomeOK {
		d.logger.Warn().Err(outcome.Err).Int("issue", number).Msg("Failed to requeue issue")
	}
}

// stripLabels removes every Ralph label present on the issue.
func (d *Driver) stripLabels(ctx context.Context, number int, present []string) {
	var remove []string
	for _, l := range present {
		if types.IsRalphLabel(l) {
			remove = append(remove, l)
		}
	}
	if len(remove) == 0 {
		return
	}
	ops, err := labelio.PlanLabelOps(nil, remove, false)
	if err != nil {
		return
	}
	if outcome := d.executor.Execute(ctx, d.repo.FullName(), number, ops); outcome.Kind != labelio.OutcomeOK {
		d.logger.Warn().Err(outcome.Err).Int("issue", number).Msg("Failed to strip ralph labels")
	}
}

// release marks the op-state row released, tolerating a missing row.
func (d *Driver) release(taskPath, reason string) {
	if err := d.store.ReleaseOpState(d.repo.FullName(), taskPath, reason, d.now()); err != nil {
		d.logger.Debug().Err(err).Str("task", taskPath).Msg("Op-state release skipped")
	}
	d.broker.Publish(&telemetry.Event{
		Repo: d.repo.FullName(), Type: telemetry.EventTaskReleased,
		Data: map[string]any{"task": taskPath, "reason": reason},
	})
}

// hasOperatorResolution looks for a RALPH RESOLVED comment written by
// an owner, member or collaborator. Comments arrive newest first.
func hasOperatorResolution(comments []*hosting.Comment) bool {
	for _, c := range comments {
		if !strings.HasPrefix(strings.TrimSpace(c.Body), resolvedPrefix) {
			continue
		}
		if operatorAssociations[c.AuthorAssociation] {
			return true
		}
	}
	return false
}

// issueNumberFromPath parses "github:<repo>#<number>".
func issueNumberFromPath(path string) (int, bool) {
	i := strings.LastIndex(path, "#")
	if i < 0 {
		return 0, false
	}
	n := 0
	for _, r := range path[i+1:] {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 0, false
	}
	return n, true
}
