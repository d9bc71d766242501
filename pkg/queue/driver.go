package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/governor"
	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/metrics"
	"github.com/3mdistal/ralph-sub004/pkg/relationship"
	"github.com/3mdistal/ralph-sub004/pkg/storage"
	"github.com/3mdistal/ralph-sub004/pkg/telemetry"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// ErrNotOwner is returned when a heartbeat or release finds the task
// owned by a different daemon.
var ErrNotOwner = errors.New("queue: task owned by another daemon")

// ErrNotQueued is returned when tryClaim re-reads live labels and the
// task is no longer queued.
var ErrNotQueued = errors.New("queue: task is not queued")

// ClaimRefusedError reports a claim the relationship engine or a
// pre-condition refused, with a classified source and reason.
type ClaimRefusedError struct {
	Source types.BlockedSource
	Reason string
}

func (e *ClaimRefusedError) Error() string {
	return fmt.Sprintf("queue: claim refused (%s): %s", e.Source, e.Reason)
}

// Extras carries optional op-state updates alongside a status change.
type Extras struct {
	SessionID     string
	WorktreePath  string
	BlockedSource types.BlockedSource
	BlockedReason string

	// ReleaseReason releases the op-state row after the label write.
	ReleaseReason string
}

// Driver is the per-repository queue driver.
type Driver struct {
	repo      types.Repo
	store     storage.Store
	svc       hosting.Interface
	executor  *labelio.Executor
	commenter *labelio.Commenter
	rel       *relationship.Engine
	broker    *telemetry.Broker
	gov       *governor.Governor

	workflowLabel string
	heartbeatTTL  time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// Options configures a Driver.
type Options struct {
	Repo          types.Repo
	Store         storage.Store
	Service       hosting.Interface
	Executor      *labelio.Executor
	Commenter     *labelio.Commenter
	Relationship  *relationship.Engine
	Broker        *telemetry.Broker
	Governor      *governor.Governor
	WorkflowLabel string
	HeartbeatTTL  time.Duration
}

// NewDriver creates a driver for one repo.
func NewDriver(opts Options) *Driver {
	if opts.WorkflowLabel == "" {
		opts.WorkflowLabel = types.LabelQueued
	}
	if opts.HeartbeatTTL == 0 {
		opts.HeartbeatTTL = 90 * time.Second
	}
	return &Driver{
		repo:          opts.Repo,
		store:         opts.Store,
		svc:           opts.Service,
		executor:      opts.Executor,
		commenter:     opts.Commenter,
		rel:           opts.Relationship,
		broker:        opts.Broker,
		gov:           opts.Governor,
		workflowLabel: opts.WorkflowLabel,
		heartbeatTTL:  opts.HeartbeatTTL,
		logger:        log.WithComponent("queue").With().Str("repo", opts.Repo.FullName()).Logger(),
		now:           time.Now,
	}
}

// Repo returns the driver's repository configuration.
func (d *Driver) Repo() types.Repo { return d.repo }

// Poll refreshes issue snapshots from the hosting service for every
// label the queue cares about. Multi-status-label violations are
// surfaced, never silently reconciled.
func (d *Driver) Poll(ctx context.Context) error {
	full := d.repo.FullName()
	seen := make(map[int]bool)

	labels := append([]string{}, types.StatusLabels...)
	labels = append(labels, types.LabelEscalated)
	if d.workflowLabel != types.LabelQueued {
		labels = append(labels, d.workflowLabel)
	}

	for _, label := range labels {
		if dec := d.gov.Acquire(governor.LaneImportant, governor.CostRead); !dec.OK {
			// Snapshots go stale rather than burn budget; the next poll
			// cycle catches up.
			d.logger.Debug().Str("reason", dec.Reason).Time("until", dec.Until).
				Msg("Poll deferred by governor")
			return nil
		}
		issues, err := d.svc.ListIssuesByLabel(ctx, full, label)
		if err != nil {
			return fmt.Errorf("failed to poll %s issues: %w", label, err)
		}
		for _, issue := range issues {
			if seen[issue.Number] {
				continue
			}
			seen[issue.Number] = true
			if err := d.refreshSnapshot(issue); err != nil {
				return err
			}
		}
	}
	d.publishGauges()
	return nil
}

// refreshSnapshot stores the live issue and surfaces status-label
// invariant violations.
func (d *Driver) refreshSnapshot(issue *hosting.Issue) error {
	full := d.repo.FullName()
	names := issue.LabelNames()
	if violations := types.StatusLabelsOf(names); len(violations) > 1 {
		d.logger.Warn().Int("issue", issue.Number).Strs("labels", violations).
			Msg("Issue carries more than one status label")
		d.broker.Publish(&telemetry.Event{
			Repo: full, Type: telemetry.EventLabelProblem, Level: telemetry.LevelWarn,
			Data: map[string]any{"issue": issue.Number, "labels": violations},
		})
	}
	return d.store.UpsertIssue(&types.IssueSnapshot{
		Repo:      full,
		Number:    issue.Number,
		State:     types.IssueState(issue.State),
		Title:     issue.Title,
		Author:    issue.User.Login,
		Labels:    names,
		NodeID:    issue.NodeID,
		UpdatedAt: issue.UpdatedAt,
		PolledAt:  d.now(),
	})
}

func (d *Driver) publishGauges() {
	full := d.repo.FullName()
	views, err := d.views()
	if err != nil {
		return
	}
	counts := make(map[types.TaskStatus]int)
	for _, v := range views {
		counts[v.Status]++
	}
	for _, s := range []types.TaskStatus{
		types.TaskQueued, types.TaskInProgress, types.TaskBlocked,
		types.TaskThrottled, types.TaskEscalated, types.TaskDone,
	} {
		metrics.TasksByStatus.WithLabelValues(full, string(s)).Set(float64(counts[s]))
	}
}

// Healthy is the queue's health probe: queue depth plus the oldest
// unreleased lease age. A lease past three heartbeat TTLs means
// neither a worker nor the stale sweeper is tending the task.
func (d *Driver) Healthy() (bool, string) {
	queued, err := d.ListQueued()
	if err != nil {
		return false, "store read failed: " + err.Error()
	}
	ops, err := d.store.ListOpStatesByRepo(d.repo.FullName())
	if err != nil {
		return false, "store read failed: " + err.Error()
	}
	var oldest time.Duration
	now := d.now()
	for _, op := range ops {
		if op.Released() {
			continue
		}
		if age := now.Sub(op.HeartbeatAt); age > oldest {
			oldest = age
		}
	}
	detail := fmt.Sprintf("queued=%d oldest_lease=%s", len(queued), oldest.Truncate(time.Second))
	if oldest > 3*d.heartbeatTTL {
		return false, "abandoned lease: " + detail
	}
	return true, detail
}

// views derives task views for every snapshot carrying a recognised
// status label, (repo, number) ascending.
func (d *Driver) views() ([]*types.TaskView, error) {
	snaps, err := d.store.ListIssuesByRepo(d.repo.FullName())
	if err != nil {
		return nil, err
	}
	var out []*types.TaskView
	for _, snap := range snaps {
		if v := d.view(snap); v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// view derives one task view, nil when the snapshot carries no
// recognisable status.
func (d *Driver) view(snap *types.IssueSnapshot) *types.TaskView {
	status, ok := types.StatusForLabels(snap.Labels, snap.State)
	if !ok {
		return nil
	}
	v := &types.TaskView{
		Repo:     snap.Repo,
		Number:   snap.Number,
		Title:    snap.Title,
		Status:   status,
		Priority: types.PriorityFromLabels(snap.Labels),
	}
	op, err := d.store.GetOpState(snap.Repo, v.Path())
	if err == nil && !op.Released() {
		v.SessionID = op.SessionID
		v.WorktreePath = op.WorktreePath
		v.WorkerID = op.WorkerID
		v.Slot = op.Slot
		v.DaemonID = op.DaemonID
		v.HeartbeatAt = op.HeartbeatAt
	}
	return v
}

// ListQueued enumerates queued tasks ordered by priority then number.
func (d *Driver) ListQueued() ([]*types.TaskView, error) {
	return d.ListByStatus(types.TaskQueued)
}

// ListByStatus enumerates tasks in one derived status.
func (d *Driver) ListByStatus(status types.TaskStatus) ([]*types.TaskView, error) {
	views, err := d.views()
	if err != nil {
		return nil, err
	}
	var out []*types.TaskView
	for _, v := range views {
		if v.Status == status {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

// TryClaim claims a queued task for daemonID. Live labels are re-read
// because snapshots may be stale; the relationship engine gates the
// claim; the label transition precedes the op-state upsert.
func (d *Driver) TryClaim(ctx context.Context, task *types.TaskView, daemonID, workerID string, slot int) error {
	full := d.repo.FullName()

	live, err := d.svc.GetIssue(ctx, full, task.Number)
	if err != nil {
		return fmt.Errorf("failed to re-read issue: %w", err)
	}
	if err := d.refreshSnapshot(live); err != nil {
		return err
	}
	if live.State != string(types.IssueOpen) {
		return &ClaimRefusedError{Source: types.BlockedByIssueClosed, Reason: "issue is closed"}
	}
	status, ok := types.StatusForLabels(live.LabelNames(), types.IssueOpen)
	if !ok || status != types.TaskQueued {
		return ErrNotQueued
	}

	decision, err := d.rel.Decide(ctx, full, task.Number, live.Body)
	if err != nil {
		return fmt.Errorf("failed to evaluate dependencies: %w", err)
	}
	switch decision.Verdict {
	case relationship.VerdictBlocked:
		if d.repo.AutoQueue {
			d.writeBlocked(ctx, task.Number, decision)
		}
		return &ClaimRefusedError{Source: types.BlockedByDeps, Reason: decision.Summary()}
	case relationship.VerdictUnknown:
		// Proceed without gating, and without materialising label churn.
	}

	ops, err := labelio.PlanLabelOps([]string{types.LabelInProgress}, []string{types.LabelQueued}, false)
	if err != nil {
		return err
	}
	if outcome := d.executor.Execute(ctx, full, task.Number, ops); outcome.Kind != labelio.OutcomeOK {
		return fmt.Errorf("failed to transition labels: %w", outcome.Err)
	}

	now := d.now()
	op := &types.TaskOpState{
		Repo:        full,
		TaskPath:    task.Path(),
		WorkerID:    workerID,
		Slot:        slot,
		DaemonID:    daemonID,
		HeartbeatAt: now,
	}
	if err := d.takeLease(op); err != nil {
		return err
	}

	task.Status = types.TaskInProgress
	task.DaemonID = daemonID
	task.WorkerID = workerID
	task.Slot = slot
	task.HeartbeatAt = now

	metrics.TasksClaimed.WithLabelValues(full).Inc()
	d.broker.Publish(&telemetry.Event{
		Repo: full, Type: telemetry.EventTaskClaimed,
		Data: map[string]any{"task": task.Path(), "daemon_id": daemonID, "slot": slot},
	})
	return nil
}

// takeLease installs op as the unreleased row for its task. An existing
// released or expired row is taken over; a live lease held by another
// daemon refuses.
func (d *Driver) takeLease(op *types.TaskOpState) error {
	cur, err := d.store.GetOpState(op.Repo, op.TaskPath)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ok, casErr := d.store.CompareAndSetOpState(op, "", time.Time{})
		if casErr != nil {
			return casErr
		}
		if !ok {
			return ErrNotOwner
		}
		return nil
	case err != nil:
		return err
	}

	if !cur.Released() && cur.DaemonID != op.DaemonID && d.now().Sub(cur.HeartbeatAt) <= d.heartbeatTTL {
		return ErrNotOwner
	}
	ok, err := d.store.CompareAndSetOpState(op, cur.DaemonID, cur.HeartbeatAt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

// Adopt takes over an expired in-progress lease for daemonID,
// preserving the recorded session and worktree so the run resumes
// instead of restarting. A live lease held by another daemon, or a row
// without a session, refuses.
func (d *Driver) Adopt(task *types.TaskView, daemonID string, slot int) error {
	full := d.repo.FullName()
	cur, err := d.store.GetOpState(full, task.Path())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotOwner
		}
		return err
	}
	if cur.Released() || cur.SessionID == "" {
		return ErrNotOwner
	}
	if cur.DaemonID != daemonID && d.now().Sub(cur.HeartbeatAt) <= d.heartbeatTTL {
		return ErrNotOwner
	}

	next := *cur
	next.DaemonID = daemonID
	next.WorkerID = fmt.Sprintf("%s/%s#%d", daemonID, full, slot)
	next.Slot = slot
	next.HeartbeatAt = d.now()
	ok, err := d.store.CompareAndSetOpState(&next, cur.DaemonID, cur.HeartbeatAt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}

	task.DaemonID = daemonID
	task.WorkerID = next.WorkerID
	task.Slot = slot
	task.SessionID = cur.SessionID
	task.WorktreePath = cur.WorktreePath
	task.HeartbeatAt = next.HeartbeatAt

	d.logger.Info().Str("task", task.Path()).Str("daemon_id", daemonID).
		Str("previous_daemon", cur.DaemonID).Msg("Adopted in-progress lease")
	d.broker.Publish(&telemetry.Event{
		Repo: full, Type: telemetry.EventTaskClaimed,
		Data: map[string]any{"task": task.Path(), "daemon_id": daemonID, "slot": slot, "adopted": true},
	})
	return nil
}

// Heartbeat refreshes the lease. Returns ErrNotOwner when another
// daemon holds the task or the row was released.
func (d *Driver) Heartbeat(task *types.TaskView, daemonID string) error {
	cur, err := d.store.GetOpState(d.repo.FullName(), task.Path())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotOwner
		}
		return err
	}
	if cur.Released() || cur.DaemonID != daemonID {
		return ErrNotOwner
	}
	next := *cur
	next.HeartbeatAt = d.now()
	ok, err := d.store.CompareAndSetOpState(&next, daemonID, cur.HeartbeatAt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	task.HeartbeatAt = next.HeartbeatAt
	return nil
}

// UpdateStatus moves the task to status: compute the label delta from
// the status map, apply it, then record op-state. "done" on a closed
// issue skips the label write.
func (d *Driver) UpdateStatus(ctx context.Context, task *types.TaskView, status types.TaskStatus, extras Extras) error {
	full := d.repo.FullName()
	label, ok := types.LabelForStatus(status)
	if !ok {
		return fmt.Errorf("queue: no label mapping for status %q", status)
	}

	skipLabels := false
	if status == types.TaskDone {
		if snap, err := d.store.GetIssue(full, task.Number); err == nil && snap.State == types.IssueClosed {
			skipLabels = true
		}
	}

	if !skipLabels {
		remove := removeSet(label)
		ops, err := labelio.PlanLabelOps([]string{label}, remove, false)
		if err != nil {
			return err
		}
		if outcome := d.executor.Execute(ctx, full, task.Number, ops); outcome.Kind != labelio.OutcomeOK {
			return fmt.Errorf("failed to write %s label: %w", label, outcome.Err)
		}
	}

	now := d.now()
	if extras.ReleaseReason != "" {
		if err := d.store.ReleaseOpState(full, task.Path(), extras.ReleaseReason, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	} else if extras.SessionID != "" || extras.WorktreePath != "" {
		cur, err := d.store.GetOpState(full, task.Path())
		if err != nil {
			return err
		}
		next := *cur
		if extras.SessionID != "" {
			next.SessionID = extras.SessionID
		}
		if extras.WorktreePath != "" {
			next.WorktreePath = extras.WorktreePath
		}
		next.HeartbeatAt = now
		if ok, err := d.store.CompareAndSetOpState(&next, cur.DaemonID, cur.HeartbeatAt); err != nil {
			return err
		} else if !ok {
			return ErrNotOwner
		}
	}

	task.Status = status
	task.BlockedSource = extras.BlockedSource
	task.BlockedReason = extras.BlockedReason
	return nil
}

// removeSet lists every status label except keep, so a status write
// leaves at most one behind.
func removeSet(keep string) []string {
	var out []string
	for _, l := range types.StatusLabels {
		if l != keep {
			out = append(out, l)
		}
	}
	if keep != types.LabelEscalated {
		out = append(out, types.LabelEscalated)
	}
	return out
}

// writeBlocked materialises a blocked decision: blocked label on,
// queued off, dependency summary comment upserted. Best effort.
func (d *Driver) writeBlocked(ctx context.Context, number int, decision *relationship.Decision) {
	full := d.repo.FullName()
	ops, err := labelio.PlanLabelOps([]string{types.LabelBlocked}, []string{types.LabelQueued}, false)
	if err == nil {
		if outcome := d.executor.Execute(ctx, full, number, ops); outcome.Kind != labelio.OutcomeOK {
			d.logger.Warn().Err(outcome.Err).Int("issue", number).Msg("Failed to write blocked label")
		}
	}
	if _, err := d.commenter.Upsert(ctx, full, number, labelio.MarkerBlocked, decision.Summary(), false); err != nil {
		d.logger.Debug().Err(err).Int("issue", number).Msg("Blocked comment upsert skipped")
	}
	d.broker.Publish(&telemetry.Event{
		Repo: full, Type: telemetry.EventTaskBlocked,
		Data: map[string]any{"issue": number, "reason": decision.Summary()},
	})
}
