package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/agent"
	"github.com/3mdistal/ralph-sub004/pkg/config"
	"github.com/3mdistal/ralph-sub004/pkg/control"
	"github.com/3mdistal/ralph-sub004/pkg/escalation"
	"github.com/3mdistal/ralph-sub004/pkg/governor"
	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/mergegate"
	"github.com/3mdistal/ralph-sub004/pkg/metrics"
	"github.com/3mdistal/ralph-sub004/pkg/queue"
	"github.com/3mdistal/ralph-sub004/pkg/storage"
	"github.com/3mdistal/ralph-sub004/pkg/telemetry"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// Drain checkpoints, in lifecycle order.
const (
	CheckpointClaimed = "claimed"
	CheckpointPlanned = "planned"
	CheckpointRouted  = "routed"
	CheckpointPRReady = "pr_ready"
)

// minPlanConfidence is the floor below which a proceed decision is
// escalated anyway.
const minPlanConfidence = 0.6

// Resolvable is implemented by runners that can verify the agent
// command exists before any session is opened.
type Resolvable interface {
	Resolvable() error
}

// Options wires a worker's collaborators.
type Options struct {
	Driver    *queue.Driver
	Store     storage.Store
	Service   hosting.Interface
	Governor  *governor.Governor
	Control   *control.Watcher
	Runner    agent.SessionRunner
	Worktrees *agent.Worktrees
	Executor  *labelio.Executor
	Commenter *labelio.Commenter
	Reporter  *escalation.Reporter
	Gate      *mergegate.Controller
	Broker    *telemetry.Broker
	Agent     config.AgentConfig

	DaemonID     string
	Slot         int
	HeartbeatTTL time.Duration
}

// Report is the result of one worker run. Requeued reports a
// non-terminal reset (drain, missing worktree, shutdown) where the task
// went back to queued instead of reaching an outcome.
type Report struct {
	Task       string
	Outcome    types.Outcome
	Reason     string
	PRURL      string
	SessionID  string
	RunLogPath string
	Requeued   bool
	Survey     string
}

// Worker runs one task at a time for a single (repo, slot).
type Worker struct {
	repo      types.Repo
	driver    *queue.Driver
	store     storage.Store
	svc       hosting.Interface
	gov       *governor.Governor
	control   *control.Watcher
	runner    agent.SessionRunner
	worktrees *agent.Worktrees
	executor  *labelio.Executor
	commenter *labelio.Commenter
	reporter  *escalation.Reporter
	gate      *mergegate.Controller
	broker    *telemetry.Broker
	cfg       config.AgentConfig

	daemonID     string
	workerID     string
	slot         int
	heartbeatTTL time.Duration

	logger zerolog.Logger
}

// New creates a worker for one slot of the driver's repository.
func New(opts Options) *Worker {
	if opts.HeartbeatTTL == 0 {
		opts.HeartbeatTTL = 90 * time.Second
	}
	repo := opts.Driver.Repo()
	workerID := fmt.Sprintf("%s/%s#%d", opts.DaemonID, repo.FullName(), opts.Slot)
	return &Worker{
		repo:         repo,
		driver:       opts.Driver,
		store:        opts.Store,
		svc:          opts.Service,
		gov:          opts.Governor,
		control:      opts.Control,
		runner:       opts.Runner,
		worktrees:    opts.Worktrees,
		executor:     opts.Executor,
		commenter:    opts.Commenter,
		reporter:     opts.Reporter,
		gate:         opts.Gate,
		broker:       opts.Broker,
		cfg:          opts.Agent,
		daemonID:     opts.DaemonID,
		workerID:     workerID,
		slot:         opts.Slot,
		heartbeatTTL: opts.HeartbeatTTL,
		logger: log.WithComponent("worker").With().
			Str("repo", repo.FullName()).Int("slot", opts.Slot).Logger(),
	}
}

// Run drives task to a terminal outcome (or a requeue). The returned
// error reports infrastructure failures only; task-level failures land
// in the report.
func (w *Worker) Run(ctx context.Context, task *types.TaskView) (*Report, error) {
	rep := &Report{Task: task.Path()}
	start := time.Now()
	defer func() {
		metrics.WorkerRunDuration.Observe(time.Since(start).Seconds())
		metrics.WorkerRunsTotal.WithLabelValues(w.repo.FullName(), string(rep.Outcome)).Inc()
	}()

	// Admission rides the important lane. A cooldown refusal is the hard
	// throttle; any other refusal leaves the task queued until the defer
	// instant passes.
	if dec := w.gov.Acquire(governor.LaneImportant, governor.CostWrite); !dec.OK {
		if dec.Reason == governor.ReasonCooldown {
			rep.Outcome = types.OutcomeThrottled
			rep.Reason = fmt.Sprintf("hosting quota cooling down until %s", dec.Until.UTC().Format(time.RFC3339))
			// The label write is a terminal status transition and rides the
			// critical lane; the throttled sweeper requeues it later.
			if err := w.driver.UpdateStatus(ctx, task, types.TaskThrottled, queue.Extras{}); err != nil {
				w.logger.Warn().Err(err).Str("task", task.Path()).Msg("Failed to record throttled status")
			}
			w.broker.Publish(&telemetry.Event{
				Repo: w.repo.FullName(), Type: telemetry.EventTaskThrottled,
				Data: map[string]any{"task": task.Path(), "until": dec.Until.UTC().Format(time.RFC3339)},
			})
			return rep, nil
		}
		rep.Requeued = true
		rep.Reason = fmt.Sprintf("hosting budget deferred (%s) until %s", dec.Reason, dec.Until.UTC().Format(time.RFC3339))
		return rep, nil
	}

	// Draining daemons start no new work.
	if w.control != nil && w.control.Mode() == control.ModeDraining {
		rep.Requeued = true
		rep.Reason = "daemon draining"
		return rep, nil
	}

	resume := task.Status == types.TaskInProgress && task.SessionID != ""
	if resume {
		if err := w.driver.Heartbeat(task, w.daemonID); err != nil {
			return nil, fmt.Errorf("failed to re-assert lease on resume: %w", err)
		}
	} else {
		if err := w.driver.TryClaim(ctx, task, w.daemonID, w.workerID, w.slot); err != nil {
			var refused *queue.ClaimRefusedError
			if errors.As(err, &refused) {
				rep.Outcome = types.OutcomeBlocked
				rep.Reason = refused.Reason
				return rep, nil
			}
			return nil, err
		}
	}
	metrics.WorkersActive.WithLabelValues(w.repo.FullName()).Inc()
	defer metrics.WorkersActive.WithLabelValues(w.repo.FullName()).Dec()

	// The run context dies when the lease is lost.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	hbDone := make(chan struct{})
	go w.heartbeatLoop(runCtx, task, cancelRun, hbDone)
	defer func() { cancelRun(); <-hbDone }()

	res := w.run(runCtx, task, rep, resume)

	if ctx.Err() != nil && rep.Outcome == "" && !rep.Requeued {
		// Process shutdown mid-run: release ownership and requeue.
		w.requeue(task, "shutdown")
		rep.Requeued = true
		rep.Reason = "shutdown"
		return rep, nil
	}
	return rep, res
}

// run executes gates and lifecycle steps. Every path funnels through
// exactly one finish or requeue.
func (w *Worker) run(ctx context.Context, task *types.TaskView, rep *Report, resume bool) error {
	if reason := w.allowlistViolation(task); reason != "" {
		return w.finishBlocked(ctx, task, rep, types.BlockedByAllowlist, reason)
	}
	if r, ok := w.runner.(Resolvable); ok {
		if err := r.Resolvable(); err != nil {
			return w.finishBlocked(ctx, task, rep, types.BlockedByProfile, err.Error())
		}
	}

	if err := w.checkpoint(ctx, CheckpointClaimed); err != nil {
		return err
	}

	worktree := task.WorktreePath
	if worktree == "" {
		worktree = w.worktrees.PathFor(w.repo.FullName(), task.Number)
	}
	if !w.worktrees.Exists(worktree) {
		if resume {
			// The recorded worktree is gone; resuming the session would
			// operate on nothing. Reset to queued instead.
			w.requeue(task, "missing-worktree")
			rep.Requeued = true
			rep.Reason = "recorded worktree missing, task requeued"
			return nil
		}
		return w.finishBlocked(ctx, task, rep, types.BlockedByArtefacts,
			fmt.Sprintf("worktree %s does not exist", worktree))
	}
	if err := w.worktrees.EnsureLayout(worktree); err != nil {
		return w.finishBlocked(ctx, task, rep, types.BlockedByArtefacts, err.Error())
	}

	// A dirty PR recorded for this task is handled before any session
	// resume: recovery owns the session next.
	if resume {
		if pr := w.pendingConflictPR(ctx, task); pr != 0 {
			return w.mergePhase(ctx, task, rep, worktree, pr)
		}
	}

	decision, err := w.planPhase(ctx, task, rep, worktree, resume)
	if err != nil || rep.done() {
		return err
	}
	if esc := escalation.FromPlan(decision, minPlanConfidence, rep.RunLogPath); esc != nil {
		return w.finishEscalated(ctx, task, rep, *esc)
	}
	if err := w.checkpoint(ctx, CheckpointPlanned); err != nil {
		return err
	}

	prNumber, err := w.buildPhase(ctx, task, rep, worktree)
	if err != nil || rep.done() {
		return err
	}
	if reason := w.ciOnlyViolation(ctx, task, prNumber); reason != "" {
		return w.finishBlocked(ctx, task, rep, types.BlockedByCIOnly, reason)
	}
	if err := w.checkpoint(ctx, CheckpointPRReady); err != nil {
		return err
	}

	return w.mergePhase(ctx, task, rep, worktree, prNumber)
}

// allowlistViolation reports a non-empty reason when the issue author
// is outside the repo allowlist.
func (w *Worker) allowlistViolation(task *types.TaskView) string {
	if len(w.repo.AllowedOwners) == 0 {
		return ""
	}
	snap, err := w.store.GetIssue(w.repo.FullName(), task.Number)
	if err != nil {
		return ""
	}
	for _, owner := range w.repo.AllowedOwners {
		if strings.EqualFold(owner, snap.Author) {
			return ""
		}
	}
	return fmt.Sprintf("issue author %q is not in the repo allowlist", snap.Author)
}

// planPhase opens (or resumes) the session and obtains a plan decision.
// A missing or malformed marker gets one bounded repair attempt.
func (w *Worker) planPhase(ctx context.Context, task *types.TaskView, rep *Report, worktree string, resume bool) (*agent.PlanDecision, error) {
	prompt := w.planPrompt(task)
	if note := w.consumeParentVerification(task); note != "" {
		prompt = note + "\n\n" + prompt
	}

	sessionID := ""
	if resume {
		sessionID = task.SessionID
	}
	res, runErr := w.runner.Run(ctx, agent.Request{
		SessionID: sessionID,
		Worktree:  worktree,
		Prompt:    prompt,
		Timeout:   w.cfg.PlanTimeout,
	})
	w.noteRun(rep, res)
	if runErr != nil {
		return nil, w.finishFailed(ctx, task, rep, w.agentFailureReason("planning", res, runErr))
	}

	if err := w.driver.UpdateStatus(ctx, task, types.TaskInProgress, queue.Extras{
		SessionID:    rep.SessionID,
		WorktreePath: worktree,
	}); err != nil {
		return nil, err
	}

	decision, err := agent.ParsePlanMarker(res.Output)
	if errors.Is(err, agent.ErrNoMarker) {
		res, runErr = w.runner.Run(ctx, agent.Request{
			SessionID: rep.SessionID,
			Worktree:  worktree,
			Prompt:    planRepairPrompt,
			Timeout:   w.cfg.PlanTimeout,
		})
		w.noteRun(rep, res)
		if runErr != nil {
			return nil, w.finishFailed(ctx, task, rep, w.agentFailureReason("planning", res, runErr))
		}
		decision, err = agent.ParsePlanMarker(res.Output)
	}
	if err != nil {
		// Never guess a decision the agent did not state.
		return nil, w.finishFailed(ctx, task, rep, "planning produced no valid decision marker after one repair attempt")
	}
	return decision, nil
}

// consumeParentVerification returns the verification note when this
// issue has a pending parent verification, marking it done.
func (w *Worker) consumeParentVerification(task *types.TaskView) string {
	pv, err := w.store.GetParentVerification(w.repo.FullName(), task.Number)
	if err != nil || pv.Status != "pending" {
		return ""
	}
	pv.Status = "done"
	pv.UpdatedAt = time.Now()
	if err := w.store.SetParentVerification(pv); err != nil {
		w.logger.Warn().Err(err).Int("issue", task.Number).Msg("Failed to mark parent verification done")
	}
	return parentVerificationNote
}

// buildPhase continues the session with the build instruction and
// resolves the PR it opened.
func (w *Worker) buildPhase(ctx context.Context, task *types.TaskView, rep *Report, worktree string) (int, error) {
	res, runErr := w.runner.Run(ctx, agent.Request{
		SessionID: rep.SessionID,
		Worktree:  worktree,
		Prompt:    w.buildPrompt(task),
		Timeout:   w.cfg.BuildTimeout,
	})
	w.noteRun(rep, res)
	if runErr != nil {
		return 0, w.finishFailed(ctx, task, rep, w.agentFailureReason("build", res, runErr))
	}

	prURL := agent.ParsePRURL(res.Output)
	if prURL == "" {
		prURL = w.searchPRForIssue(ctx, task.Number)
	}
	if prURL == "" {
		// A hard agent error outranks the structural fallback: the
		// classified reason is what the user must see.
		if reason := agent.ClassifyTooling(res.Output, nil); reason != "" {
			return 0, w.finishFailed(ctx, task, rep, reason)
		}
		return 0, w.finishFailed(ctx, task, rep, "agent did not create a pull request")
	}

	rep.PRURL = types.NormalizePRURL(prURL)
	prNumber, err := prNumberFromURL(rep.PRURL)
	if err != nil {
		return 0, w.finishFailed(ctx, task, rep, fmt.Sprintf("unparseable pull request url %q", prURL))
	}
	w.recordPR(ctx, task, rep.PRURL, prNumber)
	w.midpointLabels(ctx, task)
	return prNumber, nil
}

// ciOnlyViolation reports a non-empty reason when the PR touches only
// CI workflow files while the issue itself is not CI work. Merging such
// a PR would land pipeline edits behind an unrelated issue.
func (w *Worker) ciOnlyViolation(ctx context.Context, task *types.TaskView, prNumber int) string {
	files, err := w.svc.ListPRFiles(ctx, w.repo.FullName(), prNumber)
	if err != nil || len(files) == 0 {
		return ""
	}
	for _, f := range files {
		if !strings.HasPrefix(f, ".github/workflows/") {
			return ""
		}
	}
	if snap, err := w.store.GetIssue(w.repo.FullName(), task.Number); err == nil {
		for _, l := range snap.Labels {
			if ciLabel(l) {
				return ""
			}
		}
	}
	return fmt.Sprintf("CI-only PR for non-CI issue: pull request #%d changes only files under .github/workflows/", prNumber)
}

// ciLabel matches labels naming CI work: "ci", "area/ci", "ci-pipeline".
func ciLabel(name string) bool {
	for _, tok := range strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	}) {
		if tok == "ci" {
			return true
		}
	}
	return false
}

// searchPRForIssue falls back to the hosting service's closing-PR graph
// when the agent output carried no url.
func (w *Worker) searchPRForIssue(ctx context.Context, issueNumber int) string {
	prs, err := w.svc.SearchPRsForIssue(ctx, w.repo.FullName(), issueNumber)
	if err != nil || len(prs) == 0 {
		return ""
	}
	// Prefer an open PR, then the most recent.
	for _, pr := range prs {
		if pr.State == "open" {
			return pr.HTMLURL
		}
	}
	return prs[len(prs)-1].HTMLURL
}

// recordPR snapshots the PR so the closed-issue sweeper can tell a
// merged task from an abandoned one.
func (w *Worker) recordPR(ctx context.Context, task *types.TaskView, url string, number int) {
	pr, err := w.svc.GetPR(ctx, w.repo.FullName(), number)
	if err != nil {
		w.logger.Warn().Err(err).Int("pr", number).Msg("Failed to fetch PR after build")
		return
	}
	snap := &types.PRSnapshot{
		Repo:        w.repo.FullName(),
		IssueNumber: task.Number,
		URL:         url,
		Number:      pr.Number,
		State:       types.PRState(pr.State),
		HeadSHA:     pr.Head.SHA,
		HeadRef:     pr.Head.Ref,
		BaseRef:     pr.Base.Ref,
		MergeState:  pr.MergeState(),
		Author:      pr.User.Login,
		CreatedAt:   pr.CreatedAt,
		FetchedAt:   time.Now(),
	}
	if pr.Merged {
		snap.State = types.PRMerged
	}
	if err := w.store.UpsertPR(snap); err != nil {
		w.logger.Warn().Err(err).Int("pr", number).Msg("Failed to store PR snapshot")
	}
}

// midpointLabels swaps in-progress for in-bot once a PR exists. Best
// effort: failure never blocks the merge, but it must be visible.
func (w *Worker) midpointLabels(ctx context.Context, task *types.TaskView) {
	ops, err := labelio.PlanLabelOps([]string{types.LabelInBot}, []string{types.LabelInProgress}, false)
	if err != nil {
		return
	}
	if outcome := w.executor.Execute(ctx, w.repo.FullName(), task.Number, ops); outcome.Kind != labelio.OutcomeOK {
		w.logger.Error().Err(outcome.Err).Int("issue", task.Number).Msg("Midpoint label swap failed")
		w.broker.Publish(&telemetry.Event{
			Repo: w.repo.FullName(), Type: telemetry.EventLabelProblem, Level: telemetry.LevelError,
			Data: map[string]any{"issue": task.Number, "stage": "pr-opened", "error": fmt.Sprint(outcome.Err)},
		})
	}
}

// pendingConflictPR reports the number of a recorded dirty PR for this
// task, zero when none.
func (w *Worker) pendingConflictPR(ctx context.Context, task *types.TaskView) int {
	snaps, err := w.store.ListPRsByIssue(w.repo.FullName(), task.Number)
	if err != nil {
		return 0
	}
	for _, snap := range snaps {
		if snap.State != types.PROpen {
			continue
		}
		pr, err := w.svc.GetPR(ctx, w.repo.FullName(), snap.Number)
		if err != nil {
			continue
		}
		if pr.State == "open" && pr.MergeState() == types.MergeStateDirty {
			return pr.Number
		}
	}
	return 0
}

// surveyPhase runs the short survey instruction; its output lands on
// the agent-run record only.
func (w *Worker) surveyPhase(ctx context.Context, task *types.TaskView, rep *Report, worktree string) {
	if w.cfg.SurveyCommand == "" {
		return
	}
	res, err := w.runner.Run(ctx, agent.Request{
		SessionID: rep.SessionID,
		Worktree:  worktree,
		Prompt:    w.surveyPrompt(task),
		Timeout:   w.cfg.PlanTimeout,
	})
	if err != nil {
		w.logger.Warn().Err(err).Int("issue", task.Number).Msg("Survey run failed")
		return
	}
	rep.Survey = res.Output
}

// agentFailureReason classifies a failed agent run, preferring the
// tooling classification over the raw error.
func (w *Worker) agentFailureReason(stage string, res *agent.Result, runErr error) string {
	output := ""
	if res != nil {
		output = res.Output
	}
	if reason := agent.ClassifyTooling(output, runErr); reason != "" {
		return reason
	}
	return fmt.Sprintf("%s run failed: %v", stage, runErr)
}

// noteRun copies session bookkeeping from an agent result.
func (w *Worker) noteRun(rep *Report, res *agent.Result) {
	if res == nil {
		return
	}
	if res.SessionID != "" {
		rep.SessionID = res.SessionID
	}
	if res.RunLogPath != "" {
		rep.RunLogPath = res.RunLogPath
	}
}

// checkpoint gates at a drain checkpoint; a pause blocks here until the
// operator resumes.
func (w *Worker) checkpoint(ctx context.Context, name string) error {
	if w.control == nil {
		return nil
	}
	return w.control.Checkpoint(ctx, w.repo.FullName(), name)
}

// heartbeatLoop refreshes the lease until the run context ends. A lost
// lease cancels the run.
func (w *Worker) heartbeatLoop(ctx context.Context, task *types.TaskView, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	interval := w.heartbeatTTL / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.driver.Heartbeat(task, w.daemonID); err != nil {
				w.logger.Warn().Err(err).Str("task", task.Path()).Msg("Lost task lease, cancelling run")
				cancel()
				return
			}
		}
	}
}

// requeue puts the task back to queued and releases ownership, best
// effort with a short independent deadline.
func (w *Worker) requeue(task *types.TaskView, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.driver.UpdateStatus(ctx, task, types.TaskQueued, queue.Extras{ReleaseReason: reason}); err != nil {
		w.logger.Error().Err(err).Str("task", task.Path()).Str("reason", reason).
			Msg("Failed to requeue task on release")
	}
	w.broker.Publish(&telemetry.Event{
		Repo: w.repo.FullName(), Type: telemetry.EventTaskReleased,
		Data: map[string]any{"task": task.Path(), "reason": reason},
	})
}

// done reports whether a terminal outcome has been recorded.
func (r *Report) done() bool { return r.Outcome != "" }

// finishDone records the single done outcome.
func (w *Worker) finishDone(ctx context.Context, task *types.TaskView, rep *Report) error {
	rep.Outcome = types.OutcomeDone
	rep.Reason = "merged"
	err := w.driver.UpdateStatus(ctx, task, types.TaskDone, queue.Extras{ReleaseReason: "done"})
	w.emitAgentRun(task, rep)
	w.broker.Publish(&telemetry.Event{
		Repo: w.repo.FullName(), Type: telemetry.EventTaskDone,
		Data: map[string]any{"task": task.Path(), "pr": rep.PRURL},
	})
	return err
}

// finishEscalated performs the escalation writeback and records the
// escalated outcome. The reason is carried verbatim everywhere.
func (w *Worker) finishEscalated(ctx context.Context, task *types.TaskView, rep *Report, esc types.Escalation) error {
	rep.Outcome = types.OutcomeEscalated
	rep.Reason = esc.Reason
	if esc.RunLogPath == "" {
		esc.RunLogPath = rep.RunLogPath
	}
	if w.reporter != nil {
		if err := w.reporter.Report(ctx, w.repo.FullName(), task.Number, esc); err != nil {
			w.logger.Error().Err(err).Int("issue", task.Number).Msg("Escalation writeback failed")
		}
	}
	err := w.driver.UpdateStatus(ctx, task, types.TaskEscalated, queue.Extras{ReleaseReason: "escalated"})
	w.emitAgentRun(task, rep)
	return err
}

// finishFailed classifies the reason and escalates it; failed runs need
// operator attention just like explicit escalations.
func (w *Worker) finishFailed(ctx context.Context, task *types.TaskView, rep *Report, reason string) error {
	rep.Outcome = types.OutcomeFailed
	rep.Reason = reason
	esc := types.Escalation{Type: escalation.Classify(reason), Reason: reason, RunLogPath: rep.RunLogPath}
	if w.reporter != nil {
		if err := w.reporter.Report(ctx, w.repo.FullName(), task.Number, esc); err != nil {
			w.logger.Error().Err(err).Int("issue", task.Number).Msg("Failure writeback failed")
		}
	}
	err := w.driver.UpdateStatus(ctx, task, types.TaskEscalated, queue.Extras{ReleaseReason: "failed"})
	w.emitAgentRun(task, rep)
	return err
}

// finishBlocked records a blocked outcome with its classified source.
func (w *Worker) finishBlocked(ctx context.Context, task *types.TaskView, rep *Report, source types.BlockedSource, reason string) error {
	rep.Outcome = types.OutcomeBlocked
	rep.Reason = reason
	err := w.driver.UpdateStatus(ctx, task, types.TaskBlocked, queue.Extras{
		BlockedSource: source,
		BlockedReason: reason,
		ReleaseReason: "blocked",
	})
	if w.commenter != nil {
		body := fmt.Sprintf("Blocked: %s\n\nSource: `%s`", reason, source)
		if _, cErr := w.commenter.Upsert(ctx, w.repo.FullName(), task.Number, labelio.MarkerBlocked, body, false); cErr != nil {
			w.logger.Debug().Err(cErr).Int("issue", task.Number).Msg("Blocked comment upsert skipped")
		}
	}
	if w.reporter != nil {
		w.reporter.Notify(ctx, w.repo.FullName(), task.Number, types.Escalation{
			Type: types.EscalationBlocked, Reason: reason, RunLogPath: rep.RunLogPath,
		})
	}
	w.emitAgentRun(task, rep)
	w.broker.Publish(&telemetry.Event{
		Repo: w.repo.FullName(), Type: telemetry.EventTaskBlocked, Level: telemetry.LevelWarn,
		Data: map[string]any{"task": task.Path(), "source": string(source), "reason": reason},
	})
	return err
}

// emitAgentRun publishes the agent-run record. Reason here matches the
// writeback and notification byte for byte.
func (w *Worker) emitAgentRun(task *types.TaskView, rep *Report) {
	data := map[string]any{
		"task":    task.Path(),
		"outcome": string(rep.Outcome),
		"reason":  rep.Reason,
	}
	if rep.SessionID != "" {
		data["session_id"] = rep.SessionID
	}
	if rep.RunLogPath != "" {
		data["run_log"] = rep.RunLogPath
	}
	if rep.PRURL != "" {
		data["pr"] = rep.PRURL
	}
	if rep.Survey != "" {
		data["survey"] = rep.Survey
	}
	w.broker.Publish(&telemetry.Event{
		Repo: w.repo.FullName(), Type: telemetry.EventAgentRun, Data: data,
	})
}

// prNumberFromURL parses the trailing number of a normalised PR url.
func prNumberFromURL(url string) (int, error) {
	i := strings.LastIndex(url, "/pull/")
	if i < 0 {
		return 0, fmt.Errorf("no /pull/ segment in %q", url)
	}
	n, err := strconv.Atoi(url[i+len("/pull/"):])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad PR number in %q", url)
	}
	return n, nil
}
