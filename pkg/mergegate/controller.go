package mergegate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/metrics"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// Outcome is the terminal result of one merge-gate run.
type Outcome string

const (
	OutcomeMerged           Outcome = "merged"
	OutcomeConflict         Outcome = "conflict"
	OutcomeCIFailed         Outcome = "ci-failed"
	OutcomeTimedOut         Outcome = "timed-out"
	OutcomeAutoUpdateFailed Outcome = "auto-update-failed"
)

// Result reports what the gate did and why.
type Result struct {
	Outcome       Outcome
	HeadSHA       string
	Reason        string
	MergeAttempts int
	BranchUpdates int
}

// Params configures one run.
type Params struct {
	Repo           types.Repo
	PRNumber       int
	RequiredChecks []string
	Timeout        time.Duration
	PollInterval   time.Duration
}

// Controller runs the merge gate for one PR at a time.
type Controller struct {
	svc      hosting.Interface
	executor *labelio.Executor
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewController creates a controller.
func NewController(svc hosting.Interface, executor *labelio.Executor) *Controller {
	return &Controller{
		svc:      svc,
		executor: executor,
		logger:   log.WithComponent("mergegate"),
		now:      time.Now,
		sleep:    ctxSleep,
	}
}

// Run waits out the required checks and merges. issueNumber is used
// for the best-effort midpoint label swap after merge.
func (c *Controller) Run(ctx context.Context, p Params, issueNumber int) (*Result, error) {
	if p.Timeout == 0 {
		p.Timeout = 45 * time.Minute
	}
	if p.PollInterval == 0 {
		p.PollInterval = 15 * time.Second
	}
	full := p.Repo.FullName()
	deadline := c.now().Add(p.Timeout)
	res := &Result{}

	pr, err := c.svc.GetPR(ctx, full, p.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PR: %w", err)
	}
	res.HeadSHA = pr.Head.SHA

	if pr.MergeState() == types.MergeStateDirty {
		res.Outcome = OutcomeConflict
		res.Reason = "merge conflict against " + pr.Base.Ref
		return res, nil
	}

	if pr.MergeState() == types.MergeStateBehind {
		pr, err = c.autoUpdate(ctx, p, pr, res)
		if err != nil {
			res.Outcome = OutcomeAutoUpdateFailed
			res.Reason = "branch auto-update failed: " + err.Error()
			return res, nil
		}
		res.HeadSHA = pr.Head.SHA
	}

	pr, waitRes := c.waitChecks(ctx, p, pr, deadline)
	if waitRes != nil {
		res.Outcome = waitRes.Outcome
		res.Reason = waitRes.Reason
		res.HeadSHA = pr.Head.SHA
		return res, nil
	}
	res.HeadSHA = pr.Head.SHA

	// Merge with the expected head SHA so a racing push fails the merge
	// instead of shipping unreviewed commits. One branch-update-and-retry
	// cycle is allowed, then escalate.
	for attempt := 0; ; attempt++ {
		res.MergeAttempts++
		err := c.svc.MergePR(ctx, full, p.PRNumber, pr.Head.SHA)
		if err == nil {
			metrics.MergeAttempts.WithLabelValues("merged").Inc()
			break
		}
		metrics.MergeAttempts.WithLabelValues("failed").Inc()

		if attempt >= 1 || !retriableMergeError(err) {
			res.Outcome = OutcomeCIFailed
			res.Reason = "merge failed: " + err.Error()
			return res, nil
		}

		c.logger.Info().Str("repo", full).Int("pr", p.PRNumber).Err(err).
			Msg("Merge raced a push, updating branch and retrying once")
		if err := c.svc.UpdateBranch(ctx, full, p.PRNumber); err != nil {
			res.Outcome = OutcomeAutoUpdateFailed
			res.Reason = "branch update before merge retry failed: " + err.Error()
			return res, nil
		}
		res.BranchUpdates++

		pr, err = c.svc.GetPR(ctx, full, p.PRNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to re-fetch PR after update: %w", err)
		}
		var waitRes *Result
		pr, waitRes = c.waitChecks(ctx, p, pr, deadline)
		if waitRes != nil {
			res.Outcome = waitRes.Outcome
			res.Reason = waitRes.Reason
			res.HeadSHA = pr.Head.SHA
			return res, nil
		}
		res.HeadSHA = pr.Head.SHA
	}

	res.Outcome = OutcomeMerged
	c.postMerge(ctx, p, pr, issueNumber)
	return res, nil
}

// autoUpdate applies the behind-branch policy. It returns the
// re-fetched PR, or an error when the policy allowed an update and the
// update failed. A policy that forbids updating returns the PR as is.
func (c *Controller) autoUpdate(ctx context.Context, p Params, pr *hosting.PullRequest, res *Result) (*hosting.PullRequest, error) {
	policy := p.Repo.AutoUpdate
	full := p.Repo.FullName()

	if !policy.Enabled {
		return pr, nil
	}
	if policy.GateLabel != "" && !prHasLabel(pr, policy.GateLabel) {
		return pr, nil
	}
	if age := c.now().Sub(pr.CreatedAt); age < time.Duration(policy.MinMinutes)*time.Minute {
		return pr, nil
	}

	if err := c.svc.UpdateBranch(ctx, full, p.PRNumber); err != nil {
		return pr, err
	}
	res.BranchUpdates++

	updated, err := c.svc.GetPR(ctx, full, p.PRNumber)
	if err != nil {
		return pr, err
	}
	return updated, nil
}

// waitChecks polls the required checks with bounded exponential
// backoff. It returns (pr, nil) on success, or (pr, result) carrying
// the terminal non-success outcome. A DIRTY classifier observed
// mid-wait short-circuits to conflict.
func (c *Controller) waitChecks(ctx context.Context, p Params, pr *hosting.PullRequest, deadline time.Time) (*hosting.PullRequest, *Result) {
	full := p.Repo.FullName()

	for attempt := 0; ; attempt++ {
		if pr.MergeState() == types.MergeStateDirty {
			return pr, &Result{Outcome: OutcomeConflict, Reason: "merge conflict detected while waiting for checks"}
		}

		runs, err := c.svc.ListChecks(ctx, full, pr.Head.SHA)
		if err != nil {
			if hosting.KindOf(err) != hosting.KindTransient && hosting.KindOf(err) != hosting.KindRateLimit {
				return pr, &Result{Outcome: OutcomeCIFailed, Reason: "failed to list checks: " + err.Error()}
			}
			runs = nil
		}

		agg, results := EvaluateChecks(runs, p.RequiredChecks)
		switch agg {
		case types.CheckSuccess:
			return pr, nil
		case types.CheckFailure:
			return pr, &Result{Outcome: OutcomeCIFailed, Reason: checksReason(results)}
		}

		// Timeout with any required check still pending is a failure,
		// never a success.
		if !c.now().Add(p.PollInterval).Before(deadline) {
			return pr, &Result{Outcome: OutcomeTimedOut, Reason: checksReason(results)}
		}
		if err := c.sleep(ctx, hosting.JitteredBackoff(p.PollInterval, 2*time.Minute, attempt)); err != nil {
			return pr, &Result{Outcome: OutcomeTimedOut, Reason: "cancelled while waiting for checks"}
		}

		refreshed, err := c.svc.GetPR(ctx, full, p.PRNumber)
		if err == nil {
			pr = refreshed
		}
	}
}

// postMerge runs the best-effort cleanup: delete the head branch when
// the PR merged into anything other than the repo's main branch, and
// swap the midpoint labels. Failures are logged, never fatal.
func (c *Controller) postMerge(ctx context.Context, p Params, pr *hosting.PullRequest, issueNumber int) {
	full := p.Repo.FullName()

	mainRef := p.Repo.MainBranch
	if mainRef == "" {
		mainRef = "main"
	}
	if pr.Base.Ref != mainRef && pr.Head.Ref != "" {
		if err := c.svc.DeleteBranch(ctx, full, pr.Head.Ref); err != nil {
			c.logger.Debug().Err(err).Str("repo", full).Str("ref", pr.Head.Ref).
				Msg("Head branch delete skipped")
		}
	}

	if issueNumber > 0 {
		ops, err := labelio.PlanLabelOps([]string{types.LabelInBot}, []string{types.LabelInProgress}, false)
		if err == nil {
			if outcome := c.executor.Execute(ctx, full, issueNumber, ops); outcome.Kind != labelio.OutcomeOK {
				c.logger.Warn().Err(outcome.Err).Str("repo", full).Int("issue", issueNumber).
					Msg("Post-merge label swap failed")
			}
		}
	}
}

// retriableMergeError reports whether a failed merge is the race the
// gate may repair with a single branch update.
func retriableMergeError(err error) bool {
	if hosting.KindOf(err) == hosting.KindConflict {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not up to date") ||
		strings.Contains(msg, "required status checks") ||
		strings.Contains(msg, "head branch was modified")
}

func prHasLabel(pr *hosting.PullRequest, name string) bool {
	for _, l := range pr.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
