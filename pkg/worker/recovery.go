package worker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/3mdistal/ralph-sub004/pkg/agent"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/mergegate"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// maxConflictAttempts bounds merge-conflict recovery across runs; the
// count survives restarts in the ledger comment.
const maxConflictAttempts = 3

// ledgerPages bounds how deep the ledger lookup searches.
const ledgerPages = 3

var ledgerAttemptsRe = regexp.MustCompile(`attempts:\s*(\d+)`)

// mergePhase runs the merge gate and its two recovery sub-paths until a
// terminal outcome.
func (w *Worker) mergePhase(ctx context.Context, task *types.TaskView, rep *Report, worktree string, prNumber int) error {
	conflictAttempts := w.readConflictLedger(ctx, task)
	ciAttempts := 0
	maxCI := w.cfg.CIFixAttempts
	if maxCI <= 0 {
		maxCI = 5
	}

	for {
		res, err := w.gate.Run(ctx, mergegate.Params{
			Repo:           w.repo,
			PRNumber:       prNumber,
			RequiredChecks: w.repo.RequiredChecks,
		}, task.Number)
		if err != nil {
			return w.finishFailed(ctx, task, rep, fmt.Sprintf("merge gate failed: %v", err))
		}

		switch res.Outcome {
		case mergegate.OutcomeMerged:
			w.surveyPhase(ctx, task, rep, worktree)
			return w.finishDone(ctx, task, rep)

		case mergegate.OutcomeConflict:
			conflictAttempts++
			if conflictAttempts > maxConflictAttempts {
				return w.finishFailed(ctx, task, rep,
					fmt.Sprintf("merge conflict persisted after %d recovery attempts", maxConflictAttempts))
			}
			w.writeConflictLedger(ctx, task, conflictAttempts, res.HeadSHA)
			agentRes, runErr := w.runner.Run(ctx, agent.Request{
				SessionID: rep.SessionID,
				Worktree:  worktree,
				Prompt:    w.conflictPrompt(prNumber),
				Timeout:   w.cfg.BuildTimeout,
			})
			w.noteRun(rep, agentRes)
			if runErr != nil {
				return w.finishFailed(ctx, task, rep, w.agentFailureReason("conflict recovery", agentRes, runErr))
			}

		case mergegate.OutcomeCIFailed:
			ciAttempts++
			if ciAttempts > maxCI {
				return w.finishFailed(ctx, task, rep, res.Reason)
			}
			pre := res.HeadSHA
			agentRes, runErr := w.runner.Run(ctx, agent.Request{
				SessionID: rep.SessionID,
				Worktree:  worktree,
				Prompt:    w.ciFixPrompt(prNumber, res.Reason),
				Timeout:   w.cfg.BuildTimeout,
			})
			w.noteRun(rep, agentRes)
			if runErr != nil {
				return w.finishFailed(ctx, task, rep, w.agentFailureReason("ci remediation", agentRes, runErr))
			}
			post := w.headSHA(ctx, prNumber)
			if post == "" || post == pre {
				return w.finishEscalated(ctx, task, rep, types.Escalation{
					Type:   types.EscalationOther,
					Reason: "ci remediation made no progress: head commit unchanged",
				})
			}

		case mergegate.OutcomeTimedOut:
			return w.finishFailed(ctx, task, rep, res.Reason)

		case mergegate.OutcomeAutoUpdateFailed:
			return w.finishEscalated(ctx, task, rep, types.Escalation{
				Type:   types.EscalationOther,
				Reason: res.Reason,
			})

		default:
			return w.finishFailed(ctx, task, rep, fmt.Sprintf("merge gate returned unknown outcome %q", res.Outcome))
		}
	}
}

// headSHA re-fetches the PR head, empty on error.
func (w *Worker) headSHA(ctx context.Context, prNumber int) string {
	pr, err := w.svc.GetPR(ctx, w.repo.FullName(), prNumber)
	if err != nil {
		return ""
	}
	return pr.Head.SHA
}

// readConflictLedger recovers the persisted attempt count from the
// conflict marker comment, zero when absent.
func (w *Worker) readConflictLedger(ctx context.Context, task *types.TaskView) int {
	marker := labelio.Marker(labelio.MarkerConflict, labelio.MarkerID(w.repo.FullName(), task.Number))
	comments, err := w.svc.ListComments(ctx, w.repo.FullName(), task.Number, ledgerPages)
	if err != nil {
		return 0
	}
	for _, c := range comments {
		if !strings.Contains(c.Body, marker) {
			continue
		}
		if m := ledgerAttemptsRe.FindStringSubmatch(c.Body); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n
		}
	}
	return 0
}

// writeConflictLedger upserts the recovery ledger: attempt count, head
// signature and failure class.
func (w *Worker) writeConflictLedger(ctx context.Context, task *types.TaskView, attempts int, signature string) {
	body := fmt.Sprintf("Merge conflict recovery ledger\nattempts: %d\nsignature: %s\nclass: merge-conflict",
		attempts, signature)
	if _, err := w.commenter.Upsert(ctx, w.repo.FullName(), task.Number, labelio.MarkerConflict, body, true); err != nil {
		w.logger.Warn().Err(err).Int("issue", task.Number).Msg("Failed to update conflict ledger")
	}
}
