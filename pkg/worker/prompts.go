package worker

import (
	"fmt"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// planRepairPrompt is the single bounded repair re-ask after a missing
// or malformed plan marker.
const planRepairPrompt = `Your previous reply did not contain a valid RALPH_PLAN marker line.
Reply again with exactly one line of the form:

RALPH_PLAN: {"decision":"proceed"|"escalate","confidence":<0..1>,"escalation_reason":"..."}

Do not include anything else on that line.`

// parentVerificationNote is prepended to the plan prompt once after a
// dependency of this issue has been completed.
const parentVerificationNote = `Note: a dependency of this issue was recently completed.
Verify the dependency's result actually satisfies what this issue needs before planning.`

func (w *Worker) planPrompt(task *types.TaskView) string {
	return fmt.Sprintf(`You are working on issue #%d (%s) in %s.
Read .ralph/plan.md and the issue, then decide whether to proceed.
Finish your reply with exactly one line:

RALPH_PLAN: {"decision":"proceed"|"escalate","confidence":<0..1>,"escalation_reason":"..."}`,
		task.Number, task.Title, task.Repo)
}

func (w *Worker) buildPrompt(task *types.TaskView) string {
	return fmt.Sprintf(`Implement the plan for issue #%d. Commit your work on a branch,
push it, and open a pull request against %s that closes the issue.
Include the pull request URL in your final reply.`,
		task.Number, w.repo.BotBranch)
}

func (w *Worker) surveyPrompt(task *types.TaskView) string {
	return fmt.Sprintf(`%s

Summarise in a few sentences what you changed for issue #%d, anything
you deferred, and any follow-up work an operator should know about.`,
		w.cfg.SurveyCommand, task.Number)
}

func (w *Worker) conflictPrompt(prNumber int) string {
	return fmt.Sprintf(`Pull request #%d has merge conflicts against its base branch.
Fetch the base, resolve the conflicts in this worktree, and push the
resolved head branch. Do not open a new pull request.`, prNumber)
}

func (w *Worker) ciFixPrompt(prNumber int, reason string) string {
	return fmt.Sprintf(`Required checks are failing on pull request #%d:
%s

Inspect the failures, fix them in this worktree, and push to the PR's
head branch. Do not open a new pull request.`, prNumber, reason)
}
