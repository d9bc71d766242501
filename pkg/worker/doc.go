/*
Package worker implements the per-slot lifecycle worker, the central
state machine that drives one task from claim to a single terminal
outcome.

A worker accepts one task at a time and moves it through a stable
order of steps:

	queued ──claim──▶ starting ──open session──▶ in-progress
	in-progress ──plan decision──▶ {proceed, escalate}
	proceed ──build──▶ pr-opened
	pr-opened ──merge gate──▶ {merged, conflict, ci-failed, timed-out}
	merged ──survey──▶ done
	escalate/failure ──writeback──▶ escalated

Pre-flight gates short-circuit before any agent call: owner allowlist,
agent-command resolvability, issue liveness, hosting-quota cooldown,
drain mode, and worktree artefact layout. Each gate failure produces a
deterministic blocked, throttled or requeued result with a classified
reason.

Every run ends in exactly one terminal outcome. The reason string
attached to that outcome is carried verbatim through the agent-run
record, the escalation writeback comment, and the notification.

Cooperative suspension points are the drain checkpoints (planned,
routed, pr_ready); the control watcher may pause a worker there until
the operator resumes the daemon.
*/
package worker
