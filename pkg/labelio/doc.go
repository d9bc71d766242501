// Package labelio owns every status-bearing mutation on an issue.
//
// Label changes go through a plan/execute split. PlanLabelOps
// normalises and deduplicates the add/remove sets, cancels labels
// appearing in both, and enforces the policy that only ralph: labels
// may be touched unless the caller opts out. Execute applies adds
// before removes, creates a missing canonical label once via the
// ensurer, rolls back best-effort on failure, and classifies the
// outcome. A transient outcome opens a short per-issue cooldown.
//
// Comments carry an HTML marker <!-- ralph-<kind>:id=<hash> --> so a
// rerun edits the existing comment instead of posting a duplicate.
// Upserts are elided through the idempotency ledger when the semantic
// hash of the body is unchanged, and bursts of identical writes inside
// the coalescing window collapse into one.
package labelio
