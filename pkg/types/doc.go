/*
Package types defines the core data model shared across Ralph's packages.

The model follows the split the rest of the system depends on: hosting
service state (IssueSnapshot, PRSnapshot) is a cache of the remote truth,
task status (TaskStatus) is derived from issue labels plus open/closed
state, and execution metadata (TaskOpState) is local and lease-owned.

# Key Types

Repo:
  - Repository identity plus Ralph configuration
  - Bot branch, required checks, auto-update and auto-queue policy

IssueSnapshot:
  - Last-seen issue state keyed by (repo, number)
  - Mutated only by polling and post-write refresh

TaskView:
  - Derived view handed to lifecycle workers, never stored as primary
  - Identified by "github:<repo>#<number>"

TaskOpState:
  - Per-task session, worktree and ownership lease
  - At most one unreleased row per task
  - Ownership valid iff daemon id matches and heartbeat is within TTL

Labels:
  - Canonical ralph:status:* set with a total status-to-label mapping
  - Only ralph:* labels may be mutated unless explicitly allowed

The package has no dependencies beyond the standard library so every
other package can import it freely.
*/
package types
