package types

import (
	"fmt"
	"strings"
	"time"
)

// Repo identifies a repository on the hosting service plus its Ralph
// configuration.
type Repo struct {
	Owner string
	Name  string

	// BotBranch is the integration branch PRs target by default.
	BotBranch string

	// MainBranch is the repository's main branch. PR head branches
	// merged into it are kept; branches merged elsewhere are deleted
	// after merge. Empty means "main".
	MainBranch string

	// RequiredChecks are the check names that must be SUCCESS before merge.
	// Empty means no gating.
	RequiredChecks []string

	AutoUpdate AutoUpdatePolicy
	AutoQueue  bool

	// AllowedOwners restricts which issue authors may be worked on.
	// Empty means everyone.
	AllowedOwners []string

	MaxWorkers int
}

// FullName returns "owner/name".
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// AutoUpdatePolicy controls behind-branch updates in the merge gate.
type AutoUpdatePolicy struct {
	Enabled    bool
	MinMinutes int    // minimum PR age before updating
	GateLabel  string // optional label that must be present
}

// IssueState is the open/closed state of an issue.
type IssueState string

const (
	IssueOpen   IssueState = "open"
	IssueClosed IssueState = "closed"
)

// IssueSnapshot is the last-seen state of one issue, keyed by
// (repo, number). Mutated only by polling and by post-write refresh.
type IssueSnapshot struct {
	Repo      string
	Number    int
	State     IssueState
	Title     string
	Author    string
	Labels    []string
	NodeID    string // opaque graph-node id
	UpdatedAt time.Time
	PolledAt  time.Time
}

// HasLabel reports whether the snapshot carries the given label.
func (s *IssueSnapshot) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// TaskStatus is the derived status of a task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskStarting   TaskStatus = "starting"
	TaskInProgress TaskStatus = "in-progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskThrottled  TaskStatus = "throttled"
	TaskEscalated  TaskStatus = "escalated"
	TaskDone       TaskStatus = "done"
)

// BlockedSource classifies why a task is blocked.
type BlockedSource string

const (
	BlockedByDeps        BlockedSource = "deps"
	BlockedByAllowlist   BlockedSource = "allowlist"
	BlockedByProfile     BlockedSource = "profile-unresolvable"
	BlockedByArtefacts   BlockedSource = "artefacts"
	BlockedByIssueClosed BlockedSource = "issue-closed"
	BlockedByCIOnly      BlockedSource = "ci-only"
)

// TaskView is the derived, never-stored-as-primary view of a task.
// Status comes from the issue's status label plus open/closed state;
// op-state fields are local.
type TaskView struct {
	Repo     string
	Number   int
	Title    string
	Status   TaskStatus
	Priority int

	SessionID    string
	WorktreePath string
	WorkerID     string
	Slot         int
	DaemonID     string
	HeartbeatAt  time.Time

	BlockedSource BlockedSource
	BlockedReason string
}

// Path returns the canonical task identifier "github:<repo>#<number>".
func (t TaskView) Path() string {
	return fmt.Sprintf("github:%s#%d", t.Repo, t.Number)
}

// TaskOpState is the persisted per-task execution metadata. At most one
// unreleased row exists per task. Ownership is valid iff DaemonID matches
// and now-HeartbeatAt is within the TTL.
type TaskOpState struct {
	Repo     string
	TaskPath string

	SessionID    string
	WorktreePath string
	WorkerID     string
	Slot         int
	DaemonID     string
	HeartbeatAt  time.Time

	ReleasedAt     time.Time
	ReleasedReason string
}

// Released reports whether the row has been released.
func (o *TaskOpState) Released() bool {
	return !o.ReleasedAt.IsZero()
}

// OwnedBy reports whether daemonID holds a live lease given the TTL.
func (o *TaskOpState) OwnedBy(daemonID string, now time.Time, ttl time.Duration) bool {
	return !o.Released() && o.DaemonID == daemonID && now.Sub(o.HeartbeatAt) <= ttl
}

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PROpen   PRState = "open"
	PRMerged PRState = "merged"
	PRClosed PRState = "closed"
)

// MergeStateStatus is the hosting service's merge-state classifier.
type MergeStateStatus string

const (
	MergeStateClean    MergeStateStatus = "CLEAN"
	MergeStateBehind   MergeStateStatus = "BEHIND"
	MergeStateDirty    MergeStateStatus = "DIRTY"
	MergeStateBlocked  MergeStateStatus = "BLOCKED"
	MergeStateUnstable MergeStateStatus = "UNSTABLE"
	MergeStateUnknown  MergeStateStatus = "UNKNOWN"
)

// PRSnapshot is the last-seen state of a pull request. URL is
// normalised (lowercased host, no trailing slash) before storage.
type PRSnapshot struct {
	Repo        string
	IssueNumber int
	URL         string
	Number      int
	State       PRState
	HeadSHA     string
	HeadRef     string
	BaseRef     string
	MergeState  MergeStateStatus
	Labels      []string
	Author      string
	CreatedAt   time.Time
	FetchedAt   time.Time
}

// CheckState is the aggregate state of a required check.
type CheckState string

const (
	CheckSuccess CheckState = "SUCCESS"
	CheckPending CheckState = "PENDING"
	CheckFailure CheckState = "FAILURE"
)

// CheckResult is the observed state of one named check on a commit.
type CheckResult struct {
	Name     string
	State    CheckState
	RawState string // provider state, "missing" when not reported yet
}

// IdempotencyRecord pairs a write key with the semantic hash of its
// payload. Re-presenting the same payload elides the write.
type IdempotencyRecord struct {
	Key         string
	PayloadHash string
	ResultURL   string
	WrittenAt   time.Time
}

// ParentVerification tracks the per-issue pending/done verification
// consumed before planning after dependencies unblock.
type ParentVerification struct {
	Repo        string
	IssueNumber int
	Status      string // "pending" or "done"
	UpdatedAt   time.Time
}

// EscalationType classifies a terminal escalation.
type EscalationType string

const (
	EscalationProductGap    EscalationType = "product-gap"
	EscalationLowConfidence EscalationType = "low-confidence"
	EscalationAmbiguous     EscalationType = "ambiguous-requirements"
	EscalationBlocked       EscalationType = "blocked"
	EscalationMergeConflict EscalationType = "merge-conflict"
	EscalationOther         EscalationType = "other"
)

// Escalation is a classified failure surfaced to operators. The Reason
// string must be identical across the agent-run record, the writeback
// comment, and the notification for the same run.
type Escalation struct {
	Type       EscalationType
	Reason     string
	RunLogPath string
}

// Outcome is the single terminal result of a task run.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeEscalated Outcome = "escalated"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeThrottled Outcome = "throttled"
)

// RuntimeSnapshot is an opaque last-writer-wins status blob persisted
// with a write-interval floor.
type RuntimeSnapshot struct {
	Kind      string
	Payload   []byte
	WrittenAt time.Time
}

// DaemonRecord is one entry in the daemon registry file.
type DaemonRecord struct {
	Version         int       `json:"version"`
	DaemonID        string    `json:"daemonId"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"startedAt"`
	HeartbeatAt     time.Time `json:"heartbeatAt"`
	ControlRoot     string    `json:"controlRoot"`
	ControlFilePath string    `json:"controlFilePath"`
	CWD             string    `json:"cwd"`
	Command         string    `json:"command"`
}

// NormalizePRURL lowercases the host portion of a PR url and strips any
// trailing slash so urls compare stably.
func NormalizePRURL(url string) string {
	url = strings.TrimRight(url, "/")
	rest := url
	scheme := ""
	if i := strings.Index(url, "://"); i >= 0 {
		scheme = url[:i+3]
		rest = url[i+3:]
	}
	if j := strings.Index(rest, "/"); j >= 0 {
		return scheme + strings.ToLower(rest[:j]) + rest[j:]
	}
	return scheme + strings.ToLower(rest)
}
