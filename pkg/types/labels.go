package types

import "strings"

// Canonical Ralph status labels. At most one may be present per issue;
// violations are surfaced as problems, never silently reconciled.
const (
	LabelQueued     = "ralph:status:queued"
	LabelInProgress = "ralph:status:in-progress"
	LabelBlocked    = "ralph:status:blocked"
	LabelPaused     = "ralph:status:paused"
	LabelThrottled  = "ralph:status:throttled"
	LabelInBot      = "ralph:status:in-bot"
	LabelDone       = "ralph:status:done"
	LabelStuck      = "ralph:status:stuck"
	LabelEscalated  = "ralph:escalated"
)

// Command labels set by operators and consumed by the queue driver.
const (
	LabelCmdQueue   = "ralph:cmd:queue"
	LabelCmdPause   = "ralph:cmd:pause"
	LabelCmdStop    = "ralph:cmd:stop"
	LabelCmdSatisfy = "ralph:cmd:satisfy"
)

// LabelPrefix guards mutation policy: only labels with this prefix may
// be mutated unless explicitly allowed.
const LabelPrefix = "ralph:"

// PriorityLabelPrefix prefixes the p0..p4 priority labels.
const PriorityLabelPrefix = "ralph:priority:p"

// StatusLabels is the enumerated Ralph status label set, stable order.
var StatusLabels = []string{
	LabelQueued,
	LabelInProgress,
	LabelBlocked,
	LabelPaused,
	LabelThrottled,
	LabelInBot,
	LabelDone,
	LabelStuck,
}

// statusToLabel is a total function over enumerated statuses.
var statusToLabel = map[TaskStatus]string{
	TaskQueued:     LabelQueued,
	TaskStarting:   LabelInProgress,
	TaskInProgress: LabelInProgress,
	TaskBlocked:    LabelBlocked,
	TaskThrottled:  LabelThrottled,
	TaskEscalated:  LabelEscalated,
	TaskDone:       LabelDone,
}

// LabelForStatus returns the canonical label carrying the given status.
func LabelForStatus(s TaskStatus) (string, bool) {
	l, ok := statusToLabel[s]
	return l, ok
}

// StatusForLabels derives the task status from an issue's labels plus
// its open/closed state. Closed issues are done regardless of labels.
// "escalated" and "stuck" never map back to a runnable status; operator
// action restores them.
func StatusForLabels(labels []string, state IssueState) (TaskStatus, bool) {
	if state == IssueClosed {
		return TaskDone, true
	}
	for _, l := range labels {
		switch l {
		case LabelEscalated, LabelStuck:
			return TaskEscalated, true
		}
	}
	for _, l := range labels {
		switch l {
		case LabelQueued:
			return TaskQueued, true
		case LabelInProgress, LabelInBot:
			return TaskInProgress, true
		case LabelBlocked:
			return TaskBlocked, true
		case LabelThrottled:
			return TaskThrottled, true
		case LabelDone:
			return TaskDone, true
		case LabelPaused:
			return TaskBlocked, true
		}
	}
	return "", false
}

// IsRalphLabel reports whether the label belongs to the Ralph namespace.
func IsRalphLabel(label string) bool {
	return strings.HasPrefix(label, LabelPrefix)
}

// StatusLabelsOf returns the Ralph status labels present on the issue,
// preserving input order. More than one is an invariant violation the
// caller must surface.
func StatusLabelsOf(labels []string) []string {
	var out []string
	for _, l := range labels {
		for _, s := range StatusLabels {
			if l == s {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// PriorityFromLabels parses ralph:priority:pN-* labels into a numeric
// priority. Lower is more urgent; issues without a priority label get
// the default 2.
func PriorityFromLabels(labels []string) int {
	for _, l := range labels {
		if !strings.HasPrefix(l, PriorityLabelPrefix) {
			continue
		}
		rest := l[len(PriorityLabelPrefix):]
		if len(rest) == 0 {
			continue
		}
		switch rest[0] {
		case '0', '1', '2', '3', '4':
			return int(rest[0] - '0')
		}
	}
	return 2
}
