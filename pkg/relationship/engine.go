package relationship

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/log"
)

// SignalKind distinguishes dependency edges from sub-issue edges.
type SignalKind string

const (
	SignalBlockedBy SignalKind = "blocked_by"
	SignalSubIssue  SignalKind = "sub_issue"
)

// Source records where a signal was observed.
type Source string

const (
	SourceGraph Source = "graph"
	SourceBody  Source = "body"
)

// Signal is one observed dependency edge.
type Signal struct {
	Kind   SignalKind
	Source Source
	Number int
	Open   bool
}

// Coverage reports how trustworthy each signal source was for one
// decision. A false graph flag means pagination truncated the list or
// the query failed; BodyDeps records whether body-derived signals were
// extracted at all.
type Coverage struct {
	GraphDepsComplete      bool
	GraphSubIssuesComplete bool
	BodyDeps               bool
}

// Verdict is the three-way blocking decision.
type Verdict string

const (
	VerdictBlocked  Verdict = "blocked"
	VerdictRunnable Verdict = "runnable"
	VerdictUnknown  Verdict = "unknown"
)

// Decision is the outcome of one evaluation. OpenBlockers lists the
// issue numbers holding the task back, ascending.
type Decision struct {
	Verdict      Verdict
	OpenBlockers []int
	Signals      []Signal
	Coverage     Coverage
}

// maxBodyRefs bounds how many body references get their live state
// resolved per decision.
const maxBodyRefs = 10

// Engine evaluates blocking decisions against the hosting service.
type Engine struct {
	svc    hosting.Interface
	logger zerolog.Logger
}

// NewEngine creates an engine over the hosting service.
func NewEngine(svc hosting.Interface) *Engine {
	return &Engine{svc: svc, logger: log.WithComponent("relationship")}
}

// Decide evaluates the blocking state of one issue.
//
// Rules:
//   - blocked iff any open blocked_by signal whose coverage is trusted;
//   - body signals are ignored when graph deps coverage is complete, to
//     avoid false positives from informal issue text;
//   - all-unknown coverage with no open signals observed is unknown,
//     and the caller must not write a blocked or queued label.
func (e *Engine) Decide(ctx context.Context, repo string, number int, body string) (*Decision, error) {
	d := &Decision{}

	rel, err := e.svc.IssueRelations(ctx, repo, number)
	if err != nil {
		if kind := hosting.KindOf(err); kind == hosting.KindNotFound {
			return nil, err
		}
		e.logger.Warn().Err(err).Str("repo", repo).Int("issue", number).
			Msg("Relations query failed, graph coverage unknown")
		rel = &hosting.Relations{}
	}
	d.Coverage.GraphDepsComplete = rel.BlockedByComplete
	d.Coverage.GraphSubIssuesComplete = rel.SubIssuesComplete

	for _, r := range rel.BlockedBy {
		d.Signals = append(d.Signals, Signal{
			Kind: SignalBlockedBy, Source: SourceGraph, Number: r.Number, Open: !r.Closed(),
		})
	}
	for _, r := range rel.SubIssues {
		d.Signals = append(d.Signals, Signal{
			Kind: SignalSubIssue, Source: SourceGraph, Number: r.Number, Open: !r.Closed(),
		})
	}

	// Body signals only matter when the graph could not vouch for
	// complete dependency coverage.
	if !d.Coverage.GraphDepsComplete && body != "" {
		d.Coverage.BodyDeps = true
		refs := ExtractBodyRefs(body)
		if len(refs) > maxBodyRefs {
			refs = refs[:maxBodyRefs]
		}
		for _, ref := range refs {
			if ref == number {
				continue
			}
			open, err := e.refOpen(ctx, repo, ref)
			if err != nil {
				continue
			}
			d.Signals = append(d.Signals, Signal{
				Kind: SignalBlockedBy, Source: SourceBody, Number: ref, Open: open,
			})
		}
	}

	for _, s := range d.Signals {
		if s.Kind != SignalBlockedBy || !s.Open {
			continue
		}
		if s.Source == SourceBody && d.Coverage.GraphDepsComplete {
			continue
		}
		d.OpenBlockers = appendUnique(d.OpenBlockers, s.Number)
	}

	switch {
	case len(d.OpenBlockers) > 0:
		d.Verdict = VerdictBlocked
	case d.Coverage.GraphDepsComplete:
		d.Verdict = VerdictRunnable
	case d.Coverage.BodyDeps:
		// Body extraction ran and found nothing open.
		d.Verdict = VerdictRunnable
	default:
		d.Verdict = VerdictUnknown
	}
	return d, nil
}

func (e *Engine) refOpen(ctx context.Context, repo string, number int) (bool, error) {
	issue, err := e.svc.GetIssue(ctx, repo, number)
	if err != nil {
		return false, err
	}
	return issue.State == "open", nil
}

func appendUnique(nums []int, n int) []int {
	for _, v := range nums {
		if v == n {
			return nums
		}
	}
	// Keep ascending order for deterministic reasons and summaries.
	i := len(nums)
	for i > 0 && nums[i-1] > n {
		i--
	}
	nums = append(nums, 0)
	copy(nums[i+1:], nums[i:])
	nums[i] = n
	return nums
}

// Summary renders a short human-readable dependency summary for the
// blocked marker comment.
func (d *Decision) Summary() string {
	switch d.Verdict {
	case VerdictBlocked:
		return fmt.Sprintf("Blocked by %d open issue(s): %s", len(d.OpenBlockers), formatRefs(d.OpenBlockers))
	case VerdictRunnable:
		return "No open blockers."
	default:
		return "Dependency coverage unknown; not gating."
	}
}

func formatRefs(nums []int) string {
	out := ""
	for i, n := range nums {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("#%d", n)
	}
	return out
}
