package mergegate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// rawMissing is the raw state recorded for a required check the
// provider has not reported yet.
const rawMissing = "missing"

// maxReasonLen bounds the CI-gate reason string.
const maxReasonLen = 300

// EvaluateChecks aggregates the required checks observed on a commit.
// Empty required means no gating and aggregates to SUCCESS. A required
// name with no matching run is PENDING with raw state "missing". The
// aggregate is worst-of over {SUCCESS, PENDING, FAILURE}.
func EvaluateChecks(runs []*hosting.CheckRun, required []string) (types.CheckState, []types.CheckResult) {
	if len(required) == 0 {
		return types.CheckSuccess, nil
	}

	byName := make(map[string]*hosting.CheckRun, len(runs))
	for _, run := range runs {
		// Last run under a canonical name wins; reruns replace.
		byName[run.Name] = run
	}

	agg := types.CheckSuccess
	results := make([]types.CheckResult, 0, len(required))
	for _, name := range required {
		res := types.CheckResult{Name: name, State: types.CheckPending, RawState: rawMissing}
		if run, ok := byName[name]; ok {
			res.State = checkState(run)
			res.RawState = rawState(run)
		}
		results = append(results, res)
		agg = worstOf(agg, res.State)
	}
	return agg, results
}

func checkState(run *hosting.CheckRun) types.CheckState {
	if run.Status != "completed" {
		return types.CheckPending
	}
	switch run.Conclusion {
	case "success", "neutral", "skipped":
		return types.CheckSuccess
	case "failure", "timed_out", "cancelled", "action_required", "startup_failure":
		return types.CheckFailure
	default:
		return types.CheckPending
	}
}

func rawState(run *hosting.CheckRun) string {
	if run.Status == "completed" {
		return run.Conclusion
	}
	return run.Status
}

func worstOf(a, b types.CheckState) types.CheckState {
	rank := map[types.CheckState]int{
		types.CheckSuccess: 0,
		types.CheckPending: 1,
		types.CheckFailure: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// checksReason renders a deterministic, bounded reason string: checks
// compared in sorted-name order, non-success states only.
func checksReason(results []types.CheckResult) string {
	sorted := append([]types.CheckResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var parts []string
	for _, r := range sorted {
		if r.State == types.CheckSuccess {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s(%s)", r.Name, r.State, r.RawState))
	}
	reason := "required checks not passing: " + strings.Join(parts, ", ")
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen-1] + "…"
	}
	return reason
}
