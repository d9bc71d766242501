package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// PlanMarkerPrefix starts the single structured line the planning
// agent must emit.
const PlanMarkerPrefix = "RALPH_PLAN:"

// Plan decisions.
const (
	DecisionProceed  = "proceed"
	DecisionEscalate = "escalate"
)

// PlanDecision is the parsed plan marker.
type PlanDecision struct {
	Decision         string  `json:"decision"`
	Confidence       float64 `json:"confidence"`
	EscalationReason string  `json:"escalation_reason,omitempty"`
}

// ErrNoMarker is wrapped into parse failures so callers can trigger
// the single bounded repair attempt.
var ErrNoMarker = fmt.Errorf("agent: no valid plan marker in output")

// ParsePlanMarker finds and decodes the RALPH_PLAN marker line. The
// last marker line wins; a missing or malformed marker is an error the
// caller may repair once by re-asking, never by guessing.
func ParsePlanMarker(output string) (*PlanDecision, error) {
	var line string
	for _, l := range strings.Split(output, "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, PlanMarkerPrefix) {
			line = l
		}
	}
	if line == "" {
		return nil, ErrNoMarker
	}

	var d PlanDecision
	if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, PlanMarkerPrefix))), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMarker, err)
	}
	switch d.Decision {
	case DecisionProceed, DecisionEscalate:
		return &d, nil
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrNoMarker, d.Decision)
	}
}

// prURLRe matches hosting-service pull request urls in agent output.
var prURLRe = regexp.MustCompile(`https?://[^\s)"']+/pull/\d+`)

// ParsePRURL extracts the last PR url from agent output, empty when
// none is present.
func ParsePRURL(output string) string {
	matches := prURLRe.FindAllString(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimRight(matches[len(matches)-1], ".,;")
}

// Tooling-failure patterns, matched before any structural fallback so
// the classified reason is what the user sees.
var toolingPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)invalid tool schema`), "agent rejected a tool schema"},
	{regexp.MustCompile(`(?i)unknown tool`), "agent invoked an unknown tool"},
	{regexp.MustCompile(`(?i)(command|executable file) not found`), "agent binary not found"},
	{regexp.MustCompile(`(?i)api key|authentication failed|unauthorized`), "agent authentication failed"},
	{regexp.MustCompile(`(?i)context (deadline exceeded|canceled)`), "agent run timed out"},
}

// ClassifyTooling reports the classified tooling failure hidden in an
// agent run, empty when the output shows no hard agent error.
func ClassifyTooling(output string, runErr error) string {
	haystack := output
	if runErr != nil {
		haystack += "\n" + runErr.Error()
	}
	for _, p := range toolingPatterns {
		if p.re.MatchString(haystack) {
			return p.reason
		}
	}
	return ""
}
