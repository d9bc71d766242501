package labelio

import (
	"fmt"
	"sort"
	"strings"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// OpKind distinguishes label additions from removals.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
)

// Op is one single-label mutation.
type Op struct {
	Kind  OpKind
	Label string
}

// PlanLabelOps turns add/remove sets into an ordered op list: adds
// first, then removes. Labels are trimmed and deduplicated; a label
// appearing in both sets cancels out entirely. Unless allowNonRalph is
// set, any op touching a label outside the ralph: namespace is a
// policy error.
func PlanLabelOps(add, remove []string, allowNonRalph bool) ([]Op, error) {
	addSet := normalize(add)
	removeSet := normalize(remove)

	// Cross-cancel: asking to add and remove the same label is a no-op.
	for label := range addSet {
		if removeSet[label] {
			delete(addSet, label)
			delete(removeSet, label)
		}
	}

	if !allowNonRalph {
		for label := range addSet {
			if !types.IsRalphLabel(label) {
				return nil, fmt.Errorf("labelio: policy: refusing to add non-ralph label %q", label)
			}
		}
		for label := range removeSet {
			if !types.IsRalphLabel(label) {
				return nil, fmt.Errorf("labelio: policy: refusing to remove non-ralph label %q", label)
			}
		}
	}

	ops := make([]Op, 0, len(addSet)+len(removeSet))
	for _, label := range sortedKeys(addSet) {
		ops = append(ops, Op{Kind: OpAdd, Label: label})
	}
	for _, label := range sortedKeys(removeSet) {
		ops = append(ops, Op{Kind: OpRemove, Label: label})
	}
	return ops, nil
}

func normalize(labels []string) map[string]bool {
	out := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l != "" {
			out[l] = true
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	// Deterministic op order keeps retries and tests stable.
	sort.Strings(out)
	return out
}
