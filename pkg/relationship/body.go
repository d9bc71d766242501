package relationship

import (
	"regexp"
	"strconv"
)

// bodyRefRe matches #N issue references in free text. Markdown code
// fences are not excluded; the graph-coverage rule keeps informal
// mentions from causing false blocks on well-covered repos.
var bodyRefRe = regexp.MustCompile(`(?:^|[\s(])#(\d{1,6})\b`)

// blockedPhraseRe matches explicit dependency phrasing, which is
// extracted ahead of bare references so the strongest signals survive
// the per-decision cap.
var blockedPhraseRe = regexp.MustCompile(`(?i)(?:blocked\s+(?:by|on)|depends\s+on|requires)\s+#(\d{1,6})\b`)

// ExtractBodyRefs pulls issue references out of an issue body.
// Explicit "blocked by #N" style references come first, then bare #N
// mentions, each deduplicated in order of appearance.
func ExtractBodyRefs(body string) []int {
	if body == "" {
		return nil
	}
	var out []int
	seen := make(map[int]bool)
	add := func(matches [][]string) {
		for _, m := range matches {
			n, err := strconv.Atoi(m[1])
			if err != nil || n == 0 || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	add(blockedPhraseRe.FindAllStringSubmatch(body, -1))
	add(bodyRefRe.FindAllStringSubmatch(body, -1))
	return out
}
