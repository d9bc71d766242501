package hosting

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory hosting service for tests in other packages.
// All state is keyed by repo full name. Zero value is not usable; use
// NewFake.
type Fake struct {
	mu sync.Mutex

	issues    map[string]map[int]*Issue
	comments  map[string]map[int][]*Comment
	prs       map[string]map[int]*PullRequest
	prFiles   map[string]map[int][]string
	checks    map[string]map[string][]*CheckRun // repo -> sha -> runs
	relations map[string]map[int]*Relations
	labels    map[string]map[string]bool // repo -> ensured label names

	nextCommentID int64

	// FailWith makes every call whose method name matches a key return
	// that error. Keys are method names like "MergePR".
	FailWith map[string]error

	// FailOnceWith fails only the next matching call, then clears.
	FailOnceWith map[string]error

	// Calls records method names in invocation order.
	Calls []string
}

var _ Interface = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		issues:        make(map[string]map[int]*Issue),
		comments:      make(map[string]map[int][]*Comment),
		prs:           make(map[string]map[int]*PullRequest),
		prFiles:       make(map[string]map[int][]string),
		checks:        make(map[string]map[string][]*CheckRun),
		relations:     make(map[string]map[int]*Relations),
		labels:        make(map[string]map[string]bool),
		nextCommentID: 1000,
		FailWith:      make(map[string]error),
		FailOnceWith:  make(map[string]error),
	}
}

func (f *Fake) record(op string) error {
	f.Calls = append(f.Calls, op)
	if err, ok := f.FailOnceWith[op]; ok {
		delete(f.FailOnceWith, op)
		return err
	}
	return f.FailWith[op]
}

// SeedIssue installs or replaces an issue.
func (f *Fake) SeedIssue(repo string, issue *Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issues[repo] == nil {
		f.issues[repo] = make(map[int]*Issue)
	}
	f.issues[repo][issue.Number] = issue
}

// SeedComment installs a comment verbatim, author association included.
func (f *Fake) SeedComment(repo string, number int, c *Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.comments[repo] == nil {
		f.comments[repo] = make(map[int][]*Comment)
	}
	if c.ID == 0 {
		f.nextCommentID++
		c.ID = f.nextCommentID
	}
	f.comments[repo][number] = append(f.comments[repo][number], c)
}

// SeedPR installs or replaces a PR.
func (f *Fake) SeedPR(repo string, pr *PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prs[repo] == nil {
		f.prs[repo] = make(map[int]*PullRequest)
	}
	f.prs[repo][pr.Number] = pr
}

// SeedPRFiles installs the changed-file list for a PR.
func (f *Fake) SeedPRFiles(repo string, number int, files []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prFiles[repo] == nil {
		f.prFiles[repo] = make(map[int][]string)
	}
	f.prFiles[repo][number] = files
}

// SeedChecks installs check runs for a commit.
func (f *Fake) SeedChecks(repo, sha string, runs []*CheckRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checks[repo] == nil {
		f.checks[repo] = make(map[string][]*CheckRun)
	}
	f.checks[repo][sha] = runs
}

// SeedRelations installs the relationship graph for an issue.
func (f *Fake) SeedRelations(repo string, number int, rel *Relations) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relations[repo] == nil {
		f.relations[repo] = make(map[int]*Relations)
	}
	f.relations[repo][number] = rel
}

func (f *Fake) GetIssue(_ context.Context, repo string, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetIssue"); err != nil {
		return nil, err
	}
	issue, ok := f.issues[repo][number]
	if !ok {
		return nil, notFound(fmt.Sprintf("issue %s#%d", repo, number))
	}
	cp := *issue
	cp.Labels = append([]Label(nil), issue.Labels...)
	return &cp, nil
}

func (f *Fake) ListIssuesByLabel(_ context.Context, repo, label string) ([]*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListIssuesByLabel"); err != nil {
		return nil, err
	}
	var out []*Issue
	for _, issue := range f.issues[repo] {
		if issue.State != "open" {
			continue
		}
		for _, l := range issue.Labels {
			if l.Name == label {
				cp := *issue
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *Fake) ReopenIssue(_ context.Context, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ReopenIssue"); err != nil {
		return err
	}
	issue, ok := f.issues[repo][number]
	if !ok {
		return notFound(fmt.Sprintf("issue %s#%d", repo, number))
	}
	issue.State = "open"
	return nil
}

func (f *Fake) AddLabels(_ context.Context, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddLabels"); err != nil {
		return err
	}
	issue, ok := f.issues[repo][number]
	if !ok {
		return notFound(fmt.Sprintf("issue %s#%d", repo, number))
	}
	for _, name := range labels {
		if !hasLabel(issue, name) {
			issue.Labels = append(issue.Labels, Label{Name: name})
		}
	}
	return nil
}

func (f *Fake) RemoveLabel(_ context.Context, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveLabel"); err != nil {
		return err
	}
	issue, ok := f.issues[repo][number]
	if !ok {
		return notFound(fmt.Sprintf("issue %s#%d", repo, number))
	}
	if !hasLabel(issue, label) {
		// Removing an absent label 404s on the real service.
		return notFound(fmt.Sprintf("label %s on %s#%d", label, repo, number))
	}
	kept := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l.Name != label {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	return nil
}

func (f *Fake) EnsureLabel(_ context.Context, repo, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EnsureLabel"); err != nil {
		return err
	}
	if f.labels[repo] == nil {
		f.labels[repo] = make(map[string]bool)
	}
	f.labels[repo][label] = true
	return nil
}

// EnsuredLabels reports labels created via EnsureLabel.
func (f *Fake) EnsuredLabels(repo string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.labels[repo] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) ListComments(_ context.Context, repo string, number, _ int) ([]*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListComments"); err != nil {
		return nil, err
	}
	src := f.comments[repo][number]
	out := make([]*Comment, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- { // newest first
		cp := *src[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) CreateComment(_ context.Context, repo string, number int, body string) (*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateComment"); err != nil {
		return nil, err
	}
	if f.comments[repo] == nil {
		f.comments[repo] = make(map[int][]*Comment)
	}
	f.nextCommentID++
	c := &Comment{ID: f.nextCommentID, Body: body, User: Actor{Login: "ralph-bot"}}
	f.comments[repo][number] = append(f.comments[repo][number], c)
	cp := *c
	return &cp, nil
}

func (f *Fake) UpdateComment(_ context.Context, repo string, commentID int64, body string) (*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateComment"); err != nil {
		return nil, err
	}
	for _, byIssue := range f.comments[repo] {
		for _, c := range byIssue {
			if c.ID == commentID {
				c.Body = body
				cp := *c
				return &cp, nil
			}
		}
	}
	return nil, notFound(fmt.Sprintf("comment %d in %s", commentID, repo))
}

func (f *Fake) GetPR(_ context.Context, repo string, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPR"); err != nil {
		return nil, err
	}
	pr, ok := f.prs[repo][number]
	if !ok {
		return nil, notFound(fmt.Sprintf("pr %s#%d", repo, number))
	}
	cp := *pr
	return &cp, nil
}

func (f *Fake) MergePR(_ context.Context, repo string, number int, expectedHeadSHA string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MergePR"); err != nil {
		return err
	}
	pr, ok := f.prs[repo][number]
	if !ok {
		return notFound(fmt.Sprintf("pr %s#%d", repo, number))
	}
	if pr.Head.SHA != expectedHeadSHA {
		return &Error{Kind: KindConflict, StatusCode: 409, Message: "head branch was modified"}
	}
	pr.Merged = true
	pr.State = "closed"
	return nil
}

func (f *Fake) UpdateBranch(_ context.Context, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateBranch"); err != nil {
		return err
	}
	pr, ok := f.prs[repo][number]
	if !ok {
		return notFound(fmt.Sprintf("pr %s#%d", repo, number))
	}
	pr.Head.SHA = pr.Head.SHA + "+updated"
	pr.MergeableState = "clean"
	return nil
}

func (f *Fake) DeleteBranch(_ context.Context, repo, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("DeleteBranch")
}

func (f *Fake) ListChecks(_ context.Context, repo, sha string) ([]*CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListChecks"); err != nil {
		return nil, err
	}
	return append([]*CheckRun(nil), f.checks[repo][sha]...), nil
}

func (f *Fake) ListPRFiles(_ context.Context, repo string, number int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListPRFiles"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.prFiles[repo][number]...), nil
}

func (f *Fake) SearchPRsForIssue(_ context.Context, repo string, issueNumber int) ([]*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SearchPRsForIssue"); err != nil {
		return nil, err
	}
	rel := f.relations[repo][issueNumber]
	if rel == nil {
		return nil, nil
	}
	var out []*PullRequest
	for _, n := range rel.ClosingPRs {
		if pr, ok := f.prs[repo][n]; ok {
			cp := *pr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) IssueRelations(_ context.Context, repo string, number int) (*Relations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("IssueRelations"); err != nil {
		return nil, err
	}
	rel, ok := f.relations[repo][number]
	if !ok {
		// No edges recorded means complete coverage of an empty graph.
		return &Relations{BlockedByComplete: true, SubIssuesComplete: true}, nil
	}
	cp := *rel
	return &cp, nil
}

func hasLabel(issue *Issue, name string) bool {
	for _, l := range issue.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

func notFound(what string) error {
	return &Error{Kind: KindNotFound, StatusCode: 404, Message: what + " not found"}
}
