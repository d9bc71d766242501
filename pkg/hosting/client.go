package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/3mdistal/ralph-sub004/pkg/metrics"
	"github.com/3mdistal/ralph-sub004/pkg/telemetry"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// Issue is the hosting service's view of one issue.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	NodeID    string    `json:"node_id"`
	UpdatedAt time.Time `json:"updated_at"`
	User      Actor     `json:"user"`
	Labels    []Label   `json:"labels"`
}

// LabelNames flattens the issue's labels.
func (i *Issue) LabelNames() []string {
	out := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		out = append(out, l.Name)
	}
	return out
}

// Actor is a user reference on issues, comments and PRs.
type Actor struct {
	Login string `json:"login"`
}

// Label is a repository label.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Comment is one issue comment.
type Comment struct {
	ID                int64  `json:"id"`
	Body              string `json:"body"`
	HTMLURL           string `json:"html_url"`
	User              Actor  `json:"user"`
	AuthorAssociation string `json:"author_association"`
}

// PullRequest is the merge-gate view of a PR.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	Head    struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	MergeableState string    `json:"mergeable_state"`
	Labels         []Label   `json:"labels"`
	User           Actor     `json:"user"`
	CreatedAt      time.Time `json:"created_at"`
}

// MergeState maps the wire mergeable_state onto the shared classifier.
func (p *PullRequest) MergeState() types.MergeStateStatus {
	switch p.MergeableState {
	case "clean", "has_hooks":
		return types.MergeStateClean
	case "behind":
		return types.MergeStateBehind
	case "dirty":
		return types.MergeStateDirty
	case "blocked":
		return types.MergeStateBlocked
	case "unstable":
		return types.MergeStateUnstable
	default:
		return types.MergeStateUnknown
	}
}

// CheckRun is one named check on a commit.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, ...
}

// Interface is the typed hosting-service surface consumed by the rest
// of Ralph. Tests wire the Fake; production wires Client.
type Interface interface {
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	ListIssuesByLabel(ctx context.Context, repo, label string) ([]*Issue, error)
	ReopenIssue(ctx context.Context, repo string, number int) error

	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
	EnsureLabel(ctx context.Context, repo, label string) error

	ListComments(ctx context.Context, repo string, number, maxPages int) ([]*Comment, error)
	CreateComment(ctx context.Context, repo string, number int, body string) (*Comment, error)
	UpdateComment(ctx context.Context, repo string, commentID int64, body string) (*Comment, error)

	GetPR(ctx context.Context, repo string, number int) (*PullRequest, error)
	MergePR(ctx context.Context, repo string, number int, expectedHeadSHA string) error
	UpdateBranch(ctx context.Context, repo string, number int) error
	DeleteBranch(ctx context.Context, repo, ref string) error
	ListChecks(ctx context.Context, repo, sha string) ([]*CheckRun, error)
	ListPRFiles(ctx context.Context, repo string, number int) ([]string, error)
	SearchPRsForIssue(ctx context.Context, repo string, issueNumber int) ([]*PullRequest, error)

	IssueRelations(ctx context.Context, repo string, number int) (*Relations, error)
}

// Client is the production hosting-service client.
type Client struct {
	baseURL    string
	graphqlURL string
	token      string
	httpClient *http.Client
	broker     *telemetry.Broker

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

var _ Interface = (*Client)(nil)

// Config configures a Client.
type Config struct {
	// BaseURL defaults to https://api.github.com.
	BaseURL    string
	GraphQLURL string
	Token      string
	HTTPClient *http.Client
	Broker     *telemetry.Broker
}

// NewClient creates a client for one token.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	gql := cfg.GraphQLURL
	if gql == "" {
		gql = base + "/graphql"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    base,
		graphqlURL: gql,
		token:      cfg.Token,
		httpClient: hc,
		broker:     cfg.Broker,
		now:        time.Now,
		sleep:      ctxSleep,
	}
}

// do performs one request: sleep out any cooldown for this token, send,
// classify, record telemetry. It never retries; non-idempotent write
// policy belongs to the caller.
func (c *Client) do(ctx context.Context, method, url string, in, out any, isWrite bool) error {
	slept, err := registry.sleepUntilClear(ctx, c.token, c.now, c.sleep)
	if err != nil {
		return err
	}
	if slept > 0 {
		metrics.RateLimitSleeps.Inc()
	}

	var bodyReader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	duration := c.now().Sub(start)
	if err != nil {
		c.emit(method, url, 0, KindTransient, duration, slept, isWrite, "")
		return &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	requestID := resp.Header.Get("x-github-request-id")
	if v := resp.Header.Get("x-ratelimit-remaining"); v != "" {
		if remaining, err := strconv.Atoi(v); err == nil {
			registry.noteQuota(c.token, remaining)
		}
	}
	kind := Classify(resp.StatusCode, string(body))
	c.emit(method, url, resp.StatusCode, kind, duration, slept, isWrite, requestID)

	if kind == KindOK {
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}

	herr := &Error{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    apiMessage(body),
		RequestID:  requestID,
	}
	if kind == KindRateLimit {
		herr.ResumeAt = ParseResumeAt(resp.Header, string(body), c.now())
		registry.noteRateLimit(c.token, herr.ResumeAt, c.now())
	}
	return herr
}

func (c *Client) emit(method, url string, status int, kind ErrorKind, duration, backoff time.Duration, isWrite bool, requestID string) {
	metrics.HostingRequestsTotal.WithLabelValues(method, string(kind)).Inc()
	metrics.HostingRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
	c.broker.Publish(&telemetry.Event{
		Type:  telemetry.EventHostingRequest,
		Level: telemetry.LevelDebug,
		Data: map[string]any{
			"method":       method,
			"path":         url,
			"status":       status,
			"duration_ms":  duration.Milliseconds(),
			"attempt":      1,
			"request_id":   requestID,
			"write":        isWrite,
			"rate_limited": kind == KindRateLimit,
			"backoff_ms":   backoff.Milliseconds(),
		},
	})
}

func apiMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

func (c *Client) repoURL(repo, rest string) string {
	return c.baseURL + "/repos/" + repo + rest
}

// Issue and label endpoints

func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var issue Issue
	err := c.do(ctx, http.MethodGet, c.repoURL(repo, "/issues/"+strconv.Itoa(number)), nil, &issue, false)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) ListIssuesByLabel(ctx context.Context, repo, label string) ([]*Issue, error) {
	var all []*Issue
	for page := 1; page <= 10; page++ {
		var batch []*Issue
		url := fmt.Sprintf("%s?labels=%s&state=open&per_page=100&page=%d", c.repoURL(repo, "/issues"), label, page)
		if err := c.do(ctx, http.MethodGet, url, nil, &batch, false); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
	}
	return all, nil
}

func (c *Client) ReopenIssue(ctx context.Context, repo string, number int) error {
	in := map[string]string{"state": "open"}
	return c.do(ctx, http.MethodPatch, c.repoURL(repo, "/issues/"+strconv.Itoa(number)), in, nil, true)
}

func (c *Client) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	in := map[string][]string{"labels": labels}
	return c.do(ctx, http.MethodPost, c.repoURL(repo, "/issues/"+strconv.Itoa(number)+"/labels"), in, nil, true)
}

func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	return c.do(ctx, http.MethodDelete, c.repoURL(repo, "/issues/"+strconv.Itoa(number)+"/labels/"+label), nil, nil, true)
}

func (c *Client) EnsureLabel(ctx context.Context, repo, label string) error {
	in := map[string]string{"name": label, "color": "ededed"}
	err := c.do(ctx, http.MethodPost, c.repoURL(repo, "/labels"), in, nil, true)
	if KindOf(err) == KindConflict {
		// Already exists.
		return nil
	}
	return err
}

// Comment endpoints

func (c *Client) ListComments(ctx context.Context, repo string, number, maxPages int) ([]*Comment, error) {
	if maxPages <= 0 {
		maxPages = 3
	}
	var all []*Comment
	for page := 1; page <= maxPages; page++ {
		var batch []*Comment
		url := fmt.Sprintf("%s?per_page=100&page=%d&sort=created&direction=desc",
			c.repoURL(repo, "/issues/"+strconv.Itoa(number)+"/comments"), page)
		if err := c.do(ctx, http.MethodGet, url, nil, &batch, false); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
	}
	return all, nil
}

func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	var out Comment
	in := map[string]string{"body": body}
	err := c.do(ctx, http.MethodPost, c.repoURL(repo, "/issues/"+strconv.Itoa(number)+"/comments"), in, &out, true)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateComment(ctx context.Context, repo string, commentID int64, body string) (*Comment, error) {
	var out Comment
	in := map[string]string{"body": body}
	err := c.do(ctx, http.MethodPatch, c.repoURL(repo, "/issues/comments/"+strconv.FormatInt(commentID, 10)), in, &out, true)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull-request endpoints

func (c *Client) GetPR(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	err := c.do(ctx, http.MethodGet, c.repoURL(repo, "/pulls/"+strconv.Itoa(number)), nil, &pr, false)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *Client) MergePR(ctx context.Context, repo string, number int, expectedHeadSHA string) error {
	in := map[string]string{"sha": expectedHeadSHA, "merge_method": "squash"}
	return c.do(ctx, http.MethodPut, c.repoURL(repo, "/pulls/"+strconv.Itoa(number)+"/merge"), in, nil, true)
}

func (c *Client) UpdateBranch(ctx context.Context, repo string, number int) error {
	return c.do(ctx, http.MethodPut, c.repoURL(repo, "/pulls/"+strconv.Itoa(number)+"/update-branch"), map[string]string{}, nil, true)
}

func (c *Client) DeleteBranch(ctx context.Context, repo, ref string) error {
	return c.do(ctx, http.MethodDelete, c.repoURL(repo, "/git/refs/heads/"+ref), nil, nil, true)
}

func (c *Client) ListChecks(ctx context.Context, repo, sha string) ([]*CheckRun, error) {
	var out struct {
		CheckRuns []*CheckRun `json:"check_runs"`
	}
	url := c.repoURL(repo, "/commits/"+sha+"/check-runs?per_page=100")
	if err := c.do(ctx, http.MethodGet, url, nil, &out, false); err != nil {
		return nil, err
	}
	return out.CheckRuns, nil
}

func (c *Client) ListPRFiles(ctx context.Context, repo string, number int) ([]string, error) {
	var all []string
	for page := 1; page <= 10; page++ {
		var batch []struct {
			Filename string `json:"filename"`
		}
		url := fmt.Sprintf("%s?per_page=100&page=%d",
			c.repoURL(repo, "/pulls/"+strconv.Itoa(number)+"/files"), page)
		if err := c.do(ctx, http.MethodGet, url, nil, &batch, false); err != nil {
			return nil, err
		}
		for _, f := range batch {
			all = append(all, f.Filename)
		}
		if len(batch) < 100 {
			break
		}
	}
	return all, nil
}

func (c *Client) SearchPRsForIssue(ctx context.Context, repo string, issueNumber int) ([]*PullRequest, error) {
	rel, err := c.IssueRelations(ctx, repo, issueNumber)
	if err != nil {
		return nil, err
	}
	var prs []*PullRequest
	for _, ref := range rel.ClosingPRs {
		pr, err := c.GetPR(ctx, repo, ref)
		if err != nil {
			if KindOf(err) == KindNotFound {
				continue
			}
			return nil, err
		}
		prs = append(prs, pr)
	}
	return prs, nil
}
