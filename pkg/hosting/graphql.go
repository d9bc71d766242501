package hosting

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// RelatedIssue is a dependency or sub-issue reference.
type RelatedIssue struct {
	Number int
	State  string // OPEN or CLOSED
}

// Closed reports whether the related issue is resolved.
func (r RelatedIssue) Closed() bool {
	return strings.EqualFold(r.State, "CLOSED")
}

// Relations holds the relationship graph around one issue as the
// hosting service reports it.
type Relations struct {
	BlockedBy []RelatedIssue
	SubIssues []RelatedIssue

	// ClosingPRs are open or merged PR numbers that declare they close
	// this issue.
	ClosingPRs []int

	// BlockedByComplete and SubIssuesComplete are false when pagination
	// truncated the corresponding list. Callers must treat a truncated
	// list as unknown coverage, not as empty.
	BlockedByComplete bool
	SubIssuesComplete bool
}

const relationsQuery = `
query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    issue(number: $number) {
      blockedByIssues(first: 50) {
        pageInfo { hasNextPage }
        nodes { number state }
      }
      subIssues(first: 50) {
        pageInfo { hasNextPage }
        nodes { number state }
      }
      closedByPullRequestsReferences(first: 20, includeClosedPrs: true) {
        nodes { number }
      }
    }
  }
}`

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlIssueNode struct {
	Number int    `json:"number"`
	State  string `json:"state"`
}

type gqlConnection struct {
	PageInfo struct {
		HasNextPage bool `json:"hasNextPage"`
	} `json:"pageInfo"`
	Nodes []gqlIssueNode `json:"nodes"`
}

type gqlRelationsResponse struct {
	Data struct {
		Repository struct {
			Issue *struct {
				BlockedByIssues gqlConnection `json:"blockedByIssues"`
				SubIssues       gqlConnection `json:"subIssues"`
				ClosedByPRs     struct {
					Nodes []gqlIssueNode `json:"nodes"`
				} `json:"closedByPullRequestsReferences"`
			} `json:"issue"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// IssueRelations fetches blocked-by edges, sub-issues and closing PRs
// for one issue in a single GraphQL round trip.
func (c *Client) IssueRelations(ctx context.Context, repo string, number int) (*Relations, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return nil, fmt.Errorf("hosting: malformed repo %q", repo)
	}

	req := gqlRequest{
		Query: relationsQuery,
		Variables: map[string]any{
			"owner":  owner,
			"name":   name,
			"number": number,
		},
	}
	var resp gqlRelationsResponse
	if err := c.do(ctx, http.MethodPost, c.graphqlURL, req, &resp, false); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, &Error{Kind: KindUnknown, Message: resp.Errors[0].Message}
	}
	issue := resp.Data.Repository.Issue
	if issue == nil {
		return nil, &Error{Kind: KindNotFound, StatusCode: http.StatusNotFound,
			Message: fmt.Sprintf("issue %s#%d not found", repo, number)}
	}

	rel := &Relations{
		BlockedByComplete: !issue.BlockedByIssues.PageInfo.HasNextPage,
		SubIssuesComplete: !issue.SubIssues.PageInfo.HasNextPage,
	}
	for _, n := range issue.BlockedByIssues.Nodes {
		rel.BlockedBy = append(rel.BlockedBy, RelatedIssue{Number: n.Number, State: n.State})
	}
	for _, n := range issue.SubIssues.Nodes {
		rel.SubIssues = append(rel.SubIssues, RelatedIssue{Number: n.Number, State: n.State})
	}
	for _, n := range issue.ClosedByPRs.Nodes {
		rel.ClosingPRs = append(rel.ClosingPRs, n.Number)
	}
	return rel, nil
}
