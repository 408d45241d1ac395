// Package tracker imports a project's open GitHub issues as backlog
// tickets. The flow is one way: maestro never writes back to the tracker.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// issuesPerPage is the API maximum; fewer round trips on big backlogs.
const issuesPerPage = 100

// Issue is the subset of the GitHub issues API response the importer needs.
type Issue struct {
	Number      int              `json:"number"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	State       string           `json:"state"`
	HTMLURL     string           `json:"html_url"`
	PullRequest *json.RawMessage `json:"pull_request,omitempty"`
}

// IsPullRequest reports whether the item is a pull request. The issues API
// returns PRs too; they carry a pull_request key.
func (i *Issue) IsPullRequest() bool {
	return i.PullRequest != nil
}

// ExternalID is the ticket correlation key. The number is stable across
// title edits, so re-imports of a renamed issue still count as skips.
func (i *Issue) ExternalID() string {
	return fmt.Sprintf("gh-%d", i.Number)
}

// GitHubClient provides HTTP access to the GitHub issues API.
type GitHubClient struct {
	httpClient *http.Client
	apiBase    string
	token      string
}

// NewGitHubClient creates a client for the issues API. token may be empty
// (public repos only, lower rate limits); apiBase empty means github.com.
func NewGitHubClient(token, apiBase string) *GitHubClient {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &GitHubClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
	}
}

// ListOpenIssues pages through a repository's open issues, pull requests
// filtered out.
func (c *GitHubClient) ListOpenIssues(ctx context.Context, owner, repo string) ([]Issue, error) {
	var issues []Issue
	for page := 1; ; page++ {
		batch, err := c.listPage(ctx, owner, repo, page)
		if err != nil {
			return nil, err
		}
		for _, issue := range batch {
			if issue.IsPullRequest() {
				continue
			}
			issues = append(issues, issue)
		}
		if len(batch) < issuesPerPage {
			break
		}
	}
	return issues, nil
}

func (c *GitHubClient) listPage(ctx context.Context, owner, repo string, page int) ([]Issue, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/issues?state=open&per_page=%d&page=%d",
		c.apiBase, url.PathEscape(owner), url.PathEscape(repo), issuesPerPage, page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list issues for %s/%s: %w", owner, repo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned HTTP %d for %s/%s", resp.StatusCode, owner, repo)
	}

	var issues []Issue
	if err := json.NewDecoder(resp.Body).Decode(&issues); err != nil {
		return nil, fmt.Errorf("decode issues response: %w", err)
	}
	return issues, nil
}

func (c *GitHubClient) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
