package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/JohanCodinha/prmirror/internal/logger"
	"github.com/JohanCodinha/prmirror/internal/model"
)

const apiBaseURL = "https://api.github.com"

// GitHubClient implements Client against the GitHub REST API. Repository IDs
// are "owner/name" full names; pull request IDs are the pull number rendered
// as a decimal string.
type GitHubClient struct {
	token      string
	baseURL    string
	repos      []string
	httpClient *http.Client
}

var _ Client = (*GitHubClient)(nil)

// NewGitHub creates a client mirroring the given "owner/name" repositories.
func NewGitHub(token string, repos []string) *GitHubClient {
	return NewGitHubWithBaseURL(token, apiBaseURL, repos)
}

// NewGitHubWithBaseURL creates a client with a custom base URL (for testing).
func NewGitHubWithBaseURL(token, baseURL string, repos []string) *GitHubClient {
	return &GitHubClient{
		token:      token,
		baseURL:    baseURL,
		repos:      append([]string(nil), repos...),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Wire types for the subset of the GitHub REST API we consume.

type ghUser struct {
	Login string `json:"login"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghRef struct {
	Ref string `json:"ref"`
}

type ghRepo struct {
	Name          string    `json:"name"`
	Owner         ghUser    `json:"owner"`
	Description   string    `json:"description"`
	DefaultBranch string    `json:"default_branch"`
	HTMLURL       string    `json:"html_url"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ghPull struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	Draft     bool       `json:"draft"`
	MergedAt  *time.Time `json:"merged_at"`
	User      ghUser     `json:"user"`
	Head      ghRef      `json:"head"`
	Base      ghRef      `json:"base"`
	Labels    []ghLabel  `json:"labels"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type ghReviewComment struct {
	ID        int64     `json:"id"`
	InReplyTo int64     `json:"in_reply_to_id"`
	Path      string    `json:"path"`
	Line      int       `json:"line"`
	Body      string    `json:"body"`
	User      ghUser    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FetchRepositories fetches metadata for every configured repository.
func (c *GitHubClient) FetchRepositories(ctx context.Context) ([]model.Repository, error) {
	repos := make([]model.Repository, 0, len(c.repos))
	for _, full := range c.repos {
		var raw ghRepo
		if err := c.getJSON(ctx, fmt.Sprintf("%s/repos/%s", c.baseURL, full), &raw); err != nil {
			return nil, fmt.Errorf("fetch repository %s: %w", full, err)
		}
		repos = append(repos, model.Repository{
			ID:            raw.Owner.Login + "/" + raw.Name,
			Name:          raw.Name,
			Owner:         raw.Owner.Login,
			Description:   raw.Description,
			DefaultBranch: raw.DefaultBranch,
			URL:           raw.HTMLURL,
			UpdatedAt:     raw.UpdatedAt,
		})
	}
	return repos, nil
}

// FetchPullRequests fetches every pull request of a repository, following
// Link-header pagination.
func (c *GitHubClient) FetchPullRequests(ctx context.Context, repoID string) ([]model.PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls?state=all&per_page=100", c.baseURL, repoID)
	raw, err := fetchAllPages[ghPull](ctx, c, url)
	if err != nil {
		return nil, fmt.Errorf("fetch pull requests for %s: %w", repoID, err)
	}

	now := time.Now().UTC()
	prs := make([]model.PullRequest, 0, len(raw))
	for _, p := range raw {
		prs = append(prs, pullToModel(repoID, p, now))
	}
	return prs, nil
}

// FetchCommentThreads fetches the review comments of a pull request and
// groups them into threads rooted at their first comment.
func (c *GitHubClient) FetchCommentThreads(ctx context.Context, repoID, prID string) ([]model.CommentThread, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls/%s/comments?per_page=100", c.baseURL, repoID, prID)
	raw, err := fetchAllPages[ghReviewComment](ctx, c, url)
	if err != nil {
		return nil, fmt.Errorf("fetch comments for %s#%s: %w", repoID, prID, err)
	}
	return groupThreads(repoID, prID, raw), nil
}

// CreatePullRequest opens a pull request on the remote.
func (c *GitHubClient) CreatePullRequest(ctx context.Context, pr model.PullRequest) (model.PullRequest, error) {
	payload := map[string]any{
		"title": pr.Title,
		"body":  pr.Description,
		"head":  pr.SourceBranch,
		"base":  pr.TargetBranch,
		"draft": pr.Status == "draft",
	}

	var created ghPull
	url := fmt.Sprintf("%s/repos/%s/pulls", c.baseURL, pr.RepositoryID)
	if err := c.sendJSON(ctx, "POST", url, payload, &created); err != nil {
		return model.PullRequest{}, fmt.Errorf("create pull request in %s: %w", pr.RepositoryID, err)
	}
	return pullToModel(pr.RepositoryID, created, time.Now().UTC()), nil
}

// UpdatePullRequest patches a pull request. Labels are applied through the
// issues endpoint, which is where GitHub keeps them.
func (c *GitHubClient) UpdatePullRequest(ctx context.Context, repoID, prID string, update model.PullRequestUpdate) (model.PullRequest, error) {
	payload := map[string]any{}
	if update.Title != nil {
		payload["title"] = *update.Title
	}
	if update.Description != nil {
		payload["body"] = *update.Description
	}
	if update.Status != nil {
		switch *update.Status {
		case "closed":
			payload["state"] = "closed"
		case "open":
			payload["state"] = "open"
		}
	}

	var patched ghPull
	url := fmt.Sprintf("%s/repos/%s/pulls/%s", c.baseURL, repoID, prID)
	if err := c.sendJSON(ctx, "PATCH", url, payload, &patched); err != nil {
		return model.PullRequest{}, fmt.Errorf("update pull request %s#%s: %w", repoID, prID, err)
	}

	if update.Labels != nil {
		labelsURL := fmt.Sprintf("%s/repos/%s/issues/%s/labels", c.baseURL, repoID, prID)
		if err := c.sendJSON(ctx, "PUT", labelsURL, map[string]any{"labels": *update.Labels}, nil); err != nil {
			return model.PullRequest{}, fmt.Errorf("update labels for %s#%s: %w", repoID, prID, err)
		}
		patched.Labels = nil
		for _, name := range *update.Labels {
			patched.Labels = append(patched.Labels, ghLabel{Name: name})
		}
	}

	return pullToModel(repoID, patched, time.Now().UTC()), nil
}

// PostComment replies to an existing review thread.
func (c *GitHubClient) PostComment(ctx context.Context, repoID, prID, threadID, body string) (model.Comment, error) {
	payload := map[string]any{"body": body}

	var posted ghReviewComment
	url := fmt.Sprintf("%s/repos/%s/pulls/%s/comments/%s/replies", c.baseURL, repoID, prID, threadID)
	if err := c.sendJSON(ctx, "POST", url, payload, &posted); err != nil {
		return model.Comment{}, fmt.Errorf("post comment on %s#%s thread %s: %w", repoID, prID, threadID, err)
	}
	return commentToModel(posted), nil
}

// doRequest performs an HTTP request with authentication.
func (c *GitHubClient) doRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	checkRateLimit(resp)
	return resp, nil
}

// getJSON GETs url and decodes the body into dest.
func (c *GitHubClient) getJSON(ctx context.Context, url string, dest any) error {
	resp, err := c.doRequest(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// sendJSON sends payload with the given method and optionally decodes the
// response into dest.
func (c *GitHubClient) sendJSON(ctx context.Context, method, url string, payload, dest any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := c.doRequest(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// fetchAllPages GETs url and every page linked from it via the Link header.
func fetchAllPages[T any](ctx context.Context, c *GitHubClient, url string) ([]T, error) {
	var all []T
	for url != "" {
		resp, err := c.doRequest(ctx, "GET", url, nil)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			err := responseError(resp)
			resp.Body.Close()
			return nil, err
		}

		var page []T
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}

		url = nextPageURL(resp.Header.Get("Link"))
		resp.Body.Close()

		all = append(all, page...)
	}
	return all, nil
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextPageURL extracts the next page URL from a Link header.
// Format: <url>; rel="next", <url>; rel="last"
func nextPageURL(linkHeader string) string {
	matches := nextLinkRe.FindStringSubmatch(linkHeader)
	if len(matches) >= 2 {
		return matches[1]
	}
	return ""
}

// responseError reads the body into an APIError. The caller closes the body.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(bytes.TrimSpace(body)),
	}
}

// checkRateLimit warns when the remaining rate limit budget is exhausted.
func checkRateLimit(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	reset := resp.Header.Get("X-RateLimit-Reset")

	if remaining == "0" && reset != "" {
		resetTime, err := strconv.ParseInt(reset, 10, 64)
		if err == nil {
			resetAt := time.Unix(resetTime, 0)
			logger.Warn("remote: API rate limit exceeded, resets at %s", resetAt.Format(time.RFC3339))
		}
	}
}

func pullToModel(repoID string, p ghPull, fetchedAt time.Time) model.PullRequest {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}

	status := "open"
	switch {
	case p.MergedAt != nil:
		status = "merged"
	case p.State == "closed":
		status = "closed"
	case p.Draft:
		status = "draft"
	}

	return model.PullRequest{
		ID:           strconv.Itoa(p.Number),
		RepositoryID: repoID,
		Number:       p.Number,
		Title:        p.Title,
		Description:  p.Body,
		Status:       status,
		Author:       p.User.Login,
		SourceBranch: p.Head.Ref,
		TargetBranch: p.Base.Ref,
		Labels:       labels,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
		FetchedAt:    fetchedAt,
	}
}

func commentToModel(c ghReviewComment) model.Comment {
	return model.Comment{
		ID:        strconv.FormatInt(c.ID, 10),
		Author:    c.User.Login,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// groupThreads buckets review comments into threads rooted at their first
// comment, ordered by root comment ID for determinism.
func groupThreads(repoID, prID string, comments []ghReviewComment) []model.CommentThread {
	byRoot := make(map[int64]*model.CommentThread)
	order := []int64{}

	for _, c := range comments {
		root := c.ID
		if c.InReplyTo != 0 {
			root = c.InReplyTo
		}

		thread, ok := byRoot[root]
		if !ok {
			thread = &model.CommentThread{
				ID:            strconv.FormatInt(root, 10),
				RepositoryID:  repoID,
				PullRequestID: prID,
				FilePath:      c.Path,
				Line:          c.Line,
				Status:        "active",
			}
			byRoot[root] = thread
			order = append(order, root)
		}

		thread.Comments = append(thread.Comments, commentToModel(c))
		if c.UpdatedAt.After(thread.UpdatedAt) {
			thread.UpdatedAt = c.UpdatedAt
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	threads := make([]model.CommentThread, 0, len(order))
	for _, root := range order {
		threads = append(threads, *byRoot[root])
	}
	return threads
}
