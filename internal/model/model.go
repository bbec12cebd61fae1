// Package model defines the domain records mirrored from the remote source:
// repositories, pull requests and their comment threads.
package model

import "time"

// Repository is a mirrored repository record.
type Repository struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Owner         string    `json:"owner"`
	Description   string    `json:"description"`
	DefaultBranch string    `json:"default_branch"`
	URL           string    `json:"url"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PullRequest is a mirrored pull request record.
// FetchedAt records when the local copy was taken and is never compared
// during conflict detection.
type PullRequest struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Status       string    `json:"status"` // open, draft, merged, closed
	Author       string    `json:"author"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	Labels       []string  `json:"labels"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// CommentThread is a review discussion attached to a pull request.
type CommentThread struct {
	ID            string    `json:"id"`
	RepositoryID  string    `json:"repository_id"`
	PullRequestID string    `json:"pull_request_id"`
	FilePath      string    `json:"file_path"`
	Line          int       `json:"line"`
	Status        string    `json:"status"` // active, resolved
	Comments      []Comment `json:"comments"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Comment is a single message inside a thread.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullRequestKey builds the composite key used everywhere a pull request is
// stored: "repositoryID_pullRequestID".
func PullRequestKey(repoID, prID string) string {
	return repoID + "_" + prID
}

// Key returns the composite key for this pull request.
func (pr PullRequest) Key() string {
	return PullRequestKey(pr.RepositoryID, pr.ID)
}

// Clone returns a structurally independent copy of the pull request.
func (pr PullRequest) Clone() PullRequest {
	out := pr
	if pr.Labels != nil {
		out.Labels = append([]string(nil), pr.Labels...)
	}
	return out
}

// Clone returns a structurally independent copy of the thread.
func (ct CommentThread) Clone() CommentThread {
	out := ct
	if ct.Comments != nil {
		out.Comments = append([]Comment(nil), ct.Comments...)
	}
	return out
}

// PullRequestUpdate contains optional fields for patching a pull request.
// Nil fields are left unchanged.
type PullRequestUpdate struct {
	Title       *string
	Description *string
	Status      *string
	Labels      *[]string
}

// Apply merges the non-nil fields onto pr and returns the patched record.
func (u PullRequestUpdate) Apply(pr PullRequest) PullRequest {
	out := pr.Clone()
	if u.Title != nil {
		out.Title = *u.Title
	}
	if u.Description != nil {
		out.Description = *u.Description
	}
	if u.Status != nil {
		out.Status = *u.Status
	}
	if u.Labels != nil {
		out.Labels = append([]string(nil), *u.Labels...)
	}
	return out
}
