// Package remote talks to the upstream code host. The sync engine programs
// against the Client interface; GitHubClient is the shipping implementation.
package remote

import (
	"context"

	"github.com/JohanCodinha/prmirror/internal/model"
)

// Client is the narrow surface the synchronization engine needs from the
// remote source. All operations honor context cancellation.
type Client interface {
	// FetchRepositories returns the repositories being mirrored.
	FetchRepositories(ctx context.Context) ([]model.Repository, error)

	// FetchPullRequests returns every pull request of a repository.
	FetchPullRequests(ctx context.Context, repoID string) ([]model.PullRequest, error)

	// FetchCommentThreads returns the review threads of a pull request.
	FetchCommentThreads(ctx context.Context, repoID, prID string) ([]model.CommentThread, error)

	// CreatePullRequest opens a new pull request and returns the record the
	// remote assigned (ID, number, timestamps).
	CreatePullRequest(ctx context.Context, pr model.PullRequest) (model.PullRequest, error)

	// UpdatePullRequest patches an existing pull request and returns the
	// updated remote record.
	UpdatePullRequest(ctx context.Context, repoID, prID string, update model.PullRequestUpdate) (model.PullRequest, error)

	// PostComment appends a reply to an existing review thread.
	PostComment(ctx context.Context, repoID, prID, threadID, body string) (model.Comment, error)
}
