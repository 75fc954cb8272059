// Package github implements codehost.Client and repository search on top of
// the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/models"
	"golang.org/x/oauth2"
)

// Kind is the code host kind served by this package.
const Kind = "github"

// Client talks to github.com or a GitHub Enterprise instance.
type Client struct {
	gh         *gh.Client
	graphqlURL string
}

// Compile-time interface compliance check.
var _ codehost.Client = (*Client)(nil)

// New builds a client for baseURL ("https://github.com" or an Enterprise
// root) authenticated with token.
func New(ctx context.Context, baseURL, token string) (*Client, error) {
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := gh.NewClient(httpClient)

	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" || baseURL == "https://github.com" {
		return &Client{gh: client, graphqlURL: "https://api.github.com/graphql"}, nil
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("github: enterprise url %s: %w", baseURL, err)
	}
	return &Client{gh: client, graphqlURL: baseURL + "/api/graphql"}, nil
}

// NewFromGitHub wraps an already configured go-github client. Used by tests
// pointing at an httptest server.
func NewFromGitHub(client *gh.Client, graphqlURL string) *Client {
	return &Client{gh: client, graphqlURL: graphqlURL}
}

// SupportsDrafts implements codehost.Client.
func (c *Client) SupportsDrafts() bool { return true }

// Load implements codehost.Client.
func (c *Client) Load(ctx context.Context, repo, externalID string) (*codehost.Changeset, error) {
	owner, name, number, err := splitPR(repo, externalID)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, classify("load", err)
	}
	return toChangeset(repo, pr), nil
}

// FindByBranch implements codehost.Client.
func (c *Client) FindByBranch(ctx context.Context, repo, headRef string) (*codehost.Changeset, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	prs, _, err := c.gh.PullRequests.List(ctx, owner, name, &gh.PullRequestListOptions{
		State: "all",
		Head:  owner + ":" + headRef,
	})
	if err != nil {
		return nil, classify("find", err)
	}
	if len(prs) == 0 {
		return nil, &codehost.Error{Op: "find", StatusCode: http.StatusNotFound, Message: "no pull request for " + headRef, Err: codehost.ErrNotFound}
	}
	// The API lists newest first.
	return toChangeset(repo, prs[0]), nil
}

// Create implements codehost.Client.
func (c *Client) Create(ctx context.Context, req codehost.CreateRequest) (*codehost.Changeset, error) {
	owner, name, err := splitRepo(req.Repo)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &gh.NewPullRequest{
		Title: gh.Ptr(req.Title),
		Head:  gh.Ptr(req.HeadRef),
		Base:  gh.Ptr(req.BaseRef),
		Body:  gh.Ptr(req.Body),
		Draft: gh.Ptr(req.Draft),
	})
	if err != nil {
		return nil, classify("create", err)
	}
	return toChangeset(req.Repo, pr), nil
}

// Update implements codehost.Client.
func (c *Client) Update(ctx context.Context, req codehost.UpdateRequest) (*codehost.Changeset, error) {
	owner, name, number, err := splitPR(req.Repo, req.ExternalID)
	if err != nil {
		return nil, err
	}
	edit := &gh.PullRequest{Title: gh.Ptr(req.Title), Body: gh.Ptr(req.Body)}
	if req.BaseRef != "" {
		edit.Base = &gh.PullRequestBranch{Ref: gh.Ptr(req.BaseRef)}
	}
	pr, _, err := c.gh.PullRequests.Edit(ctx, owner, name, number, edit)
	if err != nil {
		return nil, classify("update", err)
	}
	return toChangeset(req.Repo, pr), nil
}

// Close implements codehost.Client.
func (c *Client) Close(ctx context.Context, repo, externalID string) (*codehost.Changeset, error) {
	return c.setState(ctx, "close", repo, externalID, "closed")
}

// Reopen implements codehost.Client.
func (c *Client) Reopen(ctx context.Context, repo, externalID string) (*codehost.Changeset, error) {
	return c.setState(ctx, "reopen", repo, externalID, "open")
}

func (c *Client) setState(ctx context.Context, op, repo, externalID, state string) (*codehost.Changeset, error) {
	owner, name, number, err := splitPR(repo, externalID)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Edit(ctx, owner, name, number, &gh.PullRequest{State: gh.Ptr(state)})
	if err != nil {
		return nil, classify(op, err)
	}
	return toChangeset(repo, pr), nil
}

// Merge implements codehost.Client.
func (c *Client) Merge(ctx context.Context, repo, externalID string, squash bool) (*codehost.Changeset, error) {
	owner, name, number, err := splitPR(repo, externalID)
	if err != nil {
		return nil, err
	}
	opts := &gh.PullRequestOptions{MergeMethod: "merge"}
	if squash {
		opts.MergeMethod = "squash"
	}
	if _, _, err := c.gh.PullRequests.Merge(ctx, owner, name, number, "", opts); err != nil {
		return nil, classify("merge", err)
	}
	return c.Load(ctx, repo, externalID)
}

// Comment implements codehost.Client.
func (c *Client) Comment(ctx context.Context, repo, externalID, body string) error {
	owner, name, number, err := splitPR(repo, externalID)
	if err != nil {
		return err
	}
	if _, _, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &gh.IssueComment{Body: gh.Ptr(body)}); err != nil {
		return classify("comment", err)
	}
	return nil
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const markReadyMutation = `mutation($id: ID!) {
  markPullRequestReadyForReview(input: {pullRequestId: $id}) { pullRequest { id } }
}`

// Undraft implements codehost.Client. The REST API cannot leave draft
// state, so this goes through GraphQL.
func (c *Client) Undraft(ctx context.Context, repo, externalID string) (*codehost.Changeset, error) {
	owner, name, number, err := splitPR(repo, externalID)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, classify("undraft", err)
	}
	if !pr.GetDraft() {
		return toChangeset(repo, pr), nil
	}

	req, err := c.gh.NewRequest(http.MethodPost, c.graphqlURL, &graphqlRequest{
		Query:     markReadyMutation,
		Variables: map[string]interface{}{"id": pr.GetNodeID()},
	})
	if err != nil {
		return nil, fmt.Errorf("github: undraft: %w", err)
	}
	var out graphqlResponse
	if _, err := c.gh.Do(ctx, req, &out); err != nil {
		return nil, classify("undraft", err)
	}
	if len(out.Errors) > 0 {
		return nil, &codehost.Error{Op: "undraft", Message: out.Errors[0].Message, Err: codehost.ErrValidation}
	}
	return c.Load(ctx, repo, externalID)
}

func toChangeset(repo string, pr *gh.PullRequest) *codehost.Changeset {
	state := models.ExternalStateOpen
	switch {
	case pr.GetMerged() || pr.MergedAt != nil:
		state = models.ExternalStateMerged
	case pr.GetState() == "closed":
		state = models.ExternalStateClosed
	case pr.GetDraft():
		state = models.ExternalStateDraft
	}
	return &codehost.Changeset{
		ExternalID:    strconv.Itoa(pr.GetNumber()),
		Repo:          repo,
		HeadRef:       pr.GetHead().GetRef(),
		BaseRef:       pr.GetBase().GetRef(),
		Title:         pr.GetTitle(),
		Body:          pr.GetBody(),
		ExternalState: state,
		HeadCommit:    pr.GetHead().GetSHA(),
		CheckState:    pr.GetMergeableState(),
	}
}

// classify converts go-github errors into *codehost.Error.
func classify(op string, err error) error {
	var rle *gh.RateLimitError
	if errors.As(err, &rle) {
		return &codehost.Error{Op: op, StatusCode: http.StatusTooManyRequests, Message: rle.Message, Retryable: true, Err: codehost.ErrRateLimited}
	}
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return &codehost.Error{Op: op, StatusCode: http.StatusTooManyRequests, Message: abuse.Message, Retryable: true, Err: codehost.ErrRateLimited}
	}
	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return codehost.NewError(op, er.Response.StatusCode, er.Message)
	}
	if codehost.IsRetryable(err) {
		return &codehost.Error{Op: op, Message: err.Error(), Retryable: true, Err: codehost.ErrTimeout}
	}
	return fmt.Errorf("github: %s: %w", op, err)
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("github: repository %q is not owner/name", repo)
	}
	// Accept "github.com/owner/name" as well as "owner/name".
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

func splitPR(repo, externalID string) (owner, name string, number int, err error) {
	owner, name, err = splitRepo(repo)
	if err != nil {
		return "", "", 0, err
	}
	number, err = strconv.Atoi(externalID)
	if err != nil {
		return "", "", 0, fmt.Errorf("github: external id %q is not a pull request number", externalID)
	}
	return owner, name, number, nil
}
