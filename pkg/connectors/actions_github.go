package connectors

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubActions implements the github connector's actions. The token
// comes from the step's connection, never from the definition.
type GitHubActions struct {
	client  *resty.Client
	baseURL string
}

// NewGitHubActions builds the handler set. baseURL is overridable for
// GitHub Enterprise and tests.
func NewGitHubActions(client *resty.Client, baseURL string) *GitHubActions {
	if baseURL == "" {
		baseURL = defaultGitHubAPI
	}
	return &GitHubActions{client: client, baseURL: baseURL}
}

// CreateIssue opens an issue and reports its number and URL.
func (a *GitHubActions) CreateIssue(ctx context.Context, req ActionRequest) (workflow.Data, error) {
	repo, err := requiredString(req.Config, "repo")
	if err != nil {
		return nil, err
	}
	title, err := requiredString(req.Config, "title")
	if err != nil {
		return nil, err
	}

	var created struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	resp, err := a.request(ctx, req).
		SetBody(map[string]any{
			"title": title,
			"body":  stringConfig(req.Config, "body", ""),
		}).
		SetResult(&created).
		Post(fmt.Sprintf("%s/repos/%s/issues", a.baseURL, repo))
	if err != nil {
		return nil, fmt.Errorf("creating issue in %s: %w", repo, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("creating issue in %s returned status %d", repo, resp.StatusCode())
	}

	return workflow.DataFrom(map[string]any{
		"issue_number": created.Number,
		"issue_url":    created.HTMLURL,
	})
}

// AddComment comments on an existing issue or pull request.
func (a *GitHubActions) AddComment(ctx context.Context, req ActionRequest) (workflow.Data, error) {
	repo, err := requiredString(req.Config, "repo")
	if err != nil {
		return nil, err
	}
	body, err := requiredString(req.Config, "body")
	if err != nil {
		return nil, err
	}
	number := req.Config["issue_number"]
	if number == nil {
		return nil, fmt.Errorf("config key %q is required", "issue_number")
	}

	var created struct {
		HTMLURL string `json:"html_url"`
	}
	resp, err := a.request(ctx, req).
		SetBody(map[string]any{"body": body}).
		SetResult(&created).
		Post(fmt.Sprintf("%s/repos/%s/issues/%v/comments", a.baseURL, repo, number))
	if err != nil {
		return nil, fmt.Errorf("commenting in %s: %w", repo, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("commenting in %s returned status %d", repo, resp.StatusCode())
	}
	return workflow.DataFrom(map[string]any{"comment_url": created.HTMLURL})
}

func (a *GitHubActions) request(ctx context.Context, req ActionRequest) *resty.Request {
	r := a.client.R().SetContext(ctx).
		SetHeader("Accept", "application/vnd.github+json")
	if token := req.Connection.Resolve("token").String(); token != "" {
		r.SetAuthToken(token)
	}
	return r
}
