package connectors

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// BuiltinRegistry wires every catalog action to its handler.
func BuiltinRegistry(logger zerolog.Logger) *Registry {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(0)

	httpActions := NewHTTPActions(client)
	githubActions := NewGitHubActions(client, "")
	slackActions := NewSlackActions()

	reg := NewRegistry()
	reg.Register("log", NewLogAction(logger))
	reg.Register("transform_data", TransformAction{})
	reg.Register("http_request", ActionFunc(httpActions.Request))
	reg.Register("send_webhook", ActionFunc(httpActions.SendWebhook))
	reg.Register("slack_send_message", ActionFunc(slackActions.SendMessage))
	reg.Register("github_create_issue", ActionFunc(githubActions.CreateIssue))
	reg.Register("github_add_comment", ActionFunc(githubActions.AddComment))
	return reg
}
