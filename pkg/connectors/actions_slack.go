package connectors

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

// SlackActions implements the slack connector's actions. A client is
// built per invocation because the bot token lives on the connection.
type SlackActions struct {
	// newClient is swapped out by tests.
	newClient func(token string) slackPoster
}

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// NewSlackActions builds the handler set.
func NewSlackActions() *SlackActions {
	return &SlackActions{
		newClient: func(token string) slackPoster { return slack.New(token) },
	}
}

// SendMessage posts a text message to a channel.
func (a *SlackActions) SendMessage(ctx context.Context, req ActionRequest) (workflow.Data, error) {
	channel, err := requiredString(req.Config, "channel")
	if err != nil {
		return nil, err
	}
	text, err := requiredString(req.Config, "text")
	if err != nil {
		return nil, err
	}
	token := req.Connection.Resolve("bot_token").String()
	if token == "" {
		return nil, fmt.Errorf("slack connection is missing bot_token")
	}

	channelID, timestamp, err := a.newClient(token).PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return nil, fmt.Errorf("posting slack message: %w", err)
	}
	return workflow.DataFrom(map[string]any{
		"channel": channelID,
		"ts":      timestamp,
	})
}
