package connectors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

func TestTransformActionSetsKeys(t *testing.T) {
	out, err := TransformAction{}.Execute(context.Background(), ActionRequest{
		Config: map[string]any{"set": map[string]any{"severity": "high", "count": 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, "high", out.Resolve("severity").String())
	assert.EqualValues(t, 3, out.Resolve("count").Int())
}

func TestTransformActionRequiresSetObject(t *testing.T) {
	_, err := TransformAction{}.Execute(context.Background(), ActionRequest{
		Config: map[string]any{"set": "not an object"},
	})
	assert.Error(t, err)
}

func TestHTTPRequestCapturesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	actions := NewHTTPActions(resty.New())
	out, err := actions.Request(context.Background(), ActionRequest{
		Config: map[string]any{
			"method":  "POST",
			"url":     srv.URL,
			"headers": map[string]any{"X-Custom": "yes"},
			"body":    map[string]any{"q": 1},
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 200, out.Resolve("status_code").Int())
	assert.True(t, out.Resolve("body.ok").Bool())
}

func TestHTTPRequestFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	actions := NewHTTPActions(resty.New())
	_, err := actions.Request(context.Background(), ActionRequest{
		Config: map[string]any{"url": srv.URL},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSendWebhookSignsWhenSecretPresent(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	actions := NewHTTPActions(resty.New())
	connection, err := workflow.DataFrom(map[string]any{"secret": "s3cret"})
	require.NoError(t, err)

	out, err := actions.SendWebhook(context.Background(), ActionRequest{
		Config:     map[string]any{"url": srv.URL, "payload": map[string]any{"hello": "world"}},
		Connection: connection,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 200, out.Resolve("status_code").Int())
	assert.Equal(t, signHex(gotBody, "s3cret"), gotSignature)
}

type fakeSlackPoster struct {
	channel string
	fail    error
}

func (f *fakeSlackPoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	if f.fail != nil {
		return "", "", f.fail
	}
	f.channel = channelID
	return channelID, "1724582400.000100", nil
}

func TestSlackSendMessage(t *testing.T) {
	poster := &fakeSlackPoster{}
	actions := &SlackActions{newClient: func(token string) slackPoster {
		assert.Equal(t, "xoxb-token", token)
		return poster
	}}

	connection, err := workflow.DataFrom(map[string]any{"bot_token": "xoxb-token"})
	require.NoError(t, err)

	out, err := actions.SendMessage(context.Background(), ActionRequest{
		Config:     map[string]any{"channel": "#ops", "text": "deploy finished"},
		Connection: connection,
	})
	require.NoError(t, err)
	assert.Equal(t, "#ops", poster.channel)
	assert.Equal(t, "1724582400.000100", out.Resolve("ts").String())
}

func TestSlackSendMessageRequiresToken(t *testing.T) {
	actions := NewSlackActions()
	_, err := actions.SendMessage(context.Background(), ActionRequest{
		Config:     map[string]any{"channel": "#ops", "text": "hi"},
		Connection: workflow.EmptyData(),
	})
	assert.Error(t, err)
}

func TestGitHubCreateIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/issues", r.URL.Path)
		assert.Equal(t, "Bearer ghp-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   42,
			"html_url": "https://github.com/acme/widgets/issues/42",
		})
	}))
	defer srv.Close()

	actions := NewGitHubActions(resty.New(), srv.URL)
	connection, err := workflow.DataFrom(map[string]any{"token": "ghp-token"})
	require.NoError(t, err)

	out, err := actions.CreateIssue(context.Background(), ActionRequest{
		Config:     map[string]any{"repo": "acme/widgets", "title": "Build broken"},
		Connection: connection,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out.Resolve("issue_number").Int())
}

func TestBuiltinRegistryCoversCatalogActions(t *testing.T) {
	reg := BuiltinRegistry(zerolog.Nop())
	for _, connector := range Catalog() {
		for _, action := range connector.Actions {
			assert.True(t, reg.Known(action.ID), "catalog action %s has no handler", action.ID)
		}
	}
}
