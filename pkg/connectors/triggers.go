package connectors

import (
	"crypto/hmac"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

// TriggerResult is what a verified inbound request yields. A non-empty
// Challenge means the provider is probing the endpoint; respond with it
// and start nothing.
type TriggerResult struct {
	Data      workflow.Data
	Challenge string
}

// TriggerHandler verifies and parses one provider's inbound webhooks.
// secret comes from the connection bound to the trigger. Matches applies
// the trigger config's event filter to a verified result, so one push
// webhook does not start every workflow bound to the connector.
type TriggerHandler interface {
	Handle(r *http.Request, body []byte, secret string) (TriggerResult, error)
	Matches(result TriggerResult, config map[string]any) bool
}

// TriggerHandlerFor resolves the handler for a connector id.
func TriggerHandlerFor(connectorID string) (TriggerHandler, bool) {
	switch connectorID {
	case "github":
		return githubTrigger{}, true
	case "slack":
		return slackTrigger{now: time.Now}, true
	case "http":
		return webhookTrigger{}, true
	}
	return nil, false
}

// webhookTrigger accepts a generic JSON POST, optionally verified with
// the same HMAC scheme send_webhook produces.
type webhookTrigger struct{}

func (webhookTrigger) Handle(r *http.Request, body []byte, secret string) (TriggerResult, error) {
	if secret != "" {
		given := r.Header.Get("X-Webhook-Signature")
		if !hmac.Equal([]byte(given), []byte(signHex(body, secret))) {
			return TriggerResult{}, fmt.Errorf("webhook signature mismatch")
		}
	}
	return TriggerResult{Data: payloadData(body)}, nil
}

func (webhookTrigger) Matches(TriggerResult, map[string]any) bool {
	return true
}

// githubTrigger verifies X-Hub-Signature-256 and exposes the event name
// alongside the payload.
type githubTrigger struct{}

func (githubTrigger) Handle(r *http.Request, body []byte, secret string) (TriggerResult, error) {
	if secret == "" {
		return TriggerResult{}, fmt.Errorf("github trigger requires a webhook secret")
	}
	given := r.Header.Get("X-Hub-Signature-256")
	want := "sha256=" + signHex(body, secret)
	if !hmac.Equal([]byte(given), []byte(want)) {
		return TriggerResult{}, fmt.Errorf("github signature mismatch")
	}

	data, err := workflow.DataFrom(map[string]any{
		"event":   r.Header.Get("X-GitHub-Event"),
		"payload": rawPayload(body),
	})
	if err != nil {
		return TriggerResult{}, err
	}
	return TriggerResult{Data: data}, nil
}

// Matches filters on the trigger config's "events" list, "repository"
// (full_name) and "branch". Absent filters match everything.
func (githubTrigger) Matches(result TriggerResult, config map[string]any) bool {
	if !matchesAny(config["events"], result.Data.Resolve("event").String()) {
		return false
	}
	if repo, ok := config["repository"].(string); ok && repo != "" {
		if result.Data.Resolve("payload.repository.full_name").String() != repo {
			return false
		}
	}
	if branch, ok := config["branch"].(string); ok && branch != "" {
		if result.Data.Resolve("payload.ref").String() != "refs/heads/"+branch {
			return false
		}
	}
	return true
}

// slackTrigger verifies Slack's v0 request signing and answers the
// url_verification handshake.
type slackTrigger struct {
	now func() time.Time
}

const slackTimestampSkew = 5 * time.Minute

func (t slackTrigger) Handle(r *http.Request, body []byte, secret string) (TriggerResult, error) {
	if secret == "" {
		return TriggerResult{}, fmt.Errorf("slack trigger requires a signing secret")
	}

	tsHeader := r.Header.Get("X-Slack-Request-Timestamp")
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("slack request timestamp %q is invalid", tsHeader)
	}
	age := t.now().Sub(time.Unix(ts, 0))
	if age > slackTimestampSkew || age < -slackTimestampSkew {
		return TriggerResult{}, fmt.Errorf("slack request timestamp outside allowed skew")
	}

	base := fmt.Sprintf("v0:%s:%s", tsHeader, body)
	want := "v0=" + signHex([]byte(base), secret)
	if !hmac.Equal([]byte(r.Header.Get("X-Slack-Signature")), []byte(want)) {
		return TriggerResult{}, fmt.Errorf("slack signature mismatch")
	}

	parsed := gjson.ParseBytes(body)
	if parsed.Get("type").String() == "url_verification" {
		return TriggerResult{Challenge: parsed.Get("challenge").String()}, nil
	}
	return TriggerResult{Data: payloadData(body)}, nil
}

// Matches filters on the trigger config's "event_type".
func (slackTrigger) Matches(result TriggerResult, config map[string]any) bool {
	return matchesAny(config["event_type"], result.Data.Resolve("payload.event.type").String())
}

// matchesAny reports whether value passes the filter, which may be a
// single string or a list of them. A missing or empty filter matches
// everything.
func matchesAny(filter any, value string) bool {
	switch f := filter.(type) {
	case nil:
		return true
	case string:
		return f == "" || f == value
	case []string:
		if len(f) == 0 {
			return true
		}
		for _, s := range f {
			if s == value {
				return true
			}
		}
		return false
	case []any:
		if len(f) == 0 {
			return true
		}
		for _, item := range f {
			if s, ok := item.(string); ok && s == value {
				return true
			}
		}
		return false
	}
	return true
}

func payloadData(body []byte) workflow.Data {
	data, err := workflow.DataFrom(map[string]any{"payload": rawPayload(body)})
	if err != nil {
		return workflow.EmptyData()
	}
	return data
}

func rawPayload(body []byte) any {
	if gjson.ValidBytes(body) {
		return gjson.ParseBytes(body).Value()
	}
	return string(body)
}
