package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

// HTTPActions implements the http connector's outbound actions on a
// shared resty client.
type HTTPActions struct {
	client *resty.Client
}

// NewHTTPActions builds the handler set.
func NewHTTPActions(client *resty.Client) *HTTPActions {
	return &HTTPActions{client: client}
}

// Request performs an HTTP call described by the step config. The
// response lands in the instance data as status_code and body; a 4xx or
// 5xx status fails the step so the retry policy can take over.
func (a *HTTPActions) Request(ctx context.Context, req ActionRequest) (workflow.Data, error) {
	url, err := requiredString(req.Config, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(stringConfig(req.Config, "method", "GET"))

	r := a.client.R().SetContext(ctx)
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			r.SetHeader(k, fmt.Sprint(v))
		}
	}
	if body, ok := req.Config["body"]; ok {
		r.SetBody(body)
	}

	resp, err := r.Execute(method, url)
	if err != nil {
		return nil, fmt.Errorf("http request to %s: %w", url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("http request to %s returned status %d", url, resp.StatusCode())
	}

	return workflow.DataFrom(map[string]any{
		"status_code": resp.StatusCode(),
		"body":        decodeBody(resp.Body()),
	})
}

// SendWebhook POSTs a JSON payload. When the connection carries a
// secret, the payload is signed the same way the inbound webhook trigger
// verifies, so two engines can call each other.
func (a *HTTPActions) SendWebhook(ctx context.Context, req ActionRequest) (workflow.Data, error) {
	url, err := requiredString(req.Config, "url")
	if err != nil {
		return nil, err
	}
	payload := req.Config["payload"]
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding webhook payload: %w", err)
	}

	r := a.client.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(raw)
	if secret := req.Connection.Resolve("secret").String(); secret != "" {
		r.SetHeader("X-Webhook-Signature", signHex(raw, secret))
	}

	resp, err := r.Post(url)
	if err != nil {
		return nil, fmt.Errorf("sending webhook to %s: %w", url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("webhook to %s returned status %d", url, resp.StatusCode())
	}
	return workflow.DataFrom(map[string]any{"status_code": resp.StatusCode()})
}

func decodeBody(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func signHex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
