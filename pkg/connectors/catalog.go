package connectors

// ActionDef describes an action a connector offers.
type ActionDef struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ConfigKeys  []string `json:"config_keys,omitempty"`
}

// TriggerDef describes an inbound trigger a connector offers.
type TriggerDef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Connector groups the actions and triggers of one integration.
type Connector struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Actions     []ActionDef  `json:"actions,omitempty"`
	Triggers    []TriggerDef `json:"triggers,omitempty"`
}

// Catalog lists the built-in connectors. The API serves this so a
// definition author can discover action ids without reading source.
func Catalog() []Connector {
	return []Connector{
		{
			ID:          "core",
			Name:        "Core",
			Description: "Utility actions with no external dependency.",
			Actions: []ActionDef{
				{ID: "log", Name: "Log", Description: "Write a message to the engine log.", ConfigKeys: []string{"message", "level"}},
				{ID: "transform_data", Name: "Transform data", Description: "Set computed keys on the instance data.", ConfigKeys: []string{"set"}},
			},
		},
		{
			ID:          "http",
			Name:        "HTTP",
			Description: "Outbound HTTP calls and inbound webhooks.",
			Actions: []ActionDef{
				{ID: "http_request", Name: "HTTP request", Description: "Call an HTTP endpoint and capture the response.", ConfigKeys: []string{"method", "url", "headers", "body"}},
				{ID: "send_webhook", Name: "Send webhook", Description: "POST a signed JSON payload to a URL.", ConfigKeys: []string{"url", "payload"}},
			},
			Triggers: []TriggerDef{
				{ID: "webhook", Name: "Webhook", Description: "Start a workflow from an inbound HTTP POST."},
			},
		},
		{
			ID:          "slack",
			Name:        "Slack",
			Description: "Slack messaging and event subscriptions.",
			Actions: []ActionDef{
				{ID: "slack_send_message", Name: "Send message", Description: "Post a message to a channel.", ConfigKeys: []string{"channel", "text"}},
			},
			Triggers: []TriggerDef{
				{ID: "event", Name: "Event subscription", Description: "Start a workflow from a Slack event."},
			},
		},
		{
			ID:          "github",
			Name:        "GitHub",
			Description: "GitHub issues and repository webhooks.",
			Actions: []ActionDef{
				{ID: "github_create_issue", Name: "Create issue", Description: "Open an issue in a repository.", ConfigKeys: []string{"repo", "title", "body"}},
				{ID: "github_add_comment", Name: "Add comment", Description: "Comment on an existing issue.", ConfigKeys: []string{"repo", "issue_number", "body"}},
			},
			Triggers: []TriggerDef{
				{ID: "webhook", Name: "Repository webhook", Description: "Start a workflow from a repository event."},
			},
		},
	}
}

// KnownConnector reports whether a connector id exists in the catalog.
func KnownConnector(id string) bool {
	for _, c := range Catalog() {
		if c.ID == id {
			return true
		}
	}
	return false
}
