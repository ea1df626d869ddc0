package connectors

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aksbuzz/clickless/pkg/domain/workflow"
)

func TestRenderWholePlaceholderKeepsType(t *testing.T) {
	data := workflow.Data(`{"status_code":200,"user":{"name":"ada"},"tags":["a","b"]}`)

	rendered := Render(map[string]any{
		"code":  "{{status_code}}",
		"name":  "{{user.name}}",
		"tags":  "{{tags}}",
		"plain": 42,
	}, data)

	assert.EqualValues(t, 200, rendered["code"])
	assert.Equal(t, "ada", rendered["name"])
	assert.Equal(t, []any{"a", "b"}, rendered["tags"])
	assert.Equal(t, 42, rendered["plain"])
}

func TestRenderInterpolatesInsideStrings(t *testing.T) {
	data := workflow.Data(`{"user":{"name":"ada"},"count":3}`)

	rendered := Render(map[string]any{
		"message": "Hello {{user.name}}, you have {{count}} alerts",
	}, data)

	assert.Equal(t, "Hello ada, you have 3 alerts", rendered["message"])
}

func TestRenderUnresolvedStaysLiteral(t *testing.T) {
	data := workflow.Data(`{"a":1}`)

	rendered := Render(map[string]any{
		"whole":  "{{missing.path}}",
		"inline": "value: {{missing.path}}!",
	}, data)

	assert.Equal(t, "{{missing.path}}", rendered["whole"])
	assert.Equal(t, "value: {{missing.path}}!", rendered["inline"])
}

func TestRenderDescendsIntoMapsAndLists(t *testing.T) {
	data := workflow.Data(`{"channel":"#ops","items":[1,2]}`)

	rendered := Render(map[string]any{
		"nested": map[string]any{"channel": "{{channel}}"},
		"list":   []any{"{{channel}}", "static"},
	}, data)

	nested := rendered["nested"].(map[string]any)
	assert.Equal(t, "#ops", nested["channel"])
	list := rendered["list"].([]any)
	assert.Equal(t, "#ops", list[0])
	assert.Equal(t, "static", list[1])
}

func TestRenderNilConfig(t *testing.T) {
	assert.Nil(t, Render(nil, workflow.EmptyData()))
}
