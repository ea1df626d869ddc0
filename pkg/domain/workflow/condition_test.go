package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateComparisons(t *testing.T) {
	data := Data(`{"x":{"v":20},"name":"alice","flags":["a","b"],"active":true,"nothing":null}`)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"gt true", Condition{Field: "x.v", Operator: "gt", Value: float64(10)}, true},
		{"gt false", Condition{Field: "x.v", Operator: "gt", Value: float64(25)}, false},
		{"gte boundary", Condition{Field: "x.v", Operator: "gte", Value: float64(20)}, true},
		{"lt", Condition{Field: "x.v", Operator: "lt", Value: float64(25)}, true},
		{"lte boundary", Condition{Field: "x.v", Operator: "lte", Value: float64(19)}, false},
		{"eq number", Condition{Field: "x.v", Operator: "eq", Value: float64(20)}, true},
		{"eq string", Condition{Field: "name", Operator: "eq", Value: "alice"}, true},
		{"eq type mismatch", Condition{Field: "x.v", Operator: "eq", Value: "20"}, false},
		{"neq", Condition{Field: "name", Operator: "neq", Value: "bob"}, true},
		{"eq bool", Condition{Field: "active", Operator: "eq", Value: true}, true},
		{"string ordering", Condition{Field: "name", Operator: "gt", Value: "aaa"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Evaluate(data))
		})
	}
}

func TestEvaluateNullSemantics(t *testing.T) {
	data := Data(`{"x":{"v":5},"nothing":null}`)

	// Missing and null fields compare false except via neq/exists.
	assert.False(t, Condition{Field: "missing", Operator: "gt", Value: float64(10)}.Evaluate(data))
	assert.False(t, Condition{Field: "nothing", Operator: "lt", Value: float64(10)}.Evaluate(data))
	assert.False(t, Condition{Field: "missing", Operator: "contains", Value: "a"}.Evaluate(data))
	assert.True(t, Condition{Field: "missing", Operator: "neq", Value: "anything"}.Evaluate(data))
	assert.True(t, Condition{Field: "missing", Operator: "eq", Value: nil}.Evaluate(data))
	assert.False(t, Condition{Field: "missing", Operator: "exists"}.Evaluate(data))
	assert.False(t, Condition{Field: "nothing", Operator: "exists"}.Evaluate(data))
	assert.True(t, Condition{Field: "x.v", Operator: "exists"}.Evaluate(data))

	// Descent through a non-object intermediate yields null.
	nested := Data(`{"x":"scalar"}`)
	assert.False(t, Condition{Field: "x.v", Operator: "exists"}.Evaluate(nested))
}

func TestEvaluateContains(t *testing.T) {
	data := Data(`{"tags":["urgent","billing"],"title":"invoice overdue","meta":{"source":"email"}}`)

	assert.True(t, Condition{Field: "tags", Operator: "contains", Value: "urgent"}.Evaluate(data))
	assert.False(t, Condition{Field: "tags", Operator: "contains", Value: "spam"}.Evaluate(data))
	assert.True(t, Condition{Field: "title", Operator: "contains", Value: "overdue"}.Evaluate(data))
	assert.True(t, Condition{Field: "meta", Operator: "contains", Value: "source"}.Evaluate(data))
	assert.False(t, Condition{Field: "meta", Operator: "contains", Value: "absent"}.Evaluate(data))
}

func TestEvaluateUnknownOperator(t *testing.T) {
	data := Data(`{"x":1}`)
	assert.False(t, Condition{Field: "x", Operator: "matches", Value: "1"}.Evaluate(data))
}

func TestEvaluateDefaultsToEq(t *testing.T) {
	data := Data(`{"status":"ok"}`)
	assert.True(t, Condition{Field: "status", Value: "ok"}.Evaluate(data))
}
