package workflow

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Operators supported by branch conditions.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpExists   = "exists"
)

// KnownOperator reports whether op is a supported condition operator.
func KnownOperator(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpExists:
		return true
	}
	return false
}

// Condition compares a dot-path field of the instance data against a
// literal value.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Evaluate resolves the field against data and applies the operator.
// Comparisons against a missing or null field yield false, except neq and
// exists. An unknown operator yields false.
func (c Condition) Evaluate(data Data) bool {
	actual := data.Resolve(c.Field)
	isNull := !actual.Exists() || actual.Type == gjson.Null

	op := c.Operator
	if op == "" {
		op = OpEq
	}

	switch op {
	case OpExists:
		return !isNull
	case OpEq:
		if isNull {
			return c.Value == nil
		}
		return resultEquals(actual, c.Value)
	case OpNeq:
		if isNull {
			return c.Value != nil
		}
		return !resultEquals(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if isNull {
			return false
		}
		return ordered(op, actual, c.Value)
	case OpContains:
		if isNull {
			return false
		}
		return contains(actual, c.Value)
	}
	return false
}

// resultEquals compares a resolved JSON value with a decoded literal.
func resultEquals(actual gjson.Result, expected any) bool {
	switch want := expected.(type) {
	case nil:
		return actual.Type == gjson.Null
	case bool:
		return actual.IsBool() && actual.Bool() == want
	case float64:
		return actual.Type == gjson.Number && actual.Float() == want
	case int:
		return actual.Type == gjson.Number && actual.Float() == float64(want)
	case string:
		return actual.Type == gjson.String && actual.String() == want
	default:
		// Composite literals (objects, arrays) compare element-wise via
		// their canonical JSON forms.
		return canonical(actual.Value()) == canonical(expected)
	}
}

func ordered(op string, actual gjson.Result, expected any) bool {
	if actual.Type == gjson.Number {
		want, ok := asFloat(expected)
		if !ok {
			return false
		}
		got := actual.Float()
		switch op {
		case OpGt:
			return got > want
		case OpGte:
			return got >= want
		case OpLt:
			return got < want
		case OpLte:
			return got <= want
		}
	}
	if actual.Type == gjson.String {
		want, ok := expected.(string)
		if !ok {
			return false
		}
		got := actual.String()
		switch op {
		case OpGt:
			return got > want
		case OpGte:
			return got >= want
		case OpLt:
			return got < want
		case OpLte:
			return got <= want
		}
	}
	return false
}

func contains(actual gjson.Result, expected any) bool {
	if actual.Type == gjson.String {
		want, ok := expected.(string)
		return ok && strings.Contains(actual.String(), want)
	}
	if actual.IsArray() {
		found := false
		actual.ForEach(func(_, item gjson.Result) bool {
			if resultEquals(item, expected) {
				found = true
				return false
			}
			return true
		})
		return found
	}
	if actual.IsObject() {
		// Membership on an object means key presence.
		want, ok := expected.(string)
		return ok && actual.Get(escapeKey(want)).Exists()
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func canonical(v any) string {
	raw, err := DataFrom(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
