package workflow

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Data is the opaque JSON document an instance accumulates. It is stored
// as jsonb and passed by value at component boundaries; components never
// mutate it in place.
type Data []byte

// EmptyData is the zero document.
func EmptyData() Data {
	return Data(`{}`)
}

// DataFrom marshals an arbitrary value into a Data document.
func DataFrom(v any) (Data, error) {
	if v == nil {
		return EmptyData(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding data document: %w", err)
	}
	return Data(raw), nil
}

// MarshalJSON emits the raw document, or {} when empty.
func (d Data) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte(`{}`), nil
	}
	return d, nil
}

// UnmarshalJSON stores the raw document.
func (d *Data) UnmarshalJSON(raw []byte) error {
	if string(raw) == "null" {
		*d = nil
		return nil
	}
	*d = append((*d)[:0], raw...)
	return nil
}

// Value implements driver.Valuer for jsonb columns.
func (d Data) Value() (driver.Value, error) {
	if len(d) == 0 {
		return []byte(`{}`), nil
	}
	return []byte(d), nil
}

// Scan implements sql.Scanner for jsonb columns.
func (d *Data) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		*d = append((*d)[:0], v...)
		return nil
	case string:
		*d = Data(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into workflow.Data", src)
	}
}

// IsEmpty reports whether the document carries no keys.
func (d Data) IsEmpty() bool {
	if len(d) == 0 {
		return true
	}
	parsed := gjson.ParseBytes(d)
	return !parsed.IsObject() || len(parsed.Map()) == 0
}

// Resolve walks a dot-separated path against the document. Descent stops
// at any non-object intermediate; missing paths yield a non-existent
// result.
func (d Data) Resolve(path string) gjson.Result {
	if len(d) == 0 || path == "" {
		return gjson.Result{}
	}
	return gjson.GetBytes(d, escapePath(path))
}

// Merge returns a new document with other's top-level keys written over
// d's (shallow key overwrite). Non-object inputs merge as no-ops.
func (d Data) Merge(other Data) (Data, error) {
	if len(other) == 0 {
		return d, nil
	}
	merged := d
	if len(merged) == 0 {
		merged = EmptyData()
	}

	incoming := gjson.ParseBytes(other)
	if !incoming.IsObject() {
		return merged, nil
	}

	var mergeErr error
	incoming.ForEach(func(key, value gjson.Result) bool {
		out, err := sjson.SetRawBytes(merged, escapeKey(key.String()), []byte(value.Raw))
		if err != nil {
			mergeErr = fmt.Errorf("merging key %q: %w", key.String(), err)
			return false
		}
		merged = out
		return true
	})
	return merged, mergeErr
}

// Decode unmarshals the document into v.
func (d Data) Decode(v any) error {
	if len(d) == 0 {
		return nil
	}
	return json.Unmarshal(d, v)
}

// escapePath escapes gjson wildcards in each path segment while keeping
// dots as separators, so user field names like "a*b" resolve literally.
func escapePath(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		parts[i] = escapeKey(p)
	}
	return strings.Join(parts, ".")
}

func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
