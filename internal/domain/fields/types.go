package fields

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

// Type converts between native Go values and their JSON form. ToJSON and
// FromJSON are inverses for every value the type accepts.
type Type interface {
	Name() string
	ToJSON(v any) (json.RawMessage, error)
	FromJSON(raw json.RawMessage) (any, error)
}

type FieldTypeError struct {
	Type   string
	Field  string
	Value  any
	Reason string
}

func (e *FieldTypeError) Error() string {
	prefix := e.Type
	if e.Field != "" {
		prefix = e.Field + " (" + e.Type + ")"
	}
	return fmt.Sprintf("%s: %s (value %v)", prefix, e.Reason, e.Value)
}

func (e *FieldTypeError) Unwrap() error { return xerr.ErrFieldType }

func typeErr(t Type, v any, reason string) error {
	return &FieldTypeError{Type: t.Name(), Value: v, Reason: reason}
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

var (
	String   Type = stringType{}
	Integer  Type = integerType{}
	Float    Type = floatType{}
	Boolean  Type = booleanType{}
	DateTime Type = dateTimeType{}
	// ReferenceList holds an ordered list of usage keys.
	ReferenceList Type = referenceListType{}
	// Any passes JSON through untouched as decoded interface{} values.
	Any Type = anyType{}
)

type stringType struct{}

func (stringType) Name() string { return "string" }

func (t stringType) ToJSON(v any) (json.RawMessage, error) {
	s, ok := v.(string)
	if !ok {
		return nil, typeErr(t, v, "not a string")
	}
	return json.Marshal(s)
}

func (t stringType) FromJSON(raw json.RawMessage) (any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, typeErr(t, string(raw), "not a JSON string")
	}
	return s, nil
}

type integerType struct{}

func (integerType) Name() string { return "integer" }

func (t integerType) ToJSON(v any) (json.RawMessage, error) {
	switch n := v.(type) {
	case int:
		return json.Marshal(int64(n))
	case int32:
		return json.Marshal(int64(n))
	case int64:
		return json.Marshal(n)
	default:
		return nil, typeErr(t, v, "not an integer")
	}
}

func (t integerType) FromJSON(raw json.RawMessage) (any, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '"' {
		return nil, typeErr(t, string(raw), "not a JSON number")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return nil, typeErr(t, string(raw), "not a JSON number")
	}
	i, err := n.Int64()
	if err != nil {
		return nil, typeErr(t, string(raw), "not an integral number")
	}
	return i, nil
}

type floatType struct{}

func (floatType) Name() string { return "float" }

func (t floatType) ToJSON(v any) (json.RawMessage, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return nil, typeErr(t, v, "not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, typeErr(t, v, "not finite")
	}
	return json.Marshal(f)
}

func (t floatType) FromJSON(raw json.RawMessage) (any, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, typeErr(t, string(raw), "not a JSON number")
	}
	return f, nil
}

type booleanType struct{}

func (booleanType) Name() string { return "boolean" }

func (t booleanType) ToJSON(v any) (json.RawMessage, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, typeErr(t, v, "not a boolean")
	}
	return json.Marshal(b)
}

func (t booleanType) FromJSON(raw json.RawMessage) (any, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, typeErr(t, string(raw), "not a JSON boolean")
	}
	return b, nil
}

type dateTimeType struct{}

func (dateTimeType) Name() string { return "datetime" }

// ToJSON writes RFC 3339 in UTC with nanosecond precision, so FromJSON
// returns an equal time.Time.
func (t dateTimeType) ToJSON(v any) (json.RawMessage, error) {
	tm, ok := v.(time.Time)
	if !ok {
		return nil, typeErr(t, v, "not a time.Time")
	}
	return json.Marshal(tm.UTC().Format(time.RFC3339Nano))
}

func (t dateTimeType) FromJSON(raw json.RawMessage) (any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, typeErr(t, string(raw), "not a JSON string")
	}
	tm, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, typeErr(t, s, "not an RFC 3339 timestamp")
	}
	return tm.UTC(), nil
}

type referenceListType struct{}

func (referenceListType) Name() string { return "reference_list" }

func (t referenceListType) ToJSON(v any) (json.RawMessage, error) {
	refs, ok := v.([]keys.UsageKey)
	if !ok {
		return nil, typeErr(t, v, "not a []keys.UsageKey")
	}
	out := make([]string, len(refs))
	for i, r := range refs {
		if r.IsZero() {
			return nil, typeErr(t, v, "empty usage key")
		}
		out[i] = r.String()
	}
	return json.Marshal(out)
}

func (t referenceListType) FromJSON(raw json.RawMessage) (any, error) {
	var strs []string
	if err := json.Unmarshal(raw, &strs); err != nil {
		return nil, typeErr(t, string(raw), "not a JSON list of strings")
	}
	out := make([]keys.UsageKey, len(strs))
	for i, s := range strs {
		k, err := keys.ParseUsageKey(s)
		if err != nil {
			return nil, typeErr(t, s, err.Error())
		}
		out[i] = k
	}
	return out, nil
}

type anyType struct{}

func (anyType) Name() string { return "any" }

func (t anyType) ToJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, typeErr(t, v, err.Error())
	}
	return raw, nil
}

func (t anyType) FromJSON(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, typeErr(t, string(raw), "malformed JSON")
	}
	return v, nil
}

// List returns a type for ordered lists of elem values ([]any natively).
func List(elem Type) Type { return listType{elem: elem} }

type listType struct{ elem Type }

func (t listType) Name() string { return "list<" + t.elem.Name() + ">" }

func (t listType) ToJSON(v any) (json.RawMessage, error) {
	items, ok := toAnySlice(v)
	if !ok {
		return nil, typeErr(t, v, "not a list")
	}
	parts := make([]json.RawMessage, len(items))
	for i, item := range items {
		raw, err := t.elem.ToJSON(item)
		if err != nil {
			return nil, typeErr(t, v, fmt.Sprintf("element %d: %v", i, err))
		}
		parts[i] = raw
	}
	return json.Marshal(parts)
}

func (t listType) FromJSON(raw json.RawMessage) (any, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || parts == nil && !bytes.Equal(bytes.TrimSpace(raw), []byte("[]")) {
		return nil, typeErr(t, string(raw), "not a JSON list")
	}
	out := make([]any, len(parts))
	for i, p := range parts {
		v, err := t.elem.FromJSON(p)
		if err != nil {
			return nil, typeErr(t, string(raw), fmt.Sprintf("element %d: %v", i, err))
		}
		out[i] = v
	}
	return out, nil
}

// Dict returns a type for string-keyed maps of elem values (map[string]any natively).
func Dict(elem Type) Type { return dictType{elem: elem} }

type dictType struct{ elem Type }

func (t dictType) Name() string { return "dict<" + t.elem.Name() + ">" }

func (t dictType) ToJSON(v any) (json.RawMessage, error) {
	m, ok := toAnyMap(v)
	if !ok {
		return nil, typeErr(t, v, "not a string-keyed map")
	}
	parts := make(map[string]json.RawMessage, len(m))
	for k, item := range m {
		raw, err := t.elem.ToJSON(item)
		if err != nil {
			return nil, typeErr(t, v, fmt.Sprintf("key %q: %v", k, err))
		}
		parts[k] = raw
	}
	return json.Marshal(parts)
}

func (t dictType) FromJSON(raw json.RawMessage) (any, error) {
	var parts map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || parts == nil {
		return nil, typeErr(t, string(raw), "not a JSON object")
	}
	out := make(map[string]any, len(parts))
	for k, p := range parts {
		v, err := t.elem.FromJSON(p)
		if err != nil {
			return nil, typeErr(t, string(raw), fmt.Sprintf("key %q: %v", k, err))
		}
		out[k] = v
	}
	return out, nil
}

// Enum returns a string type restricted to values.
func Enum(values ...string) Type {
	allowed := make(map[string]struct{}, len(values))
	for _, v := range values {
		allowed[v] = struct{}{}
	}
	return enumType{values: values, allowed: allowed}
}

type enumType struct {
	values  []string
	allowed map[string]struct{}
}

func (t enumType) Name() string {
	sorted := append([]string(nil), t.values...)
	sort.Strings(sorted)
	return "enum<" + strings.Join(sorted, "|") + ">"
}

func (t enumType) ToJSON(v any) (json.RawMessage, error) {
	s, ok := v.(string)
	if !ok {
		return nil, typeErr(t, v, "not a string")
	}
	if _, ok := t.allowed[s]; !ok {
		return nil, typeErr(t, v, "not one of the allowed values")
	}
	return json.Marshal(s)
}

func (t enumType) FromJSON(raw json.RawMessage) (any, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, typeErr(t, string(raw), "not a JSON string")
	}
	if _, ok := t.allowed[s]; !ok {
		return nil, typeErr(t, s, "not one of the allowed values")
	}
	return s, nil
}

func toAnySlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toAnyMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
