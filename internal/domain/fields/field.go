package fields

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Field declares one named, scoped, typed value on a block class.
type Field struct {
	Name  string
	Scope Scope
	Type  Type
	// Default produces a fresh value per read; nil means the zero JSON null.
	Default func() any
	Help    string
}

// Static wraps v as a Default that hands out an independent copy per call.
func Static(v any) func() any {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("fields: static default not JSON-encodable: %v", err))
	}
	return func() any {
		var out any
		_ = json.Unmarshal(raw, &out)
		return normalize(out)
	}
}

// DefaultValue evaluates the default, or returns nil. The value is passed
// through the field type so it has the same native shape as a stored value.
func (f Field) DefaultValue() any {
	if f.Default == nil {
		return nil
	}
	v := f.Default()
	if f.Type == nil || v == nil {
		return v
	}
	raw, err := f.Type.ToJSON(v)
	if err != nil {
		return v
	}
	back, err := f.Type.FromJSON(raw)
	if err != nil {
		return v
	}
	return back
}

// Encode converts a native value to JSON, tagging errors with the field name.
func (f Field) Encode(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := f.Type.ToJSON(v)
	if err != nil {
		return nil, f.tag(err)
	}
	return raw, nil
}

// Decode converts stored JSON to a native value. JSON null decodes to the default.
func (f Field) Decode(raw json.RawMessage) (any, error) {
	if isNull(raw) {
		return f.DefaultValue(), nil
	}
	v, err := f.Type.FromJSON(raw)
	if err != nil {
		return nil, f.tag(err)
	}
	return v, nil
}

func (f Field) tag(err error) error {
	if fte, ok := err.(*FieldTypeError); ok && fte.Field == "" {
		cp := *fte
		cp.Field = f.Name
		return &cp
	}
	return err
}

// Validate checks the declaration itself.
func (f Field) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("field name required")
	}
	if !f.Scope.Valid() {
		return fmt.Errorf("field %q: invalid scope %q", f.Name, f.Scope)
	}
	if f.Type == nil {
		return fmt.Errorf("field %q: type required", f.Name)
	}
	return nil
}

// Static defaults decode JSON numbers as float64; integers are narrowed back
// so Integer fields see int64.
func normalize(v any) any {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
		return t
	default:
		return v
	}
}
