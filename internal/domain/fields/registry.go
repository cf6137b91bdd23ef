package fields

import (
	"fmt"
	"strings"
	"sync"
)

var (
	typesMu sync.RWMutex
	named   = map[string]Type{
		String.Name():        String,
		Integer.Name():       Integer,
		Float.Name():         Float,
		Boolean.Name():       Boolean,
		DateTime.Name():      DateTime,
		ReferenceList.Name(): ReferenceList,
		Any.Name():           Any,
	}
)

// RegisterType adds a named scalar type usable from manifests.
func RegisterType(t Type) error {
	typesMu.Lock()
	defer typesMu.Unlock()
	if _, exists := named[t.Name()]; exists {
		return fmt.Errorf("field type %q already registered", t.Name())
	}
	named[t.Name()] = t
	return nil
}

// LookupType resolves a type expression such as "integer", "list<string>",
// "dict<list<float>>" or "enum<a|b|c>".
func LookupType(expr string) (Type, error) {
	expr = strings.TrimSpace(expr)
	if inner, ok := generic(expr, "list"); ok {
		elem, err := LookupType(inner)
		if err != nil {
			return nil, err
		}
		return List(elem), nil
	}
	if inner, ok := generic(expr, "dict"); ok {
		elem, err := LookupType(inner)
		if err != nil {
			return nil, err
		}
		return Dict(elem), nil
	}
	if inner, ok := generic(expr, "enum"); ok {
		values := strings.Split(inner, "|")
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		return Enum(values...), nil
	}
	typesMu.RLock()
	defer typesMu.RUnlock()
	if t, ok := named[expr]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown field type %q", expr)
}

func generic(expr, name string) (string, bool) {
	if !strings.HasPrefix(expr, name+"<") || !strings.HasSuffix(expr, ">") {
		return "", false
	}
	return expr[len(name)+1 : len(expr)-1], true
}
