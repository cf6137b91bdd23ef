package policy

import (
	"encoding/json"
	"testing"
)

func j(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestOverlayFirstHitWins(t *testing.T) {
	o := ForBlock(
		map[string]json.RawMessage{"max_attempts": j(5)},
		map[string]json.RawMessage{"due": j("2024-06-01T00:00:00Z")},
		map[string]json.RawMessage{"max_attempts": j(1), "due": j("2024-01-01T00:00:00Z"), "graded": j(true)},
		map[string]json.RawMessage{"completion_weight": j(1.0)},
	)
	if got := o.Float("max_attempts", 0); got != 5 {
		t.Fatalf("block override: want=5 got=%v", got)
	}
	if got := o.String("due", ""); got != "2024-06-01T00:00:00Z" {
		t.Fatalf("run over course: got=%q", got)
	}
	if _, layer, _ := o.LookupLayer("graded"); layer != LayerCourse {
		t.Fatalf("graded layer: want=%s got=%s", LayerCourse, layer)
	}
	if got := o.Float("completion_weight", 0); got != 1 {
		t.Fatalf("default layer: want=1 got=%v", got)
	}
	if got := o.Float("missing", 2.5); got != 2.5 {
		t.Fatalf("missing key default: got=%v", got)
	}
}

func TestOverlaySetTouchesTopLayerOnly(t *testing.T) {
	course := map[string]json.RawMessage{"graded": j(true)}
	o := ForBlock(nil, nil, course, nil)
	o.Set("graded", j(false))
	if o.Bool("graded", true) {
		t.Fatalf("Set must shadow lower layers")
	}
	if string(course["graded"]) != "true" {
		t.Fatalf("Set must not mutate lower layers: got=%s", course["graded"])
	}
	o.Unset("graded")
	if !o.Bool("graded", false) {
		t.Fatalf("Unset must reveal lower layer")
	}
	flat := ForBlock(map[string]json.RawMessage{"a": j(1)}, nil, map[string]json.RawMessage{"a": j(2), "b": j(3)}, nil).Flatten()
	if string(flat["a"]) != "1" || string(flat["b"]) != "3" {
		t.Fatalf("Flatten: got=%v", flat)
	}
}
