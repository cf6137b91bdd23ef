package fields

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

func TestRoundTrip(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC)
	refs := []keys.UsageKey{
		keys.MustUsageKey("block-v1:o+c+r+type@html+block@a"),
		keys.MustUsageKey("block-v1:o+c+r+type@video+block@b"),
	}
	cases := []struct {
		typ   Type
		value any
	}{
		{String, ""},
		{String, "héllo <b>"},
		{Integer, int64(0)},
		{Integer, int64(-9007199254740993)},
		{Float, 0.1},
		{Float, -3.5e10},
		{Boolean, true},
		{DateTime, when},
		{ReferenceList, refs},
		{ReferenceList, []keys.UsageKey{}},
		{List(Integer), []any{int64(1), int64(2), int64(3)}},
		{List(List(String)), []any{[]any{"a"}, []any{}}},
		{Dict(Float), map[string]any{"x": 1.5, "y": 2.0}},
		{Enum("easy", "hard"), "hard"},
		{Any, map[string]any{"k": []any{true, "v"}}},
	}
	for _, tc := range cases {
		raw, err := tc.typ.ToJSON(tc.value)
		if err != nil {
			t.Fatalf("%s.ToJSON(%v): %v", tc.typ.Name(), tc.value, err)
		}
		back, err := tc.typ.FromJSON(raw)
		if err != nil {
			t.Fatalf("%s.FromJSON(%s): %v", tc.typ.Name(), raw, err)
		}
		if tm, ok := tc.value.(time.Time); ok {
			if !tm.Equal(back.(time.Time)) {
				t.Fatalf("%s: want=%v got=%v", tc.typ.Name(), tm, back)
			}
			continue
		}
		if !reflect.DeepEqual(back, tc.value) {
			t.Fatalf("%s: want=%#v got=%#v", tc.typ.Name(), tc.value, back)
		}
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		typ Type
		raw string
	}{
		{Integer, `1.5`},
		{Integer, `"5"`},
		{String, `5`},
		{Boolean, `"true"`},
		{DateTime, `"yesterday"`},
		{ReferenceList, `["not-a-key"]`},
		{List(Integer), `{"a":1}`},
		{List(Integer), `[1,"x"]`},
		{Dict(String), `[1]`},
		{Enum("a", "b"), `"c"`},
	}
	for _, tc := range cases {
		_, err := tc.typ.FromJSON(json.RawMessage(tc.raw))
		if err == nil {
			t.Fatalf("%s.FromJSON(%s): want error", tc.typ.Name(), tc.raw)
		}
		if !errors.Is(err, xerr.ErrFieldType) {
			t.Fatalf("%s.FromJSON(%s): want ErrFieldType got=%v", tc.typ.Name(), tc.raw, err)
		}
	}
	if _, err := Integer.ToJSON("5"); err == nil {
		t.Fatalf("Integer.ToJSON(string): want error")
	}
	if _, err := Enum("a").ToJSON("z"); err == nil {
		t.Fatalf("Enum.ToJSON(z): want error")
	}
}

func TestStaticDefaultIsFresh(t *testing.T) {
	f := Field{Name: "tags", Scope: ScopeSettings, Type: List(String), Default: Static([]string{"a"})}
	first := f.DefaultValue().([]any)
	first[0] = "mutated"
	second := f.DefaultValue().([]any)
	if second[0] != "a" {
		t.Fatalf("default shared between reads: got=%v", second)
	}
	n := Field{Name: "n", Scope: ScopeUserState, Type: Integer, Default: Static(5)}
	if n.DefaultValue() != int64(5) {
		t.Fatalf("integer default: want=int64(5) got=%#v", n.DefaultValue())
	}
}

func TestFieldDecodeNullUsesDefault(t *testing.T) {
	f := Field{Name: "score", Scope: ScopeUserState, Type: Float, Default: Static(0.0)}
	v, err := f.Decode(json.RawMessage("null"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v != 0.0 {
		t.Fatalf("Decode null: got=%#v", v)
	}
	_, err = f.Decode(json.RawMessage(`"x"`))
	var fte *FieldTypeError
	if !errors.As(err, &fte) || fte.Field != "score" {
		t.Fatalf("Decode tag: want field=score got=%v", err)
	}
}

func TestLookupType(t *testing.T) {
	for _, expr := range []string{"string", "integer", "list<integer>", "dict<list<float>>", "enum<b|a>", "reference_list"} {
		typ, err := LookupType(expr)
		if err != nil {
			t.Fatalf("LookupType(%q): %v", expr, err)
		}
		if expr == "enum<b|a>" {
			if typ.Name() != "enum<a|b>" {
				t.Fatalf("enum name: got=%q", typ.Name())
			}
			continue
		}
		if typ.Name() != expr {
			t.Fatalf("LookupType(%q).Name(): got=%q", expr, typ.Name())
		}
	}
	if _, err := LookupType("tuple<int>"); err == nil {
		t.Fatalf("LookupType(tuple): want error")
	}
}

func TestScopeTable(t *testing.T) {
	cases := []struct {
		scope Scope
		block BlockScope
		user  bool
	}{
		{ScopeContent, BlockScopeUsage, false},
		{ScopeSettings, BlockScopeUsage, false},
		{ScopeUserState, BlockScopeUsage, true},
		{ScopeUserStateSummary, BlockScopeUsage, false},
		{ScopePreferences, BlockScopeType, true},
		{ScopeUserInfo, BlockScopeAll, true},
	}
	for _, tc := range cases {
		if tc.scope.BlockScope() != tc.block || tc.scope.IsUserScope() != tc.user {
			t.Fatalf("%s: want block=%v user=%v got block=%v user=%v", tc.scope, tc.block, tc.user, tc.scope.BlockScope(), tc.scope.IsUserScope())
		}
	}
}
