package xblock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/fielddata"
	"github.com/yungbote/xblockcore/internal/modulestore"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/policy"
)

var (
	ErrUnknownField = fmt.Errorf("unknown field: %w", xerr.ErrInvalidArgument)
	ErrDisposed     = errors.New("block instance disposed")
)

type State int

const (
	StateLoaded State = iota
	StateHydrated
	StateDirty
	StateClean
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateHydrated:
		return "hydrated"
	case StateDirty:
		return "dirty"
	case StateClean:
		return "clean"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Block is implemented by every block instance, normally by embedding *Base.
type Block interface {
	Core() *Base
}

// Host is the per-request runtime a block instance is bound to.
type Host interface {
	Context() context.Context
	UserID() string
	FieldStore() fielddata.Store
	CoursePolicy(course keys.CourseKey) *policy.Overlay
	LoadChild(parent *Base, usage keys.UsageKey) (Block, error)
	Service(name string) (any, error)
}

// Base holds the runtime state of one block instance.
type Base struct {
	class *Class
	def   *modulestore.BlockDefinition
	host  Host
	depth int

	mu      sync.Mutex
	state   State
	values  map[string]any
	dirty   map[string]bool
	deleted map[string]bool
}

func (b *Base) Core() *Base { return b }

// Bind attaches a fresh instance to its class, definition and host.
func Bind(blk Block, class *Class, def *modulestore.BlockDefinition, host Host, depth int) {
	b := blk.Core()
	b.class = class
	b.def = def
	b.host = host
	b.depth = depth
	b.state = StateLoaded
	b.values = map[string]any{}
	b.dirty = map[string]bool{}
	b.deleted = map[string]bool{}
}

// Instantiate builds and binds an instance of class.
func Instantiate(class *Class, def *modulestore.BlockDefinition, host Host, depth int) Block {
	blk := class.newInstance()
	Bind(blk, class, def, host, depth)
	return blk
}

func (b *Base) Class() *Class                            { return b.class }
func (b *Base) Usage() keys.UsageKey                     { return b.def.Usage }
func (b *Base) BlockType() string                        { return b.def.BlockType }
func (b *Base) Definition() *modulestore.BlockDefinition { return b.def }
func (b *Base) Depth() int                               { return b.depth }
func (b *Base) Host() Host                               { return b.host }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) Service(name string) (any, error) {
	if b.host == nil {
		return nil, fmt.Errorf("service %q: block not bound", name)
	}
	return b.host.Service(name)
}

// Policy is the settings overlay for this block: its own settings on top of
// the course run, course and defaults.
func (b *Base) Policy() *policy.Overlay {
	own := map[string]json.RawMessage{}
	for name, f := range b.class.fieldIndex {
		if f.Scope != fields.ScopeSettings {
			continue
		}
		if raw, ok := b.def.Field(name); ok {
			own[name] = raw
		}
	}
	course := b.host.CoursePolicy(b.def.Usage.Course)
	return course.Push(policy.Layer{Name: policy.LayerBlock, Values: own})
}

// Get returns the field value, reading it through the host on first access.
func (b *Base) Get(name string) (any, error) {
	f, ok := b.class.Field(name)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", b.class.Type, name, ErrUnknownField)
	}
	b.mu.Lock()
	if b.state == StateDisposed {
		b.mu.Unlock()
		return nil, ErrDisposed
	}
	if b.state == StateLoaded {
		b.state = StateHydrated
	}
	if v, ok := b.values[name]; ok {
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()

	raw, found, err := b.load(f)
	if err != nil {
		return nil, err
	}
	var v any
	if found {
		if v, err = f.Decode(raw); err != nil {
			return nil, err
		}
	} else {
		v = f.DefaultValue()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.values[name]; ok {
		return cur, nil
	}
	b.values[name] = v
	return v, nil
}

func (b *Base) load(f fields.Field) (json.RawMessage, bool, error) {
	if f.Scope.IsDefinition() {
		if raw, ok := b.def.Field(f.Name); ok {
			return raw, true, nil
		}
		if f.Scope == fields.ScopeSettings && b.host != nil {
			if raw, ok := b.host.CoursePolicy(b.def.Usage.Course).Lookup(f.Name); ok {
				return raw, true, nil
			}
		}
		return nil, false, nil
	}
	if b.host == nil {
		return nil, false, nil
	}
	key := fielddata.KeyFor(f.Scope, b.def.Usage, b.host.UserID(), f.Name)
	raw, err := b.host.FieldStore().Get(b.host.Context(), key)
	if errors.Is(err, fielddata.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Set validates v against the field type and marks the field dirty.
func (b *Base) Set(name string, v any) error {
	f, ok := b.class.Field(name)
	if !ok {
		return fmt.Errorf("%s.%s: %w", b.class.Type, name, ErrUnknownField)
	}
	raw, err := f.Encode(v)
	if err != nil {
		return err
	}
	norm, err := f.Decode(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDisposed {
		return ErrDisposed
	}
	b.values[name] = norm
	b.dirty[name] = true
	delete(b.deleted, name)
	b.state = StateDirty
	return nil
}

// Unset removes the stored value so reads fall back to the default.
func (b *Base) Unset(name string) error {
	f, ok := b.class.Field(name)
	if !ok {
		return fmt.Errorf("%s.%s: %w", b.class.Type, name, ErrUnknownField)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDisposed {
		return ErrDisposed
	}
	b.values[name] = f.DefaultValue()
	b.dirty[name] = true
	b.deleted[name] = true
	b.state = StateDirty
	return nil
}

func (b *Base) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dirty) > 0
}

// DirtyEntries encodes every dirty field as a field data write.
func (b *Base) DirtyEntries() ([]fielddata.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]fielddata.Entry, 0, len(b.dirty))
	user := ""
	if b.host != nil {
		user = b.host.UserID()
	}
	for name := range b.dirty {
		f, _ := b.class.Field(name)
		key := fielddata.KeyFor(f.Scope, b.def.Usage, user, name)
		if b.deleted[name] {
			out = append(out, fielddata.Entry{Key: key})
			continue
		}
		raw, err := f.Encode(b.values[name])
		if err != nil {
			return nil, err
		}
		out = append(out, fielddata.Entry{Key: key, Value: raw})
	}
	return out, nil
}

// MarkClean records a successful save.
func (b *Base) MarkClean() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDisposed {
		return
	}
	b.dirty = map[string]bool{}
	b.deleted = map[string]bool{}
	b.state = StateClean
}

// Dispose drops all in-memory state. Unsaved writes are lost.
func (b *Base) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values = nil
	b.dirty = map[string]bool{}
	b.deleted = map[string]bool{}
	b.state = StateDisposed
}

// ChildKeys returns the ordered child usage keys without loading them.
func (b *Base) ChildKeys() []keys.UsageKey {
	out := make([]keys.UsageKey, len(b.def.Children))
	copy(out, b.def.Children)
	return out
}

func (b *Base) Child(i int) (Block, error) {
	if i < 0 || i >= len(b.def.Children) {
		return nil, fmt.Errorf("%s: child %d of %d: %w", b.def.Usage, i, len(b.def.Children), xerr.ErrInvalidArgument)
	}
	return b.host.LoadChild(b, b.def.Children[i])
}

// Children loads every child in order.
func (b *Base) Children() ([]Block, error) {
	out := make([]Block, 0, len(b.def.Children))
	for i := range b.def.Children {
		c, err := b.Child(i)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *Base) GetString(name string) string {
	v, _ := b.Get(name)
	s, _ := v.(string)
	return s
}

func (b *Base) GetInt(name string) int64 {
	v, _ := b.Get(name)
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func (b *Base) GetFloat(name string) float64 {
	v, _ := b.Get(name)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func (b *Base) GetBool(name string) bool {
	v, _ := b.Get(name)
	t, _ := v.(bool)
	return t
}

// DisplayName falls back to the block id.
func (b *Base) DisplayName() string {
	if s := b.GetString("display_name"); s != "" {
		return s
	}
	return b.def.Usage.BlockID
}
