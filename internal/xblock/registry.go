package xblock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

var ErrDuplicateBlockType = xerr.ErrDuplicateBlockType

const ErrorKindUnknownType = "unknown_block_type"

// Registry maps block types to classes. It is filled at startup and then
// frozen; lookups after Freeze take no locks.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
	frozen  bool

	errMu  sync.Mutex
	errors map[string]*Class
}

func NewRegistry() *Registry {
	return &Registry{classes: map[string]*Class{}, errors: map[string]*Class{}}
}

func (r *Registry) Register(c *Class) error {
	if c == nil {
		return fmt.Errorf("register nil class: %w", xerr.ErrInvalidArgument)
	}
	if err := c.validate(); err != nil {
		return fmt.Errorf("%v: %w", err, xerr.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s: registry is frozen: %w", c.Type, xerr.ErrInvalidArgument)
	}
	if _, exists := r.classes[c.Type]; exists {
		return fmt.Errorf("block type %q: %w", c.Type, ErrDuplicateBlockType)
	}
	r.classes[c.Type] = c
	return nil
}

func (r *Registry) MustRegister(c *Class) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Lookup(blockType string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[blockType]
	return c, ok
}

// Resolve never fails: unknown types get an ErrorBlock class that renders
// an error fragment in place of the block.
func (r *Registry) Resolve(blockType string) *Class {
	if c, ok := r.Lookup(blockType); ok {
		return c
	}
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if c, ok := r.errors[blockType]; ok {
		return c
	}
	c := ErrorClass(blockType)
	r.errors[blockType] = c
	return c
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for t := range r.classes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsErrorClass reports whether c stands in for an unregistered type.
func IsErrorClass(c *Class) bool {
	_, ok := c.Views[errorMarkerView]
	return ok
}

const errorMarkerView = "__error__"

// ErrorBlock keeps its definition's children so the rest of the course can
// still be walked.
type ErrorBlock struct {
	Base
	Missing string
}

func ErrorClass(blockType string) *Class {
	view := func(ctx context.Context, b Block) (*Fragment, error) {
		msg := "Unknown block type: " + blockType
		if tr, err := I18n(b); err == nil {
			msg = tr.T("Unknown block type: %s", blockType)
		}
		return ErrorFragment(ErrorKindUnknownType, msg), nil
	}
	c := &Class{
		Type:        blockType,
		HasChildren: true,
		Views: map[string]ViewFunc{
			StudentView:     view,
			AuthorView:      view,
			errorMarkerView: view,
		},
		New: func() Block { return &ErrorBlock{Missing: blockType} },
	}
	_ = c.validate()
	return c
}
