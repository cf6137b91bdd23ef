// Package xblock defines block classes, instances, fragments and the
// registry that maps block types to classes.
package xblock

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/yungbote/xblockcore/internal/domain/fields"
)

const (
	StudentView = "student_view"
	AuthorView  = "author_view"
)

type ViewFunc func(ctx context.Context, b Block) (*Fragment, error)

type HandlerFunc func(ctx context.Context, b Block, req Request) HandlerResult

// Class is the declaration of a block type. Views and handlers are declared
// up front; a handler not listed here does not exist.
type Class struct {
	Type        string
	Fields      []fields.Field
	Views       map[string]ViewFunc
	Handlers    map[string]HandlerFunc
	HasChildren bool
	// New builds an empty instance. Nil means a bare *Base.
	New func() Block

	fieldIndex map[string]fields.Field
}

// CommonFields are present on every class.
var CommonFields = []fields.Field{
	{Name: "display_name", Scope: fields.ScopeSettings, Type: fields.String, Help: "Name shown to learners"},
}

func (c *Class) validate() error {
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("block class: type required")
	}
	idx := make(map[string]fields.Field, len(c.Fields)+len(CommonFields))
	for _, f := range CommonFields {
		idx[f.Name] = f
	}
	for _, f := range c.Fields {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("block class %s: %w", c.Type, err)
		}
		if _, dup := idx[f.Name]; dup && !isCommon(f.Name) {
			return fmt.Errorf("block class %s: field %q declared twice", c.Type, f.Name)
		}
		idx[f.Name] = f
	}
	for name, fn := range c.Views {
		if fn == nil {
			return fmt.Errorf("block class %s: view %q has no function", c.Type, name)
		}
	}
	for name, fn := range c.Handlers {
		if fn == nil {
			return fmt.Errorf("block class %s: handler %q has no function", c.Type, name)
		}
	}
	c.fieldIndex = idx
	return nil
}

func isCommon(name string) bool {
	for _, f := range CommonFields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (c *Class) Field(name string) (fields.Field, bool) {
	if c.fieldIndex == nil {
		_ = c.validate()
	}
	f, ok := c.fieldIndex[name]
	return f, ok
}

// FieldNames lists declared fields, sorted.
func (c *Class) FieldNames() []string {
	if c.fieldIndex == nil {
		_ = c.validate()
	}
	out := make([]string, 0, len(c.fieldIndex))
	for name := range c.fieldIndex {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Class) View(name string) (ViewFunc, bool) {
	fn, ok := c.Views[name]
	return fn, ok
}

func (c *Class) Handler(name string) (HandlerFunc, bool) {
	fn, ok := c.Handlers[name]
	return fn, ok
}

func (c *Class) newInstance() Block {
	if c.New != nil {
		return c.New()
	}
	return &Base{}
}
