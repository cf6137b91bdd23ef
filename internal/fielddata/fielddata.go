// Package fielddata stores field values addressed by (scope, block, user, name).
package fielddata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

var (
	ErrNotFound   = fmt.Errorf("field value: %w", xerr.ErrNotFound)
	ErrInvalidKey = fmt.Errorf("field key: %w", xerr.ErrInvalidArgument)
	ErrStorage    = xerr.ErrStorage
)

// Key addresses one stored value. Which of BlockScopeID and UserScopeID are
// set depends on the scope; see KeyFor.
type Key struct {
	Scope        fields.Scope
	BlockScopeID string
	UserScopeID  string
	Name         string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Scope, k.BlockScopeID, k.UserScopeID, k.Name)
}

// KeyFor builds the key for a field of the block at usage, for user.
func KeyFor(scope fields.Scope, usage keys.UsageKey, user, name string) Key {
	k := Key{Scope: scope, Name: name}
	switch scope.BlockScope() {
	case fields.BlockScopeUsage:
		// Definition reads follow the caller's branch or pinned version.
		if scope.IsDefinition() {
			k.BlockScopeID = usage.String()
		} else {
			k.BlockScopeID = usage.Canonical().String()
		}
	case fields.BlockScopeType:
		k.BlockScopeID = usage.BlockType
	}
	if scope.IsUserScope() {
		k.UserScopeID = user
	}
	return k
}

func (k Key) Validate() error {
	if !k.Scope.Valid() {
		return fmt.Errorf("%s: unknown scope: %w", k, ErrInvalidKey)
	}
	if strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("%s: name required: %w", k, ErrInvalidKey)
	}
	switch k.Scope.BlockScope() {
	case fields.BlockScopeUsage:
		if _, err := keys.ParseUsageKey(k.BlockScopeID); err != nil {
			return fmt.Errorf("%s: %v: %w", k, err, ErrInvalidKey)
		}
	case fields.BlockScopeType:
		if k.BlockScopeID == "" {
			return fmt.Errorf("%s: block type required: %w", k, ErrInvalidKey)
		}
	case fields.BlockScopeAll:
		if k.BlockScopeID != "" {
			return fmt.Errorf("%s: scope takes no block id: %w", k, ErrInvalidKey)
		}
	}
	if k.Scope.IsUserScope() && k.UserScopeID == "" {
		return fmt.Errorf("%s: user required: %w", k, ErrInvalidKey)
	}
	if !k.Scope.IsUserScope() && k.UserScopeID != "" {
		return fmt.Errorf("%s: scope takes no user: %w", k, ErrInvalidKey)
	}
	return nil
}

func (k Key) less(o Key) bool {
	if k.Scope != o.Scope {
		return k.Scope < o.Scope
	}
	if k.BlockScopeID != o.BlockScopeID {
		return k.BlockScopeID < o.BlockScopeID
	}
	if k.UserScopeID != o.UserScopeID {
		return k.UserScopeID < o.UserScopeID
	}
	return k.Name < o.Name
}

// Entry is one write in a SetMany batch. A nil Value deletes the tuple.
type Entry struct {
	Key   Key
	Value json.RawMessage
}

func (e Entry) IsDelete() bool { return e.Value == nil }

// Store is implemented by every field data backend. SetMany applies the whole
// batch or nothing.
type Store interface {
	Get(ctx context.Context, key Key) (json.RawMessage, error)
	SetMany(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, key Key) error
	Has(ctx context.Context, key Key) (bool, error)
}

// validateBatch checks every key and returns the entries in a stable tuple
// order with later duplicates winning.
func validateBatch(entries []Entry) ([]Entry, error) {
	last := make(map[Key]int, len(entries))
	for i, e := range entries {
		if err := e.Key.Validate(); err != nil {
			return nil, err
		}
		last[e.Key] = i
	}
	out := make([]Entry, 0, len(last))
	for i, e := range entries {
		if last[e.Key] == i {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.less(out[j].Key) })
	return out, nil
}
