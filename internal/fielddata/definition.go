package fielddata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
)

// DefinitionStore serves content and settings scope values out of block
// definitions. Reads follow the usage key's branch or pinned version; writes
// always land on the draft branch.
type DefinitionStore struct {
	store modulestore.ContentStore
	// Branch is applied to keys that carry no branch or version.
	Branch modulestore.Branch
	User   string
}

var _ Store = (*DefinitionStore)(nil)

func NewDefinitionStore(store modulestore.ContentStore, branch modulestore.Branch) *DefinitionStore {
	return &DefinitionStore{store: store, Branch: branch}
}

func (d *DefinitionStore) usage(k Key) (keys.UsageKey, error) {
	if !k.Scope.IsDefinition() {
		return keys.UsageKey{}, fmt.Errorf("%s: not a definition scope: %w", k, ErrInvalidKey)
	}
	if err := k.Validate(); err != nil {
		return keys.UsageKey{}, err
	}
	u, err := keys.ParseUsageKey(k.BlockScopeID)
	if err != nil {
		return keys.UsageKey{}, err
	}
	if u.Course.Branch == "" && u.Course.Version == "" && d.Branch != "" {
		u = u.ForBranch(string(d.Branch))
	}
	return u, nil
}

func (d *DefinitionStore) Get(ctx context.Context, key Key) (json.RawMessage, error) {
	u, err := d.usage(key)
	if err != nil {
		return nil, err
	}
	def, err := d.store.GetBlock(ctx, u)
	if errors.Is(err, modulestore.ErrBlockNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	v, ok := def.Field(key.Name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (d *DefinitionStore) Has(ctx context.Context, key Key) (bool, error) {
	_, err := d.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetMany groups the batch per course and applies each group as one draft
// version. Keys on the published branch or a pinned version are read-only.
// Batches spanning courses are not atomic across courses.
func (d *DefinitionStore) SetMany(ctx context.Context, entries []Entry) error {
	batch, err := validateBatch(entries)
	if err != nil {
		return err
	}
	type blockFields map[keys.UsageKey]map[string]json.RawMessage
	perCourse := map[keys.CourseKey]blockFields{}
	var order []keys.CourseKey
	for _, e := range batch {
		if !e.Key.Scope.IsDefinition() {
			return fmt.Errorf("%s: not a definition scope: %w", e.Key, ErrInvalidKey)
		}
		u, err := keys.ParseUsageKey(e.Key.BlockScopeID)
		if err != nil {
			return err
		}
		if _, ok := perCourse[u.Course]; !ok {
			perCourse[u.Course] = blockFields{}
			order = append(order, u.Course)
		}
		if perCourse[u.Course][u] == nil {
			perCourse[u.Course][u] = map[string]json.RawMessage{}
		}
		v := e.Value
		if e.IsDelete() {
			v = json.RawMessage("null")
		}
		perCourse[u.Course][u][e.Key.Name] = v
	}
	for _, course := range order {
		blocks := perCourse[course]
		err := d.store.WithTx(ctx, course, modulestore.TxOptions{User: d.User}, func(w modulestore.Writer) error {
			for u, f := range blocks {
				if _, err := w.UpdateBlock(u.Canonical(), modulestore.BlockUpdate{Fields: f, User: d.User}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *DefinitionStore) Delete(ctx context.Context, key Key) error {
	return d.SetMany(ctx, []Entry{{Key: key}})
}
