package fielddata

import (
	"context"
	"encoding/json"
)

// SplitStore routes content and settings to Definitions and every other
// scope to User.
type SplitStore struct {
	Definitions Store
	User        Store
}

var _ Store = (*SplitStore)(nil)

func NewSplitStore(definitions, user Store) *SplitStore {
	return &SplitStore{Definitions: definitions, User: user}
}

func (s *SplitStore) route(k Key) Store {
	if k.Scope.IsDefinition() {
		return s.Definitions
	}
	return s.User
}

func (s *SplitStore) Get(ctx context.Context, key Key) (json.RawMessage, error) {
	return s.route(key).Get(ctx, key)
}

func (s *SplitStore) Has(ctx context.Context, key Key) (bool, error) {
	return s.route(key).Has(ctx, key)
}

func (s *SplitStore) Delete(ctx context.Context, key Key) error {
	return s.route(key).Delete(ctx, key)
}

// SetMany writes user scopes first, then definitions. Each half is atomic on
// its own backend.
func (s *SplitStore) SetMany(ctx context.Context, entries []Entry) error {
	var defs, users []Entry
	for _, e := range entries {
		if e.Key.Scope.IsDefinition() {
			defs = append(defs, e)
		} else {
			users = append(users, e)
		}
	}
	if len(users) > 0 {
		if err := s.User.SetMany(ctx, users); err != nil {
			return err
		}
	}
	if len(defs) > 0 {
		return s.Definitions.SetMany(ctx, defs)
	}
	return nil
}
