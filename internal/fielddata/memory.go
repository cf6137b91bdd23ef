package fielddata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/domain/keys"
)

// MemoryStore keeps values in a map. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[Key]json.RawMessage{}}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (json.RawMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append(json.RawMessage(nil), v...), nil
}

func (m *MemoryStore) SetMany(_ context.Context, entries []Entry) error {
	batch, err := validateBatch(entries)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range batch {
		if e.IsDelete() {
			delete(m.values, e.Key)
			continue
		}
		m.values[e.Key] = append(json.RawMessage(nil), e.Value...)
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	return m.SetMany(ctx, []Entry{{Key: key}})
}

func (m *MemoryStore) Has(_ context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok, nil
}

// DeleteForCourse drops usage-scoped values of blocks in course.
func (m *MemoryStore) DeleteForCourse(course keys.CourseKey) {
	canon := course.Canonical()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.values {
		if k.Scope.BlockScope() != fields.BlockScopeUsage {
			continue
		}
		if u, err := keys.ParseUsageKey(k.BlockScopeID); err == nil && u.Course.Canonical() == canon {
			delete(m.values, k)
		}
	}
}

// Len reports the number of stored tuples.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
