package fielddata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

type cachedValue struct {
	value json.RawMessage
	found bool
}

// Cache wraps a Store for the lifetime of one request. Reads go through to
// the backend once per key. Writes are held until Flush, which hands them to
// the backend as a single batch. Reads observe pending writes.
type Cache struct {
	backend Store

	mu      sync.Mutex
	read    map[Key]cachedValue
	pending map[Key]Entry
}

var _ Store = (*Cache)(nil)

func NewCache(backend Store) *Cache {
	return &Cache{
		backend: backend,
		read:    map[Key]cachedValue{},
		pending: map[Key]Entry{},
	}
}

func (c *Cache) Get(ctx context.Context, key Key) (json.RawMessage, error) {
	c.mu.Lock()
	if e, ok := c.pending[key]; ok {
		c.mu.Unlock()
		if e.IsDelete() {
			return nil, notFound(key)
		}
		return e.Value, nil
	}
	if v, ok := c.read[key]; ok {
		c.mu.Unlock()
		if !v.found {
			return nil, notFound(key)
		}
		return v.value, nil
	}
	c.mu.Unlock()

	v, err := c.backend.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		c.remember(key, cachedValue{})
		return nil, err
	case err != nil:
		return nil, err
	}
	c.remember(key, cachedValue{value: v, found: true})
	return v, nil
}

func (c *Cache) remember(key Key, v cachedValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		c.read[key] = v
	}
}

func notFound(key Key) error {
	return &notFoundError{key: key}
}

type notFoundError struct{ key Key }

func (e *notFoundError) Error() string { return e.key.String() + ": " + ErrNotFound.Error() }
func (e *notFoundError) Unwrap() error { return ErrNotFound }

func (c *Cache) Has(ctx context.Context, key Key) (bool, error) {
	_, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetMany stages entries for the next Flush.
func (c *Cache) SetMany(_ context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := e.Key.Validate(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.pending[e.Key] = e
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key Key, value json.RawMessage) error {
	if value == nil {
		value = json.RawMessage("null")
	}
	return c.SetMany(ctx, []Entry{{Key: key, Value: value}})
}

func (c *Cache) Delete(ctx context.Context, key Key) error {
	return c.SetMany(ctx, []Entry{{Key: key}})
}

// Dirty reports whether writes are waiting for Flush.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// Flush writes every pending entry in one backend batch. On failure the
// entries stay pending so the caller may retry.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := make([]Entry, 0, len(c.pending))
	for _, e := range c.pending {
		batch = append(batch, e)
	}
	c.mu.Unlock()

	if err := c.backend.SetMany(ctx, batch); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range batch {
		cur, ok := c.pending[e.Key]
		if !ok || !sameEntry(cur, e) {
			continue
		}
		delete(c.pending, e.Key)
		c.read[e.Key] = cachedValue{value: e.Value, found: !e.IsDelete()}
	}
	return nil
}

// Drop forgets pending writes for the given keys.
func (c *Cache) Drop(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.pending, k)
	}
}

func sameEntry(a, b Entry) bool {
	if a.IsDelete() != b.IsDelete() {
		return false
	}
	return string(a.Value) == string(b.Value)
}
