package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/yungbote/xblockcore/internal/platform/gcp"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore holds asset bytes under their content hash.
type BlobStore interface {
	Put(ctx context.Context, name, contentType string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	gets  int
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: map[string][]byte{}}
}

func (m *MemoryBlobs) Put(_ context.Context, name, _ string, data []byte) error {
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = cp
	return nil
}

func (m *MemoryBlobs) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	b, ok := m.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrBlobNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryBlobs) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

// Reads counts Get calls.
func (m *MemoryBlobs) Reads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gets
}

func (m *MemoryBlobs) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// GCSBlobs stores blobs in a bucket under prefix.
type GCSBlobs struct {
	bucket gcp.BucketService
	prefix string
}

func NewGCSBlobs(bucket gcp.BucketService, prefix string) *GCSBlobs {
	return &GCSBlobs{bucket: bucket, prefix: prefix}
}

func (g *GCSBlobs) object(name string) string { return g.prefix + name }

func (g *GCSBlobs) Put(ctx context.Context, name, contentType string, data []byte) error {
	return g.bucket.Upload(ctx, g.object(name), contentType, bytes.NewReader(data))
}

func (g *GCSBlobs) Get(ctx context.Context, name string) ([]byte, error) {
	rc, err := g.bucket.Download(ctx, g.object(name))
	if err != nil {
		if errors.Is(err, gcp.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrBlobNotFound)
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *GCSBlobs) Delete(ctx context.Context, name string) error {
	return g.bucket.Delete(ctx, g.object(name))
}
