// Package assets stores course static files by content hash.
package assets

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"

	mediarepo "github.com/yungbote/xblockcore/internal/data/repos/media"
	types "github.com/yungbote/xblockcore/internal/domain"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

const AssetType = "asset"

var (
	ErrAssetNotFound = xerr.ErrAssetNotFound
	ErrInvalidPath   = fmt.Errorf("invalid asset path: %w", xerr.ErrInvalidArgument)
)

// Asset is an asset's metadata; Data is filled only by Get.
type Asset struct {
	Key          keys.AssetKey
	Course       keys.CourseKey
	Path         string
	ContentType  string
	Size         int64
	Hash         string
	LastModified time.Time
	Data         []byte
}

type Store struct {
	log   *logger.Logger
	repo  mediarepo.AssetRepo
	blobs BlobStore
	clock func() time.Time

	mu   sync.RWMutex
	meta map[string]*Asset
}

func NewStore(db *gorm.DB, baseLog *logger.Logger, blobs BlobStore) *Store {
	if blobs == nil {
		blobs = NewMemoryBlobs()
	}
	return &Store{
		log:   baseLog.With("service", "AssetStore"),
		repo:  mediarepo.NewAssetRepo(db, baseLog),
		blobs: blobs,
		clock: func() time.Time { return time.Now().UTC() },
		meta:  map[string]*Asset{},
	}
}

// CleanPath normalizes a course-relative path and rejects escapes.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
		}
	}
	return path.Clean(p), nil
}

// Hash is the hex blake2b-256 of data.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyFor is the key Put assigns to data uploaded under p.
func KeyFor(course keys.CourseKey, p string, data []byte) keys.AssetKey {
	return course.Canonical().MakeAssetKey(AssetType, Hash(data)+"_"+keys.SanitizePath(p))
}

// Put stores data under its content hash. Uploading identical bytes to the
// same path again returns the existing key.
func (s *Store) Put(ctx context.Context, course keys.CourseKey, p string, data []byte, contentType string) (keys.AssetKey, error) {
	clean, err := CleanPath(strings.TrimPrefix(p, "/"))
	if err != nil {
		return keys.AssetKey{}, err
	}
	course = course.Canonical()
	hash := Hash(data)
	key := KeyFor(course, clean, data)
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(clean))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	dbc := dbctx.Of(ctx)
	existing, err := s.repo.GetByKey(dbc, key.String())
	if err != nil {
		return keys.AssetKey{}, fmt.Errorf("lookup asset: %w: %v", xerr.ErrStorage, err)
	}
	if existing != nil {
		return key, nil
	}
	if err := s.blobs.Put(ctx, hash, contentType, data); err != nil {
		return keys.AssetKey{}, fmt.Errorf("store blob: %w: %v", xerr.ErrStorage, err)
	}
	if err := s.repo.Create(dbc, &types.Asset{
		AssetKey:    key.String(),
		CourseKey:   course.String(),
		Path:        clean,
		ContentHash: hash,
		ContentType: contentType,
		Size:        int64(len(data)),
		StorageKey:  hash,
		CreatedAt:   s.clock(),
	}); err != nil {
		return keys.AssetKey{}, fmt.Errorf("record asset: %w: %v", xerr.ErrStorage, err)
	}
	s.log.Debug("Asset stored", "asset_key", key.String(), "size", len(data))
	return key, nil
}

// Stat returns metadata without reading bytes.
func (s *Store) Stat(ctx context.Context, key keys.AssetKey) (*Asset, error) {
	id := key.ForCourse(key.Course.Canonical()).String()
	s.mu.RLock()
	a, ok := s.meta[id]
	s.mu.RUnlock()
	if ok {
		cp := *a
		return &cp, nil
	}
	row, err := s.repo.GetByKey(dbctx.Of(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("stat asset: %w: %v", xerr.ErrStorage, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrAssetNotFound)
	}
	a, err = fromRow(row)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.meta[id] = a
	s.mu.Unlock()
	cp := *a
	return &cp, nil
}

// Get returns metadata and bytes.
func (s *Store) Get(ctx context.Context, key keys.AssetKey) (*Asset, error) {
	a, err := s.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.withData(ctx, a)
}

func (s *Store) withData(ctx context.Context, a *Asset) (*Asset, error) {
	data, err := s.blobs.Get(ctx, a.Hash)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, fmt.Errorf("%s: %w", a.Key, ErrAssetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w: %v", xerr.ErrStorage, err)
	}
	a.Data = data
	return a, nil
}

// Find resolves the latest upload under a course-relative path, bytes
// included.
func (s *Store) Find(ctx context.Context, course keys.CourseKey, p string) (*Asset, error) {
	a, err := s.findMeta(ctx, course, p)
	if err != nil {
		return nil, err
	}
	return s.withData(ctx, a)
}

func (s *Store) findMeta(ctx context.Context, course keys.CourseKey, p string) (*Asset, error) {
	clean, err := CleanPath(strings.TrimPrefix(p, "/"))
	if err != nil {
		return nil, err
	}
	row, err := s.repo.LatestByPath(dbctx.Of(ctx), course.Canonical().String(), clean)
	if err != nil {
		return nil, fmt.Errorf("find asset: %w: %v", xerr.ErrStorage, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%s %s: %w", course, clean, ErrAssetNotFound)
	}
	return fromRow(row)
}

func (s *Store) FindKey(ctx context.Context, course keys.CourseKey, p string) (keys.AssetKey, error) {
	a, err := s.findMeta(ctx, course, p)
	if err != nil {
		return keys.AssetKey{}, err
	}
	return a.Key, nil
}

func (s *Store) List(ctx context.Context, course keys.CourseKey) ([]*Asset, error) {
	rows, err := s.repo.ListByCourse(dbctx.Of(ctx), course.Canonical().String())
	if err != nil {
		return nil, fmt.Errorf("list assets: %w: %v", xerr.ErrStorage, err)
	}
	out := make([]*Asset, 0, len(rows))
	for _, r := range rows {
		a, err := fromRow(r)
		if err != nil {
			s.log.Warn("Skipping asset row with bad key", "asset_key", r.AssetKey, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteForCourse is the course-delete cascade. Blobs are content addressed
// and may be shared, so only metadata goes.
// TODO: sweep blobs that no asset row references.
func (s *Store) DeleteForCourse(dbc dbctx.Context, course keys.CourseKey) error {
	rows, err := s.repo.DeleteByCourse(dbc, course.Canonical().String())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		delete(s.meta, r.AssetKey)
	}
	return nil
}

func fromRow(row *types.Asset) (*Asset, error) {
	key, err := keys.ParseAssetKey(row.AssetKey)
	if err != nil {
		return nil, err
	}
	return &Asset{
		Key:          key,
		Course:       key.Course,
		Path:         row.Path,
		ContentType:  row.ContentType,
		Size:         row.Size,
		Hash:         row.ContentHash,
		LastModified: row.CreatedAt.UTC().Truncate(time.Second),
	}, nil
}

// NotModified reports whether a client copy dated ifModifiedSince is
// current. HTTP dates carry whole seconds.
func NotModified(ifModifiedSince, lastModified time.Time) bool {
	if ifModifiedSince.IsZero() {
		return false
	}
	return !lastModified.Truncate(time.Second).After(ifModifiedSince.Truncate(time.Second))
}
