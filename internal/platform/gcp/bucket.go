package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/xblockcore/internal/platform/logger"
)

// ErrObjectNotFound is returned when the bucket has no object under a key.
var ErrObjectNotFound = errors.New("object not found")

// BucketService is one GCS bucket holding content-addressed asset bytes.
type BucketService interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Attrs(ctx context.Context, key string) (*ObjectAttrs, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

type ObjectAttrs struct {
	Size        int64
	ContentType string
	Updated     time.Time
	ETag        string
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	storageMode   ObjectStorageMode
	emulatorHost  string
	bucket        string
	httpClient    *http.Client
}

func NewBucketService(log *logger.Logger, storageCfg ObjectStorageConfig) (BucketService, error) {
	if err := ValidateObjectStorageConfig(storageCfg); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	if !storageCfg.UsesBucket() {
		return nil, fmt.Errorf("object storage mode %q has no bucket", storageCfg.Mode)
	}
	serviceLog := log.With("service", "BucketService")

	stClient, err := newStorageClientForMode(context.Background(), storageCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	serviceLog.Info(
		"Object storage initialized",
		"mode", storageCfg.Mode,
		"inferred", storageCfg.Inferred,
		"emulator_host", storageCfg.EmulatorHost,
		"bucket", storageCfg.Bucket,
	)
	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		storageMode:   storageCfg.Mode,
		emulatorHost:  strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/"),
		bucket:        storageCfg.Bucket,
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func newStorageClientForMode(ctx context.Context, storageCfg ObjectStorageConfig) (*storage.Client, error) {
	switch storageCfg.Mode {
	case ObjectStorageModeGCS:
		opts := ClientOptionsFromEnv()
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
		return storage.NewClient(ctx, opts...)
	case ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/")
		_ = os.Setenv(EnvEmulatorHost, endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, &ObjectStorageConfigError{Code: ObjectStorageConfigErrorInvalidMode, Mode: string(storageCfg.Mode)}
	}
}

func (bs *bucketService) object(key string) *storage.ObjectHandle {
	return bs.storageClient.Bucket(bs.bucket).Object(key)
}

func (bs *bucketService) Upload(ctx context.Context, key, contentType string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := bs.object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (bs *bucketService) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := bs.object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", key, bs.bucket, err)
	}
	return nil
}

func (bs *bucketService) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := bs.storageClient.Bucket(bs.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (bs *bucketService) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := bs.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	var firstErr error
	for _, k := range keys {
		if err := bs.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readCloserWithCancel keeps the download context alive until Close.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (bs *bucketService) isEmulatorMode() bool {
	return bs.storageMode == ObjectStorageModeGCSEmulator && bs.emulatorHost != ""
}

func (bs *bucketService) emulatorURL(key string, media bool) string {
	u := fmt.Sprintf("%s/storage/v1/b/%s/o/%s", bs.emulatorHost, url.PathEscape(bs.bucket), url.PathEscape(key))
	if media {
		u += "?alt=media"
	}
	return u
}

func (bs *bucketService) emulatorGet(ctx context.Context, key string, media bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bs.emulatorURL(key, media), nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating emulator request: %w", err)
	}
	resp, err := bs.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed emulator request: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("emulator request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (bs *bucketService) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if bs.isEmulatorMode() {
		resp, err := bs.emulatorGet(ctx2, key, true)
		if err != nil {
			cancel()
			return nil, err
		}
		return &readCloserWithCancel{ReadCloser: resp.Body, cancel: cancel}, nil
	}
	r, err := bs.object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to open GCS reader: %w", err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (bs *bucketService) Attrs(ctx context.Context, key string) (*ObjectAttrs, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if bs.isEmulatorMode() {
		resp, err := bs.emulatorGet(ctx, key, false)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var payload struct {
			Size        string `json:"size"`
			ContentType string `json:"contentType"`
			Updated     string `json:"updated"`
			ETag        string `json:"etag"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode emulator attrs: %w", err)
		}
		size, _ := strconv.ParseInt(strings.TrimSpace(payload.Size), 10, 64)
		updated, _ := time.Parse(time.RFC3339, strings.TrimSpace(payload.Updated))
		return &ObjectAttrs{Size: size, ContentType: payload.ContentType, Updated: updated, ETag: payload.ETag}, nil
	}
	attrs, err := bs.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to fetch GCS object attrs: %w", err)
	}
	return &ObjectAttrs{
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Updated:     attrs.Updated,
		ETag:        attrs.Etag,
	}, nil
}
