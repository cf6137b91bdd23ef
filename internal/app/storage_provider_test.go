package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/yungbote/xblockcore/internal/assets"
	"github.com/yungbote/xblockcore/internal/platform/gcp"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

func TestClassifyStorageProviderBootstrapError(t *testing.T) {
	cases := []struct {
		name string
		cfg  gcp.ObjectStorageConfig
		err  error
		want StorageProviderBootstrapErrorCode
	}{
		{
			name: "invalid mode",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageMode("bad-mode")},
			err:  &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorInvalidMode, Mode: "bad-mode"},
			want: StorageProviderBootstrapErrorInvalidMode,
		},
		{
			name: "missing bucket",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCS},
			err:  &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorMissingBucket},
			want: StorageProviderBootstrapErrorMissingBucket,
		},
		{
			name: "missing emulator host",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCSEmulator},
			err:  &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorMissingEmulatorHost},
			want: StorageProviderBootstrapErrorMissingEmulatorHost,
		},
		{
			name: "invalid emulator host",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCSEmulator, EmulatorHost: "fake-gcs:4443"},
			err:  &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorInvalidEmulatorHost},
			want: StorageProviderBootstrapErrorInvalidEmulatorHost,
		},
		{
			name: "connect failure",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCS, Bucket: "b"},
			err:  errors.New("dial tcp: connection refused"),
			want: StorageProviderBootstrapErrorConnectFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyStorageProviderBootstrapError(tc.cfg, tc.err)
			var got *StorageProviderBootstrapError
			if !errors.As(err, &got) {
				t.Fatalf("expected StorageProviderBootstrapError, got=%T", err)
			}
			if got.Code != tc.want {
				t.Fatalf("code: want=%q got=%q", tc.want, got.Code)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("cause not preserved: %v", err)
			}
		})
	}
}

func TestResolveBlobStoreMemoryMode(t *testing.T) {
	log := logger.Nop()
	orig := newBucketService
	t.Cleanup(func() { newBucketService = orig })
	newBucketService = func(*logger.Logger, gcp.ObjectStorageConfig) (gcp.BucketService, error) {
		t.Fatal("memory mode must not open a bucket")
		return nil, nil
	}

	got, err := resolveBlobStore(log, gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeMemory})
	if err != nil {
		t.Fatalf("resolveBlobStore: %v", err)
	}
	if _, ok := got.(*assets.MemoryBlobs); !ok {
		t.Fatalf("blob store: want *assets.MemoryBlobs, got %T", got)
	}
}

func TestResolveBlobStoreGCSModes(t *testing.T) {
	log := logger.Nop()
	orig := newBucketService
	t.Cleanup(func() { newBucketService = orig })

	var captured gcp.ObjectStorageConfig
	bucket := &testBucketService{}
	newBucketService = func(_ *logger.Logger, cfg gcp.ObjectStorageConfig) (gcp.BucketService, error) {
		captured = cfg
		return bucket, nil
	}

	got, err := resolveBlobStore(log, gcp.ObjectStorageConfig{
		Mode:         gcp.ObjectStorageModeGCSEmulator,
		Bucket:       "assets",
		EmulatorHost: "http://fake-gcs:4443",
	})
	if err != nil {
		t.Fatalf("resolveBlobStore: %v", err)
	}
	if captured.Mode != gcp.ObjectStorageModeGCSEmulator || captured.EmulatorHost != "http://fake-gcs:4443" {
		t.Fatalf("captured config: %+v", captured)
	}
	if err := got.Put(context.Background(), "abc", "text/plain", []byte("hi")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if bucket.uploaded != assetBlobPrefix+"abc" {
		t.Fatalf("uploaded key: got=%q", bucket.uploaded)
	}
}

func TestResolveBlobStoreRejectsBadConfig(t *testing.T) {
	log := logger.Nop()
	orig := newBucketService
	t.Cleanup(func() { newBucketService = orig })
	newBucketService = gcp.NewBucketService

	_, err := resolveBlobStore(log, gcp.ObjectStorageConfig{
		Mode:         gcp.ObjectStorageModeGCSEmulator,
		Bucket:       "assets",
		EmulatorHost: "not-a-url",
	})
	var got *StorageProviderBootstrapError
	if !errors.As(err, &got) {
		t.Fatalf("expected StorageProviderBootstrapError, got=%T (%v)", err, err)
	}
	if got.Code != StorageProviderBootstrapErrorInvalidEmulatorHost {
		t.Fatalf("code: want=%q got=%q", StorageProviderBootstrapErrorInvalidEmulatorHost, got.Code)
	}

	_, err = resolveBlobStore(log, gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCS})
	if storageProviderBootstrapErrorCode(err) != StorageProviderBootstrapErrorMissingBucket {
		t.Fatalf("missing bucket: %v", err)
	}
}

func TestResolveBlobStoreConnectFailure(t *testing.T) {
	log := logger.Nop()
	orig := newBucketService
	t.Cleanup(func() { newBucketService = orig })
	newBucketService = func(*logger.Logger, gcp.ObjectStorageConfig) (gcp.BucketService, error) {
		return nil, errors.New("credentials not found")
	}

	_, err := resolveBlobStore(log, gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCS, Bucket: "assets"})
	if storageProviderBootstrapErrorCode(err) != StorageProviderBootstrapErrorConnectFailed {
		t.Fatalf("connect failure: %v", err)
	}
}

type testBucketService struct {
	uploaded string
}

func (t *testBucketService) Upload(ctx context.Context, key, contentType string, r io.Reader) error {
	t.uploaded = key
	_, err := io.Copy(io.Discard, r)
	return err
}

func (t *testBucketService) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (t *testBucketService) Attrs(ctx context.Context, key string) (*gcp.ObjectAttrs, error) {
	return &gcp.ObjectAttrs{}, nil
}

func (t *testBucketService) Delete(ctx context.Context, key string) error {
	return nil
}

func (t *testBucketService) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (t *testBucketService) DeletePrefix(ctx context.Context, prefix string) error {
	return nil
}
