package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/xblockcore/internal/data/repos/testutil"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
	"github.com/yungbote/xblockcore/internal/platform/gcp"
	"github.com/yungbote/xblockcore/internal/temporalx/coursejobs"
)

func TestLoadConfig(t *testing.T) {
	log := testutil.Logger(t)
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("ASSET_STORAGE_MODE", "")
	t.Setenv("ASSET_BUCKET_NAME", "course-assets")
	t.Setenv("STORAGE_EMULATOR_HOST", "")
	t.Setenv("SANDBOX_POOL_SIZE", "8")
	t.Setenv("PROGRESS_CACHE_TTL", "90s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://lms.example.com, https://studio.example.com")
	t.Setenv("DEFAULT_BRANCH", "published")
	t.Setenv("TEMPORAL_ADDRESS", "")
	t.Setenv("SANDBOX_ISOLATE", "")

	cfg, err := LoadConfig(log)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DBDriver != DBDriverSQLite || cfg.SQLitePath != "/tmp/x.db" {
		t.Fatalf("db: driver=%q path=%q", cfg.DBDriver, cfg.SQLitePath)
	}
	if cfg.Storage.Mode != gcp.ObjectStorageModeGCS || !cfg.Storage.Inferred {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if cfg.SandboxPoolSize != 8 || cfg.ProgressCacheTTL != 90*time.Second {
		t.Fatalf("sandbox/progress: pool=%d ttl=%v", cfg.SandboxPoolSize, cfg.ProgressCacheTTL)
	}
	if !cfg.SandboxIsolate {
		t.Fatal("sandbox isolation must default to on")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://studio.example.com" {
		t.Fatalf("cors: %v", cfg.CORSOrigins)
	}
	if cfg.Branch != modulestore.Published || cfg.Temporal.Enabled() {
		t.Fatalf("branch=%q temporal=%v", cfg.Branch, cfg.Temporal.Enabled())
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	log := testutil.Logger(t)
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"branch", map[string]string{"DEFAULT_BRANCH": "main"}, "DEFAULT_BRANCH"},
		{"pool", map[string]string{"SANDBOX_POOL_SIZE": "0"}, "SANDBOX_POOL_SIZE"},
		{"storage", map[string]string{"ASSET_STORAGE_MODE": "s3"}, "ASSET_STORAGE_MODE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(log)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error naming %s, got %v", tc.want, err)
			}
		})
	}
}

func TestNewWithConfigFailsWhenIsolatedSandboxIsNotReady(t *testing.T) {
	log := testutil.Logger(t)
	cfg := Config{
		Port:            "0",
		DBDriver:        DBDriverSQLite,
		SQLitePath:      filepath.Join(t.TempDir(), "xb.db"),
		Storage:         gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeMemory},
		SandboxPython:   filepath.Join(t.TempDir(), "missing-python3"),
		SandboxPoolSize: 1,
		SandboxIsolate:  true,
		Branch:          modulestore.Draft,
	}
	a, err := NewWithConfig(log, cfg)
	if err == nil {
		a.Close()
		t.Fatal("NewWithConfig: want error when the isolated sandbox cannot start")
	}
	if !strings.Contains(err.Error(), "init sandbox") {
		t.Fatalf("NewWithConfig error: %v", err)
	}
}

func TestNewWithConfigServesImportedCourse(t *testing.T) {
	log := testutil.Logger(t)
	cfg := Config{
		Port:               "0",
		DBDriver:           DBDriverSQLite,
		SQLitePath:         filepath.Join(t.TempDir(), "xb.db"),
		Storage:            gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeMemory},
		SandboxPython:      "python3",
		SandboxPoolSize:    1,
		SandboxWallSeconds: 2,
		Branch:             modulestore.Draft,
		SSEHeartbeat:       time.Second,
		ShutdownGrace:      time.Second,
	}
	a, err := NewWithConfig(log, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(a.Close)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.Services.Worker != nil {
		t.Fatal("no temporal worker expected without TEMPORAL_ADDRESS")
	}

	dir := testutil.WriteTree(t, map[string]string{
		"course.xml":       `<course url_name="r1" org="acme" course="intro"/>`,
		"course/r1.xml":    `<course display_name="Intro"><chapter url_name="c1"><html url_name="h1">Hello there</html></chapter></course>`,
		"static/notes.txt": "notes",
	})
	res, err := a.Services.Jobs.ImportCourse(context.Background(), coursejobs.ImportRequest{Dir: dir, User: "ops"})
	if err != nil {
		t.Fatalf("ImportCourse: %v", err)
	}

	usage := keys.MustCourseKey(res.Course).MakeUsageKey("html", "h1")
	req := httptest.NewRequest(http.MethodGet, "/xblock/"+usage.String()+"/view/student_view", nil)
	req.Header.Set("X-User-Id", "alice")
	rec := httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Hello there") {
		t.Fatalf("view: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	a.Server.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthcheck: status=%d", rec.Code)
	}

	if err := a.Services.Store.DeleteCourse(context.Background(), keys.MustCourseKey(res.Course)); err != nil {
		t.Fatalf("DeleteCourse: %v", err)
	}
	assetsLeft, err := a.Services.Assets.List(context.Background(), keys.MustCourseKey(res.Course))
	if err != nil {
		t.Fatalf("List assets: %v", err)
	}
	if len(assetsLeft) != 0 {
		t.Fatalf("assets survived course delete: %d", len(assetsLeft))
	}
}
