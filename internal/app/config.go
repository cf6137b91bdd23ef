package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/xblockcore/internal/modulestore"
	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/platform/envutil"
	"github.com/yungbote/xblockcore/internal/platform/gcp"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/progress"
	"github.com/yungbote/xblockcore/internal/temporalx"
)

const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

type Config struct {
	Port string

	DBDriver   string
	SQLitePath string

	RedisAddr    string
	RedisChannel string

	Storage gcp.ObjectStorageConfig

	SandboxPython      string
	SandboxPoolSize    int64
	SandboxLibZip      string
	SandboxWallSeconds int
	SandboxIsolate     bool

	ProgressCacheTTL time.Duration
	// Branch serves requests that do not name one.
	Branch modulestore.Branch

	Temporal temporalx.Config
	Otel     observability.OtelConfig

	MetricsEnabled bool
	CORSOrigins    []string
	SSEHeartbeat   time.Duration
	ShutdownGrace  time.Duration
}

func LoadConfig(log *logger.Logger) (Config, error) {
	storageCfg, err := gcp.ResolveObjectStorageConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("asset storage config: %w", err)
	}

	cfg := Config{
		Port: envutil.String("PORT", "8080", log),

		DBDriver:   strings.ToLower(envutil.String("DB_DRIVER", DBDriverPostgres, log)),
		SQLitePath: envutil.String("SQLITE_PATH", "xblockcore.db", log),

		RedisAddr:    envutil.String("REDIS_ADDR", "", log),
		RedisChannel: envutil.String("REDIS_CHANNEL", "xblockcore.completion", log),

		Storage: storageCfg,

		SandboxPython:      envutil.String("SANDBOX_PYTHON", "python3", log),
		SandboxPoolSize:    envutil.Int64("SANDBOX_POOL_SIZE", 4, log),
		SandboxLibZip:      envutil.String("SANDBOX_LIB_ZIP", "", log),
		SandboxWallSeconds: envutil.Int("SANDBOX_DEFAULT_WALL_SECONDS", 3, log),
		SandboxIsolate:     envutil.Bool("SANDBOX_ISOLATE", true, log),

		ProgressCacheTTL: envutil.Duration("PROGRESS_CACHE_TTL", progress.DefaultTTL, log),
		Branch:           modulestore.Branch(strings.ToLower(envutil.String("DEFAULT_BRANCH", string(modulestore.Draft), log))),

		Temporal: temporalx.LoadConfig(log),
		Otel: observability.OtelConfig{
			Enabled:     envutil.Bool("OTEL_ENABLED", false, log),
			ServiceName: envutil.String("OTEL_SERVICE_NAME", observability.DefaultServiceName, log),
			Environment: envutil.String("OTEL_ENVIRONMENT", "development", log),
			Version:     envutil.String("OTEL_SERVICE_VERSION", "dev", log),
			Endpoint:    envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", "", log),
			Headers:     observability.ParseHeaders(envutil.String("OTEL_EXPORTER_OTLP_HEADERS", "", log)),
			Insecure:    envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false, log),
			SampleRatio: float64(envutil.Int("OTEL_SAMPLE_PERCENT", 100, log)) / 100,
		},

		MetricsEnabled: envutil.Bool("METRICS_ENABLED", true, log),
		CORSOrigins:    envutil.List("CORS_ALLOWED_ORIGINS", nil, log),
		SSEHeartbeat:   envutil.Duration("SSE_HEARTBEAT", 15*time.Second, log),
		ShutdownGrace:  envutil.Duration("SHUTDOWN_GRACE", 10*time.Second, log),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.DBDriver {
	case DBDriverPostgres, DBDriverSQLite:
	default:
		return fmt.Errorf("invalid DB_DRIVER=%q (allowed: %q, %q)", c.DBDriver, DBDriverPostgres, DBDriverSQLite)
	}
	switch c.Branch {
	case modulestore.Draft, modulestore.Published:
	default:
		return fmt.Errorf("invalid DEFAULT_BRANCH=%q (allowed: %q, %q)", c.Branch, modulestore.Draft, modulestore.Published)
	}
	if c.SandboxPoolSize <= 0 {
		return fmt.Errorf("SANDBOX_POOL_SIZE must be positive, got %d", c.SandboxPoolSize)
	}
	return nil
}
