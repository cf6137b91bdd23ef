package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/yungbote/xblockcore/internal/assets"
	"github.com/yungbote/xblockcore/internal/completion"
	dbpkg "github.com/yungbote/xblockcore/internal/data/db"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/progress"
	"github.com/yungbote/xblockcore/internal/temporalx"
)

// Clients are the connections to infrastructure outside the process.
type Clients struct {
	DB            dbpkg.Service
	Blobs         assets.BlobStore
	CompletionBus completion.Bus
	ProgressCache progress.Cache
	Temporal      temporalsdkclient.Client
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	// Database
	var err error
	switch cfg.DBDriver {
	case DBDriverSQLite:
		out.DB, err = dbpkg.NewSQLiteService(cfg.SQLitePath, log)
	default:
		out.DB, err = dbpkg.NewPostgresService(log)
	}
	if err != nil {
		return Clients{}, fmt.Errorf("init %s: %w", cfg.DBDriver, err)
	}
	if err := out.DB.AutoMigrateAll(); err != nil {
		out.Close(log)
		return Clients{}, fmt.Errorf("%s automigrate: %w", cfg.DBDriver, err)
	}

	// Asset blobs
	out.Blobs, err = resolveBlobStore(log, cfg.Storage)
	if err != nil {
		out.Close(log)
		return Clients{}, err
	}

	// Redis
	if cfg.RedisAddr != "" {
		out.CompletionBus, err = completion.NewRedisBus(cfg.RedisAddr, cfg.RedisChannel, processOrigin(), log)
		if err != nil {
			out.Close(log)
			return Clients{}, fmt.Errorf("init redis completion bus: %w", err)
		}
		cache, err := progress.NewRedisCache(cfg.RedisAddr)
		if err != nil {
			out.Close(log)
			return Clients{}, fmt.Errorf("init redis progress cache: %w", err)
		}
		out.ProgressCache = cache
	} else {
		log.Warn("REDIS_ADDR not set; completion events stay in this process and progress is cached in memory")
	}

	// Temporal
	out.Temporal, err = temporalx.NewClient(cfg.Temporal, log)
	if err != nil {
		out.Close(log)
		return Clients{}, fmt.Errorf("init temporal client: %w", err)
	}

	return out, nil
}

// processOrigin names this process on the completion bus.
func processOrigin() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "xblockcore"
	}
	return host + "-" + uuid.NewString()
}

func (c *Clients) Close(log *logger.Logger) {
	if c == nil {
		return
	}
	if c.Temporal != nil {
		c.Temporal.Close()
		c.Temporal = nil
	}
	if closer, ok := c.ProgressCache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn("Progress cache close failed", "error", err)
		}
	}
	c.ProgressCache = nil
	if c.CompletionBus != nil {
		if err := c.CompletionBus.Close(); err != nil {
			log.Warn("Completion bus close failed", "error", err)
		}
		c.CompletionBus = nil
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			log.Warn("Database close failed", "error", err)
		}
		c.DB = nil
	}
}
