package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	xbhttp "github.com/yungbote/xblockcore/internal/http"
	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Server   *xbhttp.Server
	Cfg      Config
	Clients  Clients
	Services Services
	Metrics  *observability.Metrics

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(log, cfg)
}

// NewWithConfig wires the app from an already loaded config. The CLIs use it
// to share wiring with the server.
func NewWithConfig(log *logger.Logger, cfg Config) (*App, error) {
	otelShutdown := observability.InitOTel(context.Background(), log, cfg.Otel)
	metrics := observability.Init(log, cfg.MetricsEnabled)

	clients, err := wireClients(log, cfg)
	if err != nil {
		_ = otelShutdown(context.Background())
		log.Sync()
		return nil, err
	}
	theDB := clients.DB.DB()

	services, err := wireServices(theDB, log, cfg, clients)
	if err != nil {
		clients.Close(log)
		_ = otelShutdown(context.Background())
		log.Sync()
		return nil, err
	}

	handlers := wireHandlers(theDB, log, cfg, services)
	server := wireServer(log, cfg, handlers, metrics)

	return &App{
		Log:          log,
		DB:           theDB,
		Server:       server,
		Cfg:          cfg,
		Clients:      clients,
		Services:     services,
		Metrics:      metrics,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background loops: the completion forwarder, the
// Temporal worker and the metrics collectors.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.Services.Completion.StartForwarder(ctx); err != nil {
		return fmt.Errorf("start completion forwarder: %w", err)
	}
	if a.Services.Worker != nil {
		if err := a.Services.Worker.Start(ctx); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
	}
	a.Metrics.StartDBCollector(ctx, a.Log, a.DB)
	if a.Cfg.RedisAddr != "" {
		a.Metrics.StartRedisCollector(ctx, a.Log, a.Cfg.RedisAddr)
	}
	return nil
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return errors.New("app not initialized")
	}
	addr := ":" + a.Cfg.Port
	a.Log.Info("Serving HTTP", "addr", addr, "branch", a.Cfg.Branch)
	return a.Server.Run(ctx, addr, a.Cfg.ShutdownGrace)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Completion != nil {
		if err := a.Services.Completion.Close(); err != nil {
			a.Log.Warn("Completion stream close failed", "error", err)
		}
		// the stream owns the bus
		a.Clients.CompletionBus = nil
	}
	a.Clients.Close(a.Log)
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("OTel shutdown failed", "error", err)
		}
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
