package app

import (
	xbhttp "github.com/yungbote/xblockcore/internal/http"
	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

func wireServer(log *logger.Logger, cfg Config, handlers Handlers, metrics *observability.Metrics) *xbhttp.Server {
	log.Info("Wiring router...")
	return xbhttp.NewServer(xbhttp.RouterConfig{
		Log:               log,
		ServiceName:       cfg.Otel.ServiceName,
		CORSOrigins:       cfg.CORSOrigins,
		Metrics:           metrics,
		XBlockHandler:     handlers.XBlock,
		AssetHandler:      handlers.Asset,
		CompletionHandler: handlers.Completion,
		ProgressHandler:   handlers.Progress,
		HealthHandler:     handlers.Health,
	})
}
