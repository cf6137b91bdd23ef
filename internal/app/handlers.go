package app

import (
	"gorm.io/gorm"

	httpH "github.com/yungbote/xblockcore/internal/http/handlers"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

type Handlers struct {
	Health     *httpH.HealthHandler
	XBlock     *httpH.XBlockHandler
	Asset      *httpH.AssetHandler
	Completion *httpH.CompletionHandler
	Progress   *httpH.ProgressHandler
}

func wireHandlers(db *gorm.DB, log *logger.Logger, cfg Config, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:     httpH.NewHealthHandler(db),
		XBlock:     httpH.NewXBlockHandler(log, services.Runtime),
		Asset:      httpH.NewAssetHandler(log, services.Assets),
		Completion: httpH.NewCompletionHandler(log, services.Completion, cfg.SSEHeartbeat),
		Progress:   httpH.NewProgressHandler(log, services.Progress),
	}
}
