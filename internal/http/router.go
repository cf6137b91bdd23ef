package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/xblockcore/internal/http/handlers"
	httpMW "github.com/yungbote/xblockcore/internal/http/middleware"
	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Metrics     *observability.Metrics

	XBlockHandler     *httpH.XBlockHandler
	AssetHandler      *httpH.AssetHandler
	CompletionHandler *httpH.CompletionHandler
	ProgressHandler   *httpH.ProgressHandler
	HealthHandler     *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = observability.DefaultServiceName
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(httpMW.TraceRequest())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.CORSOrigins))
	r.Use(httpMW.Identity())
	r.Use(httpMW.Metrics(cfg.Metrics))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	// Blocks
	if cfg.XBlockHandler != nil {
		r.GET("/xblock/:usage/view/:view", cfg.XBlockHandler.View)
		r.POST("/xblock/:usage/handler/:handler", cfg.XBlockHandler.Handler)
		r.GET("/xblock/:usage/handler/:handler", cfg.XBlockHandler.Handler)
	}

	// Static assets
	if cfg.AssetHandler != nil {
		r.GET("/assets/:asset_key", cfg.AssetHandler.Serve)
	}

	// Completion (SSE)
	if cfg.CompletionHandler != nil {
		r.GET("/completion/stream", cfg.CompletionHandler.Stream)
	}

	// Progress
	if cfg.ProgressHandler != nil {
		r.GET("/progress/:course", cfg.ProgressHandler.Get)
	}

	return r
}
