package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/xblockcore/internal/assets"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/http/response"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

// AssetReader is the part of the asset store the HTTP seam serves from.
type AssetReader interface {
	Stat(ctx context.Context, key keys.AssetKey) (*assets.Asset, error)
	Get(ctx context.Context, key keys.AssetKey) (*assets.Asset, error)
}

type AssetHandler struct {
	log    *logger.Logger
	assets AssetReader
}

func NewAssetHandler(log *logger.Logger, store AssetReader) *AssetHandler {
	return &AssetHandler{log: log.With("handler", "AssetHandler"), assets: store}
}

// GET /assets/:asset_key
func (h *AssetHandler) Serve(c *gin.Context) {
	key, err := keys.ParseAssetKey(c.Param("asset_key"))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	meta, err := h.assets.Stat(c.Request.Context(), key)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	lastModified := meta.LastModified.UTC().Format(http.TimeFormat)
	if ims := c.GetHeader("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && assets.NotModified(t, meta.LastModified) {
			c.Header("Last-Modified", lastModified)
			c.Status(http.StatusNotModified)
			return
		}
	}
	a, err := h.assets.Get(c.Request.Context(), key)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	c.Header("Last-Modified", lastModified)
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, a.ContentType, a.Data)
}
