package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/http/response"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/progress"
)

type ProgressReader interface {
	Get(ctx context.Context, userID string, course keys.CourseKey) (*progress.Progress, error)
}

type ProgressHandler struct {
	log *logger.Logger
	agg ProgressReader
}

func NewProgressHandler(log *logger.Logger, agg ProgressReader) *ProgressHandler {
	return &ProgressHandler{log: log.With("handler", "ProgressHandler"), agg: agg}
}

// GET /progress/:course
func (h *ProgressHandler) Get(c *gin.Context) {
	user := currentUser(c)
	if user.ID == "" {
		response.RespondError(c, http.StatusUnauthorized, "unauthenticated", errors.New("user required"))
		return
	}
	course, err := keys.ParseCourseKey(c.Param("course"))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	p, err := h.agg.Get(c.Request.Context(), user.ID, course)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, p)
}
