package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/http/response"
	"github.com/yungbote/xblockcore/internal/modulestore"
	"github.com/yungbote/xblockcore/internal/observability"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/platform/ctxutil"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/runtime"
	"github.com/yungbote/xblockcore/internal/xblock"
)

const maxHandlerBody = 1 << 20

var errBadBranch = fmt.Errorf("branch must be draft or published: %w", xerr.ErrInvalidArgument)

type XBlockHandler struct {
	log *logger.Logger
	rt  *runtime.Runtime
}

func NewXBlockHandler(log *logger.Logger, rt *runtime.Runtime) *XBlockHandler {
	return &XBlockHandler{log: log.With("handler", "XBlockHandler"), rt: rt}
}

// currentUser maps the request identity onto the runtime's user.
func currentUser(c *gin.Context) xblock.User {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		return xblock.User{}
	}
	return xblock.User{ID: rd.UserID, Username: rd.Username, IsStaff: rd.IsStaff, Locale: rd.Locale}
}

func branchParam(c *gin.Context) (modulestore.Branch, error) {
	switch b := strings.TrimSpace(c.Query("branch")); b {
	case "":
		return "", nil
	case string(modulestore.Draft), string(modulestore.Published):
		return modulestore.Branch(b), nil
	default:
		return "", errBadBranch
	}
}

// request opens a runtime request for the block named in the path.
func (h *XBlockHandler) request(c *gin.Context) (*runtime.Context, xblock.Block, error) {
	usage, err := keys.ParseUsageKey(c.Param("usage"))
	if err != nil {
		return nil, nil, err
	}
	branch, err := branchParam(c)
	if err != nil {
		return nil, nil, err
	}
	rc := h.rt.NewRequest(c.Request.Context(), currentUser(c), branch)
	blk, err := rc.LoadBlock(usage)
	if err != nil {
		h.close(rc)
		return nil, nil, err
	}
	return rc, blk, nil
}

func (h *XBlockHandler) close(rc *runtime.Context) {
	if err := rc.Close(); err != nil {
		h.log.Warn("Runtime request close failed", "error", err)
	}
}

// GET /xblock/:usage/view/:view
func (h *XBlockHandler) View(c *gin.Context) {
	rc, blk, err := h.request(c)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	defer h.close(rc)

	view := c.Param("view")
	start := time.Now()
	frag, err := rc.Render(blk, view)
	observability.Current().ObserveRender(blk.Core().BlockType(), view, err, time.Since(start))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, frag)
}

// POST /xblock/:usage/handler/:handler
func (h *XBlockHandler) Handler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHandlerBody))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", err)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		response.RespondError(c, http.StatusBadRequest, "invalid_argument", errors.New("handler body must be JSON"))
		return
	}
	req := xblock.Request{
		Method: c.Request.Method,
		Body:   body,
		Query:  c.Request.URL.Query(),
		Header: c.Request.Header.Clone(),
	}
	if ims := c.GetHeader("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			req.IfModifiedSince = t
		}
	}

	rc, blk, err := h.request(c)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	defer h.close(rc)

	name := c.Param("handler")
	res := rc.Handle(blk, name, req)
	blockType := blk.Core().BlockType()
	switch r := res.(type) {
	case xblock.Rendered:
		observability.Current().IncHandlerResult(blockType, name, "rendered")
		if !r.LastModified.IsZero() {
			c.Header("Last-Modified", r.LastModified.UTC().Format(http.TimeFormat))
		}
		c.JSON(http.StatusOK, r.Value)
	case xblock.NotModified:
		observability.Current().IncHandlerResult(blockType, name, "not_modified")
		c.Status(http.StatusNotModified)
	case xblock.NotFoundResult:
		observability.Current().IncHandlerResult(blockType, name, "not_found")
		reason := r.Reason
		if reason == "" {
			reason = "not found"
		}
		response.RespondError(c, http.StatusNotFound, "not_found", errors.New(reason))
	case xblock.ErrorResult:
		observability.Current().IncHandlerResult(blockType, name, "error")
		h.log.Warn("Handler failed", "usage", blk.Core().Usage().String(), "handler", name, "error", r.Err)
		response.RespondAPIError(c, r.Err)
	default:
		response.RespondError(c, http.StatusInternalServerError, "unknown_result", fmt.Errorf("unexpected handler result %T", res))
	}
}
