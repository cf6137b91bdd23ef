package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/xblockcore/internal/completion"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/http/response"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

const DefaultHeartbeat = 15 * time.Second

type CompletionHandler struct {
	log       *logger.Logger
	stream    *completion.Stream
	heartbeat time.Duration
}

func NewCompletionHandler(log *logger.Logger, stream *completion.Stream, heartbeat time.Duration) *CompletionHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &CompletionHandler{log: log.With("handler", "CompletionHandler"), stream: stream, heartbeat: heartbeat}
}

// GET /completion/stream?course=
//
// Streams the caller's completion events as server-sent events until the
// client goes away.
func (h *CompletionHandler) Stream(c *gin.Context) {
	user := currentUser(c)
	if user.ID == "" {
		response.RespondError(c, http.StatusUnauthorized, "unauthenticated", errors.New("user required"))
		return
	}
	course := ""
	if raw := strings.TrimSpace(c.Query("course")); raw != "" {
		key, err := keys.ParseCourseKey(raw)
		if err != nil {
			response.RespondAPIError(c, err)
			return
		}
		course = key.Canonical().String()
	}

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", errors.New("streaming unsupported"))
		return
	}

	sub := h.stream.Subscribe(user.ID, course)
	defer h.stream.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("Completion stream closed by client", "subscription", sub.ID, "err", ctx.Err())
			return
		case <-sub.Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-sub.Outbound:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("Failed to marshal completion event", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: completion\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
		}
	}
}
