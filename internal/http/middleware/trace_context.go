package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/platform/ctxutil"
)

const (
	headerTraceID   = "X-Trace-Id"
	headerRequestID = "X-Request-Id"
)

// TraceRequest assigns request and trace ids, echoes them back, and tags the
// server span with the course and block the route is about.
func TraceRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())

		reqID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		traceID := strings.TrimSpace(c.GetHeader(headerTraceID))
		if sc := span.SpanContext(); traceID == "" && sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}

		span.SetAttributes(attribute.String("http.request_id", reqID))
		span.SetAttributes(contentAttributes(c)...)

		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{TraceID: traceID, RequestID: reqID})
		c.Request = c.Request.WithContext(ctx)
		c.Set("trace_id", traceID)
		c.Set("request_id", reqID)
		c.Writer.Header().Set(headerTraceID, traceID)
		c.Writer.Header().Set(headerRequestID, reqID)
		c.Next()
	}
}

// contentAttributes reads the keys a route carries. Unparsable keys are
// still recorded raw; the handler rejects them.
func contentAttributes(c *gin.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	course := ""
	if raw := c.Param("usage"); raw != "" {
		attrs = append(attrs, attribute.String("xblock.usage", raw))
		if u, err := keys.ParseUsageKey(raw); err == nil {
			course = u.Course.Canonical().String()
			attrs = append(attrs, attribute.String("xblock.block_type", u.BlockType))
		}
	}
	if raw := c.Param("asset_key"); raw != "" {
		attrs = append(attrs, attribute.String("xblock.asset", raw))
		if a, err := keys.ParseAssetKey(raw); err == nil {
			course = a.Course.Canonical().String()
		}
	}
	if course == "" {
		raw := c.Param("course")
		if raw == "" {
			raw = c.Query("course")
		}
		if ck, err := keys.ParseCourseKey(raw); raw != "" && err == nil {
			course = ck.Canonical().String()
		}
	}
	if course != "" {
		attrs = append(attrs, attribute.String("xblock.course", course))
	}
	if v := c.Param("view"); v != "" {
		attrs = append(attrs, attribute.String("xblock.view", v))
	}
	if h := c.Param("handler"); h != "" {
		attrs = append(attrs, attribute.String("xblock.handler", h))
	}
	return attrs
}
