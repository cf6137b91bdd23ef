package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yungbote/xblockcore/internal/platform/ctxutil"
)

// tracedRouter starts a server span ahead of TraceRequest the way otelgin does.
func tracedRouter(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	tracer := tp.Tracer("test")

	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(TraceRequest())
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	r.GET("/xblock/:usage/view/:view", ok)
	r.POST("/xblock/:usage/handler/:handler", ok)
	r.GET("/assets/:asset_key", ok)
	r.GET("/progress/:course", ok)
	r.GET("/completion/stream", ok)
	return r, rec
}

func spanAttrs(t *testing.T, rec *tracetest.SpanRecorder) map[attribute.Key]string {
	t.Helper()
	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("spans: got=%d want=1", len(ended))
	}
	out := map[attribute.Key]string{}
	for _, kv := range ended[0].Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestTraceRequestTagsSpanWithContentKeys(t *testing.T) {
	t.Parallel()
	const course = "course-v1:edX+DemoX+2024"
	usage := "block-v1:edX+DemoX+2024+branch@draft+type@problem+block@q1"
	asset := "asset-v1:edX+DemoX+2024+type@asset+block@logo.png"

	cases := []struct {
		name   string
		method string
		path   string
		want   map[attribute.Key]string
		absent []attribute.Key
	}{
		{
			name:   "view",
			method: http.MethodGet,
			path:   "/xblock/" + usage + "/view/student_view",
			want: map[attribute.Key]string{
				"xblock.usage":      usage,
				"xblock.course":     course,
				"xblock.block_type": "problem",
				"xblock.view":       "student_view",
			},
			absent: []attribute.Key{"xblock.handler", "xblock.asset"},
		},
		{
			name:   "handler",
			method: http.MethodPost,
			path:   "/xblock/" + usage + "/handler/submit",
			want: map[attribute.Key]string{
				"xblock.course":  course,
				"xblock.handler": "submit",
			},
			absent: []attribute.Key{"xblock.view"},
		},
		{
			name:   "asset",
			method: http.MethodGet,
			path:   "/assets/" + asset,
			want: map[attribute.Key]string{
				"xblock.asset":  asset,
				"xblock.course": course,
			},
			absent: []attribute.Key{"xblock.usage"},
		},
		{
			name:   "progress",
			method: http.MethodGet,
			path:   "/progress/" + course + "+branch@published",
			want:   map[attribute.Key]string{"xblock.course": course},
		},
		{
			name:   "stream query",
			method: http.MethodGet,
			path:   "/completion/stream?course=" + url.QueryEscape(course),
			want:   map[attribute.Key]string{"xblock.course": course},
		},
		{
			name:   "bad usage",
			method: http.MethodGet,
			path:   "/xblock/nonsense/view/student_view",
			want:   map[attribute.Key]string{"xblock.usage": "nonsense"},
			absent: []attribute.Key{"xblock.course", "xblock.block_type"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, rec := tracedRouter(t)
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set(headerRequestID, "req-"+tc.name)
			r.ServeHTTP(httptest.NewRecorder(), req)

			attrs := spanAttrs(t, rec)
			if got := attrs["http.request_id"]; got != "req-"+tc.name {
				t.Fatalf("request id attr: got=%q", got)
			}
			for k, v := range tc.want {
				if attrs[k] != v {
					t.Fatalf("%s: got=%q want=%q", k, attrs[k], v)
				}
			}
			for _, k := range tc.absent {
				if _, ok := attrs[k]; ok {
					t.Fatalf("%s should be unset, got %q", k, attrs[k])
				}
			}
		})
	}
}

func TestTraceRequestEchoesIDs(t *testing.T) {
	t.Parallel()
	r, rec := tracedRouter(t)
	r.GET("/ping", func(c *gin.Context) {
		td := ctxutil.GetTraceData(c.Request.Context())
		if td == nil || td.RequestID != "req-42" || td.TraceID == "" {
			t.Errorf("trace data: %+v", td)
		}
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(headerRequestID, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(headerRequestID); got != "req-42" {
		t.Fatalf("request id: got=%q want=%q", got, "req-42")
	}
	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("spans: got=%d", len(ended))
	}
	if got, want := w.Header().Get(headerTraceID), ended[0].SpanContext().TraceID().String(); got != want {
		t.Fatalf("trace id header: got=%q want span trace %q", got, want)
	}
}
