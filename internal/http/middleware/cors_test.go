package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/xblockcore/internal/platform/ctxutil"
)

func TestCORSAllowsConfiguredOrigins(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	origins := []string{
		"http://localhost:5173",
		"https://lms.example.org",
	}

	for _, origin := range origins {
		origin := origin
		t.Run(origin, func(t *testing.T) {
			t.Parallel()
			r := gin.New()
			r.Use(CORS([]string{"http://localhost:5173", "https://lms.example.org"}))
			r.OPTIONS("/xblock/x/handler/submit", func(c *gin.Context) {
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodOptions, "/xblock/x/handler/submit", nil)
			req.Header.Set("Origin", origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusNoContent)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
				t.Fatalf("unexpected allow-origin header: got=%q want=%q", got, origin)
			}
		})
	}
}

func TestIdentityReadsGatewayHeaders(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name    string
		headers map[string]string
		want    ctxutil.RequestData
	}{
		{
			name: "explicit",
			headers: map[string]string{
				headerUserID:   "u-1",
				headerUsername: "ada",
				headerStaff:    "true",
				headerLocale:   "fr-CA",
			},
			want: ctxutil.RequestData{UserID: "u-1", Username: "ada", IsStaff: true, Locale: "fr-CA"},
		},
		{
			name:    "accept-language",
			headers: map[string]string{headerUserID: "u-2", "Accept-Language": "de;q=0.5, es-MX"},
			want:    ctxutil.RequestData{UserID: "u-2", Locale: "es-MX"},
		},
		{
			name:    "anonymous",
			headers: map[string]string{headerStaff: "nope"},
			want:    ctxutil.RequestData{},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var got *ctxutil.RequestData
			r := gin.New()
			r.Use(Identity())
			r.GET("/whoami", func(c *gin.Context) {
				got = ctxutil.GetRequestData(c.Request.Context())
				c.Status(http.StatusNoContent)
			})
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)
			if got == nil || *got != tc.want {
				t.Fatalf("request data: got=%+v want=%+v", got, tc.want)
			}
		})
	}
}
