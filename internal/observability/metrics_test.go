package observability

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/x", "200", time.Millisecond)
	m.APIInflightInc()
	m.ObserveRender("html", "student_view", nil, time.Millisecond)
	m.ObserveSandbox("ok", time.Millisecond)
	m.IncProgressCache("grade", true)
	if err := m.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("WritePrometheus on nil: %v", err)
	}
	rec := httptest.NewRecorder()
	m.WriteHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got=%d want=%d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveAPI("GET", "/xblock/:usage/view/:view", "200", 30*time.Millisecond)
	m.ObserveAPI("GET", "/xblock/:usage/view/:view", "200", 2*time.Second)
	m.ObserveRender("problem", "student_view", errors.New("boom"), time.Millisecond)
	m.IncHandlerResult("problem", "submit", "rendered")
	m.ObserveImport(11, nil)
	m.ObserveImport(0, errors.New("bad xml"))
	m.IncProgressCache("completion", false)

	if got := m.apiRequests.Value("GET", "/xblock/:usage/view/:view", "200"); got != 2 {
		t.Fatalf("api requests: got=%v want=2", got)
	}
	if got := m.renderLatency.Count("problem", "student_view", "error"); got != 1 {
		t.Fatalf("render count: got=%d want=1", got)
	}
	if got := m.importBlocks.Value(); got != 11 {
		t.Fatalf("import blocks: got=%v want=11", got)
	}

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`# TYPE xb_api_requests_total counter`,
		`xb_api_requests_total{method="GET",route="/xblock/:usage/view/:view",status="200"} 2`,
		`xb_api_request_duration_seconds_bucket{method="GET",route="/xblock/:usage/view/:view",status="200",le="0.05"} 1`,
		`xb_api_request_duration_seconds_bucket{method="GET",route="/xblock/:usage/view/:view",status="200",le="+Inf"} 2`,
		`xb_handler_results_total{block_type="problem",handler="submit",result="rendered"} 1`,
		`xb_course_imports_total{outcome="error"} 1`,
		`xb_course_imports_total{outcome="ok"} 1`,
		`xb_progress_cache_total{family="completion",result="miss"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q\n%s", want, out)
		}
	}
}

func TestLabelEscaping(t *testing.T) {
	got := labelString([]string{"a", "b"}, []string{"x\"y", "line\nbreak"})
	want := `{a="x\"y",b="line\nbreak"}`
	if got != want {
		t.Fatalf("labelString: got=%s want=%s", got, want)
	}
	if got := labelString([]string{"a", "b"}, []string{"only"}); got != `{a="only",b="unknown"}` {
		t.Fatalf("missing value: got=%s", got)
	}
	if got := withLe("", "1"); got != `{le="1"}` {
		t.Fatalf("withLe empty: got=%s", got)
	}
}

func TestParseHeaders(t *testing.T) {
	h := ParseHeaders(" api-key = abc , bad, x=")
	if len(h) != 1 || h["api-key"] != "abc" {
		t.Fatalf("ParseHeaders: got=%v", h)
	}
	if ParseHeaders("") != nil {
		t.Fatal("empty headers should be nil")
	}
}
