package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/xblockcore/internal/platform/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	renderLatency  *HistogramVec
	handlerResults *CounterVec

	sandboxRuns    *CounterVec
	sandboxLatency *HistogramVec

	completionEvents *Counter
	completionDrops  *Counter

	imports      *CounterVec
	importBlocks *Counter

	progressCache *CounterVec

	dbPool    *GaugeVec
	redisUp   *Gauge
	redisPing *Gauge

	scrapeInterval time.Duration
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Current returns the process metrics, or nil when metrics are disabled.
// Every method is safe on a nil *Metrics.
func Current() *Metrics {
	return instance
}

// Init installs the process-wide metrics when enabled.
func Init(log *logger.Logger, enabled bool) *Metrics {
	if !enabled {
		return nil
	}
	initOnce.Do(func() {
		instance = NewMetrics()
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

func NewMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("xb_api_requests_total", "API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency:  NewHistogramVec("xb_api_request_duration_seconds", "API request latency by method/route/status.", []string{"method", "route", "status"}, latencyBuckets),
		apiInflight: NewGauge("xb_api_inflight_requests", "In-flight API requests."),

		renderLatency:  NewHistogramVec("xb_render_duration_seconds", "Block render latency by type/view/outcome.", []string{"block_type", "view", "outcome"}, latencyBuckets),
		handlerResults: NewCounterVec("xb_handler_results_total", "Handler invocations by type/handler/result.", []string{"block_type", "handler", "result"}),

		sandboxRuns:    NewCounterVec("xb_sandbox_runs_total", "Sandbox executions by outcome.", []string{"outcome"}),
		sandboxLatency: NewHistogramVec("xb_sandbox_duration_seconds", "Sandbox wall time by outcome.", []string{"outcome"}, latencyBuckets),

		completionEvents: NewCounter("xb_completion_events_total", "Completion events recorded."),
		completionDrops:  NewCounter("xb_completion_subscriber_drops_total", "Completion events dropped for slow subscribers."),

		imports:      NewCounterVec("xb_course_imports_total", "Course imports by outcome.", []string{"outcome"}),
		importBlocks: NewCounter("xb_import_blocks_total", "Blocks written by course imports."),

		progressCache: NewCounterVec("xb_progress_cache_total", "Progress cache lookups by family/result.", []string{"family", "result"}),

		dbPool:    NewGaugeVec("xb_db_pool", "database/sql pool statistics.", []string{"stat"}),
		redisUp:   NewGauge("xb_redis_up", "1 when the last redis ping succeeded."),
		redisPing: NewGauge("xb_redis_ping_seconds", "Last redis ping latency."),

		scrapeInterval: 10 * time.Second,
	}
}

func (m *Metrics) collectors() []interface{ WritePrometheus(io.Writer) error } {
	return []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.renderLatency, m.handlerResults,
		m.sandboxRuns, m.sandboxLatency,
		m.completionEvents, m.completionDrops,
		m.imports, m.importBlocks,
		m.progressCache,
		m.dbPool, m.redisUp, m.redisPing,
	}
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) APIInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) APIInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveRender(blockType, view string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	m.renderLatency.Observe(dur.Seconds(), blockType, view, outcome(err))
}

func (m *Metrics) IncHandlerResult(blockType, handler, result string) {
	if m == nil {
		return
	}
	m.handlerResults.Inc(blockType, handler, result)
}

// ObserveSandbox records one execution; kind is "ok", "timeout", "memory",
// "busy" or "error".
func (m *Metrics) ObserveSandbox(kind string, dur time.Duration) {
	if m == nil {
		return
	}
	m.sandboxRuns.Inc(kind)
	m.sandboxLatency.Observe(dur.Seconds(), kind)
}

func (m *Metrics) IncCompletionEvent() {
	if m == nil {
		return
	}
	m.completionEvents.Inc()
}

func (m *Metrics) IncCompletionDrop() {
	if m == nil {
		return
	}
	m.completionDrops.Inc()
}

func (m *Metrics) ObserveImport(blocks int, err error) {
	if m == nil {
		return
	}
	m.imports.Inc(outcome(err))
	if err == nil {
		m.importBlocks.Add(float64(blocks))
	}
}

func (m *Metrics) IncProgressCache(family string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.progressCache.Inc(family, result)
}

func (m *Metrics) StartDBCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(m.scrapeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: db stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.dbPool.Set(float64(stats.OpenConnections), "open_connections")
				m.dbPool.Set(float64(stats.InUse), "in_use")
				m.dbPool.Set(float64(stats.Idle), "idle")
				m.dbPool.Set(float64(stats.WaitCount), "wait_count")
				m.dbPool.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.dbPool.Set(float64(stats.MaxOpenConnections), "max_open_connections")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(m.scrapeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) { c.Add(1, values...) }

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

// Value returns the current count for one label combination.
func (c *CounterVec) Value(values ...string) float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[labelString(c.labelNames, values)]
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return writeSeries(w, c.name, c.help, "counter", c.values)
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	return writeSeries(w, c.name, c.help, "counter", map[string]float64{"": c.Value()})
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.add(1) }

func (g *Gauge) Dec() { g.add(-1) }

func (g *Gauge) add(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val += v
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	if g == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.val
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	return writeSeries(w, g.name, g.help, "gauge", map[string]float64{"": g.Value()})
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return writeSeries(w, g.name, g.help, "gauge", g.values)
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	counts []uint64
	sum    float64
	total  uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{counts: make([]uint64, len(h.buckets)+1)}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range h.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

// Count returns how many observations one label combination has seen.
func (h *HistogramVec) Count(values ...string) uint64 {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if hist, ok := h.values[labelString(h.labelNames, values)]; ok {
		return hist.total
	}
	return 0
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, k := range sortedKeys(h.values) {
		v := h.values[k]
		for i, b := range h.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %g\n%s_count%s %d\n", h.name, k, v.sum, h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func writeSeries(w io.Writer, name, help, kind string, values map[string]float64) error {
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind); err != nil {
		return err
	}
	for _, k := range sortedKeys(values) {
		if _, err := fmt.Fprintf(w, "%s%s %g\n", name, k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return strings.ReplaceAll(v, "\n", "\\n")
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
}
