package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/sandbox"
)

type instrumentedSandbox struct {
	inner       sandbox.Runner
	metrics     *observability.Metrics
	wallSeconds int
}

// instrumentSandbox records every run and applies the deployment's default
// wall clock to callers that leave it unset.
func instrumentSandbox(inner sandbox.Runner, wallSeconds int) sandbox.Runner {
	if inner == nil {
		return nil
	}
	return &instrumentedSandbox{
		inner:       inner,
		metrics:     observability.Current(),
		wallSeconds: wallSeconds,
	}
}

func (s *instrumentedSandbox) Exec(ctx context.Context, code string, globalsIn map[string]json.RawMessage, limits sandbox.Limits) (sandbox.Result, error) {
	if limits.WallSeconds <= 0 && s.wallSeconds > 0 {
		limits.WallSeconds = s.wallSeconds
	}
	start := time.Now()
	res, err := s.inner.Exec(ctx, code, globalsIn, limits)
	dur := res.Elapsed
	if dur <= 0 {
		dur = time.Since(start)
	}
	s.observe(sandboxOutcome(res, err), dur)
	return res, err
}

func (s *instrumentedSandbox) observe(kind string, dur time.Duration) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.ObserveSandbox(kind, dur)
}

func sandboxOutcome(res sandbox.Result, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrBusy):
		return "busy"
	case err != nil:
		return "host_error"
	case res.Status == "":
		return "unknown"
	default:
		return string(res.Status)
	}
}
