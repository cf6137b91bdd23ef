package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/sandbox"
)

type stubRunner struct {
	res  sandbox.Result
	err  error
	seen *sandbox.Limits
}

func (s stubRunner) Exec(ctx context.Context, code string, globalsIn map[string]json.RawMessage, limits sandbox.Limits) (sandbox.Result, error) {
	if s.seen != nil {
		*s.seen = limits
	}
	return s.res, s.err
}

func TestSandboxOutcome(t *testing.T) {
	cases := []struct {
		res  sandbox.Result
		err  error
		want string
	}{
		{res: sandbox.Result{Status: sandbox.StatusOK}, want: "ok"},
		{res: sandbox.Result{Status: sandbox.StatusTimeout}, want: "timeout"},
		{res: sandbox.Result{Status: sandbox.StatusPolicyDenied}, want: "policy_denied"},
		{err: sandbox.ErrBusy, want: "busy"},
		{err: errors.New("fork failed"), want: "host_error"},
		{want: "unknown"},
	}
	for _, tc := range cases {
		if got := sandboxOutcome(tc.res, tc.err); got != tc.want {
			t.Fatalf("sandboxOutcome(%+v, %v): got=%q want=%q", tc.res, tc.err, got, tc.want)
		}
	}
}

func TestInstrumentedSandboxPassesThrough(t *testing.T) {
	if instrumentSandbox(nil, 5) != nil {
		t.Fatal("nil runner should stay nil")
	}
	var seen sandbox.Limits
	inner := stubRunner{
		res:  sandbox.Result{Status: sandbox.StatusRuntimeError, ExceptionText: "ZeroDivisionError", Elapsed: 5 * time.Millisecond},
		seen: &seen,
	}
	s := &instrumentedSandbox{inner: inner, metrics: observability.NewMetrics(), wallSeconds: 7}

	res, err := s.Exec(context.Background(), "1/0", nil, sandbox.Limits{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExceptionText != "ZeroDivisionError" {
		t.Fatalf("result not passed through: %+v", res)
	}
	if seen.WallSeconds != 7 {
		t.Fatalf("default wall: want=7 got=%d", seen.WallSeconds)
	}
	if _, err := s.Exec(context.Background(), "x=1", nil, sandbox.Limits{WallSeconds: 1}); err != nil || seen.WallSeconds != 1 {
		t.Fatalf("explicit wall overridden: err=%v wall=%d", err, seen.WallSeconds)
	}

	busy := &instrumentedSandbox{inner: stubRunner{err: sandbox.ErrBusy}}
	if _, err := busy.Exec(context.Background(), "x=1", nil, sandbox.Limits{}); !errors.Is(err, sandbox.ErrBusy) {
		t.Fatalf("busy: got %v", err)
	}
}
