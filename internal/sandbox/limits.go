// Package sandbox runs untrusted Python in a resource-limited child process.
package sandbox

import (
	"encoding/json"
	"time"
)

type Limits struct {
	CPUSeconds  int   `json:"cpu_seconds"`
	WallSeconds int   `json:"wall_seconds"`
	MemoryBytes int64 `json:"memory_bytes"`
	StackBytes  int64 `json:"stack_bytes"`
	OpenFiles   int   `json:"open_files"`
}

func DefaultLimits() Limits {
	return Limits{
		CPUSeconds:  2,
		WallSeconds: 3,
		MemoryBytes: 256 << 20,
		StackBytes:  8 << 20,
		OpenFiles:   32,
	}
}

// Normalize fills zero values from DefaultLimits.
func (l Limits) Normalize() Limits {
	d := DefaultLimits()
	if l.CPUSeconds <= 0 {
		l.CPUSeconds = d.CPUSeconds
	}
	if l.WallSeconds <= 0 {
		l.WallSeconds = d.WallSeconds
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.StackBytes <= 0 {
		l.StackBytes = d.StackBytes
	}
	if l.OpenFiles <= 0 {
		l.OpenFiles = d.OpenFiles
	}
	return l
}

func (l Limits) Wall() time.Duration {
	return time.Duration(l.WallSeconds) * time.Second
}

type Status string

const (
	StatusOK           Status = "ok"
	StatusTimeout      Status = "timeout"
	StatusMemory       Status = "memory"
	StatusRuntimeError Status = "runtime_error"
	StatusPolicyDenied Status = "policy_denied"
)

type Result struct {
	Status        Status                     `json:"status"`
	Stdout        string                     `json:"stdout"`
	Stderr        string                     `json:"stderr"`
	GlobalsOut    map[string]json.RawMessage `json:"globals_out"`
	ExceptionText string                     `json:"exception_text,omitempty"`
	Elapsed       time.Duration              `json:"-"`
}

func (r Result) OK() bool { return r.Status == StatusOK }

func copyGlobals(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
