package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/platform/ctxutil"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

//go:embed guest.py
var guestSource []byte

var ErrBusy = xerr.ErrSandboxBusy

const maxCapture = 1 << 20

// Runner is what blocks and the runtime depend on.
type Runner interface {
	Exec(ctx context.Context, code string, globalsIn map[string]json.RawMessage, limits Limits) (Result, error)
}

type Config struct {
	Python   string
	LibZip   string
	PoolSize int64
	WorkRoot string
	Policy   Policy
	// AssumedImports are prepended to every program as import lines.
	AssumedImports []string
	// Isolate runs the guest as nobody in fresh user, mount and network
	// namespaces on a read-only root with a throwaway /tmp. AssertReady fails
	// when the host cannot provide them.
	Isolate bool
}

type Jail struct {
	log  *logger.Logger
	cfg  Config
	pool *semaphore.Weighted
}

var _ Runner = (*Jail)(nil)

func New(cfg Config, log *logger.Logger) *Jail {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	if cfg.Policy.MaxCodeBytes == 0 && cfg.Policy.DeniedImports == nil {
		cfg.Policy = DefaultPolicy()
	}
	return &Jail{
		log:  log.With("service", "Sandbox"),
		cfg:  cfg,
		pool: semaphore.NewWeighted(cfg.PoolSize),
	}
}

// AssertReady fails when the interpreter cannot be found or, with Isolate
// set, when a trivial program cannot run inside the namespaces.
func (j *Jail) AssertReady() error {
	if _, err := exec.LookPath(j.cfg.Python); err != nil {
		return fmt.Errorf("sandbox interpreter %q not in PATH: %w", j.cfg.Python, err)
	}
	if j.cfg.LibZip != "" {
		if _, err := os.Stat(j.cfg.LibZip); err != nil {
			return fmt.Errorf("sandbox lib zip: %w", err)
		}
	}
	if !j.cfg.Isolate {
		return nil
	}
	if err := isolationSupported(); err != nil {
		return fmt.Errorf("sandbox isolation: %w", err)
	}
	for _, tool := range isolationTools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("sandbox isolation needs %q: %w", tool, err)
		}
	}
	res, err := j.run("ready = 1", nil, DefaultLimits())
	if err != nil {
		return fmt.Errorf("sandbox isolation: %w", err)
	}
	if res.Status != StatusOK || string(res.GlobalsOut["ready"]) != "1" {
		return fmt.Errorf("sandbox isolation: trial run status=%s: %s %s", res.Status, res.ExceptionText, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Exec runs code. Guest failures come back as a Result; the error is
// reserved for ErrBusy and host problems.
func (j *Jail) Exec(ctx context.Context, code string, globalsIn map[string]json.RawMessage, limits Limits) (Result, error) {
	ctx = ctxutil.Default(ctx)
	limits = limits.Normalize()
	if globalsIn == nil {
		globalsIn = map[string]json.RawMessage{}
	}

	ctx, span := otel.Tracer("xblockcore/sandbox").Start(ctx, "sandbox.exec")
	defer span.End()

	if reason := j.cfg.Policy.Check(code); reason != "" {
		span.SetAttributes(attribute.String("sandbox.status", string(StatusPolicyDenied)))
		return Result{Status: StatusPolicyDenied, GlobalsOut: copyGlobals(globalsIn), ExceptionText: reason}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, limits.Wall())
	err := j.pool.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		j.log.Warn("Sandbox pool saturated", "pool", j.cfg.PoolSize)
		return Result{}, ErrBusy
	}
	defer j.pool.Release(1)

	res, err := j.run(code, globalsIn, limits)
	if err != nil {
		j.log.Error("Sandbox run failed", "error", err)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("sandbox.status", string(res.Status)),
		attribute.Int64("sandbox.elapsed_ms", res.Elapsed.Milliseconds()),
	)
	return res, nil
}

type guestReport struct {
	Status    Status                     `json:"status"`
	Globals   map[string]json.RawMessage `json:"globals"`
	Exception string                     `json:"exception"`
}

// errSetup marks a namespace setup failure, which is the host's fault.
var errSetup = errors.New("sandbox namespace setup failed")

// guestPayload is what guest.py reads from stdin. path is always a list.
func guestPayload(code string, globalsIn map[string]json.RawMessage, libPath string) ([]byte, error) {
	path := []string{}
	if libPath != "" {
		path = append(path, libPath)
	}
	return json.Marshal(map[string]any{
		"code":    code,
		"globals": globalsIn,
		"path":    path,
	})
}

// run is not tied to the caller's context; the wall clock bounds it.
func (j *Jail) run(code string, globalsIn map[string]json.RawMessage, limits Limits) (Result, error) {
	if globalsIn == nil {
		globalsIn = map[string]json.RawMessage{}
	}
	dir, err := os.MkdirTemp(j.cfg.WorkRoot, "jail-")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox tmp: %w", err)
	}
	defer os.RemoveAll(dir)

	work := filepath.Join(dir, "work")
	rootDir := filepath.Join(dir, "root")
	for _, d := range []string{work, rootDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			return Result{}, fmt.Errorf("sandbox tmp: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(work, "guest.py"), guestSource, 0o444); err != nil {
		return Result{}, fmt.Errorf("sandbox guest: %w", err)
	}

	guestPath := filepath.Join(work, "guest.py")
	guestHome := work
	libPath := j.cfg.LibZip
	if j.cfg.Isolate {
		guestPath, guestHome = "/work/guest.py", "/tmp"
		if libPath != "" {
			if err := os.WriteFile(filepath.Join(work, "lib.zip"), nil, 0o444); err != nil {
				return Result{}, fmt.Errorf("sandbox lib mount point: %w", err)
			}
			libPath = "/work/lib.zip"
		}
	}
	payload, err := guestPayload(j.prelude()+code, globalsIn, libPath)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox payload: %w", err)
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("sandbox pipe: %w", err)
	}
	defer reportR.Close()

	wall := limits.Wall()
	runCtx, cancel := context.WithTimeout(context.Background(), wall)
	defer cancel()

	guest := []string{j.cfg.Python, "-I", "-S", guestPath}
	var args []string
	if j.cfg.Isolate {
		args = append([]string{"sh", "-c", isolationScript, "sandbox", rootDir, work, j.cfg.LibZip, ulimitScript(limits)}, guest...)
	} else {
		args = append([]string{"sh", "-c", ulimitScript(limits), "sandbox"}, guest...)
	}
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = work
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin:/usr/local/sbin:/usr/sbin:/sbin",
		"HOME=" + guestHome, "TMPDIR=" + guestHome, "PYTHONDONTWRITEBYTECODE=1",
	}
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &capped{max: maxCapture}
	stderr := &capped{max: maxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{reportW}
	setProcessGroup(cmd)
	if j.cfg.Isolate {
		isolateCmd(cmd)
	}
	cmd.WaitDelay = 100 * time.Millisecond

	start := time.Now()
	if err := cmd.Start(); err != nil {
		reportW.Close()
		return Result{}, fmt.Errorf("sandbox start: %w", err)
	}
	reportW.Close()
	reportCh := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(io.LimitReader(reportR, maxCapture))
		reportCh <- b
	}()
	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	var reportBytes []byte
	select {
	case reportBytes = <-reportCh:
	case <-time.After(100 * time.Millisecond):
	}

	res := Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		GlobalsOut: copyGlobals(globalsIn),
		Elapsed:    elapsed,
	}
	if timedOut {
		res.Status = StatusTimeout
		res.Stdout = ""
		res.ExceptionText = fmt.Sprintf("wall clock limit of %ds exceeded", limits.WallSeconds)
		return res, nil
	}

	var report guestReport
	if len(bytes.TrimSpace(reportBytes)) > 0 && json.Unmarshal(reportBytes, &report) == nil && report.Status != "" {
		res.Status = report.Status
		res.ExceptionText = report.Exception
		if report.Status == StatusOK && report.Globals != nil {
			res.GlobalsOut = report.Globals
		}
		return res, nil
	}

	var exitErr *exec.ExitError
	if j.cfg.Isolate && errors.As(waitErr, &exitErr) && exitErr.ExitCode() == setupExitCode {
		return Result{}, fmt.Errorf("%w: %s", errSetup, strings.TrimSpace(res.Stderr))
	}
	res.Status, res.ExceptionText = classifyExit(waitErr, res.Stderr)
	if res.Status == StatusTimeout {
		res.Stdout = ""
	}
	return res, nil
}

func (j *Jail) prelude() string {
	if len(j.cfg.AssumedImports) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range j.cfg.AssumedImports {
		b.WriteString("import ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return b.String()
}

func ulimitScript(l Limits) string {
	return fmt.Sprintf(`ulimit -t %d; ulimit -v %d; ulimit -s %d; ulimit -n %d; exec "$@"`,
		l.CPUSeconds, l.MemoryBytes/1024, l.StackBytes/1024, l.OpenFiles+4)
}

// classifyExit decides the status of a guest that died without reporting.
func classifyExit(err error, stderr string) (Status, string) {
	if strings.Contains(stderr, "MemoryError") {
		return StatusMemory, "MemoryError"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if st, text, ok := signalStatus(exitErr); ok {
			return st, text
		}
		return StatusRuntimeError, fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	if err != nil {
		return StatusRuntimeError, err.Error()
	}
	return StatusRuntimeError, "guest exited without a result"
}

type capped struct {
	buf bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capped) String() string { return c.buf.String() }
