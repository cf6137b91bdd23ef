package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/temporalx"
	"github.com/yungbote/xblockcore/internal/temporalx/coursejobs"
)

type Runner struct {
	log  *logger.Logger
	cfg  temporalx.Config
	tc   temporalsdkclient.Client
	acts *coursejobs.Activities
}

func NewRunner(log *logger.Logger, cfg temporalx.Config, tc temporalsdkclient.Client, acts *coursejobs.Activities) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if acts == nil || acts.Importer == nil || acts.Store == nil {
		return nil, fmt.Errorf("temporal worker missing deps")
	}
	return &Runner{log: log, cfg: cfg, tc: tc, acts: acts}, nil
}

// Start polls the task queue until ctx is cancelled, retrying worker start
// for up to cfg.DialMaxWait.
func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporal worker not initialized")
	}
	cfg := r.cfg
	r.log.Info("Starting Temporal worker", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)

	deadline := time.Now().Add(cfg.DialMaxWait)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		w := r.newWorker()
		startErr := w.Start()
		if startErr == nil {
			go func() {
				<-ctx.Done()
				w.Stop()
			}()
			r.log.Info("Temporal worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempts", attempt)
			return nil
		}
		w.Stop()

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) && cfg.AutoRegister {
			if err := temporalx.EnsureNamespace(ctx, cfg, r.log); err != nil {
				r.log.Warn("Temporal namespace ensure failed", "namespace", cfg.Namespace, "error", err)
			}
		}
		if cfg.DialMaxWait <= 0 || time.Now().After(deadline) {
			if errors.As(startErr, &nfe) {
				return fmt.Errorf("temporal namespace not found (namespace=%s): %w", cfg.Namespace, startErr)
			}
			return startErr
		}
		r.log.Warn("Temporal worker failed to start; retrying", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempt", attempt, "error", startErr)
		time.Sleep(temporalx.ClampBackoff(cfg.DialBackoff, cfg.DialBackoffMax, attempt))
	}
}

func (r *Runner) newWorker() worker.Worker {
	concurrency := r.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w := worker.New(r.tc, r.cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})
	w.RegisterWorkflowWithOptions(coursejobs.ImportCourseWorkflow, workflow.RegisterOptions{Name: coursejobs.ImportWorkflowName})
	w.RegisterWorkflowWithOptions(coursejobs.PruneHistoryWorkflow, workflow.RegisterOptions{Name: coursejobs.PruneWorkflowName})
	w.RegisterActivityWithOptions(r.acts.ImportCourse, activity.RegisterOptions{Name: coursejobs.ActivityImport})
	w.RegisterActivityWithOptions(r.acts.PruneHistory, activity.RegisterOptions{Name: coursejobs.ActivityPrune})
	return w
}
