package coursejobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
)

// Dispatcher starts course jobs and waits for their result.
type Dispatcher interface {
	ImportCourse(ctx context.Context, req ImportRequest) (ImportResult, error)
	PruneHistory(ctx context.Context, req PruneRequest) (PruneResult, error)
}

// NewDispatcher runs jobs on Temporal when tc is set, otherwise in-process.
func NewDispatcher(tc temporalsdkclient.Client, taskQueue string, acts *Activities) Dispatcher {
	if tc == nil {
		return inline{acts: acts}
	}
	return &temporalDispatcher{tc: tc, taskQueue: taskQueue}
}

type inline struct{ acts *Activities }

func (d inline) ImportCourse(ctx context.Context, req ImportRequest) (ImportResult, error) {
	res, err := d.acts.ImportCourse(ctx, req)
	return res, unwrapApplication(err)
}

func (d inline) PruneHistory(ctx context.Context, req PruneRequest) (PruneResult, error) {
	res, err := d.acts.PruneHistory(ctx, req)
	return res, unwrapApplication(err)
}

// unwrapApplication returns the cause wrapped by an activity's
// ApplicationError so inline callers see the same sentinels as the store.
func unwrapApplication(err error) error {
	var app *temporal.ApplicationError
	if errors.As(err, &app) {
		if cause := errors.Unwrap(app); cause != nil {
			return cause
		}
	}
	return err
}

type temporalDispatcher struct {
	tc        temporalsdkclient.Client
	taskQueue string
}

func (d *temporalDispatcher) ImportCourse(ctx context.Context, req ImportRequest) (ImportResult, error) {
	var out ImportResult
	run, err := d.tc.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:        "import:" + uuid.NewString(),
		TaskQueue: d.taskQueue,
	}, ImportWorkflowName, req)
	if err != nil {
		return out, fmt.Errorf("start import workflow: %w", err)
	}
	err = run.Get(ctx, &out)
	return out, err
}

func (d *temporalDispatcher) PruneHistory(ctx context.Context, req PruneRequest) (PruneResult, error) {
	var out PruneResult
	run, err := d.tc.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		// One prune per course at a time.
		ID:        "prune:" + req.Course,
		TaskQueue: d.taskQueue,
	}, PruneWorkflowName, req)
	if err != nil {
		return out, fmt.Errorf("start prune workflow: %w", err)
	}
	err = run.Get(ctx, &out)
	return out, err
}
