package coursejobs

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
}

// ImportCourseWorkflow imports one OLX directory. The import is a single
// transaction, so a retried activity either finds the course already
// committed and fails, or starts over on a clean store.
func ImportCourseWorkflow(ctx workflow.Context, req ImportRequest) (ImportResult, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(30*time.Minute))
	var out ImportResult
	err := workflow.ExecuteActivity(ctx, ActivityImport, req).Get(ctx, &out)
	return out, err
}

func PruneHistoryWorkflow(ctx workflow.Context, req PruneRequest) (PruneResult, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(10*time.Minute))
	var out PruneResult
	err := workflow.ExecuteActivity(ctx, ActivityPrune, req).Get(ctx, &out)
	return out, err
}
