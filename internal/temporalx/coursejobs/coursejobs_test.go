package coursejobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/xblockcore/internal/assets"
	"github.com/yungbote/xblockcore/internal/blocks"
	"github.com/yungbote/xblockcore/internal/data/repos/testutil"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/xmlimport"
)

type fakeImporter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeImporter) Import(ctx context.Context, dir string, opts xmlimport.Options) (*xmlimport.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &xmlimport.Result{
		Course:       keys.MustCourseKey("course-v1:" + opts.Org + "+demo+" + opts.Run),
		Blocks:       4,
		Assets:       1,
		Version:      2,
		UnknownTypes: []string{"poll"},
	}, nil
}

type fakePruner struct {
	removed int
}

func (f *fakePruner) PruneHistory(ctx context.Context, key keys.CourseKey, keep int) (int, error) {
	return f.removed, nil
}

func newWorkflowEnv(t *testing.T, acts *Activities) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(ImportCourseWorkflow, workflow.RegisterOptions{Name: ImportWorkflowName})
	env.RegisterWorkflowWithOptions(PruneHistoryWorkflow, workflow.RegisterOptions{Name: PruneWorkflowName})
	env.RegisterActivityWithOptions(acts.ImportCourse, activity.RegisterOptions{Name: ActivityImport})
	env.RegisterActivityWithOptions(acts.PruneHistory, activity.RegisterOptions{Name: ActivityPrune})
	return env
}

func TestImportCourseWorkflow(t *testing.T) {
	imp := &fakeImporter{}
	env := newWorkflowEnv(t, &Activities{Log: testutil.Logger(t), Importer: imp, Store: &fakePruner{}})

	env.ExecuteWorkflow(ImportCourseWorkflow, ImportRequest{Dir: "/olx/demo", Org: "org", Run: "2024", Publish: true})
	if !env.IsWorkflowCompleted() {
		t.Fatal("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	var out ImportResult
	if err := env.GetWorkflowResult(&out); err != nil {
		t.Fatalf("GetWorkflowResult: %v", err)
	}
	if out.Course != "course-v1:org+demo+2024" || out.Blocks != 4 || len(out.UnknownTypes) != 1 {
		t.Fatalf("result: %+v", out)
	}
}

func TestImportCourseWorkflowDoesNotRetryBadArchives(t *testing.T) {
	imp := &fakeImporter{err: &xmlimport.ImportError{Path: "course.xml", Err: errors.New("unexpected EOF")}}
	env := newWorkflowEnv(t, &Activities{Log: testutil.Logger(t), Importer: imp, Store: &fakePruner{}})

	env.ExecuteWorkflow(ImportCourseWorkflow, ImportRequest{Dir: "/olx/broken"})
	err := env.GetWorkflowError()
	if err == nil {
		t.Fatal("expected workflow error")
	}
	var app *temporal.ApplicationError
	if !errors.As(err, &app) {
		t.Fatalf("want ApplicationError, got %T: %v", err, err)
	}
	if app.Type() != "import_error" || !app.NonRetryable() {
		t.Fatalf("application error: type=%q nonRetryable=%v", app.Type(), app.NonRetryable())
	}
	if got := imp.calls.Load(); got != 1 {
		t.Fatalf("import attempts: want=1 got=%d", got)
	}
}

func TestImportCourseRequiresDir(t *testing.T) {
	imp := &fakeImporter{}
	acts := &Activities{Importer: imp}
	_, err := acts.ImportCourse(context.Background(), ImportRequest{Dir: "  "})
	if err == nil || imp.calls.Load() != 0 {
		t.Fatalf("blank dir: err=%v calls=%d", err, imp.calls.Load())
	}
}

func TestPruneHistoryWorkflow(t *testing.T) {
	env := newWorkflowEnv(t, &Activities{Log: testutil.Logger(t), Importer: &fakeImporter{}, Store: &fakePruner{removed: 3}})
	env.ExecuteWorkflow(PruneHistoryWorkflow, PruneRequest{Course: "course-v1:org+demo+2024+branch@draft", Keep: 2})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	var out PruneResult
	if err := env.GetWorkflowResult(&out); err != nil {
		t.Fatalf("GetWorkflowResult: %v", err)
	}
	if out.Removed != 3 || out.Course != "course-v1:org+demo+2024" {
		t.Fatalf("result: %+v", out)
	}

	env = newWorkflowEnv(t, &Activities{Importer: &fakeImporter{}, Store: &fakePruner{}})
	env.ExecuteWorkflow(PruneHistoryWorkflow, PruneRequest{Course: "not a key"})
	var app *temporal.ApplicationError
	if err := env.GetWorkflowError(); !errors.As(err, &app) || app.Type() != "invalid_key" {
		t.Fatalf("bad key: %v", err)
	}
}

func TestInlineDispatcherRunsAgainstStore(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	reg, err := blocks.NewRegistry(log)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := modulestore.New(db, log, modulestore.Options{})
	acts := &Activities{
		Log:      log,
		Importer: xmlimport.New(store, assets.NewStore(db, log, assets.NewMemoryBlobs()), reg, log),
		Store:    store,
	}
	d := NewDispatcher(nil, "", acts)

	dir := testutil.WriteTree(t, map[string]string{
		"course.xml":       `<course url_name="r1" org="acme" course="intro"/>`,
		"course/r1.xml":    `<course display_name="Intro"><chapter url_name="c1"><html url_name="h1">Hello</html></chapter></course>`,
		"static/notes.txt": "notes",
	})
	res, err := d.ImportCourse(ctx, ImportRequest{Dir: dir, User: "ops"})
	if err != nil {
		t.Fatalf("ImportCourse: %v", err)
	}
	if res.Course != "course-v1:acme+intro+r1" || res.Blocks != 3 || res.Assets != 1 {
		t.Fatalf("import result: %+v", res)
	}

	_, err = d.ImportCourse(ctx, ImportRequest{Dir: dir})
	if !errors.Is(err, xerr.ErrInvalidArgument) {
		t.Fatalf("re-import: want ErrInvalidArgument, got %v", err)
	}

	course := keys.MustCourseKey(res.Course)
	h1 := course.MakeUsageKey("html", "h1")
	for i := 0; i < 2; i++ {
		data, _ := json.Marshal(fmt.Sprintf("Hello %d", i))
		if _, err := store.UpdateBlock(ctx, h1, modulestore.BlockUpdate{Fields: map[string]json.RawMessage{"data": data}}); err != nil {
			t.Fatalf("UpdateBlock: %v", err)
		}
	}
	pruned, err := d.PruneHistory(ctx, PruneRequest{Course: res.Course, Keep: 1})
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if pruned.Removed == 0 {
		t.Fatalf("prune removed nothing: %+v", pruned)
	}

	_, err = d.PruneHistory(ctx, PruneRequest{Course: "course-v1:acme+ghost+r1", Keep: 1})
	if !errors.Is(err, xerr.ErrCourseNotFound) {
		t.Fatalf("prune unknown course: %v", err)
	}
}
