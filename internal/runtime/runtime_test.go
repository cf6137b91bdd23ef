package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/yungbote/xblockcore/internal/blocks"
	"github.com/yungbote/xblockcore/internal/completion"
	"github.com/yungbote/xblockcore/internal/data/repos/testutil"
	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/fielddata"
	"github.com/yungbote/xblockcore/internal/modulestore"
	"github.com/yungbote/xblockcore/internal/xblock"
)

var testCourse = keys.MustCourseKey("course-v1:org+cs101+2024")

var alice = xblock.User{ID: "alice", Username: "alice", Locale: "en"}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

type scoreRequest struct {
	Score int64 `json:"score"`
}

// scorerClass stores a user_state score and reports score/10 as completion.
var scorerClass = &xblock.Class{
	Type: "scorer",
	Fields: []fields.Field{
		{Name: "score", Scope: fields.ScopeUserState, Type: fields.Integer, Default: fields.Static(0)},
	},
	Views: map[string]xblock.ViewFunc{
		xblock.StudentView: func(ctx context.Context, b xblock.Block) (*xblock.Fragment, error) {
			return xblock.NewFragment(fmt.Sprintf("score=%d", b.Core().GetInt("score"))), nil
		},
	},
	Handlers: map[string]xblock.HandlerFunc{
		"set_score": func(ctx context.Context, blk xblock.Block, req xblock.Request) xblock.HandlerResult {
			var in scoreRequest
			if err := req.Decode(&in); err != nil {
				return xblock.ErrorResult{Err: err}
			}
			if err := blk.Core().Set("score", in.Score); err != nil {
				return xblock.ErrorResult{Err: err}
			}
			svc, err := xblock.Completion(blk)
			if err != nil {
				return xblock.ErrorResult{Err: err}
			}
			if err := svc.Publish(blk.Core().Usage(), float64(in.Score)/10); err != nil {
				return xblock.ErrorResult{Err: err}
			}
			return xblock.Rendered{Value: in.Score}
		},
		"bump": func(ctx context.Context, blk xblock.Block, req xblock.Request) xblock.HandlerResult {
			fd, err := xblock.FieldData(blk)
			if err != nil {
				return xblock.ErrorResult{Err: err}
			}
			cur, err := fd.Get(blk, "score")
			if err != nil {
				return xblock.ErrorResult{Err: err}
			}
			next := cur.(int64) + 1
			if err := fd.Set(blk, "score", next); err != nil {
				return xblock.ErrorResult{Err: err}
			}
			return xblock.Rendered{Value: next}
		},
	},
}

type env struct {
	db      *gorm.DB
	store   *modulestore.Store
	stream  *completion.Stream
	rt      *Runtime
	mu      sync.Mutex
	signals []xblock.Signal
}

// newEnv builds a runtime over db; calling it twice on one db simulates a
// process restart.
func newEnv(t *testing.T, db *gorm.DB, opts Options) *env {
	t.Helper()
	log := testutil.Logger(t)
	reg := xblock.NewRegistry()
	if err := blocks.RegisterBuiltins(reg, log); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	reg.MustRegister(scorerClass)
	reg.Freeze()

	e := &env{db: db}
	e.store = modulestore.New(db, log, modulestore.Options{})
	e.stream = completion.NewStream(db, log, completion.Options{Store: e.store})
	e.rt = New(Services{
		Store:      e.store,
		Registry:   reg,
		FieldData:  fielddata.NewSplitStore(fielddata.NewDefinitionStore(e.store, modulestore.Draft), fielddata.NewSQLStore(db, log)),
		Completion: e.stream,
		OnSignal: func(ctx context.Context, sig xblock.Signal) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.signals = append(e.signals, sig)
		},
	}, opts, log)
	return e
}

func (e *env) createCourse(t *testing.T) *modulestore.Course {
	t.Helper()
	c, err := e.store.CreateCourse(context.Background(), testCourse, nil, "author")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	return c
}

func (e *env) create(t *testing.T, parent keys.UsageKey, blockType, id string, f map[string]json.RawMessage) keys.UsageKey {
	t.Helper()
	u, err := e.store.CreateBlock(context.Background(), parent, blockType, f, modulestore.CreateOptions{BlockID: id})
	if err != nil {
		t.Fatalf("CreateBlock %s: %v", id, err)
	}
	return u.Canonical()
}

func (e *env) render(t *testing.T, branch modulestore.Branch, u keys.UsageKey) *xblock.Fragment {
	t.Helper()
	rc := e.rt.NewRequest(context.Background(), alice, branch)
	defer rc.Close()
	blk, err := rc.LoadBlock(u)
	if err != nil {
		t.Fatalf("LoadBlock %s: %v", u, err)
	}
	frag, err := rc.Render(blk, xblock.StudentView)
	if err != nil {
		t.Fatalf("Render %s: %v", u, err)
	}
	return frag
}

func (e *env) handle(t *testing.T, u keys.UsageKey, name string, body any) xblock.HandlerResult {
	t.Helper()
	rc := e.rt.NewRequest(context.Background(), alice, modulestore.Draft)
	defer rc.Close()
	blk, err := rc.LoadBlock(u)
	if err != nil {
		t.Fatalf("LoadBlock %s: %v", u, err)
	}
	return rc.Handle(blk, name, xblock.Request{Method: "POST", Body: raw(body)})
}

func TestCreateRenderSaveSurvivesRestart(t *testing.T) {
	db := testutil.DB(t)
	e := newEnv(t, db, Options{})
	course := e.createCourse(t)
	h := e.create(t, course.RootUsage, "html", "intro", map[string]json.RawMessage{"data": raw("hello")})

	if body := e.render(t, modulestore.Draft, h).BodyHTML; !strings.Contains(body, "hello") {
		t.Fatalf("first render: want hello got=%s", body)
	}
	if res, ok := e.handle(t, h, "set_value", map[string]string{"data": "world"}).(xblock.Rendered); !ok {
		t.Fatalf("set_value: want Rendered got=%#v", res)
	}
	if body := e.render(t, modulestore.Draft, h).BodyHTML; !strings.Contains(body, "world") {
		t.Fatalf("render after set_value: want world got=%s", body)
	}

	restarted := newEnv(t, db, Options{})
	if body := restarted.render(t, modulestore.Draft, h).BodyHTML; !strings.Contains(body, "world") || strings.Contains(body, "hello") {
		t.Fatalf("render after restart: want world got=%s", body)
	}
}

func TestRenderComposesChildrenAndErrorBlocks(t *testing.T) {
	e := newEnv(t, testutil.DB(t), Options{})
	course := e.createCourse(t)
	v := e.create(t, course.RootUsage, "vertical", "v1", map[string]json.RawMessage{"display_name": raw("Unit 1")})
	e.create(t, v, "html", "a", map[string]json.RawMessage{"data": raw("first")})
	bad := e.create(t, v, "nonsense_block", "x", nil)
	e.create(t, v, "html", "b", map[string]json.RawMessage{"data": raw("second")})

	frag := e.render(t, modulestore.Draft, v)
	body := frag.BodyHTML
	for _, want := range []string{"Unit 1", "first", "second", `data-error-kind="unknown_block_type"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("composed body missing %q: %s", want, body)
		}
	}
	if strings.Index(body, "first") > strings.Index(body, "second") {
		t.Fatalf("children out of order: %s", body)
	}
	if strings.Contains(body, "{{child:") {
		t.Fatalf("placeholder left in body: %s", body)
	}
	if frag.ErrorKind != "" {
		t.Fatalf("parent must render normally: error_kind=%q", frag.ErrorKind)
	}
	if got := e.render(t, modulestore.Draft, bad).ErrorKind; got != "unknown_block_type" {
		t.Fatalf("error block kind: want unknown_block_type got=%q", got)
	}
}

func TestMaxDepth(t *testing.T) {
	e := newEnv(t, testutil.DB(t), Options{MaxDepth: 1})
	course := e.createCourse(t)
	ch := e.create(t, course.RootUsage, "chapter", "ch", nil)
	v := e.create(t, ch, "vertical", "v", nil)
	e.create(t, v, "html", "h", nil)

	rc := e.rt.NewRequest(context.Background(), alice, modulestore.Draft)
	defer rc.Close()
	root, err := rc.LoadBlock(course.RootUsage)
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	if _, err := rc.Render(root, xblock.StudentView); !errors.Is(err, ErrMaxDepth) {
		t.Fatalf("deep render: want ErrMaxDepth got=%v", err)
	}
}

func TestRenderStopsWhenCancelled(t *testing.T) {
	e := newEnv(t, testutil.DB(t), Options{})
	course := e.createCourse(t)
	v := e.create(t, course.RootUsage, "vertical", "v", nil)
	e.create(t, v, "html", "h", nil)

	ctx, cancel := context.WithCancel(context.Background())
	rc := e.rt.NewRequest(ctx, alice, modulestore.Draft)
	blk, err := rc.LoadBlock(v)
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	cancel()
	if _, err := rc.Render(blk, xblock.StudentView); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled render: want context.Canceled got=%v", err)
	}
}

func TestHandlerErrorsDiscardState(t *testing.T) {
	e := newEnv(t, testutil.DB(t), Options{})
	course := e.createCourse(t)
	h := e.create(t, course.RootUsage, "html", "h", map[string]json.RawMessage{"data": raw("keep")})

	res := e.handle(t, h, "no_such_handler", nil)
	if er, ok := res.(xblock.ErrorResult); !ok || !errors.Is(er.Err, ErrHandlerNotFound) {
		t.Fatalf("unknown handler: want ErrHandlerNotFound got=%#v", res)
	}

	rc := e.rt.NewRequest(context.Background(), alice, modulestore.Draft)
	blk, err := rc.LoadBlock(h)
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	if err := blk.Core().Set("data", "unsaved"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := rc.Handle(blk, "set_value", xblock.Request{Body: raw(map[string]any{})}).(xblock.ErrorResult); !ok {
		t.Fatalf("set_value without data: want ErrorResult")
	}
	if blk.Core().State() != xblock.StateDisposed {
		t.Fatalf("failed handler: want disposed got=%s", blk.Core().State())
	}
	if err := rc.Evict(blk); err != nil {
		t.Fatalf("Evict disposed block: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if body := e.render(t, modulestore.Draft, h).BodyHTML; !strings.Contains(body, "keep") {
		t.Fatalf("discarded write leaked: %s", body)
	}
}

func TestEvictRefusesDirty(t *testing.T) {
	e := newEnv(t, testutil.DB(t), Options{})
	course := e.createCourse(t)
	s := e.create(t, course.RootUsage, "scorer", "s", nil)

	rc := e.rt.NewRequest(context.Background(), alice, modulestore.Draft)
	blk, err := rc.LoadBlock(s)
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	if err := blk.Core().Set("score", int64(3)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := rc.Evict(blk); !errors.Is(err, ErrEvictDirty) {
		t.Fatalf("Evict dirty: want ErrEvictDirty got=%v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if body := e.render(t, modulestore.Draft, s).BodyHTML; !strings.Contains(body, "score=3") {
		t.Fatalf("Close must save dirty blocks: %s", body)
	}
}

func TestConcurrentScoreWritesRecordTwoEvents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.DB(t), Options{})
	course := e.createCourse(t)
	s := e.create(t, course.RootUsage, "scorer", "s", nil)

	rc := e.rt.NewRequest(ctx, alice, modulestore.Draft)
	blk, err := rc.LoadBlock(s)
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	if err := blk.Core().Set("score", int64(5)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := rc.Save(blk); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = rc.Close()

	var wg sync.WaitGroup
	for _, score := range []int64{6, 7} {
		wg.Add(1)
		go func(score int64) {
			defer wg.Done()
			rc := e.rt.NewRequest(ctx, alice, modulestore.Draft)
			defer rc.Close()
			blk, err := rc.LoadBlock(s)
			if err != nil {
				t.Errorf("LoadBlock: %v", err)
				return
			}
			if _, ok := rc.Handle(blk, "set_score", xblock.Request{Body: raw(map[string]int64{"score": score})}).(xblock.Rendered); !ok {
				t.Errorf("set_score %d failed", score)
			}
		}(score)
	}
	wg.Wait()

	body := e.render(t, modulestore.Draft, s).BodyHTML
	if !strings.Contains(body, "score=6") && !strings.Contains(body, "score=7") {
		t.Fatalf("final score: want 6 or 7 got=%s", body)
	}
	evs, err := e.stream.Events(ctx, "alice", testCourse)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events: want=2 got=%d", len(evs))
	}
	if evs[0].Seq != 1 || evs[1].Seq != 2 {
		t.Fatalf("event order: got seqs %d,%d", evs[0].Seq, evs[1].Seq)
	}
	seen := map[float64]bool{evs[0].Fraction: true, evs[1].Fraction: true}
	if !seen[0.6] || !seen[0.7] {
		t.Fatalf("event fractions: got=%v", seen)
	}
}

func TestPublishedReadsSeeOneSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.DB(t), Options{})
	course := e.createCourse(t)
	v := e.create(t, course.RootUsage, "vertical", "v", nil)
	var leaves []keys.UsageKey
	for _, id := range []string{"a", "b", "c"} {
		leaves = append(leaves, e.create(t, v, "html", id, map[string]json.RawMessage{"data": raw("old-" + id)}))
	}
	if _, err := e.store.Publish(ctx, testCourse); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, u := range leaves {
		if _, err := e.store.UpdateBlock(ctx, u.ForBranch(string(modulestore.Draft)), modulestore.BlockUpdate{
			Fields: map[string]json.RawMessage{"data": raw(fmt.Sprintf("new-%c", 'a'+i))},
		}); err != nil {
			t.Fatalf("UpdateBlock: %v", err)
		}
	}
	if body := e.render(t, modulestore.Published, v).BodyHTML; strings.Contains(body, "new-") {
		t.Fatalf("draft edits visible before publish: %s", body)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	bad := make(chan string, 1)
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rc := e.rt.NewRequest(ctx, alice, modulestore.Published)
				blk, err := rc.LoadBlock(v)
				if err != nil {
					rc.Close()
					continue
				}
				frag, err := rc.Render(blk, xblock.StudentView)
				rc.Close()
				if err != nil {
					continue
				}
				olds, news := strings.Count(frag.BodyHTML, "old-"), strings.Count(frag.BodyHTML, "new-")
				if olds != 3 && news != 3 {
					select {
					case bad <- frag.BodyHTML:
					default:
					}
					return
				}
			}
		}()
	}
	if _, err := e.store.Publish(ctx, testCourse); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	close(stop)
	wg.Wait()
	select {
	case body := <-bad:
		t.Fatalf("mixed snapshot: %s", body)
	default:
	}
	if body := e.render(t, modulestore.Published, v).BodyHTML; strings.Count(body, "new-") != 3 {
		t.Fatalf("after publish: want all new got=%s", body)
	}
}

func TestPublishedBranchRejectsWrites(t *testing.T) {
	e := newEnv(t, testutil.DB(t), Options{})
	course := e.createCourse(t)
	h := e.create(t, course.RootUsage, "html", "h", map[string]json.RawMessage{"data": raw("x")})
	if _, err := e.store.Publish(context.Background(), testCourse); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rc := e.rt.NewRequest(context.Background(), alice, modulestore.Published)
	defer rc.Close()
	blk, err := rc.LoadBlock(h)
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	res := rc.Handle(blk, "set_value", xblock.Request{Body: raw(map[string]string{"data": "y"})})
	if er, ok := res.(xblock.ErrorResult); !ok || !errors.Is(er.Err, modulestore.ErrReadOnly) {
		t.Fatalf("published write: want ErrReadOnly got=%#v", res)
	}
}

func TestSignalsAndCompletionFireAfterSave(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.DB(t), Options{})
	course := e.createCourse(t)
	d := e.create(t, course.RootUsage, "discussion", "d", nil)
	h := e.create(t, course.RootUsage, "html", "h", nil)

	if _, ok := e.handle(t, d, "post", map[string]string{"body": "hi"}).(xblock.Rendered); !ok {
		t.Fatalf("post failed")
	}
	e.mu.Lock()
	got := append([]xblock.Signal{}, e.signals...)
	e.mu.Unlock()
	if len(got) != 1 || got[0].Kind != xblock.SignalDiscussionChanged || got[0].Course != testCourse || got[0].UserID != "alice" {
		t.Fatalf("signals: got=%+v", got)
	}

	if _, ok := e.handle(t, h, "mark_viewed", nil).(xblock.Rendered); !ok {
		t.Fatalf("mark_viewed failed")
	}
	fr, err := e.stream.Fractions(ctx, "alice", testCourse)
	if err != nil {
		t.Fatalf("Fractions: %v", err)
	}
	if fr[h] != 1 {
		t.Fatalf("completion after save: want=1 got=%v", fr)
	}
}

func TestFieldDataServiceWritesPersist(t *testing.T) {
	db := testutil.DB(t)
	e := newEnv(t, db, Options{})
	course := e.createCourse(t)
	u := e.create(t, course.RootUsage, "scorer", "s1", nil)

	for want := int64(1); want <= 2; want++ {
		res, ok := e.handle(t, u, "bump", nil).(xblock.Rendered)
		if !ok || res.Value != want {
			t.Fatalf("bump %d: got=%#v", want, res)
		}
	}
	restarted := newEnv(t, db, Options{})
	if body := restarted.render(t, modulestore.Draft, u).BodyHTML; !strings.Contains(body, "score=2") {
		t.Fatalf("render after restart: want score=2 got=%s", body)
	}

	rc := e.rt.NewRequest(context.Background(), alice, modulestore.Draft)
	defer rc.Close()
	blk, err := rc.LoadBlock(u)
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	if _, err := blk.Core().Service(xblock.ServiceFieldData); err != nil {
		t.Fatalf("field-data service: %v", err)
	}
	other := e.rt.NewRequest(context.Background(), alice, modulestore.Draft)
	defer other.Close()
	svc, _ := other.Service(xblock.ServiceFieldData)
	if err := svc.(xblock.FieldDataService).Set(blk, "score", int64(9)); !errors.Is(err, ErrForeignBlock) {
		t.Fatalf("write through another request: want ErrForeignBlock got=%v", err)
	}
	if err := svc.(xblock.FieldDataService).Set(nil, "score", int64(9)); err == nil {
		t.Fatal("nil block must be rejected")
	}
}

func TestServices(t *testing.T) {
	e := newEnv(t, testutil.DB(t), Options{})
	rc := e.rt.NewRequest(context.Background(), xblock.User{ID: "bob", Locale: "es"}, "")
	defer rc.Close()
	if rc.Branch() != modulestore.Draft {
		t.Fatalf("default branch: want draft got=%s", rc.Branch())
	}
	svc, err := rc.Service(xblock.ServiceUser)
	if err != nil || svc.(xblock.UserService).CurrentUser().ID != "bob" {
		t.Fatalf("user service: got=%v err=%v", svc, err)
	}
	if _, err := rc.Service(xblock.ServiceSandbox); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("sandbox without runner: want ErrServiceUnavailable got=%v", err)
	}
	a, _ := rc.Service(xblock.ServiceAsset)
	if got := a.(xblock.AssetService).URLFor(testCourse, "img/logo.png"); got != "/static/img/logo.png" {
		t.Fatalf("asset fallback: got=%s", got)
	}
	c, _ := rc.Service(xblock.ServiceCompletion)
	if err := c.(xblock.CompletionService).Publish(testCourse.MakeUsageKey("html", "h"), 2); err == nil {
		t.Fatalf("fraction 2 must be rejected")
	}
}
