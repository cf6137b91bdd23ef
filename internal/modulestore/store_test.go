package modulestore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/yungbote/xblockcore/internal/data/repos/testutil"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(testutil.DB(t), testutil.Logger(t), Options{})
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func fieldString(t *testing.T, def *BlockDefinition, name string) string {
	t.Helper()
	r, ok := def.Field(name)
	if !ok {
		t.Fatalf("field %s missing on %s", name, def.Usage)
	}
	var s string
	if err := json.Unmarshal(r, &s); err != nil {
		t.Fatalf("field %s: %v", name, err)
	}
	return s
}

func TestCreateCourseAndBlocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+cs101+2024")

	course, err := s.CreateCourse(ctx, ck, map[string]json.RawMessage{"display_name": raw("CS101")}, "author")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	if course.Root == nil || course.Root.BlockType != RootBlockType {
		t.Fatalf("CreateCourse root: got=%+v", course.Root)
	}
	if _, err := s.CreateCourse(ctx, ck, nil, "author"); !errors.Is(err, ErrCourseExists) {
		t.Fatalf("CreateCourse twice: want ErrCourseExists got=%v", err)
	}

	chapter, err := s.CreateBlock(ctx, course.RootUsage, "chapter", map[string]json.RawMessage{"display_name": raw("Week 1")}, CreateOptions{BlockID: "week1"})
	if err != nil {
		t.Fatalf("CreateBlock chapter: %v", err)
	}
	h1, err := s.CreateBlock(ctx, chapter, "html", map[string]json.RawMessage{"data": raw("one")}, CreateOptions{BlockID: "h1"})
	if err != nil {
		t.Fatalf("CreateBlock h1: %v", err)
	}
	h2, err := s.CreateBlock(ctx, chapter, "html", map[string]json.RawMessage{"data": raw("two")}, CreateOptions{BlockID: "h2"})
	if err != nil {
		t.Fatalf("CreateBlock h2: %v", err)
	}
	if _, err := s.CreateBlock(ctx, chapter, "html", nil, CreateOptions{BlockID: "h2"}); !errors.Is(err, ErrBlockExists) {
		t.Fatalf("CreateBlock duplicate: want ErrBlockExists got=%v", err)
	}

	children, err := s.GetChildren(ctx, chapter)
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	if len(children) != 2 || children[0].Usage.BlockID != "h1" || children[1].Usage.BlockID != "h2" {
		t.Fatalf("GetChildren: got=%v", children)
	}
	if got := fieldString(t, children[1], "data"); got != "two" {
		t.Fatalf("child data: want=two got=%q", got)
	}

	if _, err := s.UpdateBlock(ctx, chapter, BlockUpdate{Children: []keys.UsageKey{h2, h1}}); err != nil {
		t.Fatalf("UpdateBlock reorder: %v", err)
	}
	children, err = s.GetChildren(ctx, chapter)
	if err != nil {
		t.Fatalf("GetChildren after reorder: %v", err)
	}
	if children[0].Usage.BlockID != "h2" {
		t.Fatalf("reorder: want h2 first got=%s", children[0].Usage.BlockID)
	}

	if _, err := s.GetBlock(ctx, ck.MakeUsageKey("html", "missing")); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("GetBlock missing: want ErrBlockNotFound got=%v", err)
	}
	if _, err := s.GetCourse(ctx, keys.MustCourseKey("course-v1:org+none+2024")); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("GetCourse missing: want ErrCourseNotFound got=%v", err)
	}
}

func TestBlockFieldsKeepMarkupAndNumbers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+cs102+2024")
	course, err := s.CreateCourse(ctx, ck, nil, "author")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	in := map[string]json.RawMessage{
		"data":   json.RawMessage(`"<p>a & b</p>"`),
		"weight": json.RawMessage(`0.5`),
		"max":    json.RawMessage(`6`),
	}
	u, err := s.CreateBlock(ctx, course.RootUsage, "html", in, CreateOptions{BlockID: "h1"})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	def, err := s.GetBlock(ctx, u)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	for name, want := range in {
		if got, _ := def.Field(name); string(got) != string(want) {
			t.Fatalf("field %s: want=%s got=%s", name, want, got)
		}
	}
}

func TestUpdateBlockVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+ver+1")
	course, err := s.CreateCourse(ctx, ck, nil, "a")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	html, err := s.CreateBlock(ctx, course.RootUsage, "html", map[string]json.RawMessage{"data": raw("v1"), "display_name": raw("Intro")}, CreateOptions{BlockID: "intro", User: "a"})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	before, err := s.GetBlock(ctx, html)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}

	v, err := s.UpdateBlock(ctx, html, BlockUpdate{Fields: map[string]json.RawMessage{"data": raw("v2"), "display_name": json.RawMessage("null")}, User: "b", ExpectedVersion: before.Version})
	if err != nil {
		t.Fatalf("UpdateBlock: %v", err)
	}
	if v <= before.Version {
		t.Fatalf("version: want > %d got=%d", before.Version, v)
	}
	after, err := s.GetBlock(ctx, html)
	if err != nil {
		t.Fatalf("GetBlock after: %v", err)
	}
	if after.PreviousVersion != before.Version || after.EditedBy != "b" {
		t.Fatalf("revision meta: got prev=%d by=%q", after.PreviousVersion, after.EditedBy)
	}
	if _, ok := after.Field("display_name"); ok {
		t.Fatalf("null field should be removed")
	}
	if got := fieldString(t, after, "data"); got != "v2" {
		t.Fatalf("data: want=v2 got=%q", got)
	}

	_, err = s.UpdateBlock(ctx, html, BlockUpdate{Fields: map[string]json.RawMessage{"data": raw("stale")}, ExpectedVersion: before.Version})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("stale update: want ErrConcurrentUpdate got=%v", err)
	}

	hist, err := s.History(ctx, html)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Version != after.Version {
		t.Fatalf("History: got=%d entries", len(hist))
	}
}

func TestCycleRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+cyc+1")
	course, err := s.CreateCourse(ctx, ck, nil, "a")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	a, _ := s.CreateBlock(ctx, course.RootUsage, "vertical", nil, CreateOptions{BlockID: "a"})
	b, _ := s.CreateBlock(ctx, a, "vertical", nil, CreateOptions{BlockID: "b"})
	c, err := s.CreateBlock(ctx, b, "vertical", nil, CreateOptions{BlockID: "c"})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	if _, err := s.UpdateBlock(ctx, c, BlockUpdate{Children: []keys.UsageKey{a}}); !errors.Is(err, ErrCycle) {
		t.Fatalf("c->a: want ErrCycle got=%v", err)
	}
	if _, err := s.UpdateBlock(ctx, a, BlockUpdate{Children: []keys.UsageKey{a}}); !errors.Is(err, ErrCycle) {
		t.Fatalf("self: want ErrCycle got=%v", err)
	}
	if _, err := s.UpdateBlock(ctx, a, BlockUpdate{Children: []keys.UsageKey{ck.MakeUsageKey("html", "ghost")}}); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("ghost child: want ErrBlockNotFound got=%v", err)
	}
	other := keys.MustCourseKey("course-v1:org+other+1").MakeUsageKey("html", "x")
	if _, err := s.UpdateBlock(ctx, a, BlockUpdate{Children: []keys.UsageKey{other}}); !errors.Is(err, ErrForeignChild) {
		t.Fatalf("foreign child: want ErrForeignChild got=%v", err)
	}

	children, err := s.GetChildren(ctx, c)
	if err != nil || len(children) != 0 {
		t.Fatalf("failed updates must not change state: children=%v err=%v", children, err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+tx+1")
	boom := errors.New("boom")

	err := s.WithTx(ctx, ck, TxOptions{Create: true, User: "importer"}, func(w Writer) error {
		root := w.Course().RootUsage
		if _, err := w.CreateBlock(root, "html", nil, CreateOptions{BlockID: "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx: want boom got=%v", err)
	}
	if _, err := s.GetCourse(ctx, ck); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("course must not exist after rollback: %v", err)
	}

	err = s.WithTx(ctx, ck, TxOptions{Create: true}, func(w Writer) error {
		root := w.Course().RootUsage
		x, err := w.CreateBlock(keys.UsageKey{}, "html", map[string]json.RawMessage{"data": raw("x")}, CreateOptions{BlockID: "x"})
		if err != nil {
			return err
		}
		if _, err := w.UpdateBlock(root, BlockUpdate{Children: []keys.UsageKey{x}}); err != nil {
			return err
		}
		got, err := w.GetBlock(root)
		if err != nil {
			return err
		}
		if len(got.Children) != 1 {
			t.Errorf("read-your-writes: want 1 child got=%d", len(got.Children))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx commit: %v", err)
	}
	course, err := s.GetCourse(ctx, ck)
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if course.DraftVersion != 2 || len(course.Root.Children) != 1 {
		t.Fatalf("one version per tx: want draft=2 children=1 got draft=%d children=%d", course.DraftVersion, len(course.Root.Children))
	}
}

func TestPublishIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+pub+1")
	course, err := s.CreateCourse(ctx, ck, nil, "a")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	var blocks []keys.UsageKey
	for _, id := range []string{"b1", "b2", "b3"} {
		u, err := s.CreateBlock(ctx, course.RootUsage, "html", map[string]json.RawMessage{"data": raw("old")}, CreateOptions{BlockID: id})
		if err != nil {
			t.Fatalf("CreateBlock %s: %v", id, err)
		}
		blocks = append(blocks, u)
	}
	if _, err := s.Publish(ctx, ck); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := s.WithTx(ctx, ck, TxOptions{}, func(w Writer) error {
		for _, u := range blocks {
			if _, err := w.UpdateBlock(u, BlockUpdate{Fields: map[string]json.RawMessage{"data": raw("new")}}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("edit drafts: %v", err)
	}

	published := ck.WithBranch(string(Published))
	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				pinned, err := s.Pin(ctx, published)
				if err != nil {
					errs <- err.Error()
					return
				}
				seen := map[string]int{}
				children, err := s.GetChildren(ctx, pinned.MakeUsageKey(RootBlockType, RootBlockID))
				if err != nil {
					errs <- err.Error()
					return
				}
				for _, c := range children {
					var v string
					_ = json.Unmarshal(c.Fields["data"], &v)
					seen[v]++
				}
				if len(seen) != 1 {
					errs <- "mixed snapshot"
					return
				}
			}
		}()
	}
	if _, err := s.Publish(ctx, ck); err != nil {
		t.Fatalf("Publish 2: %v", err)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatalf("reader: %s", e)
	}

	def, err := s.GetBlock(ctx, blocks[0].ForCourse(published))
	if err != nil {
		t.Fatalf("GetBlock published: %v", err)
	}
	if got := fieldString(t, def, "data"); got != "new" {
		t.Fatalf("after publish: want=new got=%q", got)
	}
	if _, err := s.UpdateBlock(ctx, blocks[0].ForCourse(published), BlockUpdate{}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("write to published: want ErrReadOnly got=%v", err)
	}
}

func TestUnpublishedCourseHasNoPublishedBlocks(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.DB(t), testutil.Logger(t), Options{DefaultBranch: Published})
	ck := keys.MustCourseKey("course-v1:org+unpub+1")
	if _, err := s.CreateCourse(ctx, ck, nil, "a"); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	if _, err := s.GetBlock(ctx, ck.MakeUsageKey(RootBlockType, RootBlockID)); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("published read before publish: want ErrBlockNotFound got=%v", err)
	}
	draft := ck.WithBranch(string(Draft)).MakeUsageKey(RootBlockType, RootBlockID)
	if _, err := s.GetBlock(ctx, draft); err != nil {
		t.Fatalf("draft read: %v", err)
	}
}

func TestDeleteCourseCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+del+1")
	course, err := s.CreateCourse(ctx, ck, nil, "a")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	if _, err := s.CreateBlock(ctx, course.RootUsage, "html", nil, CreateOptions{}); err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	var cascaded []keys.CourseKey
	s.RegisterCascade("test", func(dbc dbctx.Context, c keys.CourseKey) error {
		if dbc.Tx == nil {
			t.Errorf("cascade must run inside the delete transaction")
		}
		cascaded = append(cascaded, c)
		return nil
	})
	if err := s.DeleteCourse(ctx, ck); err != nil {
		t.Fatalf("DeleteCourse: %v", err)
	}
	if len(cascaded) != 1 || cascaded[0] != ck {
		t.Fatalf("cascade: got=%v", cascaded)
	}
	if _, err := s.GetCourse(ctx, ck); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("GetCourse after delete: want ErrCourseNotFound got=%v", err)
	}
	if err := s.DeleteCourse(ctx, ck); !errors.Is(err, ErrCourseNotFound) {
		t.Fatalf("DeleteCourse twice: want ErrCourseNotFound got=%v", err)
	}
}

func TestDeleteCourseCascadeFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+delfail+1")
	if _, err := s.CreateCourse(ctx, ck, nil, "a"); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	s.RegisterCascade("broken", func(dbctx.Context, keys.CourseKey) error { return errors.New("nope") })
	if err := s.DeleteCourse(ctx, ck); !errors.Is(err, ErrStorage) {
		t.Fatalf("DeleteCourse: want ErrStorage got=%v", err)
	}
	if _, err := s.GetCourse(ctx, ck); err != nil {
		t.Fatalf("course must survive failed delete: %v", err)
	}
}

func TestPruneHistoryKeepsBranchHeads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+gc+1")
	course, err := s.CreateCourse(ctx, ck, nil, "a")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	u, err := s.CreateBlock(ctx, course.RootUsage, "html", map[string]json.RawMessage{"data": raw("0")}, CreateOptions{BlockID: "h"})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if _, err := s.Publish(ctx, ck); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if _, err := s.UpdateBlock(ctx, u, BlockUpdate{Fields: map[string]json.RawMessage{"data": raw(i)}}); err != nil {
			t.Fatalf("UpdateBlock %d: %v", i, err)
		}
	}
	removed, err := s.PruneHistory(ctx, ck, 1)
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if removed == 0 {
		t.Fatalf("PruneHistory: want removals")
	}
	hist, err := s.History(ctx, u)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("History after prune: want 2 (draft+published heads) got=%d", len(hist))
	}
	pub, err := s.GetBlock(ctx, u.ForBranch(string(Published)))
	if err != nil {
		t.Fatalf("published read after prune: %v", err)
	}
	if got := fieldString(t, pub, "data"); got != "0" {
		t.Fatalf("published data: want=0 got=%q", got)
	}
}

func TestPolicy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ck := keys.MustCourseKey("course-v1:org+pol+1")
	if _, err := s.CreateCourse(ctx, ck, nil, "a"); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	if err := s.SetPolicy(ctx, ck, PolicyCourse, map[string]json.RawMessage{"graded": raw(true)}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if err := s.SetPolicy(ctx, ck, PolicyRun, map[string]json.RawMessage{"start": raw("2024-01-01")}); err != nil {
		t.Fatalf("SetPolicy run: %v", err)
	}
	course, err := s.GetCourse(ctx, ck)
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if string(course.Policy["graded"]) != "true" || string(course.RunPolicy["start"]) != `"2024-01-01"` {
		t.Fatalf("policy: got=%v run=%v", course.Policy, course.RunPolicy)
	}
}
