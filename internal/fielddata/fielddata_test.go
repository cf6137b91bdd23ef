package fielddata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/yungbote/xblockcore/internal/data/repos/testutil"
	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
)

var (
	testCourse = keys.MustCourseKey("course-v1:org+cs101+2024")
	testUsage  = testCourse.MakeUsageKey("problem", "p1")
)

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestKeyForScopes(t *testing.T) {
	u := testUsage.ForBranch("draft")
	k := KeyFor(fields.ScopeUserState, u, "alice", "attempts")
	if k.BlockScopeID != testUsage.String() || k.UserScopeID != "alice" {
		t.Fatalf("user_state key: got=%+v", k)
	}
	k = KeyFor(fields.ScopeContent, u, "alice", "data")
	if k.BlockScopeID != u.String() || k.UserScopeID != "" {
		t.Fatalf("content key: got=%+v", k)
	}
	k = KeyFor(fields.ScopePreferences, u, "alice", "speed")
	if k.BlockScopeID != "problem" {
		t.Fatalf("preferences key: want block type got=%+v", k)
	}
	k = KeyFor(fields.ScopeUserInfo, u, "alice", "tz")
	if k.BlockScopeID != "" || k.UserScopeID != "alice" {
		t.Fatalf("user_info key: got=%+v", k)
	}
	if err := (Key{Scope: fields.ScopeUserState, BlockScopeID: "junk", UserScopeID: "a", Name: "x"}).Validate(); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Validate bad usage: want ErrInvalidKey got=%v", err)
	}
}

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	k := KeyFor(fields.ScopeUserState, testUsage, "alice", "attempts")

	if _, err := s.Get(ctx, k); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound got=%v", err)
	}
	if err := s.SetMany(ctx, []Entry{{Key: k, Value: raw(1)}, {Key: k, Value: raw(2)}}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	v, err := s.Get(ctx, k)
	if err != nil || string(v) != "2" {
		t.Fatalf("Get after SetMany: want=2 got=%s err=%v", v, err)
	}
	ok, err := s.Has(ctx, k)
	if err != nil || !ok {
		t.Fatalf("Has: want=true got=%v err=%v", ok, err)
	}
	if err := s.Delete(ctx, k); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := s.Has(ctx, k); ok {
		t.Fatalf("Has after delete: want=false")
	}

	pref := KeyFor(fields.ScopePreferences, testUsage, "alice", "speed")
	info := KeyFor(fields.ScopeUserInfo, testUsage, "alice", "tz")
	summary := KeyFor(fields.ScopeUserStateSummary, testUsage, "", "votes")
	if err := s.SetMany(ctx, []Entry{{Key: pref, Value: raw(1.5)}, {Key: info, Value: raw("UTC")}, {Key: summary, Value: raw(map[string]int{"up": 3})}}); err != nil {
		t.Fatalf("SetMany mixed scopes: %v", err)
	}
	for _, key := range []Key{pref, info, summary} {
		if _, err := s.Get(ctx, key); err != nil {
			t.Fatalf("Get %s: %v", key, err)
		}
	}
	// Another block of the same type shares preferences.
	other := KeyFor(fields.ScopePreferences, testCourse.MakeUsageKey("problem", "p2"), "alice", "speed")
	if v, err := s.Get(ctx, other); err != nil || string(v) != "1.5" {
		t.Fatalf("preferences shared by type: got=%s err=%v", v, err)
	}

	bad := Key{Scope: fields.ScopeUserState, BlockScopeID: testUsage.String(), Name: "x"}
	if err := s.SetMany(ctx, []Entry{{Key: k, Value: raw(9)}, {Key: bad, Value: raw(1)}}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("SetMany invalid: want ErrInvalidKey got=%v", err)
	}
	if _, err := s.Get(ctx, k); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetMany invalid must write nothing: got err=%v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestSQLStore(t *testing.T) {
	runStoreContract(t, NewSQLStore(testutil.DB(t), testutil.Logger(t)))
}

func TestSQLStoreRoundTripsScalarValues(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(testutil.DB(t), testutil.Logger(t))
	values := []string{`6`, `0.5`, `-3`, `1e+21`, `true`, `"six"`, `[6]`, `{"a":1}`}
	for i, want := range values {
		for _, scope := range []fields.Scope{fields.ScopeUserState, fields.ScopeUserStateSummary, fields.ScopePreferences, fields.ScopeUserInfo} {
			k := KeyFor(scope, testUsage, "alice", fmt.Sprintf("v%d", i))
			if err := s.SetMany(ctx, []Entry{{Key: k, Value: json.RawMessage(want)}}); err != nil {
				t.Fatalf("SetMany %s %s: %v", scope, want, err)
			}
			got, err := s.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get %s %s: %v", scope, want, err)
			}
			if string(got) != want {
				t.Fatalf("Get %s: want=%s got=%s", scope, want, got)
			}
		}
	}
}

func TestSQLStoreRejectsDefinitionScopes(t *testing.T) {
	s := NewSQLStore(testutil.DB(t), testutil.Logger(t))
	k := KeyFor(fields.ScopeContent, testUsage, "", "data")
	if err := s.SetMany(context.Background(), []Entry{{Key: k, Value: raw("x")}}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("SetMany content: want ErrInvalidKey got=%v", err)
	}
}

func TestSQLStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := NewSQLStore(testutil.DB(t), testutil.Logger(t))
	shared := KeyFor(fields.ScopeUserState, testUsage, "alice", "score")

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			own := KeyFor(fields.ScopeUserState, testUsage, fmt.Sprintf("user%d", i), "score")
			errs <- s.SetMany(ctx, []Entry{{Key: shared, Value: raw(i)}, {Key: own, Value: raw(i)}})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent SetMany: %v", err)
		}
	}

	v, err := s.Get(ctx, shared)
	if err != nil {
		t.Fatalf("Get shared: %v", err)
	}
	var n int
	if err := json.Unmarshal(v, &n); err != nil || n < 0 || n >= writers {
		t.Fatalf("shared value must be one writer's value: got=%s", v)
	}
	for i := 0; i < writers; i++ {
		own := KeyFor(fields.ScopeUserState, testUsage, fmt.Sprintf("user%d", i), "score")
		if v, err := s.Get(ctx, own); err != nil || string(v) != fmt.Sprint(i) {
			t.Fatalf("disjoint tuple user%d: got=%s err=%v", i, v, err)
		}
	}
}

func TestSQLStoreCourseCascade(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	ms := modulestore.New(db, log, modulestore.Options{})
	s := NewSQLStore(db, log)
	ms.RegisterCascade("field_state", s.DeleteForCourse)

	if _, err := ms.CreateCourse(ctx, testCourse, nil, "author"); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	k := KeyFor(fields.ScopeUserState, testUsage, "alice", "attempts")
	pref := KeyFor(fields.ScopePreferences, testUsage, "alice", "speed")
	if err := s.SetMany(ctx, []Entry{{Key: k, Value: raw(1)}, {Key: pref, Value: raw(2)}}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	if err := ms.DeleteCourse(ctx, testCourse); err != nil {
		t.Fatalf("DeleteCourse: %v", err)
	}
	if ok, _ := s.Has(ctx, k); ok {
		t.Fatalf("user_state must be removed with its course")
	}
	if ok, _ := s.Has(ctx, pref); !ok {
		t.Fatalf("preferences are not course-owned and must survive")
	}
}

func TestDefinitionStoreReadsAndWritesBlocks(t *testing.T) {
	ctx := context.Background()
	ms := modulestore.New(testutil.DB(t), testutil.Logger(t), modulestore.Options{})
	course, err := ms.CreateCourse(ctx, testCourse, nil, "author")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	u, err := ms.CreateBlock(ctx, course.RootUsage, "problem", map[string]json.RawMessage{"data": raw("<p/>")}, modulestore.CreateOptions{BlockID: "p1"})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	d := NewDefinitionStore(ms, modulestore.Draft)
	content := KeyFor(fields.ScopeContent, u, "", "data")
	v, err := d.Get(ctx, content)
	if err != nil {
		t.Fatalf("Get content: %v", err)
	}
	var markup string
	if err := json.Unmarshal(v, &markup); err != nil || markup != "<p/>" {
		t.Fatalf("Get content: got=%s err=%v", v, err)
	}
	settings := KeyFor(fields.ScopeSettings, u, "", "max_attempts")
	if _, err := d.Get(ctx, settings); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unset settings: want ErrNotFound got=%v", err)
	}
	if err := d.SetMany(ctx, []Entry{{Key: settings, Value: raw(3)}, {Key: content, Value: raw("<q/>")}}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	def, err := ms.GetBlock(ctx, u)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if v, _ := def.Field("max_attempts"); string(v) != "3" {
		t.Fatalf("settings written: got=%s", v)
	}
	if err := d.Delete(ctx, settings); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := d.Has(ctx, settings); err != nil || ok {
		t.Fatalf("Has after delete: got=%v err=%v", ok, err)
	}
	if _, err := d.Get(ctx, KeyFor(fields.ScopeUserState, u, "alice", "x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("user scope on DefinitionStore: want ErrInvalidKey got=%v", err)
	}
}

func TestDefinitionStoreRejectsReadOnlyKeys(t *testing.T) {
	ctx := context.Background()
	ms := modulestore.New(testutil.DB(t), testutil.Logger(t), modulestore.Options{})
	course, err := ms.CreateCourse(ctx, testCourse, nil, "author")
	if err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	u, err := ms.CreateBlock(ctx, course.RootUsage, "html", nil, modulestore.CreateOptions{BlockID: "h1"})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if _, err := ms.Publish(ctx, testCourse); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	pinned, err := ms.Pin(ctx, testCourse.WithBranch(string(modulestore.Published)))
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}

	d := NewDefinitionStore(ms, modulestore.Draft)
	for _, key := range []keys.UsageKey{
		u.Canonical().ForBranch(string(modulestore.Published)),
		u.Canonical().ForCourse(pinned),
	} {
		k := KeyFor(fields.ScopeContent, key, "", "data")
		if err := d.SetMany(ctx, []Entry{{Key: k, Value: raw("x")}}); !errors.Is(err, modulestore.ErrReadOnly) {
			t.Fatalf("write %s: want ErrReadOnly got=%v", key, err)
		}
	}
	if err := d.SetMany(ctx, []Entry{{Key: KeyFor(fields.ScopeContent, u, "", "data"), Value: raw("x")}}); err != nil {
		t.Fatalf("draft write: %v", err)
	}
}

func TestSplitStoreRoutes(t *testing.T) {
	ctx := context.Background()
	defs, users := NewMemoryStore(), NewMemoryStore()
	s := NewSplitStore(defs, users)
	content := KeyFor(fields.ScopeContent, testUsage, "", "data")
	state := KeyFor(fields.ScopeUserState, testUsage, "alice", "x")
	if err := s.SetMany(ctx, []Entry{{Key: content, Value: raw("c")}, {Key: state, Value: raw(1)}}); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	if defs.Len() != 1 || users.Len() != 1 {
		t.Fatalf("routing: want defs=1 users=1 got defs=%d users=%d", defs.Len(), users.Len())
	}
}

type countingStore struct {
	*MemoryStore
	gets, batches int
	fail          bool
}

func (c *countingStore) Get(ctx context.Context, k Key) (json.RawMessage, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, k)
}

func (c *countingStore) SetMany(ctx context.Context, entries []Entry) error {
	c.batches++
	if c.fail {
		return fmt.Errorf("flush: %w", ErrStorage)
	}
	return c.MemoryStore.SetMany(ctx, entries)
}

func TestCacheReadYourWritesAndFlush(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	k := KeyFor(fields.ScopeUserState, testUsage, "alice", "attempts")
	other := KeyFor(fields.ScopeUserState, testUsage, "alice", "score")
	_ = backend.MemoryStore.SetMany(ctx, []Entry{{Key: other, Value: raw(7)}})

	c := NewCache(backend)
	for i := 0; i < 3; i++ {
		if v, err := c.Get(ctx, other); err != nil || string(v) != "7" {
			t.Fatalf("Get cached: got=%s err=%v", v, err)
		}
	}
	if backend.gets != 1 {
		t.Fatalf("read-through: want 1 backend read got=%d", backend.gets)
	}

	if err := c.Set(ctx, k, raw(1)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, other); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v, err := c.Get(ctx, k); err != nil || string(v) != "1" {
		t.Fatalf("read your write: got=%s err=%v", v, err)
	}
	if _, err := c.Get(ctx, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read your delete: got=%v", err)
	}
	if ok, _ := backend.MemoryStore.Has(ctx, k); ok {
		t.Fatalf("write must not reach backend before Flush")
	}

	backend.fail = true
	if err := c.Flush(ctx); !errors.Is(err, ErrStorage) {
		t.Fatalf("Flush failing backend: want ErrStorage got=%v", err)
	}
	if !c.Dirty() {
		t.Fatalf("failed Flush must keep pending writes")
	}
	backend.fail = false
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if backend.batches != 2 {
		t.Fatalf("each Flush is one batch: want=2 got=%d", backend.batches)
	}
	if c.Dirty() {
		t.Fatalf("Flush must clear pending writes")
	}
	if v, _ := backend.MemoryStore.Get(ctx, k); string(v) != "1" {
		t.Fatalf("flushed value: got=%s", v)
	}
	if ok, _ := backend.MemoryStore.Has(ctx, other); ok {
		t.Fatalf("flushed delete must reach backend")
	}
}
