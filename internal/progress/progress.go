// Package progress aggregates a learner's completion, grade and engagement
// for a course.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/xblockcore/internal/completion"
	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/fielddata"
	"github.com/yungbote/xblockcore/internal/modulestore"
	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/xblock"
)

type Family string

const (
	FamilyCompletion Family = "completion"
	FamilyGrade      Family = "grade"
	FamilyEngagement Family = "engagement"
)

var Families = []Family{FamilyCompletion, FamilyGrade, FamilyEngagement}

const DefaultTTL = 5 * time.Minute

type Engagement struct {
	Posts  int64 `json:"posts"`
	Events int   `json:"events"`
}

type Progress struct {
	UserID     string     `json:"user_id"`
	Course     string     `json:"course"`
	Completion float64    `json:"completion"`
	Grade      float64    `json:"grade"`
	Engagement Engagement `json:"engagement"`
	ComputedAt time.Time  `json:"computed_at"`
}

// CompletionSource is the part of the completion stream the aggregator reads.
type CompletionSource interface {
	CourseCompletion(ctx context.Context, userID string, course keys.CourseKey) (float64, error)
	Events(ctx context.Context, userID string, course keys.CourseKey) ([]completion.Event, error)
}

type Options struct {
	TTL   time.Duration
	Clock func() time.Time
	// Branch is the content the grade and engagement families walk.
	Branch modulestore.Branch
	// Metrics defaults to the process-wide instance.
	Metrics *observability.Metrics
}

type Aggregator struct {
	log        *logger.Logger
	store      modulestore.ContentStore
	fieldData  fielddata.Store
	completion CompletionSource
	cache      Cache
	ttl        time.Duration
	clock      func() time.Time
	branch     modulestore.Branch
	metrics    *observability.Metrics
}

func New(store modulestore.ContentStore, fd fielddata.Store, src CompletionSource, cache Cache, baseLog *logger.Logger, opts Options) *Aggregator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Branch == "" {
		opts.Branch = modulestore.Published
	}
	if cache == nil {
		cache = NewMemoryCache(opts.Clock)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Current()
	}
	return &Aggregator{
		log:        baseLog.With("service", "ProgressAggregator"),
		store:      store,
		fieldData:  fd,
		completion: src,
		cache:      cache,
		ttl:        opts.TTL,
		clock:      opts.Clock,
		branch:     opts.Branch,
		metrics:    opts.Metrics,
	}
}

// Get returns the user's progress, computing the uncached families in
// parallel.
func (a *Aggregator) Get(ctx context.Context, userID string, course keys.CourseKey) (*Progress, error) {
	course = course.Canonical()
	out := &Progress{UserID: userID, Course: course.String(), ComputedAt: a.clock()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.family(gctx, userID, course, FamilyCompletion, &out.Completion, func(ctx context.Context) (any, error) {
			return a.completion.CourseCompletion(ctx, userID, course)
		})
	})
	g.Go(func() error {
		return a.family(gctx, userID, course, FamilyGrade, &out.Grade, func(ctx context.Context) (any, error) {
			return a.grade(ctx, userID, course)
		})
	})
	g.Go(func() error {
		return a.family(gctx, userID, course, FamilyEngagement, &out.Engagement, func(ctx context.Context) (any, error) {
			return a.engagement(ctx, userID, course)
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// family fills dst from the cache or from compute, caching the result.
func (a *Aggregator) family(ctx context.Context, userID string, course keys.CourseKey, f Family, dst any, compute func(context.Context) (any, error)) error {
	key := cacheKey(userID, course.String(), f)
	raw, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.log.Warn("Progress cache read failed", "key", key, "error", err)
	}
	hit := err == nil && ok && json.Unmarshal(raw, dst) == nil
	a.metrics.IncProgressCache(string(f), hit)
	if hit {
		return nil
	}
	v, err := compute(ctx)
	if err != nil {
		return err
	}
	raw, err = json.Marshal(v)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if err := a.cache.Set(ctx, key, raw, a.ttl); err != nil {
		a.log.Warn("Progress cache write failed", "key", key, "error", err)
	}
	return nil
}

func (a *Aggregator) blocks(ctx context.Context, course keys.CourseKey) ([]*modulestore.BlockDefinition, error) {
	blocks, err := a.store.ListBlocks(ctx, course.WithBranch(string(a.branch)))
	if errors.Is(err, modulestore.ErrCourseNotFound) || errors.Is(err, modulestore.ErrBlockNotFound) {
		return nil, nil
	}
	return blocks, err
}

func (a *Aggregator) userState(ctx context.Context, usage keys.UsageKey, userID, name string) (json.RawMessage, bool, error) {
	raw, err := a.fieldData.Get(ctx, fielddata.KeyFor(fields.ScopeUserState, usage, userID, name))
	if errors.Is(err, fielddata.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// grade is earned over possible points across graded problems. Unattempted
// problems count their weight as possible points.
func (a *Aggregator) grade(ctx context.Context, userID string, course keys.CourseKey) (float64, error) {
	blocks, err := a.blocks(ctx, course)
	if err != nil {
		return 0, err
	}
	var earned, possible float64
	for _, b := range blocks {
		if b.BlockType != "problem" || !boolField(b, "graded", true) {
			continue
		}
		max := floatField(b, "weight", 1)
		if raw, ok, err := a.userState(ctx, b.Usage, userID, "max_score"); err != nil {
			return 0, err
		} else if ok {
			_ = json.Unmarshal(raw, &max)
		}
		var score float64
		if raw, ok, err := a.userState(ctx, b.Usage, userID, "score"); err != nil {
			return 0, err
		} else if ok {
			_ = json.Unmarshal(raw, &score)
		}
		earned += score
		possible += max
	}
	if possible <= 0 {
		return 0, nil
	}
	return earned / possible, nil
}

func (a *Aggregator) engagement(ctx context.Context, userID string, course keys.CourseKey) (Engagement, error) {
	var e Engagement
	blocks, err := a.blocks(ctx, course)
	if err != nil {
		return e, err
	}
	for _, b := range blocks {
		if b.BlockType != "discussion" {
			continue
		}
		raw, ok, err := a.userState(ctx, b.Usage, userID, "posts")
		if err != nil {
			return e, err
		}
		if !ok {
			continue
		}
		var posts []json.RawMessage
		if json.Unmarshal(raw, &posts) == nil {
			e.Posts += int64(len(posts))
		}
	}
	evs, err := a.completion.Events(ctx, userID, course)
	if err != nil {
		return e, err
	}
	e.Events = len(evs)
	return e, nil
}

// Invalidate drops every cached family for (user, course).
func (a *Aggregator) Invalidate(ctx context.Context, userID string, course keys.CourseKey) error {
	c := course.Canonical().String()
	names := make([]string, 0, len(Families))
	for _, f := range Families {
		names = append(names, cacheKey(userID, c, f))
	}
	return a.cache.Delete(ctx, names...)
}

// InvalidateDiscussion drops the engagement family of every user in course.
func (a *Aggregator) InvalidateDiscussion(ctx context.Context, course keys.CourseKey) error {
	return a.cache.DeletePrefix(ctx, familyPrefix(course.Canonical().String(), FamilyEngagement))
}

// OnCompletion is a completion stream listener.
func (a *Aggregator) OnCompletion(ev completion.Event) {
	if err := a.Invalidate(context.Background(), ev.UserID, ev.Course); err != nil {
		a.log.Warn("Progress invalidate failed", "user_id", ev.UserID, "error", err)
	}
}

// OnSignal is a runtime signal listener.
func (a *Aggregator) OnSignal(ctx context.Context, sig xblock.Signal) {
	if sig.Kind != xblock.SignalDiscussionChanged {
		return
	}
	if err := a.InvalidateDiscussion(ctx, sig.Course); err != nil {
		a.log.Warn("Progress discussion invalidate failed", "course", sig.Course.String(), "error", err)
	}
}

func floatField(b *modulestore.BlockDefinition, name string, def float64) float64 {
	raw, ok := b.Field(name)
	if !ok {
		return def
	}
	var v float64
	if json.Unmarshal(raw, &v) != nil {
		return def
	}
	return v
}

func boolField(b *modulestore.BlockDefinition, name string, def bool) bool {
	raw, ok := b.Field(name)
	if !ok {
		return def
	}
	var v bool
	if json.Unmarshal(raw, &v) != nil {
		return def
	}
	return v
}
