package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yungbote/xblockcore/internal/completion"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/fielddata"
	"github.com/yungbote/xblockcore/internal/i18n"
	"github.com/yungbote/xblockcore/internal/modulestore"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/policy"
	"github.com/yungbote/xblockcore/internal/xblock"
)

const (
	ErrorKindChildUnavailable = "child_unavailable"
	ErrorKindRender           = "render_error"
)

// queued holds side effects a block produced that wait for its next save.
type queued struct {
	events  []completion.Event
	signals []xblock.Signal
}

// Context is one request's view of the runtime. It is not safe to share
// across requests.
type Context struct {
	rt     *Runtime
	ctx    context.Context
	user   xblock.User
	branch modulestore.Branch
	log    *logger.Logger

	fields     *fielddata.Cache
	translator *i18n.Translator

	mu       sync.Mutex
	blocks   map[string]xblock.Block
	pins     map[keys.CourseKey]keys.CourseKey
	policies map[keys.CourseKey]*policy.Overlay
	pending  map[string]*queued
	closed   bool
}

var _ xblock.Host = (*Context)(nil)

func (c *Context) Context() context.Context    { return c.ctx }
func (c *Context) UserID() string              { return c.user.ID }
func (c *Context) User() xblock.User           { return c.user }
func (c *Context) Branch() modulestore.Branch  { return c.branch }
func (c *Context) FieldStore() fielddata.Store { return c.fields }

// resolve applies the request branch to keys that carry none. Published
// reads are pinned to one version per course for the life of the request.
func (c *Context) resolve(usage keys.UsageKey) (keys.UsageKey, error) {
	if usage.Course.Version != "" {
		return usage, nil
	}
	branch := modulestore.Branch(usage.Course.Branch)
	if branch == "" {
		branch = c.branch
	}
	if branch != modulestore.Published {
		return usage.ForBranch(string(branch)), nil
	}
	canon := usage.Course.Canonical()
	c.mu.Lock()
	pinned, ok := c.pins[canon]
	c.mu.Unlock()
	if !ok {
		var err error
		pinned, err = c.rt.svc.Store.Pin(c.ctx, canon.WithBranch(string(modulestore.Published)))
		if err != nil {
			return keys.UsageKey{}, err
		}
		c.mu.Lock()
		if prev, ok := c.pins[canon]; ok {
			pinned = prev
		} else {
			c.pins[canon] = pinned
		}
		c.mu.Unlock()
	}
	return usage.ForCourse(pinned), nil
}

// LoadBlock returns the request's instance for usage, loading it on first use.
func (c *Context) LoadBlock(usage keys.UsageKey) (xblock.Block, error) {
	return c.loadAt(usage, 0)
}

func (c *Context) LoadChild(parent *xblock.Base, usage keys.UsageKey) (xblock.Block, error) {
	return c.loadAt(usage, parent.Depth()+1)
}

func (c *Context) loadAt(usage keys.UsageKey, depth int) (xblock.Block, error) {
	if depth > c.rt.opts.MaxDepth {
		return nil, fmt.Errorf("%s at depth %d: %w", usage, depth, ErrMaxDepth)
	}
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	key, err := c.resolve(usage)
	if err != nil {
		return nil, err
	}
	id := key.String()
	c.mu.Lock()
	if blk, ok := c.blocks[id]; ok && blk.Core().State() != xblock.StateDisposed {
		c.mu.Unlock()
		return blk, nil
	}
	c.mu.Unlock()

	def, err := c.rt.svc.Store.GetBlock(c.ctx, key)
	if err != nil {
		return nil, err
	}
	class := c.rt.svc.Registry.Resolve(def.BlockType)
	if xblock.IsErrorClass(class) {
		c.log.Warn("Unknown block type", "usage", id, "block_type", def.BlockType)
	}
	blk := xblock.Instantiate(class, def, c, depth)

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.blocks[id]; ok && prev.Core().State() != xblock.StateDisposed {
		return prev, nil
	}
	c.blocks[id] = blk
	return blk, nil
}

// CoursePolicy is the run, course and default layers for course, read once
// per request.
func (c *Context) CoursePolicy(course keys.CourseKey) *policy.Overlay {
	canon := course.Canonical()
	c.mu.Lock()
	if o, ok := c.policies[canon]; ok {
		c.mu.Unlock()
		return o
	}
	c.mu.Unlock()

	defaults := policy.Layer{Name: policy.LayerDefault, Values: c.rt.opts.PolicyDefaults}
	o := policy.New(defaults)
	if c.rt.svc.Store != nil {
		read := course
		if read.Branch == "" && read.Version == "" {
			read = read.WithBranch(string(c.branch))
		}
		if crs, err := c.rt.svc.Store.GetCourse(c.ctx, read); err == nil {
			o = policy.New(
				policy.Layer{Name: policy.LayerRun, Values: crs.RunPolicy},
				policy.Layer{Name: policy.LayerCourse, Values: crs.Policy},
				defaults,
			)
		} else {
			c.log.Warn("Course policy unavailable", "course", canon.String(), "error", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.policies[canon]; ok {
		return prev
	}
	c.policies[canon] = o
	return o
}

// Render runs view on blk and composes its children's fragments into the
// placeholders the view left. A block without the view falls back to
// student_view.
func (c *Context) Render(blk xblock.Block, view string) (*xblock.Fragment, error) {
	ctx, span := otel.Tracer("xblockcore/runtime").Start(c.ctx, "runtime.render")
	defer span.End()
	b := blk.Core()
	span.SetAttributes(
		attribute.String("xblock.usage", b.Usage().String()),
		attribute.String("xblock.view", view),
	)
	frag, err := c.render(ctx, blk, view)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return frag, nil
}

func (c *Context) render(ctx context.Context, blk xblock.Block, view string) (*xblock.Fragment, error) {
	b := blk.Core()
	fn, ok := b.Class().View(view)
	if !ok {
		fn, ok = b.Class().View(xblock.StudentView)
	}
	if !ok {
		return nil, fmt.Errorf("%s view %q: %w", b.BlockType(), view, ErrViewNotFound)
	}
	own, err := fn(ctx, blk)
	if err != nil {
		return nil, err
	}
	if own == nil {
		own = xblock.NewFragment("")
	}

	out := &xblock.Fragment{
		HeadHTML:  own.HeadHTML,
		FootHTML:  own.FootHTML,
		Resources: append([]xblock.Resource{}, own.Resources...),
		ErrorKind: own.ErrorKind,
	}
	bodies := map[string]string{}
	for _, ref := range xblock.Placeholders(own.BodyHTML) {
		if _, done := bodies[ref]; done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		child, err := c.renderChild(ctx, b, ref, view)
		if err != nil {
			return nil, err
		}
		out.Merge(child)
		bodies[ref] = child.BodyHTML
	}
	body := xblock.ReplacePlaceholders(own.BodyHTML, func(ref string) string { return bodies[ref] })
	out.BodyHTML = xblock.Wrap(b.Usage(), b.BlockType(), view, body)
	return out, nil
}

// renderChild renders one child. Failures other than cancellation and the
// depth cap become error fragments so the rest of the page still renders.
func (c *Context) renderChild(ctx context.Context, parent *xblock.Base, ref, view string) (*xblock.Fragment, error) {
	usage, err := keys.ParseUsageKey(ref)
	if err != nil {
		return xblock.ErrorFragment(ErrorKindChildUnavailable, ref), nil
	}
	child, err := c.LoadChild(parent, usage)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		c.log.Warn("Child load failed", "parent", parent.Usage().String(), "child", ref, "error", err)
		return xblock.ErrorFragment(ErrorKindChildUnavailable, c.translator.T("This component is unavailable.")), nil
	}
	frag, err := c.render(ctx, child, view)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		c.log.Warn("Child render failed", "child", ref, "error", err)
		return xblock.ErrorFragment(ErrorKindRender, c.translator.T("This component could not be displayed.")), nil
	}
	return frag, nil
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrMaxDepth)
}

// Handle dispatches a handler call. Dirty fields are saved when the handler
// succeeds; a failed or cancelled handler discards the instance and its
// unsaved state.
func (c *Context) Handle(blk xblock.Block, name string, req xblock.Request) xblock.HandlerResult {
	b := blk.Core()
	fn, ok := b.Class().Handler(name)
	if !ok {
		return xblock.ErrorResult{Err: fmt.Errorf("%s handler %q: %w", b.BlockType(), name, ErrHandlerNotFound)}
	}
	ctx, span := otel.Tracer("xblockcore/runtime").Start(c.ctx, "runtime.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("xblock.usage", b.Usage().String()),
		attribute.String("xblock.handler", name),
	)
	if err := ctx.Err(); err != nil {
		return xblock.ErrorResult{Err: err}
	}
	res := fn(ctx, blk, req)
	if err := ctx.Err(); err != nil {
		c.Discard(blk)
		return xblock.ErrorResult{Err: err}
	}
	if res == nil {
		res = xblock.Rendered{}
	}
	if er, ok := res.(xblock.ErrorResult); ok {
		span.RecordError(er.Err)
		span.SetStatus(codes.Error, er.Err.Error())
		c.Discard(blk)
		return res
	}
	if err := c.Save(blk); err != nil {
		span.RecordError(err)
		c.Discard(blk)
		return xblock.ErrorResult{Err: err}
	}
	return res
}

// Save writes blk's dirty fields, then records the completion events and
// fires the signals it queued.
func (c *Context) Save(blk xblock.Block) error {
	b := blk.Core()
	if err := c.ctx.Err(); err != nil {
		return err
	}
	if b.State() == xblock.StateDisposed {
		return xblock.ErrDisposed
	}
	if b.IsDirty() {
		entries, err := b.DirtyEntries()
		if err != nil {
			return err
		}
		if err := c.fields.SetMany(c.ctx, entries); err != nil {
			return err
		}
		if err := c.fields.Flush(c.ctx); err != nil {
			// The block stays dirty and re-stages its fields on the next save.
			dropped := make([]fielddata.Key, len(entries))
			for i, e := range entries {
				dropped[i] = e.Key
			}
			c.fields.Drop(dropped...)
			return err
		}
		b.MarkClean()
	}
	c.afterSave(b.Usage())
	return nil
}

func (c *Context) afterSave(usage keys.UsageKey) {
	id := usage.String()
	c.mu.Lock()
	q := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if q == nil {
		return
	}
	if rec := c.rt.svc.Completion; rec != nil {
		for _, ev := range q.events {
			if _, err := rec.Record(c.ctx, ev); err != nil {
				c.log.Error("Completion record failed", "usage", id, "error", err)
			}
		}
	}
	if on := c.rt.svc.OnSignal; on != nil {
		for _, sig := range q.signals {
			on(c.ctx, sig)
		}
	}
}

func (c *Context) enqueue(usage keys.UsageKey, fn func(q *queued)) {
	id := usage.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pending[id]
	if q == nil {
		q = &queued{}
		c.pending[id] = q
	}
	fn(q)
}

// Discard drops blk, its unsaved fields and its queued side effects.
func (c *Context) Discard(blk xblock.Block) {
	b := blk.Core()
	id := b.Usage().String()
	b.Dispose()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.blocks[id]; ok && cur.Core() == b {
		delete(c.blocks, id)
	}
	delete(c.pending, id)
}

// Evict releases a clean instance from the request cache.
func (c *Context) Evict(blk xblock.Block) error {
	b := blk.Core()
	if b.IsDirty() {
		return fmt.Errorf("%s: %w", b.Usage(), ErrEvictDirty)
	}
	c.Discard(blk)
	return nil
}

// Close saves every dirty instance and disposes all of them. It is safe to
// call more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]string, 0, len(c.blocks))
	for id := range c.blocks {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		c.mu.Lock()
		blk := c.blocks[id]
		c.mu.Unlock()
		if blk == nil {
			continue
		}
		if blk.Core().State() != xblock.StateDisposed {
			if err := c.Save(blk); err != nil {
				c.log.Error("Save on close failed", "usage", id, "error", err)
				errs = append(errs, err)
			}
		}
		blk.Core().Dispose()
	}
	c.mu.Lock()
	c.blocks = map[string]xblock.Block{}
	c.pending = map[string]*queued{}
	c.mu.Unlock()
	return errors.Join(errs...)
}
