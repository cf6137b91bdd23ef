// Package runtime binds block definitions, field data and services into
// per-request block instances and drives rendering, handlers and saves.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yungbote/xblockcore/internal/completion"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/fielddata"
	"github.com/yungbote/xblockcore/internal/i18n"
	"github.com/yungbote/xblockcore/internal/modulestore"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/platform/ctxutil"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/policy"
	"github.com/yungbote/xblockcore/internal/sandbox"
	"github.com/yungbote/xblockcore/internal/xblock"
)

const DefaultMaxDepth = 100

var (
	ErrMaxDepth        = errors.New("block tree deeper than the runtime allows")
	ErrViewNotFound    = fmt.Errorf("view not found: %w", xerr.ErrNotFound)
	ErrHandlerNotFound = xerr.ErrHandlerNotFound
	ErrEvictDirty      = fmt.Errorf("cannot evict a block with unsaved changes: %w", xerr.ErrInvalidArgument)
)

// AssetFinder resolves a course-relative static path to its stored asset.
type AssetFinder interface {
	FindKey(ctx context.Context, course keys.CourseKey, path string) (keys.AssetKey, error)
}

// CompletionRecorder is the sink for completion events published by blocks.
type CompletionRecorder interface {
	Record(ctx context.Context, ev completion.Event) (completion.Event, error)
}

type Services struct {
	Store      modulestore.ContentStore
	Registry   *xblock.Registry
	FieldData  fielddata.Store
	Sandbox    sandbox.Runner
	Assets     AssetFinder
	Completion CompletionRecorder
	I18n       *i18n.Catalog
	// OnSignal receives signals emitted by blocks after the emitting block saved.
	OnSignal func(ctx context.Context, sig xblock.Signal)
}

type Options struct {
	MaxDepth int
	// Branch is used when a request does not name one.
	Branch         modulestore.Branch
	PolicyDefaults map[string]json.RawMessage
	AssetURLPrefix string
}

type Runtime struct {
	svc  Services
	opts Options
	log  *logger.Logger
}

func New(svc Services, opts Options, baseLog *logger.Logger) *Runtime {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Branch == "" {
		opts.Branch = modulestore.Draft
	}
	if opts.AssetURLPrefix == "" {
		opts.AssetURLPrefix = "/assets/"
	}
	if svc.I18n == nil {
		svc.I18n = i18n.NewCatalog()
	}
	if svc.FieldData == nil && svc.Store != nil {
		svc.FieldData = fielddata.NewSplitStore(fielddata.NewDefinitionStore(svc.Store, opts.Branch), fielddata.NewMemoryStore())
	}
	return &Runtime{svc: svc, opts: opts, log: baseLog.With("component", "XBlockRuntime")}
}

func (rt *Runtime) Store() modulestore.ContentStore { return rt.svc.Store }

func (rt *Runtime) Registry() *xblock.Registry { return rt.svc.Registry }

// NewRequest starts a request scope. Nothing it caches is shared with other
// requests.
func (rt *Runtime) NewRequest(ctx context.Context, user xblock.User, branch modulestore.Branch) *Context {
	ctx = ctxutil.Default(ctx)
	if branch == "" {
		branch = rt.opts.Branch
	}
	return &Context{
		rt:         rt,
		ctx:        ctx,
		user:       user,
		branch:     branch,
		log:        rt.log.With("user_id", user.ID, "branch", string(branch)),
		fields:     fielddata.NewCache(rt.svc.FieldData),
		blocks:     map[string]xblock.Block{},
		pins:       map[keys.CourseKey]keys.CourseKey{},
		policies:   map[keys.CourseKey]*policy.Overlay{},
		translator: rt.svc.I18n.For(user.Locale),
		pending:    map[string]*queued{},
	}
}
