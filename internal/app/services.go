package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/xblockcore/internal/assets"
	"github.com/yungbote/xblockcore/internal/blocks"
	"github.com/yungbote/xblockcore/internal/completion"
	"github.com/yungbote/xblockcore/internal/fielddata"
	"github.com/yungbote/xblockcore/internal/i18n"
	"github.com/yungbote/xblockcore/internal/modulestore"
	"github.com/yungbote/xblockcore/internal/observability"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/progress"
	"github.com/yungbote/xblockcore/internal/runtime"
	"github.com/yungbote/xblockcore/internal/sandbox"
	"github.com/yungbote/xblockcore/internal/temporalx/coursejobs"
	"github.com/yungbote/xblockcore/internal/temporalx/temporalworker"
	"github.com/yungbote/xblockcore/internal/xblock"
	"github.com/yungbote/xblockcore/internal/xmlimport"
)

type Services struct {
	Store      *modulestore.Store
	Registry   *xblock.Registry
	UserFields *fielddata.SQLStore
	FieldData  fielddata.Store
	Sandbox    sandbox.Runner
	Assets     *assets.Store
	Completion *completion.Stream
	Progress   *progress.Aggregator
	Runtime    *runtime.Runtime
	Importer   *xmlimport.Importer

	Jobs   coursejobs.Dispatcher
	Worker *temporalworker.Runner
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	registry, err := blocks.NewRegistry(log)
	if err != nil {
		return Services{}, fmt.Errorf("init block registry: %w", err)
	}

	store := modulestore.New(db, log, modulestore.Options{DefaultBranch: cfg.Branch})
	assetStore := assets.NewStore(db, log, clients.Blobs)
	userFields := fielddata.NewSQLStore(db, log)
	fieldData := fielddata.NewSplitStore(fielddata.NewDefinitionStore(store, cfg.Branch), userFields)

	jail := sandbox.New(sandbox.Config{
		Python:   cfg.SandboxPython,
		LibZip:   cfg.SandboxLibZip,
		PoolSize: cfg.SandboxPoolSize,
		Isolate:  cfg.SandboxIsolate,
	}, log)
	if err := jail.AssertReady(); err != nil {
		if cfg.SandboxIsolate {
			return Services{}, fmt.Errorf("init sandbox: %w", err)
		}
		log.Warn("Sandbox not ready; problems with code will fail", "error", err)
	}
	if !cfg.SandboxIsolate {
		log.Warn("SANDBOX_ISOLATE=false; guest code runs with the server's filesystem and network")
	}
	runner := instrumentSandbox(jail, cfg.SandboxWallSeconds)

	stream := completion.NewStream(db, log, completion.Options{Store: store, Bus: clients.CompletionBus})
	agg := progress.New(store, fieldData, stream, clients.ProgressCache, log, progress.Options{
		TTL:    cfg.ProgressCacheTTL,
		Branch: cfg.Branch,
	})
	stream.OnEvent(func(ev completion.Event) {
		observability.Current().IncCompletionEvent()
		agg.OnCompletion(ev)
	})

	rt := runtime.New(runtime.Services{
		Store:      store,
		Registry:   registry,
		FieldData:  fieldData,
		Sandbox:    runner,
		Assets:     assetStore,
		Completion: stream,
		I18n:       i18n.NewCatalog(),
		OnSignal: func(ctx context.Context, sig xblock.Signal) {
			agg.OnSignal(ctx, sig)
		},
	}, runtime.Options{Branch: cfg.Branch}, log)

	store.RegisterCascade("assets", assetStore.DeleteForCourse)
	store.RegisterCascade("field_state", userFields.DeleteForCourse)
	store.RegisterCascade("completion", stream.DeleteForCourse)

	importer := xmlimport.New(store, assetStore, registry, log)
	acts := &coursejobs.Activities{Log: log, Importer: importer, Store: store}

	var worker *temporalworker.Runner
	if clients.Temporal != nil {
		worker, err = temporalworker.NewRunner(log, cfg.Temporal, clients.Temporal, acts)
		if err != nil {
			return Services{}, fmt.Errorf("init temporal worker: %w", err)
		}
	}

	return Services{
		Store:      store,
		Registry:   registry,
		UserFields: userFields,
		FieldData:  fieldData,
		Sandbox:    runner,
		Assets:     assetStore,
		Completion: stream,
		Progress:   agg,
		Runtime:    rt,
		Importer:   importer,
		Jobs:       coursejobs.NewDispatcher(clients.Temporal, cfg.Temporal.TaskQueue, acts),
		Worker:     worker,
	}, nil
}
