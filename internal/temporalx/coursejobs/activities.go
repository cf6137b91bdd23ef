package coursejobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/observability"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/xmlimport"
)

type Importer interface {
	Import(ctx context.Context, dir string, opts xmlimport.Options) (*xmlimport.Result, error)
}

type Pruner interface {
	PruneHistory(ctx context.Context, key keys.CourseKey, keep int) (int, error)
}

type Activities struct {
	Log      *logger.Logger
	Importer Importer
	Store    Pruner
}

func (a *Activities) ImportCourse(ctx context.Context, req ImportRequest) (ImportResult, error) {
	if strings.TrimSpace(req.Dir) == "" {
		return ImportResult{}, nonRetryable(errors.New("import: dir required"))
	}
	start := time.Now()
	res, err := a.Importer.Import(ctx, req.Dir, xmlimport.Options{
		Org:     req.Org,
		Course:  req.Course,
		Run:     req.Run,
		User:    req.User,
		Publish: req.Publish,
	})
	if err != nil {
		observability.Current().ObserveImport(0, err)
		if a.Log != nil {
			a.Log.Warn("Course import failed", "dir", req.Dir, "error", err, "elapsed", time.Since(start))
		}
		return ImportResult{}, classify(err)
	}
	observability.Current().ObserveImport(res.Blocks, nil)
	return ImportResult{
		Course:       res.Course.String(),
		Blocks:       res.Blocks,
		Assets:       res.Assets,
		Version:      res.Version,
		UnknownTypes: res.UnknownTypes,
	}, nil
}

func (a *Activities) PruneHistory(ctx context.Context, req PruneRequest) (PruneResult, error) {
	course, err := keys.ParseCourseKey(req.Course)
	if err != nil {
		return PruneResult{}, nonRetryable(err)
	}
	removed, err := a.Store.PruneHistory(ctx, course, req.Keep)
	if err != nil {
		return PruneResult{}, classify(err)
	}
	if a.Log != nil {
		a.Log.Info("Course history pruned", "course", course.String(), "keep", req.Keep, "removed", removed)
	}
	return PruneResult{Course: course.Canonical().String(), Removed: removed}, nil
}

// classify marks errors a retry cannot fix. Storage failures stay
// retryable.
func classify(err error) error {
	if errors.Is(err, xerr.ErrStorage) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nonRetryable(err)
}

func nonRetryable(err error) error {
	return temporal.NewNonRetryableApplicationError(err.Error(), errorType(err), err)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, xerr.ErrImportCycle):
		return "import_cycle"
	case errors.Is(err, xerr.ErrImport):
		return "import_error"
	case errors.Is(err, xerr.ErrCourseNotFound):
		return "course_not_found"
	case errors.Is(err, xerr.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, xerr.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "course_job_error"
	}
}
