// Package xmlimport builds a course from an OLX directory tree and writes
// courses back out in the same layout.
//
// Layout:
//
//	course.xml                  <course url_name="<run>" org="..." course="..."/>
//	course/<run>.xml            the course element
//	<tag>/<url_name>.xml        target of any element carrying only url_name
//	policies/<run>/policy.json  {"<tag>/<url_name>": {field: value}}
//	static/...                  uploaded to the asset store
package xmlimport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/xblockcore/internal/assets"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/xblock"
)

const defaultUploadConcurrency = 8

// ImportError reports a malformed or unsafe course archive. It matches both
// xerr.ErrImport and whatever caused it.
type ImportError struct {
	Path string
	Err  error
}

func (e *ImportError) Error() string {
	if e.Path == "" {
		return "import: " + e.Err.Error()
	}
	return "import " + e.Path + ": " + e.Err.Error()
}

func (e *ImportError) Unwrap() []error { return []error{xerr.ErrImport, e.Err} }

func importErr(p string, err error) error {
	var ie *ImportError
	if errors.As(err, &ie) {
		return err
	}
	return &ImportError{Path: p, Err: err}
}

// AssetStore is the slice of the asset store used for static/ files.
type AssetStore interface {
	Put(ctx context.Context, course keys.CourseKey, p string, data []byte, contentType string) (keys.AssetKey, error)
	List(ctx context.Context, course keys.CourseKey) ([]*assets.Asset, error)
	Get(ctx context.Context, key keys.AssetKey) (*assets.Asset, error)
}

type Options struct {
	// Org, Course and Run override the values found in course.xml.
	Org    string
	Course string
	Run    string
	User   string
	// Publish promotes the imported draft once the import commits.
	Publish bool
	// UploadConcurrency bounds parallel static uploads.
	UploadConcurrency int
}

type Result struct {
	Course  keys.CourseKey
	Blocks  int
	Assets  int
	Version int64
	// UnknownTypes lists block types stored without a registered class.
	UnknownTypes []string
}

type Importer struct {
	store    modulestore.ContentStore
	assets   AssetStore
	registry *xblock.Registry
	log      *logger.Logger
}

func New(store modulestore.ContentStore, assetStore AssetStore, registry *xblock.Registry, baseLog *logger.Logger) *Importer {
	return &Importer{
		store:    store,
		assets:   assetStore,
		registry: registry,
		log:      baseLog.With("service", "XMLImporter"),
	}
}

// Import reads the course rooted at dir. Blocks are written in one content
// store transaction; a failure anywhere leaves no course behind.
func (im *Importer) Import(ctx context.Context, dir string, opts Options) (*Result, error) {
	ctx, span := otel.Tracer("xblockcore/xmlimport").Start(ctx, "xmlimport.import")
	defer span.End()

	p := newParser(dir, im.registry)
	tree, courseKey, err := p.course(opts)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("course", courseKey.String()))

	coursePolicy, err := p.policies()
	if err != nil {
		return nil, err
	}
	if len(p.orphanPolicies) > 0 {
		im.log.Warn("Policy entries match no block", "course", courseKey.String(), "keys", p.orphanPolicies)
	}

	draft := courseKey.WithBranch(string(modulestore.Draft))
	if _, err := im.store.GetCourse(ctx, draft); err == nil {
		return nil, fmt.Errorf("%s: %w", courseKey, modulestore.ErrCourseExists)
	} else if !errors.Is(err, modulestore.ErrCourseNotFound) {
		return nil, err
	}

	uploaded, err := im.uploadStatic(ctx, dir, courseKey, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{Course: courseKey, Assets: uploaded, UnknownTypes: p.unknownTypes()}
	err = im.store.WithTx(ctx, draft, modulestore.TxOptions{
		Create:     true,
		RootFields: tree.Fields,
		User:       opts.User,
	}, func(w modulestore.Writer) error {
		if len(coursePolicy) > 0 {
			if err := w.SetPolicy(modulestore.PolicyCourse, coursePolicy); err != nil {
				return err
			}
		}
		n, err := createChildren(w, w.Course().RootUsage, tree, opts.User)
		if err != nil {
			return err
		}
		res.Blocks = n + 1
		res.Version = w.Course().DraftVersion
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Publish {
		if _, err := im.store.Publish(ctx, draft); err != nil {
			return nil, err
		}
	}
	im.log.Info("Course imported",
		"course", courseKey.String(),
		"blocks", res.Blocks,
		"assets", res.Assets,
		"unknown_types", res.UnknownTypes,
		"published", opts.Publish,
	)
	return res, nil
}

func createChildren(w modulestore.Writer, parent keys.UsageKey, it *item, user string) (int, error) {
	n := 0
	for _, child := range it.Children {
		usage, err := w.CreateBlock(parent, child.Type, child.Fields, modulestore.CreateOptions{
			BlockID: child.ID,
			User:    user,
		})
		if err != nil {
			if errors.Is(err, modulestore.ErrBlockExists) || errors.Is(err, xerr.ErrInvalidKey) {
				return n, importErr(child.Source, err)
			}
			return n, err
		}
		sub, err := createChildren(w, usage, child, user)
		n += sub + 1
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (im *Importer) uploadStatic(ctx context.Context, dir string, course keys.CourseKey, opts Options) (int, error) {
	staticDir := filepath.Join(dir, "static")
	info, err := os.Stat(staticDir)
	if err != nil || !info.IsDir() {
		return 0, nil
	}
	if im.assets == nil {
		im.log.Warn("No asset store configured, skipping static files", "course", course.String())
		return 0, nil
	}

	var files []string
	err = filepath.WalkDir(staticDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Symlinks could point outside the archive.
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, importErr("static", err)
	}

	limit := opts.UploadConcurrency
	if limit <= 0 {
		limit = defaultUploadConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, full := range files {
		full := full
		g.Go(func() error {
			rel, err := filepath.Rel(staticDir, full)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			data, err := os.ReadFile(full)
			if err != nil {
				return importErr(path.Join("static", rel), err)
			}
			if _, err := im.assets.Put(gctx, course, rel, data, ""); err != nil {
				return fmt.Errorf("upload %s: %w", rel, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(files), nil
}

// resolveCourseKey merges course.xml attributes with explicit overrides.
func resolveCourseKey(org, course, run string, opts Options) (keys.CourseKey, error) {
	k := keys.CourseKey{
		Org:    firstNonEmpty(opts.Org, org),
		Course: firstNonEmpty(opts.Course, course),
		Run:    firstNonEmpty(opts.Run, run),
	}
	if k.Org == "" || k.Course == "" || k.Run == "" {
		return keys.CourseKey{}, importErr("course.xml", fmt.Errorf("org, course and run required (got %q %q %q)", k.Org, k.Course, k.Run))
	}
	parsed, err := keys.ParseCourseKey(k.String())
	if err != nil {
		return keys.CourseKey{}, importErr("course.xml", err)
	}
	return parsed, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
