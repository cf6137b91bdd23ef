package modulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/xblockcore/internal/domain"
	"github.com/yungbote/xblockcore/internal/domain/dbtypes"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
)

// Writer performs draft writes inside one transaction and one course
// version. Reads through a Writer observe its own writes.
type Writer interface {
	Course() *Course
	DB() dbctx.Context
	GetBlock(usage keys.UsageKey) (*BlockDefinition, error)
	CreateBlock(parent keys.UsageKey, blockType string, fields map[string]json.RawMessage, opts CreateOptions) (keys.UsageKey, error)
	UpdateBlock(usage keys.UsageKey, upd BlockUpdate) (int64, error)
	SetPolicy(layer PolicyLayer, policy map[string]json.RawMessage) error
}

type TxOptions struct {
	// Create makes the course (with RootFields) when it does not exist yet.
	Create     bool
	RootFields map[string]json.RawMessage
	User       string
}

type writeTx struct {
	s       *Store
	dbc     dbctx.Context
	row     *types.Course
	key     keys.CourseKey
	version int64
	user    string
}

// WithTx runs fn against a Writer holding the course row lock. Everything fn
// writes becomes one new draft version; if fn fails nothing is kept.
func (s *Store) WithTx(ctx context.Context, key keys.CourseKey, opts TxOptions, fn func(w Writer) error) error {
	return s.write(ctx, key, opts, func(w *writeTx) error { return fn(w) })
}

func (s *Store) write(ctx context.Context, key keys.CourseKey, opts TxOptions, fn func(w *writeTx) error) error {
	if Branch(key.Branch) == Published || key.Version != "" {
		return fmt.Errorf("%s: %w", key, ErrReadOnly)
	}
	canon := key.Canonical()
	return s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: txx}
		row, err := s.courses.LockByKey(dbc, canon.String())
		if err != nil {
			return storageErr("lock course", err)
		}
		if row == nil {
			if !opts.Create {
				return fmt.Errorf("%s: %w", canon, ErrCourseNotFound)
			}
			if row, err = s.createCourseRow(dbc, canon, opts.RootFields, opts.User); err != nil {
				return err
			}
		}
		w := &writeTx{s: s, dbc: dbc, row: row, key: canon, user: opts.User}
		if err := fn(w); err != nil {
			return err
		}
		if w.version == 0 {
			return nil
		}
		if err := s.courses.UpdateFields(dbc, row.ID, map[string]interface{}{
			"version_counter": w.version,
			"draft_version":   w.version,
		}); err != nil {
			return storageErr("advance draft", err)
		}
		return nil
	})
}

func (w *writeTx) Course() *Course {
	c := courseHead(w.row, w.key)
	if w.version != 0 {
		c.DraftVersion = w.version
		c.VersionCounter = w.version
	}
	return c
}

func (w *writeTx) DB() dbctx.Context { return w.dbc }

func (w *writeTx) readVersion() int64 {
	if w.version != 0 {
		return w.version
	}
	return w.row.DraftVersion
}

func (w *writeTx) allocate() int64 {
	if w.version == 0 {
		w.version = w.row.VersionCounter + 1
	}
	return w.version
}

func (w *writeTx) checkCourse(usage keys.UsageKey) error {
	if usage.Course.Canonical() != w.key {
		return fmt.Errorf("%s not in %s: %w", usage, w.key, ErrForeignChild)
	}
	return nil
}

func (w *writeTx) latest(usage keys.UsageKey) (*types.BlockRevision, error) {
	rev, err := w.s.revisions.LatestAt(w.dbc, w.row.ID, usage.Canonical().String(), w.readVersion())
	if err != nil {
		return nil, storageErr("get block", err)
	}
	return rev, nil
}

func (w *writeTx) GetBlock(usage keys.UsageKey) (*BlockDefinition, error) {
	if err := w.checkCourse(usage); err != nil {
		return nil, err
	}
	rev, err := w.latest(usage)
	if err != nil {
		return nil, err
	}
	if rev == nil {
		return nil, fmt.Errorf("%s: %w", usage, ErrBlockNotFound)
	}
	return toDefinition(rev, w.key)
}

func (w *writeTx) CreateBlock(parent keys.UsageKey, blockType string, fields map[string]json.RawMessage, opts CreateOptions) (keys.UsageKey, error) {
	if strings.TrimSpace(blockType) == "" {
		return keys.UsageKey{}, fmt.Errorf("block type required: %w", xerr.ErrInvalidArgument)
	}
	id := opts.BlockID
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	usage := w.key.MakeUsageKey(blockType, id)
	if _, err := keys.ParseUsageKey(usage.String()); err != nil {
		return keys.UsageKey{}, err
	}
	existing, err := w.latest(usage)
	if err != nil {
		return keys.UsageKey{}, err
	}
	if existing != nil {
		return keys.UsageKey{}, fmt.Errorf("%s: %w", usage, ErrBlockExists)
	}
	if err := w.requireExisting(opts.Children); err != nil {
		return keys.UsageKey{}, err
	}

	var parentRev *types.BlockRevision
	if !parent.IsZero() {
		if err := w.checkCourse(parent); err != nil {
			return keys.UsageKey{}, err
		}
		if parentRev, err = w.latest(parent); err != nil {
			return keys.UsageKey{}, err
		}
		if parentRev == nil {
			return keys.UsageKey{}, fmt.Errorf("parent %s: %w", parent, ErrBlockNotFound)
		}
	}

	v := w.allocate()
	user := firstNonEmpty(opts.User, w.user)
	now := w.s.opts.Clock()
	rev := &types.BlockRevision{
		CourseID:  w.row.ID,
		UsageKey:  usage.String(),
		Version:   v,
		BlockType: blockType,
		Fields:    encodeFields(fields),
		Children:  encodeChildren(opts.Children),
		EditedOn:  now,
		EditedBy:  user,
	}
	if err := w.s.revisions.Put(w.dbc, rev); err != nil {
		return keys.UsageKey{}, storageErr("create block", err)
	}

	if parentRev != nil {
		siblings, err := decodeChildren(parentRev.Children, w.key)
		if err != nil {
			return keys.UsageKey{}, storageErr("decode children", err)
		}
		if err := w.putRevision(parentRev, parentRev.Fields, encodeChildren(append(siblings, usage)), user); err != nil {
			return keys.UsageKey{}, err
		}
	}
	return usage, nil
}

func (w *writeTx) UpdateBlock(usage keys.UsageKey, upd BlockUpdate) (int64, error) {
	if err := w.checkCourse(usage); err != nil {
		return 0, err
	}
	rev, err := w.latest(usage)
	if err != nil {
		return 0, err
	}
	if rev == nil {
		return 0, fmt.Errorf("%s: %w", usage, ErrBlockNotFound)
	}
	if upd.ExpectedVersion != 0 && rev.Version != upd.ExpectedVersion {
		return 0, fmt.Errorf("%s: expected version %d, found %d: %w", usage, upd.ExpectedVersion, rev.Version, ErrConcurrentUpdate)
	}

	fieldsJSON := rev.Fields
	if upd.Fields != nil {
		merged := decodeFieldMap(rev.Fields)
		for k, v := range upd.Fields {
			if isNullJSON(v) {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		fieldsJSON = encodeFields(merged)
	}
	childrenJSON := rev.Children
	if upd.Children != nil {
		if err := w.requireExisting(upd.Children); err != nil {
			return 0, err
		}
		if err := w.checkAcyclic(usage, upd.Children); err != nil {
			return 0, err
		}
		childrenJSON = encodeChildren(upd.Children)
	}
	if err := w.putRevision(rev, fieldsJSON, childrenJSON, firstNonEmpty(upd.User, w.user)); err != nil {
		return 0, err
	}
	return w.version, nil
}

// putRevision writes prev's successor at the transaction version.
func (w *writeTx) putRevision(prev *types.BlockRevision, fieldsJSON, childrenJSON dbtypes.JSON, user string) error {
	v := w.allocate()
	next := &types.BlockRevision{
		CourseID:        w.row.ID,
		UsageKey:        prev.UsageKey,
		Version:         v,
		BlockType:       prev.BlockType,
		PreviousVersion: prev.Version,
		Fields:          fieldsJSON,
		Children:        childrenJSON,
		EditedOn:        w.s.opts.Clock(),
		EditedBy:        user,
	}
	if err := w.s.revisions.Put(w.dbc, next); err != nil {
		return storageErr("update block", err)
	}
	return nil
}

func (w *writeTx) requireExisting(children []keys.UsageKey) error {
	if len(children) == 0 {
		return nil
	}
	names := make([]string, len(children))
	seen := make(map[string]struct{}, len(children))
	for i, c := range children {
		if err := w.checkCourse(c); err != nil {
			return err
		}
		names[i] = c.Canonical().String()
		if _, dup := seen[names[i]]; dup {
			return fmt.Errorf("child %s listed twice: %w", c, ErrCycle)
		}
		seen[names[i]] = struct{}{}
	}
	revs, err := w.s.revisions.LatestManyAt(w.dbc, w.row.ID, names, w.readVersion())
	if err != nil {
		return storageErr("check children", err)
	}
	for i, n := range names {
		if _, ok := revs[n]; !ok {
			return fmt.Errorf("child %s: %w", children[i], ErrBlockNotFound)
		}
	}
	return nil
}

// checkAcyclic walks the subtrees of the proposed children and fails if any
// of them reaches usage.
func (w *writeTx) checkAcyclic(usage keys.UsageKey, children []keys.UsageKey) error {
	target := usage.Canonical().String()
	visited := map[string]struct{}{}
	frontier := make([]string, 0, len(children))
	for _, c := range children {
		frontier = append(frontier, c.Canonical().String())
	}
	for len(frontier) > 0 {
		batch := frontier[:0:0]
		for _, n := range frontier {
			if n == target {
				return fmt.Errorf("%s: %w", usage, ErrCycle)
			}
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			batch = append(batch, n)
		}
		if len(batch) == 0 {
			break
		}
		revs, err := w.s.revisions.LatestManyAt(w.dbc, w.row.ID, batch, w.readVersion())
		if err != nil {
			return storageErr("check cycle", err)
		}
		frontier = frontier[:0:0]
		for _, n := range batch {
			rev, ok := revs[n]
			if !ok {
				continue
			}
			var names []string
			if err := json.Unmarshal(rev.Children, &names); err != nil {
				return storageErr("decode children", err)
			}
			frontier = append(frontier, names...)
		}
	}
	return nil
}

func (w *writeTx) SetPolicy(layer PolicyLayer, policy map[string]json.RawMessage) error {
	column := "policy"
	switch layer {
	case PolicyCourse:
	case PolicyRun:
		column = "run_policy"
	default:
		return fmt.Errorf("unknown policy layer %q: %w", layer, xerr.ErrInvalidArgument)
	}
	raw := encodeFields(policy)
	if err := w.s.courses.UpdateFields(w.dbc, w.row.ID, map[string]interface{}{column: raw}); err != nil {
		return storageErr("set policy", err)
	}
	if layer == PolicyCourse {
		w.row.Policy = raw
	} else {
		w.row.RunPolicy = raw
	}
	return nil
}

func (s *Store) CreateBlock(ctx context.Context, parent keys.UsageKey, blockType string, fields map[string]json.RawMessage, opts CreateOptions) (keys.UsageKey, error) {
	course := opts.Course
	if !parent.IsZero() {
		course = parent.Course
	}
	var out keys.UsageKey
	err := s.write(ctx, course, TxOptions{User: opts.User}, func(w *writeTx) error {
		var err error
		out, err = w.CreateBlock(parent, blockType, fields, opts)
		return err
	})
	if err != nil {
		return keys.UsageKey{}, err
	}
	return out.ForCourse(course), nil
}

func (s *Store) UpdateBlock(ctx context.Context, usage keys.UsageKey, upd BlockUpdate) (int64, error) {
	var version int64
	err := s.write(ctx, usage.Course, TxOptions{User: upd.User}, func(w *writeTx) error {
		var err error
		version, err = w.UpdateBlock(usage, upd)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("Block updated", "usage", usage.String(), "version", version)
	return version, nil
}

func (s *Store) SetPolicy(ctx context.Context, key keys.CourseKey, layer PolicyLayer, policy map[string]json.RawMessage) error {
	return s.write(ctx, key, TxOptions{}, func(w *writeTx) error {
		return w.SetPolicy(layer, policy)
	})
}

// Publish points the published branch at the current draft version.
func (s *Store) Publish(ctx context.Context, key keys.CourseKey) (*Course, error) {
	canon := key.Canonical()
	var out *Course
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: txx}
		row, err := s.courses.LockByKey(dbc, canon.String())
		if err != nil {
			return storageErr("lock course", err)
		}
		if row == nil {
			return fmt.Errorf("%s: %w", canon, ErrCourseNotFound)
		}
		now := s.opts.Clock()
		if err := s.courses.UpdateFields(dbc, row.ID, map[string]interface{}{
			"published_version": row.DraftVersion,
			"published_at":      now,
		}); err != nil {
			return storageErr("publish", err)
		}
		row.PublishedVersion = row.DraftVersion
		row.PublishedAt = &now
		out, err = s.courseView(dbc, row, canon.WithBranch(string(Published)), row.PublishedVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Course published", "course", canon.String(), "version", out.PublishedVersion)
	return out, nil
}

// DeleteCourse removes the course, its revisions and, through the registered
// cascades, every row other components keep for it.
func (s *Store) DeleteCourse(ctx context.Context, key keys.CourseKey) error {
	canon := key.Canonical()
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: txx}
		row, err := s.courses.LockByKey(dbc, canon.String())
		if err != nil {
			return storageErr("lock course", err)
		}
		if row == nil {
			return fmt.Errorf("%s: %w", canon, ErrCourseNotFound)
		}
		s.cascadeMu.RLock()
		cascades := append([]namedCascade(nil), s.cascades...)
		s.cascadeMu.RUnlock()
		for _, c := range cascades {
			if err := c.fn(dbc, canon); err != nil {
				return storageErr("cascade "+c.name, err)
			}
		}
		if err := s.revisions.DeleteByCourse(dbc, row.ID); err != nil {
			return storageErr("delete revisions", err)
		}
		if err := s.courses.DeleteByID(dbc, row.ID); err != nil {
			return storageErr("delete course", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("Course deleted", "course", canon.String())
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
