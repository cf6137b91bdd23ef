// Package modulestore persists course structure: versioned block definitions
// grouped into courses with a draft and a published branch.
//
// Every write allocates the next course version and records new block
// revisions at that version; the draft branch pointer then moves to it.
// Publishing copies the draft pointer into the published pointer in a single
// row update, so a published read (which resolves "latest revision at or
// below the published version") never observes a partial publish.
package modulestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	contentrepo "github.com/yungbote/xblockcore/internal/data/repos/content"
	types "github.com/yungbote/xblockcore/internal/domain"
	"github.com/yungbote/xblockcore/internal/domain/dbtypes"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

// ContentStore is the read/write surface consumed by the runtime, the
// importer and the HTTP layer.
type ContentStore interface {
	CreateCourse(ctx context.Context, key keys.CourseKey, fields map[string]json.RawMessage, user string) (*Course, error)
	GetCourse(ctx context.Context, key keys.CourseKey) (*Course, error)
	ListCourses(ctx context.Context, org string) ([]*Course, error)
	Pin(ctx context.Context, key keys.CourseKey) (keys.CourseKey, error)
	GetBlock(ctx context.Context, usage keys.UsageKey) (*BlockDefinition, error)
	GetChildren(ctx context.Context, usage keys.UsageKey) ([]*BlockDefinition, error)
	ListBlocks(ctx context.Context, course keys.CourseKey) ([]*BlockDefinition, error)
	CreateBlock(ctx context.Context, parent keys.UsageKey, blockType string, fields map[string]json.RawMessage, opts CreateOptions) (keys.UsageKey, error)
	UpdateBlock(ctx context.Context, usage keys.UsageKey, upd BlockUpdate) (int64, error)
	DeleteCourse(ctx context.Context, key keys.CourseKey) error
	Publish(ctx context.Context, key keys.CourseKey) (*Course, error)
	SetPolicy(ctx context.Context, key keys.CourseKey, layer PolicyLayer, policy map[string]json.RawMessage) error
	History(ctx context.Context, usage keys.UsageKey) ([]*BlockDefinition, error)
	PruneHistory(ctx context.Context, key keys.CourseKey, keep int) (int, error)
	WithTx(ctx context.Context, key keys.CourseKey, opts TxOptions, fn func(w Writer) error) error
}

// CascadeFunc removes rows owned by a course inside the delete transaction.
type CascadeFunc func(dbc dbctx.Context, course keys.CourseKey) error

type Options struct {
	// DefaultBranch applies to keys that name no branch. Authoring
	// deployments use Draft, learner-facing ones Published.
	DefaultBranch Branch
	Clock         func() time.Time
}

type Store struct {
	db        *gorm.DB
	log       *logger.Logger
	courses   contentrepo.CourseRepo
	revisions contentrepo.BlockRevisionRepo
	opts      Options

	cascadeMu sync.RWMutex
	cascades  []namedCascade
}

type namedCascade struct {
	name string
	fn   CascadeFunc
}

var _ ContentStore = (*Store)(nil)

func New(db *gorm.DB, baseLog *logger.Logger, opts Options) *Store {
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = Draft
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		db:        db,
		log:       baseLog.With("service", "ModuleStore"),
		courses:   contentrepo.NewCourseRepo(db, baseLog),
		revisions: contentrepo.NewBlockRevisionRepo(db, baseLog),
		opts:      opts,
	}
}

// RegisterCascade adds a hook run by DeleteCourse in its transaction.
func (s *Store) RegisterCascade(name string, fn CascadeFunc) {
	s.cascadeMu.Lock()
	defer s.cascadeMu.Unlock()
	s.cascades = append(s.cascades, namedCascade{name: name, fn: fn})
}

// DefaultBranch is the branch used for keys without one.
func (s *Store) DefaultBranch() Branch { return s.opts.DefaultBranch }

func (s *Store) CreateCourse(ctx context.Context, key keys.CourseKey, fields map[string]json.RawMessage, user string) (*Course, error) {
	var out *Course
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: txx}
		row, err := s.createCourseRow(dbc, key, fields, user)
		if err != nil {
			return err
		}
		out, err = s.courseView(dbc, row, key.Canonical(), row.DraftVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Course created", "course", key.Canonical().String(), "user_id", user)
	return out, nil
}

func (s *Store) createCourseRow(dbc dbctx.Context, key keys.CourseKey, fields map[string]json.RawMessage, user string) (*types.Course, error) {
	canon := key.Canonical()
	if canon.Org == "" || canon.Course == "" || canon.Run == "" {
		return nil, &keys.InvalidKeyError{Kind: "course", Input: key.String(), Reason: "org, course and run required"}
	}
	existing, err := s.courses.GetByKey(dbc, canon.String())
	if err != nil {
		return nil, storageErr("create course", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%s: %w", canon, ErrCourseExists)
	}
	now := s.opts.Clock()
	row := &types.Course{
		ID:             uuid.New(),
		CourseKey:      canon.String(),
		Org:            canon.Org,
		Code:           canon.Course,
		Run:            canon.Run,
		DraftVersion:   1,
		VersionCounter: 1,
		Policy:         dbtypes.JSON("{}"),
		RunPolicy:      dbtypes.JSON("{}"),
		CreatedBy:      user,
		CreatedAt:      now,
	}
	if err := s.courses.Create(dbc, row); err != nil {
		return nil, storageErr("create course", err)
	}
	root := &types.BlockRevision{
		CourseID:  row.ID,
		UsageKey:  canon.MakeUsageKey(RootBlockType, RootBlockID).String(),
		Version:   1,
		BlockType: RootBlockType,
		Fields:    encodeFields(fields),
		Children:  dbtypes.JSON("[]"),
		EditedOn:  now,
		EditedBy:  user,
	}
	if err := s.revisions.Put(dbc, root); err != nil {
		return nil, storageErr("create course root", err)
	}
	return row, nil
}

func (s *Store) GetCourse(ctx context.Context, key keys.CourseKey) (*Course, error) {
	dbc := dbctx.Of(ctx)
	row, version, err := s.resolve(dbc, key)
	if err != nil {
		return nil, err
	}
	return s.courseView(dbc, row, key, version)
}

func (s *Store) ListCourses(ctx context.Context, org string) ([]*Course, error) {
	dbc := dbctx.Of(ctx)
	rows, err := s.courses.List(dbc, org)
	if err != nil {
		return nil, storageErr("list courses", err)
	}
	out := make([]*Course, 0, len(rows))
	for _, row := range rows {
		ck, err := keys.ParseCourseKey(row.CourseKey)
		if err != nil {
			s.log.Warn("Skipping course with unparsable key", "course_key", row.CourseKey, "error", err)
			continue
		}
		out = append(out, courseHead(row, ck))
	}
	return out, nil
}

// Pin resolves the key's branch to a concrete version and returns a key that
// keeps reading that version, so a multi-call read sees one snapshot.
func (s *Store) Pin(ctx context.Context, key keys.CourseKey) (keys.CourseKey, error) {
	_, version, err := s.resolve(dbctx.Of(ctx), key)
	if err != nil {
		return keys.CourseKey{}, err
	}
	if key.Branch == "" {
		key = key.WithBranch(string(s.opts.DefaultBranch))
	}
	return key.WithVersion(VersionString(version)), nil
}

func (s *Store) GetBlock(ctx context.Context, usage keys.UsageKey) (*BlockDefinition, error) {
	dbc := dbctx.Of(ctx)
	row, version, err := s.resolve(dbc, usage.Course)
	if err != nil {
		return nil, err
	}
	rev, err := s.revisions.LatestAt(dbc, row.ID, usage.Canonical().String(), version)
	if err != nil {
		return nil, storageErr("get block", err)
	}
	if rev == nil {
		return nil, fmt.Errorf("%s: %w", usage, ErrBlockNotFound)
	}
	return toDefinition(rev, usage.Course)
}

// GetChildren returns the block's children in order, read at the same
// version as the parent.
func (s *Store) GetChildren(ctx context.Context, usage keys.UsageKey) ([]*BlockDefinition, error) {
	dbc := dbctx.Of(ctx)
	row, version, err := s.resolve(dbc, usage.Course)
	if err != nil {
		return nil, err
	}
	parent, err := s.revisions.LatestAt(dbc, row.ID, usage.Canonical().String(), version)
	if err != nil {
		return nil, storageErr("get children", err)
	}
	if parent == nil {
		return nil, fmt.Errorf("%s: %w", usage, ErrBlockNotFound)
	}
	children, err := decodeChildren(parent.Children, usage.Course)
	if err != nil {
		return nil, storageErr("decode children", err)
	}
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.Canonical().String()
	}
	revs, err := s.revisions.LatestManyAt(dbc, row.ID, names, version)
	if err != nil {
		return nil, storageErr("get children", err)
	}
	out := make([]*BlockDefinition, 0, len(children))
	for i, c := range children {
		rev, ok := revs[names[i]]
		if !ok {
			return nil, fmt.Errorf("child %s of %s: %w", c, usage, ErrBlockNotFound)
		}
		def, err := toDefinition(rev, usage.Course)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// ListBlocks returns every block of the course at the key's branch or version.
func (s *Store) ListBlocks(ctx context.Context, course keys.CourseKey) ([]*BlockDefinition, error) {
	dbc := dbctx.Of(ctx)
	row, version, err := s.resolve(dbc, course)
	if err != nil {
		return nil, err
	}
	revs, err := s.revisions.AllAt(dbc, row.ID, version)
	if err != nil {
		return nil, storageErr("list blocks", err)
	}
	out := make([]*BlockDefinition, 0, len(revs))
	for _, rev := range revs {
		def, err := toDefinition(rev, course)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *Store) History(ctx context.Context, usage keys.UsageKey) ([]*BlockDefinition, error) {
	dbc := dbctx.Of(ctx)
	row, _, err := s.resolve(dbc, usage.Course)
	if err != nil {
		return nil, err
	}
	revs, err := s.revisions.History(dbc, row.ID, usage.Canonical().String())
	if err != nil {
		return nil, storageErr("history", err)
	}
	if len(revs) == 0 {
		return nil, fmt.Errorf("%s: %w", usage, ErrBlockNotFound)
	}
	out := make([]*BlockDefinition, 0, len(revs))
	for _, rev := range revs {
		def, err := toDefinition(rev, usage.Course.Canonical())
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// resolve loads the course head and the version the key reads at.
func (s *Store) resolve(dbc dbctx.Context, key keys.CourseKey) (*types.Course, int64, error) {
	row, err := s.courses.GetByKey(dbc, key.Canonical().String())
	if err != nil {
		return nil, 0, storageErr("get course", err)
	}
	if row == nil {
		return nil, 0, fmt.Errorf("%s: %w", key.Canonical(), ErrCourseNotFound)
	}
	if key.Version != "" {
		v, err := parseVersion(key.Version)
		if err != nil {
			return nil, 0, err
		}
		if v > row.VersionCounter {
			return nil, 0, fmt.Errorf("%s: version %d: %w", key.Canonical(), v, ErrCourseNotFound)
		}
		return row, v, nil
	}
	branch := Branch(key.Branch)
	if branch == "" {
		branch = s.opts.DefaultBranch
	}
	switch branch {
	case Draft:
		return row, row.DraftVersion, nil
	case Published:
		return row, row.PublishedVersion, nil
	default:
		return nil, 0, &keys.InvalidKeyError{Kind: "course", Input: key.String(), Reason: "unknown branch " + key.Branch}
	}
}

func (s *Store) courseView(dbc dbctx.Context, row *types.Course, key keys.CourseKey, version int64) (*Course, error) {
	c := courseHead(row, key)
	rev, err := s.revisions.LatestAt(dbc, row.ID, c.RootUsage.Canonical().String(), version)
	if err != nil {
		return nil, storageErr("get course root", err)
	}
	if rev != nil {
		root, err := toDefinition(rev, key)
		if err != nil {
			return nil, err
		}
		c.Root = root
	}
	return c, nil
}

func courseHead(row *types.Course, key keys.CourseKey) *Course {
	return &Course{
		Key:              key.Canonical(),
		RootUsage:        key.MakeUsageKey(RootBlockType, RootBlockID),
		DraftVersion:     row.DraftVersion,
		PublishedVersion: row.PublishedVersion,
		VersionCounter:   row.VersionCounter,
		Policy:           decodeFieldMap(row.Policy),
		RunPolicy:        decodeFieldMap(row.RunPolicy),
		CreatedBy:        row.CreatedBy,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		PublishedAt:      row.PublishedAt,
	}
}

// toDefinition converts a revision row; keys in the result carry the caller's
// course key (branch or pinned version) so follow-up reads stay consistent.
func toDefinition(rev *types.BlockRevision, course keys.CourseKey) (*BlockDefinition, error) {
	usage, err := keys.ParseUsageKey(rev.UsageKey)
	if err != nil {
		return nil, storageErr("decode usage key", err)
	}
	children, err := decodeChildren(rev.Children, course)
	if err != nil {
		return nil, storageErr("decode children", err)
	}
	return &BlockDefinition{
		Usage:           usage.ForCourse(course),
		BlockType:       rev.BlockType,
		Fields:          decodeFieldMap(rev.Fields),
		Children:        children,
		Version:         rev.Version,
		PreviousVersion: rev.PreviousVersion,
		EditedOn:        rev.EditedOn,
		EditedBy:        rev.EditedBy,
	}, nil
}

func decodeChildren(raw dbtypes.JSON, course keys.CourseKey) ([]keys.UsageKey, error) {
	if len(raw) == 0 {
		return []keys.UsageKey{}, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, err
	}
	out := make([]keys.UsageKey, len(names))
	for i, n := range names {
		k, err := keys.ParseUsageKey(n)
		if err != nil {
			return nil, err
		}
		out[i] = k.ForCourse(course)
	}
	return out, nil
}

func encodeChildren(children []keys.UsageKey) dbtypes.JSON {
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.Canonical().String()
	}
	raw, _ := json.Marshal(names)
	return dbtypes.JSON(raw)
}

func decodeFieldMap(raw dbtypes.JSON) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]json.RawMessage{}
	}
	return out
}

func encodeFields(fields map[string]json.RawMessage) dbtypes.JSON {
	clean := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if isNullJSON(v) {
			continue
		}
		clean[k] = v
	}
	return dbtypes.JSON(marshalUnescaped(clean))
}

// marshalUnescaped keeps markup in field values byte for byte.
func marshalUnescaped(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return []byte("{}")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

func isNullJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
