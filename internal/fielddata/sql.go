package fielddata

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	fieldrepo "github.com/yungbote/xblockcore/internal/data/repos/fieldstate"
	"github.com/yungbote/xblockcore/internal/domain/dbtypes"
	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

// SQLStore persists the user-facing scopes, one table per scope family.
// Content and settings live with block definitions and are rejected here.
type SQLStore struct {
	db   *gorm.DB
	log  *logger.Logger
	repo fieldrepo.FieldValueRepo
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *gorm.DB, baseLog *logger.Logger) *SQLStore {
	return &SQLStore{
		db:   db,
		log:  baseLog.With("service", "FieldDataSQLStore"),
		repo: fieldrepo.NewFieldValueRepo(db, baseLog),
	}
}

func toTuple(k Key) (fieldrepo.Tuple, error) {
	if k.Scope.IsDefinition() {
		return fieldrepo.Tuple{}, fmt.Errorf("%s: definition scopes are not stored in field tables: %w", k, ErrInvalidKey)
	}
	t := fieldrepo.Tuple{Scope: k.Scope, BlockScopeID: k.BlockScopeID, UserScopeID: k.UserScopeID, Name: k.Name}
	if k.Scope.BlockScope() == fields.BlockScopeUsage {
		u, err := keys.ParseUsageKey(k.BlockScopeID)
		if err != nil {
			return t, fmt.Errorf("%s: %v: %w", k, err, ErrInvalidKey)
		}
		t.CourseKey = u.Course.Canonical().String()
	}
	return t, nil
}

func (s *SQLStore) Get(ctx context.Context, key Key) (json.RawMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	t, err := toTuple(key)
	if err != nil {
		return nil, err
	}
	v, ok, err := s.repo.Get(dbctx.Of(ctx), t)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w: %v", key, ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return json.RawMessage(v), nil
}

// SetMany writes the batch in one transaction. Tuples are locked in sorted
// order, so two batches touching the same tuples cannot deadlock, and the
// last committed writer of a tuple wins.
func (s *SQLStore) SetMany(ctx context.Context, entries []Entry) error {
	batch, err := validateBatch(entries)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	tuples := make([]fieldrepo.Tuple, len(batch))
	for i, e := range batch {
		if tuples[i], err = toTuple(e.Key); err != nil {
			return err
		}
	}
	err = s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: txx}
		for _, t := range tuples {
			if err := s.repo.Lock(dbc, t); err != nil {
				return err
			}
		}
		for i, e := range batch {
			if e.IsDelete() {
				if err := s.repo.Delete(dbc, tuples[i]); err != nil {
					return err
				}
				continue
			}
			if err := s.repo.Upsert(dbc, tuples[i], dbtypes.JSON(e.Value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("Field flush failed", "entries", len(batch), "error", err)
		return fmt.Errorf("set %d field values: %w: %v", len(batch), ErrStorage, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	return s.SetMany(ctx, []Entry{{Key: key}})
}

func (s *SQLStore) Has(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	t, err := toTuple(key)
	if err != nil {
		return false, err
	}
	_, ok, err := s.repo.Get(dbctx.Of(ctx), t)
	if err != nil {
		return false, fmt.Errorf("has %s: %w: %v", key, ErrStorage, err)
	}
	return ok, nil
}

// DeleteForCourse is the course-delete cascade for per-usage rows.
func (s *SQLStore) DeleteForCourse(dbc dbctx.Context, course keys.CourseKey) error {
	return s.repo.DeleteByCourse(dbc, course.Canonical().String())
}

// DeleteForUser removes every row owned by user.
func (s *SQLStore) DeleteForUser(ctx context.Context, user string) error {
	return s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		return s.repo.DeleteByUser(dbctx.Context{Ctx: ctx, Tx: txx}, user)
	})
}
