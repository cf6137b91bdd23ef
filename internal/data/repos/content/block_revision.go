package content

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/xblockcore/internal/domain"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

// RevisionHead is the light projection used for history pruning.
type RevisionHead struct {
	ID       uuid.UUID
	UsageKey string
	Version  int64
}

type BlockRevisionRepo interface {
	Put(dbc dbctx.Context, row *types.BlockRevision) error
	LatestAt(dbc dbctx.Context, courseID uuid.UUID, usageKey string, version int64) (*types.BlockRevision, error)
	LatestManyAt(dbc dbctx.Context, courseID uuid.UUID, usageKeys []string, version int64) (map[string]*types.BlockRevision, error)
	AllAt(dbc dbctx.Context, courseID uuid.UUID, version int64) ([]*types.BlockRevision, error)
	History(dbc dbctx.Context, courseID uuid.UUID, usageKey string) ([]*types.BlockRevision, error)
	Heads(dbc dbctx.Context, courseID uuid.UUID) ([]RevisionHead, error)
	DeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) error
	DeleteByCourse(dbc dbctx.Context, courseID uuid.UUID) error
}

type blockRevisionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBlockRevisionRepo(db *gorm.DB, baseLog *logger.Logger) BlockRevisionRepo {
	return &blockRevisionRepo{
		db:  db,
		log: baseLog.With("repo", "BlockRevisionRepo"),
	}
}

// Put inserts the revision, or overwrites the row already written for the
// same (course, usage, version) within the current write.
func (r *blockRevisionRepo) Put(dbc dbctx.Context, row *types.BlockRevision) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row == nil {
		return nil
	}
	if row.EditedOn.IsZero() {
		row.EditedOn = time.Now().UTC()
	}
	var existing types.BlockRevision
	err := transaction.WithContext(dbc.Ctx).
		Where("course_id = ? AND usage_key = ? AND version = ?", row.CourseID, row.UsageKey, row.Version).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		return transaction.WithContext(dbc.Ctx).Create(row).Error
	case err != nil:
		return err
	}
	row.ID = existing.ID
	row.PreviousVersion = existing.PreviousVersion
	return transaction.WithContext(dbc.Ctx).Save(row).Error
}

// LatestAt returns nil, nil when the usage has no revision at or below version.
func (r *blockRevisionRepo) LatestAt(dbc dbctx.Context, courseID uuid.UUID, usageKey string, version int64) (*types.BlockRevision, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.BlockRevision
	err := transaction.WithContext(dbc.Ctx).
		Where("course_id = ? AND usage_key = ? AND version <= ?", courseID, usageKey, version).
		Order("version DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *blockRevisionRepo) LatestManyAt(dbc dbctx.Context, courseID uuid.UUID, usageKeys []string, version int64) (map[string]*types.BlockRevision, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	out := make(map[string]*types.BlockRevision, len(usageKeys))
	if len(usageKeys) == 0 {
		return out, nil
	}
	var rows []*types.BlockRevision
	if err := transaction.WithContext(dbc.Ctx).
		Where("course_id = ? AND usage_key IN ? AND version <= ?", courseID, usageKeys, version).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return latestPerUsage(rows, out), nil
}

func (r *blockRevisionRepo) AllAt(dbc dbctx.Context, courseID uuid.UUID, version int64) ([]*types.BlockRevision, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.BlockRevision
	if err := transaction.WithContext(dbc.Ctx).
		Where("course_id = ? AND version <= ?", courseID, version).
		Order("usage_key ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	latest := latestPerUsage(rows, map[string]*types.BlockRevision{})
	out := make([]*types.BlockRevision, 0, len(latest))
	for _, row := range rows {
		if latest[row.UsageKey] == row {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *blockRevisionRepo) History(dbc dbctx.Context, courseID uuid.UUID, usageKey string) ([]*types.BlockRevision, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []*types.BlockRevision
	if err := transaction.WithContext(dbc.Ctx).
		Where("course_id = ? AND usage_key = ?", courseID, usageKey).
		Order("version DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *blockRevisionRepo) Heads(dbc dbctx.Context, courseID uuid.UUID) ([]RevisionHead, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []RevisionHead
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.BlockRevision{}).
		Select("id", "usage_key", "version").
		Where("course_id = ?", courseID).
		Order("usage_key ASC, version DESC").
		Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *blockRevisionRepo) DeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Delete(&types.BlockRevision{}).Error
}

func (r *blockRevisionRepo) DeleteByCourse(dbc dbctx.Context, courseID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Where("course_id = ?", courseID).
		Delete(&types.BlockRevision{}).Error
}

func latestPerUsage(rows []*types.BlockRevision, out map[string]*types.BlockRevision) map[string]*types.BlockRevision {
	for _, row := range rows {
		if cur, ok := out[row.UsageKey]; !ok || row.Version > cur.Version {
			out[row.UsageKey] = row
		}
	}
	return out
}
