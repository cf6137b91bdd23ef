package media

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/xblockcore/internal/domain"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

type AssetRepo interface {
	// Create inserts row, or leaves an existing row with the same key alone.
	Create(dbc dbctx.Context, row *types.Asset) error
	GetByKey(dbc dbctx.Context, assetKey string) (*types.Asset, error)
	LatestByPath(dbc dbctx.Context, courseKey, path string) (*types.Asset, error)
	ListByCourse(dbc dbctx.Context, courseKey string) ([]*types.Asset, error)
	DeleteByCourse(dbc dbctx.Context, courseKey string) ([]*types.Asset, error)
}

type assetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAssetRepo(db *gorm.DB, baseLog *logger.Logger) AssetRepo {
	return &assetRepo{
		db:  db,
		log: baseLog.With("repo", "AssetRepo"),
	}
}

func (r *assetRepo) Create(dbc dbctx.Context, row *types.Asset) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "asset_key"}}, DoNothing: true}).
		Create(row).Error
}

// GetByKey returns nil, nil when the key is unknown.
func (r *assetRepo) GetByKey(dbc dbctx.Context, assetKey string) (*types.Asset, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.Asset
	err := transaction.WithContext(dbc.Ctx).Where("asset_key = ?", assetKey).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// LatestByPath returns the newest upload for path, or nil, nil.
func (r *assetRepo) LatestByPath(dbc dbctx.Context, courseKey, path string) (*types.Asset, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.Asset
	err := transaction.WithContext(dbc.Ctx).
		Where("course_key = ? AND path = ?", courseKey, path).
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *assetRepo) ListByCourse(dbc dbctx.Context, courseKey string) ([]*types.Asset, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Asset
	err := transaction.WithContext(dbc.Ctx).
		Where("course_key = ?", courseKey).
		Order("path ASC, created_at ASC").
		Find(&out).Error
	return out, err
}

// DeleteByCourse removes the course's rows and returns them so the caller can
// drop unreferenced blobs.
func (r *assetRepo) DeleteByCourse(dbc dbctx.Context, courseKey string) ([]*types.Asset, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	tx := transaction.WithContext(dbc.Ctx)
	var rows []*types.Asset
	if err := tx.Where("course_key = ?", courseKey).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := tx.Where("course_key = ?", courseKey).Delete(&types.Asset{}).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
