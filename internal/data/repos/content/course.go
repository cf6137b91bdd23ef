package content

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

type CourseRepo interface {
	Create(dbc dbctx.Context, row *types.Course) error
	GetByKey(dbc dbctx.Context, courseKey string) (*types.Course, error)
	LockByKey(dbc dbctx.Context, courseKey string) (*types.Course, error)
	List(dbc dbctx.Context, org string) ([]*types.Course, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	DeleteByID(dbc dbctx.Context, id uuid.UUID) error
}

type courseRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCourseRepo(db *gorm.DB, baseLog *logger.Logger) CourseRepo {
	return &courseRepo{
		db:  db,
		log: baseLog.With("repo", "CourseRepo"),
	}
}

func (r *courseRepo) Create(dbc dbctx.Context, row *types.Course) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row == nil {
		return nil
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return transaction.WithContext(dbc.Ctx).Create(row).Error
}

// GetByKey returns nil, nil when no course has the key.
func (r *courseRepo) GetByKey(dbc dbctx.Context, courseKey string) (*types.Course, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.Course
	err := transaction.WithContext(dbc.Ctx).
		Where("course_key = ?", courseKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// LockByKey reads the course row under a row lock; callers must hold a transaction.
func (r *courseRepo) LockByKey(dbc dbctx.Context, courseKey string) (*types.Course, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.Course
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("course_key = ?", courseKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *courseRepo) List(dbc dbctx.Context, org string) ([]*types.Course, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Course
	q := transaction.WithContext(dbc.Ctx).Order("course_key ASC")
	if org != "" {
		q = q.Where("org = ?", org)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *courseRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.Course{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *courseRepo) DeleteByID(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.Course{}).Error
}
