package tracking

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/xblockcore/internal/domain"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

type CompletionRepo interface {
	NextSeq(dbc dbctx.Context, userID string) (int64, error)
	InsertEvent(dbc dbctx.Context, row *types.CompletionEvent) error
	UpsertBlock(dbc dbctx.Context, row *types.BlockCompletion) error
	ListBlocks(dbc dbctx.Context, userID, courseKey string) ([]*types.BlockCompletion, error)
	ListEvents(dbc dbctx.Context, userID, courseKey string) ([]*types.CompletionEvent, error)
	DeleteByCourse(dbc dbctx.Context, courseKey string) error
}

type completionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCompletionRepo(db *gorm.DB, baseLog *logger.Logger) CompletionRepo {
	return &completionRepo{
		db:  db,
		log: baseLog.With("repo", "CompletionRepo"),
	}
}

// NextSeq returns one past the user's highest event sequence number.
func (r *completionRepo) NextSeq(dbc dbctx.Context, userID string) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var max sql.NullInt64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.CompletionEvent{}).
		Where("user_id = ?", userID).
		Select("MAX(seq)").
		Row().Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

func (r *completionRepo) InsertEvent(dbc dbctx.Context, row *types.CompletionEvent) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	return transaction.WithContext(dbc.Ctx).Create(row).Error
}

func (r *completionRepo) UpsertBlock(dbc dbctx.Context, row *types.BlockCompletion) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "usage_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"fraction", "course_key", "updated_at"}),
		}).
		Create(row).Error
}

func (r *completionRepo) ListBlocks(dbc dbctx.Context, userID, courseKey string) ([]*types.BlockCompletion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BlockCompletion
	err := transaction.WithContext(dbc.Ctx).
		Where("user_id = ? AND course_key = ?", userID, courseKey).
		Order("usage_key ASC").
		Find(&out).Error
	return out, err
}

// ListEvents returns the user's events for a course in sequence order.
func (r *completionRepo) ListEvents(dbc dbctx.Context, userID, courseKey string) ([]*types.CompletionEvent, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.CompletionEvent
	err := transaction.WithContext(dbc.Ctx).
		Where("user_id = ? AND course_key = ?", userID, courseKey).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

func (r *completionRepo) DeleteByCourse(dbc dbctx.Context, courseKey string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	tx := transaction.WithContext(dbc.Ctx)
	if err := tx.Where("course_key = ?", courseKey).Delete(&types.CompletionEvent{}).Error; err != nil {
		return err
	}
	return tx.Where("course_key = ?", courseKey).Delete(&types.BlockCompletion{}).Error
}
