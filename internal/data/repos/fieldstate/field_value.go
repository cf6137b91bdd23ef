package fieldstate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/xblockcore/internal/domain"
	"github.com/yungbote/xblockcore/internal/domain/dbtypes"
	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
	"github.com/yungbote/xblockcore/internal/platform/logger"
)

// Tuple addresses one row in the table of its scope family.
type Tuple struct {
	Scope        fields.Scope
	BlockScopeID string
	UserScopeID  string
	Name         string
	// CourseKey is recorded on usage-scoped rows for course cascades.
	CourseKey string
}

type FieldValueRepo interface {
	Get(dbc dbctx.Context, t Tuple) (dbtypes.JSON, bool, error)
	Lock(dbc dbctx.Context, t Tuple) error
	Upsert(dbc dbctx.Context, t Tuple, value dbtypes.JSON) error
	Delete(dbc dbctx.Context, t Tuple) error
	DeleteByCourse(dbc dbctx.Context, courseKey string) error
	DeleteByUser(dbc dbctx.Context, userID string) error
}

type fieldValueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFieldValueRepo(db *gorm.DB, baseLog *logger.Logger) FieldValueRepo {
	return &fieldValueRepo{
		db:  db,
		log: baseLog.With("repo", "FieldValueRepo"),
	}
}

type valueRow struct {
	Value dbtypes.JSON
}

type scopeTable struct {
	model    func() interface{}
	where    func(t Tuple) map[string]interface{}
	conflict []clause.Column
	row      func(t Tuple, v dbtypes.JSON, now time.Time) interface{}
}

var scopeTables = map[fields.Scope]scopeTable{
	fields.ScopeUserState: {
		model: func() interface{} { return &types.UserStateField{} },
		where: func(t Tuple) map[string]interface{} {
			return map[string]interface{}{"usage_key": t.BlockScopeID, "user_id": t.UserScopeID, "name": t.Name}
		},
		conflict: []clause.Column{{Name: "usage_key"}, {Name: "user_id"}, {Name: "name"}},
		row: func(t Tuple, v dbtypes.JSON, now time.Time) interface{} {
			return &types.UserStateField{ID: uuid.New(), UsageKey: t.BlockScopeID, UserID: t.UserScopeID, Name: t.Name, CourseKey: t.CourseKey, Value: v, CreatedAt: now, UpdatedAt: now}
		},
	},
	fields.ScopeUserStateSummary: {
		model: func() interface{} { return &types.UserStateSummaryField{} },
		where: func(t Tuple) map[string]interface{} {
			return map[string]interface{}{"usage_key": t.BlockScopeID, "name": t.Name}
		},
		conflict: []clause.Column{{Name: "usage_key"}, {Name: "name"}},
		row: func(t Tuple, v dbtypes.JSON, now time.Time) interface{} {
			return &types.UserStateSummaryField{ID: uuid.New(), UsageKey: t.BlockScopeID, Name: t.Name, CourseKey: t.CourseKey, Value: v, CreatedAt: now, UpdatedAt: now}
		},
	},
	fields.ScopePreferences: {
		model: func() interface{} { return &types.PreferenceField{} },
		where: func(t Tuple) map[string]interface{} {
			return map[string]interface{}{"block_type": t.BlockScopeID, "user_id": t.UserScopeID, "name": t.Name}
		},
		conflict: []clause.Column{{Name: "block_type"}, {Name: "user_id"}, {Name: "name"}},
		row: func(t Tuple, v dbtypes.JSON, now time.Time) interface{} {
			return &types.PreferenceField{ID: uuid.New(), BlockType: t.BlockScopeID, UserID: t.UserScopeID, Name: t.Name, Value: v, CreatedAt: now, UpdatedAt: now}
		},
	},
	fields.ScopeUserInfo: {
		model: func() interface{} { return &types.UserInfoField{} },
		where: func(t Tuple) map[string]interface{} {
			return map[string]interface{}{"user_id": t.UserScopeID, "name": t.Name}
		},
		conflict: []clause.Column{{Name: "user_id"}, {Name: "name"}},
		row: func(t Tuple, v dbtypes.JSON, now time.Time) interface{} {
			return &types.UserInfoField{ID: uuid.New(), UserID: t.UserScopeID, Name: t.Name, Value: v, CreatedAt: now, UpdatedAt: now}
		},
	},
}

func tableFor(scope fields.Scope) (scopeTable, error) {
	tbl, ok := scopeTables[scope]
	if !ok {
		return scopeTable{}, fmt.Errorf("scope %q has no field table", scope)
	}
	return tbl, nil
}

// Get returns the stored value and whether a row exists.
func (r *fieldValueRepo) Get(dbc dbctx.Context, t Tuple) (dbtypes.JSON, bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	tbl, err := tableFor(t.Scope)
	if err != nil {
		return nil, false, err
	}
	var rows []valueRow
	if err := transaction.WithContext(dbc.Ctx).
		Model(tbl.model()).
		Select("value").
		Where(tbl.where(t)).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0].Value, true, nil
}

// Lock takes the row lock on an existing tuple so concurrent writers to it
// serialize; it is a no-op when the row does not exist yet.
func (r *fieldValueRepo) Lock(dbc dbctx.Context, t Tuple) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	tbl, err := tableFor(t.Scope)
	if err != nil {
		return err
	}
	var ids []uuid.UUID
	return transaction.WithContext(dbc.Ctx).
		Model(tbl.model()).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(tbl.where(t)).
		Pluck("id", &ids).Error
}

func (r *fieldValueRepo) Upsert(dbc dbctx.Context, t Tuple, value dbtypes.JSON) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	tbl, err := tableFor(t.Scope)
	if err != nil {
		return err
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   tbl.conflict,
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(tbl.row(t, value, time.Now().UTC())).Error
}

func (r *fieldValueRepo) Delete(dbc dbctx.Context, t Tuple) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	tbl, err := tableFor(t.Scope)
	if err != nil {
		return err
	}
	return transaction.WithContext(dbc.Ctx).
		Where(tbl.where(t)).
		Delete(tbl.model()).Error
}

func (r *fieldValueRepo) DeleteByCourse(dbc dbctx.Context, courseKey string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	for _, model := range []interface{}{&types.UserStateField{}, &types.UserStateSummaryField{}} {
		if err := transaction.WithContext(dbc.Ctx).
			Where("course_key = ?", courseKey).
			Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *fieldValueRepo) DeleteByUser(dbc dbctx.Context, userID string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	for _, model := range []interface{}{&types.UserStateField{}, &types.PreferenceField{}, &types.UserInfoField{}} {
		if err := transaction.WithContext(dbc.Ctx).
			Where("user_id = ?", userID).
			Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}
