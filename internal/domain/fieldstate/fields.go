package fieldstate

import (
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/xblockcore/internal/domain/dbtypes"
)

// UserStateField stores user_state values: per usage, per user.
type UserStateField struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UsageKey  string         `gorm:"column:usage_key;not null;uniqueIndex:idx_user_state_tuple,priority:1" json:"usage_key"`
	UserID    string         `gorm:"column:user_id;not null;uniqueIndex:idx_user_state_tuple,priority:2;index" json:"user_id"`
	Name      string         `gorm:"column:name;not null;uniqueIndex:idx_user_state_tuple,priority:3" json:"name"`
	CourseKey string         `gorm:"column:course_key;not null;index" json:"course_key"`
	Value     dbtypes.JSON `gorm:"column:value" json:"value"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (UserStateField) TableName() string { return "field_user_state" }

// UserStateSummaryField stores values aggregated over all users of a usage.
type UserStateSummaryField struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UsageKey  string         `gorm:"column:usage_key;not null;uniqueIndex:idx_user_state_summary_tuple,priority:1" json:"usage_key"`
	Name      string         `gorm:"column:name;not null;uniqueIndex:idx_user_state_summary_tuple,priority:2" json:"name"`
	CourseKey string         `gorm:"column:course_key;not null;index" json:"course_key"`
	Value     dbtypes.JSON `gorm:"column:value" json:"value"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (UserStateSummaryField) TableName() string { return "field_user_state_summary" }

// PreferenceField stores per user values shared by every block of a type.
type PreferenceField struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BlockType string         `gorm:"column:block_type;not null;uniqueIndex:idx_preference_tuple,priority:1" json:"block_type"`
	UserID    string         `gorm:"column:user_id;not null;uniqueIndex:idx_preference_tuple,priority:2;index" json:"user_id"`
	Name      string         `gorm:"column:name;not null;uniqueIndex:idx_preference_tuple,priority:3" json:"name"`
	Value     dbtypes.JSON `gorm:"column:value" json:"value"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (PreferenceField) TableName() string { return "field_preferences" }

// UserInfoField stores per user values visible to every block.
type UserInfoField struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string         `gorm:"column:user_id;not null;uniqueIndex:idx_user_info_tuple,priority:1" json:"user_id"`
	Name      string         `gorm:"column:name;not null;uniqueIndex:idx_user_info_tuple,priority:2" json:"name"`
	Value     dbtypes.JSON `gorm:"column:value" json:"value"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (UserInfoField) TableName() string { return "field_user_info" }
