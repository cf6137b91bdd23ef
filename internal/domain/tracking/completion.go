package tracking

import (
	"time"

	"github.com/google/uuid"
)

// CompletionEvent is one append-only completion record. Seq orders events per user.
type CompletionEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;uniqueIndex:idx_completion_event_seq,priority:1" json:"user_id"`
	Seq       int64     `gorm:"column:seq;not null;uniqueIndex:idx_completion_event_seq,priority:2" json:"seq"`
	CourseKey string    `gorm:"column:course_key;not null;index" json:"course_key"`
	UsageKey  string    `gorm:"column:usage_key;not null" json:"usage_key"`
	Fraction  float64   `gorm:"column:fraction;not null" json:"fraction"`
	Timestamp time.Time `gorm:"column:ts;not null" json:"ts"`
}

func (CompletionEvent) TableName() string { return "completion_event" }

// BlockCompletion holds the latest fraction per (user, usage).
type BlockCompletion struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;uniqueIndex:idx_block_completion_tuple,priority:1;index:idx_block_completion_user_course,priority:1" json:"user_id"`
	UsageKey  string    `gorm:"column:usage_key;not null;uniqueIndex:idx_block_completion_tuple,priority:2" json:"usage_key"`
	CourseKey string    `gorm:"column:course_key;not null;index:idx_block_completion_user_course,priority:2" json:"course_key"`
	Fraction  float64   `gorm:"column:fraction;not null" json:"fraction"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (BlockCompletion) TableName() string { return "block_completion" }
