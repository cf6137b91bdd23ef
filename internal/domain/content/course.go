package content

import (
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/xblockcore/internal/domain/dbtypes"
)

// Course is the head record of a course: identity, branch pointers and policy.
// DraftVersion and PublishedVersion point into the course's revision history;
// PublishedVersion is zero until the first publish.
type Course struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CourseKey string    `gorm:"column:course_key;not null;uniqueIndex:idx_course_key" json:"course_key"`
	Org       string    `gorm:"column:org;not null;index" json:"org"`
	Code      string    `gorm:"column:code;not null" json:"code"`
	Run       string    `gorm:"column:run;not null" json:"run"`

	DraftVersion     int64 `gorm:"column:draft_version;not null" json:"draft_version"`
	PublishedVersion int64 `gorm:"column:published_version;not null" json:"published_version"`
	VersionCounter   int64 `gorm:"column:version_counter;not null" json:"version_counter"`

	Policy    dbtypes.JSON `gorm:"column:policy" json:"policy"`
	RunPolicy dbtypes.JSON `gorm:"column:run_policy" json:"run_policy"`

	CreatedBy   string     `gorm:"column:created_by" json:"created_by"`
	PublishedAt *time.Time `gorm:"column:published_at" json:"published_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
}

func (Course) TableName() string { return "course" }
