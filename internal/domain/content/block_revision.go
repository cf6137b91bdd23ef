package content

import (
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/xblockcore/internal/domain/dbtypes"
)

// BlockRevision is one immutable version of a block definition. A block's
// state on a branch is its latest revision at or below the branch version.
type BlockRevision struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_block_revision_version,priority:1;index:idx_block_revision_course" json:"course_id"`
	UsageKey string    `gorm:"column:usage_key;not null;uniqueIndex:idx_block_revision_version,priority:2" json:"usage_key"`
	Version  int64     `gorm:"column:version;not null;uniqueIndex:idx_block_revision_version,priority:3" json:"version"`

	BlockType       string         `gorm:"column:block_type;not null;index" json:"block_type"`
	PreviousVersion int64          `gorm:"column:previous_version;not null" json:"previous_version"`
	Fields          dbtypes.JSON `gorm:"column:fields" json:"fields"`
	Children        dbtypes.JSON `gorm:"column:children" json:"children"`

	EditedOn time.Time `gorm:"column:edited_on;not null" json:"edited_on"`
	EditedBy string    `gorm:"column:edited_by" json:"edited_by"`
}

func (BlockRevision) TableName() string { return "block_revision" }
