package media

import (
	"time"

	"github.com/google/uuid"
)

// Asset is the metadata row for one stored blob. Rows are never updated; a
// re-upload of the same path with new bytes is a new row with a new key.
type Asset struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AssetKey    string    `gorm:"column:asset_key;not null;uniqueIndex:idx_asset_key" json:"asset_key"`
	CourseKey   string    `gorm:"column:course_key;not null;index:idx_asset_course_path,priority:1" json:"course_key"`
	Path        string    `gorm:"column:path;not null;index:idx_asset_course_path,priority:2" json:"path"`
	ContentHash string    `gorm:"column:content_hash;not null;index" json:"content_hash"`
	ContentType string    `gorm:"column:content_type;not null" json:"content_type"`
	Size        int64     `gorm:"column:size;not null" json:"size"`
	StorageKey  string    `gorm:"column:storage_key;not null" json:"storage_key"`
	CreatedAt   time.Time `gorm:"not null;index" json:"created_at"`
}

func (Asset) TableName() string { return "asset" }
