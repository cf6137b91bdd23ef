package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/xblockcore/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(domain.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// EnsureContentIndexes adds indexes gorm tags cannot express.
func EnsureContentIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_block_revision_lookup ON block_revision (course_id, usage_key, version DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_completion_event_user_course ON completion_event (user_id, course_key, seq)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure content index: %w", err)
		}
	}
	return nil
}

// Service is implemented by each supported database backend.
type Service interface {
	DB() *gorm.DB
	AutoMigrateAll() error
	Close() error
}
