package modulestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/platform/dbctx"
)

// PruneHistory deletes old revisions. Per block it keeps the newest keep
// revisions and whatever the draft and published branches currently read.
// It returns the number of revisions removed.
func (s *Store) PruneHistory(ctx context.Context, key keys.CourseKey, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	canon := key.Canonical()
	removed := 0
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: txx}
		row, err := s.courses.LockByKey(dbc, canon.String())
		if err != nil {
			return storageErr("lock course", err)
		}
		if row == nil {
			return fmt.Errorf("%s: %w", canon, ErrCourseNotFound)
		}
		heads, err := s.revisions.Heads(dbc, row.ID)
		if err != nil {
			return storageErr("load heads", err)
		}

		var drop []uuid.UUID
		seen := map[string]int{}
		draftKept := map[string]bool{}
		pubKept := map[string]bool{}
		// heads are ordered by usage, newest version first.
		for _, h := range heads {
			n := seen[h.UsageKey]
			seen[h.UsageKey] = n + 1
			needed := n < keep
			if !draftKept[h.UsageKey] && h.Version <= row.DraftVersion {
				draftKept[h.UsageKey] = true
				needed = true
			}
			if row.PublishedVersion > 0 && !pubKept[h.UsageKey] && h.Version <= row.PublishedVersion {
				pubKept[h.UsageKey] = true
				needed = true
			}
			if !needed {
				drop = append(drop, h.ID)
			}
		}
		if err := s.revisions.DeleteByIDs(dbc, drop); err != nil {
			return storageErr("prune revisions", err)
		}
		removed = len(drop)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("History pruned", "course", canon.String(), "removed", removed, "keep", keep)
	return removed, nil
}
