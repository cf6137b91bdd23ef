package modulestore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

type Branch string

const (
	Draft     Branch = "draft"
	Published Branch = "published"

	// RootBlockID is the block id of every course's root block.
	RootBlockID   = "course"
	RootBlockType = "course"
)

var (
	ErrCourseNotFound   = xerr.ErrCourseNotFound
	ErrBlockNotFound    = xerr.ErrBlockNotFound
	ErrConcurrentUpdate = xerr.ErrConcurrentUpdate
	ErrStorage          = xerr.ErrStorage

	ErrCourseExists = fmt.Errorf("course already exists: %w", xerr.ErrInvalidArgument)
	ErrBlockExists  = fmt.Errorf("block already exists: %w", xerr.ErrInvalidArgument)
	ErrCycle        = fmt.Errorf("children would create a cycle: %w", xerr.ErrInvalidArgument)
	ErrReadOnly     = fmt.Errorf("published branch is read-only: %w", xerr.ErrInvalidArgument)
	ErrForeignChild = fmt.Errorf("child belongs to another course: %w", xerr.ErrInvalidArgument)
)

// BlockDefinition is a block's content and settings fields plus its ordered
// children, as seen on one branch or pinned version.
type BlockDefinition struct {
	Usage           keys.UsageKey
	BlockType       string
	Fields          map[string]json.RawMessage
	Children        []keys.UsageKey
	Version         int64
	PreviousVersion int64
	EditedOn        time.Time
	EditedBy        string
}

// Field returns the raw JSON for name, if set.
func (b *BlockDefinition) Field(name string) (json.RawMessage, bool) {
	raw, ok := b.Fields[name]
	return raw, ok
}

// Course is the course head plus its root block on the requested branch.
// Root is nil when the branch has no content yet (an unpublished course read
// on the published branch).
type Course struct {
	Key              keys.CourseKey
	RootUsage        keys.UsageKey
	Root             *BlockDefinition
	DraftVersion     int64
	PublishedVersion int64
	VersionCounter   int64
	Policy           map[string]json.RawMessage
	RunPolicy        map[string]json.RawMessage
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PublishedAt      *time.Time
}

// IsPublished reports whether the course has ever been published.
func (c *Course) IsPublished() bool { return c.PublishedVersion > 0 }

// CreateOptions tunes CreateBlock. Course is required only when the block is
// created without a parent.
type CreateOptions struct {
	Course   keys.CourseKey
	BlockID  string
	Children []keys.UsageKey
	User     string
}

// BlockUpdate describes an UpdateBlock call. Fields are merged into the
// existing fields (a JSON null removes the field); a non-nil Children replaces
// the child list. ExpectedVersion, when non-zero, must match the block's
// current draft version.
type BlockUpdate struct {
	Fields          map[string]json.RawMessage
	Children        []keys.UsageKey
	User            string
	ExpectedVersion int64
}

type PolicyLayer string

const (
	PolicyCourse PolicyLayer = "course"
	PolicyRun    PolicyLayer = "run"
)

// VersionString encodes a course version the way pinned keys carry it.
func VersionString(v int64) string {
	return fmt.Sprintf("%024x", v)
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil || v <= 0 {
		return 0, &keys.InvalidKeyError{Kind: "course", Input: s, Reason: "version out of range"}
	}
	return v, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}
