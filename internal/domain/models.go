package domain

import (
	"github.com/yungbote/xblockcore/internal/domain/content"
	"github.com/yungbote/xblockcore/internal/domain/fieldstate"
	"github.com/yungbote/xblockcore/internal/domain/media"
	"github.com/yungbote/xblockcore/internal/domain/tracking"
)

type (
	Course                = content.Course
	BlockRevision         = content.BlockRevision
	UserStateField        = fieldstate.UserStateField
	UserStateSummaryField = fieldstate.UserStateSummaryField
	PreferenceField       = fieldstate.PreferenceField
	UserInfoField         = fieldstate.UserInfoField
	Asset                 = media.Asset
	CompletionEvent       = tracking.CompletionEvent
	BlockCompletion       = tracking.BlockCompletion
)

// Models lists every persisted type, in migration order.
func Models() []interface{} {
	return []interface{}{
		&Course{},
		&BlockRevision{},
		&UserStateField{},
		&UserStateSummaryField{},
		&PreferenceField{},
		&UserInfoField{},
		&Asset{},
		&CompletionEvent{},
		&BlockCompletion{},
	}
}
