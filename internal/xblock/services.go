package xblock

import (
	"fmt"

	"golang.org/x/text/language"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/sandbox"
)

const (
	ServiceFieldData  = "field-data"
	ServiceUser       = "user"
	ServiceI18n       = "i18n"
	ServiceSandbox    = "sandbox"
	ServiceAsset      = "asset"
	ServiceCompletion = "completion"
	ServiceSignals    = "signals"
)

// User is the capability record of the requesting user.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsStaff  bool   `json:"is_staff"`
	Locale   string `json:"locale"`
}

// FieldDataService reads and writes a block's fields by name. Values go
// through the block's field types, and a Set marks the block dirty so the
// next save persists it.
type FieldDataService interface {
	Get(b Block, name string) (any, error)
	Set(b Block, name string, v any) error
	Delete(b Block, name string) error
}

type UserService interface {
	CurrentUser() User
}

type I18nService interface {
	T(msgID string, args ...any) string
	Language() language.Tag
}

type AssetService interface {
	URLFor(course keys.CourseKey, path string) string
}

// CompletionService queues completion events; they are recorded after the
// block's next successful save.
type CompletionService interface {
	Publish(usage keys.UsageKey, fraction float64) error
}

const SignalDiscussionChanged = "discussion_changed"

type Signal struct {
	Kind   string
	Course keys.CourseKey
	Usage  keys.UsageKey
	UserID string
}

// SignalService queues signals; like completion they fire after save.
type SignalService interface {
	Emit(sig Signal)
}

func service[T any](b Block, name string) (T, error) {
	var zero T
	raw, err := b.Core().Service(name)
	if err != nil {
		return zero, err
	}
	svc, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("service %q has type %T", name, raw)
	}
	return svc, nil
}

func FieldData(b Block) (FieldDataService, error) {
	return service[FieldDataService](b, ServiceFieldData)
}
func Users(b Block) (UserService, error)            { return service[UserService](b, ServiceUser) }
func I18n(b Block) (I18nService, error)             { return service[I18nService](b, ServiceI18n) }
func Sandbox(b Block) (sandbox.Runner, error)       { return service[sandbox.Runner](b, ServiceSandbox) }
func Assets(b Block) (AssetService, error)          { return service[AssetService](b, ServiceAsset) }
func Completion(b Block) (CompletionService, error) { return service[CompletionService](b, ServiceCompletion) }
func Signals(b Block) (SignalService, error)        { return service[SignalService](b, ServiceSignals) }
