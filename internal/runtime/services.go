package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/xblockcore/internal/completion"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/xblock"
)

var ErrServiceUnavailable = fmt.Errorf("service unavailable: %w", xerr.ErrNotFound)

// Service returns the named service bound to this request.
func (c *Context) Service(name string) (any, error) {
	switch name {
	case xblock.ServiceFieldData:
		return fieldDataService{c: c}, nil
	case xblock.ServiceUser:
		return userService{user: c.user}, nil
	case xblock.ServiceI18n:
		return c.translator, nil
	case xblock.ServiceSandbox:
		if c.rt.svc.Sandbox == nil {
			return nil, fmt.Errorf("%s: %w", name, ErrServiceUnavailable)
		}
		return c.rt.svc.Sandbox, nil
	case xblock.ServiceAsset:
		return assetService{c: c}, nil
	case xblock.ServiceCompletion:
		return completionService{c: c}, nil
	case xblock.ServiceSignals:
		return signalService{c: c}, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrServiceUnavailable)
}

var ErrForeignBlock = fmt.Errorf("block belongs to another request: %w", xerr.ErrInvalidArgument)

type fieldDataService struct{ c *Context }

func (s fieldDataService) bound(b xblock.Block) (*xblock.Base, error) {
	if b == nil {
		return nil, fmt.Errorf("nil block: %w", xerr.ErrInvalidArgument)
	}
	core := b.Core()
	if h, ok := core.Host().(*Context); !ok || h != s.c {
		return nil, fmt.Errorf("%s: %w", core.Usage(), ErrForeignBlock)
	}
	return core, nil
}

func (s fieldDataService) Get(b xblock.Block, name string) (any, error) {
	core, err := s.bound(b)
	if err != nil {
		return nil, err
	}
	return core.Get(name)
}

func (s fieldDataService) Set(b xblock.Block, name string, v any) error {
	core, err := s.bound(b)
	if err != nil {
		return err
	}
	return core.Set(name, v)
}

func (s fieldDataService) Delete(b xblock.Block, name string) error {
	core, err := s.bound(b)
	if err != nil {
		return err
	}
	return core.Unset(name)
}

type userService struct{ user xblock.User }

func (s userService) CurrentUser() xblock.User { return s.user }

type assetService struct{ c *Context }

// URLFor points at the stored asset when one was uploaded under path, else
// at the legacy /static/ location.
func (s assetService) URLFor(course keys.CourseKey, path string) string {
	path = strings.TrimPrefix(path, "/")
	if f := s.c.rt.svc.Assets; f != nil {
		key, err := f.FindKey(s.c.ctx, course.Canonical(), path)
		if err == nil {
			return s.c.rt.opts.AssetURLPrefix + key.String()
		}
		if !errors.Is(err, xerr.ErrAssetNotFound) {
			s.c.log.Warn("Asset lookup failed", "course", course.String(), "path", path, "error", err)
		}
	}
	return "/static/" + path
}

type completionService struct{ c *Context }

func (s completionService) Publish(usage keys.UsageKey, fraction float64) error {
	if err := completion.ValidateFraction(fraction); err != nil {
		return err
	}
	ev := completion.Event{
		UserID:   s.c.user.ID,
		Course:   usage.Course.Canonical(),
		Usage:    usage.Canonical(),
		Fraction: fraction,
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	s.c.enqueue(usage, func(q *queued) { q.events = append(q.events, ev) })
	return nil
}

type signalService struct{ c *Context }

func (s signalService) Emit(sig xblock.Signal) {
	if sig.UserID == "" {
		sig.UserID = s.c.user.ID
	}
	if sig.Course.IsZero() {
		sig.Course = sig.Usage.Course
	}
	sig.Course = sig.Course.Canonical()
	s.c.enqueue(sig.Usage, func(q *queued) { q.signals = append(q.signals, sig) })
}
