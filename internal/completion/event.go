// Package completion records per-user block completion and fans updates out
// to subscribers.
package completion

import (
	"fmt"
	"math"
	"time"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

type Event struct {
	UserID    string         `json:"user_id"`
	Course    keys.CourseKey `json:"course"`
	Usage     keys.UsageKey  `json:"usage"`
	Fraction  float64        `json:"fraction"`
	Timestamp time.Time      `json:"timestamp"`
	// Seq orders the user's events; assigned by Record.
	Seq int64 `json:"seq"`
}

var ErrInvalidEvent = fmt.Errorf("completion event: %w", xerr.ErrInvalidArgument)

func ValidateFraction(f float64) error {
	if math.IsNaN(f) || f < 0 || f > 1 {
		return fmt.Errorf("fraction %v outside [0,1]: %w", f, ErrInvalidEvent)
	}
	return nil
}

func (e Event) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("user required: %w", ErrInvalidEvent)
	}
	if e.Usage.IsZero() {
		return fmt.Errorf("usage required: %w", ErrInvalidEvent)
	}
	return ValidateFraction(e.Fraction)
}
