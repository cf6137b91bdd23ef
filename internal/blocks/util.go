package blocks

import (
	"fmt"
	"strconv"

	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

func errBadRequest(err error) error {
	return fmt.Errorf("%v: %w", err, xerr.ErrInvalidArgument)
}

func itoa(n int) string { return strconv.Itoa(n) }

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
