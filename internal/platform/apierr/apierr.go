package apierr

import (
	"errors"
	"fmt"
	"net/http"

	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

var mapping = []struct {
	target error
	status int
	code   string
}{
	{xerr.ErrInvalidKey, http.StatusBadRequest, "invalid_key"},
	{xerr.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{xerr.ErrCourseNotFound, http.StatusNotFound, "course_not_found"},
	{xerr.ErrBlockNotFound, http.StatusNotFound, "block_not_found"},
	{xerr.ErrAssetNotFound, http.StatusNotFound, "asset_not_found"},
	{xerr.ErrHandlerNotFound, http.StatusNotFound, "handler_not_found"},
	{xerr.ErrNotFound, http.StatusNotFound, "not_found"},
	{xerr.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{xerr.ErrFieldType, http.StatusUnprocessableEntity, "field_type_error"},
	{xerr.ErrImportCycle, http.StatusUnprocessableEntity, "import_cycle"},
	{xerr.ErrImport, http.StatusUnprocessableEntity, "import_error"},
	{xerr.ErrSandboxBusy, http.StatusTooManyRequests, "sandbox_busy"},
}

// FromError classifies err into an *Error. Errors that already carry a status
// are returned as-is; anything unrecognised is a 500 storage_error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	for _, m := range mapping {
		if errors.Is(err, m.target) {
			return New(m.status, m.code, err)
		}
	}
	return New(http.StatusInternalServerError, "storage_error", err)
}
