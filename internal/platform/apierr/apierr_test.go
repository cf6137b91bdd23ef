package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
)

func TestFromError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("get block: %w", xerr.ErrBlockNotFound), http.StatusNotFound, "block_not_found"},
		{fmt.Errorf("update: %w", xerr.ErrConcurrentUpdate), http.StatusConflict, "concurrent_update"},
		{fmt.Errorf("set: %w", xerr.ErrFieldType), http.StatusUnprocessableEntity, "field_type_error"},
		{xerr.ErrSandboxBusy, http.StatusTooManyRequests, "sandbox_busy"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "storage_error"},
		{New(http.StatusTeapot, "teapot", nil), http.StatusTeapot, "teapot"},
	}
	for _, tc := range cases {
		got := FromError(tc.err)
		if got.Status != tc.status || got.Code != tc.code {
			t.Fatalf("FromError(%v): want=%d/%s got=%d/%s", tc.err, tc.status, tc.code, got.Status, got.Code)
		}
	}
	if FromError(nil) != nil {
		t.Fatalf("FromError(nil): want nil")
	}
}
