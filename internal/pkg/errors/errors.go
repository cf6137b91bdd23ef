// Package errors holds the sentinel error kinds shared across the content core.
// Packages wrap these with context; callers match with errors.Is.
package errors

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrInvalidKey         = errors.New("invalid key")
	ErrCourseNotFound     = errors.New("course not found")
	ErrBlockNotFound      = errors.New("block not found")
	ErrAssetNotFound      = errors.New("asset not found")
	ErrHandlerNotFound    = errors.New("handler not found")
	ErrFieldType          = errors.New("invalid field value")
	ErrStorage            = errors.New("storage error")
	ErrImport             = errors.New("import error")
	ErrImportCycle        = errors.New("import cycle")
	ErrDuplicateBlockType = errors.New("duplicate block type")
	ErrConcurrentUpdate   = errors.New("concurrent update")
	ErrSandboxTimeout     = errors.New("sandbox timeout")
	ErrSandboxMemory      = errors.New("sandbox memory limit")
	ErrSandboxBusy        = errors.New("sandbox busy")
	ErrPolicyDenied       = errors.New("policy denied")
)
