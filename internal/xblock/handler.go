package xblock

import (
	"encoding/json"
	"net/http"
	"time"
)

// Request is the transport-neutral form of a handler call.
type Request struct {
	Method          string
	Body            json.RawMessage
	Query           map[string][]string
	Header          http.Header
	IfModifiedSince time.Time
}

// Decode unmarshals the request body into dst.
func (r Request) Decode(dst any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, dst)
}

func (r Request) QueryValue(name string) string {
	if v := r.Query[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// HandlerResult is one of Rendered, NotModified, NotFoundResult or
// ErrorResult.
type HandlerResult interface {
	handlerResult()
}

type Rendered struct {
	Value        any
	LastModified time.Time
}

type NotModified struct{}

type NotFoundResult struct {
	Reason string
}

type ErrorResult struct {
	Err error
}

func (Rendered) handlerResult()       {}
func (NotModified) handlerResult()    {}
func (NotFoundResult) handlerResult() {}
func (ErrorResult) handlerResult()    {}
