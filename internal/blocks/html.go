package blocks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/yungbote/xblockcore/internal/xblock"
)

var staticRefRe = regexp.MustCompile(`(["'])/static/([^"']+)(["'])`)

func htmlImpl() Impl {
	return Impl{
		Views: map[string]xblock.ViewFunc{
			xblock.StudentView: htmlView(false),
			xblock.AuthorView:  htmlView(true),
		},
		Handlers: map[string]xblock.HandlerFunc{
			"set_value":   htmlSetValue,
			"mark_viewed": htmlMarkViewed,
		},
	}
}

func htmlView(author bool) xblock.ViewFunc {
	return func(ctx context.Context, blk xblock.Block) (*xblock.Fragment, error) {
		b := blk.Core()
		data, err := b.Get("data")
		if err != nil {
			return nil, err
		}
		body, _ := data.(string)
		body = rewriteStatic(blk, body)
		if author {
			body = `<div class="html-editor" data-editable="data">` + body + `</div>`
		}
		frag := xblock.NewFragment(`<div class="html">` + body + `</div>`)
		return frag, nil
	}
}

// rewriteStatic points /static/ references at the course's asset URLs.
func rewriteStatic(blk xblock.Block, body string) string {
	if !strings.Contains(body, "/static/") {
		return body
	}
	svc, err := xblock.Assets(blk)
	if err != nil {
		return body
	}
	course := blk.Core().Usage().Course
	return staticRefRe.ReplaceAllStringFunc(body, func(m string) string {
		parts := staticRefRe.FindStringSubmatch(m)
		return parts[1] + svc.URLFor(course, parts[2]) + parts[3]
	})
}

type setValueRequest struct {
	Data *string `json:"data"`
}

func htmlSetValue(ctx context.Context, blk xblock.Block, req xblock.Request) xblock.HandlerResult {
	var in setValueRequest
	if err := req.Decode(&in); err != nil {
		return xblock.ErrorResult{Err: fmt.Errorf("set_value: %w", errBadRequest(err))}
	}
	if in.Data == nil {
		return xblock.ErrorResult{Err: errBadRequest(fmt.Errorf("set_value: data required"))}
	}
	if err := blk.Core().Set("data", *in.Data); err != nil {
		return xblock.ErrorResult{Err: err}
	}
	return xblock.Rendered{Value: map[string]any{"data": *in.Data}}
}

func htmlMarkViewed(ctx context.Context, blk xblock.Block, req xblock.Request) xblock.HandlerResult {
	b := blk.Core()
	if b.GetBool("viewed") {
		return xblock.Rendered{Value: map[string]any{"viewed": true}}
	}
	if err := b.Set("viewed", true); err != nil {
		return xblock.ErrorResult{Err: err}
	}
	if svc, err := xblock.Completion(blk); err == nil {
		if err := svc.Publish(b.Usage(), 1); err != nil {
			return xblock.ErrorResult{Err: err}
		}
	}
	return xblock.Rendered{Value: map[string]any{"viewed": true}}
}
