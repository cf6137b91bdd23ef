package blocks

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/yungbote/xblockcore/internal/xblock"
)

const maxPostBytes = 8 << 10

func discussionImpl() Impl {
	return Impl{
		Views: map[string]xblock.ViewFunc{
			xblock.StudentView: discussionView,
		},
		Handlers: map[string]xblock.HandlerFunc{
			"post": discussionPost,
		},
	}
}

func discussionView(ctx context.Context, blk xblock.Block) (*xblock.Fragment, error) {
	b := blk.Core()
	raw, err := b.Get("posts")
	if err != nil {
		return nil, err
	}
	posts, _ := raw.([]any)
	var sb strings.Builder
	sb.WriteString(`<div class="discussion" data-discussion-id="`)
	sb.WriteString(html.EscapeString(b.GetString("discussion_id")))
	sb.WriteString(`"><p class="count">`)
	sb.WriteString(html.EscapeString(tr(blk, "%d posts", b.GetInt("post_count"))))
	sb.WriteString(`</p><ul>`)
	for _, p := range posts {
		s, _ := p.(string)
		sb.WriteString("<li>" + html.EscapeString(s) + "</li>")
	}
	sb.WriteString(`</ul><button class="post">`)
	sb.WriteString(html.EscapeString(tr(blk, "Post")))
	sb.WriteString(`</button></div>`)
	return xblock.NewFragment(sb.String()), nil
}

type postRequest struct {
	Body string `json:"body"`
}

func discussionPost(ctx context.Context, blk xblock.Block, req xblock.Request) xblock.HandlerResult {
	b := blk.Core()
	var in postRequest
	if err := req.Decode(&in); err != nil {
		return xblock.ErrorResult{Err: errBadRequest(err)}
	}
	body := strings.TrimSpace(in.Body)
	if body == "" || len(body) > maxPostBytes {
		return xblock.ErrorResult{Err: errBadRequest(fmt.Errorf("post body must be 1..%d bytes", maxPostBytes))}
	}
	raw, err := b.Get("posts")
	if err != nil {
		return xblock.ErrorResult{Err: err}
	}
	prev, _ := raw.([]any)
	posts := append(append([]any{}, prev...), body)
	if err := b.Set("posts", posts); err != nil {
		return xblock.ErrorResult{Err: err}
	}
	count := b.GetInt("post_count") + 1
	if err := b.Set("post_count", count); err != nil {
		return xblock.ErrorResult{Err: err}
	}
	if sig, err := xblock.Signals(blk); err == nil {
		sig.Emit(xblock.Signal{Kind: xblock.SignalDiscussionChanged, Course: b.Usage().Course, Usage: b.Usage()})
	}
	return xblock.Rendered{Value: map[string]any{"posts": len(posts), "post_count": count}}
}
