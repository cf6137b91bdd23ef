package blocks

import (
	"context"
	"html"
	"strings"

	"github.com/yungbote/xblockcore/internal/xblock"
)

func containerImpl() Impl {
	return Impl{
		HasChildren: true,
		Views: map[string]xblock.ViewFunc{
			xblock.StudentView: containerView(false),
			xblock.AuthorView:  containerView(true),
		},
	}
}

func containerView(author bool) xblock.ViewFunc {
	return func(ctx context.Context, blk xblock.Block) (*xblock.Fragment, error) {
		b := blk.Core()
		var sb strings.Builder
		sb.WriteString(`<div class="`)
		sb.WriteString(html.EscapeString(b.BlockType()))
		sb.WriteString(`">`)
		if name := b.GetString("display_name"); name != "" {
			sb.WriteString("<h2>")
			sb.WriteString(html.EscapeString(name))
			sb.WriteString("</h2>")
		}
		if author {
			sb.WriteString(`<div class="author-controls" data-children="`)
			sb.WriteString(itoa(len(b.ChildKeys())))
			sb.WriteString(`"></div>`)
		}
		for _, child := range b.ChildKeys() {
			sb.WriteString(xblock.ChildPlaceholder(child))
		}
		sb.WriteString("</div>")
		return xblock.NewFragment(sb.String()), nil
	}
}
