package blocks

import (
	"context"
	"html"
	"strings"

	"github.com/yungbote/xblockcore/internal/xblock"
)

const videoCompleteAt = 0.95

func videoImpl() Impl {
	return Impl{
		Views: map[string]xblock.ViewFunc{
			xblock.StudentView: videoView,
		},
		Handlers: map[string]xblock.HandlerFunc{
			"save_user_state": videoSaveState,
		},
	}
}

func videoView(ctx context.Context, blk xblock.Block) (*xblock.Fragment, error) {
	b := blk.Core()
	raw, err := b.Get("sources")
	if err != nil {
		return nil, err
	}
	sources, _ := raw.([]any)
	var sb strings.Builder
	sb.WriteString(`<div class="video" data-position="`)
	sb.WriteString(formatFloat(b.GetFloat("position")))
	sb.WriteString(`" data-speed="`)
	sb.WriteString(formatFloat(b.GetFloat("speed")))
	sb.WriteString(`">`)
	yt := b.GetString("youtube_id")
	if len(sources) == 0 && yt == "" {
		sb.WriteString(`<p>`)
		sb.WriteString(html.EscapeString(tr(blk, "Video unavailable")))
		sb.WriteString(`</p></div>`)
		return xblock.NewFragment(sb.String()), nil
	}
	sb.WriteString(`<video controls`)
	if yt != "" {
		sb.WriteString(` data-youtube-id="` + html.EscapeString(yt) + `"`)
	}
	sb.WriteString(`>`)
	course := b.Usage().Course
	assets, _ := xblock.Assets(blk)
	for _, s := range sources {
		src, _ := s.(string)
		if strings.HasPrefix(src, "/static/") && assets != nil {
			src = assets.URLFor(course, strings.TrimPrefix(src, "/static/"))
		}
		sb.WriteString(`<source src="` + html.EscapeString(src) + `"/>`)
	}
	sb.WriteString(`</video></div>`)
	frag := xblock.NewFragment(sb.String())
	frag.AddJSURL("/static/js/video.js")
	frag.AddCSSURL("/static/css/video.css")
	return frag, nil
}

type videoState struct {
	Position *float64 `json:"position"`
	Duration float64  `json:"duration"`
	Speed    *float64 `json:"speed"`
}

func videoSaveState(ctx context.Context, blk xblock.Block, req xblock.Request) xblock.HandlerResult {
	b := blk.Core()
	var in videoState
	if err := req.Decode(&in); err != nil {
		return xblock.ErrorResult{Err: errBadRequest(err)}
	}
	if in.Speed != nil {
		if err := b.Set("speed", *in.Speed); err != nil {
			return xblock.ErrorResult{Err: err}
		}
	}
	if in.Position != nil {
		if err := b.Set("position", *in.Position); err != nil {
			return xblock.ErrorResult{Err: err}
		}
		if in.Duration > 0 {
			fraction := *in.Position / in.Duration
			if fraction >= videoCompleteAt {
				fraction = 1
			}
			if svc, err := xblock.Completion(blk); err == nil {
				if err := svc.Publish(b.Usage(), fraction); err != nil {
					return xblock.ErrorResult{Err: err}
				}
			}
		}
	}
	return xblock.Rendered{Value: map[string]any{"success": true}}
}
