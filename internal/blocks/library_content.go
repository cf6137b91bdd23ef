package blocks

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/yungbote/xblockcore/internal/xblock"
)

func libraryContentImpl() Impl {
	return Impl{
		HasChildren: true,
		Views: map[string]xblock.ViewFunc{
			xblock.StudentView: libraryContentView,
			xblock.AuthorView:  containerView(true),
		},
	}
}

// libraryContentView shows max_count children picked once per user and then
// remembered in user state.
func libraryContentView(ctx context.Context, blk xblock.Block) (*xblock.Fragment, error) {
	b := blk.Core()
	children := b.ChildKeys()
	byName := make(map[string]int, len(children))
	for i, c := range children {
		byName[c.Canonical().String()] = i
	}

	raw, err := b.Get("selected")
	if err != nil {
		return nil, err
	}
	prev, _ := raw.([]any)
	var picked []int
	for _, p := range prev {
		s, _ := p.(string)
		if i, ok := byName[s]; ok {
			picked = append(picked, i)
		}
	}
	limit := int(b.GetInt("max_count"))
	if limit <= 0 || limit > len(children) {
		limit = len(children)
	}
	if len(picked) != limit {
		picked = pickChildren(b.Host().UserID(), b.Usage().String(), len(children), limit)
		sel := make([]any, len(picked))
		for i, idx := range picked {
			sel[i] = children[idx].Canonical().String()
		}
		if err := b.Set("selected", sel); err != nil {
			return nil, err
		}
	}

	var sb strings.Builder
	sb.WriteString(`<div class="library_content">`)
	for _, idx := range picked {
		sb.WriteString(xblock.ChildPlaceholder(children[idx]))
	}
	sb.WriteString(`</div>`)
	return xblock.NewFragment(sb.String()), nil
}

// pickChildren deterministically selects k of n indices for a user.
func pickChildren(user, usage string, n, k int) []int {
	type scored struct {
		idx   int
		score uint64
	}
	all := make([]scored, n)
	for i := 0; i < n; i++ {
		h := fnv.New64a()
		h.Write([]byte(user))
		h.Write([]byte{0})
		h.Write([]byte(usage))
		h.Write([]byte{byte(i), byte(i >> 8)})
		all[i] = scored{idx: i, score: h.Sum64()}
	}
	sort.Slice(all, func(a, b int) bool { return all[a].score < all[b].score })
	out := make([]int, 0, k)
	for _, s := range all[:k] {
		out = append(out, s.idx)
	}
	sort.Ints(out)
	return out
}
