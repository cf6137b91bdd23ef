package xblock

import (
	"html"
	"regexp"
	"strings"

	"github.com/yungbote/xblockcore/internal/domain/keys"
)

type ResourceKind string

const (
	ResourceCSS ResourceKind = "css"
	ResourceJS  ResourceKind = "js"
)

// Resource is a stylesheet or script a fragment needs. URL and Content are
// alternatives; Placement is "head" or "foot".
type Resource struct {
	Kind      ResourceKind `json:"kind"`
	URL       string       `json:"url,omitempty"`
	Content   string       `json:"content,omitempty"`
	Placement string       `json:"placement"`
}

func (r Resource) key() string {
	return string(r.Kind) + "|" + r.Placement + "|" + r.URL + "|" + r.Content
}

type Fragment struct {
	BodyHTML  string     `json:"body_html"`
	HeadHTML  string     `json:"head_html"`
	FootHTML  string     `json:"foot_html"`
	Resources []Resource `json:"resources"`
	// ErrorKind is set on fragments rendered in place of a broken block.
	ErrorKind string `json:"error_kind,omitempty"`
}

func NewFragment(body string) *Fragment {
	return &Fragment{BodyHTML: body, Resources: []Resource{}}
}

func (f *Fragment) AddContent(s string) { f.BodyHTML += s }

func (f *Fragment) AddCSSURL(url string) {
	f.AddResource(Resource{Kind: ResourceCSS, URL: url, Placement: "head"})
}

func (f *Fragment) AddJSURL(url string) {
	f.AddResource(Resource{Kind: ResourceJS, URL: url, Placement: "foot"})
}

// AddResource appends r unless an identical resource is present.
func (f *Fragment) AddResource(r Resource) {
	k := r.key()
	for _, have := range f.Resources {
		if have.key() == k {
			return
		}
	}
	f.Resources = append(f.Resources, r)
}

// Merge pulls head, foot and resources of child into f. Body is left to the
// caller.
func (f *Fragment) Merge(child *Fragment) {
	if child == nil {
		return
	}
	if child.HeadHTML != "" && !strings.Contains(f.HeadHTML, child.HeadHTML) {
		f.HeadHTML += child.HeadHTML
	}
	if child.FootHTML != "" && !strings.Contains(f.FootHTML, child.FootHTML) {
		f.FootHTML += child.FootHTML
	}
	for _, r := range child.Resources {
		f.AddResource(r)
	}
}

var placeholderRe = regexp.MustCompile(`\{\{child:([^{}]+)\}\}`)

// ChildPlaceholder marks where a child's rendered body goes in a parent body.
func ChildPlaceholder(usage keys.UsageKey) string {
	return "{{child:" + usage.String() + "}}"
}

// Placeholders lists the child keys referenced by body, in order.
func Placeholders(body string) []string {
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

// ReplacePlaceholders substitutes every placeholder through fill.
func ReplacePlaceholders(body string, fill func(usage string) string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		return fill(placeholderRe.FindStringSubmatch(m)[1])
	})
}

// Wrap surrounds a block body with the standard xblock container.
func Wrap(usage keys.UsageKey, blockType, view, body string) string {
	var b strings.Builder
	b.WriteString(`<div class="xblock xblock-`)
	b.WriteString(html.EscapeString(view))
	b.WriteString(`" data-usage-id="`)
	b.WriteString(html.EscapeString(usage.String()))
	b.WriteString(`" data-block-type="`)
	b.WriteString(html.EscapeString(blockType))
	b.WriteString(`">`)
	b.WriteString(body)
	b.WriteString(`</div>`)
	return b.String()
}

// ErrorFragment renders a placeholder for a block that cannot render.
func ErrorFragment(kind, message string) *Fragment {
	f := NewFragment(`<div class="xblock-error" data-error-kind="` + html.EscapeString(kind) + `">` + html.EscapeString(message) + `</div>`)
	f.ErrorKind = kind
	return f
}
