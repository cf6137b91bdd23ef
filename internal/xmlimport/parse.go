package xmlimport

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
	xerr "github.com/yungbote/xblockcore/internal/pkg/errors"
	"github.com/yungbote/xblockcore/internal/xblock"
)

const includeTag = "include"

var errUnsafePath = errors.New("path escapes the course root")

// node is a generic OLX element. Inner keeps the raw body for leaf blocks.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Inner    string     `xml:",innerxml"`
	Children []*node    `xml:",any"`
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *node) hasBody() bool {
	return len(n.Children) > 0 || strings.TrimSpace(n.Inner) != ""
}

// isPointer reports an element that carries only url_name.
func (n *node) isPointer() bool {
	if len(n.Attrs) != 1 || n.hasBody() {
		return false
	}
	_, ok := n.attr("url_name")
	return ok
}

// item is one parsed block waiting to be written.
type item struct {
	Type     string
	ID       string
	Fields   map[string]json.RawMessage
	Children []*item
	Source   string
}

type parser struct {
	root       string
	registry   *xblock.Registry
	counter    int
	open       []string
	unknown    map[string]struct{}
	index      map[string]*item
	courseName string
	// orphanPolicies holds policy keys that matched no block.
	orphanPolicies []string
}

func newParser(root string, registry *xblock.Registry) *parser {
	return &parser{
		root:     root,
		registry: registry,
		unknown:  map[string]struct{}{},
		index:    map[string]*item{},
	}
}

func (p *parser) unknownTypes() []string {
	out := make([]string, 0, len(p.unknown))
	for t := range p.unknown {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func safeRel(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", importErr(rel, errors.New("empty path"))
	}
	slash := filepath.ToSlash(rel)
	if filepath.IsAbs(rel) || path.IsAbs(slash) || filepath.VolumeName(rel) != "" {
		return "", importErr(rel, errUnsafePath)
	}
	for _, part := range strings.Split(slash, "/") {
		if part == ".." {
			return "", importErr(rel, errUnsafePath)
		}
	}
	return path.Clean(slash), nil
}

// withFile parses rel and hands its root element to fn. Files stay on the
// open stack while fn runs, so re-entering one is a cycle.
func (p *parser) withFile(rel string, fn func(n *node, rel string) error) error {
	clean, err := safeRel(rel)
	if err != nil {
		return err
	}
	for _, open := range p.open {
		if open == clean {
			chain := strings.Join(append(append([]string(nil), p.open...), clean), " -> ")
			return importErr(clean, fmt.Errorf("%s: %w", chain, xerr.ErrImportCycle))
		}
	}
	data, err := p.readFile(clean)
	if err != nil {
		return err
	}
	var n node
	if err := xml.Unmarshal(data, &n); err != nil {
		return importErr(clean, err)
	}
	p.open = append(p.open, clean)
	defer func() { p.open = p.open[:len(p.open)-1] }()
	return fn(&n, clean)
}

// readFile reads a cleaned relative path under the root. Every component
// must be a real directory or regular file so links cannot leave the tree.
func (p *parser) readFile(clean string) ([]byte, error) {
	cur := p.root
	parts := strings.Split(clean, "/")
	for i, part := range parts {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if err != nil {
			return nil, importErr(clean, err)
		}
		last := i == len(parts)-1
		if fi.Mode()&os.ModeSymlink != 0 || (last && !fi.Mode().IsRegular()) || (!last && !fi.IsDir()) {
			return nil, importErr(clean, errUnsafePath)
		}
	}
	data, err := os.ReadFile(cur)
	if err != nil {
		return nil, importErr(clean, err)
	}
	return data, nil
}

func (p *parser) readText(rel string) (string, error) {
	clean, err := safeRel(rel)
	if err != nil {
		return "", err
	}
	data, err := p.readFile(clean)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *parser) course(opts Options) (*item, keys.CourseKey, error) {
	var (
		root *item
		key  keys.CourseKey
	)
	err := p.withFile("course.xml", func(n *node, rel string) error {
		if n.XMLName.Local != modulestore.RootBlockType {
			return importErr(rel, fmt.Errorf("root element is <%s>, want <%s>", n.XMLName.Local, modulestore.RootBlockType))
		}
		urlName, _ := n.attr("url_name")
		org, _ := n.attr("org")
		code, _ := n.attr("course")
		var err error
		if key, err = resolveCourseKey(org, code, urlName, opts); err != nil {
			return err
		}
		p.courseName = firstNonEmpty(urlName, key.Run)

		if n.hasBody() {
			root, err = p.element(n, rel, modulestore.RootBlockID)
			return err
		}
		if urlName == "" {
			return importErr(rel, errors.New("course pointer without url_name"))
		}
		return p.withFile(path.Join(modulestore.RootBlockType, urlName+".xml"), func(def *node, rel string) error {
			if def.XMLName.Local != modulestore.RootBlockType {
				return importErr(rel, fmt.Errorf("root element is <%s>, want <%s>", def.XMLName.Local, modulestore.RootBlockType))
			}
			root, err = p.element(def, rel, modulestore.RootBlockID)
			return err
		})
	})
	if err != nil {
		return nil, keys.CourseKey{}, err
	}
	return root, key, nil
}

// element converts n into an item. name is set when the caller already
// knows the block id (course root, pointer targets).
func (p *parser) element(n *node, file, name string) (*item, error) {
	tag := n.XMLName.Local
	if tag == includeTag {
		return p.include(n, file)
	}
	if name == "" && n.isPointer() {
		urlName, _ := n.attr("url_name")
		var out *item
		err := p.withFile(path.Join(tag, urlName+".xml"), func(def *node, rel string) error {
			if def.XMLName.Local != tag {
				return importErr(rel, fmt.Errorf("pointer to <%s> resolved to <%s>", tag, def.XMLName.Local))
			}
			var err error
			out, err = p.element(def, rel, urlName)
			return err
		})
		return out, err
	}

	cls, known := p.registry.Lookup(tag)
	if !known {
		cls = nil
		p.unknown[tag] = struct{}{}
	}

	id := name
	if id == "" {
		explicit, _ := n.attr("name")
		urlName, _ := n.attr("url_name")
		id = firstNonEmpty(explicit, urlName)
	}
	if id == "" {
		p.counter++
		id = fmt.Sprintf("%s_%d", tag, p.counter)
	}

	f, err := p.attrFields(cls, tag, n.Attrs, file)
	if err != nil {
		return nil, err
	}
	it := &item{Type: tag, ID: id, Fields: f, Source: file}

	if cls != nil && cls.HasChildren {
		for _, c := range n.Children {
			child, err := p.element(c, file, "")
			if err != nil {
				return nil, err
			}
			it.Children = append(it.Children, child)
		}
	} else {
		data := strings.TrimSpace(n.Inner)
		if fn, ok := n.attr("filename"); ok && tag == "html" && data == "" && fn != "" {
			if path.Ext(fn) == "" {
				fn += ".html"
			}
			if data, err = p.readText(path.Join("html", fn)); err != nil {
				return nil, err
			}
		}
		if data != "" {
			raw, _ := json.Marshal(data)
			it.Fields["data"] = raw
		}
	}

	if _, dup := p.index[tag+"/"+id]; !dup {
		p.index[tag+"/"+id] = it
	}
	return it, nil
}

func (p *parser) include(n *node, file string) (*item, error) {
	target, _ := n.attr("file")
	if strings.TrimSpace(target) == "" {
		return nil, importErr(file, errors.New("<include> without file"))
	}
	var out *item
	err := p.withFile(target, func(def *node, rel string) error {
		var err error
		out, err = p.element(def, rel, "")
		return err
	})
	return out, err
}

func structural(tag, attr string) bool {
	switch attr {
	case "url_name", "name", "xmlns":
		return true
	case "org", "course":
		return tag == modulestore.RootBlockType
	case "filename":
		return tag == "html"
	}
	return false
}

func (p *parser) attrFields(cls *xblock.Class, tag string, attrs []xml.Attr, file string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(attrs))
	for _, a := range attrs {
		if a.Name.Space != "" || structural(tag, a.Name.Local) {
			continue
		}
		raw, err := coerceAttr(cls, a.Name.Local, a.Value)
		if err != nil {
			return nil, importErr(file, fmt.Errorf("<%s %s>: %w", tag, a.Name.Local, err))
		}
		out[a.Name.Local] = raw
	}
	return out, nil
}

// coerceAttr turns attribute text into a field value. Declared fields are
// decoded by their type; the text is tried as a string first, then as JSON.
func coerceAttr(cls *xblock.Class, name, value string) (json.RawMessage, error) {
	str, _ := json.Marshal(value)
	if cls == nil {
		return str, nil
	}
	f, ok := cls.Field(name)
	if !ok {
		return str, nil
	}
	if f.Scope.IsUserScope() {
		return nil, fmt.Errorf("field %q holds learner state: %w", name, xerr.ErrInvalidArgument)
	}
	if _, err := f.Type.FromJSON(str); err == nil {
		return str, nil
	}
	if json.Valid([]byte(value)) {
		if _, err := f.Type.FromJSON(json.RawMessage(value)); err == nil {
			return compactJSON(json.RawMessage(value))
		}
	}
	_, err := f.Type.FromJSON(str)
	return nil, tagField(err, name)
}

func checkValue(cls *xblock.Class, name string, raw json.RawMessage) error {
	if cls == nil {
		return nil
	}
	f, ok := cls.Field(name)
	if !ok {
		return nil
	}
	if f.Scope.IsUserScope() {
		return fmt.Errorf("field %q holds learner state: %w", name, xerr.ErrInvalidArgument)
	}
	_, err := f.Type.FromJSON(raw)
	return tagField(err, name)
}

func tagField(err error, name string) error {
	var fte *fields.FieldTypeError
	if errors.As(err, &fte) && fte.Field == "" {
		fte.Field = name
	}
	return err
}

// policies loads policies/<name>/policy.json (or policies/<name>.json),
// folds block entries into the parsed tree and returns the course policy.
func (p *parser) policies() (map[string]json.RawMessage, error) {
	name := p.courseName
	var (
		raw []byte
		src string
	)
	for _, cand := range []string{path.Join("policies", name, "policy.json"), path.Join("policies", name+".json")} {
		clean, err := safeRel(cand)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(filepath.Join(p.root, filepath.FromSlash(clean)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, importErr(clean, err)
		}
		raw, src = b, clean
		break
	}
	if raw == nil {
		return nil, nil
	}

	var doc map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, importErr(src, err)
	}
	entries := make([]string, 0, len(doc))
	for k := range doc {
		entries = append(entries, k)
	}
	sort.Strings(entries)

	var coursePolicy map[string]json.RawMessage
	for _, key := range entries {
		vals := doc[key]
		if key == modulestore.RootBlockType+"/"+name {
			coursePolicy = make(map[string]json.RawMessage, len(vals))
			for field, v := range vals {
				c, err := compactJSON(v)
				if err != nil {
					return nil, importErr(src, err)
				}
				coursePolicy[field] = c
			}
			continue
		}
		it, ok := p.index[key]
		if !ok {
			p.orphanPolicies = append(p.orphanPolicies, key)
			continue
		}
		cls, known := p.registry.Lookup(it.Type)
		if !known {
			cls = nil
		}
		for field, v := range vals {
			if err := checkValue(cls, field, v); err != nil {
				return nil, importErr(src, fmt.Errorf("%s.%s: %w", key, field, err))
			}
			c, err := compactJSON(v)
			if err != nil {
				return nil, importErr(src, err)
			}
			it.Fields[field] = c
		}
	}
	return coursePolicy, nil
}
