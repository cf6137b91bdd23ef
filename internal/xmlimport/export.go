package xmlimport

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/xblockcore/internal/assets"
	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
	"github.com/yungbote/xblockcore/internal/xblock"
)

var xmlNameRe = regexp.MustCompile(`^[A-Za-z_][\w.\-]*$`)

type exporter struct {
	im      *Importer
	dir     string
	blocks  map[string]*modulestore.BlockDefinition
	written map[string]bool
	policy  map[string]map[string]json.RawMessage
	files   int
}

func nodeID(u keys.UsageKey) string { return u.BlockType + "@" + u.BlockID }

// Export writes course into dir in the layout Import reads. Fields that
// would not survive as attribute text go to policy.json instead.
func (im *Importer) Export(ctx context.Context, course keys.CourseKey, dir string) error {
	ctx, span := otel.Tracer("xblockcore/xmlimport").Start(ctx, "xmlimport.export")
	defer span.End()
	span.SetAttributes(attribute.String("course", course.String()))

	c, err := im.store.GetCourse(ctx, course)
	if err != nil {
		return err
	}
	defs, err := im.store.ListBlocks(ctx, course)
	if err != nil {
		return err
	}
	ex := &exporter{
		im:      im,
		dir:     dir,
		blocks:  make(map[string]*modulestore.BlockDefinition, len(defs)),
		written: map[string]bool{},
		policy:  map[string]map[string]json.RawMessage{},
	}
	for _, d := range defs {
		ex.blocks[nodeID(d.Usage)] = d
	}
	root, ok := ex.blocks[nodeID(c.RootUsage)]
	if !ok {
		return fmt.Errorf("%s: %w", c.RootUsage, modulestore.ErrBlockNotFound)
	}

	run := course.Run
	pointer := fmt.Sprintf("<course url_name=%s org=%s course=%s/>\n", attrValue(run), attrValue(course.Org), attrValue(course.Course))
	if err := ex.write("course.xml", []byte(pointer)); err != nil {
		return err
	}
	if len(c.Policy) > 0 {
		ex.policy[modulestore.RootBlockType+"/"+run] = c.Policy
	}
	if err := ex.block(root, path.Join(modulestore.RootBlockType, run+".xml")); err != nil {
		return err
	}

	if len(ex.policy) > 0 {
		doc, err := json.MarshalIndent(ex.policy, "", "  ")
		if err != nil {
			return err
		}
		if err := ex.write(path.Join("policies", run, "policy.json"), append(doc, '\n')); err != nil {
			return err
		}
	}

	staticFiles, err := ex.static(ctx, course)
	if err != nil {
		return err
	}
	im.log.Info("Course exported",
		"course", course.String(),
		"dir", dir,
		"files", ex.files,
		"assets", staticFiles,
	)
	return nil
}

func (ex *exporter) write(rel string, data []byte) error {
	full := filepath.Join(ex.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return err
	}
	ex.files++
	return nil
}

func (ex *exporter) class(blockType string) *xblock.Class {
	cls, ok := ex.im.registry.Lookup(blockType)
	if !ok {
		return nil
	}
	return cls
}

// block writes d to rel and each child to <type>/<id>.xml, linked from d by
// url_name pointers.
func (ex *exporter) block(d *modulestore.BlockDefinition, rel string) error {
	id := nodeID(d.Usage)
	if ex.written[id] {
		return nil
	}
	ex.written[id] = true

	tag := d.BlockType
	cls := ex.class(tag)
	container := cls != nil && cls.HasChildren

	var body string
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var attrs strings.Builder
	overflow := map[string]json.RawMessage{}
	for _, name := range names {
		raw := d.Fields[name]
		if name == "data" && !container {
			if text, ok := leafBody(raw); ok {
				body = text
				continue
			}
			overflow[name] = raw
			continue
		}
		text, ok := asAttr(cls, tag, name, raw)
		if !ok {
			overflow[name] = raw
			continue
		}
		attrs.WriteString(" " + name + "=" + attrValue(text))
	}
	if len(overflow) > 0 {
		ex.policy[tag+"/"+d.Usage.BlockID] = overflow
	}

	var out bytes.Buffer
	out.WriteString("<" + tag + attrs.String())
	switch {
	case container && len(d.Children) > 0:
		out.WriteString(">\n")
		for _, child := range d.Children {
			fmt.Fprintf(&out, "  <%s url_name=%s/>\n", child.BlockType, attrValue(child.BlockID))
		}
		out.WriteString("</" + tag + ">\n")
	case body != "":
		out.WriteString(">" + body + "</" + tag + ">\n")
	default:
		out.WriteString("/>\n")
	}
	if err := ex.write(rel, out.Bytes()); err != nil {
		return err
	}

	if !container {
		return nil
	}
	for _, child := range d.Children {
		def, ok := ex.blocks[nodeID(child)]
		if !ok {
			return fmt.Errorf("%s: %w", child, modulestore.ErrBlockNotFound)
		}
		if err := ex.block(def, path.Join(child.BlockType, child.BlockID+".xml")); err != nil {
			return err
		}
	}
	return nil
}

// asAttr returns the attribute text for raw when importing that text
// reproduces raw exactly.
func asAttr(cls *xblock.Class, tag, name string, raw json.RawMessage) (string, bool) {
	if structural(tag, name) || name == "data" || !xmlNameRe.MatchString(name) {
		return "", false
	}
	text := string(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		text = s
	}
	back, err := coerceAttr(cls, name, text)
	if err != nil {
		return "", false
	}
	want, err := compactJSON(raw)
	if err != nil {
		return "", false
	}
	return text, bytes.Equal(back, want)
}

// leafBody returns data as inner XML when it parses back unchanged.
func leafBody(raw json.RawMessage) (string, bool) {
	var s string
	if json.Unmarshal(raw, &s) != nil || s == "" || strings.TrimSpace(s) != s {
		return "", false
	}
	var wrapped node
	if xml.Unmarshal([]byte("<x>"+s+"</x>"), &wrapped) != nil {
		return "", false
	}
	return s, wrapped.Inner == s
}

func attrValue(s string) string {
	var b bytes.Buffer
	b.WriteByte('"')
	_ = xml.EscapeText(&b, []byte(s))
	b.WriteByte('"')
	return b.String()
}

func (ex *exporter) static(ctx context.Context, course keys.CourseKey) (int, error) {
	if ex.im.assets == nil {
		return 0, nil
	}
	list, err := ex.im.assets.List(ctx, course)
	if err != nil {
		return 0, err
	}
	latest := map[string]*assets.Asset{}
	for _, a := range list {
		if cur, ok := latest[a.Path]; !ok || a.LastModified.After(cur.LastModified) {
			latest[a.Path] = a
		}
	}
	n := 0
	for p, meta := range latest {
		rel, err := safeRel(p)
		if err != nil {
			ex.im.log.Warn("Skipping asset with unsafe path", "asset_key", meta.Key.String(), "path", p)
			continue
		}
		a, err := ex.im.assets.Get(ctx, meta.Key)
		if err != nil {
			return n, err
		}
		if err := ex.write(path.Join("static", rel), a.Data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
