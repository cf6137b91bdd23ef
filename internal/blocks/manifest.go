// Package blocks is the built-in block library. Block types and their
// fields are declared in YAML manifests; behaviour is bound by impl name.
package blocks

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/xblockcore/internal/domain/fields"
	"github.com/yungbote/xblockcore/internal/platform/logger"
	"github.com/yungbote/xblockcore/internal/xblock"
)

// ManifestEnv names an optional extra manifest loaded after the built-in one.
const ManifestEnv = "BLOCK_MANIFEST"

//go:embed builtin.yaml
var builtinManifest []byte

type Manifest struct {
	Library string          `yaml:"library"`
	Version int             `yaml:"version"`
	Blocks  []ManifestBlock `yaml:"blocks"`
}

type ManifestBlock struct {
	Type        string          `yaml:"type"`
	Impl        string          `yaml:"impl"`
	HasChildren *bool           `yaml:"has_children"`
	Fields      []ManifestField `yaml:"fields"`
}

type ManifestField struct {
	Name    string `yaml:"name"`
	Scope   string `yaml:"scope"`
	Type    string `yaml:"type"`
	Default any    `yaml:"default"`
	Help    string `yaml:"help"`
}

// Impl is the Go behaviour a manifest entry binds to.
type Impl struct {
	Views       map[string]xblock.ViewFunc
	Handlers    map[string]xblock.HandlerFunc
	New         func() xblock.Block
	HasChildren bool
}

func Impls() map[string]Impl {
	return map[string]Impl{
		"container":       containerImpl(),
		"html":            htmlImpl(),
		"problem":         problemImpl(),
		"video":           videoImpl(),
		"discussion":      discussionImpl(),
		"library_content": libraryContentImpl(),
	}
}

func LoadManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse block manifest: %w", err)
	}
	if strings.TrimSpace(m.Library) == "" {
		return nil, fmt.Errorf("block manifest: library required")
	}
	return &m, nil
}

// Classes turns manifest entries into block classes.
func (m *Manifest) Classes(impls map[string]Impl) ([]*xblock.Class, error) {
	out := make([]*xblock.Class, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		impl, ok := impls[b.Impl]
		if !ok {
			return nil, fmt.Errorf("%s: block %q: unknown impl %q", m.Library, b.Type, b.Impl)
		}
		fs := make([]fields.Field, 0, len(b.Fields))
		for _, mf := range b.Fields {
			f, err := mf.field()
			if err != nil {
				return nil, fmt.Errorf("%s: block %q: %w", m.Library, b.Type, err)
			}
			fs = append(fs, f)
		}
		hasChildren := impl.HasChildren
		if b.HasChildren != nil {
			hasChildren = *b.HasChildren
		}
		out = append(out, &xblock.Class{
			Type:        b.Type,
			Fields:      fs,
			Views:       impl.Views,
			Handlers:    impl.Handlers,
			New:         impl.New,
			HasChildren: hasChildren,
		})
	}
	return out, nil
}

func (mf ManifestField) field() (fields.Field, error) {
	scope, err := fields.ParseScope(mf.Scope)
	if err != nil {
		return fields.Field{}, fmt.Errorf("field %q: %w", mf.Name, err)
	}
	typ, err := fields.LookupType(mf.Type)
	if err != nil {
		return fields.Field{}, fmt.Errorf("field %q: %w", mf.Name, err)
	}
	f := fields.Field{Name: mf.Name, Scope: scope, Type: typ, Help: mf.Help}
	if mf.Default != nil {
		f.Default = fields.Static(mf.Default)
	}
	return f, nil
}

// Register adds every class of m to reg.
func Register(reg *xblock.Registry, m *Manifest) error {
	classes, err := m.Classes(Impls())
	if err != nil {
		return err
	}
	for _, c := range classes {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBuiltins registers the embedded manifest and, when ManifestEnv is
// set, the manifest at that path.
func RegisterBuiltins(reg *xblock.Registry, log *logger.Logger) error {
	m, err := LoadManifest(builtinManifest)
	if err != nil {
		return err
	}
	if err := Register(reg, m); err != nil {
		return err
	}
	path := strings.TrimSpace(os.Getenv(ManifestEnv))
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", ManifestEnv, err)
	}
	extra, err := LoadManifest(data)
	if err != nil {
		return err
	}
	if err := Register(reg, extra); err != nil {
		return err
	}
	if log != nil {
		log.Info("Loaded extra block manifest", "path", path, "library", extra.Library, "blocks", len(extra.Blocks))
	}
	return nil
}

// NewRegistry returns a frozen registry holding the built-in library.
func NewRegistry(log *logger.Logger) (*xblock.Registry, error) {
	reg := xblock.NewRegistry()
	if err := RegisterBuiltins(reg, log); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}
