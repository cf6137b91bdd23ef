package xmlimport

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/yungbote/xblockcore/internal/domain/keys"
	"github.com/yungbote/xblockcore/internal/modulestore"
)

// Node is one block with its course-independent identity.
type Node struct {
	Type     string
	ID       string
	Fields   map[string]string
	Children []string
}

// CourseGraph is the structure of a course with keys reduced to type@id,
// so two runs of the same content compare equal.
type CourseGraph struct {
	Policy map[string]string
	Nodes  map[string]Node
}

func Graph(ctx context.Context, store modulestore.ContentStore, course keys.CourseKey) (*CourseGraph, error) {
	c, err := store.GetCourse(ctx, course)
	if err != nil {
		return nil, err
	}
	defs, err := store.ListBlocks(ctx, course)
	if err != nil {
		return nil, err
	}
	g := &CourseGraph{Policy: map[string]string{}, Nodes: make(map[string]Node, len(defs))}
	for k, v := range c.Policy {
		g.Policy[k] = canonical(v)
	}
	for _, d := range defs {
		n := Node{
			Type:     d.BlockType,
			ID:       d.Usage.BlockID,
			Fields:   make(map[string]string, len(d.Fields)),
			Children: make([]string, 0, len(d.Children)),
		}
		for k, v := range d.Fields {
			n.Fields[k] = canonical(v)
		}
		for _, child := range d.Children {
			n.Children = append(n.Children, nodeID(child))
		}
		g.Nodes[nodeID(d.Usage)] = n
	}
	return g, nil
}

// canonical re-encodes raw so equal values compare equal regardless of
// spacing or escaping.
func canonical(raw []byte) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
