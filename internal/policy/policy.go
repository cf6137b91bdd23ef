// Package policy resolves settings through a stack of JSON layers.
package policy

import (
	"encoding/json"
	"sync"
)

const (
	LayerBlock   = "block"
	LayerRun     = "run"
	LayerCourse  = "course"
	LayerDefault = "default"
)

// Layer is one named map in the stack.
type Layer struct {
	Name   string
	Values map[string]json.RawMessage
}

// Overlay evaluates layers top-down; the first hit wins. Set only ever
// touches the top layer.
type Overlay struct {
	mu     sync.RWMutex
	layers []Layer
}

func New(layers ...Layer) *Overlay {
	o := &Overlay{layers: make([]Layer, 0, len(layers))}
	for _, l := range layers {
		vals := make(map[string]json.RawMessage, len(l.Values))
		for k, v := range l.Values {
			vals[k] = v
		}
		o.layers = append(o.layers, Layer{Name: l.Name, Values: vals})
	}
	if len(o.layers) == 0 {
		o.layers = append(o.layers, Layer{Name: LayerBlock, Values: map[string]json.RawMessage{}})
	}
	return o
}

// ForBlock builds the standard stack: block overrides, run policy, course
// policy, system defaults.
func ForBlock(block, run, course, defaults map[string]json.RawMessage) *Overlay {
	return New(
		Layer{Name: LayerBlock, Values: block},
		Layer{Name: LayerRun, Values: run},
		Layer{Name: LayerCourse, Values: course},
		Layer{Name: LayerDefault, Values: defaults},
	)
}

func (o *Overlay) Lookup(key string) (json.RawMessage, bool) {
	v, _, ok := o.LookupLayer(key)
	return v, ok
}

// LookupLayer also reports which layer answered.
func (o *Overlay) LookupLayer(key string) (json.RawMessage, string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, l := range o.layers {
		if v, ok := l.Values[key]; ok {
			return v, l.Name, true
		}
	}
	return nil, "", false
}

func (o *Overlay) Set(key string, v json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.layers[0].Values[key] = v
}

func (o *Overlay) Unset(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.layers[0].Values, key)
}

// Flatten returns the effective value of every key.
func (o *Overlay) Flatten() map[string]json.RawMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := map[string]json.RawMessage{}
	for i := len(o.layers) - 1; i >= 0; i-- {
		for k, v := range o.layers[i].Values {
			out[k] = v
		}
	}
	return out
}

// Push returns a new overlay with l on top of o's layers.
func (o *Overlay) Push(l Layer) *Overlay {
	o.mu.RLock()
	layers := append([]Layer{l}, o.layers...)
	o.mu.RUnlock()
	return New(layers...)
}

func (o *Overlay) Float(key string, def float64) float64 {
	var f float64
	if decode(o, key, &f) {
		return f
	}
	return def
}

func (o *Overlay) Bool(key string, def bool) bool {
	var b bool
	if decode(o, key, &b) {
		return b
	}
	return def
}

func (o *Overlay) String(key string, def string) string {
	var s string
	if decode(o, key, &s) {
		return s
	}
	return def
}

func decode(o *Overlay, key string, dst any) bool {
	v, ok := o.Lookup(key)
	if !ok {
		return false
	}
	return json.Unmarshal(v, dst) == nil
}
