// Package registry maps source op kinds to converters and carries the state
// converters share during one model conversion.
package registry

import (
	"github.com/cockroachdb/errors"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/layers"
)

// Layer mapping errors.
var (
	ErrNotFound  = errors.New("node not in layer mapping")
	ErrDuplicate = errors.New("node already in layer mapping")
	ErrKind      = errors.New("unexpected layer mapping value")
)

// ValueKind tags a layer mapping entry.
type ValueKind int

// Value kinds.
const (
	// TensorValue is a symbolic tensor of the target layer graph.
	TensorValue ValueKind = iota
	// RawArrayValue is a materialised array in its source dtype, used for
	// folded constants.
	RawArrayValue
)

func (k ValueKind) String() string {
	switch k {
	case TensorValue:
		return "tensor"
	case RawArrayValue:
		return "raw array"
	default:
		return "unknown"
	}
}

// Value is one entry of the layer mapping.
type Value struct {
	kind   ValueKind
	tensor *layers.Tensor
	array  *torch.Array
}

// TensorOf wraps a layer graph tensor.
func TensorOf(t *layers.Tensor) Value { return Value{kind: TensorValue, tensor: t} }

// RawArrayOf wraps a materialised array.
func RawArrayOf(a *torch.Array) Value { return Value{kind: RawArrayValue, array: a} }

// Kind returns the value's tag.
func (v Value) Kind() ValueKind { return v.kind }

// Tensor returns the graph tensor of a TensorValue.
func (v Value) Tensor() (*layers.Tensor, bool) { return v.tensor, v.kind == TensorValue }

// RawArray returns the array of a RawArrayValue.
func (v Value) RawArray() (*torch.Array, bool) {
	return v.array, v.kind == RawArrayValue
}

// LayerMap associates node ids with converted values. Entries can be added
// but never replaced.
type LayerMap struct {
	entries map[string]Value
	order   []string
}

// NewLayerMap returns an empty LayerMap.
func NewLayerMap() *LayerMap {
	return &LayerMap{entries: make(map[string]Value)}
}

// Get returns the value stored for id.
func (m *LayerMap) Get(id string) (Value, bool) {
	v, ok := m.entries[id]
	return v, ok
}

// Insert stores v under id. It fails if id is already present.
func (m *LayerMap) Insert(id string, v Value) error {
	return m.InsertAll(Entry{id, v})
}

// Entry is one id and value pair for InsertAll.
type Entry struct {
	ID    string
	Value Value
}

// InsertAll stores every entry or none: it fails without changing the map
// if any id is already present or repeated.
func (m *LayerMap) InsertAll(entries ...Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if _, ok := m.entries[e.ID]; ok || seen[e.ID] {
			return errors.Wrapf(ErrDuplicate, "%q", e.ID)
		}
		seen[e.ID] = true
	}
	for _, e := range entries {
		m.entries[e.ID] = e.Value
		m.order = append(m.order, e.ID)
	}
	return nil
}

// Tensor returns the graph tensor stored for id.
func (m *LayerMap) Tensor(id string) (*layers.Tensor, error) {
	v, ok := m.entries[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", id)
	}
	t, ok := v.Tensor()
	if !ok {
		return nil, errors.Wrapf(ErrKind, "%q holds a %s, not a tensor", id, v.kind)
	}
	return t, nil
}

// RawArray returns the array stored for id.
func (m *LayerMap) RawArray(id string) (*torch.Array, error) {
	v, ok := m.entries[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", id)
	}
	a, ok := v.RawArray()
	if !ok {
		return nil, errors.Wrapf(ErrKind, "%q holds a %s, not a raw array", id, v.kind)
	}
	return a, nil
}

// Len returns the number of entries.
func (m *LayerMap) Len() int { return len(m.entries) }

// Keys returns the ids in insertion order.
func (m *LayerMap) Keys() []string {
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	return keys
}
