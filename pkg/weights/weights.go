// Package weights provides read-only access to learned parameters addressed
// by dotted state_dict paths such as "features.0.weight".
package weights

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/tensor"
)

// ErrNotFound is returned when a parameter path is not in the store.
var ErrNotFound = errors.New("weight not found")

// Store is a read-only source of float32 parameters.
type Store interface {
	Tensor(name string) (*tensor.TensorNumeric[float32], error)
	Names() []string
}

// Map is an in-memory Store.
type Map map[string]*tensor.TensorNumeric[float32]

// Tensor implements Store.
func (m Map) Tensor(name string) (*tensor.TensorNumeric[float32], error) {
	t, ok := m[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return t, nil
}

// Names implements Store.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
