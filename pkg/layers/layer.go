// Package layers is a small functional layer API. Layers are applied to
// symbolic tensors to build a graph, which is assembled into a Model that
// runs on a zerfoo compute engine and serializes to ZMF.
package layers

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/zerfoo/numeric"
	"github.com/zerfoo/zerfoo/tensor"
	"github.com/zerfoo/zmf"
)

// Errors reported while building layer graphs.
var (
	ErrAlreadyCalled = errors.New("layer already applied")
	ErrNotBuilt      = errors.New("layer not built")
	ErrShape         = errors.New("shape mismatch")
)

// NewEngine returns the float32 CPU engine layers run on.
func NewEngine() compute.Engine[float32] {
	return compute.NewCPUEngine[float32](numeric.Float32Ops{})
}

// Layer is a graph operation with optional learned weights.
type Layer interface {
	// Name is the layer name. Anonymous layers have an empty name until a
	// Model assigns one.
	Name() string
	SetName(name string)
	// OpType is the ZMF operator type the layer serializes to.
	OpType() string
	Attributes() map[string]*zmf.Attribute
	Weights() []*tensor.TensorNumeric[float32]
	// SetWeights replaces the learned weights. It is only valid once the
	// layer has been built by Call.
	SetWeights(weights ...*tensor.TensorNumeric[float32]) error
	// Build computes the output shape for the given input shapes and
	// allocates weights.
	Build(inputShapes ...[]int) ([]int, error)
	Forward(ctx context.Context, inputs ...*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error)

	state() *base
}

// base carries the bookkeeping shared by all layers.
type base struct {
	name   string
	called bool
	engine compute.Engine[float32]
	out    []int
}

func newBase(engine compute.Engine[float32], name string) base {
	if engine == nil {
		engine = NewEngine()
	}
	return base{name: name, engine: engine}
}

func (b *base) Name() string        { return b.name }
func (b *base) SetName(name string) { b.name = name }
func (b *base) state() *base        { return b }

// Attributes returns no attributes.
func (b *base) Attributes() map[string]*zmf.Attribute { return nil }

// Weights returns no weights.
func (b *base) Weights() []*tensor.TensorNumeric[float32] { return nil }

// SetWeights rejects any weights.
func (b *base) SetWeights(weights ...*tensor.TensorNumeric[float32]) error {
	if len(weights) != 0 {
		return errors.Newf("layer %q has no weights, got %d", b.name, len(weights))
	}
	return nil
}

// Tensor is a symbolic value: either a model input or the output of a layer
// applied to other tensors.
type Tensor struct {
	name   string
	shape  []int
	layer  Layer
	inputs []*Tensor
}

// Input creates a model input placeholder.
func Input(name string, shape []int) *Tensor {
	return &Tensor{name: name, shape: slices.Clone(shape)}
}

// Name is the input name, or the producing layer's name.
func (t *Tensor) Name() string {
	if t.layer != nil {
		return t.layer.Name()
	}
	return t.name
}

// Shape returns the static shape including the batch dimension.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Layer returns the producing layer, or nil for inputs.
func (t *Tensor) Layer() Layer { return t.layer }

// Inputs returns the tensors the producing layer was applied to.
func (t *Tensor) Inputs() []*Tensor { return t.inputs }

// IsInput reports whether t is a model input placeholder.
func (t *Tensor) IsInput() bool { return t.layer == nil }

// Call builds layer for the shapes of inputs and returns its symbolic output.
// A layer can be applied only once.
func Call(layer Layer, inputs ...*Tensor) (*Tensor, error) {
	st := layer.state()
	if st.called {
		return nil, errors.Wrapf(ErrAlreadyCalled, "%q", layer.Name())
	}
	if len(inputs) == 0 {
		return nil, errors.Newf("layer %q applied to no inputs", layer.Name())
	}
	shapes := make([][]int, len(inputs))
	for i, in := range inputs {
		if in == nil {
			return nil, errors.Newf("layer %q input %d is nil", layer.Name(), i)
		}
		shapes[i] = in.Shape()
	}
	out, err := layer.Build(shapes...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build layer %q", layer.Name())
	}
	st.called = true
	st.out = slices.Clone(out)
	return &Tensor{shape: out, layer: layer, inputs: inputs}, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func oneInput(name string, inputs []*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	if len(inputs) != 1 {
		return nil, errors.Newf("layer %q expects 1 input, got %d", name, len(inputs))
	}
	if inputs[0] == nil {
		return nil, errors.Newf("layer %q input is nil", name)
	}
	return inputs[0], nil
}

func oneShape(name string, shapes [][]int) ([]int, error) {
	if len(shapes) != 1 {
		return nil, errors.Newf("layer %q expects 1 input, got %d", name, len(shapes))
	}
	return slices.Clone(shapes[0]), nil
}
