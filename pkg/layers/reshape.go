package layers

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/zerfoo/layers/transpose"
	"github.com/zerfoo/zerfoo/tensor"
	"github.com/zerfoo/zmf"
)

func int64s(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

// Reshape changes the shape of each sample. The target shape excludes the
// batch dimension; at most one entry may be -1 and is inferred.
type Reshape struct {
	base
	target   []int
	resolved []int
}

// NewReshape returns a Reshape layer.
func NewReshape(engine compute.Engine[float32], name string, target []int) *Reshape {
	return &Reshape{base: newBase(engine, name), target: slices.Clone(target)}
}

// Target returns the requested per-sample shape.
func (r *Reshape) Target() []int { return slices.Clone(r.target) }

// OpType implements Layer.
func (r *Reshape) OpType() string { return "Reshape" }

// Attributes implements Layer. The shape attribute holds the resolved
// per-sample shape.
func (r *Reshape) Attributes() map[string]*zmf.Attribute {
	shape := r.target
	if r.resolved != nil {
		shape = r.resolved[1:]
	}
	return map[string]*zmf.Attribute{"shape": {Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: int64s(shape)}}}}
}

// Build implements Layer.
func (r *Reshape) Build(inputShapes ...[]int) ([]int, error) {
	in, err := oneShape(r.name, inputShapes)
	if err != nil {
		return nil, err
	}
	if len(in) == 0 {
		return nil, errors.Wrapf(ErrShape, "Reshape %q needs a batch dimension", r.name)
	}
	size := numel(in[1:])
	out := append([]int{in[0]}, r.target...)
	inferred := -1
	known := 1
	for i, d := range r.target {
		switch {
		case d == -1 && inferred < 0:
			inferred = i + 1
		case d == -1:
			return nil, errors.Wrapf(ErrShape, "Reshape %q target %v has more than one -1", r.name, r.target)
		case d <= 0:
			return nil, errors.Wrapf(ErrShape, "Reshape %q target %v has invalid dimension %d", r.name, r.target, d)
		default:
			known *= d
		}
	}
	if inferred > 0 {
		if size%known != 0 {
			return nil, errors.Wrapf(ErrShape, "Reshape %q cannot reshape %v to %v", r.name, in, r.target)
		}
		out[inferred] = size / known
	} else if known != size {
		return nil, errors.Wrapf(ErrShape, "Reshape %q cannot reshape %v to %v", r.name, in, r.target)
	}
	r.resolved = out
	return slices.Clone(out), nil
}

// Forward implements Layer.
func (r *Reshape) Forward(ctx context.Context, inputs ...*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	x, err := oneInput(r.name, inputs)
	if err != nil {
		return nil, err
	}
	if r.resolved == nil {
		return nil, errors.Wrapf(ErrNotBuilt, "Reshape %q", r.name)
	}
	if x.Dims() == 0 {
		return nil, errors.Wrapf(ErrShape, "Reshape %q needs a batch dimension", r.name)
	}
	shape := slices.Clone(r.resolved)
	shape[0] = x.Shape()[0]
	out, err := r.engine.Reshape(ctx, x, shape)
	if err != nil {
		return nil, errors.Wrapf(ErrShape, "Reshape %q: %v", r.name, err)
	}
	return out, nil
}

// Transpose permutes the dimensions of its input. An empty permutation
// reverses the dimensions.
type Transpose struct {
	base
	perm []int
	node *transpose.Transpose[float32]
}

// NewTranspose returns a Transpose layer.
func NewTranspose(engine compute.Engine[float32], name string, perm []int) *Transpose {
	return &Transpose{base: newBase(engine, name), perm: slices.Clone(perm)}
}

// Perm returns the permutation, resolved once the layer is built.
func (t *Transpose) Perm() []int { return slices.Clone(t.perm) }

// OpType implements Layer.
func (t *Transpose) OpType() string { return "Transpose" }

// Attributes implements Layer.
func (t *Transpose) Attributes() map[string]*zmf.Attribute {
	return map[string]*zmf.Attribute{"perm": {Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: int64s(t.perm)}}}}
}

// Build implements Layer.
func (t *Transpose) Build(inputShapes ...[]int) ([]int, error) {
	in, err := oneShape(t.name, inputShapes)
	if err != nil {
		return nil, err
	}
	rank := len(in)
	if len(t.perm) == 0 {
		t.perm = make([]int, rank)
		for i := range t.perm {
			t.perm[i] = rank - 1 - i
		}
	}
	if len(t.perm) != rank {
		return nil, errors.Wrapf(ErrShape, "Transpose %q perm %v does not match rank %d", t.name, t.perm, rank)
	}
	seen := make([]bool, rank)
	out := make([]int, rank)
	for i, p := range t.perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, errors.Wrapf(ErrShape, "Transpose %q perm %v is not a permutation", t.name, t.perm)
		}
		seen[p] = true
		out[i] = in[p]
	}
	t.node = transpose.New[float32](t.engine, slices.Clone(t.perm))
	return out, nil
}

// Forward implements Layer.
func (t *Transpose) Forward(ctx context.Context, inputs ...*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	x, err := oneInput(t.name, inputs)
	if err != nil {
		return nil, err
	}
	if t.node == nil {
		return nil, errors.Wrapf(ErrNotBuilt, "Transpose %q", t.name)
	}
	if x.Dims() != len(t.perm) {
		return nil, errors.Wrapf(ErrShape, "Transpose %q perm %v does not match rank %d", t.name, t.perm, x.Dims())
	}
	return t.node.Forward(ctx, x)
}
