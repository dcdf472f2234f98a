package layers

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/zerfoo/layers/activations"
	"github.com/zerfoo/zerfoo/tensor"
	"github.com/zerfoo/zmf"
)

// PReLU is a parametric ReLU: f(x) = x for x > 0, alpha*x otherwise, with a
// learned alpha that is shared along SharedAxes.
type PReLU struct {
	base
	sharedAxes []int
	alpha      *tensor.TensorNumeric[float32]
}

// NewPReLU returns a PReLU layer. Axes index the full input shape, batch
// included; the batch axis is always shared.
func NewPReLU(engine compute.Engine[float32], name string, sharedAxes ...int) *PReLU {
	return &PReLU{base: newBase(engine, name), sharedAxes: slices.Clone(sharedAxes)}
}

// OpType implements Layer.
func (p *PReLU) OpType() string { return "PRelu" }

// Attributes implements Layer.
func (p *PReLU) Attributes() map[string]*zmf.Attribute {
	axes := make([]int64, len(p.sharedAxes))
	for i, a := range p.sharedAxes {
		axes[i] = int64(a)
	}
	return map[string]*zmf.Attribute{
		"shared_axes": {Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: axes}}},
	}
}

// AlphaShape returns the shape of the learned slope once built.
func (p *PReLU) AlphaShape() []int {
	if p.alpha == nil {
		return nil
	}
	return p.alpha.Shape()
}

// Build implements Layer. The slope is zero-initialised.
func (p *PReLU) Build(inputShapes ...[]int) ([]int, error) {
	shape, err := oneShape(p.name, inputShapes)
	if err != nil {
		return nil, err
	}
	if len(shape) == 0 {
		return nil, errors.Wrapf(ErrShape, "PReLU %q needs at least a batch dimension", p.name)
	}
	alphaShape := slices.Clone(shape)
	alphaShape[0] = 1
	for _, axis := range p.sharedAxes {
		if axis <= 0 || axis >= len(shape) {
			return nil, errors.Wrapf(ErrShape, "PReLU %q shared axis %d out of range for rank %d", p.name, axis, len(shape))
		}
		alphaShape[axis] = 1
	}
	alpha, err := tensor.New[float32](alphaShape, nil)
	if err != nil {
		return nil, err
	}
	p.alpha = alpha
	return shape, nil
}

// Weights implements Layer.
func (p *PReLU) Weights() []*tensor.TensorNumeric[float32] {
	if p.alpha == nil {
		return nil
	}
	return []*tensor.TensorNumeric[float32]{p.alpha}
}

// SetWeights implements Layer. It takes exactly the slope tensor, whose shape
// must equal AlphaShape.
func (p *PReLU) SetWeights(weights ...*tensor.TensorNumeric[float32]) error {
	if p.alpha == nil {
		return errors.Wrapf(ErrNotBuilt, "PReLU %q", p.name)
	}
	if len(weights) != 1 {
		return errors.Newf("PReLU %q expects 1 weight, got %d", p.name, len(weights))
	}
	if !slices.Equal(weights[0].Shape(), p.alpha.Shape()) {
		return errors.Wrapf(ErrShape, "PReLU %q slope shape %v, want %v", p.name, weights[0].Shape(), p.alpha.Shape())
	}
	p.alpha = weights[0]
	return nil
}

// Forward implements Layer. It computes relu(x) + alpha*min(x, 0), with
// alpha broadcast over the shared axes.
func (p *PReLU) Forward(ctx context.Context, inputs ...*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	x, err := oneInput(p.name, inputs)
	if err != nil {
		return nil, err
	}
	if p.alpha == nil {
		return nil, errors.Wrapf(ErrNotBuilt, "PReLU %q", p.name)
	}
	if x.Dims() != p.alpha.Dims() {
		return nil, errors.Wrapf(ErrShape, "PReLU %q input %v, slope %v", p.name, x.Shape(), p.alpha.Shape())
	}
	e := p.engine
	pos, err := e.UnaryOp(ctx, x, e.Ops().ReLU)
	if err != nil {
		return nil, err
	}
	neg, err := e.UnaryOp(ctx, x, func(v float32) float32 { return min(v, 0) })
	if err != nil {
		return nil, err
	}
	scaled, err := e.Mul(ctx, neg, p.alpha)
	if err != nil {
		return nil, errors.Wrapf(ErrShape, "PReLU %q: %v", p.name, err)
	}
	if !slices.Equal(scaled.Shape(), x.Shape()) {
		return nil, errors.Wrapf(ErrShape, "PReLU %q cannot broadcast slope %v to %v", p.name, p.alpha.Shape(), x.Shape())
	}
	return e.Add(ctx, pos, scaled)
}

// LeakyReLU is f(x) = x for x > 0, alpha*x otherwise, with a fixed alpha.
type LeakyReLU struct {
	base
	alpha float32
	node  *activations.LeakyReLU[float32]
}

// NewLeakyReLU returns a LeakyReLU layer with negative slope alpha.
func NewLeakyReLU(engine compute.Engine[float32], name string, alpha float32) *LeakyReLU {
	b := newBase(engine, name)
	return &LeakyReLU{
		base:  b,
		alpha: alpha,
		node:  activations.NewLeakyReLU[float32](b.engine, b.engine.Ops(), activations.WithAlpha[float32](float64(alpha))),
	}
}

// Alpha returns the negative slope.
func (l *LeakyReLU) Alpha() float32 { return l.alpha }

// OpType implements Layer.
func (l *LeakyReLU) OpType() string { return "LeakyRelu" }

// Attributes implements Layer.
func (l *LeakyReLU) Attributes() map[string]*zmf.Attribute {
	return map[string]*zmf.Attribute{"alpha": {Value: &zmf.Attribute_F{F: l.alpha}}}
}

// Build implements Layer.
func (l *LeakyReLU) Build(inputShapes ...[]int) ([]int, error) {
	return oneShape(l.name, inputShapes)
}

// Forward implements Layer.
func (l *LeakyReLU) Forward(ctx context.Context, inputs ...*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	x, err := oneInput(l.name, inputs)
	if err != nil {
		return nil, err
	}
	return l.node.Forward(ctx, x)
}
