package layers

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/zerfoo/tensor"
	"github.com/zerfoo/zmf"
)

// LambdaFunc is the stateless function wrapped by a Lambda layer.
type LambdaFunc func(ctx context.Context, engine compute.Engine[float32], x *tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error)

// Lambda wraps a shape-preserving function as a layer. Since functions do not
// serialize, the layer also records the ZMF op type and attributes that
// describe it.
type Lambda struct {
	base
	fn     LambdaFunc
	opType string
	attrs  map[string]*zmf.Attribute
}

// NewLambda returns an anonymous Lambda layer.
func NewLambda(engine compute.Engine[float32], fn LambdaFunc, opType string, attrs map[string]*zmf.Attribute) *Lambda {
	return &Lambda{base: newBase(engine, ""), fn: fn, opType: opType, attrs: attrs}
}

// OpType implements Layer.
func (l *Lambda) OpType() string { return l.opType }

// Attributes implements Layer.
func (l *Lambda) Attributes() map[string]*zmf.Attribute { return l.attrs }

// Build implements Layer.
func (l *Lambda) Build(inputShapes ...[]int) ([]int, error) {
	return oneShape(l.name, inputShapes)
}

// Forward implements Layer.
func (l *Lambda) Forward(ctx context.Context, inputs ...*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	x, err := oneInput(l.name, inputs)
	if err != nil {
		return nil, err
	}
	return l.fn(ctx, l.engine, x)
}

// Softmax normalises x along axis. Negative axes count from the end.
//
// The engine's own Softmax normalises over the whole tensor, so the per-axis
// form is composed from Split, Sub, Exp, Sum and Div.
func Softmax(ctx context.Context, engine compute.Engine[float32], x *tensor.TensorNumeric[float32], axis int) (*tensor.TensorNumeric[float32], error) {
	shape := x.Shape()
	rank := len(shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, errors.Wrapf(ErrShape, "softmax axis %d out of range for rank %d", axis, rank)
	}
	if shape[axis] == 0 {
		return x, nil
	}

	peak, err := maxAlong(ctx, engine, x, axis)
	if err != nil {
		return nil, err
	}
	shifted, err := engine.Sub(ctx, x, peak)
	if err != nil {
		return nil, err
	}
	exp, err := engine.Exp(ctx, shifted)
	if err != nil {
		return nil, err
	}
	sum, err := engine.Sum(ctx, exp, axis, true)
	if err != nil {
		return nil, err
	}
	// The peak of each slice contributes exp(0), so no sum is zero.
	return engine.Div(ctx, exp, sum)
}

// maxAlong returns the maximum of x along axis, keeping the axis with size 1.
// Each step computes m + relu(s - m), which is max(m, s).
func maxAlong(ctx context.Context, engine compute.Engine[float32], x *tensor.TensorNumeric[float32], axis int) (*tensor.TensorNumeric[float32], error) {
	parts, err := engine.Split(ctx, x, x.Shape()[axis], axis)
	if err != nil {
		return nil, err
	}
	relu := engine.Ops().ReLU
	peak := parts[0]
	for _, s := range parts[1:] {
		diff, err := engine.Sub(ctx, s, peak)
		if err != nil {
			return nil, err
		}
		gain, err := engine.UnaryOp(ctx, diff, relu)
		if err != nil {
			return nil, err
		}
		if peak, err = engine.Add(ctx, peak, gain); err != nil {
			return nil, err
		}
	}
	return peak, nil
}

// Minimum returns the element-wise minimum of x and c.
func Minimum(ctx context.Context, engine compute.Engine[float32], c float32, x *tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	return engine.UnaryOp(ctx, x, func(v float32) float32 { return min(c, v) })
}

// Maximum returns the element-wise maximum of x and c.
func Maximum(ctx context.Context, engine compute.Engine[float32], c float32, x *tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	return engine.UnaryOp(ctx, x, func(v float32) float32 { return max(c, v) })
}

// SoftmaxLambda returns an anonymous Lambda applying Softmax along axis.
func SoftmaxLambda(engine compute.Engine[float32], axis int) *Lambda {
	return NewLambda(
		engine,
		func(ctx context.Context, e compute.Engine[float32], x *tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
			return Softmax(ctx, e, x, axis)
		},
		"Softmax",
		map[string]*zmf.Attribute{"axis": {Value: &zmf.Attribute_I{I: int64(axis)}}},
	)
}

// ClipLambda returns an anonymous Lambda computing min(hi, max(lo, x)).
func ClipLambda(engine compute.Engine[float32], lo, hi float32) *Lambda {
	return NewLambda(
		engine,
		func(ctx context.Context, e compute.Engine[float32], x *tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
			lower, err := Maximum(ctx, e, lo, x)
			if err != nil {
				return nil, err
			}
			return Minimum(ctx, e, hi, lower)
		},
		"Clip",
		map[string]*zmf.Attribute{
			"min": {Value: &zmf.Attribute_F{F: lo}},
			"max": {Value: &zmf.Attribute_F{F: hi}},
		},
	)
}
