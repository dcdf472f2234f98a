package layers

import (
	"context"
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/graph"
	"github.com/zerfoo/zerfoo/tensor"
	"github.com/zerfoo/zmf"
)

// ErrInferenceOnly is returned by the backward pass, which layers do not
// implement.
var ErrInferenceOnly = errors.New("layer supports inference only")

// ParamName returns the parameter name of a layer's i-th weight.
func ParamName(layerName string, i int) string {
	if i == 0 {
		return layerName + ".weight"
	}
	return fmt.Sprintf("%s.weight_%d", layerName, i)
}

// node adapts a built Layer to a graph.Node.
type node struct {
	layer Layer
}

var _ graph.Node[float32] = (*node)(nil)

func (n *node) OpType() string { return n.layer.OpType() }

func (n *node) Attributes() map[string]interface{} {
	attrs := make(map[string]interface{}, len(n.layer.Attributes()))
	for name, a := range n.layer.Attributes() {
		attrs[name] = attributeValue(a)
	}
	return attrs
}

func (n *node) OutputShape() []int { return slices.Clone(n.layer.state().out) }

func (n *node) Forward(ctx context.Context, inputs ...*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := n.layer.Forward(ctx, inputs...)
	if err != nil {
		return nil, errors.Wrapf(err, "layer %q", n.layer.Name())
	}
	return out, nil
}

func (n *node) Backward(_ context.Context, _ *tensor.TensorNumeric[float32], _ ...*tensor.TensorNumeric[float32]) ([]*tensor.TensorNumeric[float32], error) {
	return nil, errors.Wrapf(ErrInferenceOnly, "layer %q", n.layer.Name())
}

func (n *node) Parameters() []*graph.Parameter[float32] {
	var params []*graph.Parameter[float32]
	for i, w := range n.layer.Weights() {
		p, err := graph.NewParameter(ParamName(n.layer.Name(), i), w, tensor.New[float32])
		if err != nil {
			continue
		}
		params = append(params, p)
	}
	return params
}

func attributeValue(a *zmf.Attribute) interface{} {
	switch v := a.GetValue().(type) {
	case *zmf.Attribute_F:
		return v.F
	case *zmf.Attribute_I:
		return v.I
	case *zmf.Attribute_S:
		return v.S
	case *zmf.Attribute_Floats:
		return v.Floats.GetVal()
	case *zmf.Attribute_Ints:
		return v.Ints.GetVal()
	case *zmf.Attribute_Strings:
		return v.Strings.GetVal()
	default:
		return nil
	}
}
