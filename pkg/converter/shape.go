package converter

import (
	"github.com/cockroachdb/errors"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/ztorch/pkg/registry"
)

func init() {
	registry.Register("onnx::Reshape", ConvertReshape)
	registry.Register("onnx::Transpose", ConvertTranspose)
}

// ConvertReshape converts a reshape node. The full target shape comes from
// params["shape"] or from the raw constant feeding the node's second input.
// The batch dimension is kept as is.
func ConvertReshape(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "reshape", node)

	var shape []int
	switch {
	case node.Params.Has("shape"):
		s, err := node.Params.Ints("shape")
		if err != nil {
			return errors.Wrapf(err, "reshape node %q", node.ID)
		}
		shape = s
	case len(node.Inputs) > 1:
		raw, err := ctx.Layers.RawArray(node.Inputs[1] + RawSuffix)
		if err != nil {
			return errors.Wrapf(err, "reshape node %q shape input", node.ID)
		}
		dims, err := raw.Int64s()
		if err != nil {
			return errors.Wrapf(err, "reshape node %q shape input", node.ID)
		}
		for _, d := range dims {
			shape = append(shape, int(d))
		}
	default:
		return errors.Newf("reshape node %q has neither a shape parameter nor a shape input", node.ID)
	}
	if len(shape) == 0 {
		return errors.Newf("reshape node %q has an empty target shape", node.ID)
	}

	name := ctx.LayerName(node.WeightName, "RESH", 4)
	return apply(node, ctx, layers.NewReshape(ctx.Engine, name, shape[1:]))
}

// ConvertTranspose converts a transpose node with permutation
// params["perm"]; without one the dimensions are reversed.
func ConvertTranspose(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "transpose", node)

	var perm []int
	if node.Params.Has("perm") {
		p, err := node.Params.Ints("perm")
		if err != nil {
			return errors.Wrapf(err, "transpose node %q", node.ID)
		}
		perm = p
	}

	name := ctx.LayerName(node.WeightName, "PERM", 4)
	return apply(node, ctx, layers.NewTranspose(ctx.Engine, name, perm))
}
