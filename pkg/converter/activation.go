package converter

import (
	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/tensor"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/ztorch/pkg/registry"
	"go.uber.org/zap"
)

func init() {
	registry.Register("onnx::Relu", ConvertReLU)
	registry.Register("onnx::PRelu", ConvertPReLU)
	registry.Register("onnx::LeakyRelu", ConvertLeakyReLU)
	registry.Register("onnx::Sigmoid", ConvertSigmoid)
	registry.Register("onnx::Softmax", ConvertSoftmax)
	registry.Register("onnx::Tanh", ConvertTanh)
	registry.Register("onnx::HardTanh", ConvertHardTanh)
	registry.Register("onnx::Selu", ConvertSELU)
}

func logConverting(ctx *registry.Context, what string, node *torch.Node) {
	ctx.Logger.Info("Converting "+what+" ...", zap.String("node", node.ID), zap.String("kind", node.Kind))
}

// input returns the tensor of the node's first input.
func input(node *torch.Node, ctx *registry.Context) (*layers.Tensor, error) {
	if len(node.Inputs) == 0 {
		return nil, errors.Newf("node %q has no inputs", node.ID)
	}
	return ctx.Layers.Tensor(node.Inputs[0])
}

// apply calls layer on the node's first input and records the output under
// the node id.
func apply(node *torch.Node, ctx *registry.Context, layer layers.Layer) error {
	in, err := input(node, ctx)
	if err != nil {
		return err
	}
	out, err := layers.Call(layer, in)
	if err != nil {
		return err
	}
	return ctx.Layers.Insert(node.ID, registry.TensorOf(out))
}

func convertActivation(node *torch.Node, ctx *registry.Context, function, short string, suffixLen int) error {
	layer, err := layers.NewActivation(ctx.Engine, function, ctx.LayerName(node.WeightName, short, suffixLen))
	if err != nil {
		return err
	}
	return apply(node, ctx, layer)
}

// ConvertReLU converts a relu node.
func ConvertReLU(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "relu", node)
	return convertActivation(node, ctx, "relu", "RELU", 4)
}

// ConvertSigmoid converts a sigmoid node.
func ConvertSigmoid(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "sigmoid", node)
	return convertActivation(node, ctx, "sigmoid", "SIGM", 4)
}

// ConvertTanh converts a tanh node.
func ConvertTanh(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "tanh", node)
	return convertActivation(node, ctx, "tanh", "TANH", 4)
}

// ConvertSELU converts a selu node.
func ConvertSELU(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "selu", node)
	return convertActivation(node, ctx, "selu", "SELU", 4)
}

// ConvertPReLU converts a parametric relu node. The per-channel slope is read
// from "<weight_name>.weight" and reshaped to (1, C, 1, ...) so it broadcasts
// over the channel axis of a channels-first input; all axes after the
// channel axis share the slope.
func ConvertPReLU(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "prelu", node)

	name := ctx.LayerName(node.WeightName, "PRELU", 3)
	alpha, err := ctx.Weights.Tensor(node.WeightName + ".weight")
	if err != nil {
		return err
	}

	in, err := input(node, ctx)
	if err != nil {
		return err
	}
	rank := len(in.Shape())
	if rank < 2 {
		return errors.Newf("prelu node %q needs a channel axis, input is %v", node.ID, in.Shape())
	}
	shared := make([]int, 0, rank-2)
	slopeShape := make([]int, rank)
	for i := range slopeShape {
		slopeShape[i] = 1
		if i >= 2 {
			shared = append(shared, i)
		}
	}
	slopeShape[1] = len(alpha.Data())
	slope, err := tensor.New[float32](slopeShape, alpha.Data())
	if err != nil {
		return errors.Wrapf(err, "prelu node %q", node.ID)
	}

	prelu := layers.NewPReLU(ctx.Engine, name, shared...)
	out, err := layers.Call(prelu, in)
	if err != nil {
		return err
	}
	// The slope can only be set once the layer is built by Call.
	if err := prelu.SetWeights(slope); err != nil {
		return errors.Wrapf(err, "prelu node %q", node.ID)
	}
	return ctx.Layers.Insert(node.ID, registry.TensorOf(out))
}

// ConvertLeakyReLU converts a leaky relu node with slope params["alpha"].
func ConvertLeakyReLU(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "lrelu", node)

	name := ctx.LayerName(node.WeightName, "lRELU", 3)
	alpha, err := node.Params.Float("alpha")
	if err != nil {
		return errors.Wrapf(err, "leaky relu node %q", node.ID)
	}
	return apply(node, ctx, layers.NewLeakyReLU(ctx.Engine, name, float32(alpha)))
}

// ConvertSoftmax converts a softmax node along params["dim"]. The layer is
// anonymous.
func ConvertSoftmax(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "softmax", node)

	dim, err := node.Params.Int("dim")
	if err != nil {
		return errors.Wrapf(err, "softmax node %q", node.ID)
	}
	return apply(node, ctx, layers.SoftmaxLambda(ctx.Engine, dim))
}

// ConvertHardTanh converts a hardtanh node to an anonymous clipping layer
// bounded by params["min_val"] and params["max_val"].
func ConvertHardTanh(node *torch.Node, ctx *registry.Context) error {
	logConverting(ctx, "hardtanh (clip)", node)

	maxVal, err := node.Params.Float("max_val")
	if err != nil {
		return errors.Wrapf(err, "hardtanh node %q", node.ID)
	}
	minVal, err := node.Params.Float("min_val")
	if err != nil {
		return errors.Wrapf(err, "hardtanh node %q", node.ID)
	}
	return apply(node, ctx, layers.ClipLambda(ctx.Engine, float32(minVal), float32(maxVal)))
}
