package layers

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/zerfoo/graph"
	"github.com/zerfoo/zerfoo/layers/activations"
	"github.com/zerfoo/zerfoo/tensor"
)

// SELU constants from Klambauer et al., "Self-Normalizing Neural Networks".
const (
	seluAlpha = 1.6732632423543772848170429916717
	seluScale = 1.0507009873554804934193349852946
)

type activationKind struct {
	opType string
	node   func(engine compute.Engine[float32]) graph.Node[float32]
}

var activationKinds = map[string]activationKind{
	"relu": {"Relu", func(e compute.Engine[float32]) graph.Node[float32] {
		return activations.NewReLU[float32](e, e.Ops())
	}},
	"sigmoid": {"Sigmoid", func(e compute.Engine[float32]) graph.Node[float32] {
		return activations.NewSigmoid[float32](e, e.Ops())
	}},
	"tanh": {"Tanh", func(e compute.Engine[float32]) graph.Node[float32] {
		return activations.NewTanh[float32](e, e.Ops())
	}},
	"selu": {"Selu", newSELU},
}

func newSELU(e compute.Engine[float32]) graph.Node[float32] {
	return activations.NewBaseActivation[float32](e, e.Ops(), "Selu",
		activations.WithForwardOp(selu),
		activations.WithBackwardOp(seluGrad),
	)
}

func selu(v float32) float32 {
	if v > 0 {
		return float32(seluScale * float64(v))
	}
	return float32(seluScale * seluAlpha * (math.Exp(float64(v)) - 1))
}

func seluGrad(v float32) float32 {
	if v > 0 {
		return seluScale
	}
	return float32(seluScale * seluAlpha * math.Exp(float64(v)))
}

// ActivationForOpType returns the activation function name for a ZMF op
// type, e.g. "Relu" -> "relu".
func ActivationForOpType(opType string) (string, bool) {
	for name, a := range activationKinds {
		if a.opType == opType {
			return name, true
		}
	}
	return "", false
}

// Activation applies a named element-wise activation function.
type Activation struct {
	base
	function string
	opType   string
	node     graph.Node[float32]
}

// NewActivation returns an Activation layer. Supported functions are relu,
// sigmoid, tanh and selu.
func NewActivation(engine compute.Engine[float32], function, name string) (*Activation, error) {
	kind, ok := activationKinds[function]
	if !ok {
		return nil, errors.Newf("unknown activation function %q", function)
	}
	b := newBase(engine, name)
	return &Activation{base: b, function: function, opType: kind.opType, node: kind.node(b.engine)}, nil
}

// Function returns the activation function name.
func (a *Activation) Function() string { return a.function }

// OpType implements Layer.
func (a *Activation) OpType() string { return a.opType }

// Build implements Layer.
func (a *Activation) Build(inputShapes ...[]int) ([]int, error) {
	return oneShape(a.name, inputShapes)
}

// Forward implements Layer.
func (a *Activation) Forward(ctx context.Context, inputs ...*tensor.TensorNumeric[float32]) (*tensor.TensorNumeric[float32], error) {
	x, err := oneInput(a.name, inputs)
	if err != nil {
		return nil, err
	}
	return a.node.Forward(ctx, x)
}
