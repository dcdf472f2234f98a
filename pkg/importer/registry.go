package importer

import (
	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/zmf"
)

func init() {
	Register("Relu", newActivation)
	Register("Sigmoid", newActivation)
	Register("Tanh", newActivation)
	Register("Selu", newActivation)
	Register("PRelu", newPReLU)
	Register("LeakyRelu", newLeakyReLU)
	Register("Softmax", newSoftmax)
	Register("Clip", newClip)
	Register("Reshape", newReshape)
	Register("Transpose", newTranspose)
}

// LayerConstructor creates an unapplied layer running on engine from a ZMF
// node. Weights are injected by the caller once the layer is built.
type LayerConstructor func(engine compute.Engine[float32], node *zmf.Node) (layers.Layer, error)

var constructors = make(map[string]LayerConstructor)

// Register adds a constructor for a ZMF op type.
func Register(opType string, constructor LayerConstructor) {
	constructors[opType] = constructor
}

// Get returns the constructor for a ZMF op type.
func Get(opType string) (LayerConstructor, bool) {
	c, ok := constructors[opType]
	return c, ok
}

func attr(node *zmf.Node, name string) (*zmf.Attribute, error) {
	a, ok := node.GetAttributes()[name]
	if !ok {
		return nil, errors.Newf("missing attribute '%s' for %s", name, node.GetOpType())
	}
	return a, nil
}

func attrInts(node *zmf.Node, name string) ([]int, error) {
	a, err := attr(node, name)
	if err != nil {
		return nil, err
	}
	return ints(a.GetInts().GetVal()), nil
}

// newActivation is the LayerConstructor for element-wise activations.
func newActivation(engine compute.Engine[float32], node *zmf.Node) (layers.Layer, error) {
	function, ok := layers.ActivationForOpType(node.GetOpType())
	if !ok {
		return nil, errors.Newf("op type %q is not an activation", node.GetOpType())
	}
	return layers.NewActivation(engine, function, node.GetName())
}

// newPReLU is the LayerConstructor for PRelu.
func newPReLU(engine compute.Engine[float32], node *zmf.Node) (layers.Layer, error) {
	var shared []int
	if _, ok := node.GetAttributes()["shared_axes"]; ok {
		axes, err := attrInts(node, "shared_axes")
		if err != nil {
			return nil, err
		}
		shared = axes
	}
	return layers.NewPReLU(engine, node.GetName(), shared...), nil
}

// newLeakyReLU is the LayerConstructor for LeakyRelu.
func newLeakyReLU(engine compute.Engine[float32], node *zmf.Node) (layers.Layer, error) {
	alpha, err := attr(node, "alpha")
	if err != nil {
		return nil, err
	}
	return layers.NewLeakyReLU(engine, node.GetName(), alpha.GetF()), nil
}

// newSoftmax is the LayerConstructor for Softmax.
func newSoftmax(engine compute.Engine[float32], node *zmf.Node) (layers.Layer, error) {
	axis, err := attr(node, "axis")
	if err != nil {
		return nil, err
	}
	return layers.SoftmaxLambda(engine, int(axis.GetI())), nil
}

// newClip is the LayerConstructor for Clip.
func newClip(engine compute.Engine[float32], node *zmf.Node) (layers.Layer, error) {
	lo, err := attr(node, "min")
	if err != nil {
		return nil, err
	}
	hi, err := attr(node, "max")
	if err != nil {
		return nil, err
	}
	return layers.ClipLambda(engine, lo.GetF(), hi.GetF()), nil
}

// newReshape is the LayerConstructor for Reshape.
func newReshape(engine compute.Engine[float32], node *zmf.Node) (layers.Layer, error) {
	shape, err := attrInts(node, "shape")
	if err != nil {
		return nil, err
	}
	return layers.NewReshape(engine, node.GetName(), shape), nil
}

// newTranspose is the LayerConstructor for Transpose. A missing perm
// reverses the dimensions.
func newTranspose(engine compute.Engine[float32], node *zmf.Node) (layers.Layer, error) {
	var perm []int
	if _, ok := node.GetAttributes()["perm"]; ok {
		p, err := attrInts(node, "perm")
		if err != nil {
			return nil, err
		}
		perm = p
	}
	return layers.NewTranspose(engine, node.GetName(), perm), nil
}
