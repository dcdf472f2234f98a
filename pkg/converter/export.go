package converter

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/model"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"
)

// Producer metadata written to exported models.
const (
	ProducerName    = "ztorch"
	ProducerVersion = "0.1.0"
	OpsetVersion    = 1
)

// ToZMF exports a layer model to the ZMF format. Each layer becomes one node
// whose inputs are its input tensors followed by its weight parameters.
func ToZMF(m *layers.Model) (*zmf.Model, error) {
	zmfModel := &zmf.Model{
		Graph: &zmf.Graph{
			Nodes:      make([]*zmf.Node, 0, len(m.Nodes())),
			Parameters: make(map[string]*zmf.Tensor),
			Inputs:     valueInfos(m.Inputs()),
			Outputs:    valueInfos(m.Outputs()),
		},
		Metadata: &zmf.Metadata{
			ProducerName:    ProducerName,
			ProducerVersion: ProducerVersion,
			OpsetVersion:    OpsetVersion,
		},
	}

	for _, out := range m.Nodes() {
		layer := out.Layer()
		node := &zmf.Node{
			Name:       layer.Name(),
			OpType:     layer.OpType(),
			Outputs:    []string{out.Name()},
			Attributes: make(map[string]*zmf.Attribute),
		}
		for name, attr := range layer.Attributes() {
			node.Attributes[name] = attr
		}
		for _, in := range out.Inputs() {
			node.Inputs = append(node.Inputs, in.Name())
		}
		for i, w := range layer.Weights() {
			paramName := layers.ParamName(layer.Name(), i)
			if _, ok := zmfModel.Graph.Parameters[paramName]; ok {
				return nil, errors.Newf("duplicate parameter %q", paramName)
			}
			param, err := model.EncodeTensor(w)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to encode parameter %q", paramName)
			}
			zmfModel.Graph.Parameters[paramName] = param
			node.Inputs = append(node.Inputs, paramName)
		}
		zmfModel.Graph.Nodes = append(zmfModel.Graph.Nodes, node)
	}
	return zmfModel, nil
}

// WriteZMF serializes a ZMF model to path.
func WriteZMF(m *zmf.Model, path string) error {
	data, err := proto.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to marshal ZMF model")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func valueInfos(tensors []*layers.Tensor) []*zmf.ValueInfo {
	infos := make([]*zmf.ValueInfo, len(tensors))
	for i, t := range tensors {
		shape := t.Shape()
		dims := make([]int64, len(shape))
		for j, d := range shape {
			dims[j] = int64(d)
		}
		infos[i] = &zmf.ValueInfo{
			Name:  t.Name(),
			Shape: dims,
		}
	}
	return infos
}
