// Package importer rebuilds runnable layer models from ZMF files.
package importer

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/zerfoo/model"
	"github.com/zerfoo/zerfoo/tensor"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/zmf"
)

// LoadModel reads a ZMF file and rebuilds its layer model on the default
// CPU engine.
func LoadModel(path string) (*layers.Model, error) {
	zmfModel, err := LoadZMF(path)
	if err != nil {
		return nil, err
	}
	return FromZMF(zmfModel, nil)
}

// LoadZMF reads and deserializes a ZMF model from a file.
func LoadZMF(path string) (*zmf.Model, error) {
	m, err := model.LoadZMF(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load ZMF model")
	}
	return m, nil
}

// FromZMF rebuilds a layer model from a ZMF graph on engine, or on the
// default CPU engine if engine is nil. Node inputs naming a parameter are
// passed to the layer as weights, in order; all other inputs must name a
// graph input or an earlier node output.
func FromZMF(zmfModel *zmf.Model, engine compute.Engine[float32]) (*layers.Model, error) {
	if engine == nil {
		engine = layers.NewEngine()
	}
	g := zmfModel.GetGraph()
	if g == nil {
		return nil, errors.New("model graph is nil")
	}

	params := make(map[string]*tensor.TensorNumeric[float32], len(g.GetParameters()))
	for name, p := range g.GetParameters() {
		t, err := decodeTensor(p)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode parameter %q", name)
		}
		params[name] = t
	}

	tensors := make(map[string]*layers.Tensor)
	inputs := make([]*layers.Tensor, 0, len(g.GetInputs()))
	for _, info := range g.GetInputs() {
		in := layers.Input(info.GetName(), ints(info.GetShape()))
		tensors[info.GetName()] = in
		inputs = append(inputs, in)
	}

	for _, node := range g.GetNodes() {
		construct, ok := Get(node.GetOpType())
		if !ok {
			return nil, errors.Newf("no constructor for op type %q (node %q)", node.GetOpType(), node.GetName())
		}
		layer, err := construct(engine, node)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to construct node %q", node.GetName())
		}
		layer.SetName(node.GetName())

		var args []*layers.Tensor
		var ws []*tensor.TensorNumeric[float32]
		for _, name := range node.GetInputs() {
			if t, ok := tensors[name]; ok {
				args = append(args, t)
				continue
			}
			if p, ok := params[name]; ok {
				ws = append(ws, p)
				continue
			}
			return nil, errors.Newf("node %q reads unknown value %q", node.GetName(), name)
		}
		out, err := layers.Call(layer, args...)
		if err != nil {
			return nil, err
		}
		if len(ws) > 0 {
			if err := layer.SetWeights(ws...); err != nil {
				return nil, errors.Wrapf(err, "node %q", node.GetName())
			}
		}
		if len(node.GetOutputs()) != 1 {
			return nil, errors.Newf("node %q has %d outputs, want 1", node.GetName(), len(node.GetOutputs()))
		}
		tensors[node.GetOutputs()[0]] = out
	}

	outputs := make([]*layers.Tensor, 0, len(g.GetOutputs()))
	for _, info := range g.GetOutputs() {
		out, ok := tensors[info.GetName()]
		if !ok {
			return nil, errors.Newf("graph output %q is not produced by any node", info.GetName())
		}
		outputs = append(outputs, out)
	}
	return layers.NewModel(engine, inputs, outputs)
}

func ints(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// decodeTensor decodes a parameter to float32. FLOAT64 is narrowed here;
// the other dtypes go through the zerfoo decoder.
func decodeTensor(p *zmf.Tensor) (*tensor.TensorNumeric[float32], error) {
	shape := ints(p.GetShape())
	raw := p.GetData()
	switch p.GetDtype() {
	case zmf.Tensor_FLOAT32, zmf.Tensor_FLOAT16:
		size := 4
		if p.GetDtype() == zmf.Tensor_FLOAT16 {
			size = 2
		}
		if len(raw) != tensor.Product(shape)*size {
			return nil, errors.Newf("%s data is %d bytes, want %d for shape %v", p.GetDtype(), len(raw), tensor.Product(shape)*size, shape)
		}
		return model.DecodeTensor[float32](p)
	case zmf.Tensor_FLOAT64:
		if len(raw) != tensor.Product(shape)*8 {
			return nil, errors.Newf("FLOAT64 data is %d bytes, want %d for shape %v", len(raw), tensor.Product(shape)*8, shape)
		}
		data := make([]float32, len(raw)/8)
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return tensor.New[float32](shape, data)
	default:
		return nil, errors.Newf("unsupported tensor dtype %s", p.GetDtype())
	}
}
