package layers

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/zerfoo/graph"
	"github.com/zerfoo/zerfoo/tensor"
)

// ErrDuplicateName is returned when two layers or inputs of a model share a
// name.
var ErrDuplicateName = errors.New("duplicate layer name")

// Model is an assembled layer graph from inputs to outputs. It executes as
// one graph.Graph per output on a shared compute engine.
type Model struct {
	inputs  []*Tensor
	outputs []*Tensor
	// nodes holds every layer output in topological order.
	nodes []*Tensor

	builder *graph.Builder[float32]
	graphs  []*graph.Graph[float32]
}

// NewModel assembles the graph reachable from outputs. Every placeholder the
// outputs depend on must be listed in inputs. Anonymous layers are named
// after their op type ("lambda", "lambda_1", ...), and names must be unique.
// A nil engine selects NewEngine.
func NewModel(engine compute.Engine[float32], inputs, outputs []*Tensor) (*Model, error) {
	m := &Model{inputs: slices.Clone(inputs), outputs: slices.Clone(outputs)}

	isInput := make(map[*Tensor]bool, len(inputs))
	for _, in := range inputs {
		if !in.IsInput() {
			return nil, errors.Newf("model input %q is a layer output", in.Name())
		}
		isInput[in] = true
	}

	visited := make(map[*Tensor]bool)
	var visit func(t *Tensor) error
	visit = func(t *Tensor) error {
		if visited[t] {
			return nil
		}
		visited[t] = true
		if t.IsInput() {
			if !isInput[t] {
				return errors.Newf("graph depends on %q, which is not a model input", t.Name())
			}
			return nil
		}
		for _, in := range t.inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		m.nodes = append(m.nodes, t)
		return nil
	}
	for _, out := range outputs {
		if out == nil {
			return nil, errors.New("nil model output")
		}
		if err := visit(out); err != nil {
			return nil, err
		}
	}

	if err := m.assignNames(); err != nil {
		return nil, err
	}
	if err := m.build(engine); err != nil {
		return nil, err
	}
	return m, nil
}

// build wires the layer graph into a graph.Builder.
func (m *Model) build(engine compute.Engine[float32]) error {
	if engine == nil {
		engine = NewEngine()
	}
	m.builder = graph.NewBuilder[float32](engine)
	nodes := make(map[*Tensor]graph.Node[float32], len(m.inputs)+len(m.nodes))
	for _, in := range m.inputs {
		nodes[in] = m.builder.Input(in.Shape())
	}
	for _, t := range m.nodes {
		deps := make([]graph.Node[float32], len(t.inputs))
		for i, in := range t.inputs {
			deps[i] = nodes[in]
		}
		nodes[t] = m.builder.AddNode(&node{layer: t.layer}, deps...)
	}
	m.graphs = make([]*graph.Graph[float32], len(m.outputs))
	for i, out := range m.outputs {
		g, err := m.builder.Build(nodes[out])
		if err != nil {
			return errors.Wrapf(err, "failed to build graph for output %q", out.Name())
		}
		m.graphs[i] = g
	}
	return nil
}

func (m *Model) assignNames() error {
	used := make(map[string]bool, len(m.inputs)+len(m.nodes))
	for _, in := range m.inputs {
		if used[in.name] {
			return errors.Wrapf(ErrDuplicateName, "input %q", in.name)
		}
		used[in.name] = true
	}
	for _, n := range m.nodes {
		name := n.layer.Name()
		if name == "" {
			continue
		}
		if used[name] {
			return errors.Wrapf(ErrDuplicateName, "%q", name)
		}
		used[name] = true
	}
	for _, n := range m.nodes {
		if n.layer.Name() != "" {
			continue
		}
		prefix := strings.ToLower(kindOf(n.layer))
		name := prefix
		for i := 1; used[name]; i++ {
			name = fmt.Sprintf("%s_%d", prefix, i)
		}
		used[name] = true
		n.layer.SetName(name)
	}
	return nil
}

func kindOf(l Layer) string {
	switch l.(type) {
	case *Lambda:
		return "lambda"
	default:
		return l.OpType()
	}
}

// Inputs returns the model inputs.
func (m *Model) Inputs() []*Tensor { return slices.Clone(m.inputs) }

// Outputs returns the model outputs.
func (m *Model) Outputs() []*Tensor { return slices.Clone(m.outputs) }

// Nodes returns all layer outputs in topological order.
func (m *Model) Nodes() []*Tensor { return slices.Clone(m.nodes) }

// Layers returns all layers in topological order.
func (m *Model) Layers() []Layer {
	out := make([]Layer, len(m.nodes))
	for i, n := range m.nodes {
		out[i] = n.layer
	}
	return out
}

// Layer returns the layer with the given name.
func (m *Model) Layer(name string) (Layer, bool) {
	for _, n := range m.nodes {
		if n.layer.Name() == name {
			return n.layer, true
		}
	}
	return nil, false
}

// Parameters returns the learned weights of every layer.
func (m *Model) Parameters() []*graph.Parameter[float32] { return m.builder.Parameters() }

// Predict evaluates the model. feeds are matched to Inputs by position and
// results are returned in the order of Outputs.
func (m *Model) Predict(ctx context.Context, feeds ...*tensor.TensorNumeric[float32]) ([]*tensor.TensorNumeric[float32], error) {
	if len(feeds) != len(m.inputs) {
		return nil, errors.Newf("model has %d inputs, got %d", len(m.inputs), len(feeds))
	}
	for i, in := range m.inputs {
		if feeds[i] == nil {
			return nil, errors.Newf("input %q is nil", in.name)
		}
		// The batch dimension may differ from the declared one.
		got := feeds[i].Shape()
		if len(got) != len(in.shape) || (len(got) > 0 && !slices.Equal(got[1:], in.shape[1:])) {
			return nil, errors.Wrapf(ErrShape, "input %q is %v, want %v", in.name, got, in.shape)
		}
	}
	results := make([]*tensor.TensorNumeric[float32], len(m.graphs))
	for i, g := range m.graphs {
		out, err := g.Forward(ctx, feeds...)
		if err != nil {
			return nil, err
		}
		results[i] = out
	}
	return results, nil
}
