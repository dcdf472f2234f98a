// Package torch describes a traced PyTorch graph as exported for conversion.
package torch

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
)

// ValueInfo names a graph input and its static shape.
type ValueInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Node is one operator instance of the traced graph.
type Node struct {
	// ID is the scope name the operator output is known by.
	ID string `json:"id"`
	// Kind is the operator kind, e.g. "onnx::Relu".
	Kind string `json:"kind"`
	// WeightName is the state_dict prefix of the module that produced the node.
	WeightName string   `json:"weight_name"`
	Inputs     []string `json:"inputs"`
	Params     Params   `json:"params"`
}

// Graph is a traced model: inputs, nodes in execution order and outputs.
type Graph struct {
	Name    string      `json:"name"`
	Inputs  []ValueInfo `json:"inputs"`
	Outputs []string    `json:"outputs"`
	Nodes   []*Node     `json:"nodes"`
}

// LoadGraph reads and validates a JSON graph export.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read graph file")
	}
	return ParseGraph(data)
}

// ParseGraph decodes a JSON graph export. Numbers inside params keep their
// literal text, so integral constants are not rounded through float64.
func ParseGraph(data []byte) (*Graph, error) {
	g := &Graph{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(g); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal graph JSON")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ConstantKind is the kind of constant nodes.
const ConstantKind = "onnx::Constant"

// RawSuffix is appended to a constant's id to name its raw array entry.
// Those names are reserved: no other input or node may use them.
const RawSuffix = "_np"

// Validate checks that node ids are present and unique, that every node
// input refers to a graph input or an earlier node, and that no name clashes
// with the raw entry "<id>_np" of a constant.
func (g *Graph) Validate() error {
	known := make(map[string]bool, len(g.Inputs)+len(g.Nodes))
	reserved := make(map[string]string)
	for _, n := range g.Nodes {
		if n.Kind == ConstantKind && n.ID != "" {
			reserved[n.ID+RawSuffix] = n.ID
		}
	}
	for _, in := range g.Inputs {
		if in.Name == "" {
			return errors.New("graph input with empty name")
		}
		if c, ok := reserved[in.Name]; ok {
			return errors.Newf("graph input %q clashes with the raw entry of constant %q", in.Name, c)
		}
		if known[in.Name] {
			return errors.Newf("duplicate graph input %q", in.Name)
		}
		known[in.Name] = true
	}
	for i, n := range g.Nodes {
		if n.ID == "" {
			return errors.Newf("node %d has no id", i)
		}
		if known[n.ID] {
			return errors.Newf("duplicate node id %q", n.ID)
		}
		if c, ok := reserved[n.ID]; ok {
			return errors.Newf("node id %q clashes with the raw entry of constant %q", n.ID, c)
		}
		for _, in := range n.Inputs {
			if !known[in] {
				return errors.Newf("node %q reads %q before it is defined", n.ID, in)
			}
		}
		known[n.ID] = true
	}
	for _, out := range g.Outputs {
		if !known[out] {
			return errors.Newf("graph output %q is not produced by any node", out)
		}
	}
	return nil
}

// KindCounts returns how many nodes of each kind the graph holds.
func (g *Graph) KindCounts() map[string]int {
	counts := make(map[string]int)
	for _, n := range g.Nodes {
		counts[n.Kind]++
	}
	return counts
}
