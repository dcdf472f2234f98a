// Package inspector prints human-readable summaries of source graphs and
// converted ZMF models.
package inspector

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/importer"
	"github.com/zerfoo/zmf"
)

// InspectFile dispatches on the file extension: ".json" is a source graph,
// anything else is read as ZMF.
func InspectFile(inputFile string) error {
	if strings.EqualFold(filepath.Ext(inputFile), ".json") {
		return InspectGraph(inputFile)
	}
	return InspectZMF(inputFile)
}

// InspectGraph inspects a source graph and prints its summary.
func InspectGraph(inputFile string) error {
	fmt.Printf("Inspecting graph from: %s\n", inputFile)

	g, err := torch.LoadGraph(inputFile)
	if err != nil {
		return errors.Wrap(err, "failed to load graph")
	}

	fmt.Printf("Successfully loaded graph: %s\n", g.Name)
	for _, in := range g.Inputs {
		fmt.Printf("Input: %s %v\n", in.Name, in.Shape)
	}
	fmt.Printf("Outputs: %v\n", g.Outputs)
	fmt.Printf("Graph has %d nodes.\n", len(g.Nodes))

	counts := g.KindCounts()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Println("\nKinds:")
	for _, k := range kinds {
		fmt.Printf("- %s: %d\n", k, counts[k])
	}
	return nil
}

// InspectZMF inspects a ZMF model and prints its summary.
func InspectZMF(inputFile string) error {
	fmt.Printf("Inspecting ZMF model from: %s\n", inputFile)

	model, err := importer.LoadZMF(inputFile)
	if err != nil {
		return errors.Wrap(err, "failed to load ZMF model")
	}

	Inspect(model)

	return nil
}

// Inspect prints a human-readable summary of a ZMF model.
func Inspect(model *zmf.Model) {
	fmt.Printf("Producer: %s %s\n", model.GetMetadata().GetProducerName(), model.GetMetadata().GetProducerVersion())
	fmt.Printf("Opset version: %d\n", model.GetMetadata().GetOpsetVersion())
	fmt.Printf("Graph has %d nodes.\n", len(model.GetGraph().GetNodes()))
	fmt.Printf("Graph has %d parameters.\n", len(model.GetGraph().GetParameters()))

	fmt.Println("\nNodes:")
	for _, node := range model.GetGraph().GetNodes() {
		fmt.Printf("- Node: %s, OpType: %s\n", node.GetName(), node.GetOpType())
		fmt.Printf("  Inputs: %v\n", node.GetInputs())
		fmt.Printf("  Outputs: %v\n", node.GetOutputs())
		if len(node.GetAttributes()) > 0 {
			names := make([]string, 0, len(node.GetAttributes()))
			for name := range node.GetAttributes() {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Println("  Attributes:")
			for _, name := range names {
				fmt.Printf("    - %s: %s\n", name, formatAttribute(node.GetAttributes()[name]))
			}
		}
	}
}

func formatAttribute(attr *zmf.Attribute) string {
	switch v := attr.GetValue().(type) {
	case *zmf.Attribute_F:
		return fmt.Sprintf("%g", v.F)
	case *zmf.Attribute_I:
		return fmt.Sprintf("%d", v.I)
	case *zmf.Attribute_Ints:
		return fmt.Sprintf("%v", v.Ints.GetVal())
	default:
		return fmt.Sprintf("%v", attr.GetValue())
	}
}
