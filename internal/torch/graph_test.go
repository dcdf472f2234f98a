package torch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGraph = `{
  "name": "Net",
  "inputs": [{"name": "input.1", "shape": [1, 3, 4, 4]}],
  "outputs": ["5"],
  "nodes": [
    {"id": "3", "kind": "onnx::PRelu", "weight_name": "act", "inputs": ["input.1"], "params": {}},
    {"id": "4", "kind": "onnx::Constant", "params": {"value": {"shape": [2], "data": [1, -1]}}},
    {"id": "5", "kind": "onnx::Reshape", "weight_name": "view", "inputs": ["3", "4"], "params": {}}
  ]
}`

func TestLoadGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleGraph), 0o644))

	g, err := LoadGraph(path)
	require.NoError(t, err)

	assert.Equal(t, "Net", g.Name)
	require.Len(t, g.Inputs, 1)
	assert.Equal(t, []int{1, 3, 4, 4}, g.Inputs[0].Shape)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "onnx::PRelu", g.Nodes[0].Kind)
	assert.Equal(t, "act", g.Nodes[0].WeightName)
	assert.Equal(t, []string{"3", "4"}, g.Nodes[2].Inputs)
	assert.Equal(t, map[string]int{"onnx::PRelu": 1, "onnx::Constant": 1, "onnx::Reshape": 1}, g.KindCounts())

	value, err := g.Nodes[1].Params.Array("value")
	require.NoError(t, err)
	assert.Equal(t, Float64, value.DType())
	assert.Equal(t, []int{2}, value.Shape())
	assert.Equal(t, []float64{1, -1}, value.Float64s())
}

func TestLoadGraph_MissingFile(t *testing.T) {
	_, err := LoadGraph(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestParseGraph_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"nodes": [`},
		{"duplicate id", `{"inputs":[{"name":"x","shape":[1]}],"nodes":[{"id":"a","kind":"onnx::Relu","inputs":["x"]},{"id":"a","kind":"onnx::Relu","inputs":["x"]}]}`},
		{"forward reference", `{"inputs":[{"name":"x","shape":[1]}],"nodes":[{"id":"a","kind":"onnx::Relu","inputs":["b"]}]}`},
		{"missing id", `{"nodes":[{"kind":"onnx::Relu"}]}`},
		{"unknown output", `{"inputs":[{"name":"x","shape":[1]}],"outputs":["y"]}`},
		{"duplicate input", `{"inputs":[{"name":"x","shape":[1]},{"name":"x","shape":[1]}]}`},
		{"node shadows constant raw entry", `{"inputs":[{"name":"x","shape":[1]}],"nodes":[{"id":"a","kind":"onnx::Constant","params":{"value":1}},{"id":"a_np","kind":"onnx::Relu","inputs":["x"]}]}`},
		{"earlier node shadows constant raw entry", `{"inputs":[{"name":"x","shape":[1]}],"nodes":[{"id":"a_np","kind":"onnx::Relu","inputs":["x"]},{"id":"a","kind":"onnx::Constant","params":{"value":1}}]}`},
		{"input shadows constant raw entry", `{"inputs":[{"name":"c_np","shape":[1]}],"nodes":[{"id":"c","kind":"onnx::Constant","params":{"value":1}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGraph([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestParams(t *testing.T) {
	p := Params{
		"alpha":   0.25,
		"dim":     float64(1),
		"half":    1.5,
		"perm":    []any{float64(0), float64(2), float64(1)},
		"native":  []int{3, 4},
		"scalar":  float64(7),
		"badlist": []any{"x"},
	}

	alpha, err := p.Float("alpha")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, alpha, 1e-12)

	dim, err := p.Int("dim")
	require.NoError(t, err)
	assert.Equal(t, 1, dim)

	_, err = p.Int("half")
	assert.Error(t, err)

	perm, err := p.Ints("perm")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 1}, perm)

	native, err := p.Ints("native")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, native)

	_, err = p.Ints("badlist")
	assert.Error(t, err)

	scalar, err := p.Array("scalar")
	require.NoError(t, err)
	assert.Empty(t, scalar.Shape())
	assert.Equal(t, []float64{7}, scalar.Float64s())

	_, err = p.Float("absent")
	assert.True(t, errors.Is(err, ErrMissingParam))
	assert.False(t, p.Has("absent"))
	assert.True(t, p.Has("alpha"))
}

func TestValidate_ReservesConstantRawEntry(t *testing.T) {
	g := &Graph{
		Inputs: []ValueInfo{{Name: "x", Shape: []int{1}}},
		Nodes: []*Node{
			{ID: "a", Kind: ConstantKind, Params: Params{"value": 1.0}},
			{ID: "a" + RawSuffix, Kind: "onnx::Relu", Inputs: []string{"x"}},
		},
	}
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a_np"`)

	// The suffix is only reserved for constants.
	g.Nodes[0].Kind = "onnx::Relu"
	g.Nodes[0].Inputs = []string{"x"}
	assert.NoError(t, g.Validate())
}

func TestParams_ArrayKeepsDTypeAndShape(t *testing.T) {
	g, err := ParseGraph([]byte(`{
  "inputs": [{"name": "x", "shape": [1, 2]}],
  "nodes": [
    {"id": "big", "kind": "onnx::Constant", "params": {"value": {"shape": [2], "data": [16777217, -3], "dtype": "int64"}}},
    {"id": "huge", "kind": "onnx::Constant", "params": {"value": {"shape": [1], "data": [9007199254740993], "dtype": "int64"}}},
    {"id": "f64", "kind": "onnx::Constant", "params": {"value": {"shape": [1], "data": [16777217]}}},
    {"id": "f32", "kind": "onnx::Constant", "params": {"value": {"shape": [1], "data": [16777217], "dtype": "float32"}}},
    {"id": "scalar", "kind": "onnx::Constant", "params": {"value": {"shape": [], "data": [16777217], "dtype": "int64"}}},
    {"id": "bare", "kind": "onnx::Constant", "params": {"value": 2.5}}
  ]
}`))
	require.NoError(t, err)
	arrays := make(map[string]*Array)
	for _, n := range g.Nodes {
		a, err := n.Params.Array("value")
		require.NoError(t, err, n.ID)
		arrays[n.ID] = a
	}

	big := arrays["big"]
	assert.Equal(t, Int64, big.DType())
	assert.Equal(t, []int{2}, big.Shape())
	ints, err := big.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{16777217, -3}, ints)

	huge, err := arrays["huge"].Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{9007199254740993}, huge)

	assert.Equal(t, []float64{16777217}, arrays["f64"].Float64s())
	assert.Equal(t, []float64{16777216}, arrays["f32"].Float64s())

	scalar := arrays["scalar"]
	assert.Empty(t, scalar.Shape())
	assert.Equal(t, 1, scalar.Len())
	ints, err = scalar.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{16777217}, ints)
	view, err := scalar.Float32()
	require.NoError(t, err)
	assert.Equal(t, 0, view.Dims())

	bare := arrays["bare"]
	assert.Equal(t, Float64, bare.DType())
	assert.Empty(t, bare.Shape())
	_, err = bare.Int64s()
	assert.Error(t, err)
}

func TestParams_ArrayErrors(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"bad dtype", map[string]any{"shape": []any{}, "data": []any{1.0}, "dtype": "complex64"}},
		{"fractional int", map[string]any{"shape": []any{1.0}, "data": []any{1.5}, "dtype": "int64"}},
		{"int32 overflow", map[string]any{"shape": []any{1.0}, "data": []any{float64(1 << 40)}, "dtype": "int32"}},
		{"size mismatch", map[string]any{"shape": []any{3.0}, "data": []any{1.0}}},
		{"no data", map[string]any{"shape": []any{1.0}}},
		{"string", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Params{"value": tt.value}.Array("value")
			assert.Error(t, err)
		})
	}
}
