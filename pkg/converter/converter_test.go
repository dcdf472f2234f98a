package converter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/ztorch/pkg/registry"
	"github.com/zerfoo/ztorch/pkg/weights"
	"github.com/zerfoo/zmf"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/proto"
)

func TestConvertConstant_DualWrite(t *testing.T) {
	ctx := newTestContext(t, registry.NamingUnique, nil)
	value := mustTensor(t, []int{2, 2}, []float32{1, -2, 3.5, 0})
	node := &torch.Node{ID: "7", Kind: "onnx::Constant", Params: torch.Params{"value": value}}

	require.NoError(t, ConvertConstant(node, ctx))
	assert.Equal(t, []string{"x", "other", "7_np", "7"}, ctx.Layers.Keys())

	raw, err := ctx.Layers.RawArray("7_np")
	require.NoError(t, err)
	bare, err := ctx.Layers.RawArray("7")
	require.NoError(t, err)
	assert.Same(t, raw, bare)
	assert.Equal(t, torch.Float32, raw.DType())
	assert.Equal(t, value.Shape(), raw.Shape())

	want := make([]byte, 0, 16)
	got := make([]byte, 0, 16)
	for i, v := range bare.Float64s() {
		want = binary.LittleEndian.AppendUint32(want, math.Float32bits(value.Data()[i]))
		got = binary.LittleEndian.AppendUint32(got, math.Float32bits(float32(v)))
	}
	assert.Equal(t, want, got)
}

func TestConvertConstant_FromJSONValue(t *testing.T) {
	ctx := newTestContext(t, registry.NamingUnique, nil)
	node := &torch.Node{ID: "7", Kind: "onnx::Constant", Params: torch.Params{
		"value": map[string]any{"shape": []any{float64(2)}, "data": []any{float64(1), float64(-1)}},
	}}
	require.NoError(t, ConvertConstant(node, ctx))
	raw, err := ctx.Layers.RawArray("7_np")
	require.NoError(t, err)
	assert.Equal(t, torch.Float64, raw.DType())
	assert.Equal(t, []float64{1, -1}, raw.Float64s())
}

func TestConvertConstant_KeepsDTypeAndScalarShape(t *testing.T) {
	ctx := newTestContext(t, registry.NamingUnique, nil)
	node := &torch.Node{ID: "7", Kind: "onnx::Constant", Params: torch.Params{
		"value": map[string]any{"dtype": "int64", "shape": []any{}, "data": []any{json.Number("16777217")}},
	}}
	require.NoError(t, ConvertConstant(node, ctx))

	raw, err := ctx.Layers.RawArray("7")
	require.NoError(t, err)
	assert.Equal(t, torch.Int64, raw.DType())
	assert.Empty(t, raw.Shape())
	ints, err := raw.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{16777217}, ints)
}

func TestConvertConstant_Errors(t *testing.T) {
	ctx := newTestContext(t, registry.NamingUnique, nil)
	err := ConvertConstant(&torch.Node{ID: "7", Kind: "onnx::Constant"}, ctx)
	assert.True(t, errors.Is(err, torch.ErrMissingParam))

	err = ConvertConstant(&torch.Node{ID: "other", Kind: "onnx::Constant", Params: torch.Params{"value": 1.0}}, ctx)
	assert.True(t, errors.Is(err, registry.ErrDuplicate))
}

func TestConvertConstant_CollisionWritesNothing(t *testing.T) {
	for _, taken := range []string{"7", "7_np"} {
		t.Run(taken, func(t *testing.T) {
			ctx := newTestContext(t, registry.NamingUnique, nil)
			require.NoError(t, ctx.Layers.Insert(taken, registry.TensorOf(layers.Input(taken, inputShape))))
			before := ctx.Layers.Keys()

			err := ConvertConstant(&torch.Node{ID: "7", Kind: "onnx::Constant", Params: torch.Params{"value": 1.0}}, ctx)
			assert.True(t, errors.Is(err, registry.ErrDuplicate))
			assert.Equal(t, before, ctx.Layers.Keys())
			assert.Equal(t, 3, ctx.Layers.Len())
		})
	}
}

func TestConvertReshape(t *testing.T) {
	ctx := newTestContext(t, registry.NamingKeep, nil)
	require.NoError(t, ConvertConstant(&torch.Node{ID: "c", Params: torch.Params{"value": mustTensor(t, []int{2}, []float32{1, -1})}}, ctx))

	require.NoError(t, ConvertReshape(&torch.Node{ID: "r", WeightName: "view", Inputs: []string{"x", "c"}}, ctx))
	out, err := ctx.Layers.Tensor("r")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 12}, out.Shape())
	assert.Equal(t, "view", out.Layer().Name())

	require.NoError(t, ConvertReshape(&torch.Node{ID: "r2", WeightName: "view2", Inputs: []string{"x"}, Params: torch.Params{"shape": []int{1, 3, 4}}}, ctx))
	out, err = ctx.Layers.Tensor("r2")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, out.Shape())

	err = ConvertReshape(&torch.Node{ID: "r3", Inputs: []string{"x"}}, ctx)
	assert.Error(t, err)
}

func TestConvertReshape_IntegerShapeConstant(t *testing.T) {
	ctx := newTestContext(t, registry.NamingKeep, nil)
	node := &torch.Node{ID: "c", Params: torch.Params{
		"value": map[string]any{"dtype": "int64", "shape": []any{float64(3)}, "data": []any{float64(1), float64(6), float64(-1)}},
	}}
	require.NoError(t, ConvertConstant(node, ctx))

	require.NoError(t, ConvertReshape(&torch.Node{ID: "r", WeightName: "view", Inputs: []string{"x", "c"}}, ctx))
	out, err := ctx.Layers.Tensor("r")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6, 2}, out.Shape())

	frac, err := torch.NewFloatArray(torch.Float64, []int{2}, []float64{1, 0.5})
	require.NoError(t, err)
	require.NoError(t, ctx.Layers.Insert("f_np", registry.RawArrayOf(frac)))
	err = ConvertReshape(&torch.Node{ID: "r2", Inputs: []string{"x", "f"}}, ctx)
	assert.Error(t, err)
	_, ok := ctx.Layers.Get("r2")
	assert.False(t, ok)
}

func TestConvertTranspose(t *testing.T) {
	ctx := newTestContext(t, registry.NamingShort, nil)
	require.NoError(t, ConvertTranspose(&torch.Node{ID: "t", Inputs: []string{"x"}, Params: torch.Params{"perm": []any{float64(0), float64(2), float64(3), float64(1)}}}, ctx))
	out, err := ctx.Layers.Tensor("t")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 3}, out.Shape())
	assert.Regexp(t, `^PERM[a-zA-Z0-9]{4}$`, out.Layer().Name())

	require.NoError(t, ConvertTranspose(&torch.Node{ID: "t2", Inputs: []string{"x"}}, ctx))
	out, err = ctx.Layers.Tensor("t2")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3, 1}, out.Shape())
}

// testGraph is x -> prelu -> softmax(dim=1) -> hardtanh -> reshape(const).
func testGraph() *torch.Graph {
	return &torch.Graph{
		Name:    "Net",
		Inputs:  []torch.ValueInfo{{Name: "input.1", Shape: []int{1, 3, 2, 2}}},
		Outputs: []string{"6"},
		Nodes: []*torch.Node{
			{ID: "2", Kind: "onnx::PRelu", WeightName: "act", Inputs: []string{"input.1"}},
			{ID: "3", Kind: "onnx::Softmax", Inputs: []string{"2"}, Params: torch.Params{"dim": float64(1)}},
			{ID: "4", Kind: "onnx::HardTanh", Inputs: []string{"3"}, Params: torch.Params{"min_val": 0.0, "max_val": 0.5}},
			{ID: "5", Kind: "onnx::Constant", Params: torch.Params{"value": map[string]any{"shape": []any{float64(2)}, "data": []any{float64(1), float64(-1)}}}},
			{ID: "6", Kind: "onnx::Reshape", WeightName: "view", Inputs: []string{"4", "5"}},
		},
	}
}

func TestConvert(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	res, err := Convert(context.Background(), testGraph(), preluStore(t),
		WithNaming(registry.NamingKeep), WithLogger(zap.New(core)), WithSeed(1))
	require.NoError(t, err)

	var names []string
	for _, l := range res.Model.Layers() {
		names = append(names, l.Name())
	}
	if diff := cmp.Diff([]string{"act", "lambda", "lambda_1", "view"}, names); diff != "" {
		t.Errorf("layer names mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"input.1", "2", "3", "4", "5_np", "5", "6"}, res.Layers.Keys())

	x := mustTensor(t, []int{1, 3, 2, 2}, []float32{-1, 2, 3, 4, 5, -6, 7, 8, 9, 10, -11, 12})
	outs, err := res.Model.Predict(context.Background(), x)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []int{1, 12}, outs[0].Shape())
	for _, v := range outs[0].Data() {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(0.5))
	}

	assert.Equal(t, 5, logs.FilterMessageSnippet("Converting").Len())
	assert.Equal(t, 1, logs.FilterMessage("Converting prelu ...").Len())
}

func TestConvert_UnsupportedOp(t *testing.T) {
	g := testGraph()
	g.Nodes[1].Kind = "onnx::Gemm"
	_, err := Convert(context.Background(), g, preluStore(t))
	assert.True(t, errors.Is(err, ErrUnsupportedOp))
}

func TestConvert_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Convert(ctx, testGraph(), preluStore(t))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestConvert_KeepNamingCollision(t *testing.T) {
	g := testGraph()
	g.Nodes[4].WeightName = "act"
	_, err := Convert(context.Background(), g, preluStore(t), WithNaming(registry.NamingKeep))
	assert.True(t, errors.Is(err, layers.ErrDuplicateName))
}

func TestConvert_OutputIsConstant(t *testing.T) {
	g := testGraph()
	g.Outputs = []string{"5"}
	_, err := Convert(context.Background(), g, preluStore(t))
	assert.True(t, errors.Is(err, registry.ErrKind))
}

func TestSupportedKinds(t *testing.T) {
	want := []string{
		"onnx::Constant", "onnx::HardTanh", "onnx::LeakyRelu", "onnx::PRelu", "onnx::Relu",
		"onnx::Reshape", "onnx::Selu", "onnx::Sigmoid", "onnx::Softmax", "onnx::Tanh", "onnx::Transpose",
	}
	assert.Equal(t, want, SupportedKinds())
}

func TestToZMF(t *testing.T) {
	res, err := Convert(context.Background(), testGraph(), preluStore(t), WithNaming(registry.NamingKeep))
	require.NoError(t, err)

	zm, err := ToZMF(res.Model)
	require.NoError(t, err)

	assert.Equal(t, ProducerName, zm.GetMetadata().GetProducerName())
	require.Len(t, zm.GetGraph().GetInputs(), 1)
	assert.Equal(t, "input.1", zm.GetGraph().GetInputs()[0].GetName())
	assert.Equal(t, []int64{1, 3, 2, 2}, zm.GetGraph().GetInputs()[0].GetShape())
	require.Len(t, zm.GetGraph().GetOutputs(), 1)
	assert.Equal(t, "view", zm.GetGraph().GetOutputs()[0].GetName())

	nodes := zm.GetGraph().GetNodes()
	require.Len(t, nodes, 4)
	assert.Equal(t, "PRelu", nodes[0].GetOpType())
	assert.Equal(t, []string{"input.1", "act.weight"}, nodes[0].GetInputs())
	assert.Equal(t, "Softmax", nodes[1].GetOpType())
	assert.Equal(t, int64(1), nodes[1].GetAttributes()["axis"].GetI())
	assert.Equal(t, "Clip", nodes[2].GetOpType())
	assert.InDelta(t, 0.5, nodes[2].GetAttributes()["max"].GetF(), 1e-7)
	assert.Equal(t, "Reshape", nodes[3].GetOpType())
	assert.Equal(t, []string{"lambda_1"}, nodes[3].GetInputs())

	slope := zm.GetGraph().GetParameters()["act.weight"]
	require.NotNil(t, slope)
	assert.Equal(t, zmf.Tensor_FLOAT32, slope.GetDtype())
	assert.Equal(t, []int64{1, 3, 1, 1}, slope.GetShape())
	assert.Len(t, slope.GetData(), 12)

	path := filepath.Join(t.TempDir(), "net.zmf")
	require.NoError(t, WriteZMF(zm, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded := &zmf.Model{}
	require.NoError(t, proto.Unmarshal(data, decoded))
	assert.True(t, proto.Equal(zm, decoded))
}

var _ weights.Store = weights.Map(nil)
