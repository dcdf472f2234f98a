package converter

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zerfoo/tensor"
	"github.com/zerfoo/ztorch/internal/torch"
	"github.com/zerfoo/ztorch/pkg/layers"
	"github.com/zerfoo/ztorch/pkg/registry"
	"github.com/zerfoo/ztorch/pkg/weights"
)

var inputShape = []int{1, 3, 2, 2}

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.TensorNumeric[float32] {
	t.Helper()
	tt, err := tensor.New[float32](shape, data)
	require.NoError(t, err)
	return tt
}

// newTestContext returns a context whose layer mapping holds one input "x"
// and one unrelated constant "other".
func newTestContext(t *testing.T, mode registry.NamingMode, store weights.Store) *registry.Context {
	t.Helper()
	ctx := registry.NewContext(store, mode, nil, rand.New(rand.NewPCG(7, 11)))
	require.NoError(t, ctx.Layers.Insert("x", registry.TensorOf(layers.Input("x", inputShape))))
	other, err := torch.NewIntArray(torch.Int64, []int{1}, []int64{9})
	require.NoError(t, err)
	require.NoError(t, ctx.Layers.Insert("other", registry.RawArrayOf(other)))
	return ctx
}

func preluStore(t *testing.T) weights.Map {
	return weights.Map{"act.weight": mustTensor(t, []int{3}, []float32{0.1, 0.2, 0.3})}
}

type adapterCase struct {
	kind      string
	params    torch.Params
	short     string
	suffixLen int // 0 for anonymous layers
}

var adapterCases = []adapterCase{
	{"onnx::Relu", nil, "RELU", 4},
	{"onnx::PRelu", nil, "PRELU", 3},
	{"onnx::LeakyRelu", torch.Params{"alpha": 0.01}, "lRELU", 3},
	{"onnx::Sigmoid", nil, "SIGM", 4},
	{"onnx::Softmax", torch.Params{"dim": float64(1)}, "", 0},
	{"onnx::Tanh", nil, "TANH", 4},
	{"onnx::HardTanh", torch.Params{"min_val": -1.0, "max_val": 1.0}, "", 0},
	{"onnx::Selu", nil, "SELU", 4},
}

func runAdapter(t *testing.T, tc adapterCase, mode registry.NamingMode) (*registry.Context, *layers.Tensor) {
	t.Helper()
	ctx := newTestContext(t, mode, preluStore(t))
	convert, ok := registry.Get(tc.kind)
	require.True(t, ok, tc.kind)

	node := &torch.Node{ID: "5", Kind: tc.kind, WeightName: "act", Inputs: []string{"x"}, Params: tc.params}
	require.NoError(t, convert(node, ctx))

	out, err := ctx.Layers.Tensor("5")
	require.NoError(t, err)
	return ctx, out
}

func TestActivationAdapters_InsertExactlyOneEntry(t *testing.T) {
	for _, tc := range adapterCases {
		t.Run(tc.kind, func(t *testing.T) {
			ctx, out := runAdapter(t, tc, registry.NamingUnique)

			assert.Equal(t, []string{"x", "other", "5"}, ctx.Layers.Keys())
			x, err := ctx.Layers.Tensor("x")
			require.NoError(t, err)
			assert.True(t, x.IsInput())
			other, err := ctx.Layers.RawArray("other")
			require.NoError(t, err)
			assert.Equal(t, []float64{9}, other.Float64s())

			assert.Equal(t, inputShape, out.Shape())
			require.Len(t, out.Inputs(), 1)
			assert.Same(t, x, out.Inputs()[0])
		})
	}
}

func TestActivationAdapters_KeepNaming(t *testing.T) {
	for _, tc := range adapterCases {
		if tc.suffixLen == 0 {
			continue
		}
		t.Run(tc.kind, func(t *testing.T) {
			_, out := runAdapter(t, tc, registry.NamingKeep)
			assert.Equal(t, "act", out.Layer().Name())
		})
	}
}

func TestActivationAdapters_ShortNaming(t *testing.T) {
	for _, tc := range adapterCases {
		if tc.suffixLen == 0 {
			continue
		}
		t.Run(tc.kind, func(t *testing.T) {
			_, out := runAdapter(t, tc, registry.NamingShort)
			pattern := regexp.MustCompile(fmt.Sprintf("^%s[a-zA-Z0-9]{%d}$", tc.short, tc.suffixLen))
			assert.Regexp(t, pattern, out.Layer().Name())
		})
	}
}

func TestActivationAdapters_UniqueNaming(t *testing.T) {
	for _, tc := range adapterCases {
		if tc.suffixLen == 0 {
			continue
		}
		t.Run(tc.kind, func(t *testing.T) {
			_, out := runAdapter(t, tc, registry.NamingUnique)
			assert.Regexp(t, regexp.MustCompile(`^act(0\.\d+|\d(\.\d+)?e-\d+)$`), out.Layer().Name())
		})
	}
}

func TestAnonymousAdapters_IgnoreNaming(t *testing.T) {
	for _, kind := range []string{"onnx::Softmax", "onnx::HardTanh"} {
		for _, tc := range adapterCases {
			if tc.kind != kind {
				continue
			}
			_, out := runAdapter(t, tc, registry.NamingKeep)
			assert.Empty(t, out.Layer().Name(), kind)
		}
	}
}

func TestConvertPReLU_SlopeShape(t *testing.T) {
	_, out := runAdapter(t, adapterCases[1], registry.NamingKeep)
	prelu, ok := out.Layer().(*layers.PReLU)
	require.True(t, ok)

	ws := prelu.Weights()
	require.Len(t, ws, 1)
	assert.Equal(t, []int{1, 3, 1, 1}, ws[0].Shape())
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, ws[0].Data())
}

func TestConvertPReLU_Errors(t *testing.T) {
	node := &torch.Node{ID: "5", Kind: "onnx::PRelu", WeightName: "act", Inputs: []string{"x"}}

	ctx := newTestContext(t, registry.NamingKeep, weights.Map{})
	err := ConvertPReLU(node, ctx)
	assert.True(t, errors.Is(err, weights.ErrNotFound))

	ctx = newTestContext(t, registry.NamingKeep, weights.Map{"act.weight": mustTensor(t, []int{2}, []float32{1, 2})})
	err = ConvertPReLU(node, ctx)
	assert.True(t, errors.Is(err, layers.ErrShape))
	_, ok := ctx.Layers.Get("5")
	assert.False(t, ok)
}

func TestConvertHardTanh_Clips(t *testing.T) {
	minVal, maxVal := -0.5, 2.0
	tc := adapterCase{kind: "onnx::HardTanh", params: torch.Params{"min_val": minVal, "max_val": maxVal}}
	ctx, out := runAdapter(t, tc, registry.NamingUnique)

	x, err := ctx.Layers.Tensor("x")
	require.NoError(t, err)
	model, err := layers.NewModel(ctx.Engine, []*layers.Tensor{x}, []*layers.Tensor{out})
	require.NoError(t, err)

	data := []float32{-3, -0.5, -0.25, 0, 0.5, 1.999, 2, 2.5, 100, -100, 1, -1}
	res, err := model.Predict(context.Background(), mustTensor(t, inputShape, data))
	require.NoError(t, err)
	for i, v := range data {
		want := float32(math.Min(maxVal, math.Max(minVal, float64(v))))
		assert.Equal(t, want, res[0].Data()[i], "v=%v", v)
	}
}

func TestConvertSoftmax_SumsToOne(t *testing.T) {
	for _, dim := range []float64{1, 2, 3, -1} {
		tc := adapterCase{kind: "onnx::Softmax", params: torch.Params{"dim": dim}}
		ctx, out := runAdapter(t, tc, registry.NamingUnique)

		x, err := ctx.Layers.Tensor("x")
		require.NoError(t, err)
		model, err := layers.NewModel(ctx.Engine, []*layers.Tensor{x}, []*layers.Tensor{out})
		require.NoError(t, err)

		rng := rand.New(rand.NewPCG(uint64(dim+10), 1))
		data := make([]float32, 12)
		for i := range data {
			data[i] = float32(rng.NormFloat64() * 50)
		}
		res, err := model.Predict(context.Background(), mustTensor(t, inputShape, data))
		require.NoError(t, err)

		axis := int(dim)
		if axis < 0 {
			axis += len(inputShape)
		}
		strides := []int{12, 4, 2, 1}
		sums := map[int]float64{}
		for i, v := range res[0].Data() {
			key := i - (i/strides[axis]%inputShape[axis])*strides[axis]
			sums[key] += float64(v)
		}
		for k, s := range sums {
			assert.InDelta(t, 1.0, s, 1e-5, "dim %v slice %d", dim, k)
		}
	}
}

func TestConvertLeakyReLU_UsesAlpha(t *testing.T) {
	_, out := runAdapter(t, adapterCases[2], registry.NamingKeep)
	lrelu, ok := out.Layer().(*layers.LeakyReLU)
	require.True(t, ok)
	assert.InDelta(t, 0.01, lrelu.Alpha(), 1e-7)
}

func TestAdapters_MissingInputs(t *testing.T) {
	for _, tc := range adapterCases {
		t.Run(tc.kind, func(t *testing.T) {
			ctx := newTestContext(t, registry.NamingUnique, preluStore(t))
			convert, _ := registry.Get(tc.kind)

			err := convert(&torch.Node{ID: "5", Kind: tc.kind, WeightName: "act", Inputs: []string{"missing"}, Params: tc.params}, ctx)
			assert.True(t, errors.Is(err, registry.ErrNotFound), "%v", err)

			err = convert(&torch.Node{ID: "6", Kind: tc.kind, WeightName: "act", Inputs: []string{"other"}, Params: tc.params}, ctx)
			assert.True(t, errors.Is(err, registry.ErrKind), "%v", err)
			assert.Equal(t, 2, ctx.Layers.Len())
		})
	}
}

func TestAdapters_MissingParams(t *testing.T) {
	for _, kind := range []string{"onnx::LeakyRelu", "onnx::Softmax", "onnx::HardTanh"} {
		ctx := newTestContext(t, registry.NamingUnique, nil)
		convert, _ := registry.Get(kind)
		err := convert(&torch.Node{ID: "5", Kind: kind, Inputs: []string{"x"}, Params: torch.Params{}}, ctx)
		assert.True(t, errors.Is(err, torch.ErrMissingParam), kind)
	}
}
