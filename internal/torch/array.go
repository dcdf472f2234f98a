package torch

import (
	"math"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/tensor"
)

// DType is the element type of a constant array.
type DType string

// Supported constant dtypes.
const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Bool    DType = "bool"
)

// IsFloat reports whether d is a floating-point dtype.
func (d DType) IsFloat() bool { return d == Float32 || d == Float64 }

func parseDType(s string) (DType, error) {
	switch s {
	case "float32", "float":
		return Float32, nil
	case "float64", "double":
		return Float64, nil
	case "int32", "int":
		return Int32, nil
	case "int64", "long":
		return Int64, nil
	case "bool":
		return Bool, nil
	default:
		return "", errors.Newf("unsupported dtype %q", s)
	}
}

// Array is a constant kept in its source dtype and shape. An empty shape is
// a scalar. Floating-point dtypes are held in a float64 tensor and integral
// ones in an int64 tensor, so no value loses precision.
type Array struct {
	dtype  DType
	floats *tensor.TensorNumeric[float64]
	ints   *tensor.TensorNumeric[int64]
}

// NewFloatArray returns a floating-point array. Values of a Float32 array are
// rounded to float32.
func NewFloatArray(dtype DType, shape []int, data []float64) (*Array, error) {
	if !dtype.IsFloat() {
		return nil, errors.Newf("dtype %s is not floating-point", dtype)
	}
	data = slices.Clone(data)
	if dtype == Float32 {
		for i, v := range data {
			data[i] = float64(float32(v))
		}
	}
	t, err := tensor.New[float64](slices.Clone(shape), data)
	if err != nil {
		return nil, err
	}
	return &Array{dtype: dtype, floats: t}, nil
}

// NewIntArray returns an integral or boolean array.
func NewIntArray(dtype DType, shape []int, data []int64) (*Array, error) {
	if dtype.IsFloat() {
		return nil, errors.Newf("dtype %s is not integral", dtype)
	}
	data = slices.Clone(data)
	for i, v := range data {
		switch {
		case dtype == Int32 && (v < math.MinInt32 || v > math.MaxInt32):
			return nil, errors.Newf("element %d (%d) overflows int32", i, v)
		case dtype == Bool && v != 0 && v != 1:
			return nil, errors.Newf("element %d (%d) is not a bool", i, v)
		}
	}
	t, err := tensor.New[int64](slices.Clone(shape), data)
	if err != nil {
		return nil, err
	}
	return &Array{dtype: dtype, ints: t}, nil
}

// ArrayFromTensor wraps a float32 tensor.
func ArrayFromTensor(t *tensor.TensorNumeric[float32]) (*Array, error) {
	data := make([]float64, len(t.Data()))
	for i, v := range t.Data() {
		data[i] = float64(v)
	}
	return NewFloatArray(Float32, t.Shape(), data)
}

// DType returns the source element type.
func (a *Array) DType() DType { return a.dtype }

// Shape returns the array shape; it is empty for scalars.
func (a *Array) Shape() []int {
	if a.floats != nil {
		return a.floats.Shape()
	}
	return a.ints.Shape()
}

// Len returns the number of elements.
func (a *Array) Len() int {
	if a.floats != nil {
		return len(a.floats.Data())
	}
	return len(a.ints.Data())
}

// Float64s returns the elements as float64. Integers beyond 2^53 lose
// precision.
func (a *Array) Float64s() []float64 {
	if a.floats != nil {
		return slices.Clone(a.floats.Data())
	}
	out := make([]float64, len(a.ints.Data()))
	for i, v := range a.ints.Data() {
		out[i] = float64(v)
	}
	return out
}

// Int64s returns the elements as int64. It fails if a floating-point
// element is not integral.
func (a *Array) Int64s() ([]int64, error) {
	if a.ints != nil {
		return slices.Clone(a.ints.Data()), nil
	}
	out := make([]int64, len(a.floats.Data()))
	for i, v := range a.floats.Data() {
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, errors.Newf("element %d (%v) is not an integer", i, v)
		}
		out[i] = int64(v)
	}
	return out, nil
}

// Float32 converts the array to a float32 tensor of the same shape.
func (a *Array) Float32() (*tensor.TensorNumeric[float32], error) {
	vals := a.Float64s()
	data := make([]float32, len(vals))
	for i, v := range vals {
		data[i] = float32(v)
	}
	return tensor.New[float32](a.Shape(), data)
}
