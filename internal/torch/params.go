package torch

import (
	"encoding/json"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/zerfoo/zerfoo/tensor"
)

// ErrMissingParam is returned when a required node parameter is absent.
var ErrMissingParam = errors.New("missing node parameter")

// Params holds the options of one operator instance. Values decoded from
// JSON are json.Number, []any or map[string]any; values built in Go may also
// be float64, ints, float32, slices of ints, float32 tensors or Arrays.
type Params map[string]any

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) get(key string) (any, error) {
	v, ok := p[key]
	if !ok {
		return nil, errors.Wrapf(ErrMissingParam, "%q", key)
	}
	return v, nil
}

// Float returns a numeric parameter as float64.
func (p Params) Float(key string) (float64, error) {
	v, err := p.get(key)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, errors.Newf("parameter %q is %T, not a number", key, v)
	}
	return f, nil
}

// Int returns an integral parameter.
func (p Params) Int(key string) (int, error) {
	f, err := p.Float(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, errors.Newf("parameter %q is %v, not an integer", key, f)
	}
	return int(f), nil
}

// Ints returns a list-of-integers parameter.
func (p Params) Ints(key string) ([]int, error) {
	v, err := p.get(key)
	if err != nil {
		return nil, err
	}
	switch vals := v.(type) {
	case []int:
		return vals, nil
	case []int64:
		out := make([]int, len(vals))
		for i, x := range vals {
			out[i] = int(x)
		}
		return out, nil
	case []any:
		out := make([]int, len(vals))
		for i, x := range vals {
			n, ok := toInt64(x)
			if !ok {
				return nil, errors.Newf("parameter %q element %d is not an integer", key, i)
			}
			out[i] = int(n)
		}
		return out, nil
	default:
		return nil, errors.Newf("parameter %q is %T, not a list of integers", key, v)
	}
}

// Array returns an array-valued parameter such as a constant's "value",
// keeping its dtype and shape. JSON values are objects of the form
// {"shape": [...], "data": [...], "dtype": "int64"}; without a dtype the
// elements are float64. A bare number is a scalar.
func (p Params) Array(key string) (*Array, error) {
	v, err := p.get(key)
	if err != nil {
		return nil, err
	}
	var a *Array
	switch val := v.(type) {
	case *Array:
		return val, nil
	case *tensor.TensorNumeric[float32]:
		a, err = ArrayFromTensor(val)
	case map[string]any:
		a, err = decodeArray(val)
	case bool:
		a, err = NewIntArray(Bool, nil, []int64{boolInt(val)})
	case int, int32, int64:
		n, _ := toInt64(val)
		a, err = NewIntArray(Int64, nil, []int64{n})
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil, errors.Newf("parameter %q is %T, not an array", key, v)
		}
		a, err = NewFloatArray(Float64, nil, []float64{f})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parameter %q", key)
	}
	return a, nil
}

func decodeArray(obj map[string]any) (*Array, error) {
	sub := Params(obj)
	shape, err := sub.Ints("shape")
	if err != nil {
		return nil, err
	}
	dtype := Float64
	if raw, ok := obj["dtype"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Newf("dtype is %T, not a string", raw)
		}
		if dtype, err = parseDType(s); err != nil {
			return nil, err
		}
	}
	raw, ok := obj["data"].([]any)
	if !ok {
		return nil, errors.New("no data list")
	}
	if dtype.IsFloat() {
		data := make([]float64, len(raw))
		for i, x := range raw {
			f, ok := toFloat(x)
			if !ok {
				return nil, errors.Newf("element %d is not a number", i)
			}
			data[i] = f
		}
		return NewFloatArray(dtype, shape, data)
	}
	data := make([]int64, len(raw))
	for i, x := range raw {
		n, ok := toInt64(x)
		if !ok {
			return nil, errors.Newf("element %d is not an integer", i)
		}
		data[i] = n
	}
	return NewIntArray(dtype, shape, data)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case bool:
		return boolInt(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
