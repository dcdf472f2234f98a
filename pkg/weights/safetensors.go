package weights

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/x448/float16"
	"github.com/zerfoo/zerfoo/tensor"
)

// SafeTensors layout:
// [8 bytes: header size, uint64 LE][JSON header][tensor data]

// Supported safetensors dtypes.
const (
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeF32  = "F32"
	DTypeF64  = "F64"
)

const maxHeaderSize = 100 << 20

// TensorInfo describes one entry of a safetensors header.
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// SafeTensors is a Store backed by a safetensors file. Tensors are decoded
// to float32 on each lookup.
type SafeTensors struct {
	file       *os.File
	infos      map[string]TensorInfo
	metadata   map[string]string
	dataOffset int64
	fileSize   int64
}

var _ Store = (*SafeTensors)(nil)

// OpenSafeTensors opens a safetensors file and parses its header.
func OpenSafeTensors(path string) (*SafeTensors, error) {
	file, err := os.Open(path) //nolint:gosec // model paths come from the user
	if err != nil {
		return nil, errors.Wrap(err, "failed to open safetensors file")
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "failed to stat safetensors file")
	}

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > maxHeaderSize || int64(8+headerSize) > stat.Size() { //nolint:gosec // bounded by maxHeaderSize
		_ = file.Close()
		return nil, errors.Newf("invalid header size: %d (file is %d bytes)", headerSize, stat.Size())
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(file, header); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "failed to read header")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "failed to parse header JSON")
	}

	st := &SafeTensors{
		file:       file,
		infos:      make(map[string]TensorInfo, len(raw)),
		dataOffset: int64(8 + headerSize), //nolint:gosec // bounded by maxHeaderSize
		fileSize:   stat.Size(),
	}
	for key, value := range raw {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &st.metadata); err != nil {
				_ = file.Close()
				return nil, errors.Wrap(err, "failed to unmarshal metadata")
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			_ = file.Close()
			return nil, errors.Wrapf(err, "failed to unmarshal tensor %s", key)
		}
		if err := st.checkOffsets(info); err != nil {
			_ = file.Close()
			return nil, errors.Wrapf(err, "tensor %s", key)
		}
		st.infos[key] = info
	}
	return st, nil
}

// Close closes the underlying file.
func (s *SafeTensors) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Metadata returns the free-form header metadata.
func (s *SafeTensors) Metadata() map[string]string {
	return s.metadata
}

// Names implements Store.
func (s *SafeTensors) Names() []string {
	names := make([]string, 0, len(s.infos))
	for name := range s.infos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Info returns the header entry for name.
func (s *SafeTensors) Info(name string) (TensorInfo, error) {
	info, ok := s.infos[name]
	if !ok {
		return TensorInfo{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return info, nil
}

// Tensor implements Store.
func (s *SafeTensors) Tensor(name string) (*tensor.TensorNumeric[float32], error) {
	info, err := s.Info(name)
	if err != nil {
		return nil, err
	}
	if err := s.checkOffsets(info); err != nil {
		return nil, errors.Wrapf(err, "tensor %s", name)
	}
	buf := make([]byte, info.DataOffsets[1]-info.DataOffsets[0])
	if _, err := s.file.ReadAt(buf, s.dataOffset+info.DataOffsets[0]); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor %s", name)
	}
	data, err := decode(info.DType, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %s", name)
	}
	shape := info.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}
	t, err := tensor.New[float32](shape, data)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %s", name)
	}
	return t, nil
}

// checkOffsets verifies that info's data range lies inside the file.
func (s *SafeTensors) checkOffsets(info TensorInfo) error {
	begin, end := info.DataOffsets[0], info.DataOffsets[1]
	if begin < 0 || end < begin {
		return errors.Newf("invalid data offsets %v", info.DataOffsets)
	}
	if end > s.fileSize-s.dataOffset {
		return errors.Newf("data offsets %v exceed the %d data bytes in the file", info.DataOffsets, s.fileSize-s.dataOffset)
	}
	return nil
}

// decode converts little-endian raw bytes of the given dtype to float32.
func decode(dtype string, buf []byte) ([]float32, error) {
	switch dtype {
	case DTypeF32:
		if len(buf)%4 != 0 {
			return nil, errors.Newf("raw length %d is not a multiple of 4 for F32", len(buf))
		}
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out, nil
	case DTypeF64:
		if len(buf)%8 != 0 {
			return nil, errors.Newf("raw length %d is not a multiple of 8 for F64", len(buf))
		}
		out := make([]float32, len(buf)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
		return out, nil
	case DTypeF16:
		if len(buf)%2 != 0 {
			return nil, errors.Newf("raw length %d is not a multiple of 2 for F16", len(buf))
		}
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
		return out, nil
	case DTypeBF16:
		if len(buf)%2 != 0 {
			return nil, errors.Newf("raw length %d is not a multiple of 2 for BF16", len(buf))
		}
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
		}
		return out, nil
	default:
		return nil, errors.Newf("unsupported dtype: %s", dtype)
	}
}

// WriteSafeTensors writes float32 tensors to path in safetensors layout.
func WriteSafeTensors(path string, tensors map[string]*tensor.TensorNumeric[float32]) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors))
	var offset int64
	for _, name := range names {
		size := int64(len(tensors[name].Data()) * 4)
		header[name] = TensorInfo{DType: DTypeF32, Shape: tensors[name].Shape(), DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}

	buf := make([]byte, 8, 8+len(headerJSON)+int(offset))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)
	for _, name := range names {
		for _, v := range tensors[name].Data() {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return errors.Wrap(os.WriteFile(path, buf, 0o644), "failed to write safetensors file")
}
