package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"
)

// Safetensors layout: 8-byte little-endian header length, then a JSON header
// mapping tensor name -> {dtype, shape, data_offsets}, then the raw tensor
// payload. data_offsets are relative to the end of the header.

const maxHeaderSize = 100 * 1024 * 1024

type ErrBadHeader struct{ Reason string }

func (e ErrBadHeader) Error() string {
	return fmt.Sprintf("invalid safetensors header: %s", e.Reason)
}

type ErrUnsupportedDtype struct{ Dtype string }

func (e ErrUnsupportedDtype) Error() string {
	return fmt.Sprintf("unsupported dtype: %s", e.Dtype)
}

// TensorInfo is a header entry. The payload is not touched until Tensor is
// called, so opening a file is cheap regardless of its size.
type TensorInfo struct {
	Dtype string  `json:"dtype"`
	Shape []int64 `json:"shape"`
	// [start, end) relative to the data section
	DataOffsets [2]int64 `json:"data_offsets"`
}

func (ti TensorInfo) Elements() int64 {
	n := int64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

type File struct {
	data    []byte
	dataOff int64
	Tensors map[string]TensorInfo
}

// Open maps a safetensors file and parses its header only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 8 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	headerLen := int64(binary.LittleEndian.Uint64(data[:8]))
	if headerLen <= 0 || headerLen > maxHeaderSize || 8+headerLen > size {
		syscall.Munmap(data)
		return nil, ErrBadHeader{Reason: fmt.Sprintf("header length %d out of range", headerLen)}
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		syscall.Munmap(data)
		return nil, ErrBadHeader{Reason: err.Error()}
	}

	file := &File{
		data:    data,
		dataOff: 8 + headerLen,
		Tensors: make(map[string]TensorInfo, len(raw)),
	}

	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			file.Close()
			return nil, ErrBadHeader{Reason: fmt.Sprintf("tensor %s: %v", name, err)}
		}
		if ti.DataOffsets[1] < ti.DataOffsets[0] || file.dataOff+ti.DataOffsets[1] > size {
			file.Close()
			return nil, ErrBadHeader{Reason: fmt.Sprintf("tensor %s: offsets out of range", name)}
		}
		file.Tensors[name] = ti
	}

	return file, nil
}

func (f *File) Close() error {
	if f.data != nil {
		err := syscall.Munmap(f.data)
		f.data = nil
		return err
	}
	return nil
}

// Has reports whether the file stores the named tensor.
func (f *File) Has(name string) bool {
	_, ok := f.Tensors[name]
	return ok
}

// Tensor materializes the named tensor as float32, converting from the
// stored dtype. This is the only place payload bytes are read.
func (f *File) Tensor(name string) ([]float32, error) {
	ti, ok := f.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not in file", name)
	}

	raw := f.data[f.dataOff+ti.DataOffsets[0] : f.dataOff+ti.DataOffsets[1]]
	n := ti.Elements()

	switch ti.Dtype {
	case "F32":
		if int64(len(raw)) != n*4 {
			return nil, ErrBadHeader{Reason: fmt.Sprintf("tensor %s: size mismatch", name)}
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F16":
		if int64(len(raw)) != n*2 {
			return nil, ErrBadHeader{Reason: fmt.Sprintf("tensor %s: size mismatch", name)}
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil
	case "BF16":
		if int64(len(raw)) != n*2 {
			return nil, ErrBadHeader{Reason: fmt.Sprintf("tensor %s: size mismatch", name)}
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return out, nil
	default:
		return nil, ErrUnsupportedDtype{Dtype: ti.Dtype}
	}
}

func f16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	var bits uint32
	switch {
	case exp == 0 && mant == 0:
		bits = sign << 31
	case exp == 0:
		// subnormal: normalize
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		bits = sign<<31 | e<<23 | mant<<13
	case exp == 0x1f:
		bits = sign<<31 | 0xff<<23 | mant<<13
	default:
		bits = sign<<31 | (exp-15+127)<<23 | mant<<13
	}
	return math.Float32frombits(bits)
}
