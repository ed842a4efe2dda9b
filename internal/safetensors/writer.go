package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// Write emits a float32 safetensors file. Used by test fixtures and the
// debugging tools; real checkpoints come from the hub.
func Write(path string, tensors map[string][]float32, shapes map[string][]int64) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	off := int64(0)
	for _, name := range names {
		shape, ok := shapes[name]
		if !ok {
			shape = []int64{int64(len(tensors[name]))}
		}
		n := int64(1)
		for _, d := range shape {
			n *= d
		}
		if n != int64(len(tensors[name])) {
			return fmt.Errorf("tensor %s: shape %v does not match %d elements", name, shape, len(tensors[name]))
		}
		header[name] = TensorInfo{
			Dtype:       "F32",
			Shape:       shape,
			DataOffsets: [2]int64{off, off + n*4},
		}
		off += n * 4
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(len(headerJSON)))
	buf.Write(lenBytes[:])
	buf.Write(headerJSON)

	var scratch [4]byte
	for _, name := range names {
		for _, v := range tensors[name] {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			buf.Write(scratch[:])
		}
	}

	return os.WriteFile(path, buf.Bytes(), 0644)
}
