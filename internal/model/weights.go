package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Weights are stored in the safetensors layout: an 8 byte little-endian
// header length, a JSON header mapping tensor names to dtype, shape and byte
// range, then the raw little-endian payload.

const maxHeaderSize = 100 << 20

// WeightTensor is one named array read from a weights file.
type WeightTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadWeights parses every F32/F64 tensor in the file at path.
func ReadWeights(path string) (map[string]*WeightTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open weights %s", path)
	}
	defer f.Close()

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrapf(err, "read header length of %s", path)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("invalid header length %d in %s", n, path)
	}

	headerBytes := make([]byte, n)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "read header of %s", path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse header of %s", path)
	}

	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read payload of %s", path)
	}

	tensors := make(map[string]*WeightTensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, errors.Wrapf(err, "parse tensor %s", name)
		}
		t, err := decodeTensor(name, h, payload)
		if err != nil {
			return nil, err
		}
		tensors[name] = t
	}

	return tensors, nil
}

func decodeTensor(name string, h tensorHeader, payload []byte) (*WeightTensor, error) {
	begin, end := h.DataOffsets[0], h.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(payload)) {
		return nil, fmt.Errorf("tensor %s: data offsets [%d, %d) outside payload of %d bytes",
			name, begin, end, len(payload))
	}

	count := 1
	for _, d := range h.Shape {
		if d < 0 {
			return nil, fmt.Errorf("tensor %s: negative dimension in %v", name, h.Shape)
		}
		count *= d
	}

	var width int
	switch h.DType {
	case "F32":
		width = 4
	case "F64":
		width = 8
	default:
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, h.DType)
	}

	buf := payload[begin:end]
	if len(buf) != count*width {
		return nil, fmt.Errorf("tensor %s: shape %v needs %d bytes, got %d", name, h.Shape, count*width, len(buf))
	}

	data := make([]float32, count)
	for i := range data {
		if width == 4 {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		} else {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
		}
	}

	return &WeightTensor{Name: name, Shape: h.Shape, Data: data}, nil
}

// lookupWeight accepts both "dense/kernel" and the Keras variable form
// "dense/kernel:0".
func lookupWeight(tensors map[string]*WeightTensor, name string) (*WeightTensor, bool) {
	if t, ok := tensors[name]; ok {
		return t, true
	}
	if !strings.HasSuffix(name, ":0") {
		if t, ok := tensors[name+":0"]; ok {
			return t, true
		}
	}
	return nil, false
}
