// Package modeltest provides an in-memory backbone and a weights writer so the
// analysis pipeline can run without the ONNX Runtime shared library.
package modeltest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync/atomic"

	"github.com/Brownie44l1/xray-api/internal/model"
)

const Terminal = "conv5_block3_out"

// Metadata describes a small classifier over size x size images with a
// grid x grid x channels terminal feature map.
func Metadata(size, grid, channels int) model.Metadata {
	return model.Metadata{
		FeatureLayer: Terminal,
		ImageSize:    size,
		FeatureShape: []int{grid, grid, channels},
		Classes:      []string{"NORMAL", "PNEUMONIA"},
		Dropout:      0.3,
	}
}

// Backbone block-averages the input image into a grid and derives each
// channel from one of the three color planes.
type Backbone struct {
	Size     int
	Grid     int
	Channels int
	// Extra layers that Forward serves but that are not the terminal output.
	Extra []string
	// Err, when set, is returned by every Forward call.
	Err error
	// NaN makes Forward emit non-finite activations.
	NaN bool

	calls  atomic.Int64
	closed atomic.Bool
}

func NewBackbone(meta model.Metadata) *Backbone {
	return &Backbone{
		Size:     meta.ImageSize,
		Grid:     meta.FeatureShape[0],
		Channels: meta.FeatureShape[2],
		Extra:    []string{"conv4_block6_out"},
	}
}

// Factory returns a BackboneFactory that always hands out b.
func Factory(b *Backbone) model.BackboneFactory {
	return func(string, model.Metadata) (model.Backbone, error) {
		return b, nil
	}
}

func (b *Backbone) Output() string { return Terminal }

func (b *Backbone) OutputShape() (int, int, int) { return b.Grid, b.Grid, b.Channels }

func (b *Backbone) Layers() []string {
	return append([]string{Terminal}, b.Extra...)
}

func (b *Backbone) Calls() int64 { return b.calls.Load() }

func (b *Backbone) Closed() bool { return b.closed.Load() }

func (b *Backbone) Forward(input []float32, layer string) (*model.FeatureMap, error) {
	b.calls.Add(1)
	if b.Err != nil {
		return nil, b.Err
	}
	known := false
	for _, name := range b.Layers() {
		if name == layer {
			known = true
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", model.ErrLayerNotFound, layer)
	}
	if len(input) != b.Size*b.Size*3 {
		return nil, fmt.Errorf("%w: expected %d values, got %d", model.ErrShapeMismatch, b.Size*b.Size*3, len(input))
	}

	block := b.Size / b.Grid
	fm := model.NewFeatureMap(b.Grid, b.Grid, b.Channels)
	for gy := 0; gy < b.Grid; gy++ {
		for gx := 0; gx < b.Grid; gx++ {
			var means [3]float64
			for y := gy * block; y < (gy+1)*block; y++ {
				for x := gx * block; x < (gx+1)*block; x++ {
					for c := 0; c < 3; c++ {
						means[c] += float64(input[(y*b.Size+x)*3+c])
					}
				}
			}
			for c := range means {
				means[c] /= float64(block * block)
			}
			for k := 0; k < b.Channels; k++ {
				sign := 1.0
				if k%2 == 1 {
					sign = -1
				}
				v := sign*means[k%3]/128 + 0.5
				if v < 0 {
					v = 0
				}
				if b.NaN {
					v = math.NaN()
				}
				fm.Set(gy, gx, k, float32(v))
			}
		}
	}
	return fm, nil
}

func (b *Backbone) Close() error {
	b.closed.Store(true)
	return nil
}

// Tensor is one array to write with WriteWeights.
type Tensor struct {
	Shape []int
	Data  []float32
}

// DenseWeights returns a deterministic kernel and bias for the head.
// Even channels vote for the last class, odd channels for the first.
func DenseWeights(channels, classes int) map[string]Tensor {
	kernel := make([]float32, channels*classes)
	for i := 0; i < channels; i++ {
		for j := 0; j < classes; j++ {
			w := float32(0.1 * float64(i%5+1))
			if (i%2 == 0) != (j == classes-1) {
				w = -w
			}
			kernel[i*classes+j] = w
		}
	}
	bias := make([]float32, classes)
	return map[string]Tensor{
		"dense/kernel": {Shape: []int{channels, classes}, Data: kernel},
		"dense/bias":   {Shape: []int{classes}, Data: bias},
	}
}

// WriteWeights stores tensors as F32 in the safetensors layout.
func WriteWeights(path string, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	type entry struct {
		DType       string `json:"dtype"`
		Shape       []int  `json:"shape"`
		DataOffsets [2]int `json:"data_offsets"`
	}
	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var payload []byte
	for _, name := range names {
		t := tensors[name]
		begin := len(payload)
		for _, v := range t.Data {
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
		}
		header[name] = entry{DType: "F32", Shape: t.Shape, DataOffsets: [2]int{begin, len(payload)}}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	out := binary.LittleEndian.AppendUint64(nil, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	out = append(out, payload...)
	return os.WriteFile(path, out, 0o600)
}
