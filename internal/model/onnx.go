package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// InitRuntime loads the ONNX Runtime shared library and initializes its
// environment. Only the first call has an effect.
func InitRuntime(libraryPath string) error {
	runtimeOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			runtimeErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return runtimeErr
}

// ShutdownRuntime tears the ONNX environment down. Sessions must be closed first.
func ShutdownRuntime() {
	if ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

type layout int

const (
	layoutNHWC layout = iota
	layoutNCHW
)

type boundOutput struct {
	tensor *ort.Tensor[float32]
	height int
	width  int
	depth  int
}

// ONNXBackbone runs a backbone graph exported without its classification
// head. Every rank-4 float output of the graph is addressable by name; the
// first one is the terminal feature map.
type ONNXBackbone struct {
	mu       sync.Mutex
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	layout   layout
	size     int
	outputs  map[string]*boundOutput
	names    []string
	terminal string
}

// NewONNXBackbone opens the graph at modelPath. It matches the BackboneFactory
// signature once wrapped by ONNXFactory.
func NewONNXBackbone(modelPath string, meta Metadata) (*ONNXBackbone, error) {
	if err := InitRuntime(""); err != nil {
		return nil, err
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph %s: %w", modelPath, err)
	}
	if len(inputsInfo) != 1 {
		return nil, fmt.Errorf("backbone must have exactly one input, found %d", len(inputsInfo))
	}

	in := inputsInfo[0]
	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("backbone input %s is %v, want float", in.Name, in.DataType)
	}
	inputShape, lay, err := resolveInputShape(in.Dimensions, meta.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("backbone input %s: %w", in.Name, err)
	}

	b := &ONNXBackbone{
		layout:  lay,
		size:    meta.ImageSize,
		outputs: make(map[string]*boundOutput),
	}

	b.input, err = ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	plans, terminal, err := planOutputs(outputsInfo, lay, meta)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("backbone %s: %w", modelPath, err)
	}

	var outputs []ort.ArbitraryTensor
	for _, p := range plans {
		t, err := ort.NewEmptyTensor[float32](p.shape)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create output tensor %s: %w", p.name, err)
		}
		b.outputs[p.name] = &boundOutput{tensor: t, height: p.height, width: p.width, depth: p.depth}
		b.names = append(b.names, p.name)
		outputs = append(outputs, t)
	}
	b.terminal = terminal

	b.session, err = ort.NewAdvancedSession(modelPath,
		[]string{in.Name}, b.names,
		[]ort.ArbitraryTensor{b.input}, outputs,
		nil)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return b, nil
}

// ONNXFactory adapts NewONNXBackbone to BackboneFactory.
func ONNXFactory(path string, meta Metadata) (Backbone, error) {
	b, err := NewONNXBackbone(path, meta)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type outputPlan struct {
	name   string
	shape  ort.Shape
	height int
	width  int
	depth  int
}

// planOutputs selects the rank-4 float outputs of the graph and resolves
// their shapes. The terminal output is the one named meta.FeatureLayer, or
// the first candidate when the graph has no output of that name. Its shape
// must equal meta.FeatureShape.
func planOutputs(infos []ort.InputOutputInfo, lay layout, meta Metadata) ([]outputPlan, string, error) {
	var candidates []ort.InputOutputInfo
	for _, info := range infos {
		if info.DataType == ort.TensorElementDataTypeFloat && len(info.Dimensions) == 4 {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("%w: no rank-4 float output", ErrShapeMismatch)
	}

	terminal := candidates[0].Name
	for _, info := range candidates {
		if info.Name == meta.FeatureLayer {
			terminal = info.Name
			break
		}
	}

	var plans []outputPlan
	for _, info := range candidates {
		// Only the terminal output has a known fallback for symbolic dims.
		var fallback []int
		if info.Name == terminal {
			fallback = meta.FeatureShape
		}
		shape, h, w, d, err := resolveOutputShape(info.Dimensions, lay, fallback)
		if err != nil {
			if info.Name == terminal {
				return nil, "", fmt.Errorf("output %s: %w", info.Name, err)
			}
			continue
		}
		if info.Name == terminal && (len(meta.FeatureShape) != 3 ||
			h != meta.FeatureShape[0] || w != meta.FeatureShape[1] || d != meta.FeatureShape[2]) {
			return nil, "", fmt.Errorf("%w: output %s is %dx%dx%d, topology expects %v",
				ErrShapeMismatch, info.Name, h, w, d, meta.FeatureShape)
		}
		plans = append(plans, outputPlan{name: info.Name, shape: shape, height: h, width: w, depth: d})
	}
	return plans, terminal, nil
}

func resolveInputShape(dims ort.Shape, size int) (ort.Shape, layout, error) {
	if len(dims) != 4 {
		return nil, 0, fmt.Errorf("%w: expected rank 4, got %v", ErrShapeMismatch, dims)
	}
	shape := make(ort.Shape, len(dims))
	copy(shape, dims)
	var lay layout
	switch {
	case dims[3] == 3:
		lay = layoutNHWC
	case dims[1] == 3:
		lay = layoutNCHW
	default:
		return nil, 0, fmt.Errorf("%w: no 3-channel axis in %v", ErrShapeMismatch, dims)
	}

	shape[0] = 1
	spatial := []int{1, 2}
	if lay == layoutNCHW {
		spatial = []int{2, 3}
	}
	for _, axis := range spatial {
		if shape[axis] <= 0 {
			shape[axis] = int64(size)
		} else if shape[axis] != int64(size) {
			return nil, 0, fmt.Errorf("%w: graph expects %v, images are %dx%d", ErrShapeMismatch, dims, size, size)
		}
	}
	return shape, lay, nil
}

func resolveOutputShape(dims ort.Shape, lay layout, fallback []int) (ort.Shape, int, int, int, error) {
	shape := make(ort.Shape, len(dims))
	copy(shape, dims)
	shape[0] = 1
	// axis order of H, W, C within the tensor
	axes := [3]int{1, 2, 3}
	if lay == layoutNCHW {
		axes = [3]int{2, 3, 1}
	}
	var hwc [3]int
	for i, axis := range axes {
		if shape[axis] <= 0 {
			if len(fallback) != 3 {
				return nil, 0, 0, 0, fmt.Errorf("%w: symbolic dimension in %v", ErrShapeMismatch, dims)
			}
			shape[axis] = int64(fallback[i])
		}
		hwc[i] = int(shape[axis])
	}
	return shape, hwc[0], hwc[1], hwc[2], nil
}

func (b *ONNXBackbone) Output() string { return b.terminal }

func (b *ONNXBackbone) OutputShape() (int, int, int) {
	out := b.outputs[b.terminal]
	if out == nil {
		return 0, 0, 0
	}
	return out.height, out.width, out.depth
}

func (b *ONNXBackbone) Layers() []string {
	return append([]string(nil), b.names...)
}

func (b *ONNXBackbone) Forward(input []float32, layer string) (*FeatureMap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil, ErrClosed
	}
	out, ok := b.outputs[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, layer)
	}
	if len(input) != b.size*b.size*3 {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrShapeMismatch, b.size*b.size*3, len(input))
	}

	dst := b.input.GetData()
	if b.layout == layoutNHWC {
		copy(dst, input)
	} else {
		nhwcToNCHW(dst, input, b.size*b.size, 3)
	}

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("backbone run failed: %w", err)
	}

	src := out.tensor.GetData()
	fm := NewFeatureMap(out.height, out.width, out.depth)
	if b.layout == layoutNHWC {
		copy(fm.Data, src)
	} else {
		nchwToNHWC(fm.Data, src, out.height*out.width, out.depth)
	}
	return fm, nil
}

// nhwcToNCHW transposes plane pixels of depth channels from interleaved to
// planar order.
func nhwcToNCHW(dst, src []float32, plane, depth int) {
	for p := 0; p < plane; p++ {
		for c := 0; c < depth; c++ {
			dst[c*plane+p] = src[p*depth+c]
		}
	}
}

func nchwToNHWC(dst, src []float32, plane, depth int) {
	for c := 0; c < depth; c++ {
		for p := 0; p < plane; p++ {
			dst[p*depth+c] = src[c*plane+p]
		}
	}
}

func (b *ONNXBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	for name, out := range b.outputs {
		out.tensor.Destroy()
		delete(b.outputs, name)
	}
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	return nil
}
