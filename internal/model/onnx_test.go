package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestResolveInputShape(t *testing.T) {
	tests := []struct {
		name     string
		dims     ort.Shape
		expected ort.Shape
		layout   layout
		err      bool
	}{
		{name: "nhwc static", dims: ort.Shape{1, 224, 224, 3}, expected: ort.Shape{1, 224, 224, 3}, layout: layoutNHWC},
		{name: "nhwc symbolic", dims: ort.Shape{-1, -1, -1, 3}, expected: ort.Shape{1, 224, 224, 3}, layout: layoutNHWC},
		{name: "nchw static", dims: ort.Shape{1, 3, 224, 224}, expected: ort.Shape{1, 3, 224, 224}, layout: layoutNCHW},
		{name: "nchw symbolic", dims: ort.Shape{-1, 3, -1, -1}, expected: ort.Shape{1, 3, 224, 224}, layout: layoutNCHW},
		{name: "wrong spatial size", dims: ort.Shape{1, 256, 256, 3}, err: true},
		{name: "no color axis", dims: ort.Shape{1, 224, 224, 1}, err: true},
		{name: "rank 3", dims: ort.Shape{224, 224, 3}, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, lay, err := resolveInputShape(tt.dims, 224)
			if tt.err {
				require.ErrorIs(t, err, ErrShapeMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, shape)
			assert.Equal(t, tt.layout, lay)
		})
	}
}

func TestResolveInputShape_DoesNotAliasDims(t *testing.T) {
	dims := ort.Shape{-1, -1, -1, 3}
	_, _, err := resolveInputShape(dims, 224)
	require.NoError(t, err)
	assert.Equal(t, ort.Shape{-1, -1, -1, 3}, dims)
}

func TestResolveOutputShape(t *testing.T) {
	tests := []struct {
		name     string
		dims     ort.Shape
		layout   layout
		fallback []int
		expected ort.Shape
		hwc      [3]int
		err      bool
	}{
		{name: "nhwc static", dims: ort.Shape{1, 7, 7, 2048}, layout: layoutNHWC, expected: ort.Shape{1, 7, 7, 2048}, hwc: [3]int{7, 7, 2048}},
		{name: "nhwc symbolic with fallback", dims: ort.Shape{-1, -1, -1, 2048}, layout: layoutNHWC, fallback: []int{7, 7, 2048}, expected: ort.Shape{1, 7, 7, 2048}, hwc: [3]int{7, 7, 2048}},
		{name: "nchw static", dims: ort.Shape{1, 2048, 7, 7}, layout: layoutNCHW, expected: ort.Shape{1, 2048, 7, 7}, hwc: [3]int{7, 7, 2048}},
		{name: "nchw symbolic with fallback", dims: ort.Shape{-1, 2048, -1, -1}, layout: layoutNCHW, fallback: []int{7, 7, 2048}, expected: ort.Shape{1, 2048, 7, 7}, hwc: [3]int{7, 7, 2048}},
		{name: "symbolic without fallback", dims: ort.Shape{-1, -1, -1, 1024}, layout: layoutNHWC, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, h, w, d, err := resolveOutputShape(tt.dims, tt.layout, tt.fallback)
			if tt.err {
				require.ErrorIs(t, err, ErrShapeMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, shape)
			assert.Equal(t, tt.hwc, [3]int{h, w, d})
		})
	}
}

func floatOutput(name string, dims ...int64) ort.InputOutputInfo {
	return ort.InputOutputInfo{Name: name, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.Shape(dims)}
}

func TestPlanOutputs(t *testing.T) {
	meta := Metadata{
		FeatureLayer: "conv5_block3_out",
		ImageSize:    224,
		FeatureShape: []int{7, 7, 2048},
		Classes:      []string{"NORMAL", "PNEUMONIA"},
	}

	t.Run("terminal selected by name", func(t *testing.T) {
		infos := []ort.InputOutputInfo{
			floatOutput("conv4_block6_out", 1, 14, 14, 1024),
			floatOutput("conv5_block3_out", -1, -1, -1, 2048),
			{Name: "logits", DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.Shape{1, 2}},
		}
		plans, terminal, err := planOutputs(infos, layoutNHWC, meta)
		require.NoError(t, err)
		assert.Equal(t, "conv5_block3_out", terminal)
		require.Len(t, plans, 2)
		assert.Equal(t, "conv4_block6_out", plans[0].name)
		assert.Equal(t, ort.Shape{1, 7, 7, 2048}, plans[1].shape)
	})

	t.Run("first output when name is absent", func(t *testing.T) {
		infos := []ort.InputOutputInfo{floatOutput("out_relu", 1, 7, 7, 2048)}
		_, terminal, err := planOutputs(infos, layoutNHWC, meta)
		require.NoError(t, err)
		assert.Equal(t, "out_relu", terminal)
	})

	t.Run("terminal shape differs from topology", func(t *testing.T) {
		infos := []ort.InputOutputInfo{floatOutput("conv5_block3_out", 1, 7, 7, 1024)}
		_, _, err := planOutputs(infos, layoutNHWC, meta)
		require.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("wrong layer first and mismatched", func(t *testing.T) {
		infos := []ort.InputOutputInfo{floatOutput("conv4_block6_out", 1, 14, 14, 1024)}
		_, _, err := planOutputs(infos, layoutNHWC, meta)
		require.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("no feature maps", func(t *testing.T) {
		infos := []ort.InputOutputInfo{{Name: "logits", DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.Shape{1, 2}}}
		_, _, err := planOutputs(infos, layoutNHWC, meta)
		require.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestTranspose_RoundTrip(t *testing.T) {
	const plane, depth = 6, 4
	src := make([]float32, plane*depth)
	for i := range src {
		src[i] = float32(i)
	}

	planar := make([]float32, len(src))
	nhwcToNCHW(planar, src, plane, depth)
	// pixel 1, channel 2 sits at index 1*depth+2 interleaved and 2*plane+1 planar
	assert.Equal(t, src[1*depth+2], planar[2*plane+1])

	back := make([]float32, len(src))
	nchwToNHWC(back, planar, plane, depth)
	assert.Equal(t, src, back)
}
