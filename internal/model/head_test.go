package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHead(t *testing.T) (*Classifier, *FeatureMap) {
	t.Helper()
	meta := Metadata{
		FeatureLayer: "features",
		ImageSize:    8,
		FeatureShape: []int{2, 3, 4},
		Classes:      []string{"NORMAL", "PNEUMONIA"},
	}
	c := Build(meta, nil)
	c.dense.Kernel = []float32{
		0.5, -0.2,
		-0.3, 0.8,
		0.1, 0.1,
		-0.7, 0.4,
	}
	c.dense.Bias = []float32{0.05, -0.05}

	fm := NewFeatureMap(2, 3, 4)
	for i := range fm.Data {
		fm.Data[i] = float32(i%7)*0.3 - 0.4
	}
	return c, fm
}

func TestSoftmax_SumsToOne(t *testing.T) {
	probs := softmax([]float64{1000, 999, -50})
	var sum float32
	for _, p := range probs {
		require.GreaterOrEqual(t, p, float32(0))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Equal(t, 0, argmax(probs))
}

func TestGlobalAveragePooling2D(t *testing.T) {
	fm := NewFeatureMap(2, 2, 2)
	copy(fm.Data, []float32{1, 10, 2, 20, 3, 30, 4, 40})

	l := &GlobalAveragePooling2D{}
	assert.Equal(t, []float32{2.5, 25}, l.Forward(fm))

	g := l.Backward(fm, []float32{4, 8})
	for i := 0; i < 4; i++ {
		assert.Equal(t, float32(1), g.Data[i*2])
		assert.Equal(t, float32(2), g.Data[i*2+1])
	}
}

func TestDense_RejectsWrongInput(t *testing.T) {
	c, _ := testHead(t)
	_, err := c.dense.Forward([]float32{1, 2})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestDense_UnloadedWeights(t *testing.T) {
	d := &Dense{Name: "dense", In: 2, Units: 2}
	_, err := d.Forward([]float32{1, 2})
	require.Error(t, err)
}

func TestHeadGradient_MatchesFiniteDifference(t *testing.T) {
	c, fm := testHead(t)

	probs, err := c.head(fm)
	require.NoError(t, err)

	for class := range probs {
		grad := c.pool.Backward(fm, c.dropout.Backward(c.dense.Backward(probs, class)))

		for _, idx := range []int{0, 5, 11, 17, 23} {
			const eps = 1e-2
			orig := fm.Data[idx]

			fm.Data[idx] = orig + eps
			plus, err := c.head(fm)
			require.NoError(t, err)

			fm.Data[idx] = orig - eps
			minus, err := c.head(fm)
			require.NoError(t, err)

			fm.Data[idx] = orig

			numeric := (plus[class] - minus[class]) / (2 * eps)
			assert.InDelta(t, numeric, grad.Data[idx], 1e-3, "class %d element %d", class, idx)
		}
	}
}

func TestHeadGradient_UniformOverSpace(t *testing.T) {
	c, fm := testHead(t)
	probs, err := c.head(fm)
	require.NoError(t, err)

	grad := c.pool.Backward(fm, c.dense.Backward(probs, 1))
	for y := 0; y < fm.Height; y++ {
		for x := 0; x < fm.Width; x++ {
			for k := 0; k < fm.Channels; k++ {
				assert.Equal(t, grad.At(0, 0, k), grad.At(y, x, k))
			}
		}
	}
}

func TestHead_ChannelMismatch(t *testing.T) {
	c, _ := testHead(t)
	_, err := c.head(NewFeatureMap(2, 2, 3))
	require.ErrorIs(t, err, ErrShapeMismatch)
}
