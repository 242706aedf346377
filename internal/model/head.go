package model

import (
	"fmt"
	"math"
)

// GlobalAveragePooling2D averages every channel over height and width.
type GlobalAveragePooling2D struct {
	Name string
}

func (l *GlobalAveragePooling2D) Forward(fm *FeatureMap) []float32 {
	out := make([]float32, fm.Channels)
	sums := make([]float64, fm.Channels)
	for i := 0; i < fm.Height*fm.Width; i++ {
		row := fm.Data[i*fm.Channels : (i+1)*fm.Channels]
		for k, v := range row {
			sums[k] += float64(v)
		}
	}
	n := float64(fm.Height * fm.Width)
	for k := range sums {
		out[k] = float32(sums[k] / n)
	}
	return out
}

// Backward spreads the pooled gradient evenly over the spatial positions of fm.
func (l *GlobalAveragePooling2D) Backward(fm *FeatureMap, grad []float32) *FeatureMap {
	out := NewFeatureMap(fm.Height, fm.Width, fm.Channels)
	n := float32(fm.Height * fm.Width)
	for i := 0; i < fm.Height*fm.Width; i++ {
		row := out.Data[i*fm.Channels : (i+1)*fm.Channels]
		for k := range row {
			row[k] = grad[k] / n
		}
	}
	return out
}

// Dropout only regularizes training. Inference passes values through.
type Dropout struct {
	Name string
	Rate float64
}

func (l *Dropout) Forward(x []float32) []float32 {
	return x
}

func (l *Dropout) Backward(grad []float32) []float32 {
	return grad
}

// Dense is a fully connected layer with a softmax activation. Kernel is
// stored row-major as [In][Units].
type Dense struct {
	Name   string
	In     int
	Units  int
	Kernel []float32
	Bias   []float32
}

func (l *Dense) loaded() bool {
	return len(l.Kernel) == l.In*l.Units && len(l.Bias) == l.Units && l.Units > 0
}

// Forward returns the softmax probabilities for x.
func (l *Dense) Forward(x []float32) ([]float32, error) {
	if !l.loaded() {
		return nil, fmt.Errorf("%s: weights not loaded", l.Name)
	}
	if len(x) != l.In {
		return nil, fmt.Errorf("%w: %s expects %d inputs, got %d", ErrShapeMismatch, l.Name, l.In, len(x))
	}
	logits := make([]float64, l.Units)
	for j := range logits {
		logits[j] = float64(l.Bias[j])
	}
	for i, v := range x {
		if v == 0 {
			continue
		}
		row := l.Kernel[i*l.Units : (i+1)*l.Units]
		for j, w := range row {
			logits[j] += float64(v) * float64(w)
		}
	}
	return softmax(logits), nil
}

// Backward returns the gradient of probs[class] with respect to the layer
// input, given the probabilities Forward produced.
func (l *Dense) Backward(probs []float32, class int) []float32 {
	// d p_c / d z_j = p_c (δ_cj - p_j)
	dz := make([]float64, l.Units)
	pc := float64(probs[class])
	for j := range dz {
		delta := 0.0
		if j == class {
			delta = 1
		}
		dz[j] = pc * (delta - float64(probs[j]))
	}
	dx := make([]float32, l.In)
	for i := range dx {
		row := l.Kernel[i*l.Units : (i+1)*l.Units]
		var s float64
		for j, w := range row {
			s += float64(w) * dz[j]
		}
		dx[i] = float32(s)
	}
	return dx
}

func softmax(logits []float64) []float32 {
	maxLogit := math.Inf(-1)
	for _, z := range logits {
		if z > maxLogit {
			maxLogit = z
		}
	}
	var sum float64
	exps := make([]float64, len(logits))
	for i, z := range logits {
		exps[i] = math.Exp(z - maxLogit)
		sum += exps[i]
	}
	out := make([]float32, len(logits))
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}
