// Package gradcam computes gradient-weighted class activation maps.
//
// Explain is best-effort: every failure, including a panic inside the model,
// comes back as *Unavailable and never reaches the caller as anything else.
package gradcam

import (
	"errors"
	"fmt"
	"math"

	"github.com/Brownie44l1/xray-api/internal/model"
)

const epsilon = 1e-8

// DifferentiableModel exposes a forward pass with the gradient of one class
// probability with respect to a named intermediate feature map.
type DifferentiableModel interface {
	ForwardWithGradient(input []float32, layer string, class int) (*model.Activations, error)
}

// Reason classifies why an explanation could not be produced. Callers treat
// every reason the same way; the code is for logs and API clients.
type Reason string

const (
	ReasonLayerNotFound          Reason = "layer_not_found"
	ReasonLayerNotDifferentiable Reason = "layer_not_differentiable"
	ReasonShapeMismatch          Reason = "shape_mismatch"
	ReasonClassOutOfRange        Reason = "class_out_of_range"
	ReasonNumeric                Reason = "numeric"
	ReasonBackbone               Reason = "backbone"
	ReasonInternal               Reason = "internal"
)

// Unavailable means no saliency map exists for this request. The prediction
// is unaffected.
type Unavailable struct {
	Reason Reason
	Err    error
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("explanation unavailable (%s): %v", e.Reason, e.Err)
}

func (e *Unavailable) Unwrap() error { return e.Err }

// SaliencyMap is a row-major Height x Width grid of values in [0, 1] at the
// feature map resolution.
type SaliencyMap struct {
	Width  int
	Height int
	Values []float32
	Class  int
}

func (s *SaliencyMap) At(x, y int) float32 {
	return s.Values[y*s.Width+x]
}

// Max returns the largest value, 0 for an empty map.
func (s *SaliencyMap) Max() float32 {
	var m float32
	for _, v := range s.Values {
		if v > m {
			m = v
		}
	}
	return m
}

// Explain differentiates probability[class] with respect to layer and
// reduces the result to a rectified, max-normalized heat map. A negative
// class explains the predicted class.
func Explain(m DifferentiableModel, input []float32, layer string, class int) (sal *SaliencyMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			sal = nil
			err = &Unavailable{Reason: ReasonInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if m == nil {
		return nil, &Unavailable{Reason: ReasonInternal, Err: errors.New("no model")}
	}

	act, err := m.ForwardWithGradient(input, layer, class)
	if err != nil {
		return nil, &Unavailable{Reason: classify(err), Err: err}
	}
	if act == nil || act.Features == nil || act.Gradients == nil {
		return nil, &Unavailable{Reason: ReasonInternal, Err: errors.New("model returned no activations")}
	}

	heat, err := weightedSum(act.Features, act.Gradients)
	if err != nil {
		return nil, err
	}

	values, err := normalize(heat)
	if err != nil {
		return nil, err
	}

	return &SaliencyMap{
		Width:  act.Features.Width,
		Height: act.Features.Height,
		Values: values,
		Class:  act.Class,
	}, nil
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, model.ErrLayerNotFound):
		return ReasonLayerNotFound
	case errors.Is(err, model.ErrLayerNotDifferentiable):
		return ReasonLayerNotDifferentiable
	case errors.Is(err, model.ErrShapeMismatch):
		return ReasonShapeMismatch
	case errors.Is(err, model.ErrClassOutOfRange):
		return ReasonClassOutOfRange
	default:
		return ReasonBackbone
	}
}

// weightedSum averages the gradients over space per channel and combines the
// activation channels with those weights.
func weightedSum(features, gradients *model.FeatureMap) ([]float64, error) {
	h, w, c := features.Height, features.Width, features.Channels
	if h <= 0 || w <= 0 || c <= 0 || len(features.Data) != h*w*c {
		return nil, &Unavailable{Reason: ReasonShapeMismatch,
			Err: fmt.Errorf("feature map %dx%dx%d holds %d values", h, w, c, len(features.Data))}
	}
	if gradients.Height != h || gradients.Width != w || gradients.Channels != c || len(gradients.Data) != len(features.Data) {
		return nil, &Unavailable{Reason: ReasonShapeMismatch,
			Err: fmt.Errorf("gradient %dx%dx%d does not match feature map %dx%dx%d",
				gradients.Height, gradients.Width, gradients.Channels, h, w, c)}
	}

	weights := make([]float64, c)
	for i, g := range gradients.Data {
		weights[i%c] += float64(g)
	}
	for k := range weights {
		weights[k] /= float64(h * w)
	}

	heat := make([]float64, h*w)
	for p := range heat {
		var sum float64
		for k := 0; k < c; k++ {
			sum += weights[k] * float64(features.Data[p*c+k])
		}
		heat[p] = sum
	}
	return heat, nil
}

func normalize(heat []float64) ([]float32, error) {
	var peak float64
	for i, v := range heat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &Unavailable{Reason: ReasonNumeric, Err: fmt.Errorf("non-finite heat value at %d", i)}
		}
		if v > peak {
			peak = v
		}
	}

	out := make([]float32, len(heat))
	for i, v := range heat {
		if v < 0 {
			v = 0
		}
		out[i] = float32(v / (peak + epsilon))
	}
	return out, nil
}
