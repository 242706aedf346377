package model

import (
	"fmt"
	"math"
)

// FeatureMap is a single multi-channel activation stored in HWC order.
type FeatureMap struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

func NewFeatureMap(height, width, channels int) *FeatureMap {
	return &FeatureMap{
		Height:   height,
		Width:    width,
		Channels: channels,
		Data:     make([]float32, height*width*channels),
	}
}

func (f *FeatureMap) At(y, x, k int) float32 {
	return f.Data[(y*f.Width+x)*f.Channels+k]
}

func (f *FeatureMap) Set(y, x, k int, v float32) {
	f.Data[(y*f.Width+x)*f.Channels+k] = v
}

func (f *FeatureMap) validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil feature map", ErrShapeMismatch)
	}
	if f.Height <= 0 || f.Width <= 0 || f.Channels <= 0 {
		return fmt.Errorf("%w: feature map %dx%dx%d", ErrShapeMismatch, f.Height, f.Width, f.Channels)
	}
	if len(f.Data) != f.Height*f.Width*f.Channels {
		return fmt.Errorf("%w: feature map %dx%dx%d holds %d values",
			ErrShapeMismatch, f.Height, f.Width, f.Channels, len(f.Data))
	}
	return nil
}

func allFinite(values []float32) bool {
	for _, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func argmax(values []float32) int {
	idx := 0
	for i, v := range values {
		if v > values[idx] {
			idx = i
		}
	}
	return idx
}
