package overlay

import (
	"fmt"
	"image/color"
)

// Colormap maps a quantized intensity to a color.
type Colormap [256]color.RGBA

var (
	// Jet runs blue, cyan, yellow, red, like OpenCV's COLORMAP_JET.
	Jet = buildColormap(func(v float64) (r, g, b float64) {
		return ramp(1.5 - abs(4*v-3)), ramp(1.5 - abs(4*v-2)), ramp(1.5 - abs(4*v-1))
	})
	// Hot runs black, red, yellow, white.
	Hot = buildColormap(func(v float64) (r, g, b float64) {
		return ramp(3 * v), ramp(3*v - 1), ramp(3*v - 2)
	})
)

// ParseColormap maps a config name to a ramp.
func ParseColormap(name string) (*Colormap, error) {
	switch name {
	case "jet", "":
		return &Jet, nil
	case "hot":
		return &Hot, nil
	default:
		return nil, fmt.Errorf("unknown colormap %q", name)
	}
}

func buildColormap(f func(v float64) (r, g, b float64)) Colormap {
	var cm Colormap
	for i := range cm {
		r, g, b := f(float64(i) / 255)
		cm[i] = color.RGBA{R: uint8(r*255 + 0.5), G: uint8(g*255 + 0.5), B: uint8(b*255 + 0.5), A: 0xff}
	}
	return cm
}

func ramp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
