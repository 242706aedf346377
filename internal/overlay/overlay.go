// Package overlay blends a Grad-CAM saliency map over the display image.
package overlay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/Brownie44l1/xray-api/internal/gradcam"
)

// DefaultAlpha is the heat map weight in the blend.
const DefaultAlpha = 0.6

// ShapeMismatchError reports inputs whose dimensions cannot be composited.
type ShapeMismatchError struct {
	Display  image.Rectangle
	Saliency image.Point
	Values   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("cannot composite %dx%d saliency map (%d values) over %dx%d image",
		e.Saliency.X, e.Saliency.Y, e.Values, e.Display.Dx(), e.Display.Dy())
}

type Options struct {
	Alpha    float64
	Colormap *Colormap
}

func DefaultOptions() Options {
	return Options{Alpha: DefaultAlpha, Colormap: &Jet}
}

// Composite upsamples sal to the display size, colors it and blends it as
// alpha*heat + (1-alpha)*display. The result has the display's dimensions.
func Composite(display *image.RGBA, sal *gradcam.SaliencyMap, opts Options) (*image.RGBA, error) {
	if display == nil || sal == nil {
		return nil, &ShapeMismatchError{}
	}
	bounds := display.Bounds()
	if bounds.Empty() || sal.Width <= 0 || sal.Height <= 0 || len(sal.Values) != sal.Width*sal.Height {
		return nil, &ShapeMismatchError{
			Display:  bounds,
			Saliency: image.Pt(sal.Width, sal.Height),
			Values:   len(sal.Values),
		}
	}
	if opts.Alpha < 0 || opts.Alpha > 1 {
		return nil, fmt.Errorf("alpha %v outside [0, 1]", opts.Alpha)
	}
	cm := opts.Colormap
	if cm == nil {
		cm = &Jet
	}

	heat := Upsample(sal, bounds.Dx(), bounds.Dy())

	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			v := float64(heat.Gray16At(x, y).Y) / 0xffff
			hc := cm[uint8(255*v)]
			dc := display.RGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			out.SetRGBA(x, y, color.RGBA{
				R: blend(hc.R, dc.R, opts.Alpha),
				G: blend(hc.G, dc.G, opts.Alpha),
				B: blend(hc.B, dc.B, opts.Alpha),
				A: 0xff,
			})
		}
	}
	return out, nil
}

// Upsample resizes sal bilinearly to width x height.
func Upsample(sal *gradcam.SaliencyMap, width, height int) *image.Gray16 {
	src := image.NewGray16(image.Rect(0, 0, sal.Width, sal.Height))
	for y := 0; y < sal.Height; y++ {
		for x := 0; x < sal.Width; x++ {
			v := sal.At(x, y)
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			src.SetGray16(x, y, color.Gray16{Y: uint16(v*0xffff + 0.5)})
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func blend(heat, base uint8, alpha float64) uint8 {
	v := alpha*float64(heat) + (1-alpha)*float64(base)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Encode writes img as "png" or "jpeg" (quality 90).
func Encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "png", "":
		err = png.Encode(&buf, img)
	case "jpeg", "jpg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	default:
		return nil, fmt.Errorf("unknown image format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURI encodes img for inline display in a page or JSON response.
func DataURI(img image.Image, format string) (string, error) {
	b, err := Encode(img, format)
	if err != nil {
		return "", err
	}
	mime := "image/png"
	if format == "jpeg" || format == "jpg" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(b)), nil
}
