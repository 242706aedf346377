// Package preprocess turns an uploaded radiograph into the model input tensor
// and a display copy of the same size.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
)

// ErrUnsupportedFormat is wrapped by DecodeError when the upload is neither
// JPEG nor PNG.
var ErrUnsupportedFormat = errors.New("unsupported image format, expected jpeg or png")

// DecodeError reports bytes that could not be turned into an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MaxPixels bounds the decoded source size. Digital radiographs are well
// under 16 megapixels.
const MaxPixels = 16 << 20

// Options describe the normalization the backbone was trained with.
type Options struct {
	Size int
	// Mean is subtracted per channel, in ChannelOrder.
	Mean []float64
	// ChannelOrder is "bgr" or "rgb".
	ChannelOrder  string
	Interpolation resize.InterpolationFunction
}

// DefaultOptions match Keras ResNet50 "caffe" preprocessing at 224x224.
func DefaultOptions() Options {
	return Options{
		Size:          224,
		Mean:          []float64{103.939, 116.779, 123.68},
		ChannelOrder:  "bgr",
		Interpolation: resize.Bicubic,
	}
}

// ParseInterpolation maps a config name to a resampling kernel.
func ParseInterpolation(name string) (resize.InterpolationFunction, error) {
	switch strings.ToLower(name) {
	case "nearest":
		return resize.NearestNeighbor, nil
	case "bilinear":
		return resize.Bilinear, nil
	case "bicubic", "":
		return resize.Bicubic, nil
	case "lanczos3":
		return resize.Lanczos3, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q", name)
	}
}

// InputImage is one upload after preprocessing. Display and Tensor describe
// the same Size x Size pixels.
type InputImage struct {
	Display *image.RGBA
	// Tensor is NHWC float32 with the batch dimension of 1 implied.
	Tensor       []float32
	Format       string
	SourceWidth  int
	SourceHeight int
}

// Sniff returns "jpeg" or "png" from the content of data.
func Sniff(data []byte) (string, error) {
	if len(data) == 0 {
		return "", &DecodeError{Err: errors.New("empty upload")}
	}
	switch strings.Split(mimetype.Detect(data).String(), ";")[0] {
	case "image/jpeg":
		return "jpeg", nil
	case "image/png":
		return "png", nil
	default:
		return "", &DecodeError{Err: fmt.Errorf("%w: got %s", ErrUnsupportedFormat, mimetype.Detect(data).String())}
	}
}

// Decode restricts the upload to JPEG or PNG and decodes it.
func Decode(data []byte) (image.Image, string, error) {
	format, err := Sniff(data)
	if err != nil {
		return nil, "", err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, "", &DecodeError{Err: fmt.Errorf("image dimensions %dx%d out of range", cfg.Width, cfg.Height)}
	}

	var img image.Image
	switch format {
	case "png":
		img, err = png.Decode(bytes.NewReader(data))
	default:
		img, err = jpeg.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	return img, format, nil
}

// Prepare decodes data, drops any alpha channel, resizes to opts.Size and
// builds the model tensor.
func Prepare(data []byte, opts Options) (*InputImage, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", opts.Size)
	}
	if len(opts.Mean) != 3 {
		return nil, fmt.Errorf("need three channel means, got %d", len(opts.Mean))
	}

	img, format, err := Decode(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	size := uint(opts.Size)
	resized := resize.Resize(size, size, opaque(img), opts.Interpolation)
	display := toRGBA(resized)

	return &InputImage{
		Display:      display,
		Tensor:       Tensor(display, opts),
		Format:       format,
		SourceWidth:  bounds.Dx(),
		SourceHeight: bounds.Dy(),
	}, nil
}

// Tensor lays out img as NHWC float32 in opts.ChannelOrder with the channel
// means subtracted. No scaling to [0, 1] is applied.
func Tensor(img *image.RGBA, opts Options) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	bgr := opts.ChannelOrder != "rgb"

	out := make([]float32, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px := img.RGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			ch := [3]float64{float64(px.R), float64(px.G), float64(px.B)}
			if bgr {
				ch[0], ch[2] = ch[2], ch[0]
			}
			i := (y*width + x) * 3
			for c := 0; c < 3; c++ {
				out[i+c] = float32(ch[c] - opts.Mean[c])
			}
		}
	}
	return out
}

// opaque discards alpha without compositing, keeping the stored color.
func opaque(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	switch src := img.(type) {
	case *image.Gray:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				v := src.Pix[src.PixOffset(x, y)]
				i := out.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
				out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = v, v, v, 0xff
			}
		}
	case *image.YCbCr:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := src.YCbCrAt(x, y).RGBA()
				i := out.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
				out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = uint8(r>>8), uint8(g>>8), uint8(b>>8), 0xff
			}
		}
	case *image.RGBA:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				j := src.PixOffset(x, y)
				r, g, b, a := src.Pix[j], src.Pix[j+1], src.Pix[j+2], src.Pix[j+3]
				switch a {
				case 0xff:
				case 0:
					r, g, b = 0, 0, 0
				default:
					r, g, b = unpremultiply(r, a), unpremultiply(g, a), unpremultiply(b, a)
				}
				i := out.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
				out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = r, g, b, 0xff
			}
		}
	default:
		opaqueAny(out, img)
	}
	return out
}

// unpremultiply matches color.NRGBAModel rounding.
func unpremultiply(v, a uint8) uint8 {
	return uint8((uint32(v) * 0xffff / uint32(a)) >> 8)
}

func opaqueAny(out *image.RGBA, img image.Image) {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 0xff})
		}
	}
	return out
}
