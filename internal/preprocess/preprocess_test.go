package preprocess_test

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/xray-api/internal/preprocess"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uniform(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPrepare_AnySizeGivesModelShape(t *testing.T) {
	opts := preprocess.DefaultOptions()
	for _, size := range []image.Point{{512, 512}, {1024, 640}, {31, 97}, {224, 224}} {
		var buf bytes.Buffer
		require.NoError(t, jpeg.Encode(&buf, uniform(size.X, size.Y, color.Gray{Y: 90}), &jpeg.Options{Quality: 95}))

		in, err := preprocess.Prepare(buf.Bytes(), opts)
		require.NoError(t, err)
		assert.Equal(t, "jpeg", in.Format)
		assert.Equal(t, size.X, in.SourceWidth)
		assert.Equal(t, size.Y, in.SourceHeight)
		assert.Equal(t, image.Rect(0, 0, 224, 224), in.Display.Bounds())
		assert.Len(t, in.Tensor, 224*224*3)
	}
}

func TestPrepare_ChannelOrderAndMean(t *testing.T) {
	data := encodePNG(t, uniform(64, 64, color.NRGBA{R: 200, G: 100, B: 50, A: 255}))
	opts := preprocess.DefaultOptions()
	opts.Size = 8

	in, err := preprocess.Prepare(data, opts)
	require.NoError(t, err)
	assert.Equal(t, "png", in.Format)
	assert.InDelta(t, 50-103.939, in.Tensor[0], 1e-3)
	assert.InDelta(t, 100-116.779, in.Tensor[1], 1e-3)
	assert.InDelta(t, 200-123.68, in.Tensor[2], 1e-3)

	opts.ChannelOrder = "rgb"
	opts.Mean = []float64{0, 0, 0}
	in, err = preprocess.Prepare(data, opts)
	require.NoError(t, err)
	assert.Equal(t, []float32{200, 100, 50}, in.Tensor[:3])
}

func TestPrepare_DropsAlpha(t *testing.T) {
	data := encodePNG(t, uniform(16, 16, color.NRGBA{R: 10, G: 20, B: 30, A: 0}))
	opts := preprocess.DefaultOptions()
	opts.Size = 4

	in, err := preprocess.Prepare(data, opts)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, in.Display.RGBAAt(1, 1))
}

func TestPrepare_GrayscaleReplicated(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = 77
	}
	opts := preprocess.DefaultOptions()
	opts.Size = 8
	opts.Mean = []float64{0, 0, 0}

	in, err := preprocess.Prepare(encodePNG(t, img), opts)
	require.NoError(t, err)
	assert.Equal(t, []float32{77, 77, 77}, in.Tensor[:3])
}

func TestPrepare_Rejects(t *testing.T) {
	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.Black, color.White}), nil))

	valid := encodePNG(t, uniform(8, 8, color.White))

	tests := []struct {
		name        string
		data        []byte
		unsupported bool
	}{
		{name: "empty", data: nil},
		{name: "text", data: []byte("definitely not an image"), unsupported: true},
		{name: "gif", data: gifBuf.Bytes(), unsupported: true},
		{name: "truncated png", data: valid[:len(valid)/2]},
		{name: "corrupt jpeg", data: append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0x13}, 64)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := preprocess.Prepare(tt.data, preprocess.DefaultOptions())
			var decodeErr *preprocess.DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, tt.unsupported, errors.Is(err, preprocess.ErrUnsupportedFormat))
		})
	}
}

func TestParseInterpolation(t *testing.T) {
	for _, name := range []string{"nearest", "bilinear", "bicubic", "lanczos3"} {
		_, err := preprocess.ParseInterpolation(name)
		assert.NoError(t, err, name)
	}
	_, err := preprocess.ParseInterpolation("sinc")
	assert.Error(t, err)
}
