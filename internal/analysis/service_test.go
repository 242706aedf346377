package analysis_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/xray-api/internal/analysis"
	"github.com/Brownie44l1/xray-api/internal/gradcam"
	"github.com/Brownie44l1/xray-api/internal/logger"
	"github.com/Brownie44l1/xray-api/internal/model"
	"github.com/Brownie44l1/xray-api/internal/model/modeltest"
	"github.com/Brownie44l1/xray-api/internal/overlay"
	"github.com/Brownie44l1/xray-api/internal/preprocess"
)

func newService(t *testing.T, backbone *modeltest.Backbone, layer string) *analysis.Service {
	t.Helper()
	meta := modeltest.Metadata(224, 7, 8)
	if backbone == nil {
		backbone = modeltest.NewBackbone(meta)
	}
	path := filepath.Join(t.TempDir(), "head.safetensors")
	require.NoError(t, modeltest.WriteWeights(path, modeltest.DenseWeights(8, 2)))
	c, err := model.Load(model.Options{WeightsPath: path, Meta: meta, NewBackbone: modeltest.Factory(backbone)})
	require.NoError(t, err)

	return analysis.NewService(c, analysis.Options{
		Layer:      layer,
		Preprocess: preprocess.DefaultOptions(),
		Overlay:    overlay.DefaultOptions(),
	})
}

// chestJPEG draws a bright oval on a dark background.
func chestJPEG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	cx, cy, r := size/3, size/2, size/5
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := uint8(30)
			if (x-cx)*(x-cx)+(y-cy)*(y-cy) < r*r {
				v = 220
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestAnalyze_ValidUpload(t *testing.T) {
	svc := newService(t, nil, "")

	report, err := svc.Analyze(context.Background(), chestJPEG(t, 512))
	require.NoError(t, err)

	assert.NotEmpty(t, report.ID)
	assert.Equal(t, "jpeg", report.Format)
	assert.Equal(t, 512, report.SourceWidth)
	assert.Contains(t, []string{"NORMAL", "PNEUMONIA"}, report.Prediction.Label)
	assert.GreaterOrEqual(t, report.Prediction.Confidence, float32(0))
	assert.LessOrEqual(t, report.Prediction.Confidence, float32(100))

	assert.True(t, report.Explanation.Available)
	assert.Empty(t, report.Explanation.Reason)
	require.NotNil(t, report.Composite)
	assert.Equal(t, image.Rect(0, 0, 224, 224), report.Display.Bounds())
	assert.Equal(t, report.Display.Bounds(), report.Composite.Bounds())
	assert.Equal(t, 7, report.Saliency.Width)
	assert.Equal(t, report.Prediction.Index, report.Saliency.Class)
}

func TestAnalyze_UsesRequestID(t *testing.T) {
	svc := newService(t, nil, "")
	ctx := logger.WithRequestID(context.Background(), "req-42")

	report, err := svc.Analyze(ctx, chestJPEG(t, 256))
	require.NoError(t, err)
	assert.Equal(t, "req-42", report.ID)
}

func TestAnalyze_CorruptUpload(t *testing.T) {
	meta := modeltest.Metadata(224, 7, 8)
	backbone := modeltest.NewBackbone(meta)
	svc := newService(t, backbone, "")

	_, err := svc.Analyze(context.Background(), []byte("%PDF-1.4 not an x-ray"))
	var decodeErr *preprocess.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Zero(t, backbone.Calls())
}

func TestAnalyze_MissingFeatureLayer(t *testing.T) {
	svc := newService(t, nil, "conv5_block3_out_missing")

	report, err := svc.Analyze(context.Background(), chestJPEG(t, 512))
	require.NoError(t, err)
	assert.NotEmpty(t, report.Prediction.Label)
	assert.False(t, report.Explanation.Available)
	assert.Equal(t, string(gradcam.ReasonLayerNotFound), report.Explanation.Reason)
	assert.Nil(t, report.Composite)
}

func TestAnalyze_InferenceFailure(t *testing.T) {
	meta := modeltest.Metadata(224, 7, 8)
	backbone := modeltest.NewBackbone(meta)
	svc := newService(t, backbone, "")

	backbone.Err = errors.New("session lost")
	_, err := svc.Analyze(context.Background(), chestJPEG(t, 300))
	var inferErr *model.InferenceError
	require.ErrorAs(t, err, &inferErr)

	backbone.Err = nil
	_, err = svc.Analyze(context.Background(), chestJPEG(t, 300))
	require.NoError(t, err)
}

func TestAnalyze_Canceled(t *testing.T) {
	svc := newService(t, nil, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Analyze(ctx, chestJPEG(t, 300))
	require.ErrorIs(t, err, context.Canceled)
}
