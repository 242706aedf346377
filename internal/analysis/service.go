// Package analysis runs the upload-to-explanation pipeline: preprocess,
// predict, explain and composite.
package analysis

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/xray-api/internal/gradcam"
	"github.com/Brownie44l1/xray-api/internal/model"
	"github.com/Brownie44l1/xray-api/internal/overlay"
	"github.com/Brownie44l1/xray-api/internal/preprocess"

	custom_logger "github.com/Brownie44l1/xray-api/internal/logger"
)

// Classifier is what the pipeline needs from a loaded model.
type Classifier interface {
	gradcam.DifferentiableModel
	Predict(input []float32) (*model.PredictionResult, error)
	Metadata() model.Metadata
}

type Options struct {
	// Layer is the feature map explained by Grad-CAM.
	Layer       string
	Preprocess  preprocess.Options
	Overlay     overlay.Options
	ImageFormat string
}

// Explanation tells whether a composite was produced. Reason is empty when
// it was.
type Explanation struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Report is the outcome of one successful analysis.
type Report struct {
	ID           string
	Format       string
	SourceWidth  int
	SourceHeight int
	Prediction   *model.PredictionResult
	Display      *image.RGBA
	Composite    *image.RGBA
	Saliency     *gradcam.SaliencyMap
	Explanation  Explanation
	Elapsed      time.Duration
}

// Service is safe for concurrent use when its classifier is.
type Service struct {
	classifier Classifier
	opts       Options
}

func NewService(classifier Classifier, opts Options) *Service {
	if opts.Layer == "" {
		opts.Layer = classifier.Metadata().FeatureLayer
	}
	if opts.Preprocess.Size == 0 {
		opts.Preprocess.Size = classifier.Metadata().ImageSize
	}
	if opts.ImageFormat == "" {
		opts.ImageFormat = "png"
	}
	return &Service{classifier: classifier, opts: opts}
}

func (s *Service) Metadata() model.Metadata { return s.classifier.Metadata() }

func (s *Service) ImageFormat() string { return s.opts.ImageFormat }

// Predict classifies an already preprocessed tensor.
func (s *Service) Predict(input []float32) (*model.PredictionResult, error) {
	return s.classifier.Predict(input)
}

// Analyze returns a *preprocess.DecodeError for unreadable uploads and a
// *model.InferenceError when the forward pass fails. A failed explanation
// is not an error: the report carries the prediction and the reason.
func (s *Service) Analyze(ctx context.Context, data []byte) (*Report, error) {
	logger, _ := custom_logger.GetZapLogger(ctx)
	start := time.Now()

	id, ok := custom_logger.RequestID(ctx)
	if !ok {
		id = uuid.NewString()
	}

	in, err := preprocess.Prepare(data, s.opts.Preprocess)
	if err != nil {
		logger.Warn("preprocess failed", zap.Int("bytes", len(data)), zap.Error(err))
		return nil, err
	}
	logger.Debug("image preprocessed",
		zap.String("format", in.Format),
		zap.Int("width", in.SourceWidth),
		zap.Int("height", in.SourceHeight))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pred, err := s.classifier.Predict(in.Tensor)
	if err != nil {
		logger.Error("prediction failed", zap.Error(err))
		return nil, err
	}
	logger.Info("prediction",
		zap.String("label", pred.Label),
		zap.Float32("confidence", pred.Confidence))

	report := &Report{
		ID:           id,
		Format:       in.Format,
		SourceWidth:  in.SourceWidth,
		SourceHeight: in.SourceHeight,
		Prediction:   pred,
		Display:      in.Display,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.Explanation = s.explain(logger, in, pred.Index, report)
	report.Elapsed = time.Since(start)
	return report, nil
}

func (s *Service) explain(logger *zap.Logger, in *preprocess.InputImage, class int, report *Report) Explanation {
	sal, err := gradcam.Explain(s.classifier, in.Tensor, s.opts.Layer, class)
	if err != nil {
		reason := gradcam.ReasonInternal
		var unavailable *gradcam.Unavailable
		if errors.As(err, &unavailable) {
			reason = unavailable.Reason
		}
		logger.Warn("explanation unavailable",
			zap.String("layer", s.opts.Layer),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return Explanation{Reason: string(reason)}
	}

	composite, err := overlay.Composite(in.Display, sal, s.opts.Overlay)
	if err != nil {
		logger.Error("composite failed", zap.Error(err))
		return Explanation{Reason: string(gradcam.ReasonShapeMismatch)}
	}

	report.Saliency = sal
	report.Composite = composite
	return Explanation{Available: true}
}
