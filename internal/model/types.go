package model

// Metadata describes the classifier topology the weights were trained for.
type Metadata struct {
	FeatureLayer string   `json:"feature_layer"`
	ImageSize    int      `json:"image_size"`
	FeatureShape []int    `json:"feature_shape"`
	Classes      []string `json:"classes"`
	Dropout      float64  `json:"dropout"`
}

// InputShape is the NHWC shape of one model-ready image.
func (m Metadata) InputShape() []int64 {
	return []int64{1, int64(m.ImageSize), int64(m.ImageSize), 3}
}

// InputSize is the number of float32 values in one model-ready image.
func (m Metadata) InputSize() int {
	return m.ImageSize * m.ImageSize * 3
}

// Channels is the depth of the feature map consumed by the head.
func (m Metadata) Channels() int {
	if len(m.FeatureShape) != 3 {
		return 0
	}
	return m.FeatureShape[2]
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// PredictionResult is the arg-max class of one forward pass.
type PredictionResult struct {
	Label         string             `json:"label"`
	Index         int                `json:"index"`
	Confidence    float32            `json:"confidence"`
	Probabilities []float32          `json:"-"`
	Predictions   map[string]float32 `json:"predictions"`
}
